package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/Kikks/living-notes/internal/directory"
	"github.com/Kikks/living-notes/internal/notes"
	"github.com/Kikks/living-notes/internal/relay"
	"github.com/Kikks/living-notes/internal/rooms"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	errorNoteNotFound    = "Note not found"
	errorVersionNotFound = "Version not found"
	errorInvalidRequest  = "invalid_request"
	errorInternal        = "internal_error"
)

var (
	errMissingDirectory  = errors.New("directory service dependency required")
	errMissingRelay      = errors.New("relay dependency required")
	errMissingDispatcher = errors.New("realtime dispatcher dependency required")
)

type Dependencies struct {
	Directory      *directory.Service
	Relay          *relay.Relay
	Dispatcher     *RealtimeDispatcher
	Realtime       RealtimeSettings
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Directory == nil {
		return nil, errMissingDirectory
	}
	if deps.Relay == nil {
		return nil, errMissingRelay
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		directory:  deps.Directory,
		relay:      deps.Relay,
		dispatcher: deps.Dispatcher,
		settings:   deps.Realtime.withDefaults(),
		logger:     logger,
	}
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(deps.AllowedOrigins),
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/notes", handler.handleCreateNote)
	router.GET("/notes/:code", handler.handleGetNote)
	router.GET("/notes/:code/versions", handler.handleListVersions)
	router.POST("/notes/:code/versions", handler.handleCreateVersion)
	router.GET("/notes/:code/versions/:versionId", handler.handleGetVersion)
	router.GET("/ws", handler.handleWebSocket)

	return router, nil
}

type httpHandler struct {
	directory  *directory.Service
	relay      *relay.Relay
	dispatcher *RealtimeDispatcher
	settings   RealtimeSettings
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

type createNoteRequest struct {
	Title string `json:"title"`
}

type createVersionRequest struct {
	Author string `json:"author"`
}

type noteResponse struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

type noteDetailResponse struct {
	noteResponse
	ActiveUsers int                      `json:"activeUsers"`
	Versions    []versionSummaryResponse `json:"versions"`
}

type versionSummaryResponse struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author"`
}

type versionResponse struct {
	versionSummaryResponse
	Content string `json:"content"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": h.directory.RoomCount()})
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	var request createNoteRequest
	if !bindOptionalJSON(c, &request) {
		return
	}
	note, err := h.directory.CreateNote(c.Request.Context(), request.Title)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toNoteResponse(note))
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	summary, err := h.directory.GetNote(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, noteDetailResponse{
		noteResponse: toNoteResponse(summary.Note),
		ActiveUsers:  summary.ActiveUsers,
		Versions:     toVersionSummaries(summary.Versions),
	})
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	versions, err := h.directory.ListVersions(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toVersionSummaries(versions))
}

func (h *httpHandler) handleCreateVersion(c *gin.Context) {
	var request createVersionRequest
	if !bindOptionalJSON(c, &request) {
		return
	}
	version, err := h.directory.CreateVersion(c.Request.Context(), c.Param("code"), request.Author)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toVersionSummary(version))
}

func (h *httpHandler) handleGetVersion(c *gin.Context) {
	version, err := h.directory.GetVersion(c.Request.Context(), c.Param("code"), c.Param("versionId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, versionResponse{
		versionSummaryResponse: toVersionSummary(version.Summary()),
		Content:                version.Content,
	})
}

// handleWebSocket serves one session for the lifetime of the connection.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sessionID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, unsubscribe := h.dispatcher.Subscribe(ctx, sessionID)
	if _, err := h.relay.Connect(sessionID); err != nil {
		h.logger.Error("session registration failed", zap.String("session_id", sessionID), zap.Error(err))
		unsubscribe()
		_ = conn.Close()
		return
	}

	client := &connection{
		sessionID: sessionID,
		conn:      conn,
		relay:     h.relay,
		settings:  h.settings,
		logger:    h.logger,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.writePump(stream)
	}()

	client.readPump()
	h.relay.Disconnect(sessionID)
	unsubscribe()
	<-done
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": errorNoteNotFound})
	case errors.Is(err, notes.ErrVersionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": errorVersionNotFound})
	case errors.Is(err, notes.ErrInvalidTitle), errors.Is(err, notes.ErrInvalidAuthor):
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
	default:
		body := gin.H{"error": errorInternal}
		var serviceErr *directory.ServiceError
		if errors.As(err, &serviceErr) {
			body["code"] = serviceErr.Code()
		}
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, body)
	}
}

// bindOptionalJSON accepts an empty body as the zero request.
func bindOptionalJSON(c *gin.Context, target any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(target); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return false
	}
	return true
}

func toNoteResponse(note notes.Note) noteResponse {
	return noteResponse{
		ID:        note.ID,
		Code:      note.Code.String(),
		Title:     note.Title,
		CreatedAt: note.CreatedAt,
	}
}

func toVersionSummary(summary notes.VersionSummary) versionSummaryResponse {
	return versionSummaryResponse{
		ID:        summary.ID,
		Timestamp: summary.Timestamp,
		Author:    summary.Author,
	}
}

func toVersionSummaries(summaries []notes.VersionSummary) []versionSummaryResponse {
	response := make([]versionSummaryResponse, 0, len(summaries))
	for _, summary := range summaries {
		response = append(response, toVersionSummary(summary))
	}
	return response
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	if len(allowedOrigins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
