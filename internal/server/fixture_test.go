package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/Kikks/living-notes/internal/database"
	"github.com/Kikks/living-notes/internal/directory"
	"github.com/Kikks/living-notes/internal/notes"
	"github.com/Kikks/living-notes/internal/relay"
	"github.com/Kikks/living-notes/internal/rooms"
	"github.com/Kikks/living-notes/internal/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type serverFixture struct {
	handler    http.Handler
	registry   *rooms.Registry
	sessions   *sessions.Manager
	dispatcher *RealtimeDispatcher
}

func newServerFixture(t *testing.T, logger *zap.Logger) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := database.OpenMemory("", logger)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("database handle: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	archive, err := notes.NewVersionArchive(db)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	codes, err := notes.NewRandomCodeGenerator(notes.DefaultCodeLength)
	if err != nil {
		t.Fatalf("code generator: %v", err)
	}
	registry, err := rooms.NewRegistry(rooms.RegistryConfig{
		Archive:       archive,
		IDProvider:    notes.NewUUIDProvider(),
		CodeGenerator: codes,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	sessionManager := sessions.NewManager()
	dispatcher := NewRealtimeDispatcher(64, logger)
	relayService, err := relay.New(relay.Config{
		Registry:  registry,
		Sessions:  sessionManager,
		Publisher: dispatcher,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	directoryService, err := directory.NewService(directory.ServiceConfig{
		Registry:   registry,
		IDProvider: notes.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		Directory:  directoryService,
		Relay:      relayService,
		Dispatcher: dispatcher,
		Realtime: RealtimeSettings{
			WriteWait:  time.Second,
			PongWait:   5 * time.Second,
			PingPeriod: time.Second,
		},
		AllowedOrigins: []string{"http://localhost:5173"},
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return &serverFixture{
		handler:    handler,
		registry:   registry,
		sessions:   sessionManager,
		dispatcher: dispatcher,
	}
}
