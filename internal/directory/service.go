package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Kikks/living-notes/internal/notes"
	"github.com/Kikks/living-notes/internal/rooms"
	"go.uber.org/zap"
)

var (
	errMissingRegistry   = errors.New("room registry is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable `operation.reason` code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "directory.service.new"
	opCreateNote     = "directory.create_note"
	opGetNote        = "directory.get_note"
	opCreateVersion  = "directory.create_version"
	opGetVersion     = "directory.get_version"
	opListVersions   = "directory.list_versions"
	reasonNotFound   = "note_not_found"
	reasonInvalid    = "invalid_input"
	reasonAllocation = "allocation_failed"
	reasonArchive    = "archive_failed"
	reasonVersionID  = "version_id_failed"
	fieldNoteCode    = "note_code"
	fieldVersionID   = "version_id"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the note directory.
type ServiceConfig struct {
	Registry   *rooms.Registry
	Clock      func() time.Time
	IDProvider notes.IDProvider
	Logger     *zap.Logger
}

// Service creates and describes notes and snapshots their content into versions.
type Service struct {
	registry   *rooms.Registry
	clock      func() time.Time
	idProvider notes.IDProvider
	logger     *zap.Logger
}

// NoteSummary is the directory view of a note.
type NoteSummary struct {
	Note        notes.Note
	ActiveUsers int
	Versions    []notes.VersionSummary
}

// NewService constructs the directory service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Registry == nil {
		return nil, newServiceError(opServiceNew, "missing_registry", errMissingRegistry)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		registry:   cfg.Registry,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateNote allocates a note; a blank title becomes notes.DefaultTitle.
func (s *Service) CreateNote(_ context.Context, rawTitle string) (notes.Note, error) {
	title, err := notes.NormalizeTitle(rawTitle)
	if err != nil {
		return notes.Note{}, newServiceError(opCreateNote, reasonInvalid, err)
	}
	room, err := s.registry.CreateRoom(title)
	if err != nil {
		s.logError(opCreateNote, reasonAllocation, err)
		return notes.Note{}, newServiceError(opCreateNote, reasonAllocation, err)
	}
	note := room.Note()
	s.logger.Info("note created", zap.String(fieldNoteCode, note.Code.String()), zap.String("note_id", note.ID))
	return note, nil
}

// GetNote describes a note with its live user count and version summaries.
func (s *Service) GetNote(ctx context.Context, rawCode string) (NoteSummary, error) {
	room, err := s.resolve(opGetNote, rawCode)
	if err != nil {
		return NoteSummary{}, err
	}
	versions, err := room.Versions(ctx)
	if err != nil {
		s.logError(opGetNote, reasonArchive, err, zap.String(fieldNoteCode, rawCode))
		return NoteSummary{}, newServiceError(opGetNote, reasonArchive, err)
	}
	return NoteSummary{
		Note:        room.Note(),
		ActiveUsers: room.ActiveCount(),
		Versions:    versions,
	}, nil
}

// CreateVersion snapshots the note's current content. A blank author becomes
// notes.DefaultAuthor.
func (s *Service) CreateVersion(ctx context.Context, rawCode string, rawAuthor string) (notes.VersionSummary, error) {
	author, err := notes.NormalizeAuthor(rawAuthor)
	if err != nil {
		return notes.VersionSummary{}, newServiceError(opCreateVersion, reasonInvalid, err)
	}
	room, err := s.resolve(opCreateVersion, rawCode)
	if err != nil {
		return notes.VersionSummary{}, err
	}
	versionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateVersion, reasonVersionID, err, zap.String(fieldNoteCode, rawCode))
		return notes.VersionSummary{}, newServiceError(opCreateVersion, reasonVersionID, err)
	}

	version, err := room.RecordVersion(ctx, func(content string) (notes.Version, error) {
		return notes.Version{
			ID:        versionID,
			Timestamp: s.clock().UTC(),
			Author:    author,
			Content:   content,
		}, nil
	})
	if err != nil {
		s.logError(opCreateVersion, reasonArchive, err, zap.String(fieldNoteCode, rawCode))
		return notes.VersionSummary{}, newServiceError(opCreateVersion, reasonArchive, err)
	}
	s.logger.Info("version created",
		zap.String(fieldNoteCode, rawCode),
		zap.String(fieldVersionID, version.ID),
		zap.String("author", version.Author))
	return version.Summary(), nil
}

// GetVersion returns a full version record including content.
func (s *Service) GetVersion(ctx context.Context, rawCode string, versionID string) (notes.Version, error) {
	room, err := s.resolve(opGetVersion, rawCode)
	if err != nil {
		return notes.Version{}, err
	}
	version, err := room.Version(ctx, versionID)
	if errors.Is(err, notes.ErrVersionNotFound) {
		return notes.Version{}, newServiceError(opGetVersion, "version_not_found", err)
	}
	if err != nil {
		s.logError(opGetVersion, reasonArchive, err, zap.String(fieldNoteCode, rawCode), zap.String(fieldVersionID, versionID))
		return notes.Version{}, newServiceError(opGetVersion, reasonArchive, err)
	}
	return version, nil
}

// ListVersions returns version summaries in creation order.
func (s *Service) ListVersions(ctx context.Context, rawCode string) ([]notes.VersionSummary, error) {
	room, err := s.resolve(opListVersions, rawCode)
	if err != nil {
		return nil, err
	}
	versions, err := room.Versions(ctx)
	if err != nil {
		s.logError(opListVersions, reasonArchive, err, zap.String(fieldNoteCode, rawCode))
		return nil, newServiceError(opListVersions, reasonArchive, err)
	}
	return versions, nil
}

// RoomCount reports how many notes exist.
func (s *Service) RoomCount() int {
	return s.registry.Len()
}

func (s *Service) resolve(operation string, rawCode string) (*rooms.Room, error) {
	code, err := notes.NewNoteCode(rawCode)
	if err != nil {
		return nil, newServiceError(operation, reasonNotFound, fmt.Errorf("%w: %v", rooms.ErrRoomNotFound, err))
	}
	room, err := s.registry.GetRoom(code)
	if err != nil {
		return nil, newServiceError(operation, reasonNotFound, err)
	}
	return room, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("directory service error", attrs...)
}
