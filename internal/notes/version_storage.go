package notes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	queryNoteID          = "note_id = ?"
	queryNoteVersion     = "note_id = ? AND version_id = ?"
	orderSequenceAsc     = "sequence ASC"
	summaryColumnsSelect = "sequence, note_id, version_id, author, created_at_ns"
)

var errMissingArchiveDatabase = errors.New("notes: version archive requires a database")

// VersionRecord stores one immutable version row. Sequence preserves insertion order.
type VersionRecord struct {
	Sequence    int64  `gorm:"column:sequence;primaryKey;autoIncrement"`
	NoteID      string `gorm:"column:note_id;size:190;not null;index:idx_note_versions_note;uniqueIndex:idx_note_versions_dedupe,priority:1"`
	VersionID   string `gorm:"column:version_id;size:190;not null;uniqueIndex:idx_note_versions_dedupe,priority:2"`
	Author      string `gorm:"column:author;size:480;not null"`
	Content     string `gorm:"column:content;type:text;not null"`
	CreatedAtNs int64  `gorm:"column:created_at_ns;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VersionRecord) TableName() string {
	return "note_versions"
}

func (record VersionRecord) toVersion() Version {
	return Version{
		ID:        record.VersionID,
		NoteID:    record.NoteID,
		Timestamp: time.Unix(0, record.CreatedAtNs).UTC(),
		Author:    record.Author,
		Content:   record.Content,
	}
}

// VersionArchive is the append-only version history of every note.
type VersionArchive struct {
	db *gorm.DB
}

// NewVersionArchive wraps a migrated database handle.
func NewVersionArchive(db *gorm.DB) (*VersionArchive, error) {
	if db == nil {
		return nil, errMissingArchiveDatabase
	}
	return &VersionArchive{db: db}, nil
}

// Append stores a version at the end of its note's history.
func (archive *VersionArchive) Append(ctx context.Context, version Version) error {
	record := VersionRecord{
		NoteID:      version.NoteID,
		VersionID:   version.ID,
		Author:      version.Author,
		Content:     version.Content,
		CreatedAtNs: version.Timestamp.UTC().UnixNano(),
	}
	if err := archive.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("notes: append version: %w", err)
	}
	return nil
}

// List returns the history of a note in insertion order, without content.
func (archive *VersionArchive) List(ctx context.Context, noteID string) ([]VersionSummary, error) {
	var records []VersionRecord
	if err := archive.db.WithContext(ctx).
		Select(summaryColumnsSelect).
		Where(queryNoteID, noteID).
		Order(orderSequenceAsc).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("notes: list versions: %w", err)
	}
	summaries := make([]VersionSummary, 0, len(records))
	for _, record := range records {
		summaries = append(summaries, record.toVersion().Summary())
	}
	return summaries, nil
}

// Get returns a full version record including content.
func (archive *VersionArchive) Get(ctx context.Context, noteID string, versionID string) (Version, error) {
	var record VersionRecord
	err := archive.db.WithContext(ctx).
		Where(queryNoteVersion, noteID, versionID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Version{}, ErrVersionNotFound
	}
	if err != nil {
		return Version{}, fmt.Errorf("notes: get version: %w", err)
	}
	return record.toVersion(), nil
}
