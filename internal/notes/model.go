package notes

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultTitle is assigned to notes created without a title.
	DefaultTitle = "Untitled Note"
	// DefaultAuthor is recorded on versions created without an author.
	DefaultAuthor = "Anonymous"

	maxCodeLength   = 32
	maxTitleLength  = 200
	maxAuthorLength = 120
)

var (
	// ErrInvalidNoteCode indicates that a share code is empty, too long or uses unsupported characters.
	ErrInvalidNoteCode = errors.New("notes: invalid note code")
	// ErrInvalidTitle indicates that a note title exceeds storage bounds.
	ErrInvalidTitle = errors.New("notes: invalid title")
	// ErrInvalidAuthor indicates that a version author exceeds storage bounds.
	ErrInvalidAuthor = errors.New("notes: invalid author")
	// ErrVersionNotFound indicates that a note has no version with the requested id.
	ErrVersionNotFound = errors.New("notes: version not found")
)

// NoteCode is the short, shareable identifier of a note.
type NoteCode string

// NewNoteCode validates raw input and returns a NoteCode.
func NewNoteCode(rawInput string) (NoteCode, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteCode)
	}
	if len(trimmed) > maxCodeLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteCode, maxCodeLength)
	}
	for _, r := range trimmed {
		if !strings.ContainsRune(codeAlphabet, r) {
			return "", fmt.Errorf("%w: unsupported character %q", ErrInvalidNoteCode, r)
		}
	}
	return NoteCode(trimmed), nil
}

// String returns the underlying code.
func (code NoteCode) String() string {
	return string(code)
}

// NormalizeTitle trims the title and substitutes DefaultTitle when nothing is left.
func NormalizeTitle(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return DefaultTitle, nil
	}
	if utf8.RuneCountInString(trimmed) > maxTitleLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxTitleLength)
	}
	return trimmed, nil
}

// NormalizeAuthor trims the author and substitutes DefaultAuthor when nothing is left.
func NormalizeAuthor(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return DefaultAuthor, nil
	}
	if utf8.RuneCountInString(trimmed) > maxAuthorLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidAuthor, maxAuthorLength)
	}
	return trimmed, nil
}

// Note carries the descriptive fields of a collaborative note.
type Note struct {
	ID        string
	Code      NoteCode
	Title     string
	CreatedAt time.Time
}

// Version is an immutable, authored copy of a note's content.
type Version struct {
	ID        string
	NoteID    string
	Timestamp time.Time
	Author    string
	Content   string
}

// Summary drops the content so listings stay small.
func (version Version) Summary() VersionSummary {
	return VersionSummary{
		ID:        version.ID,
		Timestamp: version.Timestamp,
		Author:    version.Author,
	}
}

// VersionSummary describes a version without its content.
type VersionSummary struct {
	ID        string
	Timestamp time.Time
	Author    string
}
