package crdt

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

// ContentKey names the root text object that carries a note body.
const ContentKey = "content"

// chunkMagic opens every automerge document and change chunk.
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

var (
	// ErrMalformedDelta indicates that update bytes were rejected by the CRDT engine.
	ErrMalformedDelta = errors.New("crdt: malformed delta")
	// ErrInvalidState indicates that a full state encoding could not be loaded.
	ErrInvalidState = errors.New("crdt: invalid state")
)

// Document is one replica of a note body.
//
// Document is not safe for concurrent use; the owning room serializes access.
type Document struct {
	doc *automerge.Doc
}

// New returns a replica holding an empty text object under ContentKey.
func New() (*Document, error) {
	doc := automerge.New()
	if err := doc.Path(ContentKey).Set(automerge.NewText("")); err != nil {
		return nil, fmt.Errorf("crdt: init content: %w", err)
	}
	if _, err := doc.Commit("init"); err != nil {
		return nil, fmt.Errorf("crdt: commit init: %w", err)
	}
	return &Document{doc: doc}, nil
}

// Load rebuilds a replica from a full state encoding.
func Load(state []byte) (*Document, error) {
	if len(state) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidState)
	}
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return &Document{doc: doc}, nil
}

// Apply merges an encoded update. The update is loaded into a fork of the
// replica and the fork replaces the replica only on success, so a rejected
// update leaves the replica unchanged.
func (d *Document) Apply(update []byte) error {
	if len(update) == 0 {
		return fmt.Errorf("%w: empty", ErrMalformedDelta)
	}
	// automerge skips unparsable chunks during an incremental load.
	if !bytes.HasPrefix(update, chunkMagic) {
		return fmt.Errorf("%w: missing chunk header", ErrMalformedDelta)
	}
	fork, err := d.doc.Fork()
	if err != nil {
		return fmt.Errorf("crdt: fork replica: %w", err)
	}
	if err := fork.LoadIncremental(update); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	d.doc = fork
	return nil
}

// EncodeFullState returns the complete encoding of the replica.
func (d *Document) EncodeFullState() []byte {
	return d.doc.Save()
}

// Text returns the materialized content.
func (d *Document) Text() (string, error) {
	value, err := d.doc.Path(ContentKey).Text().Get()
	if err != nil {
		return "", fmt.Errorf("crdt: read content: %w", err)
	}
	return value, nil
}

// Splice edits the content locally and returns the incremental update that
// other replicas need to observe the edit.
func (d *Document) Splice(position int, deleteCount int, insert string) ([]byte, error) {
	if err := d.doc.Path(ContentKey).Text().Splice(position, deleteCount, insert); err != nil {
		return nil, fmt.Errorf("crdt: splice content: %w", err)
	}
	if _, err := d.doc.Commit("edit"); err != nil {
		return nil, fmt.Errorf("crdt: commit edit: %w", err)
	}
	return d.doc.SaveIncremental(), nil
}
