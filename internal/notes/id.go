package notes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// codeAlphabet matches the URL-safe alphabet used for share codes.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

const (
	// DefaultCodeLength yields 60 bits of randomness per share code.
	DefaultCodeLength = 10
	// MinCodeLength keeps the code space large enough that collisions stay negligible.
	MinCodeLength = 8
)

var errInvalidCodeLength = errors.New("notes: invalid code length")

// IDProvider issues identifiers for notes and versions.
type IDProvider interface {
	NewID() (string, error)
}

// CodeGenerator issues share codes for new notes.
type CodeGenerator interface {
	NewCode() (NoteCode, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type randomCodeGenerator struct {
	length int
}

// NewRandomCodeGenerator returns a CodeGenerator drawing each character from
// the random bits of UUIDv4 values.
func NewRandomCodeGenerator(length int) (CodeGenerator, error) {
	if length < MinCodeLength || length > maxCodeLength {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", errInvalidCodeLength, length, MinCodeLength, maxCodeLength)
	}
	return &randomCodeGenerator{length: length}, nil
}

func (g *randomCodeGenerator) NewCode() (NoteCode, error) {
	var builder strings.Builder
	builder.Grow(g.length)
	for builder.Len() < g.length {
		value, err := uuid.NewRandom()
		if err != nil {
			return "", err
		}
		for index, b := range value {
			// bytes 6 and 8 carry the version and variant bits.
			if index == 6 || index == 8 {
				continue
			}
			builder.WriteByte(codeAlphabet[b&63])
			if builder.Len() == g.length {
				break
			}
		}
	}
	return NoteCode(builder.String()), nil
}
