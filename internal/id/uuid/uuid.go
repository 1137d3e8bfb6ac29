// Package uuid generates job identifiers and run handles.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 strings, so jobs created later sort later.
type Generator struct{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewHandle returns "<prefix>-<uuidv7>". Handles name a run that was not
// published to a broker, so the prefix records who issued it.
func (g Generator) NewHandle(prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "", fmt.Errorf("handle prefix is required")
	}
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	return prefix + "-" + id, nil
}
