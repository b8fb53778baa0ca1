// Package uuid issues time-ordered run identifiers.
package uuid

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

// Generator creates UUIDv7 run IDs, which sort by creation time.
type Generator struct{}

var _ harvest.IDGenerator = Generator{}

// New creates a new Generator.
func New() Generator {
	return Generator{}
}

// NewRunID returns a UUIDv7.
func (Generator) NewRunID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}

// Sequence replays fixed IDs in order, then fails. It makes run IDs
// predictable in tests.
type Sequence struct {
	mu   sync.Mutex
	ids  []uuid.UUID
	next int
}

// NewSequence parses ids up front and panics on malformed input.
func NewSequence(ids ...string) *Sequence {
	s := &Sequence{}
	for _, raw := range ids {
		s.ids = append(s.ids, uuid.MustParse(raw))
	}
	return s
}

// NewRunID returns the next fixed ID.
func (s *Sequence) NewRunID() (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.ids) {
		return uuid.Nil, fmt.Errorf("id sequence exhausted after %d ids", len(s.ids))
	}
	id := s.ids[s.next]
	s.next++
	return id, nil
}
