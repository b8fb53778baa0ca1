// Package system provides the wall clock used for run timing.
package system

import (
	"sync"
	"time"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

// Clock implements harvest.Clock in UTC.
type Clock struct{}

var _ harvest.Clock = Clock{}

// New creates a new Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Stepper is a manual clock that advances by Step on every Now call.
type Stepper struct {
	mu   sync.Mutex
	At   time.Time
	Step time.Duration
}

// Now returns At and then advances it.
func (s *Stepper) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.At
	s.At = s.At.Add(s.Step)
	return now
}
