// Package system exercises the clock adapters.
package system

import (
	"testing"
	"time"
)

// TestClockNowUTC ensures the clock returns UTC timestamps.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := New().Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

// TestStepperAdvances checks each reading moves the clock by Step.
func TestStepperAdvances(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)
	clk := &Stepper{At: start, Step: time.Second}
	if got := clk.Now(); !got.Equal(start) {
		t.Fatalf("expected %v, got %v", start, got)
	}
	if got := clk.Now(); !got.Equal(start.Add(time.Second)) {
		t.Fatalf("expected one step later, got %v", got)
	}
}
