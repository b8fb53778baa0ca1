// Package uuid includes tests for the run ID generators.
package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewRunID ensures IDs are unique version 7 UUIDs in creation order.
func TestGeneratorNewRunID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewRunID()
	if err != nil {
		t.Fatalf("NewRunID() error = %v", err)
	}
	id2, err := gen.NewRunID()
	if err != nil {
		t.Fatalf("NewRunID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	if id1.Version() != 7 {
		t.Fatalf("expected version 7, got %d", id1.Version())
	}
	if id2.String() < id1.String() {
		t.Fatalf("expected %s to sort after %s", id2, id1)
	}
}

// TestSequenceReplaysThenFails checks the fixed sequence order and exhaustion.
func TestSequenceReplaysThenFails(t *testing.T) {
	t.Parallel()

	want := "0192f0a4-7c1e-7b3a-9f00-000000000001"
	seq := NewSequence(want)
	got, err := seq.NewRunID()
	if err != nil {
		t.Fatalf("NewRunID() error = %v", err)
	}
	if got != goUUID.MustParse(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if _, err := seq.NewRunID(); err == nil {
		t.Fatal("expected exhausted sequence error")
	}
}
