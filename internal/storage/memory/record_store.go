// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

// RecordStore implements harvest.Store in memory with the same tiered-key
// semantics as the Postgres store.
type RecordStore struct {
	mu     sync.RWMutex
	nextID int64
	rows   map[int64]harvest.Record
}

var _ harvest.Store = (*RecordStore)(nil)

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{rows: make(map[int64]harvest.Record)}
}

// Upsert inserts rec as pending unless its highest available key tier already exists.
func (s *RecordStore) Upsert(_ context.Context, rec harvest.Record) (harvest.UpsertResult, error) {
	tier, key := harvest.DedupKey(rec)
	if tier == harvest.TierNone {
		return harvest.UpsertResult{}, fmt.Errorf("upsert: title is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.matchLocked(tier, key, 0) {
		return harvest.UpsertResult{Outcome: harvest.Duplicate}, nil
	}
	s.nextID++
	rec.ID = s.nextID
	rec.State = harvest.DownloadState{Status: harvest.StatusPending}
	s.rows[rec.ID] = cloneRecord(rec)
	return harvest.UpsertResult{Outcome: harvest.Inserted, ID: rec.ID}, nil
}

// Exists reports whether rec would be a duplicate.
func (s *RecordStore) Exists(_ context.Context, rec harvest.Record) (bool, error) {
	tier, key := harvest.DedupKey(rec)
	if tier == harvest.TierNone {
		return false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.matchLocked(tier, key, 0), nil
}

func (s *RecordStore) matchLocked(tier harvest.Tier, key string, exclude int64) bool {
	for id, row := range s.rows {
		if id == exclude {
			continue
		}
		var v string
		switch tier {
		case harvest.TierIdentifier:
			v = row.Identifier
		case harvest.TierFingerprint:
			v = row.Fingerprint
		case harvest.TierTitle:
			v = row.Title
		}
		if strings.TrimSpace(v) == key {
			return true
		}
	}
	return false
}

// SaveDetails stores the detail-page fields and artifact URL of rec.
func (s *RecordStore) SaveDetails(_ context.Context, rec harvest.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[rec.ID]
	if !ok {
		return fmt.Errorf("save details %d: %w", rec.ID, harvest.ErrNotFound)
	}
	row.Abstract = rec.Abstract
	row.Keywords = append([]string(nil), rec.Keywords...)
	if rec.PublicationDate != nil {
		d := *rec.PublicationDate
		row.PublicationDate = &d
	}
	row.ArtifactURL = rec.ArtifactURL
	s.rows[rec.ID] = row
	return nil
}

// MarkDownloaded records a verified artifact. An identifier-less row whose
// fingerprint is already stored elsewhere is removed and ErrDuplicate returned.
func (s *RecordStore) MarkDownloaded(_ context.Context, id int64, path, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("mark downloaded %d: %w", id, harvest.ErrNotFound)
	}
	if strings.TrimSpace(row.Identifier) == "" && fingerprint != "" &&
		s.matchLocked(harvest.TierFingerprint, fingerprint, id) {
		delete(s.rows, id)
		return fmt.Errorf("mark downloaded %d: fingerprint %s: %w", id, fingerprint, harvest.ErrDuplicate)
	}
	row.LocalPath = path
	row.Fingerprint = fingerprint
	row.State.Status = harvest.StatusDownloaded
	row.State.LastError = ""
	s.rows[id] = row
	return nil
}

// MarkFailed increments attempts and stores the truncated message.
func (s *RecordStore) MarkFailed(_ context.Context, id int64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("mark failed %d: %w", id, harvest.ErrNotFound)
	}
	row.State.Status = harvest.StatusFailed
	row.State.Attempts++
	row.State.LastError = harvest.Truncate(msg, harvest.MaxErrorLen)
	s.rows[id] = row
	return nil
}

// FetchPending returns up to limit pending records in insertion order.
func (s *RecordStore) FetchPending(ctx context.Context, limit int) ([]harvest.Record, error) {
	return s.ListByStatus(ctx, harvest.StatusPending, limit)
}

// RequeueFailed moves failed rows under maxAttempts back to pending, except
// rows whose last failure was an access denial.
func (s *RecordStore) RequeueFailed(_ context.Context, maxAttempts int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, row := range s.rows {
		if row.State.Status != harvest.StatusFailed || row.State.Attempts >= maxAttempts {
			continue
		}
		if strings.HasPrefix(row.State.LastError, accessDeniedPrefix) {
			continue
		}
		row.State.Status = harvest.StatusPending
		s.rows[id] = row
		n++
	}
	return n, nil
}

const accessDeniedPrefix = "access_denied:"

// ListByStatus returns up to limit records with status, ordered by ID.
func (s *RecordStore) ListByStatus(_ context.Context, status harvest.Status, limit int) ([]harvest.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.rows))
	for id, row := range s.rows {
		if row.State.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]harvest.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneRecord(s.rows[id]))
	}
	return out, nil
}

// Get returns a copy of the record with id.
func (s *RecordStore) Get(id int64) (harvest.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return harvest.Record{}, false
	}
	return cloneRecord(row), true
}

// Len returns the number of stored rows.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Close implements harvest.Store; it performs no action.
func (s *RecordStore) Close() {}

func cloneRecord(src harvest.Record) harvest.Record {
	cp := src
	cp.Authors = append([]string(nil), src.Authors...)
	cp.Keywords = append([]string(nil), src.Keywords...)
	if src.PublicationDate != nil {
		d := *src.PublicationDate
		cp.PublicationDate = &d
	}
	return cp
}
