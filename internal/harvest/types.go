package harvest

import (
	"strings"
	"time"
)

// Status represents the download lifecycle of a persisted record.
type Status string

// Download status values persisted in the record store.
const (
	StatusPending    Status = "pending"
	StatusDownloaded Status = "downloaded"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloaded, StatusFailed:
		return true
	default:
		return false
	}
}

// DownloadState tracks per-record download progress. It is owned by the store.
type DownloadState struct {
	Status    Status `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// Record is one discovered publication plus its artifact state.
type Record struct {
	// ID is the store-assigned key; zero until the record is persisted.
	ID              int64         `json:"id"`
	Identifier      string        `json:"identifier,omitempty"`
	Title           string        `json:"title"`
	Authors         []string      `json:"authors,omitempty"`
	Venue           string        `json:"venue,omitempty"`
	Abstract        string        `json:"abstract,omitempty"`
	Keywords        []string      `json:"keywords,omitempty"`
	PublicationDate *time.Time    `json:"publication_date,omitempty"`
	DetailURL       string        `json:"detail_url,omitempty"`
	ArtifactURL     string        `json:"artifact_url,omitempty"`
	LocalPath       string        `json:"local_path,omitempty"`
	Fingerprint     string        `json:"fingerprint,omitempty"`
	State           DownloadState `json:"state"`
}

// Tier ranks the dedup key used for a record. Higher tiers win.
type Tier int

// Dedup key tiers in ascending priority.
const (
	TierNone Tier = iota
	TierTitle
	TierFingerprint
	TierIdentifier
)

// String returns the column name backing the tier.
func (t Tier) String() string {
	switch t {
	case TierIdentifier:
		return "identifier"
	case TierFingerprint:
		return "fingerprint"
	case TierTitle:
		return "title"
	default:
		return "none"
	}
}

// DedupKey returns the highest tier available on rec together with its value.
// Lower tiers are only used when the higher ones are empty on rec itself.
func DedupKey(rec Record) (Tier, string) {
	if v := strings.TrimSpace(rec.Identifier); v != "" {
		return TierIdentifier, v
	}
	if v := strings.TrimSpace(rec.Fingerprint); v != "" {
		return TierFingerprint, v
	}
	if v := strings.TrimSpace(rec.Title); v != "" {
		return TierTitle, v
	}
	return TierNone, ""
}

// UpsertOutcome reports whether an upsert stored a new row.
type UpsertOutcome int

// Upsert outcomes.
const (
	Inserted UpsertOutcome = iota + 1
	Duplicate
)

func (o UpsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// UpsertResult carries the outcome and the key of the stored row. ID is zero
// for duplicates.
type UpsertResult struct {
	Outcome UpsertOutcome
	ID      int64
}

// MaxErrorLen bounds the stored lastError text.
const MaxErrorLen = 500

// Truncate caps msg at n runes.
func Truncate(msg string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(msg)
	if len(runes) <= n {
		return msg
	}
	return string(runes[:n])
}
