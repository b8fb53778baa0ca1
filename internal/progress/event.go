package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart         Stage = "RUN_START"
	StageRecordDiscovered Stage = "RECORD_DISCOVERED"
	StageRecordResolved   Stage = "RECORD_RESOLVED"
	StageRecordAbandoned  Stage = "RECORD_ABANDONED"
	StageDownloadDone     Stage = "DOWNLOAD_DONE"
	StageDownloadFailed   Stage = "DOWNLOAD_FAILED"
	StageRunDone          Stage = "RUN_DONE"
	StageRunError         Stage = "RUN_ERROR"
)

// Record reports whether the stage is scoped to a single record.
func (s Stage) Record() bool {
	switch s {
	case StageRecordDiscovered, StageRecordResolved, StageRecordAbandoned, StageDownloadDone, StageDownloadFailed:
		return true
	default:
		return false
	}
}

// Event captures one milestone of a harvest run.
type Event struct {
	// RunID identifies the run in 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Site is the artifact host label for download events.
	Site string
	// URL is the detail or artifact URL, when one applies.
	URL   string
	Title string
	Bytes int64
	Dur   time.Duration
	// Note carries a reason label or truncated error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageRecordDiscovered, StageRecordResolved, StageRecordAbandoned:
		if e.Title == "" {
			return fmt.Errorf("%s requires title", e.Stage)
		}
	case StageDownloadDone, StageDownloadFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
