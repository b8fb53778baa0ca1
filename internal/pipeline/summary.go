package pipeline

import (
	"time"

	"go.uber.org/zap"
)

// Summary counts what one run did.
type Summary struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	Discovered int           `json:"discovered"`
	Duplicates int           `json:"duplicates"`
	Requeued   int64         `json:"requeued"`
	Resolved   int           `json:"resolved"`
	Abandoned  int           `json:"abandoned"`
	Downloaded int           `json:"downloaded"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration_ns"`
	Err        string        `json:"error,omitempty"`
}

func (s Summary) fields() []zap.Field {
	return []zap.Field{
		zap.Int("discovered", s.Discovered),
		zap.Int("duplicates", s.Duplicates),
		zap.Int64("requeued", s.Requeued),
		zap.Int("resolved", s.Resolved),
		zap.Int("abandoned", s.Abandoned),
		zap.Int("downloaded", s.Downloaded),
		zap.Int("failed", s.Failed),
		zap.Duration("duration", s.Duration),
	}
}
