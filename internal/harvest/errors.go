package harvest

import (
	"context"
	"errors"
	"fmt"
)

// Record-level errors abort only the record being processed; ErrStoreUnavailable
// aborts the whole run.
var (
	ErrExtractionFailed  = errors.New("extraction failed")
	ErrPageAnomalous     = errors.New("page anomalous")
	ErrNavigationTimeout = errors.New("navigation timeout")
	ErrAccessDenied      = errors.New("access denied")
	ErrTransferFailed    = errors.New("transfer failed")
	// ErrContentMismatch is a TransferFailed: byte signature and declared type disagree.
	ErrContentMismatch  = fmt.Errorf("content mismatch: %w", ErrTransferFailed)
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrDuplicate        = errors.New("duplicate record")
	ErrNotFound         = errors.New("record not found")
	ErrStalled          = errors.New("pipeline made no progress")
)

// Retryable reports whether err is a transient record-level failure.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrStoreUnavailable):
		return false
	case errors.Is(err, ErrTransferFailed),
		errors.Is(err, ErrPageAnomalous),
		errors.Is(err, ErrNavigationTimeout):
		return true
	default:
		return false
	}
}

// Reason returns a stable label for err, used as a metric label and as the
// prefix of stored error messages.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrContentMismatch):
		return "content_mismatch"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrPageAnomalous):
		return "page_anomalous"
	case errors.Is(err, ErrNavigationTimeout), errors.Is(err, context.DeadlineExceeded):
		return "navigation_timeout"
	case errors.Is(err, ErrExtractionFailed):
		return "extraction_failed"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unknown"
	}
}

// FailureMessage formats err for MarkFailed: "<reason>: <text>", truncated.
func FailureMessage(err error) string {
	if err == nil {
		return ""
	}
	return Truncate(Reason(err)+": "+err.Error(), MaxErrorLen)
}
