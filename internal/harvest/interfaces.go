package harvest

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/paper-harvester/internal/dom"
)

// Session is a stateful navigation handle. It is not safe for concurrent use;
// callers must serialize every navigation on a session.
type Session interface {
	Get(ctx context.Context, url string) error
	CurrentURL() string
	Title() string
	// Page returns the root of the current page snapshot.
	Page() dom.Node
	FindAll(selector string) []dom.Node
	Find(selector string) (dom.Node, bool)
	Click(ctx context.Context, el dom.Node) error
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	UserAgent() string
	Reload(ctx context.Context) error
	Close() error
}

// Store persists records and their download state. Implementations must return
// errors wrapping ErrStoreUnavailable when the backend cannot be reached.
type Store interface {
	Upsert(ctx context.Context, rec Record) (UpsertResult, error)
	Exists(ctx context.Context, rec Record) (bool, error)
	SaveDetails(ctx context.Context, rec Record) error
	MarkDownloaded(ctx context.Context, id int64, path, fingerprint string) error
	MarkFailed(ctx context.Context, id int64, msg string) error
	FetchPending(ctx context.Context, limit int) ([]Record, error)
	RequeueFailed(ctx context.Context, maxAttempts int) (int64, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Record, error)
	Close()
}

// BlobStore mirrors verified artifacts and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes "artifact downloaded" notices.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher creates streaming content digests.
type Hasher interface {
	NewDigest() Digest
}

// Digest accumulates bytes and reports their hex fingerprint.
type Digest interface {
	io.Writer
	HexSum() string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewRunID() (uuid.UUID, error)
}
