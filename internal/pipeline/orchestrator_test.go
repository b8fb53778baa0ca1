package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/paper-harvester/internal/clock/system"
	"github.com/JakeFAU/paper-harvester/internal/collector"
	"github.com/JakeFAU/paper-harvester/internal/download"
	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/hash/sha256"
	"github.com/JakeFAU/paper-harvester/internal/health"
	"github.com/JakeFAU/paper-harvester/internal/id/uuid"
	"github.com/JakeFAU/paper-harvester/internal/progress"
	pubmem "github.com/JakeFAU/paper-harvester/internal/publisher/memory"
	"github.com/JakeFAU/paper-harvester/internal/resolver"
	"github.com/JakeFAU/paper-harvester/internal/session/memory"
	"github.com/JakeFAU/paper-harvester/internal/storage/local"
	memstore "github.com/JakeFAU/paper-harvester/internal/storage/memory"
)

const (
	base       = "https://www.science.org"
	listingURL = base + "/action/doSearch?startPage=0"
	runID      = "01890a5d-ac96-774b-bcce-b302099a8057"
)

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

func (r *recorder) count(stage progress.Stage) int {
	n := 0
	for _, s := range r.stages() {
		if s == stage {
			n++
		}
	}
	return n
}

func pdf(seed string) []byte {
	body := bytes.Repeat([]byte(seed), 2048/len(seed)+1)
	return append([]byte("%PDF-1.7\n"), body...)
}

// pdfServer serves a distinct PDF per path, a 403 for /denied and the same
// bytes for every /same/ path.
func pdfServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/denied":
			w.WriteHeader(http.StatusForbidden)
		case strings.HasPrefix(r.URL.Path, "/same/"):
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write(pdf("same"))
		default:
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write(pdf(r.URL.Path))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	sess  *memory.Session
	store *memstore.RecordStore
	blobs *memstore.BlobStore
	pub   *pubmem.Publisher
	prog  *recorder
	dir   *local.Dir
	logs  *observer.ObservedLogs
	deps  Deps
}

func noWait(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	store := memstore.NewRecordStore()
	checker := health.New(health.DefaultConfig(), nil, health.WithWait(noWait))
	exec, err := download.New(download.Config{Timeout: 2 * time.Second, MinBytes: 1024, MaxAttempts: 1}, dir, sha256.New(), logger)
	require.NoError(t, err)

	f := &fixture{
		sess:  memory.New(),
		store: store,
		blobs: memstore.NewBlobStore(),
		pub:   pubmem.New(),
		prog:  &recorder{},
		dir:   dir,
		logs:  logs,
	}
	f.deps = Deps{
		Session: f.sess,
		Store:   store,
		Collector: collector.New(collector.Config{BaseURL: base}, nil, checker, store, logger,
			collector.WithWait(noWait)),
		Resolver:   resolver.New(resolver.Config{BaseURL: base}, nil, checker, logger),
		Downloader: exec,
		Files:      dir,
		Mirror:     f.blobs,
		Publisher:  f.pub,
		Progress:   f.prog,
		Clock:      &system.Stepper{At: time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC), Step: time.Second},
		IDs:        uuid.NewSequence(runID, runID),
		Logger:     logger,
	}
	return f
}

// article registers the detail and format pages of one paper whose PDF
// lives at pdfURL.
func (f *fixture) article(href, title, pdfURL string) {
	formatHref := href + "/reader"
	f.sess.AddPage(base+href, memory.DetailPage(memory.Detail{
		Title:      title,
		Abstract:   "Abstract of " + title,
		Keywords:   []string{"physics"},
		Date:       "14 March 2024",
		FormatHref: formatHref,
	}))
	f.sess.AddPage(base+formatHref, memory.FormatPage(pdfURL))
}

func testConfig() Config {
	return Config{
		ListingURL:  listingURL,
		TargetCount: 10,
		BatchSize:   2,
		Workers:     2,
		MaxAttempts: 3,
		Topic:       "artifacts",
	}
}

func TestRunHarvestsListing(t *testing.T) {
	t.Parallel()

	srv := pdfServer(t)
	f := newFixture(t)
	f.sess.AddPage(listingURL, memory.ListingPage([]memory.Card{
		{Title: "Paper 1", Href: "/doi/10.1126/science.p1", Meta: "Science • 14 Mar 2024"},
		{Title: "Paper 2", Href: "/doi/10.1126/science.p2", Meta: "Science • 14 Mar 2024"},
		{Title: "Paper 3", Href: "/doi/10.1126/science.p3", Meta: "Science • 14 Mar 2024"},
	}, ""))
	f.article("/doi/10.1126/science.p1", "Paper 1", srv.URL+"/pdf/p1")
	f.article("/doi/10.1126/science.p2", "Paper 2", srv.URL+"/pdf/p2")
	f.sess.AddPage(base+"/doi/10.1126/science.p3", memory.DetailPage(memory.Detail{Title: "Paper 3", Abstract: "No PDF."}))

	orch, err := New(testConfig(), f.deps)
	require.NoError(t, err)
	sum, err := orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, runID, sum.RunID)
	assert.Equal(t, 3, sum.Discovered)
	assert.Equal(t, 2, sum.Resolved)
	assert.Equal(t, 1, sum.Abandoned)
	assert.Equal(t, 2, sum.Downloaded)
	assert.Zero(t, sum.Failed)
	assert.Positive(t, sum.Duration)

	for id := int64(1); id <= 2; id++ {
		rec, ok := f.store.Get(id)
		require.True(t, ok)
		assert.Equal(t, harvest.StatusDownloaded, rec.State.Status)
		assert.Equal(t, "Abstract of "+rec.Title, rec.Abstract)
		assert.FileExists(t, rec.LocalPath)
		_, _, mirrored := f.blobs.Object(rec.Fingerprint + ".pdf")
		assert.True(t, mirrored)
	}
	abandoned, ok := f.store.Get(3)
	require.True(t, ok)
	assert.Equal(t, harvest.StatusFailed, abandoned.State.Status)
	assert.Equal(t, "no_format_link", abandoned.State.LastError)
	assert.Equal(t, "No PDF.", abandoned.Abstract)

	msgs := f.pub.Messages()
	require.Len(t, msgs, 2)
	var notice Notice
	require.NoError(t, msgs[0].Decode(&notice))
	assert.Equal(t, "artifacts", msgs[0].Topic)
	assert.Equal(t, runID, notice.RunID)
	assert.True(t, strings.HasPrefix(notice.MirrorURI, "memory://"))

	stages := f.prog.stages()
	require.NotEmpty(t, stages)
	assert.Equal(t, progress.StageRunStart, stages[0])
	assert.Equal(t, progress.StageRunDone, stages[len(stages)-1])
	assert.Equal(t, 3, f.prog.count(progress.StageRecordDiscovered))
	assert.Equal(t, 2, f.prog.count(progress.StageDownloadDone))
	assert.Equal(t, 1, f.prog.count(progress.StageRecordAbandoned))

	last, ok := orch.LastSummary()
	require.True(t, ok)
	assert.Equal(t, sum, last)
}

func TestRunAccessDeniedIsNotRequeued(t *testing.T) {
	t.Parallel()

	srv := pdfServer(t)
	f := newFixture(t)
	f.sess.AddPage(listingURL, memory.ListingPage([]memory.Card{
		{Title: "Locked", Href: "/doi/10.1126/science.locked"},
	}, ""))
	f.article("/doi/10.1126/science.locked", "Locked", srv.URL+"/denied")

	orch, err := New(testConfig(), f.deps)
	require.NoError(t, err)
	sum, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, f.prog.count(progress.StageDownloadFailed))

	rec, ok := f.store.Get(1)
	require.True(t, ok)
	assert.Equal(t, harvest.StatusFailed, rec.State.Status)
	assert.True(t, strings.HasPrefix(rec.State.LastError, "access_denied:"), rec.State.LastError)

	cfg := testConfig()
	cfg.ResumeOnly = true
	again, err := New(cfg, f.deps)
	require.NoError(t, err)
	sum, err = again.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Requeued)
	assert.Zero(t, sum.Resolved)
}

func TestRunRemovesFingerprintDuplicates(t *testing.T) {
	t.Parallel()

	srv := pdfServer(t)
	f := newFixture(t)
	f.sess.AddPage(listingURL, memory.ListingPage([]memory.Card{
		{Title: "Preprint", Href: "/article/preprint"},
		{Title: "Published", Href: "/article/published"},
	}, ""))
	f.article("/article/preprint", "Preprint", srv.URL+"/same/a")
	f.article("/article/published", "Published", srv.URL+"/same/b")

	cfg := testConfig()
	cfg.Workers = 1
	orch, err := New(cfg, f.deps)
	require.NoError(t, err)
	sum, err := orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Downloaded)
	assert.Equal(t, 1, sum.Duplicates)
	assert.Equal(t, 1, f.store.Len())
	_, ok := f.store.Get(2)
	assert.False(t, ok)

	entries, err := os.ReadDir(f.dir.Root())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, 1, f.logs.FilterMessage("artifact duplicates a stored record").Len())
}

func TestRunSkipsCollectionWhenListingUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.store.Upsert(context.Background(), harvest.Record{Title: "Orphan"})
	require.NoError(t, err)

	orch, err := New(testConfig(), f.deps)
	require.NoError(t, err)
	sum, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Discovered)
	assert.Equal(t, 1, sum.Abandoned)
	assert.Equal(t, 1, f.logs.FilterMessage("listing unavailable, skipping collection").Len())

	rec, _ := f.store.Get(1)
	assert.Equal(t, "no_detail_url: no detail url: extraction failed", rec.State.LastError)
}

type unavailableStore struct {
	*memstore.RecordStore
}

func (unavailableStore) FetchPending(context.Context, int) ([]harvest.Record, error) {
	return nil, fmt.Errorf("fetch: %w", harvest.ErrStoreUnavailable)
}

func TestRunStoreUnavailableEndsRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.deps.Store = unavailableStore{f.store}
	cfg := testConfig()
	cfg.ResumeOnly = true

	orch, err := New(cfg, f.deps)
	require.NoError(t, err)
	sum, err := orch.Run(context.Background())
	require.ErrorIs(t, err, harvest.ErrStoreUnavailable)
	assert.Contains(t, sum.Err, "store unavailable")

	stages := f.prog.stages()
	assert.Equal(t, progress.StageRunError, stages[len(stages)-1])
	last, ok := orch.LastSummary()
	require.True(t, ok)
	assert.NotEmpty(t, last.Err)
}

type forgetfulStore struct {
	*memstore.RecordStore
}

func (forgetfulStore) MarkFailed(context.Context, int64, string) error { return nil }

func TestRunDetectsStall(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.store.Upsert(context.Background(), harvest.Record{Title: "Orphan"})
	require.NoError(t, err)
	f.deps.Store = forgetfulStore{f.store}
	cfg := testConfig()
	cfg.ResumeOnly = true

	orch, err := New(cfg, f.deps)
	require.NoError(t, err)
	sum, err := orch.Run(context.Background())
	require.ErrorIs(t, err, harvest.ErrStalled)
	assert.Equal(t, 1, sum.Abandoned)
}

func TestRunCanceledLeavesRecordsPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.store.Upsert(context.Background(), harvest.Record{Title: "Waiting", DetailURL: base + "/doi/10.1/w"})
	require.NoError(t, err)
	cfg := testConfig()
	cfg.ResumeOnly = true

	orch, err := New(cfg, f.deps)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = orch.Run(ctx)
	require.True(t, errors.Is(err, context.Canceled))

	rec, _ := f.store.Get(1)
	assert.Equal(t, harvest.StatusPending, rec.State.Status)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	deps := f.deps
	deps.Store = nil
	_, err := New(testConfig(), deps)
	require.Error(t, err)

	deps = f.deps
	deps.Collector = nil
	_, err = New(testConfig(), deps)
	require.Error(t, err)

	cfg := testConfig()
	cfg.ResumeOnly = true
	_, err = New(cfg, deps)
	require.NoError(t, err)
}
