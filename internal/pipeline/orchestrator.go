// Package pipeline sequences collection, resolution, download and
// persistence for one harvest run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/paper-harvester/internal/download"
	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/metrics"
	"github.com/JakeFAU/paper-harvester/internal/progress"
	"github.com/JakeFAU/paper-harvester/internal/resolver"
)

// Collector gathers new records from the listing.
type Collector interface {
	Collect(ctx context.Context, sess harvest.Session, target int) ([]harvest.Record, error)
}

// Resolver turns a stored record into an artifact URL.
type Resolver interface {
	Resolve(ctx context.Context, sess harvest.Session, rec harvest.Record) resolver.Outcome
}

// Downloader fetches and verifies artifacts.
type Downloader interface {
	Fetch(ctx context.Context, req download.Request) (download.Result, error)
}

// Files removes artifacts that turned out to be duplicates.
type Files interface {
	Remove(path string) error
}

// Config controls the size and shape of a run.
type Config struct {
	ListingURL  string
	TargetCount int
	BatchSize   int
	Workers     int
	ResumeOnly  bool
	// MaxAttempts bounds how often a failed record is requeued across runs.
	MaxAttempts int
	// Topic receives a notice per downloaded record when a Publisher is set.
	Topic string
}

// Deps are the collaborators of an Orchestrator. Mirror, Publisher and
// Progress are optional.
type Deps struct {
	Session    harvest.Session
	Store      harvest.Store
	Collector  Collector
	Resolver   Resolver
	Downloader Downloader
	Files      Files
	Mirror     harvest.BlobStore
	Publisher  harvest.Publisher
	Progress   progress.Emitter
	Clock      harvest.Clock
	IDs        harvest.IDGenerator
	Logger     *zap.Logger
}

// Notice is the message published for each downloaded record.
type Notice struct {
	Identifier  string `json:"identifier,omitempty"`
	Title       string `json:"title"`
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint"`
	MirrorURI   string `json:"mirror_uri,omitempty"`
	RunID       string `json:"run_id"`
}

// Orchestrator owns the navigation session for the duration of Run. Only
// downloads run concurrently.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	mu   sync.RWMutex
	last *Summary
}

// New validates deps and fills defaults.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Session == nil:
		return nil, errors.New("session is required")
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Resolver == nil:
		return nil, errors.New("resolver is required")
	case deps.Downloader == nil:
		return nil, errors.New("downloader is required")
	case deps.Files == nil:
		return nil, errors.New("files is required")
	case deps.Collector == nil && !cfg.ResumeOnly:
		return nil, errors.New("collector is required unless resume_only is set")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Orchestrator{cfg: cfg, deps: deps, log: deps.Logger}, nil
}

// LastSummary returns the summary of the most recent finished run.
func (o *Orchestrator) LastSummary() (Summary, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return Summary{}, false
	}
	return *o.last, true
}

// Run performs one harvest. Per-record failures are recorded on the record
// and never abort the run; store failures, stalls and cancellation do.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	id, err := o.deps.IDs.NewRunID()
	if err != nil {
		return Summary{}, fmt.Errorf("new run id: %w", err)
	}
	r := &run{
		o:     o,
		id:    id,
		start: o.deps.Clock.Now(),
		log:   o.log.With(zap.String("run_id", id.String())),
	}
	r.sum.RunID = id.String()
	r.sum.StartedAt = r.start
	r.emit(progress.Event{Stage: progress.StageRunStart, URL: o.cfg.ListingURL})
	r.log.Info("harvest run started",
		zap.Int("target", o.cfg.TargetCount),
		zap.Bool("resume_only", o.cfg.ResumeOnly),
	)

	err = r.execute(ctx)
	sum := r.finish(err)

	o.mu.Lock()
	o.last = &sum
	o.mu.Unlock()
	return sum, err
}

type run struct {
	o     *Orchestrator
	id    uuid.UUID
	start time.Time
	log   *zap.Logger

	mu   sync.Mutex
	sum  Summary
	seen map[int64]struct{}
}

func (r *run) execute(ctx context.Context) error {
	if !r.o.cfg.ResumeOnly && r.o.cfg.TargetCount > 0 {
		if err := r.collect(ctx); err != nil {
			return err
		}
	}

	requeued, err := r.o.deps.Store.RequeueFailed(ctx, r.o.cfg.MaxAttempts)
	if err != nil {
		return fmt.Errorf("requeue failed records: %w", err)
	}
	r.sum.Requeued = requeued

	r.seen = make(map[int64]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run canceled: %w", err)
		}
		batch, err := r.o.deps.Store.FetchPending(ctx, r.o.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("fetch pending: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		if r.stalled(batch) {
			return fmt.Errorf("%d pending records did not leave pending: %w", len(batch), harvest.ErrStalled)
		}
		if err := r.processBatch(ctx, batch); err != nil {
			return err
		}
	}
}

// stalled reports whether every record of batch was already processed in
// this run, which means the store is not recording outcomes.
func (r *run) stalled(batch []harvest.Record) bool {
	fresh := false
	for _, rec := range batch {
		if _, ok := r.seen[rec.ID]; !ok {
			fresh = true
		}
		r.seen[rec.ID] = struct{}{}
	}
	return !fresh
}

func (r *run) collect(ctx context.Context) error {
	nav := context.WithoutCancel(ctx)
	sess := r.o.deps.Session
	if err := sess.Get(nav, r.o.cfg.ListingURL); err != nil {
		r.log.Warn("listing unavailable, skipping collection", zap.String("url", r.o.cfg.ListingURL), zap.Error(err))
		return nil
	}
	recs, err := r.o.deps.Collector.Collect(ctx, sess, r.o.cfg.TargetCount)
	switch {
	case errors.Is(err, harvest.ErrStoreUnavailable):
		return fmt.Errorf("collect: %w", err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("run canceled: %w", err)
	case err != nil:
		r.log.Warn("collection ended early", zap.Int("collected", len(recs)), zap.Error(err))
	}

	for _, rec := range recs {
		res, err := r.o.deps.Store.Upsert(ctx, rec)
		if err != nil {
			return fmt.Errorf("upsert %q: %w", rec.Title, err)
		}
		if res.Outcome == harvest.Duplicate {
			r.sum.Duplicates++
			metrics.ObserveRecord("persist", "duplicate")
			continue
		}
		r.sum.Discovered++
		metrics.ObserveRecord("persist", "inserted")
		r.emit(progress.Event{Stage: progress.StageRecordDiscovered, Title: rec.Title, URL: rec.DetailURL})
	}
	r.log.Info("collection finished", zap.Int("discovered", r.sum.Discovered), zap.Int("duplicates", r.sum.Duplicates))
	return nil
}

// processBatch resolves records one at a time on the session and hands the
// resolved ones to the download pool. It returns the first fatal error.
func (r *run) processBatch(ctx context.Context, batch []harvest.Record) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.cfg.Workers)
	nav := context.WithoutCancel(ctx)

	var fatal error
	for _, rec := range batch {
		if gctx.Err() != nil {
			break
		}
		req, ok, err := r.resolve(ctx, nav, rec)
		if err != nil {
			fatal = err
			break
		}
		if !ok {
			continue
		}
		rec.ArtifactURL = req.URL
		g.Go(func() error {
			return r.download(gctx, rec, req)
		})
	}
	if err := g.Wait(); err != nil && fatal == nil {
		fatal = err
	}
	if fatal != nil {
		return fatal
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run canceled: %w", err)
	}
	return nil
}

// resolve navigates with nav, which ignores cancellation, and persists with ctx.
func (r *run) resolve(ctx, nav context.Context, rec harvest.Record) (download.Request, bool, error) {
	store := r.o.deps.Store
	sess := r.o.deps.Session
	out := r.o.deps.Resolver.Resolve(nav, sess, rec)

	if out.State == resolver.Resolved || out.Reason == resolver.ReasonNoFormatLink || out.Reason == resolver.ReasonNoDownloadLink {
		if err := store.SaveDetails(ctx, out.Record); err != nil && !errors.Is(err, harvest.ErrNotFound) {
			return download.Request{}, false, fmt.Errorf("save details %d: %w", rec.ID, err)
		}
	}

	if out.State != resolver.Resolved {
		r.count(func(s *Summary) { s.Abandoned++ })
		r.emit(progress.Event{Stage: progress.StageRecordAbandoned, Title: rec.Title, URL: out.Record.DetailURL, Note: string(out.Reason)})
		if err := store.MarkFailed(ctx, rec.ID, out.FailureMessage()); err != nil {
			return download.Request{}, false, fmt.Errorf("mark abandoned %d: %w", rec.ID, err)
		}
		return download.Request{}, false, nil
	}

	r.count(func(s *Summary) { s.Resolved++ })
	r.emit(progress.Event{Stage: progress.StageRecordResolved, Title: rec.Title, URL: out.Record.ArtifactURL})
	cookies, err := sess.Cookies(nav)
	if err != nil {
		r.log.Warn("session cookies unavailable", zap.String("title", rec.Title), zap.Error(err))
	}
	return download.Request{
		URL:             out.Record.ArtifactURL,
		Referer:         out.Referer,
		UserAgent:       sess.UserAgent(),
		Cookies:         cookies,
		DestinationHint: download.Sanitize(rec.Title),
	}, true, nil
}

func (r *run) download(ctx context.Context, rec harvest.Record, req download.Request) error {
	store := r.o.deps.Store
	logger := r.log.With(zap.String("title", rec.Title), zap.String("url", req.URL))
	started := r.o.deps.Clock.Now()

	res, err := r.o.deps.Downloader.Fetch(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Left pending for the next run.
			return nil
		}
		r.count(func(s *Summary) { s.Failed++ })
		r.emit(progress.Event{Stage: progress.StageDownloadFailed, Title: rec.Title, URL: req.URL, Site: metrics.SanitizeSite(req.URL), Note: harvest.Reason(err)})
		logger.Warn("download failed", zap.Int("attempt", res.Attempts), zap.Error(err))
		if err := store.MarkFailed(ctx, rec.ID, harvest.FailureMessage(err)); err != nil {
			return fmt.Errorf("mark failed %d: %w", rec.ID, err)
		}
		return nil
	}

	err = store.MarkDownloaded(ctx, rec.ID, res.Path, res.Fingerprint)
	switch {
	case errors.Is(err, harvest.ErrDuplicate):
		r.count(func(s *Summary) { s.Duplicates++ })
		logger.Info("artifact duplicates a stored record", zap.String("fingerprint", res.Fingerprint))
		if rmErr := r.o.deps.Files.Remove(res.Path); rmErr != nil {
			logger.Warn("remove duplicate artifact", zap.Error(rmErr))
		}
		return nil
	case err != nil:
		return fmt.Errorf("mark downloaded %d: %w", rec.ID, err)
	}

	r.count(func(s *Summary) { s.Downloaded++ })
	r.emit(progress.Event{
		Stage: progress.StageDownloadDone,
		Title: rec.Title,
		URL:   req.URL,
		Site:  metrics.SanitizeSite(req.URL),
		Bytes: res.Bytes,
		Dur:   r.o.deps.Clock.Now().Sub(started),
	})
	mirrorURI := r.mirror(ctx, logger, res)
	r.notify(ctx, logger, rec, res, mirrorURI)
	return nil
}

// mirror uploads the artifact; failures are logged only.
func (r *run) mirror(ctx context.Context, logger *zap.Logger, res download.Result) string {
	if r.o.deps.Mirror == nil {
		return ""
	}
	f, err := os.Open(res.Path)
	if err != nil {
		logger.Warn("open artifact for mirror", zap.Error(err))
		return ""
	}
	defer func() {
		_ = f.Close()
	}()
	uri, err := r.o.deps.Mirror.PutObject(ctx, res.Fingerprint+".pdf", "application/pdf", f)
	if err != nil {
		logger.Warn("mirror artifact", zap.Error(err))
		return ""
	}
	return uri
}

// notify publishes a Notice; failures are logged only.
func (r *run) notify(ctx context.Context, logger *zap.Logger, rec harvest.Record, res download.Result, mirrorURI string) {
	if r.o.deps.Publisher == nil || r.o.cfg.Topic == "" {
		return
	}
	notice := Notice{
		Identifier:  rec.Identifier,
		Title:       rec.Title,
		Path:        res.Path,
		Fingerprint: res.Fingerprint,
		MirrorURI:   mirrorURI,
		RunID:       r.id.String(),
	}
	if _, err := r.o.deps.Publisher.Publish(ctx, r.o.cfg.Topic, notice); err != nil {
		logger.Warn("publish notice", zap.Error(err))
	}
}

func (r *run) count(update func(*Summary)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	update(&r.sum)
}

func (r *run) emit(evt progress.Event) {
	evt.RunID = progress.UUIDToBytes(r.id)
	evt.TS = r.o.deps.Clock.Now()
	r.o.deps.Progress.Emit(evt)
}

func (r *run) finish(err error) Summary {
	r.mu.Lock()
	r.sum.Duration = r.o.deps.Clock.Now().Sub(r.start)
	if err != nil {
		r.sum.Err = err.Error()
	}
	sum := r.sum
	r.mu.Unlock()

	fields := sum.fields()
	if err != nil {
		r.emit(progress.Event{Stage: progress.StageRunError, Dur: sum.Duration, Note: harvest.Truncate(err.Error(), harvest.MaxErrorLen)})
		r.log.Error("harvest run failed", append(fields, zap.Error(err))...)
		return sum
	}
	r.emit(progress.Event{Stage: progress.StageRunDone, Dur: sum.Duration})
	r.log.Info("harvest run finished", fields...)
	return sum
}
