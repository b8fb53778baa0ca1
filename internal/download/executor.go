// Package download fetches resolved artifact URLs, verifies the bytes are a
// PDF and writes them to collision-free paths.
package download

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/metrics"
)

const (
	acceptHeader = "application/pdf,application/octet-stream;q=0.9,*/*;q=0.8"
	sniffLen     = 512
	diagnoseLen  = 64
)

var pdfMagic = []byte("%PDF")

// Destination reserves collision-free files for artifacts.
type Destination interface {
	Reserve(name string) (*os.File, string, error)
	Remove(path string) error
}

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config tunes transfers.
type Config struct {
	Timeout        time.Duration
	MinBytes       int64
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	UserAgent      string
}

// Request describes one artifact transfer. Cookies and UserAgent come from
// the navigation session so the server sees the same client.
type Request struct {
	URL             string
	Referer         string
	UserAgent       string
	Cookies         []*http.Cookie
	DestinationHint string
}

// Result describes a verified artifact on disk.
type Result struct {
	Path        string
	Fingerprint string
	Bytes       int64
	Attempts    int
}

// Executor performs verified downloads. It holds no per-request state and is
// safe for concurrent use.
type Executor struct {
	cfg     Config
	client  *http.Client
	dest    Destination
	hasher  harvest.Hasher
	limiter Limiter
	retry   *RetryPolicy
	logger  *zap.Logger
	sleep   func(context.Context, time.Duration) error
}

// Option customizes an Executor.
type Option func(*Executor)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Executor) {
		if client != nil {
			e.client = client
		}
	}
}

// WithLimiter paces requests through l.
func WithLimiter(l Limiter) Option {
	return func(e *Executor) {
		e.limiter = l
	}
}

// WithSleep overrides the backoff sleeper.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// New builds an Executor writing into dest.
func New(cfg Config, dest Destination, hasher harvest.Hasher, logger *zap.Logger, opts ...Option) (*Executor, error) {
	if dest == nil {
		return nil, fmt.Errorf("destination is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1024
	}
	e := &Executor{
		cfg:    cfg,
		client: &http.Client{Transport: newHTTPTransport()},
		dest:   dest,
		hasher: hasher,
		retry:  NewRetryPolicy(cfg.MaxAttempts, cfg.BackoffInitial, cfg.BackoffMax),
		logger: logger,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Fetch downloads req.URL, retrying transient failures. ErrAccessDenied is
// returned without retry; other failures wrap ErrTransferFailed.
func (e *Executor) Fetch(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.URL) == "" {
		return Result{}, fmt.Errorf("download: url is required: %w", harvest.ErrTransferFailed)
	}
	metrics.IncActiveDownloads()
	defer metrics.DecActiveDownloads()

	start := time.Now()
	logger := e.logger.With(zap.String("url", req.URL))
	for attempt := 1; ; attempt++ {
		res, err := e.attempt(ctx, req)
		if err == nil {
			res.Attempts = attempt
			metrics.ObserveDownload(req.URL, "success", res.Bytes, time.Since(start))
			logger.Info("artifact downloaded",
				zap.String("path", res.Path),
				zap.Int64("bytes", res.Bytes),
				zap.Int("attempt", attempt),
			)
			return res, nil
		}
		if !e.retry.ShouldRetry(err, attempt) || ctx.Err() != nil {
			metrics.ObserveDownload(req.URL, harvest.Reason(err), 0, time.Since(start))
			return Result{Attempts: attempt}, fmt.Errorf("download after %d attempts: %w", attempt, err)
		}
		metrics.ObserveDownloadRetry(harvest.Reason(err))
		wait := e.retry.Backoff(attempt)
		logger.Warn("download attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := e.sleep(ctx, wait); err != nil {
			return Result{Attempts: attempt}, fmt.Errorf("download backoff: %w", err)
		}
	}
}

func (e *Executor) attempt(ctx context.Context, req Request) (Result, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, req.URL); err != nil {
			return Result{}, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, http.NoBody)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w: %w", harvest.ErrTransferFailed, err)
	}
	ua := req.UserAgent
	if ua == "" {
		ua = e.cfg.UserAgent
	}
	if ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	}
	if req.Referer != "" {
		httpReq.Header.Set("Referer", req.Referer)
	}
	httpReq.Header.Set("Accept", acceptHeader)
	for _, c := range req.Cookies {
		httpReq.AddCookie(c)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Result{}, transportError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return Result{}, fmt.Errorf("status %d: %w", resp.StatusCode, harvest.ErrAccessDenied)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Result{}, fmt.Errorf("status %d: %w", resp.StatusCode, harvest.ErrTransferFailed)
	}

	body := bufio.NewReaderSize(resp.Body, sniffLen)
	head, err := body.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return Result{}, transportError(err)
	}
	if err := e.verify(resp.Header.Get("Content-Type"), head); err != nil {
		return Result{}, err
	}
	return e.store(body, req.DestinationHint)
}

// verify accepts a declared PDF, rejects declared markup and sniffs the
// signature for everything else.
func (e *Executor) verify(contentType string, head []byte) error {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	mediaType = strings.ToLower(mediaType)
	switch {
	case mediaType == "application/pdf" || mediaType == "application/x-pdf":
		return nil
	case looksHTML(mediaType, head):
		e.diagnose(mediaType, head)
		return fmt.Errorf("html instead of pdf (%s): %w", mediaType, harvest.ErrContentMismatch)
	case bytes.HasPrefix(bytes.TrimLeft(head, "\r\n\t "), pdfMagic):
		return nil
	default:
		e.diagnose(mediaType, head)
		return fmt.Errorf("missing pdf signature (%s): %w", mediaType, harvest.ErrContentMismatch)
	}
}

func (e *Executor) diagnose(mediaType string, head []byte) {
	n := min(len(head), diagnoseLen)
	e.logger.Warn("unexpected artifact body",
		zap.String("content_type", mediaType),
		zap.ByteString("first_bytes", head[:n]),
	)
}

func looksHTML(mediaType string, head []byte) bool {
	if strings.HasPrefix(mediaType, "text/html") || mediaType == "application/xhtml+xml" {
		return true
	}
	lead := bytes.ToLower(bytes.TrimLeft(head, "\r\n\t \xef\xbb\xbf"))
	return bytes.HasPrefix(lead, []byte("<!doctype html")) || bytes.HasPrefix(lead, []byte("<html"))
}

func (e *Executor) store(body io.Reader, hint string) (Result, error) {
	name := hint
	if strings.TrimSpace(name) == "" {
		name = Sanitize("")
	}
	f, path, err := e.dest.Reserve(name)
	if err != nil {
		return Result{}, fmt.Errorf("reserve destination: %w", err)
	}
	digest := e.hasher.NewDigest()
	n, copyErr := io.Copy(io.MultiWriter(f, digest), body)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		e.discard(path)
		return Result{}, transportError(err)
	}
	if n < e.cfg.MinBytes {
		e.discard(path)
		return Result{}, fmt.Errorf("file too small (%d < %d bytes): %w", n, e.cfg.MinBytes, harvest.ErrTransferFailed)
	}
	return Result{Path: path, Fingerprint: digest.HexSum(), Bytes: n}, nil
}

func (e *Executor) discard(path string) {
	if err := e.dest.Remove(path); err != nil {
		e.logger.Warn("remove partial artifact", zap.String("path", path), zap.Error(err))
	}
}

func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("transfer: %w", err)
	}
	return fmt.Errorf("transfer: %w: %w", harvest.ErrTransferFailed, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}
