// Package health classifies the current page of a navigation session and
// runs the bounded wait/reload recovery used when a page looks anomalous.
package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/paper-harvester/internal/dom"
	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/metrics"
)

// Verdict is the page classification.
type Verdict int

// Page verdicts.
const (
	Normal Verdict = iota + 1
	Anomalous
)

func (v Verdict) String() string {
	if v == Normal {
		return "normal"
	}
	return "anomalous"
}

// Report explains a verdict. Signal names the marker or keyword that decided it.
type Report struct {
	Verdict Verdict
	Signal  string
}

// View is the read-only part of a session the checker needs.
type View interface {
	Title() string
	Page() dom.Node
}

// Config holds the positive markers, the challenge keywords and the recovery budget.
type Config struct {
	ListingMarkers   []string
	TitleMarkers     []string
	FormatMarkers    []string
	DownloadMarkers  []string
	MinBodyChars     int
	TitleKeywords    []string
	ContentKeywords  []string
	RecoveryWait     time.Duration
	RecoveryAttempts int
}

// DefaultConfig returns markers for the catalog site.
func DefaultConfig() Config {
	return Config{
		ListingMarkers:  []string{".card.pb-3.mb-4.border-bottom", "div.card.pb-3.border-bottom"},
		TitleMarkers:    []string{"h1.article-title"},
		FormatMarkers:   []string{"div.info-panel__formats a", "i.icon-pdf"},
		DownloadMarkers: []string{"#app-navbar .btn-group.navbar-right .grouped.right a"},
		MinBodyChars:    100,
		TitleKeywords:   []string{"cloudflare", "captcha", "verify", "checking"},
		ContentKeywords: []string{
			"captcha", "verify you are human", "cloudflare", "robot",
			"人机验证", "滑块", "checking your browser",
		},
		RecoveryWait:     5 * time.Second,
		RecoveryAttempts: 3,
	}
}

// Checker implements page classification and recovery.
type Checker struct {
	cfg    Config
	wait   func(context.Context, time.Duration) error
	logger *zap.Logger
}

// Option customizes a Checker.
type Option func(*Checker)

// WithWait replaces the sleep used between recovery checks.
func WithWait(wait func(context.Context, time.Duration) error) Option {
	return func(c *Checker) {
		if wait != nil {
			c.wait = wait
		}
	}
}

// New builds a Checker.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Checker {
	if cfg.RecoveryAttempts < 0 {
		cfg.RecoveryAttempts = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Checker{cfg: cfg, wait: sleep, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify runs the positive checks first and only falls back to keyword
// matching when none of them hold.
func (c *Checker) Classify(v View) Report {
	page := v.Page()
	for _, group := range [][]string{c.cfg.ListingMarkers, c.cfg.TitleMarkers, c.cfg.FormatMarkers, c.cfg.DownloadMarkers} {
		for _, marker := range group {
			if _, ok := page.Find(marker); ok {
				return Report{Verdict: Normal, Signal: marker}
			}
		}
	}
	body, _ := page.Find("body")
	text := body.Text()
	if len([]rune(text)) > c.cfg.MinBodyChars {
		return Report{Verdict: Normal, Signal: "body"}
	}
	if kw, ok := containsAny(strings.ToLower(v.Title()), c.cfg.TitleKeywords); ok {
		return Report{Verdict: Anomalous, Signal: "title:" + kw}
	}
	if kw, ok := containsAny(strings.ToLower(text), c.cfg.ContentKeywords); ok {
		return Report{Verdict: Anomalous, Signal: "content:" + kw}
	}
	if text == "" {
		return Report{Verdict: Anomalous, Signal: "empty"}
	}
	return Report{Verdict: Anomalous, Signal: "unknown"}
}

// Ensure returns nil once the session shows a normal page. An anomalous page
// is re-checked after RecoveryAttempts waits, then after one reload; if it is
// still anomalous Ensure returns an error wrapping harvest.ErrPageAnomalous.
func (c *Checker) Ensure(ctx context.Context, s harvest.Session) error {
	report := c.Classify(s)
	metrics.ObserveHealth(report.Verdict.String())
	if report.Verdict == Normal {
		return nil
	}
	logger := c.logger.With(zap.String("url", s.CurrentURL()), zap.String("signal", report.Signal))
	for attempt := 1; attempt <= c.cfg.RecoveryAttempts; attempt++ {
		logger.Warn("page anomalous, waiting", zap.Int("attempt", attempt), zap.Duration("wait", c.cfg.RecoveryWait))
		if err := c.wait(ctx, c.cfg.RecoveryWait); err != nil {
			return fmt.Errorf("health recovery wait: %w", err)
		}
		if report = c.Classify(s); report.Verdict == Normal {
			metrics.ObserveRecovery("waited")
			return nil
		}
	}
	logger.Warn("page still anomalous, reloading")
	if err := s.Reload(ctx); err != nil {
		metrics.ObserveRecovery("exhausted")
		return fmt.Errorf("health recovery reload: %w", err)
	}
	if err := c.wait(ctx, c.cfg.RecoveryWait); err != nil {
		return fmt.Errorf("health recovery wait: %w", err)
	}
	if report = c.Classify(s); report.Verdict == Normal {
		metrics.ObserveRecovery("reloaded")
		return nil
	}
	metrics.ObserveRecovery("exhausted")
	return fmt.Errorf("%s (%s): %w", s.CurrentURL(), report.Signal, harvest.ErrPageAnomalous)
}

func containsAny(haystack string, needles []string) (string, bool) {
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, strings.ToLower(n)) {
			return n, true
		}
	}
	return "", false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
