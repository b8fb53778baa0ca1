// Package collector walks listing pages and turns result cards into new records.
package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/paper-harvester/internal/dom"
	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/metrics"
	"github.com/JakeFAU/paper-harvester/internal/selector"
	"github.com/JakeFAU/paper-harvester/internal/session"
)

// HealthGate blocks until the session shows a usable page.
type HealthGate interface {
	Ensure(ctx context.Context, s harvest.Session) error
}

// Exister answers the first dedup check.
type Exister interface {
	Exists(ctx context.Context, rec harvest.Record) (bool, error)
}

// Config controls pagination.
type Config struct {
	// BaseURL resolves relative detail links. The current page URL is used when empty.
	BaseURL   string
	PageDelay time.Duration
}

// Collector implements listing traversal.
type Collector struct {
	cfg     Config
	catalog *selector.Catalog
	health  HealthGate
	store   Exister
	logger  *zap.Logger
	wait    func(context.Context, time.Duration) error
}

// Option customizes a Collector.
type Option func(*Collector)

// WithWait replaces the sleep used between pages.
func WithWait(wait func(context.Context, time.Duration) error) Option {
	return func(c *Collector) {
		if wait != nil {
			c.wait = wait
		}
	}
}

// New builds a Collector. A nil catalog selects selector.Default.
func New(cfg Config, catalog *selector.Catalog, health HealthGate, store Exister, logger *zap.Logger, opts ...Option) *Collector {
	if catalog == nil {
		catalog = selector.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		cfg:     cfg,
		catalog: catalog,
		health:  health,
		store:   store,
		logger:  logger,
		wait:    sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect reads cards from the session's current page forward until target
// new records are accepted, no next-page control remains, or a page has no
// cards. Records already stored are skipped. The records gathered so far are
// returned with any error.
func (c *Collector) Collect(ctx context.Context, sess harvest.Session, target int) ([]harvest.Record, error) {
	if target <= 0 {
		return nil, nil
	}
	// Page loads run to completion once started; cancellation is observed
	// between pages.
	nav := context.WithoutCancel(ctx)
	var (
		out     []harvest.Record
		seen    = make(map[string]struct{})
		visited = make(map[string]struct{})
	)
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("collect: %w", err)
		}
		if err := c.health.Ensure(nav, sess); err != nil {
			return out, fmt.Errorf("listing page %d: %w", page, err)
		}
		visited[sess.CurrentURL()] = struct{}{}
		logger := c.logger.With(zap.Int("page", page), zap.String("url", sess.CurrentURL()))

		cards := c.catalog.Card.Nodes(sess.Page())
		if len(cards) == 0 {
			logger.Info("listing page has no cards")
			return out, nil
		}
		base := c.cfg.BaseURL
		if base == "" {
			base = sess.CurrentURL()
		}
		for _, card := range cards {
			rec, err := c.ExtractCard(card, base)
			if err != nil {
				metrics.ObserveRecord("collect", "extraction_failed")
				logger.Debug("card skipped", zap.Error(err))
				continue
			}
			tier, key := harvest.DedupKey(rec)
			seenKey := tier.String() + "\x00" + key
			if _, dup := seen[seenKey]; dup {
				metrics.ObserveRecord("collect", "duplicate")
				continue
			}
			seen[seenKey] = struct{}{}

			exists, err := c.store.Exists(ctx, rec)
			if err != nil {
				return out, fmt.Errorf("check existing %q: %w", rec.Title, err)
			}
			if exists {
				metrics.ObserveRecord("collect", "duplicate")
				logger.Info("skipping stored record",
					zap.String("title", rec.Title),
					zap.String("identifier", rec.Identifier),
				)
				continue
			}
			metrics.ObserveRecord("collect", "accepted")
			out = append(out, rec)
			if len(out) >= target {
				return out, nil
			}
		}

		next := c.catalog.NextPage.Resolve(sess.Page())
		if !next.Found || !session.Navigable(next.Value) {
			logger.Info("no next page", zap.Int("collected", len(out)))
			return out, nil
		}
		if nextURL, err := session.Resolve(sess.CurrentURL(), next.Value); err == nil {
			if _, loop := visited[nextURL]; loop {
				logger.Warn("next page already visited", zap.String("next", nextURL))
				return out, nil
			}
		}
		if err := c.wait(ctx, c.cfg.PageDelay); err != nil {
			return out, fmt.Errorf("page delay: %w", err)
		}
		if err := sess.Click(nav, next.Node); err != nil {
			return out, fmt.Errorf("next page after %d: %w", page, err)
		}
	}
}

// ExtractCard builds a record from one listing card. Only the title is
// required; every other field is best-effort.
func (c *Collector) ExtractCard(card dom.Node, base string) (harvest.Record, error) {
	title, err := c.catalog.Title.Require(card)
	if err != nil {
		return harvest.Record{}, err
	}
	rec := harvest.Record{Title: title.Value}

	if link := c.catalog.DetailLink.Resolve(card); link.Found && session.Navigable(link.Value) {
		if abs, err := session.Resolve(base, link.Value); err == nil {
			rec.DetailURL = abs
		}
	}
	for _, a := range c.catalog.Authors.ResolveAll(card) {
		rec.Authors = append(rec.Authors, harvest.SplitList(a.Value)...)
	}
	if meta := c.catalog.Meta.Resolve(card); meta.Found {
		rec.Venue, rec.PublicationDate = parseMeta(meta.Value)
	}
	if doi := c.catalog.DOILink.Resolve(card); doi.Found {
		rec.Identifier = harvest.IdentifierFromText(doi.Value)
	}
	if rec.Identifier == "" {
		rec.Identifier = harvest.IdentifierFromURL(rec.DetailURL)
	}
	return rec, nil
}

// parseMeta splits "Science • 14 Mar 2024 • Vol 383" style lines: the first
// segment is the venue and the first parseable segment the date.
func parseMeta(s string) (string, *time.Time) {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '•' || r == '|' || r == '·'
	})
	var (
		venue string
		date  *time.Time
	)
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if date == nil {
			if d := harvest.ParseDate(part); d != nil {
				date = d
				continue
			}
		}
		if i == 0 {
			venue = part
		}
	}
	return venue, date
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
