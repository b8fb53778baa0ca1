// Package resolver walks a record from its detail page to a concrete
// artifact download URL.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/metrics"
	"github.com/JakeFAU/paper-harvester/internal/selector"
	"github.com/JakeFAU/paper-harvester/internal/session"
)

// State is a resolution step.
type State int

// Resolution states. Resolved and Abandoned are terminal.
const (
	AtDetail State = iota
	AtFormatPage
	Resolved
	Abandoned
)

func (s State) String() string {
	switch s {
	case AtDetail:
		return "at_detail"
	case AtFormatPage:
		return "at_format_page"
	case Resolved:
		return "resolved"
	case Abandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reason explains an abandoned record.
type Reason string

// Abandon reasons. NoFormatLink and NoDownloadLink mean the record never
// offered an artifact; Navigation is a transient page failure.
const (
	ReasonNone           Reason = ""
	ReasonNoDetailURL    Reason = "no_detail_url"
	ReasonNoFormatLink   Reason = "no_format_link"
	ReasonNoDownloadLink Reason = "no_download_link"
	ReasonNavigation     Reason = "navigation"
)

// Transient reports whether a later attempt could succeed.
func (r Reason) Transient() bool {
	return r == ReasonNavigation
}

// Outcome is the terminal result of Resolve.
type Outcome struct {
	State  State
	Reason Reason
	// Record carries the detail fields and, when resolved, the artifact URL.
	Record harvest.Record
	// Referer is the page the download link was found on.
	Referer string
	Err     error
}

// FailureMessage formats the outcome for MarkFailed.
func (o Outcome) FailureMessage() string {
	msg := string(o.Reason)
	if o.Err != nil {
		msg += ": " + o.Err.Error()
	}
	return harvest.Truncate(msg, harvest.MaxErrorLen)
}

// HealthGate blocks until the session shows a usable page.
type HealthGate interface {
	Ensure(ctx context.Context, s harvest.Session) error
}

// Config holds the site root used to rebuild detail URLs.
type Config struct {
	BaseURL string
}

// Resolver drives the session through the detail and format pages.
type Resolver struct {
	cfg     Config
	catalog *selector.Catalog
	health  HealthGate
	logger  *zap.Logger
}

// New builds a Resolver. A nil catalog selects selector.Default.
func New(cfg Config, catalog *selector.Catalog, health HealthGate, logger *zap.Logger) *Resolver {
	if catalog == nil {
		catalog = selector.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Resolver{cfg: cfg, catalog: catalog, health: health, logger: logger}
}

// Resolve never returns an error: every failure is an Abandoned outcome
// scoped to rec.
func (r *Resolver) Resolve(ctx context.Context, sess harvest.Session, rec harvest.Record) Outcome {
	logger := r.logger.With(zap.String("title", rec.Title), zap.String("identifier", rec.Identifier))
	out := Outcome{State: AtDetail, Record: rec}

	for out.State != Resolved && out.State != Abandoned {
		switch out.State {
		case AtDetail:
			r.atDetail(ctx, sess, &out)
		case AtFormatPage:
			r.atFormatPage(ctx, sess, &out)
		}
	}

	label := "resolved"
	if out.State == Abandoned {
		label = string(out.Reason)
		logger.Warn("record abandoned", zap.String("reason", label), zap.Error(out.Err))
	} else {
		logger.Info("artifact resolved", zap.String("url", out.Record.ArtifactURL))
	}
	metrics.ObserveResolution(label)
	return out
}

func (r *Resolver) atDetail(ctx context.Context, sess harvest.Session, out *Outcome) {
	detail := r.detailURL(out.Record)
	if detail == "" {
		out.abandon(ReasonNoDetailURL, fmt.Errorf("no detail url: %w", harvest.ErrExtractionFailed))
		return
	}
	out.Record.DetailURL = detail
	if err := r.visit(ctx, sess, detail); err != nil {
		out.abandon(ReasonNavigation, err)
		return
	}
	r.fillDetails(sess, &out.Record)

	link := r.catalog.FormatLink.Resolve(sess.Page())
	if !link.Found || !session.Navigable(link.Value) {
		out.abandon(ReasonNoFormatLink, nil)
		return
	}
	target, err := session.Resolve(sess.CurrentURL(), link.Value)
	if err != nil {
		out.abandon(ReasonNoFormatLink, err)
		return
	}
	r.logger.Debug("format link found", zap.String("url", target), zap.Int("strategy", link.Strategy))
	if err := r.visit(ctx, sess, target); err != nil {
		out.abandon(ReasonNavigation, err)
		return
	}
	out.State = AtFormatPage
}

func (r *Resolver) atFormatPage(_ context.Context, sess harvest.Session, out *Outcome) {
	link := r.catalog.DownloadLink.Resolve(sess.Page())
	if !link.Found || !session.Navigable(link.Value) {
		out.abandon(ReasonNoDownloadLink, nil)
		return
	}
	artifact, err := session.Resolve(sess.CurrentURL(), link.Value)
	if err != nil {
		out.abandon(ReasonNoDownloadLink, err)
		return
	}
	out.Record.ArtifactURL = artifact
	out.Referer = sess.CurrentURL()
	out.State = Resolved
}

func (o *Outcome) abandon(reason Reason, err error) {
	o.State = Abandoned
	o.Reason = reason
	o.Err = err
}

func (r *Resolver) visit(ctx context.Context, sess harvest.Session, url string) error {
	if err := sess.Get(ctx, url); err != nil {
		return fmt.Errorf("open %s: %w", url, err)
	}
	if err := r.health.Ensure(ctx, sess); err != nil {
		return fmt.Errorf("check %s: %w", url, err)
	}
	return nil
}

func (r *Resolver) detailURL(rec harvest.Record) string {
	if rec.DetailURL != "" {
		return rec.DetailURL
	}
	if rec.Identifier != "" && r.cfg.BaseURL != "" {
		return r.cfg.BaseURL + "/doi/" + rec.Identifier
	}
	return ""
}

// fillDetails reads the best-effort detail fields. Values already present on
// rec are kept when the page has none.
func (r *Resolver) fillDetails(sess harvest.Session, rec *harvest.Record) {
	page := sess.Page()
	var paragraphs []string
	for _, p := range r.catalog.Abstract.ResolveAll(page) {
		paragraphs = append(paragraphs, p.Value)
	}
	if len(paragraphs) > 0 {
		rec.Abstract = strings.Join(paragraphs, "\n\n")
	}

	seen := make(map[string]struct{})
	var keywords []string
	for _, k := range r.catalog.Keywords.ResolveAll(page) {
		for _, kw := range harvest.SplitList(k.Value) {
			key := strings.ToLower(kw)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keywords = append(keywords, kw)
		}
	}
	if len(keywords) > 0 {
		rec.Keywords = keywords
	}

	if rec.PublicationDate == nil {
		if d := r.catalog.DetailDate.Resolve(page); d.Found {
			rec.PublicationDate = harvest.ParseDate(d.Value)
		}
	}
}
