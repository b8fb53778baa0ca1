package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/health"
	"github.com/JakeFAU/paper-harvester/internal/session/memory"
)

const (
	base      = "https://www.science.org"
	detailURL = base + "/doi/10.1126/science.p1"
	formatURL = base + "/doi/epdf/10.1126/science.p1"
	pdfURL    = base + "/doi/pdf/10.1126/science.p1?download=true"
)

func newResolver() *Resolver {
	checker := health.New(health.DefaultConfig(), nil, health.WithWait(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}))
	return New(Config{BaseURL: base + "/"}, nil, checker, nil)
}

func detail(format string) string {
	return memory.DetailPage(memory.Detail{
		Title:      "Paper 1",
		Abstract:   "We measure things.",
		Keywords:   []string{"physics", "Quantum", "quantum"},
		Date:       "14 March 2024",
		FormatHref: format,
	})
}

func TestResolveWalksToDownloadLink(t *testing.T) {
	t.Parallel()

	sess := memory.New()
	sess.AddPage(detailURL, detail("/doi/epdf/10.1126/science.p1"))
	sess.AddPage(formatURL, memory.FormatPage("/doi/pdf/10.1126/science.p1?download=true"))

	out := newResolver().Resolve(context.Background(), sess, harvest.Record{
		Title: "Paper 1", Identifier: "10.1126/science.p1", DetailURL: detailURL,
	})
	require.Equal(t, Resolved, out.State, out.Err)
	assert.Equal(t, ReasonNone, out.Reason)
	assert.Equal(t, pdfURL, out.Record.ArtifactURL)
	assert.Equal(t, formatURL, out.Referer)
	assert.Equal(t, "We measure things.", out.Record.Abstract)
	assert.Equal(t, []string{"physics", "Quantum"}, out.Record.Keywords)
	require.NotNil(t, out.Record.PublicationDate)
	assert.Equal(t, 2024, out.Record.PublicationDate.Year())
}

func TestResolveRebuildsDetailURLFromIdentifier(t *testing.T) {
	t.Parallel()

	sess := memory.New()
	sess.AddPage(detailURL, detail("/doi/epdf/10.1126/science.p1"))
	sess.AddPage(formatURL, memory.FormatPage("/doi/pdf/10.1126/science.p1?download=true"))

	out := newResolver().Resolve(context.Background(), sess, harvest.Record{
		Title: "Paper 1", Identifier: "10.1126/science.p1",
	})
	require.Equal(t, Resolved, out.State)
	assert.Equal(t, detailURL, out.Record.DetailURL)
}

func TestResolveAbandonsWithoutFormatLink(t *testing.T) {
	t.Parallel()

	sess := memory.New()
	sess.AddPage(detailURL, detail(""))

	out := newResolver().Resolve(context.Background(), sess, harvest.Record{Title: "Paper 1", DetailURL: detailURL})
	assert.Equal(t, Abandoned, out.State)
	assert.Equal(t, ReasonNoFormatLink, out.Reason)
	assert.False(t, out.Reason.Transient())
	assert.NoError(t, out.Err)
	assert.Equal(t, "We measure things.", out.Record.Abstract)
	assert.Equal(t, "no_format_link", out.FailureMessage())
}

func TestResolveAbandonsWithoutDownloadLink(t *testing.T) {
	t.Parallel()

	sess := memory.New()
	sess.AddPage(detailURL, detail("/doi/epdf/10.1126/science.p1"))
	sess.AddPage(formatURL, memory.FormatPage(""))

	out := newResolver().Resolve(context.Background(), sess, harvest.Record{Title: "Paper 1", DetailURL: detailURL})
	assert.Equal(t, Abandoned, out.State)
	assert.Equal(t, ReasonNoDownloadLink, out.Reason)
	assert.Empty(t, out.Record.ArtifactURL)
}

func TestResolveNavigationFailureIsTransient(t *testing.T) {
	t.Parallel()

	sess := memory.New()
	out := newResolver().Resolve(context.Background(), sess, harvest.Record{Title: "Paper 1", DetailURL: detailURL})
	assert.Equal(t, Abandoned, out.State)
	assert.Equal(t, ReasonNavigation, out.Reason)
	assert.True(t, out.Reason.Transient())
	require.ErrorIs(t, out.Err, harvest.ErrNavigationTimeout)
	assert.Contains(t, out.FailureMessage(), "navigation: open "+detailURL)
}

func TestResolveChallengePageAbandons(t *testing.T) {
	t.Parallel()

	sess := memory.New()
	sess.AddPage(detailURL, `<html><head><title>Just a moment...</title></head><body>Checking your browser</body></html>`)

	out := newResolver().Resolve(context.Background(), sess, harvest.Record{Title: "Paper 1", DetailURL: detailURL})
	assert.Equal(t, ReasonNavigation, out.Reason)
	require.ErrorIs(t, out.Err, harvest.ErrPageAnomalous)
}

func TestResolveWithoutAnyURL(t *testing.T) {
	t.Parallel()

	out := newResolver().Resolve(context.Background(), memory.New(), harvest.Record{Title: "Orphan"})
	assert.Equal(t, ReasonNoDetailURL, out.Reason)
	require.ErrorIs(t, out.Err, harvest.ErrExtractionFailed)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "at_detail", AtDetail.String())
	assert.Equal(t, "abandoned", Abandoned.String())
	assert.Equal(t, "state(9)", State(9).String())
}
