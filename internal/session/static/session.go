// Package static implements a navigation session over plain HTTP using
// gocolly. It does not execute JavaScript; clicks follow the element href.
package static

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/paper-harvester/internal/dom"
	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/session"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Session implements harvest.Session on top of a Colly collector.
type Session struct {
	session.Snapshot

	cfg           Config
	jar           http.CookieJar
	baseCollector *colly.Collector
	status        int
	logger        *zap.Logger
}

var _ harvest.Session = (*Session)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Session with its own cookie jar.
func New(cfg Config, logger *zap.Logger) (*Session, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	c.SetCookieJar(jar)
	c.SetRequestTimeout(cfg.Timeout)
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.ParseHTTPErrorResponse = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Session{
		cfg:           cfg,
		jar:           jar,
		baseCollector: c,
		logger:        logger,
	}, nil
}

// Get fetches pageURL and replaces the snapshot. Error statuses still produce
// a snapshot so the health checker can inspect challenge pages.
func (s *Session) Get(ctx context.Context, pageURL string) error {
	return s.visit(ctx, pageURL, s.CurrentURL())
}

func (s *Session) visit(ctx context.Context, pageURL, referer string) error {
	collector := s.baseCollector.Clone()
	result, err := s.runCollector(ctx, collector, pageURL, referer)
	if err != nil {
		return fmt.Errorf("get %s: %w: %w", pageURL, harvest.ErrNavigationTimeout, err)
	}
	if result == nil {
		return fmt.Errorf("get %s: empty response: %w", pageURL, harvest.ErrNavigationTimeout)
	}
	finalURL := pageURL
	if result.Request != nil && result.Request.URL != nil {
		finalURL = result.Request.URL.String()
	}
	snap, err := session.NewSnapshot(finalURL, string(result.Body))
	if err != nil {
		return err
	}
	s.Snapshot = snap
	s.status = result.StatusCode
	s.logger.Debug("page loaded", zap.String("url", finalURL), zap.Int("status", result.StatusCode))
	return nil
}

// visitOutcome is filled by the collector callbacks. It is owned by the
// goroutine running Visit until it is sent on the result channel.
type visitOutcome struct {
	resp     *colly.Response
	fetchErr error
	visitErr error
}

func (s *Session) configureCollectorHooks(hooks collectorHooks, referer string, out *visitOutcome) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
		if referer != "" {
			r.Headers.Set("Referer", referer)
		}
	})
	hooks.OnResponse(func(r *colly.Response) {
		out.resp = r
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && len(r.Body) > 0 {
			out.resp = r
			return
		}
		out.fetchErr = err
	})
}

// runCollector visits pageURL on its own goroutine. On cancellation it
// returns at once; the abandoned visit ends at the request timeout and its
// outcome is dropped.
func (s *Session) runCollector(ctx context.Context, collector *colly.Collector, pageURL, referer string) (*colly.Response, error) {
	done := make(chan visitOutcome, 1)
	go func() {
		var out visitOutcome
		s.configureCollectorHooks(collector, referer, &out)
		out.visitErr = collector.Visit(pageURL)
		done <- out
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("colly visit canceled: %w", ctx.Err())
	case out := <-done:
		if out.visitErr != nil {
			return nil, fmt.Errorf("colly visit failed: %w", out.visitErr)
		}
		if out.fetchErr != nil {
			return nil, classify(out.fetchErr)
		}
		return out.resp, nil
	}
}

func classify(err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return fmt.Errorf("colly timeout: %w", err)
	}
	return fmt.Errorf("colly response failed: %w", err)
}

// Status returns the HTTP status of the last page.
func (s *Session) Status() int {
	return s.status
}

// Click follows the element href with the current page as referer.
func (s *Session) Click(ctx context.Context, el dom.Node) error {
	href, ok := el.Attr("href")
	if !ok || !session.Navigable(href) {
		return fmt.Errorf("static click: element %s has no followable href", el.Tag())
	}
	target, err := session.Resolve(s.CurrentURL(), href)
	if err != nil {
		return fmt.Errorf("static click: %w", err)
	}
	return s.visit(ctx, target, s.CurrentURL())
}

// Reload fetches the current page again.
func (s *Session) Reload(ctx context.Context) error {
	current := s.CurrentURL()
	if current == "" {
		return fmt.Errorf("static reload: no page loaded")
	}
	return s.visit(ctx, current, "")
}

// Cookies returns the jar cookies scoped to the current page.
func (s *Session) Cookies(context.Context) ([]*http.Cookie, error) {
	current := s.CurrentURL()
	if current == "" {
		return nil, nil
	}
	u, err := url.Parse(current)
	if err != nil {
		return nil, fmt.Errorf("parse current url: %w", err)
	}
	return s.jar.Cookies(u), nil
}

// UserAgent returns the collector user agent.
func (s *Session) UserAgent() string {
	return s.baseCollector.UserAgent
}

// Close is a no-op; the collector holds no process resources.
func (s *Session) Close() error {
	return nil
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
		IdleConnTimeout:       90 * time.Second,
	}
}
