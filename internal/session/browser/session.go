// Package browser implements a navigation session backed by headless Chrome
// via chromedp. One Session owns one browser tab for its whole lifetime.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/paper-harvester/internal/dom"
	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/session"
)

// Config controls the behavior of the browser session.
type Config struct {
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is waited after the body is ready so late scripts can run.
	SettleDelay time.Duration
	ExecPath    string
}

// Session implements harvest.Session with a single chromedp tab.
type Session struct {
	session.Snapshot

	cfg         Config
	allocCancel context.CancelFunc
	tab         context.Context
	tabCancel   context.CancelFunc
	meta        *responseMeta
	userAgent   string
	logger      *zap.Logger
}

var _ harvest.Session = (*Session)(nil)

// New starts the browser and opens the tab.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Session, error) {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tab, tabCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:         cfg,
		allocCancel: allocCancel,
		tab:         tab,
		tabCancel:   tabCancel,
		meta:        newResponseMeta(),
		logger:      logger,
	}
	chromedp.ListenTarget(tab, s.meta.captureEvent)

	if err := s.run(ctx, s.setupAction()); err != nil {
		s.Close() //nolint:errcheck // startup already failed
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return s, nil
}

func (s *Session) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
			s.userAgent = s.cfg.UserAgent
			return nil
		}
		var ua string
		if err := chromedp.Evaluate(`navigator.userAgent`, &ua).Do(ctx); err != nil {
			return fmt.Errorf("read user-agent: %w", err)
		}
		s.userAgent = ua
		return nil
	})
}

// run executes actions on the tab bounded by the navigation timeout and the
// caller context.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	navCtx, cancel := context.WithTimeout(s.tab, s.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(navCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("chromedp run: %w", ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("chromedp run: %w: %w", harvest.ErrNavigationTimeout, err)
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (s *Session) loadActions() []chromedp.Action {
	return []chromedp.Action{
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.cfg.SettleDelay),
	}
}

// Get navigates the tab to pageURL.
func (s *Session) Get(ctx context.Context, pageURL string) error {
	return s.navigate(ctx, pageURL, "")
}

func (s *Session) navigate(ctx context.Context, pageURL, referer string) error {
	actions := []chromedp.Action{refererAction(referer), chromedp.Navigate(pageURL)}
	actions = append(actions, s.loadActions()...)
	if referer != "" {
		actions = append(actions, refererAction(""))
	}
	if err := s.run(ctx, actions...); err != nil {
		return fmt.Errorf("get %s: %w", pageURL, err)
	}
	return s.snapshot(ctx)
}

func refererAction(referer string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		headers := network.Headers{}
		if referer != "" {
			headers["Referer"] = referer
		}
		if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
			return fmt.Errorf("set referer: %w", err)
		}
		return nil
	})
}

func (s *Session) snapshot(ctx context.Context) error {
	var (
		html     string
		finalURL string
	)
	err := s.run(ctx,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	snap, err := session.NewSnapshot(finalURL, html)
	if err != nil {
		return err
	}
	s.Snapshot = snap
	status, _ := s.meta.snapshot()
	s.logger.Debug("page loaded", zap.String("url", finalURL), zap.Int("status", status))
	return nil
}

// Click follows a navigable href in the same tab, or clicks the element
// through the DOM when it has none.
func (s *Session) Click(ctx context.Context, el dom.Node) error {
	if el.IsZero() {
		return fmt.Errorf("browser click: empty element")
	}
	if href, ok := el.Attr("href"); ok && session.Navigable(href) {
		target, err := session.Resolve(s.CurrentURL(), href)
		if err != nil {
			return fmt.Errorf("browser click: %w", err)
		}
		return s.navigate(ctx, target, s.CurrentURL())
	}
	actions := []chromedp.Action{chromedp.Click(el.Path(), chromedp.ByQuery, chromedp.NodeVisible)}
	actions = append(actions, s.loadActions()...)
	if err := s.run(ctx, actions...); err != nil {
		return fmt.Errorf("browser click: %w", err)
	}
	return s.snapshot(ctx)
}

// Reload reloads the current page.
func (s *Session) Reload(ctx context.Context) error {
	actions := []chromedp.Action{chromedp.Reload()}
	actions = append(actions, s.loadActions()...)
	if err := s.run(ctx, actions...); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return s.snapshot(ctx)
}

// Cookies exports the browser cookies visible to the current page.
func (s *Session) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	var out []*http.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := network.GetCookies()
		if current := s.CurrentURL(); current != "" {
			params = params.WithURLs([]string{current})
		}
		cookies, err := params.Do(ctx)
		if err != nil {
			return fmt.Errorf("get cookies: %w", err)
		}
		out = toHTTPCookies(cookies)
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UserAgent returns the user agent the browser sends.
func (s *Session) UserAgent() string {
	return s.userAgent
}

// Close closes the tab and the browser.
func (s *Session) Close() error {
	if s.tabCancel != nil {
		s.tabCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	return nil
}

func toHTTPCookies(src []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(src))
	for _, c := range src {
		if c == nil {
			continue
		}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0).UTC()
		}
		out = append(out, hc)
	}
	return out
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.url
}
