// Package memory provides an in-memory navigation session over a fixed set
// of pages.
package memory

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/JakeFAU/paper-harvester/internal/dom"
	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/session"
)

const defaultUserAgent = "paper-harvester-memory/1.0"

// Session serves registered pages. A URL registered with several bodies
// returns them in order on successive loads and then repeats the last one.
type Session struct {
	session.Snapshot

	mu        sync.Mutex
	pages     map[string][]string
	loads     map[string]int
	reloads   int
	cookies   []*http.Cookie
	userAgent string
	closed    bool
}

var _ harvest.Session = (*Session)(nil)

// New creates an empty session.
func New() *Session {
	return &Session{
		pages:     make(map[string][]string),
		loads:     make(map[string]int),
		userAgent: defaultUserAgent,
	}
}

// AddPage registers the bodies served for url.
func (s *Session) AddPage(url string, bodies ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url] = append(s.pages[url], bodies...)
}

// SetCookies replaces the cookies reported by Cookies.
func (s *Session) SetCookies(cookies ...*http.Cookie) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies = append([]*http.Cookie(nil), cookies...)
}

// SetUserAgent overrides the reported user agent.
func (s *Session) SetUserAgent(ua string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userAgent = ua
}

// Loads reports how many times url was loaded, reloads included.
func (s *Session) Loads(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[url]
}

// Reloads reports how many times Reload was called.
func (s *Session) Reloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloads
}

// Get loads url.
func (s *Session) Get(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory get: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(url)
}

func (s *Session) load(url string) error {
	if s.closed {
		return fmt.Errorf("memory session closed")
	}
	bodies, ok := s.pages[url]
	if !ok || len(bodies) == 0 {
		return fmt.Errorf("memory get %s: no page: %w", url, harvest.ErrNavigationTimeout)
	}
	idx := s.loads[url]
	if idx >= len(bodies) {
		idx = len(bodies) - 1
	}
	s.loads[url]++
	snap, err := session.NewSnapshot(url, bodies[idx])
	if err != nil {
		return err
	}
	s.Snapshot = snap
	return nil
}

// Click follows the element href.
func (s *Session) Click(ctx context.Context, el dom.Node) error {
	href, ok := el.Attr("href")
	if !ok || !session.Navigable(href) {
		return fmt.Errorf("memory click: element %s has no href", el.Tag())
	}
	target, err := session.Resolve(s.CurrentURL(), href)
	if err != nil {
		return fmt.Errorf("memory click: %w", err)
	}
	return s.Get(ctx, target)
}

// Reload loads the current URL again.
func (s *Session) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory reload: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads++
	return s.load(s.CurrentURL())
}

// Cookies returns the configured cookies.
func (s *Session) Cookies(context.Context) ([]*http.Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*http.Cookie(nil), s.cookies...), nil
}

// UserAgent returns the configured user agent.
func (s *Session) UserAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userAgent
}

// Close marks the session unusable.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
