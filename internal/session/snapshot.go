// Package session holds the page snapshot shared by the navigation session
// drivers. Drivers live in subpackages: browser (chromedp), static (colly)
// and memory (tests).
package session

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/paper-harvester/internal/dom"
)

// Snapshot is the parsed state of the page a session currently shows.
// Drivers embed it and replace it after every navigation.
type Snapshot struct {
	url   string
	title string
	root  dom.Node
}

// NewSnapshot parses html as the page at pageURL.
func NewSnapshot(pageURL, html string) (Snapshot, error) {
	root, err := dom.ParseString(html)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", pageURL, err)
	}
	title := ""
	if t, ok := root.Find("title"); ok {
		title = t.Text()
	}
	return Snapshot{url: pageURL, title: title, root: root}, nil
}

// CurrentURL returns the URL of the page.
func (s Snapshot) CurrentURL() string { return s.url }

// Title returns the document title.
func (s Snapshot) Title() string { return s.title }

// Page returns the document root.
func (s Snapshot) Page() dom.Node { return s.root }

// FindAll queries the page.
func (s Snapshot) FindAll(selector string) []dom.Node { return s.root.FindAll(selector) }

// Find returns the first match on the page.
func (s Snapshot) Find(selector string) (dom.Node, bool) { return s.root.Find(selector) }

// Resolve makes ref absolute against base.
func Resolve(base, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty reference")
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse reference %q: %w", ref, err)
	}
	if r.IsAbs() {
		return r.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base %q: %w", base, err)
	}
	return b.ResolveReference(r).String(), nil
}

// Navigable reports whether an href points at a page rather than a script hook.
func Navigable(href string) bool {
	h := strings.ToLower(strings.TrimSpace(href))
	return h != "" && h != "#" && !strings.HasPrefix(h, "javascript:")
}
