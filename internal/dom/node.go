// Package dom wraps goquery selections so page snapshots can be queried
// without touching the live browser.
package dom

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Node is a single element (or document root) of a page snapshot. The zero
// value is an empty node that matches nothing.
type Node struct {
	sel *goquery.Selection
}

// Parse reads an HTML document.
func Parse(r io.Reader) (Node, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Node{}, fmt.Errorf("parse html: %w", err)
	}
	return Node{sel: doc.Selection}, nil
}

// ParseString parses an HTML string.
func ParseString(src string) (Node, error) {
	return Parse(strings.NewReader(src))
}

// FromSelection wraps the first element of s.
func FromSelection(s *goquery.Selection) Node {
	if s == nil || s.Length() == 0 {
		return Node{}
	}
	return Node{sel: s.First()}
}

// IsZero reports whether n holds no element.
func (n Node) IsZero() bool {
	return n.sel == nil || n.sel.Length() == 0
}

// FindAll returns every descendant matching selector in document order.
func (n Node) FindAll(selector string) []Node {
	if n.IsZero() || strings.TrimSpace(selector) == "" {
		return nil
	}
	matches := n.sel.Find(selector)
	out := make([]Node, 0, matches.Length())
	matches.Each(func(_ int, s *goquery.Selection) {
		out = append(out, Node{sel: s})
	})
	return out
}

// Find returns the first descendant matching selector.
func (n Node) Find(selector string) (Node, bool) {
	if n.IsZero() || strings.TrimSpace(selector) == "" {
		return Node{}, false
	}
	match := n.sel.Find(selector).First()
	if match.Length() == 0 {
		return Node{}, false
	}
	return Node{sel: match}, true
}

// Closest returns the nearest ancestor-or-self matching selector.
func (n Node) Closest(selector string) (Node, bool) {
	if n.IsZero() {
		return Node{}, false
	}
	match := n.sel.Closest(selector)
	if match.Length() == 0 {
		return Node{}, false
	}
	return Node{sel: match.First()}, true
}

// Text returns the element text with whitespace collapsed.
func (n Node) Text() string {
	if n.IsZero() {
		return ""
	}
	return strings.Join(strings.Fields(n.sel.Text()), " ")
}

// Attr returns the trimmed attribute value.
func (n Node) Attr(name string) (string, bool) {
	if n.IsZero() {
		return "", false
	}
	v, ok := n.sel.Attr(name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// Tag returns the lowercase element name.
func (n Node) Tag() string {
	if n.IsZero() {
		return ""
	}
	return goquery.NodeName(n.sel)
}

// Path returns a CSS selector that addresses n from the html element using
// nth-child steps, so a live browser can locate the same element.
func (n Node) Path() string {
	if n.IsZero() {
		return ""
	}
	var parts []string
	for cur := n.sel; cur.Length() > 0; cur = cur.Parent() {
		if cur.Get(0).Type != html.ElementNode {
			break
		}
		tag := goquery.NodeName(cur)
		if tag == "html" {
			parts = append(parts, tag)
			break
		}
		parts = append(parts, fmt.Sprintf("%s:nth-child(%d)", tag, cur.Index()+1))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}
