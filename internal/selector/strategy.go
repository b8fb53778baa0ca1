// Package selector resolves page fields through fixed, ordered fallback
// chains of query strategies.
package selector

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/paper-harvester/internal/dom"
	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

// Kind tags the variant of a Strategy.
type Kind int

// Supported strategy variants.
const (
	// KindCSS matches Selector and reads the text, or Attr when set.
	KindCSS Kind = iota + 1
	// KindAttrContains matches Selector and keeps elements whose Attr contains Contains.
	KindAttrContains
	// KindIconAncestor matches the icon Selector, climbs to the closest Ancestor
	// and reads Attr (or text) from it.
	KindIconAncestor
)

func (k Kind) String() string {
	switch k {
	case KindCSS:
		return "css"
	case KindAttrContains:
		return "attr-contains"
	case KindIconAncestor:
		return "icon-ancestor"
	default:
		return "unknown"
	}
}

// Strategy is one pure query against a DOM scope.
type Strategy struct {
	Kind     Kind
	Selector string
	Attr     string
	Contains string
	Ancestor string
}

// CSS reads the text of elements matching selector.
func CSS(selector string) Strategy {
	return Strategy{Kind: KindCSS, Selector: selector}
}

// CSSAttr reads attr of elements matching selector.
func CSSAttr(selector, attr string) Strategy {
	return Strategy{Kind: KindCSS, Selector: selector, Attr: attr}
}

// AttrContains reads attr of elements matching selector whose attr contains substr.
func AttrContains(selector, attr, substr string) Strategy {
	return Strategy{Kind: KindAttrContains, Selector: selector, Attr: attr, Contains: substr}
}

// IconAncestor finds icon, then its closest ancestor, and reads attr from it.
func IconAncestor(icon, ancestor, attr string) Strategy {
	return Strategy{Kind: KindIconAncestor, Selector: icon, Ancestor: ancestor, Attr: attr}
}

func (s Strategy) String() string {
	switch s.Kind {
	case KindAttrContains:
		return fmt.Sprintf("%s(%s[%s*=%q])", s.Kind, s.Selector, s.Attr, s.Contains)
	case KindIconAncestor:
		return fmt.Sprintf("%s(%s^%s@%s)", s.Kind, s.Selector, s.Ancestor, s.Attr)
	default:
		if s.Attr != "" {
			return fmt.Sprintf("%s(%s@%s)", s.Kind, s.Selector, s.Attr)
		}
		return fmt.Sprintf("%s(%s)", s.Kind, s.Selector)
	}
}

// matches returns every non-empty hit in document order.
func (s Strategy) matches(scope dom.Node) []Result {
	var out []Result
	for _, node := range scope.FindAll(s.Selector) {
		target := node
		switch s.Kind {
		case KindIconAncestor:
			anc, ok := node.Closest(s.Ancestor)
			if !ok {
				continue
			}
			target = anc
		case KindAttrContains:
			v, ok := node.Attr(s.Attr)
			if !ok || !strings.Contains(v, s.Contains) {
				continue
			}
		}
		if v := s.read(target); v != "" {
			out = append(out, Result{Value: v, Node: target, Found: true})
		}
	}
	return out
}

func (s Strategy) read(n dom.Node) string {
	if s.Attr == "" {
		return n.Text()
	}
	v, _ := n.Attr(s.Attr)
	return v
}

// Result is Found with a value, or NotFound.
type Result struct {
	Value string
	Node  dom.Node
	Found bool
	// Strategy is the index of the strategy that produced the value.
	Strategy int
}

// NotFound is the empty result.
func NotFound() Result {
	return Result{Strategy: -1}
}

// Chain is a fixed priority list of strategies for one extraction point.
type Chain struct {
	Field      string
	Strategies []Strategy
}

// NewChain builds a chain for field.
func NewChain(field string, strategies ...Strategy) Chain {
	return Chain{Field: field, Strategies: append([]Strategy(nil), strategies...)}
}

// Resolve returns the first non-empty match of the first strategy that has
// one. Later strategies are never consulted once an earlier one matches.
func (c Chain) Resolve(scope dom.Node) Result {
	for i, s := range c.Strategies {
		hits := s.matches(scope)
		if len(hits) == 0 {
			continue
		}
		res := hits[0]
		res.Strategy = i
		return res
	}
	return NotFound()
}

// ResolveAll returns every non-empty match of the first strategy that has any.
func (c Chain) ResolveAll(scope dom.Node) []Result {
	for i, s := range c.Strategies {
		hits := s.matches(scope)
		if len(hits) == 0 {
			continue
		}
		for j := range hits {
			hits[j].Strategy = i
		}
		return hits
	}
	return nil
}

// Require is Resolve for mandatory fields.
func (c Chain) Require(scope dom.Node) (Result, error) {
	res := c.Resolve(scope)
	if !res.Found {
		return res, fmt.Errorf("%s: %w", c.Field, harvest.ErrExtractionFailed)
	}
	return res, nil
}

// Nodes returns the elements matched by the first strategy with any match,
// regardless of their text. It is used for container elements such as cards.
func (c Chain) Nodes(scope dom.Node) []dom.Node {
	for _, s := range c.Strategies {
		if nodes := scope.FindAll(s.Selector); len(nodes) > 0 {
			return nodes
		}
	}
	return nil
}

// Selectors lists the raw selectors of the chain, in order.
func (c Chain) Selectors() []string {
	out := make([]string, 0, len(c.Strategies))
	for _, s := range c.Strategies {
		out = append(out, s.Selector)
	}
	return out
}
