package harvest

import (
	"regexp"
	"strings"
	"time"
)

var (
	doiPath = regexp.MustCompile(`/doi/(?:abs/|full/|epdf/|pdf/)?(10\.\d+/[^/?#]+)`)
	doiBare = regexp.MustCompile(`\b(10\.\d{4,9}/[^\s?#"<>]+)`)
)

// DateLayouts are tried in order by ParseDate.
var DateLayouts = []string{
	"2 Jan 2006",
	"2 January 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2006-01-02",
}

// ParseDate parses s with DateLayouts. Unparseable input yields nil.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if len(s) > len("2006-01-02") && s[4] == '-' {
		// ISO timestamps such as 2024-03-14T00:00:00Z.
		s = s[:len("2006-01-02")]
	}
	for _, layout := range DateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// IdentifierFromURL extracts a DOI from a /doi/ path.
func IdentifierFromURL(rawURL string) string {
	if m := doiPath.FindStringSubmatch(rawURL); m != nil {
		return m[1]
	}
	return ""
}

// IdentifierFromText extracts a DOI from a doi.org link or free text.
func IdentifierFromText(s string) string {
	if id := IdentifierFromURL(s); id != "" {
		return id
	}
	if m := doiBare.FindStringSubmatch(s); m != nil {
		return strings.TrimRight(m[1], ".,;")
	}
	return ""
}

// SplitList splits a comma separated list, trimming and dropping empties.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
