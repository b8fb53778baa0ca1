package memory

import (
	"fmt"
	"html"
	"strings"
)

// Page builders render catalog-shaped markup for offline sessions.

const filler = `<p class="page-footer">This content is provided for research and educational use.
Access is governed by the terms of service, the privacy policy and the cookie policy of the site.</p>`

// Card is one listing result.
type Card struct {
	Title   string
	Href    string
	Authors string
	Meta    string
	DOI     string
}

// ListingPage renders cards plus a next-page control when next is set.
func ListingPage(cards []Card, next string) string {
	var b strings.Builder
	b.WriteString(`<html><head><title>Search results</title></head><body><main>`)
	for _, c := range cards {
		b.WriteString(`<div class="card pb-3 mb-4 border-bottom"><div class="card-header">`)
		fmt.Fprintf(&b, `<h2 class="article-title"><a href="%s">%s</a></h2></div>`, html.EscapeString(c.Href), html.EscapeString(c.Title))
		if c.Authors != "" {
			fmt.Fprintf(&b, `<span class="text-authors">%s</span>`, html.EscapeString(c.Authors))
		}
		if c.Meta != "" {
			fmt.Fprintf(&b, `<div class="text-meta">%s</div>`, html.EscapeString(c.Meta))
		}
		if c.DOI != "" {
			fmt.Fprintf(&b, `<a class="card-doi" href="https://doi.org/%s">DOI</a>`, html.EscapeString(c.DOI))
		}
		b.WriteString(`</div>`)
	}
	b.WriteString(`<ul class="pagination"><li class="page-item active"><a href="#">current</a></li>`)
	if next != "" {
		fmt.Fprintf(&b, `<li class="page-item"><a href="%s">next</a></li>`, html.EscapeString(next))
	}
	b.WriteString(`</ul></main>` + filler + `</body></html>`)
	return b.String()
}

// Detail is an article page.
type Detail struct {
	Title      string
	Abstract   string
	Keywords   []string
	Date       string
	FormatHref string
}

// DetailPage renders an article page. The format control is omitted when
// FormatHref is empty.
func DetailPage(d Detail) string {
	var b strings.Builder
	b.WriteString(`<html><head><title>` + html.EscapeString(d.Title) + `</title>`)
	if len(d.Keywords) > 0 {
		fmt.Fprintf(&b, `<meta name="keywords" content="%s">`, html.EscapeString(strings.Join(d.Keywords, ", ")))
	}
	b.WriteString(`</head><body><main id="main"><div class="article-container"><article><header>`)
	fmt.Fprintf(&b, `<h1 class="article-title">%s</h1>`, html.EscapeString(d.Title))
	if d.Date != "" {
		fmt.Fprintf(&b, `<span property="datePublished">%s</span>`, html.EscapeString(d.Date))
	}
	if d.FormatHref != "" {
		fmt.Fprintf(&b, `<div class="info-panel__formats"><a href="%s"><i class="icon-pdf"></i>PDF</a></div>`, html.EscapeString(d.FormatHref))
	}
	b.WriteString(`</header>`)
	if d.Abstract != "" {
		fmt.Fprintf(&b, `<section id="abstract"><div class="article-section__content"><p>%s</p></div></section>`, html.EscapeString(d.Abstract))
	}
	b.WriteString(`</article></div></main>` + filler + `</body></html>`)
	return b.String()
}

// FormatPage renders the reader page holding the download control. The
// control is omitted when href is empty.
func FormatPage(href string) string {
	var b strings.Builder
	b.WriteString(`<html><head><title>Reader</title></head><body>`)
	b.WriteString(`<div id="app-navbar"><div class="btn-group navbar-right"><div class="grouped right">`)
	if href != "" {
		fmt.Fprintf(&b, `<a href="%s">Download PDF</a>`, html.EscapeString(href))
	}
	b.WriteString(`</div></div></div>` + filler + `</body></html>`)
	return b.String()
}
