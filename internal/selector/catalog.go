package selector

// Catalog groups the chains for every extraction point of the catalog site.
type Catalog struct {
	// Listing page.
	Card       Chain
	Title      Chain
	DetailLink Chain
	Authors    Chain
	Meta       Chain
	DOILink    Chain
	NextPage   Chain
	// Detail page.
	DetailTitle Chain
	Abstract    Chain
	Keywords    Chain
	DetailDate  Chain
	FormatLink  Chain
	// Format page.
	DownloadLink Chain
}

const formatButtonPath = "#main > div.article-container > article > header > div > div.info-panel > " +
	"div.info-panel__right-content > div.info-panel__formats.info-panel__item > a"

var defaultCatalog = &Catalog{
	Card: NewChain("card",
		CSS(".card.pb-3.mb-4.border-bottom"),
		CSS("div.card.pb-3.border-bottom"),
		CSS("article"),
	),
	Title: NewChain("title",
		CSS(".card-header h2.article-title > a"),
		CSS("h3.mb-1 a"),
		CSS("h2 a"),
	),
	DetailLink: NewChain("detail_link",
		CSSAttr(".card-header h2.article-title > a", "href"),
		CSSAttr("h3.mb-1 a", "href"),
		CSSAttr("h2 a", "href"),
	),
	Authors: NewChain("authors",
		CSS("span.text-authors"),
		CSS("ul.loa li"),
	),
	Meta: NewChain("meta",
		CSS("div.text-meta"),
		CSS("div.card-meta"),
	),
	DOILink: NewChain("doi_link",
		AttrContains("a", "href", "doi.org"),
		CSSAttr("a[data-doi]", "data-doi"),
	),
	NextPage: NewChain("next_page",
		CSSAttr("li.page-item.active + li.page-item > a", "href"),
		CSSAttr("a.pagination__btn--next", "href"),
	),
	DetailTitle: NewChain("detail_title",
		CSS("h1.article-title"),
		CSS("h1"),
	),
	Abstract: NewChain("abstract",
		CSS("div.article-section__content p"),
		CSS("section[id*='abstract'] p"),
		CSS("#abstract p"),
		CSSAttr("meta[name='dc.Description']", "content"),
	),
	Keywords: NewChain("keywords",
		CSSAttr("meta[name='keywords']", "content"),
		CSS("[data-test='keyword']"),
		CSS(".c-article-subject-list__subject"),
	),
	DetailDate: NewChain("detail_date",
		CSS("span[property='datePublished']"),
		CSSAttr("meta[name='dc.Date']", "content"),
	),
	FormatLink: NewChain("format_link",
		IconAncestor("i.icon-pdf", "a", "href"),
		CSSAttr(formatButtonPath, "href"),
		AttrContains("a", "href", "pdf"),
	),
	DownloadLink: NewChain("download_link",
		CSSAttr("#app-navbar > div.btn-group.navbar-right > div.grouped.right > a", "href"),
		AttrContains("a", "href", "download=true"),
	),
}

// Default returns the shared catalog. Callers must not mutate it.
func Default() *Catalog {
	return defaultCatalog
}
