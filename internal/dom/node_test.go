package dom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `<html><head><title> Results </title></head><body>
<div class="card"><h2><a href="/doi/10.1/a">  First
  paper </a></h2></div>
<div class="card"><h2><a href="/doi/10.1/b">Second</a><i class="icon-pdf"></i></h2></div>
</body></html>`

func TestNodeQueries(t *testing.T) {
	t.Parallel()

	root, err := ParseString(sample)
	require.NoError(t, err)

	cards := root.FindAll("div.card")
	require.Len(t, cards, 2)

	link, ok := cards[0].Find("a")
	require.True(t, ok)
	assert.Equal(t, "First paper", link.Text())
	href, ok := link.Attr("href")
	require.True(t, ok)
	assert.Equal(t, "/doi/10.1/a", href)

	_, ok = cards[0].Find("i.icon-pdf")
	assert.False(t, ok)

	icon, ok := cards[1].Find("i.icon-pdf")
	require.True(t, ok)
	h2, ok := icon.Closest("h2")
	require.True(t, ok)
	assert.Equal(t, "h2", h2.Tag())
}

func TestNodePathAddressesSameElement(t *testing.T) {
	t.Parallel()

	root, err := ParseString(sample)
	require.NoError(t, err)

	links := root.FindAll("a")
	require.Len(t, links, 2)

	path := links[1].Path()
	assert.Equal(t, "html > body:nth-child(2) > div:nth-child(2) > h2:nth-child(1) > a:nth-child(1)", path)

	again, ok := root.Find(path)
	require.True(t, ok)
	assert.Equal(t, "Second", again.Text())
}

func TestZeroNodeIsInert(t *testing.T) {
	t.Parallel()

	var n Node
	assert.True(t, n.IsZero())
	assert.Empty(t, n.FindAll("a"))
	assert.Empty(t, n.Text())
	assert.Empty(t, n.Path())
	_, ok := n.Attr("href")
	assert.False(t, ok)
}
