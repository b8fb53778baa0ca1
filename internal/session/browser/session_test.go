package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestToHTTPCookies(t *testing.T) {
	t.Parallel()

	got := toHTTPCookies([]*network.Cookie{
		nil,
		{Name: "sid", Value: "1", Domain: ".science.org", Path: "/", Secure: true, HTTPOnly: true, Expires: 1700000000},
		{Name: "session", Value: "2", Path: "/"},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "sid", got[0].Name)
	assert.True(t, got[0].Secure)
	assert.True(t, got[0].HttpOnly)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), got[0].Expires)
	assert.True(t, got[1].Expires.IsZero())
}

func TestResponseMetaCapturesDocuments(t *testing.T) {
	t.Parallel()

	m := newResponseMeta()
	m.captureEvent(&network.EventResponseReceived{Type: network.ResourceTypeImage, Response: &network.Response{Status: 404}})
	status, _ := m.snapshot()
	assert.Zero(t, status)

	m.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 403, URL: "https://www.science.org/doi/10.1/a"},
	})
	status, u := m.snapshot()
	assert.Equal(t, 403, status)
	assert.Equal(t, "https://www.science.org/doi/10.1/a", u)
}

func TestSessionNavigatesRenderedPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/detail":
			fmt.Fprintf(w, `<html><body><p id="ref">%s</p></body></html>`, r.Referer())
		default:
			fmt.Fprint(w, `<!doctype html><html><head><title>List</title></head><body>`+
				`<script>document.body.innerHTML += '<a id="next" href="/detail">late link</a>';</script></body></html>`)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := New(ctx, Config{Headless: true, UserAgent: "TestAgent", NavigationTimeout: 10 * time.Second}, zap.NewNop())
	if err != nil {
		t.Skipf("chromedp unavailable: %v", err)
	}
	defer s.Close()

	if err := s.Get(ctx, srv.URL+"/list"); err != nil {
		t.Skipf("navigation failed: %v", err)
	}
	assert.Equal(t, "List", s.Title())
	assert.Equal(t, "TestAgent", s.UserAgent())

	next, ok := s.Find("#next")
	require.True(t, ok)
	require.NoError(t, s.Click(ctx, next))
	ref, ok := s.Find("#ref")
	require.True(t, ok)
	assert.Equal(t, srv.URL+"/list", ref.Text())
}
