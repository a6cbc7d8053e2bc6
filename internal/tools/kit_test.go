package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Daily Wire</title>
    <link>https://example.com</link>
    <item>
      <title>First story</title>
      <link>https://example.com/1</link>
      <description>Something happened</description>
      <pubDate>Mon, 02 Mar 2026 10:00:00 GMT</pubDate>
    </item>
    <item>
      <title>Second story</title>
      <link>https://example.com/2</link>
      <description>Something else</description>
    </item>
  </channel>
</rss>`

const pageHTML = `<!doctype html>
<html>
  <head><title>Release notes</title><style>body { color: red }</style></head>
  <body>
    <h1>Version 2</h1>
    <p>Faster startup.</p>
    <ul><li class="change">Added exports</li><li class="change">Fixed watcher</li></ul>
    <script>console.log("ignore me")</script>
  </body>
</html>`

func TestFetchFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(feedXML))
	}))
	defer srv.Close()

	kit := NewKit()
	feed, err := kit.FetchFeed(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if feed["title"] != "Daily Wire" {
		t.Fatalf("title = %v", feed["title"])
	}
	items := feed["items"].([]map[string]any)
	if len(items) != 2 {
		t.Fatalf("items = %d", len(items))
	}
	if items[0]["title"] != "First story" {
		t.Fatalf("first item = %v", items[0])
	}
	if published := items[0]["published"].(string); !strings.HasPrefix(published, "2026-03-02") {
		t.Fatalf("published = %q", published)
	}
}

func TestFetchFeedRequiresURL(t *testing.T) {
	if _, err := NewKit().FetchFeed(context.Background(), ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestFetchPageWholeText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(pageHTML))
	}))
	defer srv.Close()

	page, err := NewKit().FetchPage(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatal(err)
	}
	if page["title"] != "Release notes" {
		t.Fatalf("title = %v", page["title"])
	}
	text := page["text"].(string)
	for _, want := range []string{"Version 2", "Faster startup", "Fixed watcher"} {
		if !strings.Contains(text, want) {
			t.Fatalf("text %q missing %q", text, want)
		}
	}
	if strings.Contains(text, "ignore me") || strings.Contains(text, "color: red") {
		t.Fatalf("script or style leaked into text: %q", text)
	}
}

func TestFetchPageSelector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(pageHTML))
	}))
	defer srv.Close()

	page, err := NewKit().FetchPage(context.Background(), srv.URL, "li.change")
	if err != nil {
		t.Fatal(err)
	}
	items := page["items"].([]any)
	if len(items) != 2 || items[0] != "Added exports" {
		t.Fatalf("items = %v", items)
	}
}

func TestFetchPageHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewKit().FetchPage(context.Background(), srv.URL, "")
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v", err)
	}
}
