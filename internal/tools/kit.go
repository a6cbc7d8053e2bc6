// Package tools implements the network and file helpers exposed to stage
// scripts: feed fetching, webpage extraction, and document-to-text
// conversion.
package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
)

// maxBodyBytes caps how much of a remote response we are willing to read.
const maxBodyBytes = 1 << 20 // 1MB

// maxTextOutput caps extracted text handed back to scripts.
const maxTextOutput = 100 * 1024

// Kit bundles the outbound helpers with one shared HTTP client.
type Kit struct {
	client *http.Client
}

// NewKit returns a Kit with a 30s request timeout.
func NewKit() *Kit {
	return &Kit{client: &http.Client{Timeout: 30 * time.Second}}
}

// FetchFeed fetches and parses an RSS/Atom/JSON feed. Each item is returned
// as a flat map with title, link, published, summary, and author.
func (k *Kit) FetchFeed(ctx context.Context, url string) (map[string]any, error) {
	if url == "" {
		return nil, fmt.Errorf("fetchFeed: url is required")
	}
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	fp := gofeed.NewParser()
	fp.Client = k.client
	feed, err := fp.ParseURLWithContext(url, reqCtx)
	if err != nil {
		return nil, fmt.Errorf("fetchFeed: %w", err)
	}

	items := make([]map[string]any, 0, len(feed.Items))
	for _, item := range feed.Items {
		published := ""
		if item.PublishedParsed != nil {
			published = item.PublishedParsed.Format(time.RFC3339)
		} else if item.Published != "" {
			published = item.Published
		}
		author := ""
		if item.Author != nil {
			author = item.Author.Name
		}
		items = append(items, map[string]any{
			"title":     item.Title,
			"link":      item.Link,
			"published": published,
			"summary":   item.Description,
			"author":    author,
		})
	}

	return map[string]any{
		"title": feed.Title,
		"link":  feed.Link,
		"items": items,
	}, nil
}

// FetchPage fetches a URL and extracts text. With a CSS selector the matched
// elements' texts are returned under "items"; without one the whole page is
// flattened to readable text under "text".
func (k *Kit) FetchPage(ctx context.Context, url, selector string) (map[string]any, error) {
	if url == "" {
		return nil, fmt.Errorf("fetchPage: url is required")
	}
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetchPage: %w", err)
	}
	req.Header.Set("User-Agent", "pipeord/1.0 (page reader)")

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetchPage: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetchPage: HTTP %d", resp.StatusCode)
	}
	limited := io.LimitReader(resp.Body, maxBodyBytes)

	if selector == "" {
		title, text, err := htmlToText(limited)
		if err != nil {
			return nil, fmt.Errorf("fetchPage: parse: %w", err)
		}
		if len(text) > maxTextOutput {
			text = text[:maxTextOutput] + "\n... [truncated]"
		}
		return map[string]any{"title": title, "text": text, "url": url}, nil
	}

	doc, err := goquery.NewDocumentFromReader(limited)
	if err != nil {
		return nil, fmt.Errorf("fetchPage: parse: %w", err)
	}
	var items []any
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if v := strings.TrimSpace(s.Text()); v != "" {
			items = append(items, v)
		}
	})
	return map[string]any{"items": items, "url": url}, nil
}
