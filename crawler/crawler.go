// Package crawler walks GOV.UK guidance pages breadth-first, collecting
// guidance documents while honouring a request rate and depth cap.
package crawler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"govguide/decode"
	"govguide/fingerprint"
	"govguide/strip"
)

// Page is one scraped guidance page.
type Page struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	HTML  string `json:"-"`
	Depth int    `json:"depth"`
}

// Result summarises one crawl run.
type Result struct {
	DiscoveredURLs  int    `json:"discovered_urls"`
	ScrapedPages    []Page `json:"scraped_pages"`
	FilteredCount   int    `json:"filtered_count"`
	MaxDepthReached int    `json:"max_depth_reached"`
	StoppedAtDepth  bool   `json:"stopped_at_depth"`
}

// Config controls a crawl.
type Config struct {
	MaxDepth      int     // BFS depth cap, default 20
	RatePerSecond float64 // request rate, default 1.0
	MaxPages      int     // hard page budget, 0 = unlimited
}

// Crawler fetches pages through the security gate.
type Crawler struct {
	cfg    Config
	gate   *Gate
	client *http.Client
}

// guidanceKeywords mark page text as guidance when at least three
// distinct ones occur.
var guidanceKeywords = []string{
	"guidance", "instruction", "application", "service", "how to",
	"eligibility", "apply", "rules", "regulations",
}

// New returns a Crawler. Zero-value config fields get defaults.
func New(cfg Config, gate *Gate) *Crawler {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 20
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1.0
	}
	return &Crawler{
		cfg:  cfg,
		gate: gate,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type queueItem struct {
	url   string
	depth int
}

// Crawl walks breadth-first from the seed URL. URLs are deduplicated by
// host and path (query and fragment ignored) and page text by SHA-256,
// so mirrored pages are kept once.
func (c *Crawler) Crawl(ctx context.Context, seed string) (*Result, error) {
	if err := c.gate.Check(ctx, seed); err != nil {
		return nil, err
	}

	res := &Result{}
	seen := map[string]bool{dedupKey(seed): true}
	textSeen := map[string]bool{}
	queue := []queueItem{{url: seed, depth: 0}}

	interval := time.Duration(float64(time.Second) / c.cfg.RatePerSecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if item.depth > c.cfg.MaxDepth {
			res.StoppedAtDepth = true
			continue
		}
		if c.cfg.MaxPages > 0 && res.DiscoveredURLs >= c.cfg.MaxPages {
			break
		}

		// The gate re-checks every dequeued URL: redirects and relative
		// links can smuggle in hosts the enqueue-time check never saw.
		if err := c.gate.Check(ctx, item.url); err != nil {
			slog.Warn("crawler: url rejected at dequeue", "url", item.url, "error", err)
			continue
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return res, ctx.Err()
		}

		html, err := c.fetch(ctx, item.url)
		if err != nil {
			slog.Warn("crawler: fetch failed", "url", item.url, "error", err)
			continue
		}
		res.DiscoveredURLs++
		if item.depth > res.MaxDepthReached {
			res.MaxDepthReached = item.depth
		}

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			slog.Warn("crawler: parse failed", "url", item.url, "error", err)
			continue
		}

		title := strings.TrimSpace(doc.Find("title").First().Text())

		// Dedup on the chrome-stripped text: mirrored pages differ only
		// in navigation and footer markup.
		cleaned, _ := strip.HTML(html, item.url)
		text, err := decode.HTMLToText(cleaned)
		if err != nil {
			slog.Warn("crawler: text extraction failed", "url", item.url, "error", err)
			continue
		}

		if isGuidance(item.url, text) {
			sha := fingerprint.Content(text)
			if textSeen[sha] {
				// Same content under another URL: a silent skip, not a
				// filter decision.
				slog.Debug("crawler: duplicate content skipped", "url", item.url)
			} else {
				textSeen[sha] = true
				res.ScrapedPages = append(res.ScrapedPages, Page{
					URL:   item.url,
					Title: title,
					HTML:  html,
					Depth: item.depth,
				})
			}
		} else {
			res.FilteredCount++
		}

		for _, link := range extractLinks(doc, item.url) {
			key := dedupKey(link)
			if seen[key] {
				continue
			}
			if err := c.gate.Check(ctx, link); err != nil {
				continue
			}
			seen[key] = true
			if item.depth+1 > c.cfg.MaxDepth {
				res.StoppedAtDepth = true
				continue
			}
			queue = append(queue, queueItem{url: link, depth: item.depth + 1})
		}
	}

	slog.Info("crawler: crawl finished",
		"seed", seed,
		"discovered", res.DiscoveredURLs,
		"scraped", len(res.ScrapedPages),
		"filtered", res.FilteredCount,
		"max_depth", res.MaxDepthReached)

	return res, nil
}

// FetchPage fetches a single page through the security gate without
// following links. The guidance filter does not apply: an explicitly
// requested URL is ingested as-is.
func (c *Crawler) FetchPage(ctx context.Context, raw string) (*Page, error) {
	if err := c.gate.Check(ctx, raw); err != nil {
		return nil, err
	}
	html, err := c.fetch(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", raw, err)
	}

	title := ""
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	return &Page{URL: raw, Title: title, HTML: html}, nil
}

func (c *Crawler) fetch(ctx context.Context, u string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "govguide-crawler/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "text/html") {
		return "", fmt.Errorf("content type %q", ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// isGuidance decides whether a page is guidance content: guidance-style
// URL paths pass outright, otherwise the text must carry at least three
// distinct guidance keywords.
func isGuidance(raw, text string) bool {
	if u, err := url.Parse(raw); err == nil {
		p := u.Path
		if strings.Contains(p, "/guidance/") ||
			strings.Contains(p, "/how-to") ||
			strings.HasPrefix(p, "/apply-") {
			return true
		}
	}

	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range guidanceKeywords {
		if strings.Contains(lower, kw) {
			hits++
			if hits >= 3 {
				return true
			}
		}
	}
	return false
}

// extractLinks resolves all anchor hrefs against the base URL.
func extractLinks(doc *goquery.Document, base string) []string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}

	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := baseURL.ResolveReference(ref)
		if abs.Scheme != "https" && abs.Scheme != "http" {
			return
		}
		links = append(links, abs.String())
	})
	return links
}

// dedupKey canonicalises a URL to host+path, dropping query and fragment.
func dedupKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return strings.ToLower(u.Hostname()) + strings.TrimSuffix(u.Path, "/")
}
