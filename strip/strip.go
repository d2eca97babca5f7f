// Package strip removes GOV.UK page chrome (navigation, banners, footers)
// from guidance HTML, leaving only the guidance content.
package strip

import (
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Stats records what a strip pass removed. The counts always satisfy
// OriginalChars == ChromeChars + GuidanceChars.
type Stats struct {
	OriginalChars    int      `json:"original_chars"`
	ChromeChars      int      `json:"chrome_chars"`
	GuidanceChars    int      `json:"guidance_chars"`
	ChromePercentage float64  `json:"chrome_percentage"`
	PatternsMatched  []string `json:"patterns_matched"`
}

// JSON renders the stats for storage in the documents table.
func (s Stats) JSON() string {
	b, _ := json.Marshal(s)
	return string(b)
}

// StatsFromJSON parses stored stats. Nil on malformed input.
func StatsFromJSON(raw string) *Stats {
	var s Stats
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil
	}
	return &s
}

// Version identifies the selector catalog revision. Stored on processing
// jobs so reprocessing runs can tell which catalog produced a document.
const Version = "2.1.0"

// chromeSelectors is the ordered catalog of structural selectors removed
// from GOV.UK pages. Order matters: outer containers first so nested
// matches are counted once.
var chromeSelectors = []string{
	"div.gem-c-cookie-banner",
	"#global-cookie-message",
	"a.govuk-skip-link",
	"header",
	"div.gem-c-layout-super-navigation-header",
	"div.gem-c-breadcrumbs",
	"div.govuk-breadcrumbs",
	"footer",
	"div.gem-c-feedback",
	"div.gem-c-intervention",
	"a.gem-c-print-link",
	"div.gem-c-print-link",
	"div.govuk-phase-banner",
	"div.gem-c-related-navigation",
	"aside.gem-c-related-navigation",
	"div.gem-c-step-nav",
	"div.gem-c-step-nav-related",
	"div.gem-c-contextual-sidebar",
	"div.gem-c-contextual-footer",
	"div.report-a-problem-container",
	"div.gem-c-service-improvement-banner",
	"div.gem-c-emergency-banner",
	"nav[aria-label=\"Related content\"]",
	"script",
	"style",
	"noscript",
	"link[rel=\"stylesheet\"]",
}

// contentWrappers lists wrapper candidates from innermost to outermost.
// The first match becomes the returned document root.
var contentWrappers = []string{
	"main.govuk-main-wrapper",
	"main",
	"div#content",
	"body",
}

// HTML strips chrome from a GOV.UK page. It never fails: on parse error
// the original input is returned unchanged with zero-removal stats.
// Deterministic, and idempotent on its own output.
func HTML(html string, documentID string) (string, Stats) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		slog.Warn("strip: parse failed, returning original html",
			"document_id", documentID, "error", err)
		return html, zeroStats(html)
	}

	originalChars := len(doc.Text())

	chromeChars := 0
	matched := make(map[string]bool)
	for _, sel := range chromeSelectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			chromeChars += len(s.Text())
			matched[normalizePattern(sel)] = true
			s.Remove()
		})
	}

	cleaned := selectWrapper(doc, html)

	guidanceChars := originalChars - chromeChars
	pct := 0.0
	if originalChars > 0 {
		pct = math.Round(float64(chromeChars)/float64(originalChars)*10000) / 100
	}

	patterns := make([]string, 0, len(matched))
	for p := range matched {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	stats := Stats{
		OriginalChars:    originalChars,
		ChromeChars:      chromeChars,
		GuidanceChars:    guidanceChars,
		ChromePercentage: pct,
		PatternsMatched:  patterns,
	}

	slog.Debug("strip: removed chrome",
		"document_id", documentID,
		"chrome_chars", chromeChars,
		"chrome_pct", pct,
		"patterns", len(patterns))

	return cleaned, stats
}

// selectWrapper returns the outer HTML of the innermost content wrapper
// still present after removal. Falls back to the whole document.
func selectWrapper(doc *goquery.Document, original string) string {
	for _, sel := range contentWrappers {
		found := doc.Find(sel).First()
		if found.Length() == 0 {
			continue
		}
		out, err := goquery.OuterHtml(found)
		if err != nil {
			continue
		}
		return out
	}
	out, err := doc.Html()
	if err != nil {
		return original
	}
	return out
}

// normalizePattern reduces a CSS selector to a stable pattern name:
// attribute selectors are dropped, the trailing class/id/tag token is
// taken, and the gem-c-/govuk- class prefixes are stripped.
func normalizePattern(sel string) string {
	// Drop attribute selectors: nav[aria-label="..."] -> nav
	if i := strings.Index(sel, "["); i >= 0 {
		sel = sel[:i]
	}
	// Take the trailing token after any combinator.
	fields := strings.Fields(sel)
	if len(fields) > 0 {
		sel = fields[len(fields)-1]
	}
	// Take the last class or id segment: div.gem-c-step-nav -> gem-c-step-nav
	if i := strings.LastIndexAny(sel, ".#"); i >= 0 {
		sel = sel[i+1:]
	}
	sel = strings.TrimPrefix(sel, "gem-c-")
	sel = strings.TrimPrefix(sel, "govuk-")
	return sel
}

func zeroStats(html string) Stats {
	return Stats{
		OriginalChars:    len(html),
		ChromeChars:      0,
		GuidanceChars:    len(html),
		ChromePercentage: 0,
		PatternsMatched:  []string{},
	}
}
