package decode

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"govguide/strip"
)

// htmlDecoder strips GOV.UK chrome and extracts text from HTML pages.
type htmlDecoder struct{}

func (d *htmlDecoder) Extensions() []string { return []string{"html", "htm"} }

func (d *htmlDecoder) Decode(_ context.Context, filename string, content []byte) (string, *strip.Stats, error) {
	cleaned, stats := strip.HTML(string(content), filename)
	text, err := HTMLToText(cleaned)
	if err != nil {
		return "", nil, err
	}
	return text, &stats, nil
}

// HTMLToText flattens cleaned HTML to plain text, keeping headings as
// markdown headers so the chunker's section boundaries survive.
func HTMLToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("h1").Each(func(_ int, s *goquery.Selection) {
		s.SetText("\n# " + strings.TrimSpace(s.Text()) + "\n")
	})
	doc.Find("h2").Each(func(_ int, s *goquery.Selection) {
		s.SetText("\n## " + strings.TrimSpace(s.Text()) + "\n")
	})
	doc.Find("h3").Each(func(_ int, s *goquery.Selection) {
		s.SetText("\n### " + strings.TrimSpace(s.Text()) + "\n")
	})
	doc.Find("p, li").Each(func(_ int, s *goquery.Selection) {
		s.SetText(strings.TrimSpace(s.Text()) + "\n")
	})

	return collapseBlankLines(doc.Text()), nil
}

// collapseBlankLines trims trailing space per line and squeezes runs of
// blank lines down to one.
func collapseBlankLines(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	blank := true
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
