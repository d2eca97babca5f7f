package decode

import (
	"archive/zip"
	"bytes"
	"context"
	"strings"
	"testing"
)

func newTestRegistry() *Registry { return NewRegistry(512) }

func TestRejectsOversizeBeforeInspection(t *testing.T) {
	r := newTestRegistry()
	// Garbage content: only the size check should fire.
	big := make([]byte, MaxFileSize+1)
	_, err := r.Decode(context.Background(), "huge.pdf", big, "")
	if err == nil {
		t.Fatal("expected size error")
	}
	if !strings.Contains(err.Error(), "maximum size") {
		t.Errorf("wrong error for oversize file: %v", err)
	}
}

func TestRejectsUnknownExtension(t *testing.T) {
	r := newTestRegistry()
	for _, name := range []string{"report.xlsx", "data.csv", "notes.rtf", "noext"} {
		if _, err := r.Decode(context.Background(), name, []byte("x"), ""); err == nil {
			t.Errorf("%s should be rejected", name)
		}
	}
}

func TestRejectsMIMEMismatch(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Decode(context.Background(), "page.html", []byte("<p>x</p>"), "application/pdf")
	if err == nil || !strings.Contains(err.Error(), "MIME") {
		t.Errorf("expected MIME mismatch error, got %v", err)
	}
	// Parameters on the declared type are ignored.
	if _, err := r.Decode(context.Background(), "page.html", []byte("<p>x</p>"), "text/html; charset=utf-8"); err != nil {
		t.Errorf("charset parameter should be accepted: %v", err)
	}
}

func TestRejectsBadMagic(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Decode(context.Background(), "fake.pdf", []byte("not a pdf"), ""); err == nil {
		t.Error("pdf without %PDF header should be rejected")
	}
	if _, err := r.Decode(context.Background(), "fake.docx", []byte("not a zip"), ""); err == nil {
		t.Error("docx without zip header should be rejected")
	}
}

func TestRejectsLegacyDoc(t *testing.T) {
	r := newTestRegistry()
	ole := append([]byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}, make([]byte, 64)...)
	_, err := r.Decode(context.Background(), "old.docx", ole, "")
	if err == nil || !strings.Contains(err.Error(), "legacy") {
		t.Errorf("OLE container should be rejected as legacy: %v", err)
	}
}

func TestDecodeText(t *testing.T) {
	r := newTestRegistry()
	res, err := r.Decode(context.Background(), "notes.txt", []byte("line one\r\nline two\r\n"), "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "line one\nline two" {
		t.Errorf("CRLF not normalized: %q", res.Text)
	}
	if res.MIME != "text/plain" {
		t.Errorf("mime = %q", res.MIME)
	}
	if len(res.SHA256) != 64 {
		t.Errorf("sha256 length %d", len(res.SHA256))
	}
	if len(res.Chunks) == 0 {
		t.Error("expected at least one chunk")
	}
	if res.ChromeStats != nil {
		t.Error("plain text should carry no chrome stats")
	}
}

func TestDecodeHTMLStripsChrome(t *testing.T) {
	r := newTestRegistry()
	page := `<html><div class="gem-c-cookie-banner">Cookies on GOV.UK</div>` +
		`<main><h1>Apply for a visa</h1><p>You can apply online.</p></main></html>`
	res, err := r.Decode(context.Background(), "page.html", []byte(page), "text/html")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(res.Text, "Cookies on GOV.UK") {
		t.Errorf("chrome survived: %q", res.Text)
	}
	if !strings.Contains(res.Text, "# Apply for a visa") {
		t.Errorf("h1 not mapped to markdown header: %q", res.Text)
	}
	if res.ChromeStats == nil || res.ChromeStats.ChromeChars == 0 {
		t.Errorf("chrome stats missing or empty: %+v", res.ChromeStats)
	}
}

func TestDecodeMarkdownRunsStripper(t *testing.T) {
	r := newTestRegistry()
	md := "# Apply for a visa\n\nYou can apply online.\n\n## Eligibility\n\nYou must be 18.\n"
	res, err := r.Decode(context.Background(), "guide.md", []byte(md), "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Text, "## Eligibility") {
		t.Errorf("section headers lost: %q", res.Text)
	}
	// Markdown rides the HTML path, so stats are always present.
	if res.ChromeStats == nil {
		t.Error("markdown should report chrome stats from the HTML pass")
	}
}

func TestDecodeDocx(t *testing.T) {
	r := newTestRegistry()
	res, err := r.Decode(context.Background(), "guide.docx", buildDocx(t), "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Text, "# Visa guidance") {
		t.Errorf("Heading1 not mapped: %q", res.Text)
	}
	if !strings.Contains(res.Text, "## Eligibility") {
		t.Errorf("Heading2 not mapped: %q", res.Text)
	}
	if !strings.Contains(res.Text, "You must be 18.") {
		t.Errorf("body text lost: %q", res.Text)
	}
}

// buildDocx assembles a minimal DOCX in memory.
func buildDocx(t *testing.T) []byte {
	t.Helper()
	const doc = `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Visa guidance</w:t></w:r></w:p>
    <w:p><w:pPr><w:pStyle w:val="Heading2"/></w:pPr><w:r><w:t>Eligibility</w:t></w:r></w:p>
    <w:p><w:r><w:t>You must be 18.</w:t></w:r></w:p>
  </w:body>
</w:document>`

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte(doc)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
