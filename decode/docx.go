package decode

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"govguide/strip"
)

// docxDecoder reads word/document.xml out of the DOCX zip container and
// walks its paragraphs. Heading styles become markdown headers so the
// chunker can split on them.
type docxDecoder struct{}

func (d *docxDecoder) Extensions() []string { return []string{"docx"} }

func (d *docxDecoder) Decode(ctx context.Context, filename string, content []byte) (string, *strip.Stats, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", nil, fmt.Errorf("opening docx archive: %w", err)
	}

	var docXML io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docXML, err = f.Open()
			if err != nil {
				return "", nil, fmt.Errorf("opening word/document.xml: %w", err)
			}
			break
		}
	}
	if docXML == nil {
		return "", nil, fmt.Errorf("%s: word/document.xml missing", filename)
	}
	defer docXML.Close()

	text, err := walkDocumentXML(ctx, docXML)
	if err != nil {
		return "", nil, err
	}
	if strings.TrimSpace(text) == "" {
		return "", nil, fmt.Errorf("%s: no extractable text", filename)
	}
	return text, nil, nil
}

// walkDocumentXML streams WordprocessingML, emitting one line per
// paragraph (w:p). Heading paragraph styles map to markdown headers.
func walkDocumentXML(ctx context.Context, r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)

	var b strings.Builder
	var para strings.Builder
	style := ""
	inPara := false

	flush := func() {
		text := strings.TrimSpace(para.String())
		para.Reset()
		if text == "" {
			return
		}
		switch style {
		case "Heading1", "Title":
			b.WriteString("# " + text + "\n\n")
		case "Heading2":
			b.WriteString("## " + text + "\n\n")
		case "Heading3":
			b.WriteString("### " + text + "\n\n")
		default:
			b.WriteString(text + "\n\n")
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parsing document.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inPara = true
				style = ""
			case "pStyle":
				for _, a := range t.Attr {
					if a.Name.Local == "val" {
						style = a.Value
					}
				}
			case "t":
				var text string
				if err := dec.DecodeElement(&text, &t); err != nil {
					return "", fmt.Errorf("parsing text run: %w", err)
				}
				para.WriteString(text)
			case "tab":
				para.WriteString("\t")
			case "br":
				para.WriteString(" ")
			}
		case xml.EndElement:
			if t.Name.Local == "p" && inPara {
				flush()
				inPara = false
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}
