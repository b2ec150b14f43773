package ingestion

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/54b3r/ppta-go/internal/provider"
)

// Unit is one ordered piece of extracted text: a paragraph, a PDF page or an
// image description.
type Unit struct {
	Text string
	// Location is a human-readable position such as "page 3".
	Location string
}

// ExtractFunc turns raw file content into ordered text units.
type ExtractFunc func(ctx context.Context, data []byte) ([]Unit, error)

// ErrUnsupportedMedia is returned by Extractors.For for types without an
// extractor.
var ErrUnsupportedMedia = errors.New("ingestion: no extractor for media type")

// Extractors resolves the extractor for a media type.
type Extractors struct {
	// Vision describes images. Nil makes image uploads fail extraction.
	Vision provider.Describer
}

// For returns the extractor for mediaType.
func (e *Extractors) For(mediaType string) (ExtractFunc, error) {
	switch mediaType {
	case MediaText, MediaMarkdown:
		return extractParagraphs, nil
	case MediaPDF:
		return extractPDF, nil
	case MediaDOCX:
		return extractDOCX, nil
	case MediaPNG, MediaJPEG:
		return func(ctx context.Context, data []byte) ([]Unit, error) {
			return e.describeImage(ctx, data, mediaType)
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedMedia, mediaType)
}

var blankLine = regexp.MustCompile(`\n[ \t]*\n`)

// splitParagraphs splits text on blank lines, dropping empty paragraphs.
func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(strings.ToValidUTF8(text, ""), "\r\n", "\n")
	var out []string
	for _, p := range blankLine.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func extractParagraphs(_ context.Context, data []byte) ([]Unit, error) {
	paras := splitParagraphs(string(data))
	units := make([]Unit, len(paras))
	for i, p := range paras {
		units[i] = Unit{Text: p, Location: fmt.Sprintf("paragraph %d", i+1)}
	}
	return units, nil
}

// extractPDF returns one unit per page with text. The PDF reader panics on
// some malformed inputs; those are reported as errors.
func extractPDF(ctx context.Context, data []byte) (units []Unit, err error) {
	defer func() {
		if r := recover(); r != nil {
			units, err = nil, fmt.Errorf("pdf: malformed document: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("pdf: open: %w", err)
	}
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("pdf: page %d: %w", i, err)
		}
		if text = strings.TrimSpace(strings.ToValidUTF8(text, "")); text != "" {
			units = append(units, Unit{Text: text, Location: fmt.Sprintf("page %d", i)})
		}
	}
	return units, nil
}

// maxDOCXPart caps the decompressed size of word/document.xml.
const maxDOCXPart = 64 << 20

// extractDOCX returns one unit per non-empty paragraph of the main document
// part.
func extractDOCX(_ context.Context, data []byte) ([]Unit, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("docx: open: %w", err)
	}
	var part *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			part = f
			break
		}
	}
	if part == nil {
		return nil, fmt.Errorf("docx: word/document.xml not found")
	}
	rc, err := part.Open()
	if err != nil {
		return nil, fmt.Errorf("docx: open document part: %w", err)
	}
	defer rc.Close()

	paras, err := docxParagraphs(io.LimitReader(rc, maxDOCXPart))
	if err != nil {
		return nil, err
	}
	units := make([]Unit, 0, len(paras))
	for _, p := range paras {
		units = append(units, Unit{Text: p, Location: fmt.Sprintf("paragraph %d", len(units)+1)})
	}
	return units, nil
}

// docxParagraphs walks WordprocessingML, collecting w:t text per w:p.
func docxParagraphs(r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)
	var (
		paras  []string
		cur    strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("docx: parse: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				cur.WriteByte('\t')
			case "br", "cr":
				cur.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if p := strings.TrimSpace(cur.String()); p != "" {
					paras = append(paras, p)
				}
				cur.Reset()
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		}
	}
	return paras, nil
}

func (e *Extractors) describeImage(ctx context.Context, data []byte, mediaType string) ([]Unit, error) {
	if e.Vision == nil {
		return nil, fmt.Errorf("image: no vision model configured")
	}
	text, err := e.Vision.Describe(ctx, data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("image: describe: %w", err)
	}
	return []Unit{{Text: text, Location: "image"}}, nil
}
