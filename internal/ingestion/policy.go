package ingestion

import (
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Supported media types.
const (
	MediaPDF      = "application/pdf"
	MediaDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MediaText     = "text/plain"
	MediaMarkdown = "text/markdown"
	MediaPNG      = "image/png"
	MediaJPEG     = "image/jpeg"
)

// extensionTypes maps file extensions (and the short names accepted in
// UPLOAD_ALLOWED_TYPES) to media types.
var extensionTypes = map[string]string{
	"pdf":      MediaPDF,
	"docx":     MediaDOCX,
	"txt":      MediaText,
	"text":     MediaText,
	"log":      MediaText,
	"md":       MediaMarkdown,
	"markdown": MediaMarkdown,
	"png":      MediaPNG,
	"jpg":      MediaJPEG,
	"jpeg":     MediaJPEG,
}

// File is an uploaded payload awaiting validation.
type File struct {
	// Name is the client-supplied filename.
	Name string
	// MediaType is the client-declared type; may be empty.
	MediaType string
	// Data is the raw content.
	Data []byte
}

// ValidationError rejects an upload before any Document is created. Status
// is the HTTP status the rejection maps to.
type ValidationError struct {
	Status  int
	Message string
}

func (e *ValidationError) Error() string {
	return "ingestion: " + e.Message
}

// Policy is the upload allow-list and size limit.
type Policy struct {
	// Allowed holds media types. Use NormaliseTypes to build it from
	// configuration that mixes extensions and media types.
	Allowed []string
	// MaxBytes is the inclusive size limit. Zero disables the check.
	MaxBytes int64
}

// NormaliseTypes turns a configured allow-list of extensions ("pdf") or
// media types ("application/pdf") into media types. Unknown extensions are
// returned as an error.
func NormaliseTypes(entries []string) ([]string, error) {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			out = append(out, baseType(e))
			continue
		}
		mt, ok := extensionTypes[strings.TrimPrefix(e, ".")]
		if !ok {
			return nil, fmt.Errorf("ingestion: unknown file type %q in allow-list", e)
		}
		out = append(out, mt)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// Validate checks f against the policy and returns its resolved media type.
// The size check runs first so oversized payloads are never inspected.
func (p Policy) Validate(f File) (string, error) {
	size := int64(len(f.Data))
	if p.MaxBytes > 0 && size > p.MaxBytes {
		return "", &ValidationError{
			Status:  http.StatusRequestEntityTooLarge,
			Message: fmt.Sprintf("file is %d bytes, limit is %d", size, p.MaxBytes),
		}
	}
	if size == 0 {
		return "", &ValidationError{Status: http.StatusBadRequest, Message: "file is empty"}
	}

	mediaType, err := resolveMediaType(f)
	if err != nil {
		return "", err
	}
	if !slices.Contains(p.Allowed, mediaType) {
		return "", &ValidationError{
			Status:  http.StatusUnsupportedMediaType,
			Message: fmt.Sprintf("media type %s is not allowed", mediaType),
		}
	}
	return mediaType, nil
}

// resolveMediaType determines the media type from the extension, then the
// declared type, and confirms it against the sniffed content.
func resolveMediaType(f File) (string, error) {
	sniffed := mimetype.Detect(f.Data)

	claimed := extensionTypes[strings.TrimPrefix(strings.ToLower(filepath.Ext(f.Name)), ".")]
	if claimed == "" {
		claimed = baseType(f.MediaType)
	}
	if claimed == "" || claimed == "application/octet-stream" {
		return baseType(sniffed.String()), nil
	}

	// Markdown has no signature and sniffs as text; a DOCX is a zip whose
	// entry order decides whether it sniffs as docx or plain zip.
	want := []string{claimed}
	switch claimed {
	case MediaMarkdown:
		want = []string{MediaText}
	case MediaDOCX:
		want = append(want, "application/zip")
	}
	for m := sniffed; m != nil; m = m.Parent() {
		for _, w := range want {
			if m.Is(w) {
				return claimed, nil
			}
		}
	}
	return "", &ValidationError{
		Status:  http.StatusUnsupportedMediaType,
		Message: fmt.Sprintf("content of %q looks like %s, not %s", filepath.Base(f.Name), baseType(sniffed.String()), claimed),
	}
}

// baseType strips parameters from a media type.
func baseType(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(s)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(s, ";")[0]))
	}
	return mt
}

// ExtensionAllowed reports whether name has an extension whose media type is
// in p.Allowed. The watcher uses it to skip unrelated files.
func (p Policy) ExtensionAllowed(name string) bool {
	mt, ok := extensionTypes[strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")]
	return ok && slices.Contains(p.Allowed, mt)
}
