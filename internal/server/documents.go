package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/54b3r/ppta-go/internal/audit"
	"github.com/54b3r/ppta-go/internal/ingestion"
	"github.com/54b3r/ppta-go/internal/logging"
)

const (
	// multipartSlack is allowed on top of the file size for multipart
	// framing and the other form fields.
	multipartSlack = 1 << 20

	defaultListLimit = 50
	maxListLimit     = 500
)

// handleUpload handles POST /api/documents. The multipart field "file" is
// read up to one byte past the configured limit so an oversize upload is
// rejected by the policy before any Document exists. Processing continues
// after the response is sent; poll GET /api/documents/{id} for the result.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	status := http.StatusAccepted
	defer func() {
		s.metrics.uploadsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	}()
	fail := func(err error) {
		status, _ = classify(err)
		s.writeError(w, r, err)
	}

	// The server-wide read and write timeouts are sized for small JSON
	// bodies; a large upload gets its own deadline.
	if err := extendDeadlines(w, time.Now().Add(s.cfg.UploadTimeout)); err != nil {
		logging.FromContext(r.Context()).Warn("upload: could not extend connection deadlines", logging.Err(err))
	}

	policy := s.deps.Ingest.Policy()
	if policy.MaxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, policy.MaxBytes+multipartSlack)
	}

	f, err := readUpload(r, policy.MaxBytes)
	if err != nil {
		fail(err)
		return
	}

	doc, err := s.deps.Ingest.Submit(r.Context(), f)
	if err != nil {
		fail(err)
		return
	}

	audit.LogUpload(r.Context(), logging.FromContext(r.Context()), audit.Upload{
		DocumentID: doc.ID,
		Filename:   doc.Filename,
		MediaType:  doc.MediaType,
		Size:       doc.Size,
		Client:     clientIP(r),
	})
	w.Header().Set("Location", "/api/documents/"+doc.ID)
	s.writeJSON(w, r, status, uploadResponse{DocumentID: doc.ID, Status: doc.Status})
}

// extendDeadlines moves the read and write deadlines of the connection
// behind w to t. Writers without deadline support are left alone.
func extendDeadlines(w http.ResponseWriter, t time.Time) error {
	rc := http.NewResponseController(w)
	if err := rc.SetReadDeadline(t); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if err := rc.SetWriteDeadline(t); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// readUpload returns the first "file" part of a multipart request.
func readUpload(r *http.Request, maxBytes int64) (ingestion.File, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return ingestion.File{}, newHTTPError(http.StatusBadRequest, "expected a multipart/form-data body")
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return ingestion.File{}, newHTTPError(http.StatusBadRequest, `multipart field "file" is required`)
		}
		if err != nil {
			return ingestion.File{}, uploadReadError(err)
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		var src io.Reader = part
		if maxBytes > 0 {
			src = io.LimitReader(part, maxBytes+1)
		}
		data, err := io.ReadAll(src)
		_ = part.Close()
		if err != nil {
			return ingestion.File{}, uploadReadError(err)
		}
		return ingestion.File{
			Name:      part.FileName(),
			MediaType: part.Header.Get("Content-Type"),
			Data:      data,
		}, nil
	}
}

// uploadReadError maps a body read failure to 413 when the body cap was hit
// and 400 otherwise.
func uploadReadError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return err
	}
	return newHTTPError(http.StatusBadRequest, "malformed multipart body")
}

// handleListDocuments handles GET /api/documents?limit=N, newest first.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, newHTTPError(http.StatusBadRequest, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxListLimit)
	}

	docs, err := s.deps.Ingest.Registry().List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []ingestion.Document{}
	}
	s.writeJSON(w, r, http.StatusOK, documentListResponse{Documents: docs})
}

// handleGetDocument handles GET /api/documents/{id}.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Ingest.Registry().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, doc)
}

// handleDeleteDocument handles DELETE /api/documents/{id}. The document's
// chunks are removed from the vector store before its record; a document
// still processing yields 409.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Ingest.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
