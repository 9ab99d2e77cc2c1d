package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/nickcecere/kbase/internal/audit"
	kberr "github.com/nickcecere/kbase/internal/errors"
	"github.com/nickcecere/kbase/internal/filter"
	"github.com/nickcecere/kbase/internal/indexer"
	"github.com/nickcecere/kbase/internal/kb"
	"github.com/nickcecere/kbase/internal/llm"
	"github.com/nickcecere/kbase/internal/store"
)

// maxJSONBody bounds JSON request bodies.
const maxJSONBody = 16 << 20

type errorResponse struct {
	Error string     `json:"error"`
	Code  kberr.Code `json:"code,omitempty"`
}

type addDocumentRequest struct {
	Chunks []store.Chunk `json:"chunks"`
}

type addDocumentResponse struct {
	DocID    string   `json:"doc_id,omitempty"`
	Chunks   int      `json:"chunks"`
	Skipped  bool     `json:"skipped,omitempty"`
	Replaced []string `json:"replaced,omitempty"`
}

type searchRequest struct {
	Query   string         `json:"query" validate:"required"`
	K       int            `json:"k" validate:"gte=0,lte=1000"`
	Filters map[string]any `json:"filters"`
}

type searchResponse struct {
	Results []kb.Result `json:"results"`
}

type askRequest struct {
	Question string         `json:"question" validate:"required"`
	K        int            `json:"k" validate:"gte=0,lte=100"`
	Filters  map[string]any `json:"filters"`
}

type documentResponse struct {
	Document kb.DocumentInfo `json:"document"`
	Chunks   []store.Chunk   `json:"chunks"`
	Files    []string        `json:"files"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"documents": s.kb.Stats().Documents,
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"documents": s.kb.Documents()})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	info, chunks, ok := s.kb.Document(docID)
	if !ok {
		writeError(w, notFound(docID))
		return
	}
	files, err := s.kb.Files(docID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, documentResponse{Document: info, Chunks: chunks, Files: files})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	found, err := s.kb.DeleteDocument(r.Context(), docID)
	switch {
	case !found:
		writeError(w, notFound(docID))
	case err != nil:
		// The document is gone from the index; its files were not removed.
		writeError(w, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleAddDocument accepts either pre-chunked JSON or a multipart file
// upload that goes through the ingestion pipeline.
func (s *Server) handleAddDocument(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		s.handleUpload(w, r)
		return
	}

	var req addDocumentRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	docID, err := s.kb.AddDocument(r.Context(), kb.AddRequest{Chunks: req.Chunks})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, addDocumentResponse{DocID: docID, Chunks: len(req.Chunks)})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, badRequest("invalid multipart form: "+err.Error()))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, badRequest("a file field is required"))
		return
	}
	defer file.Close()

	var md store.Metadata
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &md); err != nil {
			writeError(w, badRequest("metadata must be a JSON object: "+err.Error()))
			return
		}
	}
	force, _ := strconv.ParseBool(r.FormValue("force"))

	// The upload keeps its name so source_file and the stored original
	// match what the client sent.
	name := filepath.Base(filepath.Clean("/" + header.Filename))
	if name == "/" || name == "." {
		writeError(w, badRequest("the uploaded file has no name"))
		return
	}
	dir, err := os.MkdirTemp("", "kbase-upload-*")
	if err != nil {
		writeError(w, err)
		return
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, name)
	if err := saveUpload(file, path); err != nil {
		writeError(w, err)
		return
	}

	res, err := s.ingest.IngestFile(r.Context(), path, indexer.Options{Metadata: md, Force: force})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, addDocumentResponse{
		DocID:    res.DocID,
		Chunks:   res.Chunks,
		Skipped:  res.Skipped,
		Replaced: res.Replaced,
	})
}

func saveUpload(src io.Reader, path string) error {
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	spec, err := filter.Parse(req.Filters)
	if err != nil {
		writeError(w, err)
		return
	}
	k := req.K
	if k == 0 {
		k = s.cfg.DefaultK
	}

	results, err := s.kb.Search(r.Context(), req.Query, k, spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: results})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if s.qa == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "no LLM is configured"})
		return
	}

	var req askRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	spec, err := filter.Parse(req.Filters)
	if err != nil {
		writeError(w, err)
		return
	}

	opts := llm.DefaultQAOptions()
	opts.Temperature = s.cfg.Temperature
	if req.K > 0 {
		opts.MaxContextChunks = req.K
	}

	res, err := s.qa.Ask(r.Context(), req.Question, spec, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleExport streams every chunk as JSON lines.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="kbase-export.jsonl"`)

	n, err := s.kb.ExportTo(w)
	if err != nil {
		// Headers are gone; all that is left is to log.
		log.Error("Export stream failed", "chunks", n, "error", err)
		return
	}
	if err := s.kb.Audit().Record(r.Context(), audit.ActionExportAll, map[string]any{
		"path":   "http:" + r.RemoteAddr,
		"chunks": n,
	}); err != nil {
		log.Warn("Failed to record export", "error", err)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	opts := audit.ListOptions{Limit: 50, Action: r.URL.Query().Get("action")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, badRequest("limit must be a non-negative integer"))
			return
		}
		opts.Limit = limit
	}

	entries, err := s.kb.Audit().List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.kb.Stats())
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return badRequest(fmt.Sprintf("field %s failed the %s check", fe.Field(), fe.Tag()))
		}
		return badRequest(err.Error())
	}
	return nil
}

func badRequest(msg string) error {
	return kberr.New(kberr.CodeServerRequestInvalid, msg)
}

func notFound(docID string) error {
	return kberr.Classify(kberr.ErrNotFound, kberr.CodeStoreDocumentNotFound, nil,
		"document not found", kberr.FieldDocID(docID))
}

func writeError(w http.ResponseWriter, err error) {
	status := kberr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: kberr.CodeOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("Failed to write response", "error", err)
	}
}
