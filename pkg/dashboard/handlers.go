package dashboard

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/shellie/pkg/classroom"
	"github.com/vango-go/shellie/pkg/reports"
	"github.com/vango-go/shellie/pkg/safety"
)

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, typ, message, param string) {
	writeJSON(w, status, errorEnvelope{Error: apiError{Type: typ, Message: message, Param: param}})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed", "")
}

type HealthHandler struct{}

func (HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type reportsResponse struct {
	Reports []reports.Report `json:"reports"`
}

// ReportsHandler lists current reports, newest first.
type ReportsHandler struct {
	Book   *reports.Book
	Logger *slog.Logger
}

func (h ReportsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	list, err := h.Book.List(r.Context())
	if err != nil {
		h.Logger.Error("list reports", "error", err)
		writeError(w, http.StatusInternalServerError, "api_error", "failed to list reports", "")
		return
	}
	if list == nil {
		list = []reports.Report{}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, reportsResponse{Reports: list})
}

type archiveResponse struct {
	Archived int `json:"archived"`
}

// ArchiveHandler clears the current reports into the archive.
type ArchiveHandler struct {
	Book   *reports.Book
	Logger *slog.Logger
}

func (h ArchiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	n, err := h.Book.Archive(r.Context())
	if err != nil {
		h.Logger.Error("archive reports", "error", err)
		writeError(w, http.StatusBadGateway, "api_error", "failed to archive reports", "")
		return
	}
	writeJSON(w, http.StatusOK, archiveResponse{Archived: n})
}

type documentSummary struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size string `json:"size"`
}

type documentsResponse struct {
	Documents []documentSummary `json:"documents"`
}

type documentRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// DocumentsHandler lists and uploads class documents. Uploaded documents
// apply from the next session.
type DocumentsHandler struct {
	Library  *classroom.Library
	MaxBytes int64
}

func (h DocumentsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		docs := h.Library.List()
		out := make([]documentSummary, 0, len(docs))
		for _, d := range docs {
			out = append(out, documentSummary{Name: d.Name, Type: d.Type, Size: d.Size})
		}
		writeJSON(w, http.StatusOK, documentsResponse{Documents: out})
	case http.MethodPost:
		h.upload(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (h DocumentsHandler) upload(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "invalid_request_error", "content type must be application/json", "")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.MaxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "document is too large", "content")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read body", "")
		return
	}

	var req documentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body", "")
		return
	}

	doc, err := classroom.NewDocument(req.Name, req.Content)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error(), "name")
		return
	}
	h.Library.Add(doc)
	writeJSON(w, http.StatusCreated, documentSummary{Name: doc.Name, Type: doc.Type, Size: doc.Size})
}

// DocumentHandler removes one document by name.
type DocumentHandler struct {
	Library *classroom.Library
}

func (h DocumentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, http.MethodDelete)
		return
	}
	name := r.PathValue("name")
	if !h.Library.Remove(name) {
		writeError(w, http.StatusNotFound, "not_found_error", "document not found", "name")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type vocabularyResponse struct {
	Keywords           []string `json:"keywords"`
	HighSeverity       []string `json:"high_severity"`
	TerminationPhrases []string `json:"termination_phrases"`
}

type VocabularyHandler struct{}

func (VocabularyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, vocabularyResponse{
		Keywords:           safety.Keywords(),
		HighSeverity:       safety.HighSeverityKeywords(),
		TerminationPhrases: safety.TerminationPhrases(),
	})
}

type voiceInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type VoicesHandler struct{}

func (VoicesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	voices := classroom.Voices()
	out := make([]voiceInfo, 0, len(voices))
	for _, v := range voices {
		out = append(out, voiceInfo{ID: v.ID, Label: v.Label})
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": out, "default": classroom.DefaultVoice})
}
