package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/punypage/punypage/internal/logging"
	"github.com/punypage/punypage/internal/model"
	"github.com/punypage/punypage/internal/service"
)

type DocumentHandler struct {
	docs     *service.DocumentService
	exporter *service.Exporter
	logger   *zap.Logger
}

func NewDocumentHandler(docs *service.DocumentService, exporter *service.Exporter, logger *zap.Logger) *DocumentHandler {
	return &DocumentHandler{docs: docs, exporter: exporter, logger: logging.OrNop(logger).Named("documents")}
}

// List handles GET /api/documents?path=...&is_folder=...
func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var f model.ListFilter
	q := r.URL.Query()
	if q.Has("path") {
		p := q.Get("path")
		f.Path = &p
	}
	if q.Has("is_folder") {
		b, err := strconv.ParseBool(q.Get("is_folder"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "E_VALIDATION", "is_folder: must be a boolean")
			return
		}
		f.IsFolder = &b
	}
	docs, err := h.docs.List(r.Context(), user.UserID, f)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// Tree handles GET /api/documents/tree
func (h *DocumentHandler) Tree(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	tree, err := h.docs.Tree(r.Context(), user.UserID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tree": tree})
}

// Get handles GET /api/documents/{id}
func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	doc, err := h.docs.Get(r.Context(), user.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": doc})
}

// Create handles POST /api/documents
func (h *DocumentHandler) Create(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var in model.CreateDocumentInput
	if err := decodeBody(r, &in); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	doc, err := h.docs.Create(r.Context(), user.UserID, in)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"document": doc})
}

// Update handles PATCH /api/documents/{id}
func (h *DocumentHandler) Update(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var in model.UpdateDocumentInput
	if err := decodeBody(r, &in); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	doc, err := h.docs.Update(r.Context(), user.UserID, chi.URLParam(r, "id"), in)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": doc})
}

// Delete handles DELETE /api/documents/{id}
func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	if err := h.docs.Delete(r.Context(), user.UserID, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Export handles POST /api/documents/{id}/export
func (h *DocumentHandler) Export(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	res, err := h.exporter.Export(r.Context(), user.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
