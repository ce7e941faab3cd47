package handler

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/punypage/punypage/internal/logging"
	"github.com/punypage/punypage/internal/model"
	"github.com/punypage/punypage/internal/rag"
)

type RAGHandler struct {
	searcher *rag.Searcher
	// ingest is nil when embeddings are not configured.
	ingest rag.Runner
	logger *zap.Logger
}

func NewRAGHandler(searcher *rag.Searcher, ingest rag.Runner, logger *zap.Logger) *RAGHandler {
	return &RAGHandler{searcher: searcher, ingest: ingest, logger: logging.OrNop(logger).Named("rag")}
}

// Search handles POST /api/v1/documents/search
func (h *RAGHandler) Search(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req rag.SearchRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	resp, err := h.searcher.Search(r.Context(), user.UserID, req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ingest handles POST /api/v1/documents/ingest and the internal trigger. It
// runs the pipeline inline and reports its counts.
func (h *RAGHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	if h.ingest == nil {
		writeServiceError(w, h.logger, &model.UnavailableError{Backend: "embeddings"})
		return
	}
	stats, err := h.ingest.Run(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Ingestion completed: %d processed, %d failed", stats.Processed, stats.Failed),
		"stats":   stats,
	})
}

// Health handles GET /api/v1/documents/health
func (h *RAGHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.searcher.Health(r.Context()); err != nil {
		h.logger.Warn("rag health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "message": err.Error()})
		return
	}
	if h.ingest == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "message": "embeddings are not configured"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "message": "RAG system operational"})
}
