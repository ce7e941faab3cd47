package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/punypage/punypage/internal/chat"
	"github.com/punypage/punypage/internal/config"
	"github.com/punypage/punypage/internal/handler"
	"github.com/punypage/punypage/internal/logging"
	"github.com/punypage/punypage/internal/middleware"
	"github.com/punypage/punypage/internal/observability"
	"github.com/punypage/punypage/internal/rag"
	"github.com/punypage/punypage/internal/service"
)

// Deps are the services the HTTP surface exposes. LocalAuth is set only in
// local auth mode; Ingest is nil when embeddings are not configured.
type Deps struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Validate  middleware.TokenValidator
	LocalAuth *service.AuthService
	Documents *service.DocumentService
	Exporter  *service.Exporter
	Chat      *chat.Service
	Searcher  *rag.Searcher
	Ingest    rag.Runner
}

const (
	routeChatStream = "/api/chat/stream"
	routeChatWS     = "/api/chat/ws"
)

// New builds the HTTP router.
func New(d Deps) http.Handler {
	cfg := d.Config
	logger := logging.OrNop(d.Logger)

	healthH := handler.NewHealthHandler(cfg.Environment)
	authH := handler.NewAuthHandler(d.LocalAuth, logger)
	docH := handler.NewDocumentHandler(d.Documents, d.Exporter, logger)
	limiter := middleware.NewRateLimiter(cfg.ChatRatePerMinute)
	chatH := handler.NewChatHandler(d.Chat, limiter, cfg.FrontendURL, logger, d.Metrics)
	ragH := handler.NewRAGHandler(d.Searcher, d.Ingest, logger)

	requireAuth := middleware.AuthMiddleware(d.Validate)
	requireInternal := middleware.RequireInternalSecret(cfg.InternalSecret)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Trace)
	r.Use(middleware.RequestLogger(logger.Named("http"), d.Metrics, routeChatStream, routeChatWS))
	r.Use(middleware.CORS(cfg.FrontendURL))

	// Public
	r.Get("/api/health", healthH.Health)
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	r.Get("/api/v1/documents/health", ragH.Health)
	if d.LocalAuth != nil {
		r.Post("/api/auth/register", authH.Register)
		r.Post("/api/auth/login", authH.Login)
	}

	// Authenticated
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)

		r.Post("/api/auth/logout", authH.Logout)
		r.Get("/api/auth/me", authH.Me)

		r.Get("/api/documents", docH.List)
		r.Post("/api/documents", docH.Create)
		r.Get("/api/documents/tree", docH.Tree)
		r.Get("/api/documents/{id}", docH.Get)
		r.Patch("/api/documents/{id}", docH.Update)
		r.Delete("/api/documents/{id}", docH.Delete)
		r.Post("/api/documents/{id}/export", docH.Export)

		r.With(limiter.Middleware).Get(routeChatStream, chatH.Stream)
		r.Get(routeChatWS, chatH.WebSocket)
		r.Post("/api/chat/interrupt", chatH.Interrupt)
		r.Get("/api/chat/sessions/{documentID}", chatH.Session)

		r.Post("/api/v1/documents/search", ragH.Search)
		r.Post("/api/v1/documents/ingest", ragH.Ingest)
	})

	// Internal: cron and ops tooling
	r.Group(func(r chi.Router) {
		r.Use(requireInternal)
		r.Post("/internal/rag/ingest", ragH.Ingest)
	})

	return r
}
