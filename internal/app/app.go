// Package app wires configuration into the running services. It is the only
// place that decides which optional backends are in use.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/punypage/punypage/internal/agent"
	"github.com/punypage/punypage/internal/chat"
	"github.com/punypage/punypage/internal/config"
	"github.com/punypage/punypage/internal/db"
	"github.com/punypage/punypage/internal/logging"
	"github.com/punypage/punypage/internal/middleware"
	"github.com/punypage/punypage/internal/observability"
	"github.com/punypage/punypage/internal/rag"
	"github.com/punypage/punypage/internal/router"
	"github.com/punypage/punypage/internal/service"
)

const (
	shutdownTimeout    = 10 * time.Second
	tokenPurgeInterval = time.Hour
	backendPingTimeout = 5 * time.Second
)

type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	DB        *db.DB
	Metrics   *observability.Metrics
	Documents *service.DocumentService
	Tools     *agent.Registry
	Chat      *chat.Service
	// Pipeline is nil when embeddings are not configured.
	Pipeline *rag.Pipeline
	Handler  http.Handler

	localAuth *service.AuthService
	redis     *redis.Client
}

// Build opens the database, applies migrations and assembles every service.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	database, err := db.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.Migrate(database, logger); err != nil {
		database.Close()
		return nil, fmt.Errorf("db migrate: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, DB: database}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = observability.NewMetrics(reg)

	if cfg.RedisURL != "" {
		client, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, using in-process caches", zap.Error(err))
		} else {
			a.redis = client
		}
	}

	a.Documents = service.NewDocumentService(a.DB, logger)

	validate, err := a.authValidator()
	if err != nil {
		return err
	}

	store, err := a.vectorStore(ctx)
	if err != nil {
		return err
	}
	a.Documents.SetChunkStore(store)
	var embedder rag.Embedder
	if e := rag.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIEmbeddingModel); e != nil {
		embedder = e
	}
	searcher := rag.NewSearcher(store, embedder, logger)
	var ingest rag.Runner
	var toolSearch agent.DocumentSearcher
	if embedder != nil {
		a.Pipeline = rag.NewPipeline(a.Documents, store, embedder, rag.NewTokenCounter(logger),
			cfg.RAGIngestConcurrency, logger, a.Metrics)
		ingest = a.Pipeline
		toolSearch = searcher
	} else {
		logger.Warn("OPENAI_API_KEY not set; semantic search and ingestion are disabled")
	}

	a.Tools = agent.NewRegistry()
	if err := agent.RegisterDocumentTools(a.Tools, a.Documents, toolSearch); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	var transcripts agent.TranscriptStore = agent.NewMemoryTranscripts()
	var ctxCache chat.ContextCache = chat.NewMemoryContextCache()
	if a.redis != nil {
		transcripts = agent.NewRedisTranscripts(a.redis)
		ctxCache = chat.NewRedisContextCache(a.redis)
	}
	runner := agent.NewRunner(agent.RunnerConfig{
		APIKey:   cfg.OpenAIAPIKey,
		BaseURL:  cfg.OpenAIBaseURL,
		Model:    cfg.OpenAIChatModel,
		MaxTurns: cfg.AgentMaxTurns,
	}, a.Tools, transcripts, logger, a.Metrics)

	a.Chat = chat.NewService(chat.Deps{
		Store:   service.NewChatStore(a.DB),
		Docs:    a.Documents,
		Runner:  runner,
		Cache:   ctxCache,
		Logger:  logger,
		Metrics: a.Metrics,
	})

	exporter, err := a.exporter(ctx)
	if err != nil {
		return err
	}

	a.Handler = router.New(router.Deps{
		Config:    cfg,
		Logger:    logger,
		Metrics:   a.Metrics,
		Validate:  validate,
		LocalAuth: a.localAuth,
		Documents: a.Documents,
		Exporter:  exporter,
		Chat:      a.Chat,
		Searcher:  searcher,
		Ingest:    ingest,
	})
	return nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, backendPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (a *App) authValidator() (middleware.TokenValidator, error) {
	cfg := a.Config
	switch cfg.AuthMode {
	case config.AuthModeLocal:
		a.localAuth = service.NewAuthService(a.DB, cfg.TokenExpiryHours)
		return a.localAuth.ValidateToken, nil
	case config.AuthModeSupabase:
		return service.NewSupabaseAuth(cfg.SupabaseURL, cfg.SupabaseAnonKey, cfg.SupabaseJWTSecret).ValidateToken, nil
	}
	return nil, fmt.Errorf("unsupported auth mode: %s", cfg.AuthMode)
}

func (a *App) vectorStore(ctx context.Context) (rag.VectorStore, error) {
	cfg := a.Config
	if cfg.VectorStore != "weaviate" {
		return rag.NewSQLStore(a.DB), nil
	}
	store, err := rag.NewWeaviateStore(cfg.WeaviateScheme, cfg.WeaviateHost, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("weaviate: %w", err)
	}
	schemaCtx, cancel := context.WithTimeout(ctx, backendPingTimeout)
	defer cancel()
	if err := store.EnsureSchema(schemaCtx); err != nil {
		// The health endpoint reports the store until it comes up.
		a.Logger.Warn("weaviate schema not ensured", zap.Error(err))
	}
	return store, nil
}

func (a *App) exporter(ctx context.Context) (*service.Exporter, error) {
	cfg := a.Config
	client, err := service.NewMinioClient(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return service.NewExporter(a.Documents, nil, cfg.S3Bucket, a.Logger), nil
	}
	bucketCtx, cancel := context.WithTimeout(ctx, backendPingTimeout)
	defer cancel()
	if err := service.EnsureBucket(bucketCtx, client, cfg.S3Bucket); err != nil {
		a.Logger.Warn("export bucket not ensured", zap.String("bucket", cfg.S3Bucket), zap.Error(err))
	}
	return service.NewExporter(a.Documents, client, cfg.S3Bucket, a.Logger), nil
}

// Serve runs the HTTP server and the background jobs until ctx is cancelled,
// then shuts everything down gracefully.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Config.Addr(),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // SSE streams and sockets stay open
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("punypage listening",
			zap.String("addr", srv.Addr),
			zap.String("db_driver", a.Config.DBDriver),
			zap.String("auth_mode", a.Config.AuthMode),
			zap.String("vector_store", a.Config.VectorStore))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	if a.Pipeline != nil && a.Config.RAGSchedulerEnabled {
		scheduler := rag.NewScheduler(a.Pipeline, a.Config.RAGIngestInterval, a.Logger)
		g.Go(func() error {
			scheduler.Start(gctx)
			return nil
		})
	}
	if a.localAuth != nil {
		g.Go(func() error {
			a.purgeTokens(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			a.Logger.Warn("http shutdown", zap.Error(err))
		}
		if err := a.Chat.Shutdown(shutCtx); err != nil {
			a.Logger.Warn("chat shutdown", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

func (a *App) purgeTokens(ctx context.Context) {
	ticker := time.NewTicker(tokenPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.localAuth.PurgeExpiredTokens(ctx)
			if err != nil {
				a.Logger.Warn("purge expired tokens", zap.Error(err))
				continue
			}
			if n > 0 {
				a.Logger.Info("purged expired tokens", zap.Int64("count", n))
			}
		}
	}
}

func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}
