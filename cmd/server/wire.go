package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/faultline/internal/ai"
	"github.com/kiranshivaraju/faultline/internal/analyzer"
	"github.com/kiranshivaraju/faultline/internal/api"
	"github.com/kiranshivaraju/faultline/internal/api/handler"
	mw "github.com/kiranshivaraju/faultline/internal/api/middleware"
	"github.com/kiranshivaraju/faultline/internal/cache"
	"github.com/kiranshivaraju/faultline/internal/classify"
	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/internal/crag"
	"github.com/kiranshivaraju/faultline/internal/embedding"
	"github.com/kiranshivaraju/faultline/internal/events"
	"github.com/kiranshivaraju/faultline/internal/hitl"
	"github.com/kiranshivaraju/faultline/internal/ingest"
	"github.com/kiranshivaraju/faultline/internal/keyword"
	"github.com/kiranshivaraju/faultline/internal/loki"
	"github.com/kiranshivaraju/faultline/internal/metrics"
	"github.com/kiranshivaraju/faultline/internal/react"
	"github.com/kiranshivaraju/faultline/internal/rerank"
	"github.com/kiranshivaraju/faultline/internal/retrieval"
	"github.com/kiranshivaraju/faultline/internal/routing"
	"github.com/kiranshivaraju/faultline/internal/sourcefetch"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/internal/tools"
	"github.com/kiranshivaraju/faultline/internal/vectorstore"
	"github.com/kiranshivaraju/faultline/internal/websearch"
	"github.com/kiranshivaraju/faultline/pkg/logql"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const (
	requestsPerMinute = 60
	structuredWindow  = 180 * 24 * time.Hour
	logCacheTTL       = 10 * time.Minute
)

// infra is the set of connected backing services.
type infra struct {
	store   store.Store
	cache   cache.Cache
	vectors vectorstore.Store
}

// openInfra connects to Postgres and Redis, applies migrations and opens the vector store.
// The returned func releases everything.
func openInfra(ctx context.Context, cfg *config.Config, logger *slog.Logger) (infra, func(), error) {
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return infra{}, nil, fmt.Errorf("connect database: %w", err)
	}
	logger.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		pool.Close()
		return infra{}, nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		pool.Close()
		return infra{}, nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := redisCache.Ping(ctx); err != nil {
		redisCache.Close()
		pool.Close()
		return infra{}, nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")

	closeAll := func() {
		if err := redisCache.Close(); err != nil {
			logger.Warn("closing redis failed", "error", err)
		}
		pool.Close()
	}

	pg := store.NewPostgresStore(pool)
	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		closeAll()
		return infra{}, nil, fmt.Errorf("create embedder: %w", err)
	}

	var vectors vectorstore.Store
	switch cfg.Vector.Backend {
	case "chromem":
		vectors, err = vectorstore.NewChromemStore(cfg.Vector.ChromemDir, embedder)
		if err != nil {
			closeAll()
			return infra{}, nil, err
		}
	default:
		vectors = vectorstore.NewPGVectorStore(pg, embedder)
	}
	logger.Info("vector store ready", "backend", vectors.Name(), "embedder", embedder.Name())

	return infra{store: pg, cache: redisCache, vectors: vectors}, closeAll, nil
}

// services are the wired analysis components.
type services struct {
	fusion    *retrieval.Fusion
	generator *ai.Service
	verifier  *crag.Verifier
	keywords  *keyword.Manager
	review    *hitl.Service
	ingest    *ingest.Service
	analyzer  *analyzer.Service
	publisher events.Publisher
}

func buildServices(ctx context.Context, cfg *config.Config, in infra, logger *slog.Logger) (*services, error) {
	keywords := keyword.NewManager(cfg.Keyword.IndexDir, logger)

	sources := []retrieval.Source{
		retrieval.NewVectorSource(models.SourceVectorKnowledge, vectorstore.CollectionKnowledge, in.vectors),
		retrieval.NewVectorSource(models.SourceVectorErrors, vectorstore.CollectionErrors, in.vectors),
		retrieval.NewKeywordSource(keywords),
		retrieval.NewStructuredSource(in.store, structuredWindow),
	}
	var reranker rerank.Reranker = rerank.NewLexical()
	if cfg.Rerank.URL != "" {
		reranker = rerank.NewCrossEncoder(cfg.Rerank.URL, cfg.Rerank.Timeout)
	}
	fusion := retrieval.NewFusion(sources, reranker, retrieval.Options{
		KSource:       cfg.Analysis.KSource,
		KRerank:       cfg.Analysis.KRerank,
		KFinal:        cfg.Analysis.KFinal,
		SourceTimeout: cfg.Analysis.ToolTimeout,
	}, logger)

	registry, err := buildRegistry(ctx, cfg, fusion, in.cache, logger)
	if err != nil {
		return nil, err
	}

	provider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return nil, fmt.Errorf("create AI provider: %w", err)
	}
	generator := ai.NewService(provider, cfg.AI)
	logger.Info("generator initialized", "provider", generator.Name(), "available", generator.Available())

	verifier := crag.NewVerifier(cfg.CRAG)
	loop := react.New(react.Deps{
		Classifier: classify.New(cfg.Policy),
		Policy:     routing.NewPolicy(cfg.Policy),
		Registry:   registry,
		Retriever:  fusion,
		Generator:  generator,
		Verifier:   verifier,
		Web:        websearch.New(cfg.WebSearch),
	}, react.ConfigFrom(cfg.Analysis), logger)

	publisher := events.NewRedisPublisher(in.cache, cfg.Events.Channel)
	ingestSvc := ingest.NewService(in.store, in.vectors, keywords, logger)
	review := hitl.NewService(in.store, in.cache, logger,
		hitl.WithPublisher(publisher),
		hitl.WithIndexer(ingestSvc),
		hitl.WithSLA(cfg.CRAG.HITLSLA),
		hitl.WithCacheTTL(cfg.Analysis.CacheTTL),
	)
	analyzerSvc := analyzer.NewService(analyzer.Deps{
		Store:     in.store,
		Cache:     in.cache,
		Loop:      loop,
		Review:    review,
		Indexer:   ingestSvc,
		Publisher: publisher,
	}, analyzer.OptionsFrom(cfg.Analysis), logger)

	return &services{
		fusion:    fusion,
		generator: generator,
		verifier:  verifier,
		keywords:  keywords,
		review:    review,
		ingest:    ingestSvc,
		analyzer:  analyzerSvc,
		publisher: publisher,
	}, nil
}

// buildRegistry registers one retrieval tool per source, the GitHub tools and, when Loki is
// configured, the logs tool.
func buildRegistry(ctx context.Context, cfg *config.Config, fusion *retrieval.Fusion, c cache.Cache, logger *slog.Logger) (*tools.Registry, error) {
	registry := tools.NewRegistry(cfg.Analysis.SourceFetchThreshold)
	for _, t := range tools.NewRetrievalTools(fusion, fusion.SourceNames()) {
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}

	gh, err := sourcefetch.NewGitHub(ctx, cfg.GitHub)
	if err != nil {
		return nil, err
	}
	for _, t := range []tools.Tool{tools.NewGetFileTool(gh), tools.NewGetBlameTool(gh), tools.NewSearchTool(gh)} {
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}

	if cfg.Loki.BaseURL != "" {
		client := loki.NewHTTPClient(cfg.Loki.BaseURL, cfg.Loki.Username, cfg.Loki.Password, "", cfg.Loki.Timeout)
		if err := registry.Register(tools.NewLogsTool(client, logql.QueryBuilder{}).WithCache(c, logCacheTTL)); err != nil {
			return nil, err
		}
	}
	logger.Info("tools registered", "tools", registry.Names())
	return registry, nil
}

func newRouter(in infra, svc *services) http.Handler {
	sourceChecks := map[string]handler.Check{
		models.SourceVectorKnowledge: in.vectors.Ping,
		models.SourceVectorErrors:    in.vectors.Ping,
		models.SourceKeyword:         nil,
		models.SourceStructured:      in.store.Ping,
	}
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(in.store),
		RateLimit: mw.NewRateLimit(in.cache, requestsPerMinute),

		HealthHandler: handler.NewHealthHandler(handler.HealthDeps{
			Database:    in.store.Ping,
			Cache:       in.cache.Ping,
			Retrieval:   sourceChecks,
			SourceOrder: svc.fusion.SourceNames(),
			Generator:   svc.generator.Available,
			Verifier:    func() bool { return svc.verifier != nil },
		}),
		MetricsHandler: metrics.Handler(),

		AnalyzeHandler:     handler.NewAnalyzeHandler(svc.analyzer),
		ListFailures:       handler.NewListFailuresHandler(in.store),
		GetFailure:         handler.NewGetFailureHandler(in.store),
		FeedbackHandler:    handler.NewFeedbackHandler(svc.analyzer),
		HITLQueueHandler:   handler.NewHITLQueueHandler(svc.review),
		HITLApproveHandler: handler.NewHITLApproveHandler(svc.review),
		HITLRejectHandler:  handler.NewHITLRejectHandler(svc.review),
		CacheStatsHandler:  handler.NewCacheStatsHandler(in.cache),
		IngestHandler:      handler.NewIngestFailureHandler(svc.ingest),
		KnowledgeHandler:   handler.NewKnowledgeHandler(svc.ingest),

		FlushCacheHandler:    handler.NewFlushCacheHandler(in.cache, in.store),
		ReindexHandler:       handler.NewReindexHandler(svc.ingest),
		CreateProjectHandler: handler.NewCreateProjectHandler(in.store),
		ListProjectsHandler:  handler.NewListProjectsHandler(in.store),
		CreateKeyHandler:     handler.NewCreateKeyHandler(in.store),
		RevokeKeyHandler:     handler.NewRevokeKeyHandler(in.store),
	})
}
