package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/docsearch/internal/config"
	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
	"github.com/kirillkom/docsearch/internal/core/usecase"
	"github.com/kirillkom/docsearch/internal/infrastructure/chunking"
	"github.com/kirillkom/docsearch/internal/infrastructure/embedding/tfidf"
	"github.com/kirillkom/docsearch/internal/infrastructure/extractor"
	"github.com/kirillkom/docsearch/internal/infrastructure/index"
	"github.com/kirillkom/docsearch/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/docsearch/internal/infrastructure/llm/openai"
	"github.com/kirillkom/docsearch/internal/infrastructure/queue/nats"
	"github.com/kirillkom/docsearch/internal/infrastructure/repository/memory"
	"github.com/kirillkom/docsearch/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/docsearch/internal/infrastructure/resilience"
	"github.com/kirillkom/docsearch/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/docsearch/internal/observability/metrics"
)

const (
	serviceName       = "docsearch"
	embedProbeTimeout = 5 * time.Second
	uploadTimeout     = 5 * time.Minute
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	HTTPMetrics   *metrics.HTTPServerMetrics
	EngineMetrics *metrics.EngineMetrics

	Index       *index.Store
	IndexUC     *usecase.IndexUseCase
	Retriever   *usecase.RetrieveUseCase
	Synthesizer *usecase.Synthesizer
	Upload      *usecase.UploadUseCase
	// AsyncUpload is nil unless INGEST_ASYNC is set.
	AsyncUpload *usecase.AsyncUploadUseCase
	Sessions    ports.SessionMemory
	Usage       ports.UsageRecorder

	queue         *nats.Queue
	ingestMetrics *metrics.IngestMetrics
	closeFn       func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpMetrics := metrics.NewHTTPServerMetrics(serviceName)
	engineMetrics := metrics.NewEngineMetrics(serviceName, httpMetrics.Registry())
	ingestMetrics := metrics.NewIngestMetrics(serviceName, httpMetrics.Registry())

	embedCfg := resilience.DefaultConfig()
	embedCfg.OnStateChange = engineMetrics.ObserveBreaker
	embedCfg.Logger = logger
	chatCfg := resilience.SingleAttempt()
	chatCfg.OnStateChange = engineMetrics.ObserveBreaker
	chatCfg.Logger = logger

	llmTimeout := time.Duration(cfg.LLMTimeoutSeconds) * time.Second
	ollamaClient := ollama.New(cfg.OllamaURL, llmTimeout)
	provider := selectProvider(ctx, cfg, ollamaClient, resilience.NewExecutor(embedCfg), logger)

	store, err := index.Open(ctx, provider, index.Options{
		Dir:         cfg.IndexPath,
		MaxK:        cfg.RAGMaxK,
		AutoRebuild: cfg.IndexAutoRebuild,
		Logger:      logger,
		Observer:    engineMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	var closers []func()
	closers = append(closers, func() {
		if err := store.Close(); err != nil {
			logger.Error("index_close_failed", "error", err)
		}
	})
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	chat := newChatModel(cfg, ollamaClient, resilience.NewExecutor(chatCfg))

	indexUC := usecase.NewIndexUseCase(store, logger)
	retriever := usecase.NewRetrieveUseCase(store, cfg.RAGTopK)
	synthesizer := usecase.NewSynthesizer(retriever, chat, usecase.SynthesizerConfig{
		DefaultK:        cfg.RAGTopK,
		PerChunkChars:   cfg.ContextCharsPerChunk,
		MaxContextChars: cfg.ContextMaxChars,
		Persona:         cfg.Persona,
		MaxTokens:       cfg.MaxOutputTokens,
		StreamMaxTokens: cfg.StreamMaxTokens(),
	},
		usecase.WithSynthesisObserver(engineMetrics),
		usecase.WithLogger(logger),
	)
	uploadUC := usecase.NewUploadUseCase(extractor.NewDispatcher(), newChunker, indexUC, cfg.ChunkSize, cfg.ChunkOverlap)

	sessions, usage, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		closeAll()
		return nil, err
	}
	if closeStores != nil {
		closers = append(closers, closeStores)
	}

	app := &App{
		Config:        cfg,
		Logger:        logger,
		HTTPMetrics:   httpMetrics,
		EngineMetrics: engineMetrics,
		Index:         store,
		IndexUC:       indexUC,
		Retriever:     retriever,
		Synthesizer:   synthesizer,
		Upload:        uploadUC,
		Sessions:      sessions,
		Usage:         usage,
		ingestMetrics: ingestMetrics,
	}

	if cfg.IngestAsync {
		storage, err := localfs.New(cfg.StoragePath)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("init object storage: %w", err)
		}
		queueCfg := resilience.DefaultConfig()
		queueCfg.OnStateChange = engineMetrics.ObserveBreaker
		queueCfg.Logger = logger
		queue, err := nats.New(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			ResilienceExecutor: resilience.NewExecutor(queueCfg),
			Logger:             logger,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("init upload queue: %w", err)
		}
		closers = append(closers, queue.Close)
		app.queue = queue
		app.AsyncUpload = usecase.NewAsyncUploadUseCase(storage, queue, uploadUC, logger)
	}

	app.closeFn = closeAll
	logger.Info("engine_ready",
		"mode", store.State().Mode,
		"model", store.State().ModelIdentity,
		"chunks", store.State().ChunkCount,
		"llm_provider", cfg.LLMProvider,
		"llm_model", chat.DefaultModel(),
		"ingest_async", cfg.IngestAsync,
	)
	return app, nil
}

// selectProvider prefers the dense Ollama embedder and falls back to the
// sparse TF-IDF vectorizer when fast mode is on or the model is unreachable.
func selectProvider(ctx context.Context, cfg config.Config, client *ollama.Client, exec *resilience.Executor, logger *slog.Logger) ports.EmbeddingProvider {
	if cfg.RAGFast {
		logger.Info("embedding_provider_selected", "mode", domain.ModeSparse, "reason", "fast mode")
		return tfidf.New()
	}
	embedder := ollama.NewEmbedder(client, cfg.EmbedModel, exec)
	probeCtx, cancel := context.WithTimeout(ctx, embedProbeTimeout)
	defer cancel()
	if err := embedder.Probe(probeCtx); err != nil {
		logger.Warn("embedding_provider_selected", "mode", domain.ModeSparse, "reason", "dense probe failed", "error", err)
		return tfidf.New()
	}
	logger.Info("embedding_provider_selected", "mode", domain.ModeDense, "model", embedder.Identity())
	return embedder
}

// ChatModel builds only the configured chat provider, for tools that probe
// the LLM without opening the index.
func ChatModel(cfg config.Config) ports.ChatModel {
	client := ollama.New(cfg.OllamaURL, time.Duration(cfg.LLMTimeoutSeconds)*time.Second)
	return newChatModel(cfg, client, resilience.NewExecutor(resilience.SingleAttempt()))
}

func newChatModel(cfg config.Config, client *ollama.Client, exec *resilience.Executor) ports.ChatModel {
	if cfg.LLMProvider == config.LLMProviderOllama {
		return ollama.NewChat(client, cfg.OllamaChatModel, exec)
	}
	return openai.New(openai.Config{
		APIKey:            cfg.OpenAIAPIKey,
		BaseURL:           cfg.OpenAIBaseURL,
		Model:             cfg.OpenAIModel,
		Organization:      cfg.OpenAIOrganization,
		Project:           cfg.OpenAIProject,
		Timeout:           time.Duration(cfg.LLMTimeoutSeconds) * time.Second,
		RequestsPerSecond: cfg.OpenAIRequestsPerSecond,
	}, exec)
}

func newChunker(size, overlap int) (ports.Chunker, error) {
	splitter, err := chunking.NewSplitter(size, overlap)
	if err != nil {
		return nil, err
	}
	return splitter, nil
}

// openStores backs session memory and usage counters with one Postgres
// pool when a DSN is configured and with process memory otherwise.
func openStores(ctx context.Context, cfg config.Config) (ports.SessionMemory, ports.UsageRecorder, func(), error) {
	if cfg.PostgresDSN == "" {
		return memory.NewSessionStore(cfg.SessionPairs), memory.NewUsageStore(), nil, nil
	}
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return postgres.NewSessionRepository(db), postgres.NewUsageRepository(db), closeDB(db), nil
}

func closeDB(db *sql.DB) func() {
	return func() { _ = db.Close() }
}

// Warmup runs one retrieval so the first user query does not pay for lazy
// model loading. Failures are logged only.
func (a *App) Warmup(ctx context.Context) {
	if !a.Config.WarmupEnabled || a.Index.State().ChunkCount == 0 {
		return
	}
	started := time.Now()
	if _, err := a.Retriever.Retrieve(ctx, "warmup", 1); err != nil {
		a.Logger.Warn("warmup_failed", "error", err)
		return
	}
	a.Logger.Info("warmup_done", "duration_ms", time.Since(started).Milliseconds())
}

// RunIngestWorker consumes queued uploads until ctx is done.
func (a *App) RunIngestWorker(ctx context.Context) error {
	if a.AsyncUpload == nil || a.queue == nil {
		return errors.New("async ingestion is not enabled")
	}
	a.Logger.Info("ingest_worker_subscribed", "subject", a.Config.NATSSubject)
	return a.queue.SubscribeUploaded(ctx, a.handleUpload)
}

func (a *App) handleUpload(ctx context.Context, event ports.UploadEvent) error {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()
	a.ingestMetrics.StartUpload()
	started := time.Now()
	err := a.AsyncUpload.Handle(ctx, event)
	a.ingestMetrics.FinishUpload(time.Since(started), err)
	return err
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
