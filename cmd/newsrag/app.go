package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/abdul-hamid-achik/newsrag/internal/cache"
	"github.com/abdul-hamid-achik/newsrag/internal/config"
	"github.com/abdul-hamid-achik/newsrag/internal/db"
	"github.com/abdul-hamid-achik/newsrag/internal/embed"
	"github.com/abdul-hamid-achik/newsrag/internal/generate"
	"github.com/abdul-hamid-achik/newsrag/internal/index"
	"github.com/abdul-hamid-achik/newsrag/internal/ingest"
	"github.com/abdul-hamid-achik/newsrag/internal/logger"
	"github.com/abdul-hamid-achik/newsrag/internal/rag"
	"github.com/abdul-hamid-achik/newsrag/internal/retry"
	"github.com/abdul-hamid-achik/newsrag/internal/search"
	"github.com/abdul-hamid-achik/newsrag/internal/tracer"
	"github.com/abdul-hamid-achik/newsrag/internal/usage"
	"github.com/abdul-hamid-achik/newsrag/internal/vecindex"
)

const answerCachePrefix = "newsrag:answer"

// app holds the components a command needs. Commands open only the parts
// they use; Close releases whatever was opened.
type app struct {
	cfg      *config.Config
	store    *db.DB
	registry *prometheus.Registry
	recorder usage.Recorder

	provider   embed.Provider
	persistent *embed.PersistentCache
	handle     *index.Handle
	builder    *index.Builder
	retriever  *search.Retriever
	service    *rag.Service
	redis      *cache.Client

	shutdownTracer func(context.Context) error
}

// openApp loads the project config, starts logging and tracing and opens
// the document store.
func openApp(ctx context.Context) (*app, error) {
	projectRoot, err := config.FindProjectRoot()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	cfg, err := config.LoadWith(projectRoot, cliViper)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose, _ := rootCmd.PersistentFlags().GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	shutdown, err := tracer.Init(ctx, tracer.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
		Enabled:     cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}

	store, err := db.Open(db.Options{
		Driver: db.Driver(cfg.Database.Driver),
		DSN:    cfg.Database.DSN,
	})
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &app{
		cfg:            cfg,
		store:          store,
		registry:       registry,
		shutdownTracer: shutdown,
	}
	if cfg.Usage.Enabled {
		a.recorder = usage.Estimating(
			usage.Multi(
				usage.NewPrometheus(registry),
				usage.NewEmissionsLog(cfg.Usage.EmissionsFile, "newsrag", cfg.Usage.Region),
			),
			usage.Estimator{PowerWatts: cfg.Usage.PowerWatts, CarbonIntensity: cfg.Usage.CarbonIntensity},
		)
	}
	return a, nil
}

// openProvider creates the embedding provider and checks that it produces
// vectors of the configured dimension.
func (a *app) openProvider(ctx context.Context) error {
	cfg := a.cfg
	provider, err := embed.New(embed.Options{
		Provider:      embed.ProviderType(cfg.Embedding.Provider),
		Model:         cfg.Embedding.Model,
		Dimensions:    cfg.Embedding.Dimensions,
		OllamaURL:     cfg.Embedding.OllamaURL,
		OpenAIAPIKey:  cfg.Embedding.OpenAIAPIKey,
		OpenAIBaseURL: cfg.Embedding.OpenAIBaseURL,
		Timeout:       cfg.EmbeddingTimeout(),
	})
	if err != nil {
		return config.NewConfigError("embedding.provider", err)
	}

	if cfg.Embedding.PersistentCache && cfg.Embedding.Provider != string(embed.ProviderHash) {
		pc, err := embed.NewPersistentCache(cfg.EmbeddingCachePath(), provider)
		if err != nil {
			logger.Warn(ctx, "persistent embedding cache disabled", "error", err)
		} else {
			a.persistent = pc
			provider = pc
		}
	}
	provider = embed.WithCache(provider, 1000)

	if err := embed.VerifyDimensions(ctx, provider, cfg.Embedding.Dimensions); err != nil {
		if errors.Is(err, embed.ErrDimensionMismatch) {
			return config.NewConfigError("embedding.dimensions", err)
		}
		return fmt.Errorf("embedding provider unavailable: %w\nMake sure the provider is running and the model '%s' is available", err, cfg.Embedding.Model)
	}

	a.provider = provider
	return nil
}

// openIndex loads the committed index into a live handle and prepares the
// builder. A corrupt artifact is returned only when strict is set; the
// index command passes false so it can replace the bad build.
func (a *app) openIndex(ctx context.Context, strict bool) error {
	if a.provider == nil {
		if err := a.openProvider(ctx); err != nil {
			return err
		}
	}

	expect := vecindex.Expect{
		Dimensions: a.cfg.Embedding.Dimensions,
		Model:      a.provider.Model(),
	}
	handle, err := index.OpenHandle(ctx, a.cfg.IndexDir(), expect)
	if err != nil {
		if strict {
			return fmt.Errorf("failed to load index: %w\nRun 'newsrag index' to rebuild it", err)
		}
		logger.Warn(ctx, "committed index unusable, it will be replaced", "error", err)
	}
	a.handle = handle

	a.builder = index.NewBuilder(a.provider, a.cfg.IndexDir(), index.BuilderConfig{
		BatchSize: a.cfg.Embedding.BatchSize,
		Workers:   a.cfg.Embedding.Workers,
	})
	a.builder.SetHandle(handle)
	a.retriever = search.NewRetriever(handle, a.store, a.provider)
	return nil
}

// openService wires the question answering path on top of the index.
func (a *app) openService(ctx context.Context) error {
	if a.handle == nil {
		if err := a.openIndex(ctx, true); err != nil {
			return err
		}
	}

	cfg := a.cfg
	backend, err := generate.New(generate.Options{
		Provider: cfg.Generation.Provider,
		Model:    cfg.Generation.Model,
		BaseURL:  cfg.Generation.BaseURL,
		APIKey:   cfg.Generation.APIKey,
		Timeout:  cfg.GenerationTimeout(),
	})
	if err != nil {
		return config.NewConfigError("generation.provider", err)
	}

	synth := rag.NewSynthesizer(backend, a.recorder, rag.SynthesizerConfig{
		Temperature: cfg.Generation.Temperature,
		MaxTokens:   cfg.Generation.MaxTokens,
	})
	a.service = rag.NewService(a.retriever, synth, rag.ServiceConfig{
		TopK:         cfg.Retrieval.TopK,
		QueryTimeout: cfg.QueryTimeout(),
	})

	if cfg.Cache.Enabled {
		answers, err := a.openCache(ctx)
		if err != nil {
			logger.Warn(ctx, "answer cache disabled", "error", err)
		} else {
			a.service.SetCache(answers)
		}
	}
	return nil
}

// openCache connects to Redis and returns the answer cache.
func (a *app) openCache(ctx context.Context) (*cache.Cache, error) {
	if a.redis == nil {
		client, err := cache.NewClient(ctx, cache.Config{
			Addr:     a.cfg.Cache.Addr,
			Password: a.cfg.Cache.Password,
			DB:       a.cfg.Cache.DB,
		})
		if err != nil {
			return nil, err
		}
		a.redis = client
	}
	return cache.NewCache(a.redis, answerCachePrefix, a.cfg.CacheTTL()), nil
}

func (a *app) fetcher() *ingest.Fetcher {
	n := a.cfg.News
	return ingest.NewFetcher(ingest.FetcherConfig{
		BaseURL:       n.BaseURL,
		APIKey:        n.APIKey,
		Language:      n.Language,
		PageSize:      n.PageSize,
		MaxPages:      n.MaxPages,
		RatePerSecond: n.RatePerSecond,
		LookbackDays:  n.LookbackDays,
		Retry:         retry.DefaultPolicy(),
	}, a.store)
}

func (a *app) summarizer(limit int) *ingest.Summarizer {
	s := a.cfg.Summarize
	backend := generate.NewOllamaBackend(generate.OllamaConfig{
		URL:     s.OllamaURL,
		Model:   s.Model,
		Timeout: a.cfg.SummarizeTimeout(),
		Retry:   retry.DefaultPolicy(),
	})
	return ingest.NewSummarizer(backend, a.store, a.recorder, ingest.SummarizerConfig{
		MinContentLength: s.MinContentLength,
		Concurrency:      s.Concurrency,
		RatePerSecond:    s.RatePerSecond,
		Limit:            limit,
	})
}

// refreshOptions selects the stages refresh runs.
type refreshOptions struct {
	Query          string
	SkipFetch      bool
	SkipSummarize  bool
	SummarizeLimit int
}

type refreshResult struct {
	Fetch     *ingest.FetchResult
	Summarize *ingest.SummarizeResult
	Index     *index.BuildResult
}

// refresh fetches new articles, summarizes them and rebuilds the index,
// stopping at the first stage that fails. The live handle serves the new
// build once it is committed.
func (a *app) refresh(ctx context.Context, opts refreshOptions) (*refreshResult, error) {
	result := &refreshResult{}

	if !opts.SkipFetch {
		query := opts.Query
		if query == "" {
			query = a.cfg.News.Query
		}
		fetched, err := a.fetcher().Fetch(ctx, query)
		if err != nil {
			return result, fmt.Errorf("fetch failed: %w", err)
		}
		result.Fetch = fetched
	}

	if !opts.SkipSummarize {
		summarized, err := a.summarizer(opts.SummarizeLimit).Run(ctx)
		if err != nil {
			return result, fmt.Errorf("summarize failed: %w", err)
		}
		result.Summarize = summarized
	}

	if a.builder == nil {
		if err := a.openIndex(ctx, false); err != nil {
			return result, err
		}
	}
	built, err := a.builder.RebuildFromStore(ctx, a.store)
	if err != nil {
		return result, fmt.Errorf("indexing failed: %w", err)
	}
	result.Index = built
	return result, nil
}

// Close releases everything the app opened.
func (a *app) Close() {
	ctx := context.Background()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Warn(ctx, "failed to close redis client", "error", err)
		}
	}
	if a.persistent != nil {
		if err := a.persistent.Close(); err != nil {
			logger.Warn(ctx, "failed to close embedding cache", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		logger.Warn(ctx, "failed to close database", "error", err)
	}
	if err := a.shutdownTracer(ctx); err != nil {
		logger.Warn(ctx, "failed to flush traces", "error", err)
	}
}
