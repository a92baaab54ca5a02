// Command meridian wires the research engine and executes one run from
// the command line: stage events go to the log, the finished report to
// stdout. The HTTP surface lives outside this module; this binary is
// the reference composition of the engine's parts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meridian-research/meridian/internal/budget"
	"github.com/meridian-research/meridian/internal/cache"
	"github.com/meridian-research/meridian/internal/config"
	"github.com/meridian-research/meridian/internal/gap"
	"github.com/meridian-research/meridian/internal/llm"
	"github.com/meridian-research/meridian/internal/models"
	"github.com/meridian-research/meridian/internal/providers"
	"github.com/meridian-research/meridian/internal/query"
	"github.com/meridian-research/meridian/internal/ratecontrol"
	"github.com/meridian-research/meridian/internal/run"
	"github.com/meridian-research/meridian/internal/scoring"
	"github.com/meridian-research/meridian/internal/search"
	"github.com/meridian-research/meridian/internal/service"
	"github.com/meridian-research/meridian/internal/streaming"
	"github.com/meridian-research/meridian/internal/tracing"
)

func main() {
	mode := flag.String("mode", models.ModeStandard, "research mode: quick, standard, or deep")
	tier := flag.String("tier", models.TierFree, "subscription tier: free or premium")
	flag.Parse()

	queryText := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if queryText == "" {
		fmt.Fprintln(os.Stderr, "usage: meridian [-mode standard] [-tier free] <query>")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Port, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(cfg)
	if err != nil {
		logger.Fatal("Failed to open cache backend",
			zap.String("backend", cfg.Cache.Backend),
			zap.Error(err),
		)
	}
	similarity := cache.New(store, cfg.Cache, logger)
	defer similarity.Close()
	if cfg.Cache.SweepInterval > 0 {
		similarity.StartSweeper(ctx, cfg.Cache.SweepInterval)
	}

	var generator llm.Generator
	if cfg.LLM.Endpoint != "" {
		generator = llm.NewClient(cfg.LLM.Endpoint, cfg.LLM.Timeout, logger)
	}

	scorer := scoring.New(cfg.Scoring)
	registry := providers.NewDefaultRegistry(cfg, logger)
	engine := search.NewEngine(registry, scorer, cfg.Search, logger)
	controller := gap.NewController(cfg.Gap, cfg.Scoring.CredibilityFloor, scorer, logger)

	stream := streaming.Get()
	sequencer := run.NewSequencer(run.Deps{
		Processor:  query.NewProcessor(generator, logger),
		Cache:      similarity,
		Engine:     engine,
		Controller: controller,
		Verifier:   run.NewVerifier(generator, cfg.Scoring.CredibilityFloor, logger),
		Writer:     &run.LLMWriter{Generator: generator},
		Editor:     &run.LLMEditor{Generator: generator},
		Citer:      run.ReferenceCiter{},
		Publisher:  run.NopPublisher{},
		Stream:     stream,
		Logger:     logger,
	})
	resolver := budget.NewResolver(cfg.Modes, logger)
	svc := service.New(resolver, sequencer, stream, logger)

	watchConfig(cfg, similarity, registry, logger)

	runID, err := svc.StartRun(ctx, queryText, *mode, service.UserContext{Tier: *tier})
	if err != nil {
		logger.Fatal("Run rejected", zap.Error(err))
	}

	events, err := svc.StreamEvents(runID)
	if err != nil {
		logger.Fatal("Event stream unavailable", zap.Error(err))
	}
	go func() {
		<-ctx.Done()
		_ = svc.CancelRun(runID)
	}()
	for evt := range events {
		logger.Info("Stage",
			zap.String("run_id", evt.RunID),
			zap.String("stage", evt.Stage),
			zap.String("message", evt.Message),
		)
	}

	result, err := svc.WaitResult(context.Background(), runID)
	if err != nil {
		logger.Fatal("Run lost", zap.Error(err))
	}
	printResult(result)
	if result.Status == models.StatusFailed {
		os.Exit(1)
	}
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Logging.Format == "console" {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	if cfg.Logging.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = level
	}
	return zc.Build()
}

func buildStore(cfg *config.Config) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case "", "memory":
		return cache.NewMemoryStore(), nil
	case "redis":
		return cache.NewRedisStore(cfg.Cache.RedisAddr)
	case "sqlite":
		return cache.NewSQLiteStore(cfg.Cache.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

// watchConfig pushes hot-reloadable tunables into running components
// when the config file changes on disk. Best effort: without a file
// there is nothing to watch.
func watchConfig(cfg *config.Config, similarity *cache.Cache, registry *providers.Registry, logger *zap.Logger) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/meridian.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	watcher, err := config.NewWatcher(path, logger)
	if err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
		return
	}
	watcher.OnChange(func(next *config.Config) {
		similarity.SetThreshold(next.Cache.SimilarityThreshold)
		for name, rpm := range next.Providers.RateLimits {
			registry.SetRateLimit(name, rpm)
		}
		ratecontrol.Reload()
	})
	watcher.Start()
}

func serveMetrics(port int, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	logger.Info("Metrics endpoint up", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("Metrics endpoint failed", zap.Error(err))
	}
}

func printResult(result *models.RunResult) {
	fmt.Printf("status: %s\n", result.Status)
	if result.FailReason != "" {
		fmt.Printf("reason: %s\n", result.FailReason)
	}
	fmt.Printf("mode: %s  iterations: %d  sources: %d  elapsed: %s  from_cache: %t\n",
		result.Metadata.Mode,
		result.Metadata.Iterations,
		result.Metadata.SourceCount,
		result.Metadata.Elapsed.Round(time.Millisecond),
		result.Metadata.FromCache,
	)
	if result.Report != "" {
		fmt.Println()
		fmt.Println(result.Report)
	}
}
