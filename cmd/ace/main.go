// Command ace runs the ACE service: the ingestion pipeline, inference
// workflow, and HTTP gateway wired against the graph, vector, and LM
// backends.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/worldloom/ace/internal/cache"
	"github.com/worldloom/ace/internal/config"
	"github.com/worldloom/ace/internal/graph"
	"github.com/worldloom/ace/internal/jobs"
	"github.com/worldloom/ace/internal/llm"
	"github.com/worldloom/ace/internal/pipeline"
	"github.com/worldloom/ace/internal/prompt"
	"github.com/worldloom/ace/internal/server"
	"github.com/worldloom/ace/internal/vector"
	"github.com/worldloom/ace/internal/workflow"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config overlay")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal("load configuration", zap.Error(err))
	}
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			logger.Fatal("load config file", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Graph backend.
	graphClient, err := graph.NewClient(ctx, graph.ClientConfig{
		Address:  cfg.GraphURI,
		User:     cfg.GraphUser,
		Password: cfg.GraphPassword,
	}, logger.Named("graph"))
	if err != nil {
		logger.Fatal("connect graph backend", zap.Error(err))
	}
	defer graphClient.Close()

	// LM backend.
	lmClient := llm.New(llm.Config{
		Host:            cfg.LMHost,
		Model:           cfg.LMModel,
		EmbedModel:      cfg.LMEmbedModel,
		RequestDeadline: cfg.LMRequestDeadline,
	}, logger.Named("llm"))

	// Embedding cache, with an optional shared Redis tier.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}
	embCache, err := cache.NewEmbeddingCache(0, 0, redisClient, logger.Named("cache"))
	if err != nil {
		logger.Fatal("create embedding cache", zap.Error(err))
	}
	defer embCache.Close()

	// Vector backend.
	vecCfg := vector.DefaultConfig()
	vecCfg.URL = cfg.VectorURL
	vecCfg.EmbedModel = cfg.LMEmbedModel
	lore := vector.New(vecCfg, lmClient, embCache, logger.Named("vector"))
	if err := lore.EnsureCollection(ctx, pipeline.LoreCollection); err != nil {
		logger.Warn("lore collection not ready, semantic recall degraded", zap.Error(err))
	}

	prompts := prompt.Builtin()

	// Ingestion.
	pipe := pipeline.New(graphClient, lore, lmClient, prompts, logger.Named("pipeline"))
	tracker := jobs.NewTracker(0, cfg.JobStatusRetention)
	queueCfg := jobs.DefaultConfig()
	queueCfg.Workers = cfg.IngestionWorkers
	queue := jobs.NewQueue(queueCfg, tracker, pipe, logger.Named("jobs"))
	queue.Start(ctx)

	// Inference.
	wfCfg := workflow.DefaultConfig()
	wfCfg.MaxIterations = cfg.MaxInferenceIterations
	engine := workflow.New(wfCfg, graphClient, lore, lmClient, prompts, logger.Named("workflow"))

	// Gateway.
	gateway := server.New(queue, tracker, engine, graphClient, cfg.QueryDeadline, logger.Named("server"))
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gateway.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ace listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	queue.Stop()
	logger.Info("shutdown complete")
}
