// Command evalgate runs a golden regression dataset against a live ACE
// deployment's dependencies and exits nonzero unless the report recommends
// PASS, so CI can gate on answer quality.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/worldloom/ace/internal/cache"
	"github.com/worldloom/ace/internal/config"
	"github.com/worldloom/ace/internal/eval"
	"github.com/worldloom/ace/internal/graph"
	"github.com/worldloom/ace/internal/jsonx"
	"github.com/worldloom/ace/internal/llm"
	"github.com/worldloom/ace/internal/prompt"
	"github.com/worldloom/ace/internal/vector"
	"github.com/worldloom/ace/internal/workflow"
)

func main() {
	datasetPath := flag.String("dataset", "golden.json", "path to the golden dataset")
	reportPath := flag.String("report", "", "optional path for the JSON report")
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

	ds, err := eval.LoadDataset(*datasetPath)
	if err != nil {
		logger.Fatal("load dataset", zap.Error(err))
	}

	ctx := context.Background()

	graphClient, err := graph.NewClient(ctx, graph.ClientConfig{
		Address:  cfg.GraphURI,
		User:     cfg.GraphUser,
		Password: cfg.GraphPassword,
	}, logger.Named("graph"))
	if err != nil {
		logger.Fatal("connect graph backend", zap.Error(err))
	}
	defer graphClient.Close()

	lmClient := llm.New(llm.Config{
		Host:            cfg.LMHost,
		Model:           cfg.LMModel,
		EmbedModel:      cfg.LMEmbedModel,
		RequestDeadline: cfg.LMRequestDeadline,
	}, logger.Named("llm"))

	embCache, err := cache.NewEmbeddingCache(0, 0, nil, logger.Named("cache"))
	if err != nil {
		logger.Fatal("create embedding cache", zap.Error(err))
	}
	defer embCache.Close()

	vecCfg := vector.DefaultConfig()
	vecCfg.URL = cfg.VectorURL
	vecCfg.EmbedModel = cfg.LMEmbedModel
	lore := vector.New(vecCfg, lmClient, embCache, logger.Named("vector"))

	prompts := prompt.Builtin()

	wfCfg := workflow.DefaultConfig()
	wfCfg.MaxIterations = cfg.MaxInferenceIterations
	engine := workflow.New(wfCfg, graphClient, lore, lmClient, prompts, logger.Named("workflow"))

	scorer := eval.NewScorer(lmClient, lmClient, prompts, logger.Named("scorer"))
	runner := eval.NewRunner(engine, scorer, eval.Thresholds{
		Faithfulness: cfg.FaithfulnessThreshold,
		Coverage:     cfg.CoverageThreshold,
	}, logger.Named("runner"))

	report, err := runner.Run(ctx, ds)
	if err != nil {
		logger.Fatal("regression run failed", zap.Error(err))
	}

	printSummary(report)
	if *reportPath != "" {
		data, err := jsonx.MarshalIndent(report, "", "  ")
		if err != nil {
			logger.Fatal("encode report", zap.Error(err))
		}
		if err := os.WriteFile(*reportPath, data, 0o644); err != nil {
			logger.Fatal("write report", zap.Error(err))
		}
	}

	if report.Recommendation != eval.RecommendPass {
		os.Exit(1)
	}
}

func printSummary(r eval.Report) {
	fmt.Printf("dataset %s: %d cases, %d passed, %d failed\n",
		r.DatasetVersion, r.Total, r.Passed, r.Failed)
	fmt.Printf("avg faithfulness %.3f, avg coverage %.3f\n", r.AvgFaithfulness, r.AvgCoverage)
	for _, c := range r.Cases {
		mark := "PASS"
		if !c.Passed {
			mark = "FAIL"
		}
		fmt.Printf("  [%s] %s faith=%.3f cov=%.3f iters=%d\n",
			mark, c.ID, c.Faithfulness, c.Coverage, c.Iterations)
		for _, f := range c.Failures {
			fmt.Printf("         - %s\n", f)
		}
	}
	fmt.Printf("recommendation: %s\n", r.Recommendation)
}
