// Package config loads ACE runtime configuration from the environment, with
// an optional YAML overlay for local development.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the core subsystems consume.
type Config struct {
	// HTTP gateway
	ListenAddr string `yaml:"listen_addr"`

	// Optional shared embedding-cache tier. Empty disables Redis.
	RedisAddr string `yaml:"redis_addr"`

	// Graph store
	GraphURI      string `yaml:"graph_uri"`
	GraphUser     string `yaml:"graph_user"`
	GraphPassword string `yaml:"graph_password"`

	// Vector store
	VectorURL string `yaml:"vector_url"`

	// Language model backend
	LMHost       string `yaml:"lm_host"`
	LMModel      string `yaml:"lm_model"`
	LMEmbedModel string `yaml:"lm_embed_model"`

	// Ingestion
	IngestionWorkers   int           `yaml:"ingestion_workers"`
	JobStatusRetention time.Duration `yaml:"job_status_retention"`

	// Inference
	QueryDeadline          time.Duration `yaml:"query_deadline"`
	LMRequestDeadline      time.Duration `yaml:"lm_request_deadline"`
	MaxInferenceIterations int           `yaml:"max_inference_iterations"`

	// Evaluation gates
	FaithfulnessThreshold float64 `yaml:"faithfulness_threshold"`
	CoverageThreshold     float64 `yaml:"coverage_threshold"`
}

// Default returns the baseline configuration before environment overrides.
func Default() Config {
	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}
	return Config{
		ListenAddr:             ":8080",
		GraphURI:               "localhost:9080",
		VectorURL:              "http://localhost:6333",
		LMHost:                 "http://localhost:11434",
		LMModel:                "llama3.2",
		LMEmbedModel:           "nomic-embed-text",
		IngestionWorkers:       workers,
		JobStatusRetention:     time.Hour,
		QueryDeadline:          60 * time.Second,
		LMRequestDeadline:      45 * time.Second,
		MaxInferenceIterations: 3,
		FaithfulnessThreshold:  0.97,
		CoverageThreshold:      0.80,
	}
}

// FromEnv builds a Config from defaults plus the enumerated environment
// inputs. Unset variables keep their defaults.
func FromEnv() (Config, error) {
	cfg := Default()

	cfg.ListenAddr = envOr("LISTEN_ADDR", cfg.ListenAddr)
	cfg.RedisAddr = envOr("REDIS_ADDR", cfg.RedisAddr)
	cfg.GraphURI = envOr("GRAPH_URI", cfg.GraphURI)
	cfg.GraphUser = envOr("GRAPH_USER", cfg.GraphUser)
	cfg.GraphPassword = envOr("GRAPH_PASSWORD", cfg.GraphPassword)
	cfg.VectorURL = envOr("VECTOR_URL", cfg.VectorURL)
	cfg.LMHost = envOr("LM_HOST", cfg.LMHost)
	cfg.LMModel = envOr("LM_MODEL", cfg.LMModel)
	cfg.LMEmbedModel = envOr("LM_EMBED_MODEL", cfg.LMEmbedModel)

	var err error
	if cfg.IngestionWorkers, err = envInt("INGESTION_WORKERS", cfg.IngestionWorkers); err != nil {
		return cfg, err
	}
	if cfg.JobStatusRetention, err = envDuration("JOB_STATUS_RETENTION", cfg.JobStatusRetention); err != nil {
		return cfg, err
	}
	if cfg.QueryDeadline, err = envDuration("QUERY_DEADLINE", cfg.QueryDeadline); err != nil {
		return cfg, err
	}
	if cfg.LMRequestDeadline, err = envDuration("LM_REQUEST_DEADLINE", cfg.LMRequestDeadline); err != nil {
		return cfg, err
	}
	if cfg.MaxInferenceIterations, err = envInt("MAX_INFERENCE_ITERATIONS", cfg.MaxInferenceIterations); err != nil {
		return cfg, err
	}
	if cfg.FaithfulnessThreshold, err = envFloat("FAITHFULNESS_THRESHOLD", cfg.FaithfulnessThreshold); err != nil {
		return cfg, err
	}
	if cfg.CoverageThreshold, err = envFloat("COVERAGE_THRESHOLD", cfg.CoverageThreshold); err != nil {
		return cfg, err
	}

	return cfg, cfg.validate()
}

// LoadFile overlays values from a YAML file onto cfg. Zero values in the
// file leave the existing setting untouched because the decode target is
// the config itself.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return c.validate()
}

func (c *Config) validate() error {
	if c.IngestionWorkers < 1 {
		return fmt.Errorf("ingestion workers must be >= 1, got %d", c.IngestionWorkers)
	}
	if c.JobStatusRetention < time.Hour {
		return fmt.Errorf("job status retention must be >= 1h, got %s", c.JobStatusRetention)
	}
	if c.MaxInferenceIterations < 1 {
		return fmt.Errorf("max inference iterations must be >= 1, got %d", c.MaxInferenceIterations)
	}
	if c.FaithfulnessThreshold <= 0 || c.FaithfulnessThreshold > 1 {
		return fmt.Errorf("faithfulness threshold must be in (0,1], got %f", c.FaithfulnessThreshold)
	}
	if c.CoverageThreshold <= 0 || c.CoverageThreshold > 1 {
		return fmt.Errorf("coverage threshold must be in (0,1], got %f", c.CoverageThreshold)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
