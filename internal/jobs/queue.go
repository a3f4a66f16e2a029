package jobs

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/worldloom/ace/internal/fault"
	"github.com/worldloom/ace/internal/pipeline"
)

// Submission is an ingestion request.
type Submission struct {
	Text     string         `json:"text"`
	SourceID string         `json:"source_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Runner executes one ingestion job to a terminal result.
type Runner interface {
	Run(ctx context.Context, jobID, text, sourceID string, metadata map[string]any) pipeline.Result
}

// Config tunes the worker pool.
type Config struct {
	Workers    int
	QueueDepth int
	JobTimeout time.Duration
}

// DefaultConfig sizes the pool for a single node.
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		QueueDepth: 64,
		JobTimeout: 5 * time.Minute,
	}
}

type job struct {
	id  string
	sub Submission
}

// Queue accepts submissions and dispatches them to a bounded worker pool.
// Each job is consumed by exactly one worker.
type Queue struct {
	cfg     Config
	tracker *Tracker
	runner  Runner
	jobs    chan job
	logger  *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewQueue wires the queue. Start must be called before submissions are
// processed; submissions made before Start simply wait in the channel.
func NewQueue(cfg Config, tracker *Tracker, runner Runner, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}
	return &Queue{
		cfg:     cfg,
		tracker: tracker,
		runner:  runner,
		jobs:    make(chan job, cfg.QueueDepth),
		logger:  logger,
	}
}

// Submit validates and enqueues a job, returning its fresh id before any
// work starts. Empty text is rejected synchronously; a full queue surfaces
// as BackendUnavailable so the gateway can answer with a retry hint.
func (q *Queue) Submit(sub Submission) (string, error) {
	if strings.TrimSpace(sub.Text) == "" {
		return "", fault.New(fault.Validation, "submission text must be non-empty")
	}

	id := uuid.NewString()
	q.tracker.Create(id)

	select {
	case q.jobs <- job{id: id, sub: sub}:
		q.logger.Info("job accepted", zap.String("job_id", id))
		return id, nil
	default:
		// The caller never sees this id; keep no record for it.
		q.tracker.Delete(id)
		return "", fault.New(fault.BackendUnavailable, "ingestion queue is full, retry later")
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled or the
// queue is stopped.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		for i := 0; i < q.cfg.Workers; i++ {
			q.wg.Add(1)
			go q.worker(ctx, i)
		}
		q.logger.Info("ingestion workers started", zap.Int("workers", q.cfg.Workers))
	})
}

// Stop closes intake and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.jobs)
	})
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context, n int) {
	defer q.wg.Done()
	log := q.logger.With(zap.Int("worker", n))
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			q.process(ctx, j, log)
		}
	}
}

func (q *Queue) process(ctx context.Context, j job, log *zap.Logger) {
	q.tracker.MarkRunning(j.id)

	jobCtx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	defer cancel()

	result := q.runner.Run(jobCtx, j.id, j.sub.Text, j.sub.SourceID, j.sub.Metadata)
	q.tracker.Complete(j.id, result)
	log.Info("job finished",
		zap.String("job_id", j.id),
		zap.String("status", string(result.Status)))
}
