// Package jobs provides asynchronous ingestion: a bounded worker pool
// consuming submitted jobs and an in-memory tracker retaining job status for
// a bounded window after completion.
package jobs

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/worldloom/ace/internal/fault"
	"github.com/worldloom/ace/internal/pipeline"
)

// Status is the tracker-visible lifecycle of a job. Transitions are
// monotonic: pending, running, then exactly one terminal status.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
)

// statusRank orders the lifecycle; a transition may never lower the rank.
func statusRank(s Status) int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	default:
		return 2
	}
}

// Record is a snapshot of one job's progress. Returned by value so readers
// never observe a worker mid-mutation.
type Record struct {
	JobID       string          `json:"job_id"`
	Status      Status          `json:"status"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
	Result      pipeline.Result `json:"result"`
}

// Tracker stores job records with TTL-bounded retention. Completed jobs stay
// queryable for the retention window and then age out.
type Tracker struct {
	mu      sync.Mutex
	records *expirable.LRU[string, Record]
}

// NewTracker builds a tracker. retention is how long a record outlives its
// last update; maxRecords bounds memory under sustained load.
func NewTracker(maxRecords int, retention time.Duration) *Tracker {
	if maxRecords <= 0 {
		maxRecords = 10000
	}
	if retention < time.Hour {
		retention = time.Hour
	}
	return &Tracker{
		records: expirable.NewLRU[string, Record](maxRecords, nil, retention),
	}
}

// Create registers a new pending job.
func (t *Tracker) Create(jobID string) Record {
	rec := Record{
		JobID:       jobID,
		Status:      StatusPending,
		SubmittedAt: time.Now().UTC(),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records.Add(jobID, rec)
	return rec
}

// Delete drops a record. Used for submissions that never made it into the
// queue, so rejected requests leave no phantom failed jobs behind.
func (t *Tracker) Delete(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records.Remove(jobID)
}

// Get returns the record snapshot, or a not-found fault after the retention
// window (or for ids never submitted).
func (t *Tracker) Get(jobID string) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records.Get(jobID)
	if !ok {
		return Record{}, fault.Errorf(fault.Validation, "job %s not found", jobID)
	}
	return rec, nil
}

// MarkRunning transitions a pending job to running.
func (t *Tracker) MarkRunning(jobID string) {
	t.transition(jobID, StatusRunning, func(rec *Record) {
		rec.StartedAt = time.Now().UTC()
	})
}

// Complete records the terminal result. The pipeline status string doubles
// as the tracker's terminal status.
func (t *Tracker) Complete(jobID string, result pipeline.Result) {
	t.transition(jobID, Status(result.Status), func(rec *Record) {
		rec.FinishedAt = time.Now().UTC()
		rec.Result = result
	})
}

func (t *Tracker) transition(jobID string, next Status, mutate func(*Record)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records.Get(jobID)
	if !ok {
		return
	}
	if statusRank(next) < statusRank(rec.Status) {
		// A regressed transition is a programming error; drop it rather
		// than corrupt the record.
		return
	}
	rec.Status = next
	mutate(&rec)
	t.records.Add(jobID, rec)
}
