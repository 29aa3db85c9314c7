package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/benchlens/benchlens/internal/metrics"
	"github.com/benchlens/benchlens/internal/models"
)

// ErrQueueFull is returned when the job queue cannot accept more work.
var ErrQueueFull = errors.New("job queue full")

// ErrJobDone is returned when cancellation targets a job that already
// reached a terminal state.
var ErrJobDone = errors.New("job already finished")

// Analyzer performs the underlying analysis work for jobs. The orchestrator
// resolves a job to a list of run IDs and drives them through AnalyzeRun one
// at a time, so cancellation takes effect between runs.
type Analyzer interface {
	AnalyzeRun(ctx context.Context, runID string, req models.AnalyzeRequest) (models.AnalysisSummary, []models.AnomalyResult, error)
	RunsForPatch(ctx context.Context, patchID string) ([]string, error)
	RunsMissingAnalysis(ctx context.Context, limit int) ([]string, error)
}

// Config tunes the orchestrator's worker pool and retention.
type Config struct {
	// Workers is the number of concurrent job executors. Zero means 2.
	Workers int
	// QueueDepth is the pending-job backlog. Zero means Workers*8.
	QueueDepth int
	// Retention is how long finished jobs stay pollable. Zero means one hour.
	Retention time.Duration
	// MaxMissingRuns caps how many runs one analyze_missing job processes.
	// Zero means 25.
	MaxMissingRuns int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = c.Workers * 8
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.MaxMissingRuns <= 0 {
		c.MaxMissingRuns = 25
	}
	return c
}

type queuedJob struct {
	ID      string
	Kind    models.JobKind
	Request models.AnalyzeRequest
}

// Orchestrator accepts analysis requests, runs them on a bounded worker
// pool, and exposes their state through the store for polling. Finished jobs
// disappear after the retention window.
type Orchestrator struct {
	cfg      Config
	store    Store
	analyzer Analyzer
	logger   *slog.Logger

	queue   chan queuedJob
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewOrchestrator starts the worker pool and the retention sweeper.
func NewOrchestrator(cfg Config, store Store, analyzer Analyzer, logger *slog.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		analyzer: analyzer,
		logger:   logger,
		queue:    make(chan queuedJob, cfg.QueueDepth),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.worker()
		}()
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.sweeper()
	}()
	return o
}

// Shutdown stops accepting work, cancels running jobs at the next run
// boundary, and waits for the workers to drain.
func (o *Orchestrator) Shutdown() {
	o.cancel()
	close(o.queue)
	o.wg.Wait()
}

// Submit enqueues a new job. The kind follows from the request: a run ID
// targets one run, a patch ID fans out over the patch's runs, neither scans
// the archive for runs with no analysis yet.
func (o *Orchestrator) Submit(ctx context.Context, req models.AnalyzeRequest) (*models.Job, error) {
	kind := models.JobAnalyzeMissing
	target := ""
	switch {
	case req.RunID != "":
		kind = models.JobAnalyzeRun
		target = req.RunID
	case req.PatchID != "":
		kind = models.JobAnalyzePatch
		target = req.PatchID
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    models.JobPending,
		Message:   "queued",
		Target:    target,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	select {
	case o.queue <- queuedJob{ID: job.ID, Kind: kind, Request: req}:
	default:
		job.Status = models.JobFailed
		job.Error = ErrQueueFull.Error()
		job.UpdatedAt = time.Now().UTC()
		_ = o.store.Update(ctx, job)
		metrics.MarkJob(string(models.JobFailed))
		return nil, ErrQueueFull
	}
	return job, nil
}

// Get returns the current snapshot of a job.
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.Job, error) {
	return o.store.Get(ctx, id)
}

// Cancel flags a pending or running job for cancellation. The worker honours
// the flag at the next run boundary, so one in-flight run may still complete.
// Cancelling a terminal job returns the snapshot and ErrJobDone.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*models.Job, error) {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, ErrJobDone
	}
	job.CancelRequested = true
	job.Message = "cancellation requested"
	job.UpdatedAt = time.Now().UTC()
	if err := o.store.Update(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (o *Orchestrator) worker() {
	for queued := range o.queue {
		o.execute(queued)
	}
}

// execute runs one job to a terminal state. Panics in analysis code mark the
// job failed instead of taking down the process.
func (o *Orchestrator) execute(queued queuedJob) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("job panicked",
				slog.String("job_id", queued.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			o.finish(queued.ID, nil, fmt.Sprintf("internal error: %v", r))
		}
	}()

	ctx := o.baseCtx
	if o.cancelRequested(queued.ID) {
		o.finishCancelled(queued.ID, nil, "cancelled before start")
		return
	}
	runIDs, err := o.resolveRuns(ctx, queued)
	if err != nil {
		o.finish(queued.ID, nil, err.Error())
		return
	}

	o.transition(queued.ID, func(job *models.Job) {
		job.Status = models.JobRunning
		job.Total = len(runIDs)
		job.Message = fmt.Sprintf("analyzing %d run(s)", len(runIDs))
	})

	result := &models.JobResult{}
	var failures []string
	for i, runID := range runIDs {
		if ctx.Err() != nil {
			o.finish(queued.ID, nil, "cancelled during shutdown")
			return
		}
		if o.cancelRequested(queued.ID) {
			o.finishCancelled(queued.ID, result, fmt.Sprintf("cancelled after %d/%d run(s)", i, len(runIDs)))
			return
		}
		summary, anomalies, err := o.analyzer.AnalyzeRun(ctx, runID, queued.Request)
		if err != nil {
			o.logger.Warn("run analysis failed",
				slog.String("job_id", queued.ID),
				slog.String("run_id", runID),
				slog.Any("error", err))
			failures = append(failures, fmt.Sprintf("%s: %v", runID, err))
		} else {
			result.Summaries = append(result.Summaries, summary)
			result.Anomalies = append(result.Anomalies, anomalies...)
			result.Processed = append(result.Processed, runID)
		}
		current := i + 1
		o.transition(queued.ID, func(job *models.Job) {
			job.Current = current
			job.Message = fmt.Sprintf("analyzed %d/%d run(s)", current, len(runIDs))
		})
	}

	if len(result.Processed) == 0 && len(failures) > 0 {
		o.finish(queued.ID, nil, failures[0])
		return
	}
	msg := ""
	if len(failures) > 0 {
		msg = fmt.Sprintf("%d run(s) failed: %s", len(failures), failures[0])
	}
	o.finishWith(queued.ID, result, msg)
}

// resolveRuns expands a job into the concrete run IDs it covers.
func (o *Orchestrator) resolveRuns(ctx context.Context, queued queuedJob) ([]string, error) {
	switch queued.Kind {
	case models.JobAnalyzeRun:
		return []string{queued.Request.RunID}, nil
	case models.JobAnalyzePatch:
		runIDs, err := o.analyzer.RunsForPatch(ctx, queued.Request.PatchID)
		if err != nil {
			return nil, fmt.Errorf("list runs for patch %s: %w", queued.Request.PatchID, err)
		}
		if len(runIDs) == 0 {
			return nil, fmt.Errorf("no runs found for patch %s", queued.Request.PatchID)
		}
		return runIDs, nil
	case models.JobAnalyzeMissing:
		limit := queued.Request.MaxRuns
		if limit <= 0 || limit > o.cfg.MaxMissingRuns {
			limit = o.cfg.MaxMissingRuns
		}
		runIDs, err := o.analyzer.RunsMissingAnalysis(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("scan for unanalyzed runs: %w", err)
		}
		return runIDs, nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", queued.Kind)
	}
}

// transition applies a mutation to the stored job under the latest snapshot.
func (o *Orchestrator) transition(id string, mutate func(*models.Job)) {
	job, err := o.store.Get(context.Background(), id)
	if err != nil {
		o.logger.Warn("job vanished during update", slog.String("job_id", id), slog.Any("error", err))
		return
	}
	mutate(job)
	job.UpdatedAt = time.Now().UTC()
	if err := o.store.Update(context.Background(), job); err != nil {
		o.logger.Warn("job update failed", slog.String("job_id", id), slog.Any("error", err))
	}
}

// finish marks the job failed with the given error message.
func (o *Orchestrator) finish(id string, result *models.JobResult, errMsg string) {
	o.transition(id, func(job *models.Job) {
		job.Status = models.JobFailed
		job.Result = result
		job.Error = errMsg
	})
	metrics.MarkJob(string(models.JobFailed))
}

// cancelRequested re-reads the stored job so a flag set by Cancel on another
// goroutine or replica is visible to the worker.
func (o *Orchestrator) cancelRequested(id string) bool {
	job, err := o.store.Get(context.Background(), id)
	return err == nil && job.CancelRequested
}

// finishCancelled marks the job cancelled, keeping any runs already analyzed.
func (o *Orchestrator) finishCancelled(id string, result *models.JobResult, msg string) {
	o.transition(id, func(job *models.Job) {
		job.Status = models.JobCancelled
		job.Result = result
		job.Message = msg
	})
	metrics.MarkJob(string(models.JobCancelled))
}

// finishWith marks the job completed. A non-empty message records partial
// failures without flipping the whole job to failed.
func (o *Orchestrator) finishWith(id string, result *models.JobResult, msg string) {
	o.transition(id, func(job *models.Job) {
		job.Status = models.JobCompleted
		job.Result = result
		if msg != "" {
			job.Message = msg
		} else {
			job.Message = "completed"
		}
	})
	metrics.MarkJob(string(models.JobCompleted))
}

// sweeper deletes expired terminal jobs on a fixed cadence.
func (o *Orchestrator) sweeper() {
	interval := o.cfg.Retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.baseCtx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-o.cfg.Retention)
			removed, err := o.store.Expire(context.Background(), cutoff)
			if err != nil {
				o.logger.Warn("job expiry sweep failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				o.logger.Debug("expired finished jobs", slog.Int("removed", removed))
			}
		}
	}
}
