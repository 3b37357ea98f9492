package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"posreports/internal/analytics"
	"posreports/internal/automation"
	"posreports/internal/joblog"
	"posreports/internal/metrics"
	"posreports/internal/model"
	"posreports/internal/workflow"
	"posreports/internal/workspace"
)

var (
	ErrQueueFull    = errors.New("job queue is full")
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// SubmitRequest describes one job: every account runs the same reports.
type SubmitRequest struct {
	JobID    string
	Accounts []model.Account
	Reports  []model.Report
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Registry   *Registry
	Runner     *workflow.Runner
	Driver     automation.Driver
	Workspaces *workspace.Root
	LogsDir    string
	Sink       analytics.Sink
	Logger     *slog.Logger
}

type Options struct {
	MaxConcurrentJobs int
	QueueSize         int
	Retention         RetentionOptions
}

type task struct {
	id  string
	req SubmitRequest
}

// Orchestrator accepts jobs and runs them on a bounded pool of
// goroutines. Accounts and reports within a job run sequentially.
type Orchestrator struct {
	deps  Deps
	opts  Options
	queue chan task
	newID func() string

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if deps.Sink == nil {
		deps.Sink = analytics.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		deps:  deps,
		opts:  opts,
		queue: make(chan task, opts.QueueSize),
		newID: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// Registry exposes the job registry for read access.
func (o *Orchestrator) Registry() *Registry { return o.deps.Registry }

func (o *Orchestrator) prepare(req SubmitRequest) (string, Record, error) {
	if err := Validate(req.Accounts, req.Reports); err != nil {
		return "", Record{}, err
	}
	if err := o.deps.Driver.Check(); err != nil {
		return "", Record{}, err
	}
	id := req.JobID
	if id == "" {
		id = o.newID()
	}
	if _, err := o.deps.Registry.Create(id, req.Accounts[0].ID, "Download job created and queued"); err != nil {
		return "", Record{}, err
	}
	_ = o.deps.Registry.SetProgress(id, map[string]string{"stage": "pending", "details": "Job queued for execution"})
	metrics.RecordJob(string(StatusPending))
	rec, err := o.deps.Registry.Get(id)
	return id, rec, err
}

// Submit validates req, registers a pending job and queues it. It
// returns as soon as the job is queued.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (Record, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return Record{}, ErrShuttingDown
	}

	id, rec, err := o.prepare(req)
	if err != nil {
		return Record{}, err
	}

	o.wg.Add(1)
	select {
	case o.queue <- task{id: id, req: req}:
	default:
		o.wg.Done()
		o.fail(id, "Job rejected", ErrQueueFull)
		return Record{}, ErrQueueFull
	}
	o.deps.Logger.Info("job_queued", "job_id", id, "accounts", len(req.Accounts), "reports", len(req.Reports))
	return rec, nil
}

// Run validates req and executes the job on the calling goroutine.
func (o *Orchestrator) Run(ctx context.Context, req SubmitRequest) (Record, error) {
	id, _, err := o.prepare(req)
	if err != nil {
		return Record{}, err
	}
	o.execute(ctx, id, req)
	return o.deps.Registry.Get(id)
}

// Start launches the dispatch loop. Queued jobs run until ctx is
// cancelled; jobs still queued at that point are failed.
func (o *Orchestrator) Start(ctx context.Context) {
	go o.loop(ctx)
}

func (o *Orchestrator) loop(ctx context.Context) {
	sem := make(chan struct{}, o.opts.MaxConcurrentJobs)

	var (
		cleanup  <-chan time.Time
		schedule cron.Schedule
		timer    *time.Timer
	)
	if o.opts.Retention.Enabled {
		var err error
		if schedule, err = ParseSchedule(o.opts.Retention.Schedule); err != nil {
			o.deps.Logger.Error("retention_schedule_invalid", "schedule", o.opts.Retention.Schedule, "error", err)
		} else {
			timer = time.NewTimer(time.Until(schedule.Next(time.Now())))
			defer timer.Stop()
			cleanup = timer.C
		}
	}

	for {
		select {
		case <-ctx.Done():
			o.drain()
			return
		case <-cleanup:
			o.CleanupExpired(ctx)
			timer.Reset(time.Until(schedule.Next(time.Now())))
		case t := <-o.queue:
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				o.fail(t.id, "Job cancelled", ctx.Err())
				o.wg.Done()
				o.drain()
				return
			}
			go func() {
				defer o.wg.Done()
				defer func() { <-sem }()
				o.execute(ctx, t.id, t.req)
			}()
		}
	}
}

func (o *Orchestrator) drain() {
	for {
		select {
		case t := <-o.queue:
			o.fail(t.id, "Job cancelled", ErrShuttingDown)
			o.wg.Done()
		default:
			return
		}
	}
}

// Shutdown stops accepting jobs and waits for queued and running jobs
// to finish or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) fail(id, message string, err error) {
	if _, terr := o.deps.Registry.Transition(id, StatusFailed, message, err.Error()); terr != nil {
		o.deps.Logger.Error("job_transition_failed", "job_id", id, "error", terr)
		return
	}
	metrics.RecordJob(string(StatusFailed))
}

// execute runs every account of a job and records the final status.
func (o *Orchestrator) execute(ctx context.Context, id string, req SubmitRequest) {
	logger := o.deps.Logger.With("job_id", id)
	start := time.Now()

	if _, err := o.deps.Registry.Transition(id, StatusRunning, "Job started", ""); err != nil {
		logger.Error("job_transition_failed", "error", err)
		return
	}
	metrics.RecordJob(string(StatusRunning))

	dir, err := o.deps.Workspaces.Create(id)
	if err != nil {
		o.fail(id, "Job failed", err)
		return
	}
	jl, err := joblog.New(o.deps.LogsDir, id, o.deps.Sink, logger)
	if err != nil {
		o.fail(id, "Job failed", err)
		return
	}

	defer func() {
		// Sessions must never outlive their job.
		if n, err := o.deps.Driver.Reap(context.WithoutCancel(ctx), id); err != nil {
			logger.Warn("browser_reap_failed", "error", err)
		} else if n > 0 {
			logger.Info("browser_sessions_reaped", "count", n)
		}
		if err := jl.Close(); err != nil {
			logger.Warn("job_log_close_failed", "error", err)
		}
	}()

	defer func() {
		if p := recover(); p != nil {
			logger.Error("job_panicked", "panic", p)
			jl.Critical("Error: Unexpected error", joblog.WithError(fmt.Errorf("panic: %v", p)))
			o.fail(id, "Job failed", fmt.Errorf("panic: %v", p))
		}
	}()

	jl.Info(fmt.Sprintf("Starting new job with ID: %s", id))
	jl.Info("Success: Start job", joblog.WithMetadata(map[string]any{
		"accounts": len(req.Accounts),
		"reports":  len(req.Reports),
	}))

	var (
		totals  workflow.Summary
		aborted int
		lastErr string
	)
	for _, acct := range req.Accounts {
		base := totals
		runner := o.deps.Runner.WithProgress(func(p workflow.Progress) {
			_ = o.deps.Registry.SetProgress(id, map[string]string{
				"stage":   p.Stage,
				"account": p.AccountID,
				"report":  p.Report,
				"success": strconv.Itoa(base.Success + p.Summary.Success),
				"no_data": strconv.Itoa(base.NoData + p.Summary.NoData),
				"failed":  strconv.Itoa(base.Failed + p.Summary.Failed),
			})
		})
		sum := runner.RunAccount(ctx, id, dir, acct, req.Reports, jl)
		_ = o.deps.Registry.AddAccount(id, sum)

		totals.Success += sum.Success
		totals.NoData += sum.NoData
		totals.Failed += sum.Failed
		totals.Total += sum.Total
		if sum.Aborted {
			aborted++
			lastErr = sum.Error
		}
	}

	n := len(req.Accounts)
	msg := fmt.Sprintf("Processed %d/%d accounts: %d reports downloaded, %d without data, %d failed",
		n-aborted, n, totals.Success, totals.NoData, totals.Failed)
	logger.Info("job_finished", "accounts", n, "aborted", aborted,
		"success", totals.Success, "no_data", totals.NoData, "failed", totals.Failed,
		"duration_ms", time.Since(start).Milliseconds())

	if aborted == n {
		jl.Error("Error: Job failed, no account could be processed", joblog.WithError(errors.New(lastErr)))
		o.fail(id, msg, errors.New(lastErr))
		return
	}
	jl.Info("Success: Finish job", joblog.WithMetadata(map[string]any{
		"success": totals.Success, "no_data": totals.NoData, "failed": totals.Failed,
	}))
	if _, err := o.deps.Registry.Transition(id, StatusCompleted, msg, ""); err != nil {
		logger.Error("job_transition_failed", "error", err)
		return
	}
	metrics.RecordJob(string(StatusCompleted))
}
