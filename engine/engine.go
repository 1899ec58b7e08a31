// Package engine orchestrates scheduling passes. A pass sweeps stuck
// jobs, decides which scheduled jobs are due, claims each one, dispatches
// it over HTTP, and records the outcome on the job row and in the
// execution ledger. The engine owns the pass-level ledger entry; child
// entries are written by the dispatched services themselves.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/chime/dispatch"
	"github.com/teranos/chime/errors"
	"github.com/teranos/chime/ledger"
	"github.com/teranos/chime/schedule"
)

// Identity of the pass-level ledger entry. The trigger_source column
// distinguishes timer, HTTP, and manual runs.
const (
	masterApp     = "chime"
	masterService = "dispatch-run"
)

// Options select which jobs a pass considers and how strictly the
// evaluator is applied. The JSON tags line up with the trigger API
// request body so handlers can decode straight into it.
type Options struct {
	// BypassWindow keeps frequency gating but skips the time-of-day
	// window check, so a daily job that has not yet run today fires at
	// any hour.
	BypassWindow bool `json:"bypass_window_check"`

	// ForceServiceIDs dispatches the named jobs without consulting the
	// evaluator. The jobs must still be active and in a schedulable
	// status, and trigger limits still apply.
	ForceServiceIDs []string `json:"force_service_ids,omitempty"`

	// ScheduleID is shorthand for forcing a single job with window
	// bypass. It re-runs the job regardless of its current status and
	// overrides ForceServiceIDs when both are set.
	ScheduleID string `json:"schedule_id,omitempty"`

	// Source labels the master ledger entry. Defaults to the timer
	// source, which only writes a master entry when at least one job
	// was actually dispatched.
	Source ledger.TriggerSource `json:"-"`
}

// mode describes the pass shape for ledger metadata and logs.
func (o Options) mode() string {
	switch {
	case o.ScheduleID != "":
		return fmt.Sprintf("force_schedule_id (%s)", o.ScheduleID)
	case len(o.ForceServiceIDs) > 0:
		return fmt.Sprintf("force_services (%s)", strings.Join(o.ForceServiceIDs, ", "))
	case o.BypassWindow:
		return "bypass_windows"
	default:
		return "standard"
	}
}

// TriggeredService identifies one job a pass claimed for dispatch.
type TriggeredService struct {
	ID      string `json:"id"`
	App     string `json:"app"`
	Service string `json:"service"`
}

// PassResults aggregates one pass. Triggered lists every job claimed,
// whether or not its dispatch ultimately succeeded; Errors carries only
// pass-level and unexpected per-job failures, not plain non-2xx
// dispatch responses (those live on the job row).
type PassResults struct {
	Processed      int                `json:"processed"`
	Successful     int                `json:"successful"`
	Failed         int                `json:"failed"`
	Skipped        int                `json:"skipped"`
	StuckReclaimed int                `json:"stuck_reclaimed"`
	Errors         []string           `json:"errors"`
	Triggered      []TriggeredService `json:"triggered"`
	Duration       time.Duration      `json:"-"`
}

// Engine runs scheduling passes over the job catalog.
type Engine struct {
	jobs        *schedule.Store
	entries     *ledger.Store
	evaluator   *schedule.Evaluator
	reclaimer   *schedule.Reclaimer
	executor    *dispatch.Executor
	parallelism int
	logger      *zap.SugaredLogger
}

// New assembles an engine. parallelism caps how many dispatches may be
// in flight at once; anything below 1 is treated as sequential.
func New(jobs *schedule.Store, entries *ledger.Store, evaluator *schedule.Evaluator, reclaimer *schedule.Reclaimer, executor *dispatch.Executor, parallelism int, logger *zap.SugaredLogger) *Engine {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Engine{
		jobs:        jobs,
		entries:     entries,
		evaluator:   evaluator,
		reclaimer:   reclaimer,
		executor:    executor,
		parallelism: parallelism,
		logger:      logger,
	}
}

// Run executes one pass and records it in the execution ledger.
//
// Timer passes run first and write their master entry afterwards, and
// only when at least one dispatch happened, so quiet intervals leave no
// ledger rows behind. HTTP and manual passes open the master entry
// before dispatching so every child execution can carry its lineage.
// The returned id is the master entry's, nil when none was written.
func (e *Engine) Run(ctx context.Context, opts Options) (*PassResults, *int64, error) {
	if opts.Source == "" {
		opts.Source = ledger.SourceTimer
	}
	if opts.Source == ledger.SourceTimer {
		return e.runTimer(ctx, opts)
	}
	return e.runLogged(ctx, opts)
}

func (e *Engine) runTimer(ctx context.Context, opts Options) (*PassResults, *int64, error) {
	results := e.RunPass(ctx, opts, nil)
	if results.Successful+results.Failed == 0 {
		e.debugw("Pass dispatched nothing, skipping master log entry",
			"processed", results.Processed,
			"skipped", results.Skipped,
		)
		return results, nil, nil
	}

	masterID, err := e.entries.LogStart(ledger.EntryDef{
		App:           masterApp,
		Service:       masterService,
		TriggerSource: ledger.SourceTimer,
		Metadata:      map[string]interface{}{"execution_mode": opts.mode()},
	})
	if err != nil {
		e.warnw("Failed to open master log entry for timer pass", "error", err)
		return results, nil, nil
	}
	if err := e.finalize(masterID, results); err != nil {
		e.warnw("Failed to finalize master log entry", "log_id", masterID, "error", err)
	}
	return results, &masterID, nil
}

func (e *Engine) runLogged(ctx context.Context, opts Options) (*PassResults, *int64, error) {
	masterID, err := e.entries.LogStart(ledger.EntryDef{
		App:            masterApp,
		Service:        masterService,
		TriggerSource:  opts.Source,
		RequestPayload: marshalPayload(opts),
		Metadata:       map[string]interface{}{"execution_mode": opts.mode()},
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open master log entry")
	}

	parent := &ledger.ChildContext{ParentServiceID: masterID, RootID: masterID}
	results := e.RunPass(ctx, opts, parent)

	if err := e.finalize(masterID, results); err != nil {
		return results, &masterID, err
	}
	return results, &masterID, nil
}

// finalize closes the master entry: a warning carrying the error list
// when per-job errors accumulated, success otherwise. The results JSON
// becomes the entry's response payload either way.
func (e *Engine) finalize(masterID int64, results *PassResults) error {
	payload := marshalPayload(results)
	if len(results.Errors) > 0 {
		message := fmt.Sprintf("Completed with %d errors", len(results.Errors))
		metadata := map[string]interface{}{"errors": results.Errors}
		if err := e.entries.LogWarning(masterID, message, payload, metadata); err != nil {
			return errors.Wrapf(err, "failed to finalize master log entry %d", masterID)
		}
		return nil
	}
	if err := e.entries.LogSuccess(masterID, payload, nil); err != nil {
		return errors.Wrapf(err, "failed to finalize master log entry %d", masterID)
	}
	return nil
}

// RunPass executes a single scheduling pass without touching the master
// ledger entry. parentCtx, when set, is merged into every dispatched
// payload so child executions can link back to the run that spawned
// them. The pass never fails outright: candidate-fetch trouble is
// reported through Errors with an otherwise empty result.
func (e *Engine) RunPass(ctx context.Context, opts Options, parentCtx *ledger.ChildContext) *PassResults {
	start := time.Now()
	results := &PassResults{
		Errors:    []string{},
		Triggered: []TriggeredService{},
	}
	defer func() { results.Duration = time.Since(start) }()

	results.StuckReclaimed = e.reclaimer.Reclaim(time.Now().UTC())

	force := opts.ForceServiceIDs
	bypass := opts.BypassWindow
	if opts.ScheduleID != "" {
		force = []string{opts.ScheduleID}
		bypass = true
	}
	forced := make(map[string]bool, len(force))
	for _, id := range force {
		forced[id] = true
	}

	candidates, err := e.fetchCandidates(force, bypass)
	if err != nil {
		e.errorw("Failed to fetch candidate jobs", "error", err)
		results.Errors = append(results.Errors, fmt.Sprintf("failed to fetch candidate jobs: %v", err))
		return results
	}
	if len(candidates) == 0 {
		e.debugw("No candidate jobs to evaluate")
		return results
	}

	e.debugw("Evaluating candidate jobs",
		"count", len(candidates),
		"execution_mode", opts.mode(),
	)

	now := time.Now()
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, e.parallelism)
	)

loop:
	for _, job := range candidates {
		select {
		case <-ctx.Done():
			mu.Lock()
			results.Errors = append(results.Errors, fmt.Sprintf("pass canceled: %v", ctx.Err()))
			mu.Unlock()
			break loop
		default:
		}

		mu.Lock()
		results.Processed++
		mu.Unlock()

		if !forced[job.ID] {
			due, reason := e.evaluator.IsDue(job, now, bypass)
			if !due {
				e.debugw("Job not due", "job_id", job.ID, "reason", reason)
				mu.Lock()
				results.Skipped++
				mu.Unlock()
				continue
			}
		}

		// Limits gate forced jobs too: an exhausted job is retired
		// here rather than dispatched one more time.
		if job.LimitReached() {
			e.infow("Job reached its trigger limit, marking completed",
				"job_id", job.ID,
				"app", job.App,
				"service", job.Service,
				"triggered_count", job.TriggeredCount,
				"trigger_limit", *job.TriggerLimit,
			)
			if err := e.jobs.MarkCompleted(job.ID); err != nil {
				e.errorw("Failed to retire job at trigger limit", "job_id", job.ID, "error", err)
				mu.Lock()
				results.Failed++
				results.Errors = append(results.Errors, jobError(job, err))
				mu.Unlock()
				continue
			}
			mu.Lock()
			results.Skipped++
			mu.Unlock()
			continue
		}

		// Hold a dispatch slot before claiming so the processing claim
		// always lands just ahead of its own dispatch, not minutes
		// ahead while earlier jobs drain.
		sem <- struct{}{}

		if err := e.jobs.Claim(job.ID, time.Now().UTC()); err != nil {
			<-sem
			e.errorw("Failed to claim job", "job_id", job.ID, "error", err)
			mu.Lock()
			results.Failed++
			results.Errors = append(results.Errors, jobError(job, err))
			mu.Unlock()
			continue
		}

		mu.Lock()
		results.Triggered = append(results.Triggered, TriggeredService{
			ID:      job.ID,
			App:     job.App,
			Service: job.Service,
		})
		mu.Unlock()

		wg.Add(1)
		go func(job *schedule.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			e.dispatchAndRecord(ctx, job, parentCtx, results, &mu)
		}(job)
	}

	wg.Wait()
	return results
}

// dispatchAndRecord runs one claimed job through the executor and
// records the outcome on the job row. A panic anywhere in dispatch is
// contained to the job; the pass moves on.
func (e *Engine) dispatchAndRecord(ctx context.Context, job *schedule.Job, parentCtx *ledger.ChildContext, results *PassResults, mu *sync.Mutex) {
	outcome, panicErr := e.dispatch(ctx, job, parentCtx)
	if panicErr != nil {
		e.errorw("Dispatch panicked",
			"job_id", job.ID,
			"app", job.App,
			"service", job.Service,
			"error", panicErr,
		)
		if err := e.jobs.MarkError(job.ID, panicErr.Error()); err != nil {
			e.warnw("Failed to record dispatch panic", "job_id", job.ID, "error", err)
		}
		mu.Lock()
		results.Failed++
		results.Errors = append(results.Errors, jobError(job, panicErr))
		mu.Unlock()
		return
	}

	if outcome.Success {
		if err := e.jobs.MarkSuccess(job.ID, job.NextStatus(), time.Now().UTC(), outcome.Code, outcome.Detail, outcome.ChildLogID); err != nil {
			e.errorw("Failed to record dispatch success", "job_id", job.ID, "error", err)
			if markErr := e.jobs.MarkError(job.ID, err.Error()); markErr != nil {
				e.warnw("Failed to mark job errored", "job_id", job.ID, "error", markErr)
			}
			mu.Lock()
			results.Failed++
			results.Errors = append(results.Errors, jobError(job, err))
			mu.Unlock()
			return
		}
		e.infow("Job dispatched",
			"job_id", job.ID,
			"app", job.App,
			"service", job.Service,
			"response_code", outcome.Code,
		)
		mu.Lock()
		results.Successful++
		mu.Unlock()
		return
	}

	// An HTTP-level failure lands on the job row, not in the pass error
	// list: the dispatch itself completed and told us what went wrong.
	message := fmt.Sprintf("Service execution failed with HTTP %d", outcome.Code)
	if err := e.jobs.MarkFailure(job.ID, outcome.Code, outcome.Detail, message, outcome.ChildLogID); err != nil {
		e.errorw("Failed to record dispatch failure", "job_id", job.ID, "error", err)
		mu.Lock()
		results.Failed++
		results.Errors = append(results.Errors, jobError(job, err))
		mu.Unlock()
		return
	}
	e.warnw("Job dispatch failed",
		"job_id", job.ID,
		"app", job.App,
		"service", job.Service,
		"response_code", outcome.Code,
	)
	mu.Lock()
	results.Failed++
	mu.Unlock()
}

func (e *Engine) dispatch(ctx context.Context, job *schedule.Job, parentCtx *ledger.ChildContext) (outcome dispatch.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("dispatch panic: %v", r)
		}
	}()
	return e.executor.Dispatch(ctx, job, parentCtx), nil
}

// fetchCandidates picks the fetch shape for the pass. Forcing with
// window bypass re-runs jobs regardless of status or exhausted limits,
// so those are fetched by id alone; a plain force keeps the status and
// limit filters of a standard pass.
func (e *Engine) fetchCandidates(force []string, bypass bool) ([]*schedule.Job, error) {
	switch {
	case len(force) > 0 && bypass:
		return e.jobs.ActiveByIDs(force)
	case len(force) > 0:
		return e.jobs.Candidates(force...)
	default:
		return e.jobs.Candidates()
	}
}

func jobError(job *schedule.Job, err error) string {
	return fmt.Sprintf("Service %s (%s/%s): %v", job.ID, job.App, job.Service, err)
}

func marshalPayload(v interface{}) *string {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(raw)
	return &s
}

func (e *Engine) debugw(msg string, keysAndValues ...interface{}) {
	if e.logger != nil {
		e.logger.Debugw(msg, keysAndValues...)
	}
}

func (e *Engine) infow(msg string, keysAndValues ...interface{}) {
	if e.logger != nil {
		e.logger.Infow(msg, keysAndValues...)
	}
}

func (e *Engine) warnw(msg string, keysAndValues ...interface{}) {
	if e.logger != nil {
		e.logger.Warnw(msg, keysAndValues...)
	}
}

func (e *Engine) errorw(msg string, keysAndValues ...interface{}) {
	if e.logger != nil {
		e.logger.Errorw(msg, keysAndValues...)
	}
}
