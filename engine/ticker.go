package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/chime/ledger"
)

// PassRunner runs one scheduling pass. The ticker depends on this
// rather than on Engine directly so the serve loop can swap in a
// freshly wired engine after a config reload.
type PassRunner interface {
	Run(ctx context.Context, opts Options) (*PassResults, *int64, error)
}

// PassBroadcaster publishes pass lifecycle events to interested
// listeners. Declared here rather than in the server package to avoid a
// circular dependency between the two.
type PassBroadcaster interface {
	BroadcastPassStarted(startedAt time.Time)
	BroadcastPassCompleted(results *PassResults, masterLogID *int64)
}

// Ticker fires timer-source passes on wall-clock interval boundaries:
// with a 15 minute interval, passes land at :00, :15, :30 and :45
// rather than at offsets of whenever the process started. A pass that
// overruns its interval collapses the missed boundaries into the next
// one.
type Ticker struct {
	runner      PassRunner
	broadcaster PassBroadcaster
	interval    time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	logger      *zap.SugaredLogger

	mu         sync.Mutex
	lastPassAt time.Time
	passCount  int64
}

// NewTicker creates a ticker that runs passes through runner.
// broadcaster may be nil.
func NewTicker(runner PassRunner, broadcaster PassBroadcaster, interval time.Duration, logger *zap.SugaredLogger) *Ticker {
	return NewTickerWithContext(context.Background(), runner, broadcaster, interval, logger)
}

// NewTickerWithContext creates a ticker with a parent context.
func NewTickerWithContext(ctx context.Context, runner PassRunner, broadcaster PassBroadcaster, interval time.Duration, log *zap.SugaredLogger) *Ticker {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		runner:      runner,
		broadcaster: broadcaster,
		interval:    interval,
		ctx:         tickerCtx,
		cancel:      cancel,
		logger:      log,
	}
}

// Start begins the ticker loop.
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.logger.Infow("Scheduler ticker started",
		"interval", t.interval,
		"next_pass_at", nextBoundary(time.Now(), t.interval).Format(time.RFC3339),
	)
}

// Stop stops the ticker, waiting for any in-flight pass to finish.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Infow("Scheduler ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	for {
		timer := time.NewTimer(time.Until(nextBoundary(time.Now(), t.interval)))
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return
		case tickTime := <-timer.C:
			t.pass(tickTime)
		}
	}
}

func (t *Ticker) pass(tickTime time.Time) {
	t.mu.Lock()
	t.lastPassAt = tickTime
	t.passCount++
	count := t.passCount
	t.mu.Unlock()

	if t.broadcaster != nil {
		t.broadcaster.BroadcastPassStarted(tickTime)
	}

	results, masterLogID, err := t.runner.Run(t.ctx, Options{Source: ledger.SourceTimer})
	if err != nil {
		t.logger.Warnw("Scheduler pass failed", "pass", count, "error", err)
		return
	}

	if results.Successful+results.Failed > 0 {
		keysAndValues := []interface{}{
			"pass", count,
			"processed", results.Processed,
			"successful", results.Successful,
			"failed", results.Failed,
			"skipped", results.Skipped,
			"stuck_reclaimed", results.StuckReclaimed,
			"duration", results.Duration.Round(time.Millisecond),
		}
		if masterLogID != nil {
			keysAndValues = append(keysAndValues, "master_log_id", *masterLogID)
		}
		if len(results.Errors) > 0 {
			t.logger.Warnw("Scheduler pass completed with errors", keysAndValues...)
		} else {
			t.logger.Infow("Scheduler pass completed", keysAndValues...)
		}
	} else {
		t.logger.Debugw("Scheduler pass idle",
			"pass", count,
			"processed", results.Processed,
			"skipped", results.Skipped,
			"stuck_reclaimed", results.StuckReclaimed,
		)
	}

	if t.broadcaster != nil {
		t.broadcaster.BroadcastPassCompleted(results, masterLogID)
	}
}

// Stats reports ticker liveness, surfaced by the health endpoint.
func (t *Ticker) Stats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := map[string]interface{}{
		"interval":           t.interval.String(),
		"passes_since_start": t.passCount,
	}
	if !t.lastPassAt.IsZero() {
		stats["last_pass_at"] = t.lastPassAt.Format(time.RFC3339)
	}
	return stats
}

// nextBoundary returns the first multiple of interval after now on the
// wall clock.
func nextBoundary(now time.Time, interval time.Duration) time.Time {
	return now.Truncate(interval).Add(interval)
}
