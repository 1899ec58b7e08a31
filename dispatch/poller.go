package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/chime/config"
	"github.com/teranos/chime/errors"
	"github.com/teranos/chime/ledger"
)

// Poller watches the execution ledger for an async service to finish.
// A service that answers 202 with a log_id owns that ledger entry and
// finalizes it when done; we just wait for the terminal status.
type Poller struct {
	entries  *ledger.Store
	interval time.Duration
	deadline time.Duration
	logger   *zap.SugaredLogger
}

// NewPoller creates a poller with the configured cadence.
func NewPoller(entries *ledger.Store, cfg config.DispatchConfig, logger *zap.SugaredLogger) *Poller {
	return NewPollerWithCadence(entries, cfg.PollInterval(), cfg.PollDeadline(), logger)
}

// NewPollerWithCadence creates a poller with an explicit check interval
// and deadline. A zero deadline waits indefinitely.
func NewPollerWithCadence(entries *ledger.Store, interval, deadline time.Duration, logger *zap.SugaredLogger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{entries: entries, interval: interval, deadline: deadline, logger: logger}
}

// Poll blocks until the ledger entry reaches a terminal status, the
// deadline passes, or ctx is canceled. The entry not existing yet is
// not terminal: the async service may not have created it when we first
// look, so absence just means check again.
func (p *Poller) Poll(ctx context.Context, logID int64) (bool, int, string) {
	var deadlineC <-chan time.Time
	if p.deadline > 0 {
		timer := time.NewTimer(p.deadline)
		defer timer.Stop()
		deadlineC = timer.C
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		entry, err := p.entries.Get(logID)
		if err != nil && !errors.Is(err, ledger.ErrEntryNotFound) {
			return false, http.StatusInternalServerError, fmt.Sprintf("polling error: %v", err)
		}
		if entry != nil {
			switch entry.Status {
			case ledger.StatusSuccess:
				return true, http.StatusOK, "execution log status: success"
			case ledger.StatusWarning:
				return false, http.StatusOK, terminalDetail("warning", entry.ErrorMessage)
			case ledger.StatusFailed:
				return false, http.StatusInternalServerError, terminalDetail("failed", entry.ErrorMessage)
			}
		}

		if p.logger != nil {
			p.logger.Debugw("Waiting for async execution",
				"log_id", logID,
				"found", entry != nil,
			)
		}

		select {
		case <-ctx.Done():
			return false, http.StatusRequestTimeout, fmt.Sprintf("polling canceled for execution log %d: %v", logID, ctx.Err())
		case <-deadlineC:
			return false, http.StatusRequestTimeout, fmt.Sprintf("timed out waiting for execution log %d after %s", logID, p.deadline)
		case <-ticker.C:
		}
	}
}

func terminalDetail(status string, errorMessage *string) string {
	if errorMessage != nil && *errorMessage != "" {
		return fmt.Sprintf("execution log status: %s - %s", status, *errorMessage)
	}
	return fmt.Sprintf("execution log status: %s", status)
}
