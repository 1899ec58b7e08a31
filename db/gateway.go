package db

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/chime/errors"
)

const (
	// GatewayMaxAttempts bounds how many times a transient failure is retried.
	GatewayMaxAttempts = 3

	// GatewayRetryDelay is the pause between retry attempts.
	GatewayRetryDelay = 5 * time.Second
)

// RowScanner is the single-row read surface returned by Executor.QueryRow.
// *sql.Row satisfies it.
type RowScanner interface {
	Scan(dest ...any) error
}

// Executor is the persistence surface stores depend on. The production
// implementation is *Gateway; tests may substitute anything that speaks SQL.
type Executor interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) RowScanner
}

// Gateway wraps a *sql.DB and retries transient connectivity failures
// (SQLITE_BUSY contention, I/O hiccups) a bounded number of times before
// giving up. Non-transient errors propagate unchanged on the first attempt.
//
// The gateway does not own the underlying connection; whoever opened the
// *sql.DB remains responsible for closing it.
type Gateway struct {
	db       *sql.DB
	logger   *zap.SugaredLogger
	attempts int
	delay    time.Duration
}

// NewGateway creates a Gateway with the default retry policy
// (GatewayMaxAttempts attempts, GatewayRetryDelay apart).
func NewGateway(db *sql.DB, logger *zap.SugaredLogger) *Gateway {
	return NewGatewayWithRetry(db, logger, GatewayMaxAttempts, GatewayRetryDelay)
}

// NewGatewayWithRetry creates a Gateway with an explicit retry policy.
// attempts below 1 is treated as 1 (no retries).
func NewGatewayWithRetry(db *sql.DB, logger *zap.SugaredLogger, attempts int, delay time.Duration) *Gateway {
	if attempts < 1 {
		attempts = 1
	}
	return &Gateway{
		db:       db,
		logger:   logger,
		attempts: attempts,
		delay:    delay,
	}
}

// DB returns the underlying connection for operations that need it directly,
// such as transactions and shutdown.
func (g *Gateway) DB() *sql.DB {
	return g.db
}

// Ping probes connectivity without the retry policy so health checks see
// the store's current state rather than a masked one.
func (g *Gateway) Ping() error {
	return g.db.Ping()
}

// Exec executes a statement, retrying transient failures.
func (g *Gateway) Exec(query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := g.withRetry("exec", func() error {
		var err error
		result, err = g.db.Exec(query, args...)
		return err
	})
	return result, err
}

// Query executes a multi-row read, retrying transient failures.
// The caller owns the returned rows and must close them.
func (g *Gateway) Query(query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := g.withRetry("query", func() error {
		var err error
		rows, err = g.db.Query(query, args...)
		return err
	})
	return rows, err
}

// QueryRow executes a single-row read. Driver errors surface at Scan time,
// so the retry happens inside the returned scanner rather than here.
func (g *Gateway) QueryRow(query string, args ...any) RowScanner {
	return &retryRow{gateway: g, query: query, args: args}
}

type retryRow struct {
	gateway *Gateway
	query   string
	args    []any
}

func (r *retryRow) Scan(dest ...any) error {
	return r.gateway.withRetry("query_row", func() error {
		return r.gateway.db.QueryRow(r.query, r.args...).Scan(dest...)
	})
}

// withRetry runs fn up to g.attempts times, sleeping g.delay between
// attempts. Only transient errors are retried; anything else returns
// unchanged immediately so callers can match on sql.ErrNoRows and friends.
func (g *Gateway) withRetry(operation string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= g.attempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}

		if attempt == g.attempts {
			break
		}

		if g.logger != nil {
			g.logger.Warnw("Transient database error, retrying",
				"operation", operation,
				"attempt", attempt,
				"max_attempts", g.attempts,
				"retry_delay", g.delay.String(),
				"error", err,
			)
		}
		time.Sleep(g.delay)
	}

	return errors.Wrapf(err, "database %s failed after %d attempts", operation, g.attempts)
}
