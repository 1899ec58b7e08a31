package dispatch

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/chime/db"
	chimetest "github.com/teranos/chime/internal/testing"
	"github.com/teranos/chime/ledger"
)

func TestPollAbsentEntryKeepsPolling(t *testing.T) {
	entries := ledger.NewStore(chimetest.CreateTestGateway(t))
	poller := NewPollerWithCadence(entries, 10*time.Millisecond, 80*time.Millisecond, nil)

	// The entry never appearing is a deadline, not a lookup failure.
	success, code, detail := poller.Poll(t.Context(), 999)
	assert.False(t, success)
	assert.Equal(t, http.StatusRequestTimeout, code)
	assert.Contains(t, detail, "timed out waiting for execution log 999")
}

func TestPollSeesLateFinalization(t *testing.T) {
	entries := ledger.NewStore(chimetest.CreateTestGateway(t))
	logID, err := entries.LogStart(ledger.EntryDef{App: "reports", Service: "nightly-report"})
	require.NoError(t, err)

	go func() {
		time.Sleep(40 * time.Millisecond)
		_ = entries.LogSuccess(logID, nil, nil)
	}()

	poller := NewPollerWithCadence(entries, 10*time.Millisecond, 2*time.Second, nil)
	success, code, detail := poller.Poll(t.Context(), logID)
	assert.True(t, success)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "execution log status: success", detail)
}

func TestPollContextCanceled(t *testing.T) {
	entries := ledger.NewStore(chimetest.CreateTestGateway(t))
	logID, err := entries.LogStart(ledger.EntryDef{App: "reports", Service: "nightly-report"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	poller := NewPollerWithCadence(entries, 10*time.Millisecond, 0, nil)
	success, code, detail := poller.Poll(ctx, logID)
	assert.False(t, success)
	assert.Equal(t, http.StatusRequestTimeout, code)
	assert.Contains(t, detail, "polling canceled")
}

func TestPollQueryErrorIsTerminal(t *testing.T) {
	sqlDB := chimetest.CreateTestDB(t)
	require.NoError(t, sqlDB.Close())
	entries := ledger.NewStore(db.NewGatewayWithRetry(sqlDB, nil, 1, time.Millisecond))

	poller := NewPollerWithCadence(entries, 10*time.Millisecond, 0, nil)
	success, code, detail := poller.Poll(t.Context(), 1)
	assert.False(t, success)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, detail, "polling error")
}
