package ledger

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/chime/errors"
	chimetest "github.com/teranos/chime/internal/testing"
	"github.com/teranos/chime/internal/util"
)

func TestLogStartRoot(t *testing.T) {
	store := NewStore(chimetest.CreateTestGateway(t))

	payload := util.Ptr(`{"region": "us-east"}`)
	id, err := store.LogStart(EntryDef{
		App:            "reports",
		Service:        "nightly-report",
		TriggerSource:  SourceManual,
		RequestPayload: payload,
		Metadata:       map[string]interface{}{"bypass_window": true},
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	entry, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "reports", entry.App)
	assert.Equal(t, "nightly-report", entry.Service)
	assert.Equal(t, StatusPending, entry.Status)
	assert.Equal(t, SourceManual, entry.TriggerSource)
	assert.Len(t, entry.InvocationToken, 36, "invocation token is a UUID")
	require.NotNil(t, entry.RootID)
	assert.Equal(t, id, *entry.RootID, "roots resolve root_id to their own id")
	assert.Nil(t, entry.ParentID)
	assert.True(t, entry.IsRoot())
	assert.False(t, entry.StartedAt.IsZero())
	assert.Nil(t, entry.FinishedAt)
	require.NotNil(t, entry.RequestPayload)
	assert.Equal(t, *payload, *entry.RequestPayload)
	assert.Equal(t, true, entry.Metadata["bypass_window"])
}

func TestLogStartDefaults(t *testing.T) {
	store := NewStore(chimetest.CreateTestGateway(t))

	id, err := store.LogStart(EntryDef{App: "chime", Service: "dispatch-run"})
	require.NoError(t, err)

	entry, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, SourceTimer, entry.TriggerSource)
	assert.Nil(t, entry.RequestPayload)
	assert.Nil(t, entry.Metadata)
}

func TestLogStartValidation(t *testing.T) {
	store := NewStore(chimetest.CreateTestGateway(t))

	_, err := store.LogStart(EntryDef{Service: "nightly-report"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = store.LogStart(EntryDef{App: "reports"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestLogStartChildLineage(t *testing.T) {
	store := NewStore(chimetest.CreateTestGateway(t))

	rootID, err := store.LogStart(EntryDef{App: "chime", Service: "dispatch-run"})
	require.NoError(t, err)
	root, err := store.Get(rootID)
	require.NoError(t, err)

	ctx := root.ChildContext()
	assert.Equal(t, rootID, ctx.ParentServiceID)
	assert.Equal(t, rootID, ctx.RootID)

	childID, err := store.LogStart(EntryDef{
		App:      "reports",
		Service:  "nightly-report",
		ParentID: util.Ptr(ctx.ParentServiceID),
		RootID:   util.Ptr(ctx.RootID),
	})
	require.NoError(t, err)

	child, err := store.Get(childID)
	require.NoError(t, err)
	assert.False(t, child.IsRoot())
	require.NotNil(t, child.ParentID)
	assert.Equal(t, rootID, *child.ParentID)
	require.NotNil(t, child.RootID)
	assert.Equal(t, rootID, *child.RootID)

	// A grandchild keeps pointing at the original root.
	grand := child.ChildContext()
	assert.Equal(t, childID, grand.ParentServiceID)
	assert.Equal(t, rootID, grand.RootID)
}

func TestLogSuccessMergesMetadata(t *testing.T) {
	store := NewStore(chimetest.CreateTestGateway(t))

	id, err := store.LogStart(EntryDef{
		App:      "reports",
		Service:  "nightly-report",
		Metadata: map[string]interface{}{"trigger": "timer", "attempt": "first"},
	})
	require.NoError(t, err)

	response := util.Ptr(`{"processed": 3}`)
	require.NoError(t, store.LogSuccess(id, response, map[string]interface{}{
		"attempt": "second",
		"code":    "200",
	}))

	entry, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, entry.Status)
	require.NotNil(t, entry.FinishedAt)
	assert.False(t, entry.FinishedAt.Before(entry.StartedAt))
	require.NotNil(t, entry.ResponsePayload)
	assert.Equal(t, *response, *entry.ResponsePayload)
	assert.Nil(t, entry.ErrorMessage)

	assert.Equal(t, "timer", entry.Metadata["trigger"], "start-time keys survive")
	assert.Equal(t, "second", entry.Metadata["attempt"], "completion keys win")
	assert.Equal(t, "200", entry.Metadata["code"])
}

func TestLogErrorAndWarning(t *testing.T) {
	store := NewStore(chimetest.CreateTestGateway(t))

	failedID, err := store.LogStart(EntryDef{App: "reports", Service: "nightly-report"})
	require.NoError(t, err)
	require.NoError(t, store.LogError(failedID, "Service execution failed with HTTP 500", util.Ptr("internal error"), nil))

	entry, err := store.Get(failedID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, entry.Status)
	require.NotNil(t, entry.ErrorMessage)
	assert.Equal(t, "Service execution failed with HTTP 500", *entry.ErrorMessage)
	require.NotNil(t, entry.ResponsePayload)
	assert.Equal(t, "internal error", *entry.ResponsePayload)

	warnID, err := store.LogStart(EntryDef{App: "chime", Service: "dispatch-run"})
	require.NoError(t, err)
	require.NoError(t, store.LogWarning(warnID, "Completed with 2 errors", nil, nil))

	entry, err = store.Get(warnID)
	require.NoError(t, err)
	assert.Equal(t, StatusWarning, entry.Status)
	require.NotNil(t, entry.ErrorMessage)
	assert.Equal(t, "Completed with 2 errors", *entry.ErrorMessage)
}

func TestTerminalMutationIsExactlyOnce(t *testing.T) {
	store := NewStore(chimetest.CreateTestGateway(t))

	id, err := store.LogStart(EntryDef{App: "reports", Service: "nightly-report"})
	require.NoError(t, err)
	require.NoError(t, store.LogSuccess(id, nil, nil))

	err = store.LogError(id, "late failure", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	entry, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, entry.Status, "the first terminal status sticks")
}

func TestCompletionRequiresStart(t *testing.T) {
	store := NewStore(chimetest.CreateTestGateway(t))

	err := store.LogSuccess(999, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEntryNotFound))
	assert.True(t, errors.IsNotFoundError(err))
}

func TestGetNotFound(t *testing.T) {
	store := NewStore(chimetest.CreateTestGateway(t))

	_, err := store.Get(12345)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEntryNotFound))
}

func TestListRecent(t *testing.T) {
	gw := chimetest.CreateTestGateway(t)
	store := NewStore(gw)

	ids := make([]int64, 3)
	for i := range ids {
		id, err := store.LogStart(EntryDef{App: "reports", Service: fmt.Sprintf("svc-%d", i)})
		require.NoError(t, err)
		ids[i] = id
	}

	// Start stamps share a second; spread them out for a stable order.
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range ids {
		_, err := gw.Exec(`UPDATE execution_log SET started_at = ? WHERE id = ?`,
			base.Add(time.Duration(i)*time.Minute).Format(time.RFC3339), id)
		require.NoError(t, err)
	}
	require.NoError(t, store.LogSuccess(ids[2], nil, nil))

	entries, err := store.ListRecent(2, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ids[2], entries[0].ID)
	assert.Equal(t, ids[1], entries[1].ID)

	pending, err := store.ListRecent(10, StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[1], pending[0].ID)
	assert.Equal(t, ids[0], pending[1].ID)
}

func TestChildren(t *testing.T) {
	store := NewStore(chimetest.CreateTestGateway(t))

	rootID, err := store.LogStart(EntryDef{App: "chime", Service: "dispatch-run"})
	require.NoError(t, err)
	root, err := store.Get(rootID)
	require.NoError(t, err)
	ctx := root.ChildContext()

	for i := 0; i < 2; i++ {
		_, err := store.LogStart(EntryDef{
			App:      "reports",
			Service:  fmt.Sprintf("svc-%d", i),
			ParentID: util.Ptr(ctx.ParentServiceID),
			RootID:   util.Ptr(ctx.RootID),
		})
		require.NoError(t, err)
	}
	_, err = store.LogStart(EntryDef{App: "other", Service: "unrelated"})
	require.NoError(t, err)

	children, err := store.Children(rootID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, child := range children {
		require.NotNil(t, child.ParentID)
		assert.Equal(t, rootID, *child.ParentID)
	}
}
