package dispatch

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/chime/config"
	chimetest "github.com/teranos/chime/internal/testing"
	"github.com/teranos/chime/internal/util"
	"github.com/teranos/chime/ledger"
	"github.com/teranos/chime/schedule"
)

func dispatchJob(endpoint, template string) *schedule.Job {
	return &schedule.Job{
		ID:              "job-1",
		App:             "reports",
		Service:         "nightly-report",
		Endpoint:        endpoint,
		PayloadTemplate: template,
	}
}

func newTestExecutor(t *testing.T, entries *ledger.Store) *Executor {
	t.Helper()
	poller := NewPollerWithCadence(entries, 10*time.Millisecond, 2*time.Second, nil)
	return NewExecutor(config.DispatchConfig{}, poller, nil, nil)
}

func TestDispatchSuccess(t *testing.T) {
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer server.Close()

	executor := newTestExecutor(t, nil)
	outcome := executor.Dispatch(t.Context(), dispatchJob(server.URL, `{"mode": "full"}`), nil)

	assert.True(t, outcome.Success)
	assert.Equal(t, http.StatusOK, outcome.Code)
	assert.Equal(t, `{"ok": true}`, outcome.Detail)
	assert.Nil(t, outcome.ChildLogID)

	assert.Equal(t, "full", body["mode"])
	_, hasParent := body["parent_service_id"]
	assert.False(t, hasParent, "no lineage without a parent context")
}

func TestDispatchMergesLineage(t *testing.T) {
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	executor := newTestExecutor(t, nil)
	parent := &ledger.ChildContext{ParentServiceID: 7, RootID: 3}
	outcome := executor.Dispatch(t.Context(), dispatchJob(server.URL, `{"mode": "full"}`), parent)

	require.True(t, outcome.Success)
	assert.Equal(t, "full", body["mode"])
	assert.Equal(t, float64(7), body["parent_service_id"])
	assert.Equal(t, float64(3), body["root_id"])
}

func TestDispatchBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	executor := NewExecutor(config.DispatchConfig{}, nil, NewStaticTokenSource("sekrit"), nil)
	outcome := executor.Dispatch(t.Context(), dispatchJob(server.URL, ""), nil)
	assert.True(t, outcome.Success)
}

func TestDispatchInvalidTemplate(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	executor := newTestExecutor(t, nil)

	for _, template := range []string{"{broken", `[1, 2]`} {
		outcome := executor.Dispatch(t.Context(), dispatchJob(server.URL, template), nil)
		assert.False(t, outcome.Success)
		assert.Equal(t, http.StatusBadRequest, outcome.Code)
		assert.Contains(t, outcome.Detail, "invalid payload template")
	}
	assert.Zero(t, calls.Load(), "a bad template never reaches the wire")
}

func TestDispatchNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "service down for maintenance")
	}))
	defer server.Close()

	executor := newTestExecutor(t, nil)
	outcome := executor.Dispatch(t.Context(), dispatchJob(server.URL, ""), nil)

	assert.False(t, outcome.Success)
	assert.Equal(t, http.StatusServiceUnavailable, outcome.Code)
	assert.Equal(t, "service down for maintenance", outcome.Detail)
}

func TestDispatchTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer server.Close()

	executor := NewExecutor(config.DispatchConfig{TimeoutSeconds: 1}, nil, nil, nil)
	outcome := executor.Dispatch(t.Context(), dispatchJob(server.URL, ""), nil)

	assert.False(t, outcome.Success)
	assert.Equal(t, http.StatusRequestTimeout, outcome.Code)
	assert.Contains(t, outcome.Detail, "request timed out after 1s")
}

func TestDispatchTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := server.URL
	server.Close()

	executor := newTestExecutor(t, nil)
	outcome := executor.Dispatch(t.Context(), dispatchJob(endpoint, ""), nil)

	assert.False(t, outcome.Success)
	assert.Equal(t, http.StatusInternalServerError, outcome.Code)
	assert.Contains(t, outcome.Detail, "HTTP request error")
}

func TestDispatchAcceptedWithoutLogID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"status": "queued"}`)
	}))
	defer server.Close()

	executor := newTestExecutor(t, nil)
	outcome := executor.Dispatch(t.Context(), dispatchJob(server.URL, ""), nil)

	assert.False(t, outcome.Success)
	assert.Equal(t, http.StatusInternalServerError, outcome.Code)
	assert.Equal(t, "202 accepted but missing log_id for status polling", outcome.Detail)
	assert.Nil(t, outcome.ChildLogID)
}

func TestDispatchAcceptedPollsCompletion(t *testing.T) {
	entries := ledger.NewStore(chimetest.CreateTestGateway(t))

	tests := []struct {
		name        string
		finalize    func(id int64) error
		wantSuccess bool
		wantCode    int
		wantDetail  string
	}{
		{
			name:        "success",
			finalize:    func(id int64) error { return entries.LogSuccess(id, nil, nil) },
			wantSuccess: true,
			wantCode:    http.StatusOK,
			wantDetail:  "execution log status: success",
		},
		{
			name:        "failed",
			finalize:    func(id int64) error { return entries.LogError(id, "boom", nil, nil) },
			wantSuccess: false,
			wantCode:    http.StatusInternalServerError,
			wantDetail:  "execution log status: failed - boom",
		},
		{
			name:        "warning",
			finalize:    func(id int64) error { return entries.LogWarning(id, "partial results", nil, nil) },
			wantSuccess: false,
			wantCode:    http.StatusOK,
			wantDetail:  "execution log status: warning - partial results",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logID, err := entries.LogStart(ledger.EntryDef{App: "reports", Service: "nightly-report"})
			require.NoError(t, err)
			require.NoError(t, tt.finalize(logID))

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusAccepted)
				fmt.Fprintf(w, `{"log_id": %d}`, logID)
			}))
			defer server.Close()

			executor := newTestExecutor(t, entries)
			outcome := executor.Dispatch(t.Context(), dispatchJob(server.URL, ""), nil)

			assert.Equal(t, tt.wantSuccess, outcome.Success)
			assert.Equal(t, tt.wantCode, outcome.Code)
			assert.Equal(t, tt.wantDetail, outcome.Detail)
			require.NotNil(t, outcome.ChildLogID)
			assert.Equal(t, logID, *outcome.ChildLogID)
		})
	}
}

func TestDispatchReadsLargeBodyTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 500; i++ {
			io.WriteString(w, "0123456789")
		}
	}))
	defer server.Close()

	executor := newTestExecutor(t, nil)
	outcome := executor.Dispatch(t.Context(), dispatchJob(server.URL, ""), nil)

	assert.True(t, outcome.Success)
	assert.Len(t, outcome.Detail, maxDetailBytes)
}

func TestExtractLogID(t *testing.T) {
	tests := []struct {
		name string
		body string
		want *int64
	}{
		{"top level number", `{"log_id": 55}`, util.Ptr(int64(55))},
		{"top level digit string", `{"log_id": "66"}`, util.Ptr(int64(66))},
		{"nested under result", `{"success": true, "result": {"log_id": 77}}`, util.Ptr(int64(77))},
		{"non-numeric string", `{"log_id": "abc"}`, nil},
		{"missing", `{"status": "ok"}`, nil},
		{"not an object", `[1, 2, 3]`, nil},
		{"not JSON", `plain text`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractLogID([]byte(tt.body))
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}
