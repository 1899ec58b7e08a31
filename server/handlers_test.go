package server

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teranos/chime/ledger"
	"github.com/teranos/chime/schedule"
)

// alwaysDueJob seeds an hourly job that fires on every minute, so it is
// due on any pass regardless of the test's wall clock.
func alwaysDueJob(t *testing.T, h *testHarness, service, endpoint string) *schedule.Job {
	t.Helper()

	minutes := make([]string, 60)
	for i := range minutes {
		minutes[i] = strconv.Itoa(i)
	}
	job := &schedule.Job{
		App:            "reports",
		Service:        service,
		Endpoint:       endpoint,
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Frequency:      schedule.FrequencyHourly,
		ScheduleConfig: `{"minutes": [` + strings.Join(minutes, ",") + `]}`,
		IsActive:       true,
	}
	if err := h.jobs.Create(job); err != nil {
		t.Fatalf("Failed to seed job: %v", err)
	}
	return job
}

// countingServer answers 200 and counts hits.
func countingServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestTriggerEndpointRunsPass(t *testing.T) {
	h := newTestServer(t)
	ts := h.api(t)

	var calls int32
	target := countingServer(t, &calls)
	job := alwaysDueJob(t, h, "hourly-sync", target.URL)

	resp := postJSON(t, ts, http.MethodPost, "/api/trigger", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Trigger status = %d, want 200", resp.StatusCode)
	}
	var trigger TriggerResponse
	decodeBody(t, resp, &trigger)

	if !trigger.Success {
		t.Error("Trigger should report success")
	}
	if trigger.Message != "Scheduler executed successfully" {
		t.Errorf("Trigger message = %q", trigger.Message)
	}
	if trigger.Results == nil || trigger.Results.Successful != 1 {
		t.Fatalf("Trigger results = %+v, want successful 1", trigger.Results)
	}
	if len(trigger.Results.Triggered) != 1 || trigger.Results.Triggered[0].ID != job.ID {
		t.Errorf("Triggered list = %+v, want the seeded job", trigger.Results.Triggered)
	}
	if trigger.MasterLogID == nil {
		t.Fatal("HTTP trigger should always write a master log entry")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("Dispatch target hit %d times, want 1", calls)
	}

	// The master entry records the http source
	master, err := h.entries.Get(*trigger.MasterLogID)
	if err != nil {
		t.Fatalf("Master entry not found: %v", err)
	}
	if master.TriggerSource != ledger.SourceHTTP {
		t.Errorf("Master trigger_source = %q, want http", master.TriggerSource)
	}
	if !master.Status.Terminal() {
		t.Errorf("Master status = %q, want terminal", master.Status)
	}

	// The job row advanced
	row, err := h.jobs.Get(job.ID)
	if err != nil {
		t.Fatalf("Job row not found: %v", err)
	}
	if row.TriggeredCount != 1 {
		t.Errorf("Job triggered_count = %d, want 1", row.TriggeredCount)
	}
}

func TestTriggerEndpointScheduleIDForcesJob(t *testing.T) {
	h := newTestServer(t)
	ts := h.api(t)

	var calls int32
	target := countingServer(t, &calls)

	// Daily job that already ran today: not due on a standard pass
	job := &schedule.Job{
		App:            "reports",
		Service:        "daily-report",
		Endpoint:       target.URL,
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Frequency:      schedule.FrequencyDaily,
		ScheduleConfig: `{"times": ["09:00"]}`,
		IsActive:       true,
	}
	if err := h.jobs.Create(job); err != nil {
		t.Fatalf("Failed to seed job: %v", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := h.gateway.Exec(`UPDATE scheduled_jobs SET last_triggered_at = ? WHERE id = ?`, now, job.ID); err != nil {
		t.Fatalf("Failed to stamp last_triggered_at: %v", err)
	}

	// Standard pass skips it
	resp := postJSON(t, ts, http.MethodPost, "/api/trigger", `{}`)
	var standard TriggerResponse
	decodeBody(t, resp, &standard)
	if standard.Results.Successful != 0 {
		t.Fatalf("Standard pass dispatched %d jobs, want 0", standard.Results.Successful)
	}

	// schedule_id forces it through
	resp = postJSON(t, ts, http.MethodPost, "/api/trigger", `{"schedule_id": "`+job.ID+`"}`)
	var forced TriggerResponse
	decodeBody(t, resp, &forced)
	if !forced.Success || forced.Results.Successful != 1 {
		t.Fatalf("Forced pass results = %+v, want successful 1", forced.Results)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("Dispatch target hit %d times, want 1", calls)
	}
}

func TestTriggerEndpointToleratesUnreadableBody(t *testing.T) {
	h := newTestServer(t)
	ts := h.api(t)

	resp := postJSON(t, ts, http.MethodPost, "/api/trigger", `this is not json`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Trigger with bad body status = %d, want 200", resp.StatusCode)
	}
	var trigger TriggerResponse
	decodeBody(t, resp, &trigger)

	if !trigger.Success {
		t.Error("Unreadable body should fall back to a standard pass")
	}
	if trigger.Results == nil || trigger.Results.Processed != 0 {
		t.Errorf("Results = %+v, want an empty standard pass", trigger.Results)
	}
	if trigger.MasterLogID == nil {
		t.Error("Even an empty HTTP pass writes a master log entry")
	}
	if trigger.ExecutionTimeSeconds < 0 {
		t.Errorf("execution_time_seconds = %f, want non-negative", trigger.ExecutionTimeSeconds)
	}
}

func TestTriggerEndpointReportsPerJobFailuresAsSuccess(t *testing.T) {
	h := newTestServer(t)
	ts := h.api(t)

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(broken.Close)
	alwaysDueJob(t, h, "doomed-sync", broken.URL)

	resp := postJSON(t, ts, http.MethodPost, "/api/trigger", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Trigger status = %d, want 200: per-job failures are not HTTP errors", resp.StatusCode)
	}
	var trigger TriggerResponse
	decodeBody(t, resp, &trigger)

	if !trigger.Success {
		t.Error("Per-job failures should not flip the envelope to failure")
	}
	if trigger.Results.Failed != 1 {
		t.Errorf("Results failed = %d, want 1", trigger.Results.Failed)
	}
}

func TestTriggerEndpointMethodNotAllowed(t *testing.T) {
	h := newTestServer(t)
	ts := h.api(t)

	resp, err := http.Get(ts.URL + "/api/trigger")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/trigger status = %d, want 405", resp.StatusCode)
	}
}

type stubTickerStats map[string]interface{}

func (s stubTickerStats) Stats() map[string]interface{} { return s }

func TestHealthEndpoint(t *testing.T) {
	h := newTestServer(t)
	h.srv.ticker = stubTickerStats{"interval": "15m0s", "passes_since_start": int64(3)}
	ts := h.api(t)

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Health status = %d, want 200", resp.StatusCode)
	}
	var health map[string]interface{}
	decodeBody(t, resp, &health)

	if health["status"] != "ok" {
		t.Errorf("Health status field = %v, want ok", health["status"])
	}
	if health["database"] != "ok" {
		t.Errorf("Health database field = %v, want ok", health["database"])
	}
	if health["clients"] != float64(0) {
		t.Errorf("Health clients = %v, want 0", health["clients"])
	}
	if _, ok := health["version"]; !ok {
		t.Error("Health missing version")
	}
	scheduler, ok := health["scheduler"].(map[string]interface{})
	if !ok || scheduler["interval"] != "15m0s" {
		t.Errorf("Health scheduler = %v, want ticker stats embedded", health["scheduler"])
	}
}

func TestHealthDegradedWhenStoreUnreachable(t *testing.T) {
	h := newTestServer(t)
	ts := h.api(t)

	if err := h.gateway.DB().Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	var health map[string]interface{}
	decodeBody(t, resp, &health)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Health status = %d, want 503", resp.StatusCode)
	}
	if health["status"] != "degraded" {
		t.Errorf("Health status field = %v, want degraded", health["status"])
	}
}
