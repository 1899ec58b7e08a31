package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// postJSON issues a request with a JSON body against the test API.
func postJSON(t *testing.T, ts *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// decodeBody decodes a response body into v and closes it.
func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response body: %v", err)
	}
}

// createTestJob posts a valid daily job and returns its API representation.
func createTestJob(t *testing.T, ts *httptest.Server, service string) JobResponse {
	t.Helper()
	body := fmt.Sprintf(`{
		"app": "reports",
		"service": %q,
		"endpoint": "http://internal/run",
		"start_date": "2024-01-01T00:00:00Z",
		"frequency": "daily",
		"schedule_config": {"times": ["09:00"]}
	}`, service)

	resp := postJSON(t, ts, http.MethodPost, "/api/jobs", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Create job status = %d, want 201", resp.StatusCode)
	}
	var created JobResponse
	decodeBody(t, resp, &created)
	return created
}

func TestCreateJobEndpoint(t *testing.T) {
	h := newTestServer(t)
	ts := h.api(t)

	created := createTestJob(t, ts, "nightly-report")

	if created.ID == "" {
		t.Error("Created job has no ID")
	}
	if created.Status != "pending" {
		t.Errorf("Created job status = %q, want pending", created.Status)
	}
	if !created.IsActive {
		t.Error("Created job should default to active")
	}
	if created.Frequency != "daily" {
		t.Errorf("Created job frequency = %q, want daily", created.Frequency)
	}
	if created.StartDate != "2024-01-01T00:00:00Z" {
		t.Errorf("Created job start_date = %q, want the RFC3339 input back", created.StartDate)
	}

	// The row is in the catalog
	job, err := h.jobs.Get(created.ID)
	if err != nil {
		t.Fatalf("Created job not found in store: %v", err)
	}
	if job.Service != "nightly-report" {
		t.Errorf("Stored service = %q, want nightly-report", job.Service)
	}
}

func TestCreateJobValidation(t *testing.T) {
	h := newTestServer(t)
	ts := h.api(t)

	// Missing endpoint
	resp := postJSON(t, ts, http.MethodPost, "/api/jobs", `{
		"app": "reports",
		"service": "no-endpoint",
		"start_date": "2024-01-01T00:00:00Z",
		"frequency": "daily",
		"schedule_config": {"times": ["09:00"]}
	}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Missing endpoint status = %d, want 400", resp.StatusCode)
	}

	// Malformed body
	resp = postJSON(t, ts, http.MethodPost, "/api/jobs", `{"app": `)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Malformed body status = %d, want 400", resp.StatusCode)
	}

	// Bad start_date format
	resp = postJSON(t, ts, http.MethodPost, "/api/jobs", `{
		"app": "reports",
		"service": "bad-date",
		"endpoint": "http://internal/run",
		"start_date": "01/02/2024",
		"frequency": "daily",
		"schedule_config": {"times": ["09:00"]}
	}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Bad start_date status = %d, want 400", resp.StatusCode)
	}

	// Daily job without schedule_config
	resp = postJSON(t, ts, http.MethodPost, "/api/jobs", `{
		"app": "reports",
		"service": "no-config",
		"endpoint": "http://internal/run",
		"start_date": "2024-01-01T00:00:00Z",
		"frequency": "daily"
	}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Missing schedule_config status = %d, want 400", resp.StatusCode)
	}

	// Nothing landed in the catalog
	jobs, err := h.jobs.List(0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("Catalog has %d jobs after rejected creates, want 0", len(jobs))
	}
}

func TestListJobsEndpoint(t *testing.T) {
	h := newTestServer(t)
	ts := h.api(t)

	createTestJob(t, ts, "first")
	createTestJob(t, ts, "second")

	resp, err := http.Get(ts.URL + "/api/jobs")
	if err != nil {
		t.Fatalf("List request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("List status = %d, want 200", resp.StatusCode)
	}

	var list ListJobsResponse
	decodeBody(t, resp, &list)

	if list.Count != 2 {
		t.Errorf("List count = %d, want 2", list.Count)
	}
	if len(list.Jobs) != 2 {
		t.Errorf("List jobs length = %d, want 2", len(list.Jobs))
	}
}

func TestGetJobEndpoint(t *testing.T) {
	h := newTestServer(t)
	ts := h.api(t)

	created := createTestJob(t, ts, "lookup")

	resp, err := http.Get(ts.URL + "/api/jobs/" + created.ID)
	if err != nil {
		t.Fatalf("Get request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Get status = %d, want 200", resp.StatusCode)
	}
	var got JobResponse
	decodeBody(t, resp, &got)
	if got.ID != created.ID {
		t.Errorf("Get returned job %q, want %q", got.ID, created.ID)
	}

	// Unknown job
	resp, err = http.Get(ts.URL + "/api/jobs/AS-does-not-exist")
	if err != nil {
		t.Fatalf("Get request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Get unknown job status = %d, want 404", resp.StatusCode)
	}
}

func TestUpdateJobEndpoint(t *testing.T) {
	h := newTestServer(t)
	ts := h.api(t)

	created := createTestJob(t, ts, "updatable")

	resp := postJSON(t, ts, http.MethodPatch, "/api/jobs/"+created.ID, `{
		"is_active": false,
		"trigger_limit": 5,
		"schedule_config": {"times": ["21:30"]}
	}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Update status = %d, want 200", resp.StatusCode)
	}
	var updated JobResponse
	decodeBody(t, resp, &updated)

	if updated.IsActive {
		t.Error("Updated job should be inactive")
	}
	if updated.TriggerLimit == nil || *updated.TriggerLimit != 5 {
		t.Errorf("Updated trigger_limit = %v, want 5", updated.TriggerLimit)
	}
	if !strings.Contains(string(updated.ScheduleConfig), "21:30") {
		t.Errorf("Updated schedule_config = %s, want the new time", updated.ScheduleConfig)
	}

	// Untouched fields survive
	if updated.Endpoint != created.Endpoint {
		t.Errorf("Endpoint changed from %q to %q on partial update", created.Endpoint, updated.Endpoint)
	}

	// Invalid frequency is rejected and leaves the row alone
	resp = postJSON(t, ts, http.MethodPatch, "/api/jobs/"+created.ID, `{"frequency": "fortnightly"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Invalid frequency status = %d, want 400", resp.StatusCode)
	}
	job, err := h.jobs.Get(created.ID)
	if err != nil {
		t.Fatalf("Get after rejected update failed: %v", err)
	}
	if string(job.Frequency) != "daily" {
		t.Errorf("Frequency after rejected update = %q, want daily", job.Frequency)
	}
}

func TestDeleteJobEndpoint(t *testing.T) {
	h := newTestServer(t)
	ts := h.api(t)

	created := createTestJob(t, ts, "doomed")

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/jobs/"+created.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Delete request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Delete status = %d, want 204", resp.StatusCode)
	}

	// Gone from the catalog
	getResp, err := http.Get(ts.URL + "/api/jobs/" + created.ID)
	if err != nil {
		t.Fatalf("Get request failed: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Errorf("Get after delete status = %d, want 404", getResp.StatusCode)
	}

	// Deleting again 404s
	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/jobs/"+created.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Delete request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestJobsMethodNotAllowed(t *testing.T) {
	h := newTestServer(t)
	ts := h.api(t)

	resp := postJSON(t, ts, http.MethodPut, "/api/jobs", `{}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("PUT /api/jobs status = %d, want 405", resp.StatusCode)
	}

	resp = postJSON(t, ts, http.MethodPost, "/api/jobs/some-id", `{}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/jobs/{id} status = %d, want 405", resp.StatusCode)
	}
}
