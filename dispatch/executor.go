// Package dispatch sends scheduled jobs to their HTTP endpoints and
// classifies what came back. One POST per dispatch, no automatic
// retries; services that finish asynchronously answer 202 with a
// ledger log_id and are tracked by the Poller.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/chime/config"
	"github.com/teranos/chime/errors"
	"github.com/teranos/chime/internal/httpclient"
	"github.com/teranos/chime/internal/util"
	"github.com/teranos/chime/ledger"
	"github.com/teranos/chime/schedule"
)

// maxDetailBytes caps the response detail persisted on jobs and log
// entries.
const maxDetailBytes = 4000

// Outcome is the classified result of one dispatch.
type Outcome struct {
	Success bool
	Code    int
	Detail  string

	// ChildLogID is the ledger entry the target service logged itself
	// under, when the response carried one.
	ChildLogID *int64
}

// Executor performs the outbound HTTP call for a job.
type Executor struct {
	client  *httpclient.SaferClient
	poller  *Poller
	tokens  TokenSource
	limiter *rate.Limiter
	timeout time.Duration
	logger  *zap.SugaredLogger
}

// NewExecutor creates an executor from dispatch configuration. tokens
// may be nil for unauthenticated targets.
func NewExecutor(cfg config.DispatchConfig, poller *Poller, tokens TokenSource, logger *zap.SugaredLogger) *Executor {
	timeout := cfg.Timeout()

	var limiter *rate.Limiter
	if cfg.MaxRequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.MaxRequestsPerMinute)), 1)
	}

	return &Executor{
		client: httpclient.NewSaferClientWithOptions(timeout, httpclient.SaferClientOptions{
			BlockPrivateIP: util.Ptr(cfg.BlockPrivateEndpoints),
		}),
		poller:  poller,
		tokens:  tokens,
		limiter: limiter,
		timeout: timeout,
		logger:  logger,
	}
}

// Dispatch POSTs the job's payload to its endpoint and classifies the
// response. parentCtx, when present, is merged into the payload so the
// target can log itself under the triggering run.
func (e *Executor) Dispatch(ctx context.Context, job *schedule.Job, parentCtx *ledger.ChildContext) Outcome {
	body, err := buildPayload(job.PayloadTemplate, parentCtx)
	if err != nil {
		return Outcome{Code: http.StatusBadRequest, Detail: fmt.Sprintf("invalid payload template: %v", err)}
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return Outcome{Code: http.StatusRequestTimeout, Detail: fmt.Sprintf("dispatch canceled: %v", err)}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{Code: http.StatusInternalServerError, Detail: fmt.Sprintf("HTTP request error: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	if e.tokens != nil {
		token, err := e.tokens.Token()
		if err != nil {
			return Outcome{Code: http.StatusInternalServerError, Detail: fmt.Sprintf("auth token error: %v", err)}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	if e.logger != nil {
		e.logger.Debugw("Dispatching service",
			"app", job.App,
			"service", job.Service,
			"endpoint", job.Endpoint,
		)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Outcome{Code: http.StatusRequestTimeout, Detail: fmt.Sprintf("request timed out after %s", e.timeout)}
		}
		return Outcome{Code: http.StatusInternalServerError, Detail: fmt.Sprintf("HTTP request error: %v", err)}
	}
	defer resp.Body.Close()

	detail := "unable to read response body"
	var childID *int64
	if raw, readErr := io.ReadAll(resp.Body); readErr == nil {
		detail = util.LimitString(string(raw), maxDetailBytes)
		childID = extractLogID(raw)
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		// Deferred execution. Without a log_id there is nothing to
		// poll, and reporting success would be a lie.
		if childID == nil {
			return Outcome{Code: http.StatusInternalServerError, Detail: "202 accepted but missing log_id for status polling"}
		}
		if e.poller == nil {
			return Outcome{Code: http.StatusInternalServerError, Detail: "no poller configured for async completion", ChildLogID: childID}
		}
		success, code, pollDetail := e.poller.Poll(ctx, *childID)
		return Outcome{Success: success, Code: code, Detail: pollDetail, ChildLogID: childID}

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Outcome{Success: true, Code: resp.StatusCode, Detail: detail, ChildLogID: childID}

	default:
		return Outcome{Code: resp.StatusCode, Detail: detail, ChildLogID: childID}
	}
}

// buildPayload parses the job's template and merges lineage in. The
// template must be a JSON object so the lineage keys have somewhere to
// live.
func buildPayload(template string, parentCtx *ledger.ChildContext) ([]byte, error) {
	if strings.TrimSpace(template) == "" {
		template = "{}"
	}
	payload := map[string]interface{}{}
	if err := json.Unmarshal([]byte(template), &payload); err != nil {
		return nil, err
	}
	if parentCtx != nil {
		payload["parent_service_id"] = parentCtx.ParentServiceID
		payload["root_id"] = parentCtx.RootID
	}
	return json.Marshal(payload)
}

// extractLogID pulls a numeric log_id out of a response body, at the
// top level or nested under "result". Extraction never fails a
// dispatch; an unparseable body just yields no id.
func extractLogID(body []byte) *int64 {
	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil
	}
	if id, ok := numericID(decoded["log_id"]); ok {
		return &id
	}
	if result, ok := decoded["result"].(map[string]interface{}); ok {
		if id, ok := numericID(result["log_id"]); ok {
			return &id
		}
	}
	return nil
}

func numericID(v interface{}) (int64, bool) {
	switch value := v.(type) {
	case float64:
		return int64(value), true
	case string:
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, false
		}
		return id, true
	}
	return 0, false
}
