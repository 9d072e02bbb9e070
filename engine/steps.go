package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/automation-go/pkg/types"
)

// maxWebhookResponse bounds how much of a webhook response is read.
const maxWebhookResponse = 1 << 20

// stepKey names the context entry a step's output is stored under.
func stepKey(s types.Step, index int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("step_%d", index)
}

// execute runs the step at index for run. The returned error, when non-nil,
// is always a *stepError.
func (e *Engine) execute(ctx context.Context, run *types.WorkflowRun, def *types.WorkflowDefinition, index int) (*stepOutcome, *stepError) {
	desc := def.Steps[index]
	st, err := decodeStep(desc)
	if err != nil {
		return nil, &stepError{Fatal: true, Err: err}
	}
	key := stepKey(desc, index)

	switch s := st.(type) {
	case *notifyStep:
		return e.runNotify(ctx, run, key, s)
	case *waitStep:
		return e.runWait(s)
	case *webhookStep:
		return e.runWebhook(ctx, run, key, s)
	case *setStep:
		return &stepOutcome{Output: s.Values}, nil
	case *assertStep:
		return e.runAssert(run, s)
	default:
		return nil, fatal("unhandled step action %q", st.action())
	}
}

func (e *Engine) runNotify(ctx context.Context, run *types.WorkflowRun, key string, s *notifyStep) (*stepOutcome, *stepError) {
	if s.To == "" {
		return nil, fatal("notify step has no recipient")
	}
	item := &types.EmailQueueItem{
		WorkspaceID:   run.WorkspaceID,
		To:            s.To,
		Subject:       s.Subject,
		Body:          s.Body,
		Status:        types.EmailStatusPending,
		NextAttemptAt: e.now(),
	}
	if err := e.store.EnqueueEmail(ctx, item); err != nil {
		return nil, retryable("enqueue email: %w", err)
	}
	return &stepOutcome{Output: map[string]interface{}{
		key: map[string]interface{}{"email_id": item.ID},
	}}, nil
}

func (e *Engine) runWait(s *waitStep) (*stepOutcome, *stepError) {
	now := e.now()
	var until time.Time
	switch {
	case s.Until != nil:
		until = *s.Until
	case s.For != "":
		d, err := time.ParseDuration(s.For)
		if err != nil {
			return nil, fatal("wait step: %w", err)
		}
		until = now.Add(d)
	default:
		return nil, fatal("wait step needs for or until")
	}
	if !until.After(now) {
		return &stepOutcome{}, nil
	}
	return &stepOutcome{WaitUntil: &until}, nil
}

func (e *Engine) runWebhook(ctx context.Context, run *types.WorkflowRun, key string, s *webhookStep) (*stepOutcome, *stepError) {
	body := []byte(s.Body)
	if len(body) == 0 && s.Method != http.MethodGet {
		var err error
		body, err = json.Marshal(map[string]interface{}{
			"run_id":       run.ID,
			"workspace_id": run.WorkspaceID,
			"context":      run.Context,
		})
		if err != nil {
			return nil, fatal("encode webhook body: %w", err)
		}
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, s.Method, s.URL, reader)
	if err != nil {
		return nil, fatal("build webhook request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, retryable("webhook %s: %w", s.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return nil, retryable("read webhook response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, retryable("webhook %s returned %d", s.URL, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fatal("webhook %s returned %d", s.URL, resp.StatusCode)
	}

	result := map[string]interface{}{"status": resp.StatusCode}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") && len(raw) > 0 {
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err == nil {
			result["body"] = decoded
		}
	}
	return &stepOutcome{Output: map[string]interface{}{key: result}}, nil
}

func (e *Engine) runAssert(run *types.WorkflowRun, s *assertStep) (*stepOutcome, *stepError) {
	ok, err := e.expr.EvaluateBool(s.Expression, runEnvironment(run.ID, run.WorkspaceID, run.Context))
	if err != nil {
		return nil, fatal("assert: %w", err)
	}
	if !ok {
		msg := s.Message
		if msg == "" {
			msg = fmt.Sprintf("assertion %q failed", s.Expression)
		}
		return nil, fatal("%s", msg)
	}
	return &stepOutcome{}, nil
}
