package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/automation-go/pkg/types"
)

// step is the closed set of decoded step kinds. Every implementation is
// handled by the type switch in execute.
type step interface {
	action() types.StepAction
}

// notifyStep enqueues an outbound email.
type notifyStep struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body,omitempty"`
}

// waitStep parks the run until a duration has elapsed or a time is reached.
type waitStep struct {
	For   string     `json:"for,omitempty"`
	Until *time.Time `json:"until,omitempty"`
}

// webhookStep calls an HTTP endpoint.
type webhookStep struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// setStep merges static values into the run context.
type setStep struct {
	Values map[string]interface{} `json:"values"`
}

// assertStep fails the run unless the expression holds.
type assertStep struct {
	Expression string `json:"expression"`
	Message    string `json:"message,omitempty"`
}

func (notifyStep) action() types.StepAction  { return types.StepActionNotify }
func (waitStep) action() types.StepAction    { return types.StepActionWait }
func (webhookStep) action() types.StepAction { return types.StepActionWebhook }
func (setStep) action() types.StepAction     { return types.StepActionSet }
func (assertStep) action() types.StepAction  { return types.StepActionAssert }

// decodeStep turns a persisted descriptor into its typed step.
func decodeStep(s types.Step) (step, error) {
	var st step
	switch s.Action {
	case types.StepActionNotify:
		st = &notifyStep{}
	case types.StepActionWait:
		st = &waitStep{}
	case types.StepActionWebhook:
		st = &webhookStep{}
	case types.StepActionSet:
		st = &setStep{}
	case types.StepActionAssert:
		st = &assertStep{}
	default:
		return nil, fmt.Errorf("unknown step action %q", s.Action)
	}
	if len(s.Params) > 0 {
		if err := json.Unmarshal(s.Params, st); err != nil {
			return nil, fmt.Errorf("decode %s params: %w", s.Action, err)
		}
	}
	if w, ok := st.(*webhookStep); ok {
		w.Method = strings.ToUpper(w.Method)
		if w.Method == "" {
			w.Method = "POST"
		}
	}
	return st, nil
}

// stepOutcome is what a successful step hands back to the engine.
type stepOutcome struct {
	// Output is merged into the run context.
	Output map[string]interface{}

	// WaitUntil parks the run in waiting until the given time.
	WaitUntil *time.Time
}

// stepError is a failed step. Fatal errors skip the retry budget.
type stepError struct {
	Fatal bool
	Err   error
}

func (e *stepError) Error() string { return e.Err.Error() }
func (e *stepError) Unwrap() error { return e.Err }

func retryable(format string, args ...interface{}) *stepError {
	return &stepError{Err: fmt.Errorf(format, args...)}
}

func fatal(format string, args ...interface{}) *stepError {
	return &stepError{Fatal: true, Err: fmt.Errorf(format, args...)}
}
