package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/automation-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/backoff"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/events"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/store"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/automation-go/pkg/types"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	eng *Engine
	rec *events.Recorder
	now time.Time
	mu  sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advanceClock(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, s Store, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{rec: &events.Recorder{}, now: epoch}
	cfg := DefaultConfig()
	cfg.Backoff = &backoff.Exponential{Base: 30 * time.Second, Max: time.Hour}
	opts = append([]Option{WithClock(f.clock), WithPublisher(f.rec)}, opts...)
	eng, err := New(s, cfg, opts...)
	require.NoError(t, err)
	f.eng = eng
	return f
}

func params(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func seedRun(t *testing.T, s Store, status types.RunStatus, steps ...types.Step) *types.WorkflowRun {
	t.Helper()
	ctx := context.Background()
	def := &types.WorkflowDefinition{WorkspaceID: "ws-1", Name: "wf", Steps: steps}
	require.NoError(t, s.CreateDefinition(ctx, def))
	run := &types.WorkflowRun{DefinitionID: def.ID, WorkspaceID: "ws-1", Status: status}
	require.NoError(t, s.CreateRun(ctx, run))
	return run
}

func setStepWith(t *testing.T, values map[string]interface{}) types.Step {
	return types.Step{Action: types.StepActionSet, Params: params(t, map[string]interface{}{"values": values})}
}

func TestAdvance_AllStepsSucceed(t *testing.T) {
	ms := store.NewMemoryStore()
	f := newFixture(t, ms)
	ctx := context.Background()

	run := seedRun(t, ms, types.RunStatusRunning,
		setStepWith(t, map[string]interface{}{"a": 1}),
		setStepWith(t, map[string]interface{}{"b": 2}),
		setStepWith(t, map[string]interface{}{"c": 3}),
	)

	var res *types.AdvanceResult
	for i := 0; i < 3; i++ {
		var err error
		res, err = f.eng.Advance(ctx, "", run.ID)
		require.NoError(t, err, "advance %d", i+1)
	}
	assert.Equal(t, types.RunStatusCompleted, res.Status)
	assert.Equal(t, 3, res.CurrentStepIndex)

	got, err := ms.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, got.Status)
	assert.Equal(t, 3, got.CurrentStepIndex)
	assert.Nil(t, got.LeaseUntil)
	assert.Len(t, got.Context, 3)

	_, err = f.eng.Advance(ctx, "", run.ID)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err), "completed run is absorbing")
}

func TestAdvance_RetryThenFail(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	ms := store.NewMemoryStore()
	f := newFixture(t, ms, WithHTTPClient(failing.Client()))
	ctx := context.Background()

	run := seedRun(t, ms, types.RunStatusRunning,
		setStepWith(t, map[string]interface{}{"ok": true}),
		types.Step{Name: "hook", Action: types.StepActionWebhook, Params: params(t, map[string]string{"url": failing.URL})},
		setStepWith(t, map[string]interface{}{"never": true}),
	)

	_, err := f.eng.Advance(ctx, "", run.ID)
	require.NoError(t, err)

	// Attempt 1 fails: waiting with a follow-up due after backoff(1).
	res, err := f.eng.Advance(ctx, "", run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusWaiting, res.Status)
	assert.Equal(t, 1, res.CurrentStepIndex)
	assert.Equal(t, 1, res.AttemptCount)
	require.NotNil(t, res.NextAttemptAt)
	assert.Equal(t, epoch.Add(30*time.Second), *res.NextAttemptAt)

	due, err := ms.ListDueTasks(ctx, epoch.Add(30*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	payload, err := due[0].DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, &types.AdvanceWorkflowPayload{RunID: run.ID, StepIndex: 1, AttemptCount: 1}, payload)

	// The backoff cannot be skipped.
	_, err = f.eng.Advance(ctx, "ws-1", run.ID)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))

	// Attempt 2 backs off further.
	f.advanceClock(30 * time.Second)
	res, err = f.eng.Advance(ctx, "", run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusWaiting, res.Status)
	assert.Equal(t, 2, res.AttemptCount)
	assert.Equal(t, f.clock().Add(time.Minute), *res.NextAttemptAt)

	// Attempt 3 exhausts the budget.
	f.advanceClock(time.Minute)
	res, err = f.eng.Advance(ctx, "", run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, res.Status)
	assert.Nil(t, res.NextAttemptAt)

	alerts, err := ms.ListAlerts(ctx, "ws-1", true)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlertKindRunFailed, alerts[0].Kind)
	assert.Equal(t, run.ID, alerts[0].SubjectID)

	_, err = f.eng.Advance(ctx, "", run.ID)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))
}

func TestAdvance_FatalStepFailsImmediately(t *testing.T) {
	ms := store.NewMemoryStore()
	f := newFixture(t, ms)
	ctx := context.Background()

	run := seedRun(t, ms, types.RunStatusRunning,
		setStepWith(t, map[string]interface{}{"plan": "free"}),
		types.Step{Action: types.StepActionAssert, Params: params(t, map[string]string{
			"expression": "plan == 'pro'",
			"message":    "plan must be pro",
		})},
	)

	_, err := f.eng.Advance(ctx, "", run.ID)
	require.NoError(t, err)
	res, err := f.eng.Advance(ctx, "", run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, res.Status)
	assert.Equal(t, 1, res.AttemptCount)

	got, err := ms.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "plan must be pro", got.LastError)
}

func TestAdvance_UnknownActionIsFatal(t *testing.T) {
	ms := store.NewMemoryStore()
	f := newFixture(t, ms)

	run := seedRun(t, ms, types.RunStatusRunning, types.Step{Action: "teleport"})
	res, err := f.eng.Advance(context.Background(), "", run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, res.Status)
}

func TestAdvance_InvalidDefinitionFailsRun(t *testing.T) {
	v, err := validator.New()
	require.NoError(t, err)
	ms := store.NewMemoryStore()
	f := newFixture(t, ms, WithValidator(v))

	run := seedRun(t, ms, types.RunStatusRunning,
		types.Step{Action: types.StepActionNotify, Params: params(t, map[string]string{"subject": "no recipient"})},
	)
	res, err := f.eng.Advance(context.Background(), "", run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, res.Status)

	n, err := ms.CountEmails(context.Background(), types.EmailStatusPending)
	require.NoError(t, err)
	assert.Zero(t, n, "no step may run for an invalid definition")
}

func TestAdvance_WaitStepParksRun(t *testing.T) {
	ms := store.NewMemoryStore()
	f := newFixture(t, ms)
	ctx := context.Background()

	run := seedRun(t, ms, types.RunStatusRunning,
		types.Step{Action: types.StepActionWait, Params: params(t, map[string]string{"for": "1h"})},
		setStepWith(t, map[string]interface{}{"done": true}),
	)

	res, err := f.eng.Advance(ctx, "", run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusWaiting, res.Status)
	assert.Equal(t, 1, res.CurrentStepIndex)
	assert.Equal(t, 0, res.AttemptCount)
	require.NotNil(t, res.NextAttemptAt)
	assert.Equal(t, epoch.Add(time.Hour), *res.NextAttemptAt)

	f.advanceClock(time.Hour)
	res, err = f.eng.Advance(ctx, "", run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, res.Status)
}

func TestResume_RejectsMovedRun(t *testing.T) {
	ms := store.NewMemoryStore()
	f := newFixture(t, ms)
	ctx := context.Background()

	run := seedRun(t, ms, types.RunStatusRunning,
		types.Step{Action: types.StepActionWait, Params: params(t, map[string]string{"for": "5m"})},
		setStepWith(t, map[string]interface{}{"a": 1}),
		setStepWith(t, map[string]interface{}{"b": 2}),
	)
	_, err := f.eng.Advance(ctx, "", run.ID)
	require.NoError(t, err)

	_, err = f.eng.Advance(ctx, "ws-1", run.ID)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err), "wait step cannot be skipped")

	f.advanceClock(5 * time.Minute)
	stale := &types.AdvanceWorkflowPayload{RunID: run.ID, StepIndex: 0, AttemptCount: 0}
	_, err = f.eng.Resume(ctx, stale)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))

	res, err := f.eng.Resume(ctx, &types.AdvanceWorkflowPayload{RunID: run.ID, StepIndex: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, res.CurrentStepIndex)

	// Redelivering the same task again is rejected: the run moved on.
	_, err = f.eng.Resume(ctx, &types.AdvanceWorkflowPayload{RunID: run.ID, StepIndex: 1})
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))

	got, err := ms.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentStepIndex)
	assert.Nil(t, got.ResumeAt)
}

func TestAdvance_NotifyAndWebhookOutputs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"echo": body["run_id"]})
	}))
	defer srv.Close()

	ms := store.NewMemoryStore()
	f := newFixture(t, ms, WithHTTPClient(srv.Client()))
	ctx := context.Background()

	run := seedRun(t, ms, types.RunStatusRunning,
		types.Step{Name: "welcome", Action: types.StepActionNotify, Params: params(t, map[string]string{"to": "a@example.com", "subject": "hi"})},
		types.Step{Name: "crm", Action: types.StepActionWebhook, Params: params(t, map[string]string{"url": srv.URL})},
	)

	_, err := f.eng.Advance(ctx, "", run.ID)
	require.NoError(t, err)
	_, err = f.eng.Advance(ctx, "", run.ID)
	require.NoError(t, err)

	got, err := ms.GetRun(ctx, run.ID)
	require.NoError(t, err)
	welcome, ok := got.Context["welcome"].(map[string]interface{})
	require.True(t, ok)
	emailID, _ := welcome["email_id"].(string)
	email, err := ms.GetEmail(ctx, emailID)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", email.To)

	crm, ok := got.Context["crm"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"echo": run.ID}, crm["body"])
}

func TestAdvance_WebhookClientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	ms := store.NewMemoryStore()
	f := newFixture(t, ms, WithHTTPClient(srv.Client()))
	run := seedRun(t, ms, types.RunStatusRunning,
		types.Step{Action: types.StepActionWebhook, Params: params(t, map[string]string{"url": srv.URL})},
	)
	res, err := f.eng.Advance(context.Background(), "", run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, res.Status)
}

func TestAdvance_Errors(t *testing.T) {
	ms := store.NewMemoryStore()
	f := newFixture(t, ms)
	ctx := context.Background()

	_, err := f.eng.Advance(ctx, "", "missing")
	assert.True(t, apperr.IsNotFound(err))

	pending := seedRun(t, ms, types.RunStatusPending, setStepWith(t, nil))
	_, err = f.eng.Advance(ctx, "", pending.ID)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err), "pending runs need Start")

	running := seedRun(t, ms, types.RunStatusRunning, setStepWith(t, nil))
	_, err = f.eng.Advance(ctx, "ws-other", running.ID)
	assert.True(t, apperr.IsNotFound(err), "other workspaces must not see the run")

	res, err := f.eng.Advance(ctx, "ws-1", running.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, res.Status)
}

func TestStart(t *testing.T) {
	ms := store.NewMemoryStore()
	f := newFixture(t, ms)
	ctx := context.Background()

	run := seedRun(t, ms, types.RunStatusPending,
		setStepWith(t, map[string]interface{}{"a": 1}),
		setStepWith(t, map[string]interface{}{"b": 2}),
	)
	res, err := f.eng.Start(ctx, "ws-1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, res.Status)
	assert.Equal(t, 1, res.CurrentStepIndex)

	_, err = f.eng.Start(ctx, "ws-1", run.ID)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))
}

// blockingStore parks EnqueueEmail until released so a notify step can be
// held in flight.
type blockingStore struct {
	*store.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func newBlockingStore() *blockingStore {
	return &blockingStore{
		MemoryStore: store.NewMemoryStore(),
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
}

func (b *blockingStore) EnqueueEmail(ctx context.Context, e *types.EmailQueueItem) error {
	b.entered <- struct{}{}
	<-b.release
	return b.MemoryStore.EnqueueEmail(ctx, e)
}

func TestAdvance_ConcurrentCallsTransitionOnce(t *testing.T) {
	bs := newBlockingStore()
	f := newFixture(t, bs)
	ctx := context.Background()

	run := seedRun(t, bs, types.RunStatusRunning,
		types.Step{Action: types.StepActionNotify, Params: params(t, map[string]string{"to": "a@example.com", "subject": "s"})},
		setStepWith(t, nil),
	)

	type result struct {
		res *types.AdvanceResult
		err error
	}
	first := make(chan result, 1)
	go func() {
		res, err := f.eng.Advance(ctx, "", run.ID)
		first <- result{res, err}
	}()
	<-bs.entered

	_, err := f.eng.Advance(ctx, "", run.ID)
	assert.True(t, apperr.IsConflict(err), "second advance must lose, got %v", err)

	close(bs.release)
	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, 1, r.res.CurrentStepIndex)

	n, err := bs.CountEmails(ctx, types.EmailStatusPending)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "side effect applied exactly once")
}

func TestCancel_DuringAdvanceWins(t *testing.T) {
	bs := newBlockingStore()
	f := newFixture(t, bs)
	ctx := context.Background()

	run := seedRun(t, bs, types.RunStatusRunning,
		types.Step{Action: types.StepActionNotify, Params: params(t, map[string]string{"to": "a@example.com", "subject": "s"})},
		setStepWith(t, nil),
	)

	errc := make(chan error, 1)
	go func() {
		_, err := f.eng.Advance(ctx, "", run.ID)
		errc <- err
	}()
	<-bs.entered

	cancelled, err := f.eng.Cancel(ctx, "ws-1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCancelled, cancelled.Status)

	close(bs.release)
	assert.True(t, apperr.IsConflict(<-errc), "in-flight advance must not overwrite cancellation")

	got, err := bs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCancelled, got.Status)
	assert.Equal(t, 0, got.CurrentStepIndex)

	_, err = f.eng.Advance(ctx, "", run.ID)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))
	_, err = f.eng.Cancel(ctx, "ws-1", run.ID)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))
}

func TestAdvance_PublishesRunStatus(t *testing.T) {
	ms := store.NewMemoryStore()
	f := newFixture(t, ms)

	run := seedRun(t, ms, types.RunStatusRunning, setStepWith(t, nil))
	_, err := f.eng.Advance(context.Background(), "", run.ID)
	require.NoError(t, err)

	var last *types.Event
	for _, evt := range f.rec.Events() {
		if evt.Type == types.EventTypeRunStatus {
			last = evt
		}
	}
	require.NotNil(t, last)
	var data types.RunStatusEvent
	require.NoError(t, json.Unmarshal(last.Data, &data))
	assert.Equal(t, types.RunStatusRunning, data.From)
	assert.Equal(t, types.RunStatusCompleted, data.To)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.MaxAttempts = 0
	assert.True(t, apperr.IsConfiguration(cfg.Validate()))

	_, err := New(store.NewMemoryStore(), cfg)
	assert.True(t, apperr.IsConfiguration(err))
}
