package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/automation-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/automation-go/pkg/types"
)

var _ Store = (*MemoryStore)(nil)

type alertKey struct {
	workspaceID string
	kind        types.AlertKind
	subjectID   string
}

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*types.WorkflowDefinition
	runs        map[string]*types.WorkflowRun
	tasks       map[string]*types.ScheduledTask
	alerts      map[string]*types.Alert
	unresolved  map[alertKey]string
	workspaces  map[string]*types.Workspace
	bots        map[string]*types.Bot
	metrics     []types.BotMetric
	emails      map[string]*types.EmailQueueItem
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*types.WorkflowDefinition),
		runs:        make(map[string]*types.WorkflowRun),
		tasks:       make(map[string]*types.ScheduledTask),
		alerts:      make(map[string]*types.Alert),
		unresolved:  make(map[alertKey]string),
		workspaces:  make(map[string]*types.Workspace),
		bots:        make(map[string]*types.Bot),
		emails:      make(map[string]*types.EmailQueueItem),
	}
}

// guard is the conditional write used by every claim in this store: apply
// runs only when the observed value still equals the expected one.
// Callers hold s.mu.
func guard(op, id string, current, expect int64, apply func()) error {
	if current != expect {
		return apperr.Conflict(op, "%s changed (have %d, expected %d)", id, current, expect)
	}
	apply()
	return nil
}

func newID() string { return uuid.New().String() }

func stamp(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = *created
	}
}

// --- Runs ---

func (s *MemoryStore) CreateDefinition(ctx context.Context, def *types.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if def.ID == "" {
		def.ID = newID()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	c := *def
	c.Steps = append([]types.Step(nil), def.Steps...)
	s.definitions[def.ID] = &c
	return nil
}

func (s *MemoryStore) GetDefinition(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[id]
	if !ok {
		return nil, apperr.NotFound("store.GetDefinition", "workflow definition %s not found", id)
	}
	c := *def
	c.Steps = append([]types.Step(nil), def.Steps...)
	return &c, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *types.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = newID()
	}
	if _, exists := s.runs[run.ID]; exists {
		return apperr.Conflict("store.CreateRun", "run %s already exists", run.ID)
	}
	if run.Status == "" {
		run.Status = types.RunStatusPending
	}
	stamp(&run.CreatedAt, &run.UpdatedAt)
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*types.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, apperr.NotFound("store.GetRun", "run %s not found", id)
	}
	return run.Clone(), nil
}

func (s *MemoryStore) CommitRun(ctx context.Context, c RunCommit) (CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[c.Run.ID]
	if !ok {
		return CommitResult{}, apperr.NotFound("store.CommitRun", "run %s not found", c.Run.ID)
	}

	var res CommitResult
	err := guard("store.CommitRun", c.Run.ID, stored.Version, c.ExpectVersion, func() {
		next := c.Run.Clone()
		next.Version = c.ExpectVersion + 1
		next.CreatedAt = stored.CreatedAt
		if next.UpdatedAt.IsZero() {
			next.UpdatedAt = time.Now().UTC()
		}
		s.runs[next.ID] = next
		res.Version = next.Version

		if c.FollowUp != nil {
			s.insertTaskLocked(c.FollowUp)
		}
		if c.Alert != nil {
			res.AlertCreated = s.insertAlertLocked(c.Alert) == nil
		}
	})
	return res, err
}

// --- Tasks ---

func cloneTask(t *types.ScheduledTask) *types.ScheduledTask {
	c := *t
	c.Payload = append([]byte(nil), t.Payload...)
	return &c
}

func (s *MemoryStore) insertTaskLocked(t *types.ScheduledTask) {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.Status == "" {
		t.Status = types.TaskStatusPending
	}
	stamp(&t.CreatedAt, &t.UpdatedAt)
	s.tasks[t.ID] = cloneTask(t)
}

func (s *MemoryStore) CreateTask(ctx context.Context, t *types.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertTaskLocked(t)
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*types.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, apperr.NotFound("store.GetTask", "task %s not found", id)
	}
	return cloneTask(t), nil
}

func (s *MemoryStore) ListDueTasks(ctx context.Context, now time.Time, limit int) ([]*types.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*types.ScheduledTask
	for _, t := range s.tasks {
		if t.Status == types.TaskStatusPending && !t.DueAt.After(now) {
			due = append(due, cloneTask(t))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].DueAt.Before(due[j].DueAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) ClaimTask(ctx context.Context, id string, expectVersion int64, now time.Time) (*types.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, apperr.NotFound("store.ClaimTask", "task %s not found", id)
	}
	if t.Status != types.TaskStatusPending {
		return nil, apperr.Conflict("store.ClaimTask", "task %s is %s", id, t.Status)
	}
	err := guard("store.ClaimTask", id, t.Version, expectVersion, func() {
		t.Status = types.TaskStatusRunning
		t.Attempt++
		t.Version++
		t.UpdatedAt = now
	})
	if err != nil {
		return nil, err
	}
	return cloneTask(t), nil
}

func (s *MemoryStore) FinishTask(ctx context.Context, id string, expectVersion int64, status types.TaskStatus, lastError string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return apperr.NotFound("store.FinishTask", "task %s not found", id)
	}
	if t.Status != types.TaskStatusRunning {
		return apperr.Conflict("store.FinishTask", "task %s is %s", id, t.Status)
	}
	return guard("store.FinishTask", id, t.Version, expectVersion, func() {
		t.Status = status
		t.LastError = lastError
		t.Version++
		t.UpdatedAt = now
	})
}

func (s *MemoryStore) RescheduleTask(ctx context.Context, id string, expectVersion int64, dueAt time.Time, lastError string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return apperr.NotFound("store.RescheduleTask", "task %s not found", id)
	}
	if t.Status != types.TaskStatusRunning {
		return apperr.Conflict("store.RescheduleTask", "task %s is %s", id, t.Status)
	}
	return guard("store.RescheduleTask", id, t.Version, expectVersion, func() {
		t.Status = types.TaskStatusPending
		t.DueAt = dueAt
		t.LastError = lastError
		t.Version++
		t.UpdatedAt = now
	})
}

func (s *MemoryStore) RecoverStuckTasks(ctx context.Context, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if t.Status == types.TaskStatusRunning && t.UpdatedAt.Before(cutoff) {
			t.Status = types.TaskStatusPending
			t.Version++
			t.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListFinishedTasks(ctx context.Context, cutoff time.Time, limit int) ([]*types.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.ScheduledTask
	for _, t := range s.tasks {
		if (t.Status == types.TaskStatusDone || t.Status == types.TaskStatusFailed) && t.UpdatedAt.Before(cutoff) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteTasks(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if _, ok := s.tasks[id]; ok {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

// --- Alerts ---

func cloneAlert(a *types.Alert) *types.Alert {
	c := *a
	if a.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

func (s *MemoryStore) insertAlertLocked(a *types.Alert) error {
	key := alertKey{a.WorkspaceID, a.Kind, a.SubjectID}
	open := int64(0)
	if _, exists := s.unresolved[key]; exists {
		open = 1
	}
	return guard("store.CreateAlert", string(a.Kind)+"/"+a.SubjectID, open, 0, func() {
		if a.ID == "" {
			a.ID = newID()
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now().UTC()
		}
		s.alerts[a.ID] = cloneAlert(a)
		s.unresolved[key] = a.ID
	})
}

func (s *MemoryStore) CreateAlert(ctx context.Context, a *types.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertAlertLocked(a)
}

func (s *MemoryStore) ResolveAlert(ctx context.Context, workspaceID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok || a.WorkspaceID != workspaceID {
		return apperr.NotFound("store.ResolveAlert", "alert %s not found", id)
	}
	if a.ResolvedAt != nil {
		return apperr.InvalidState("store.ResolveAlert", "alert %s already resolved", id)
	}
	a.ResolvedAt = &at
	delete(s.unresolved, alertKey{a.WorkspaceID, a.Kind, a.SubjectID})
	return nil
}

func (s *MemoryStore) ListAlerts(ctx context.Context, workspaceID string, unresolvedOnly bool) ([]*types.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Alert
	for _, a := range s.alerts {
		if a.WorkspaceID != workspaceID {
			continue
		}
		if unresolvedOnly && a.ResolvedAt != nil {
			continue
		}
		out = append(out, cloneAlert(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Bots ---

func cloneBot(b *types.Bot) *types.Bot {
	c := *b
	if b.LastHeartbeatAt != nil {
		t := *b.LastHeartbeatAt
		c.LastHeartbeatAt = &t
	}
	return &c
}

func (s *MemoryStore) CreateWorkspace(ctx context.Context, ws *types.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ws.ID == "" {
		ws.ID = newID()
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}
	c := *ws
	s.workspaces[ws.ID] = &c
	return nil
}

func (s *MemoryStore) ListWorkspaces(ctx context.Context) ([]*types.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		c := *ws
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateBot(ctx context.Context, b *types.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.ID == "" {
		b.ID = newID()
	}
	if b.Status == "" {
		b.Status = types.BotStatusActive
	}
	stamp(&b.CreatedAt, &b.UpdatedAt)
	s.bots[b.ID] = cloneBot(b)
	return nil
}

func (s *MemoryStore) ListBots(ctx context.Context, workspaceID string) ([]*types.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Bot
	for _, b := range s.bots {
		if b.WorkspaceID == workspaceID {
			out = append(out, cloneBot(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) MarkBotStale(ctx context.Context, id string, expectVersion int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bots[id]
	if !ok {
		return apperr.NotFound("store.MarkBotStale", "bot %s not found", id)
	}
	if b.Status == types.BotStatusStale {
		return apperr.Conflict("store.MarkBotStale", "bot %s already stale", id)
	}
	return guard("store.MarkBotStale", id, b.Version, expectVersion, func() {
		b.Status = types.BotStatusStale
		b.Version++
		b.UpdatedAt = now
	})
}

func (s *MemoryStore) RecordMetric(ctx context.Context, m *types.BotMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	s.metrics = append(s.metrics, *m)
	return nil
}

func (s *MemoryStore) MetricWindows(ctx context.Context, workspaceID string, from, to time.Time) (map[string]types.MetricWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]types.MetricWindow)
	for _, m := range s.metrics {
		if m.WorkspaceID != workspaceID || m.RecordedAt.Before(from) || !m.RecordedAt.Before(to) {
			continue
		}
		w := out[m.BotID]
		w.Success += m.SuccessCount
		w.Failure += m.FailureCount
		out[m.BotID] = w
	}
	return out, nil
}

// --- Email queue ---

func cloneEmail(e *types.EmailQueueItem) *types.EmailQueueItem {
	c := *e
	if e.SentAt != nil {
		t := *e.SentAt
		c.SentAt = &t
	}
	if e.ClaimedUntil != nil {
		t := *e.ClaimedUntil
		c.ClaimedUntil = &t
	}
	return &c
}

func (s *MemoryStore) EnqueueEmail(ctx context.Context, e *types.EmailQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = newID()
	}
	if e.Status == "" {
		e.Status = types.EmailStatusPending
	}
	stamp(&e.CreatedAt, &e.UpdatedAt)
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = e.CreatedAt
	}
	s.emails[e.ID] = cloneEmail(e)
	return nil
}

func (s *MemoryStore) GetEmail(ctx context.Context, id string) (*types.EmailQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.emails[id]
	if !ok {
		return nil, apperr.NotFound("store.GetEmail", "email %s not found", id)
	}
	return cloneEmail(e), nil
}

func (s *MemoryStore) ListDueEmails(ctx context.Context, now time.Time, limit int) ([]*types.EmailQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*types.EmailQueueItem
	for _, e := range s.emails {
		if e.Status == types.EmailStatusPending && !e.NextAttemptAt.After(now) && !e.Claimed(now) {
			due = append(due, cloneEmail(e))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) ClaimEmail(ctx context.Context, id string, expectVersion int64, leaseUntil time.Time) (*types.EmailQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.emails[id]
	if !ok {
		return nil, apperr.NotFound("store.ClaimEmail", "email %s not found", id)
	}
	if e.Status != types.EmailStatusPending {
		return nil, apperr.Conflict("store.ClaimEmail", "email %s is %s", id, e.Status)
	}
	err := guard("store.ClaimEmail", id, e.Version, expectVersion, func() {
		until := leaseUntil
		e.ClaimedUntil = &until
		e.Version++
	})
	if err != nil {
		return nil, err
	}
	return cloneEmail(e), nil
}

func (s *MemoryStore) SaveEmail(ctx context.Context, e *types.EmailQueueItem, expectVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.emails[e.ID]
	if !ok {
		return apperr.NotFound("store.SaveEmail", "email %s not found", e.ID)
	}
	return guard("store.SaveEmail", e.ID, stored.Version, expectVersion, func() {
		next := cloneEmail(e)
		next.Version = expectVersion + 1
		next.CreatedAt = stored.CreatedAt
		s.emails[e.ID] = next
		e.Version = next.Version
	})
}

func (s *MemoryStore) RequeueEmail(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.emails[id]
	if !ok {
		return apperr.NotFound("store.RequeueEmail", "email %s not found", id)
	}
	switch e.Status {
	case types.EmailStatusDeadletter:
		return apperr.InvalidState("store.RequeueEmail", "email %s is deadlettered", id)
	case types.EmailStatusSent:
		return nil
	}
	if e.Claimed(now) {
		// The drain holding it writes the outcome.
		return nil
	}
	e.NextAttemptAt = now
	e.UpdatedAt = now
	e.Version++
	return nil
}

func (s *MemoryStore) CountEmails(ctx context.Context, status types.EmailStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.emails {
		if e.Status == status {
			n++
		}
	}
	return n, nil
}

// Ping always succeeds for the memory store.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
