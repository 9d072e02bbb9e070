package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/automation-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/automation-go/pkg/types"
)

// runStoreSuite exercises the behaviour every Store backend must share.
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	ws := &types.Workspace{Name: "acme"}
	require.NoError(t, s.CreateWorkspace(ctx, ws))

	t.Run("commit run is guarded by version", func(t *testing.T) {
		def := &types.WorkflowDefinition{WorkspaceID: ws.ID, Name: "onboard", Steps: []types.Step{{Action: types.StepActionSet}}}
		require.NoError(t, s.CreateDefinition(ctx, def))
		run := &types.WorkflowRun{DefinitionID: def.ID, WorkspaceID: ws.ID, Status: types.RunStatusRunning}
		require.NoError(t, s.CreateRun(ctx, run))

		loaded, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), loaded.Version)

		next := loaded.Clone()
		next.CurrentStepIndex = 1
		next.Context = map[string]interface{}{"greeting": "hi"}
		next.UpdatedAt = now
		res, err := s.CommitRun(ctx, RunCommit{Run: next, ExpectVersion: 0})
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Version)

		_, err = s.CommitRun(ctx, RunCommit{Run: next, ExpectVersion: 0})
		assert.True(t, apperr.IsConflict(err), "stale version must conflict, got %v", err)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.CurrentStepIndex)
		assert.Equal(t, "hi", got.Context["greeting"])

		_, err = s.GetRun(ctx, "missing")
		assert.True(t, apperr.IsNotFound(err))
	})

	t.Run("commit run writes follow-up and dedups alert", func(t *testing.T) {
		def := &types.WorkflowDefinition{WorkspaceID: ws.ID, Name: "billing"}
		require.NoError(t, s.CreateDefinition(ctx, def))
		run := &types.WorkflowRun{DefinitionID: def.ID, WorkspaceID: ws.ID, Status: types.RunStatusRunning}
		require.NoError(t, s.CreateRun(ctx, run))

		task, err := types.NewTask("", ws.ID, types.AdvanceWorkflowPayload{RunID: run.ID}, now.Add(time.Minute))
		require.NoError(t, err)

		next := run.Clone()
		next.Status = types.RunStatusWaiting
		res, err := s.CommitRun(ctx, RunCommit{
			Run:           next,
			ExpectVersion: 0,
			FollowUp:      task,
			Alert:         &types.Alert{WorkspaceID: ws.ID, Kind: types.AlertKindRunFailed, SubjectID: run.ID, Severity: types.SeverityCritical},
		})
		require.NoError(t, err)
		assert.True(t, res.AlertCreated)

		stored, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TaskKindAdvanceWorkflow, stored.Kind)

		next.Status = types.RunStatusFailed
		res, err = s.CommitRun(ctx, RunCommit{
			Run:           next,
			ExpectVersion: 1,
			Alert:         &types.Alert{WorkspaceID: ws.ID, Kind: types.AlertKindRunFailed, SubjectID: run.ID, Severity: types.SeverityCritical},
		})
		require.NoError(t, err, "duplicate alert must not fail the commit")
		assert.False(t, res.AlertCreated)
	})

	t.Run("task claim admits one winner", func(t *testing.T) {
		task, err := types.NewTask("", ws.ID, types.RetryEmailPayload{EmailID: "e1"}, now.Add(-time.Minute))
		require.NoError(t, err)
		require.NoError(t, s.CreateTask(ctx, task))

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.ClaimTask(ctx, task.ID, 0, now); err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
				} else {
					assert.True(t, apperr.IsConflict(err))
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)

		claimed, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusRunning, claimed.Status)
		assert.Equal(t, 1, claimed.Attempt)

		require.NoError(t, s.FinishTask(ctx, task.ID, claimed.Version, types.TaskStatusDone, "", now))
		err = s.FinishTask(ctx, task.ID, claimed.Version, types.TaskStatusDone, "", now)
		assert.True(t, apperr.IsConflict(err))
	})

	t.Run("due tasks are ordered and bounded", func(t *testing.T) {
		base := now.Add(-time.Hour)
		for i := 3; i >= 1; i-- {
			task, err := types.NewTask("", ws.ID, types.SendReminderPayload{To: "a@example.com"}, base.Add(time.Duration(i)*time.Second))
			require.NoError(t, err)
			require.NoError(t, s.CreateTask(ctx, task))
		}
		future, err := types.NewTask("", ws.ID, types.SendReminderPayload{}, now.Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, s.CreateTask(ctx, future))

		due, err := s.ListDueTasks(ctx, now, 2)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.True(t, due[0].DueAt.Before(due[1].DueAt))
		for _, d := range due {
			assert.NotEqual(t, future.ID, d.ID)
		}
	})

	t.Run("stuck running tasks are recovered", func(t *testing.T) {
		task, err := types.NewTask("", ws.ID, types.SendReminderPayload{}, now.Add(-2*time.Hour))
		require.NoError(t, err)
		require.NoError(t, s.CreateTask(ctx, task))
		_, err = s.ClaimTask(ctx, task.ID, 0, now.Add(-time.Hour))
		require.NoError(t, err)

		n, err := s.RecoverStuckTasks(ctx, now.Add(-30*time.Minute), now)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)

		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusPending, got.Status)
	})

	t.Run("alert dedup until resolved", func(t *testing.T) {
		mk := func() *types.Alert {
			return &types.Alert{WorkspaceID: ws.ID, Kind: types.AlertKindBotStale, SubjectID: "bot-x", Severity: types.SeverityWarning}
		}
		first := mk()
		require.NoError(t, s.CreateAlert(ctx, first))
		assert.True(t, apperr.IsConflict(s.CreateAlert(ctx, mk())))

		require.NoError(t, s.ResolveAlert(ctx, ws.ID, first.ID, now))
		assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(s.ResolveAlert(ctx, ws.ID, first.ID, now)))
		assert.True(t, apperr.IsNotFound(s.ResolveAlert(ctx, "other-ws", first.ID, now)))

		require.NoError(t, s.CreateAlert(ctx, mk()))
		open, err := s.ListAlerts(ctx, ws.ID, true)
		require.NoError(t, err)
		count := 0
		for _, a := range open {
			if a.Kind == types.AlertKindBotStale && a.SubjectID == "bot-x" {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("bot stale mark is conditional", func(t *testing.T) {
		hb := now.Add(-20 * time.Minute)
		bot := &types.Bot{WorkspaceID: ws.ID, Name: "crawler", LastHeartbeatAt: &hb}
		require.NoError(t, s.CreateBot(ctx, bot))

		require.NoError(t, s.MarkBotStale(ctx, bot.ID, 0, now))
		assert.True(t, apperr.IsConflict(s.MarkBotStale(ctx, bot.ID, 0, now)))

		bots, err := s.ListBots(ctx, ws.ID)
		require.NoError(t, err)
		require.NotEmpty(t, bots)
		for _, b := range bots {
			if b.ID == bot.ID {
				assert.Equal(t, types.BotStatusStale, b.Status)
			}
		}
	})

	t.Run("metric windows are half-open", func(t *testing.T) {
		bot := &types.Bot{WorkspaceID: ws.ID, Name: "metrics"}
		require.NoError(t, s.CreateBot(ctx, bot))
		samples := []types.BotMetric{
			{BotID: bot.ID, WorkspaceID: ws.ID, SuccessCount: 2, FailureCount: 1, RecordedAt: now.Add(-10 * time.Minute)},
			{BotID: bot.ID, WorkspaceID: ws.ID, SuccessCount: 1, FailureCount: 3, RecordedAt: now.Add(-5 * time.Minute)},
			{BotID: bot.ID, WorkspaceID: ws.ID, SuccessCount: 9, FailureCount: 9, RecordedAt: now},
		}
		for i := range samples {
			require.NoError(t, s.RecordMetric(ctx, &samples[i]))
		}
		windows, err := s.MetricWindows(ctx, ws.ID, now.Add(-15*time.Minute), now)
		require.NoError(t, err)
		assert.Equal(t, types.MetricWindow{Success: 3, Failure: 4}, windows[bot.ID])
	})

	t.Run("email claim save and requeue", func(t *testing.T) {
		e := &types.EmailQueueItem{WorkspaceID: ws.ID, To: "ops@example.com", Subject: "s", Body: "b", NextAttemptAt: now.Add(-time.Minute)}
		require.NoError(t, s.EnqueueEmail(ctx, e))

		claimed, err := s.ClaimEmail(ctx, e.ID, 0, now.Add(time.Minute))
		require.NoError(t, err)
		_, err = s.ClaimEmail(ctx, e.ID, 0, now.Add(time.Minute))
		assert.True(t, apperr.IsConflict(err))

		due, err := s.ListDueEmails(ctx, now, 10)
		require.NoError(t, err)
		for _, d := range due {
			assert.NotEqual(t, e.ID, d.ID, "claimed email must be hidden")
		}

		claimed.Status = types.EmailStatusDeadletter
		claimed.Attempts = 5
		require.NoError(t, s.SaveEmail(ctx, claimed, claimed.Version))

		err = s.RequeueEmail(ctx, e.ID, now)
		assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))

		n, err := s.CountEmails(ctx, types.EmailStatusDeadletter)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)
	})

	t.Run("requeue leaves a live claim to its holder", func(t *testing.T) {
		e := &types.EmailQueueItem{WorkspaceID: ws.ID, To: "billing@example.com", Subject: "s", Body: "b", NextAttemptAt: now.Add(-time.Minute)}
		require.NoError(t, s.EnqueueEmail(ctx, e))

		claimed, err := s.ClaimEmail(ctx, e.ID, 0, now.Add(time.Minute))
		require.NoError(t, err)
		require.NotNil(t, claimed.ClaimedUntil)

		require.NoError(t, s.RequeueEmail(ctx, e.ID, now))
		due, err := s.ListDueEmails(ctx, now, 100)
		require.NoError(t, err)
		for _, d := range due {
			assert.NotEqual(t, e.ID, d.ID, "requeue must not release a held claim")
		}

		claimed.Status = types.EmailStatusSent
		claimed.SentAt = &now
		claimed.ClaimedUntil = nil
		require.NoError(t, s.SaveEmail(ctx, claimed, claimed.Version), "holder's write must still land")

		got, err := s.GetEmail(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, types.EmailStatusSent, got.Status)
		assert.Nil(t, got.ClaimedUntil)
	})

	t.Run("lapsed claim is due again and requeue applies", func(t *testing.T) {
		e := &types.EmailQueueItem{WorkspaceID: ws.ID, To: "lapsed@example.com", Subject: "s", Body: "b", NextAttemptAt: now.Add(-time.Hour)}
		require.NoError(t, s.EnqueueEmail(ctx, e))
		_, err := s.ClaimEmail(ctx, e.ID, 0, now.Add(-time.Minute))
		require.NoError(t, err)

		require.NoError(t, s.RequeueEmail(ctx, e.ID, now))
		got, err := s.GetEmail(ctx, e.ID)
		require.NoError(t, err)
		assert.True(t, got.NextAttemptAt.Equal(now))

		due, err := s.ListDueEmails(ctx, now, 100)
		require.NoError(t, err)
		var ids []string
		for _, d := range due {
			ids = append(ids, d.ID)
		}
		assert.Contains(t, ids, e.ID)
	})

	t.Run("commit run keeps resume time", func(t *testing.T) {
		def := &types.WorkflowDefinition{WorkspaceID: ws.ID, Name: "parked"}
		require.NoError(t, s.CreateDefinition(ctx, def))
		run := &types.WorkflowRun{DefinitionID: def.ID, WorkspaceID: ws.ID, Status: types.RunStatusRunning}
		require.NoError(t, s.CreateRun(ctx, run))

		next := run.Clone()
		resume := now.Add(time.Hour)
		next.Status = types.RunStatusWaiting
		next.ResumeAt = &resume
		_, err := s.CommitRun(ctx, RunCommit{Run: next, ExpectVersion: 0})
		require.NoError(t, err)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ResumeAt)
		assert.True(t, got.ResumeAt.Equal(resume))
		assert.True(t, got.Parked(now))
		assert.False(t, got.Parked(resume))
	})

	t.Run("finished tasks can be archived and deleted", func(t *testing.T) {
		task, err := types.NewTask("", ws.ID, types.SendReminderPayload{}, now.Add(-3*time.Hour))
		require.NoError(t, err)
		require.NoError(t, s.CreateTask(ctx, task))
		claimed, err := s.ClaimTask(ctx, task.ID, 0, now.Add(-3*time.Hour))
		require.NoError(t, err)
		require.NoError(t, s.FinishTask(ctx, task.ID, claimed.Version, types.TaskStatusFailed, "boom", now.Add(-3*time.Hour)))

		finished, err := s.ListFinishedTasks(ctx, now.Add(-2*time.Hour), 100)
		require.NoError(t, err)
		var ids []string
		for _, f := range finished {
			ids = append(ids, f.ID)
		}
		assert.Contains(t, ids, task.ID)

		n, err := s.DeleteTasks(ctx, []string{task.ID})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = s.GetTask(ctx, task.ID)
		assert.True(t, apperr.IsNotFound(err))
	})
}
