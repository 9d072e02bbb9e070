package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/automation-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/store"
	"github.com/flexinfer/mentatlab/services/automation-go/pkg/types"
)

type memoryBackend struct {
	objects map[string][]byte
	err     error
}

func (m *memoryBackend) Put(ctx context.Context, key string, data []byte, contentType string) (*ObjectRef, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = append([]byte(nil), data...)
	return &ObjectRef{URI: "s3://test/" + key, Size: int64(len(data))}, nil
}

func finishedTask(t *testing.T, ms *store.MemoryStore, finishedAt time.Time, status types.TaskStatus) *types.ScheduledTask {
	t.Helper()
	ctx := context.Background()
	task, err := types.NewTask("", "ws-1", types.SendReminderPayload{To: "a@example.com"}, finishedAt.Add(-time.Minute))
	require.NoError(t, err)
	require.NoError(t, ms.CreateTask(ctx, task))
	claimed, err := ms.ClaimTask(ctx, task.ID, task.Version, finishedAt)
	require.NoError(t, err)
	require.NoError(t, ms.FinishTask(ctx, claimed.ID, claimed.Version, status, "", finishedAt))
	return task
}

func TestArchiveTasks(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ms := store.NewMemoryStore()

	old1 := finishedTask(t, ms, now.Add(-10*24*time.Hour), types.TaskStatusDone)
	old2 := finishedTask(t, ms, now.Add(-8*24*time.Hour), types.TaskStatusFailed)
	recent := finishedTask(t, ms, now.Add(-time.Hour), types.TaskStatusDone)

	backend := &memoryBackend{}
	a, err := New(ms, backend, DefaultConfig(), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	summary, err := a.ArchiveTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Archived)
	assert.True(t, strings.HasPrefix(summary.Object, "s3://test/2026/03/10/"), summary.Object)

	require.Len(t, backend.objects, 1)
	var archived []string
	for _, data := range backend.objects {
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			var task types.ScheduledTask
			require.NoError(t, json.Unmarshal(sc.Bytes(), &task))
			archived = append(archived, task.ID)
		}
	}
	assert.ElementsMatch(t, []string{old1.ID, old2.ID}, archived)

	_, err = ms.GetTask(ctx, old1.ID)
	assert.True(t, apperr.IsNotFound(err))
	_, err = ms.GetTask(ctx, recent.ID)
	assert.NoError(t, err)

	summary, err = a.ArchiveTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ArchiveSummary{}, *summary)
}

func TestArchiveTasks_UploadFailureKeepsTasks(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ms := store.NewMemoryStore()
	task := finishedTask(t, ms, now.Add(-10*24*time.Hour), types.TaskStatusDone)

	a, err := New(ms, &memoryBackend{err: errors.New("bucket unreachable")}, DefaultConfig(),
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	_, err = a.ArchiveTasks(ctx)
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransport, apperr.KindOf(err))

	_, err = ms.GetTask(ctx, task.ID)
	assert.NoError(t, err)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(store.NewMemoryStore(), nil, DefaultConfig())
	assert.True(t, apperr.IsConfiguration(err))

	_, err = New(store.NewMemoryStore(), &memoryBackend{}, &Config{Retention: 0, BatchSize: 1})
	assert.True(t, apperr.IsConfiguration(err))
}
