package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/automation-go/pkg/types"
)

func TestNewEvent(t *testing.T) {
	evt, err := NewEvent(types.EventTypeRunStatus, "ws-1", "run-1", types.RunStatusEvent{
		From: types.RunStatusRunning,
		To:   types.RunStatusCompleted,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, evt.ID)
	assert.False(t, evt.Timestamp.IsZero())

	var data types.RunStatusEvent
	require.NoError(t, json.Unmarshal(evt.Data, &data))
	assert.Equal(t, types.RunStatusCompleted, data.To)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	evt, err := NewEvent(types.EventTypeAlertRaised, "ws-1", "", map[string]string{"kind": "bot_stale"})
	require.NoError(t, err)

	require.NoError(t, r.Publish(context.Background(), evt))
	got := r.Events()
	require.Len(t, got, 1)
	assert.Equal(t, types.EventTypeAlertRaised, got[0].Type)
}

func TestNewRedisPublisher_RequiresURL(t *testing.T) {
	_, err := NewRedisPublisher(context.Background(), &RedisConfig{}, nil)
	assert.Error(t, err)

	_, err = NewRedisPublisher(context.Background(), &RedisConfig{URL: "not a url"}, nil)
	assert.Error(t, err)
}
