// Package events publishes committed run transitions to subscribers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/automation-go/pkg/types"
)

// DefaultChannel is the pub/sub channel run events are published on.
const DefaultChannel = "automation:run-events"

// Publisher delivers events. Publishing is best-effort: a committed state
// change is never rolled back because its notification failed.
type Publisher interface {
	Publish(ctx context.Context, evt *types.Event) error
	Close() error
}

// NewEvent builds an event with the given data payload.
func NewEvent(typ types.EventType, workspaceID, runID string, data interface{}) (*types.Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	return &types.Event{
		ID:          uuid.New().String(),
		Type:        typ,
		WorkspaceID: workspaceID,
		RunID:       runID,
		Timestamp:   time.Now().UTC(),
		Data:        raw,
	}, nil
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Channel overrides DefaultChannel.
	Channel string

	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisPublisher publishes events with PUBLISH.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, cfg *RedisConfig, logger *slog.Logger) (*RedisPublisher, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel, logger: logger}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", evt.ID, err)
	}
	p.logger.Debug("event published",
		slog.String("type", string(evt.Type)),
		slog.String("run_id", evt.RunID),
	)
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, *types.Event) error { return nil }
func (Nop) Close() error                                { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []*types.Event
}

func (r *Recorder) Publish(_ context.Context, evt *types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a snapshot of recorded events.
func (r *Recorder) Events() []*types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Event(nil), r.events...)
}
