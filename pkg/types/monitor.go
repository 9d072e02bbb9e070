package types

import "time"

// Workspace is the tenant boundary for bots, runs and alerts.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// BotStatus represents a bot's liveness state.
type BotStatus string

const (
	BotStatusActive BotStatus = "active"
	BotStatusStale  BotStatus = "stale"
	BotStatusPaused BotStatus = "paused"
)

// Bot is a heartbeating worker owned by a workspace.
type Bot struct {
	ID              string     `json:"id"`
	WorkspaceID     string     `json:"workspace_id"`
	Name            string     `json:"name"`
	Status          BotStatus  `json:"status"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// BotMetric is an append-only success/failure sample for a bot.
type BotMetric struct {
	BotID        string    `json:"bot_id"`
	WorkspaceID  string    `json:"workspace_id"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// MetricWindow aggregates samples over a time window.
type MetricWindow struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// Total returns the number of executions in the window.
func (w MetricWindow) Total() int { return w.Success + w.Failure }

// FailureRatio returns failures/total, or 0 for an empty window.
func (w MetricWindow) FailureRatio() float64 {
	if w.Total() == 0 {
		return 0
	}
	return float64(w.Failure) / float64(w.Total())
}

// AlertKind names the detector that raised an alert.
type AlertKind string

const (
	AlertKindRunFailed    AlertKind = "run_failed"
	AlertKindBotStale     AlertKind = "bot_stale"
	AlertKindFailureSpike AlertKind = "failure_spike"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a detector finding. At most one unresolved alert exists per
// (WorkspaceID, Kind, SubjectID).
type Alert struct {
	ID          string                 `json:"id"`
	WorkspaceID string                 `json:"workspace_id"`
	Kind        AlertKind              `json:"kind"`
	SubjectID   string                 `json:"subject_id"`
	Severity    Severity               `json:"severity"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	ResolvedAt  *time.Time             `json:"resolved_at,omitempty"`
}

// ScanSummary is returned by the anomaly and staleness scans.
type ScanSummary struct {
	WorkspacesScanned int `json:"workspacesScanned"`
	AlertsCreated     int `json:"alertsCreated"`
}
