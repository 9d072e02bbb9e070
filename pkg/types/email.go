package types

import "time"

// EmailStatus represents delivery state of a queued email.
type EmailStatus string

const (
	EmailStatusPending    EmailStatus = "pending"
	EmailStatusSent       EmailStatus = "sent"
	EmailStatusDeadletter EmailStatus = "deadletter"
)

// EmailQueueItem is one outbound message awaiting delivery.
type EmailQueueItem struct {
	ID            string      `json:"id"`
	WorkspaceID   string      `json:"workspace_id,omitempty"`
	To            string      `json:"to"`
	Subject       string      `json:"subject"`
	Body          string      `json:"body"`
	Status        EmailStatus `json:"status"`
	Attempts      int         `json:"attempts"`
	NextAttemptAt time.Time   `json:"next_attempt_at"`
	LastError     string      `json:"last_error,omitempty"`
	SentAt        *time.Time  `json:"sent_at,omitempty"`

	// ClaimedUntil is set while a drain is sending the item.
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Claimed reports whether a drain holds the item at now.
func (e *EmailQueueItem) Claimed(now time.Time) bool {
	return e.ClaimedUntil != nil && now.Before(*e.ClaimedUntil)
}

// DrainSummary is returned by an email queue drain.
type DrainSummary struct {
	Sent         int `json:"sent"`
	Failed       int `json:"failed"`
	Deadlettered int `json:"deadlettered"`
}

// DispatchSummary is returned by a scheduled-task pass.
type DispatchSummary struct {
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried,omitempty"`
	Recovered int `json:"recovered,omitempty"`
}

// ArchiveSummary is returned by a task archival pass.
type ArchiveSummary struct {
	Archived int    `json:"archived"`
	Object   string `json:"object,omitempty"`
}
