package queue

import "time"

// Status is the lifecycle state of a queue item. Transitions move forward
// only; pending -> pending is allowed when a retry pushes scheduled_at.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusSkipped
}

// Item is one planned delivery. A partial unique index on
// (tenant_id, recipient_id, kind) WHERE status='pending' enforces the
// no-duplicate-pending invariant at the store level.
type Item struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	RecipientID string     `json:"recipient_id"`
	Channel     string     `json:"channel"`
	Kind        string     `json:"kind"` // notification kind, e.g. "nudge", "reminder"
	Payload     string     `json:"payload"`
	Status      Status     `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
	TemplateID  string     `json:"template_id,omitempty"`
	ParentID    string     `json:"parent_id,omitempty"` // e.g. consultation the item belongs to
	CreatedAt   time.Time  `json:"created_at"`
}

// Stats aggregates queue item counts by status.
type Stats struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}
