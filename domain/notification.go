package domain

import "time"

// Notification is a persisted assignment notice for one recipient. It is
// created only as a side effect of task assignment and only its read flag
// ever changes afterwards.
type Notification struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipientId"`
	TaskID      string    `json:"taskId"`
	Message     string    `json:"message"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AuditEntry records a status transition on a task. Append-only.
type AuditEntry struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	UserID    string    `json:"userId"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuditActionStatusChange tags entries written when a task moves between
// workflow columns.
const AuditActionStatusChange = "STATUS_CHANGE"
