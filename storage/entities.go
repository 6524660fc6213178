package storage

import (
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"taskboard-api/domain"
)

// boardPartition is the partition key shared by all task entities. The board
// is a single shared resource; per-entity row keys keep writes atomic.
const boardPartition = "board"

const edmDouble = "Edm.Double"

type taskEntity struct {
	aztables.Entity
	Title        string  `json:"Title"`
	Description  string  `json:"Description,omitempty"`
	DueDate      string  `json:"DueDate"`
	Priority     string  `json:"Priority"`
	Status       string  `json:"Status"`
	Position     float64 `json:"Position"`
	PositionType string  `json:"Position@odata.type"`
	CreatorID    string  `json:"CreatorId"`
	AssignedToID string  `json:"AssignedToId,omitempty"`
	CreatedAt    string  `json:"CreatedAt"`
	UpdatedAt    string  `json:"UpdatedAt"`
}

// taskMerge carries a partial task update; nil fields are left untouched by
// the table merge.
type taskMerge struct {
	aztables.Entity
	Title        *string  `json:"Title,omitempty"`
	Description  *string  `json:"Description,omitempty"`
	DueDate      *string  `json:"DueDate,omitempty"`
	Priority     *string  `json:"Priority,omitempty"`
	Status       *string  `json:"Status,omitempty"`
	Position     *float64 `json:"Position,omitempty"`
	PositionType *string  `json:"Position@odata.type,omitempty"`
	AssignedToID *string  `json:"AssignedToId,omitempty"`
	UpdatedAt    string   `json:"UpdatedAt"`
}

type notificationEntity struct {
	aztables.Entity
	NotificationID string `json:"NotificationId"`
	TaskID         string `json:"TaskId"`
	Message        string `json:"Message"`
	Read           bool   `json:"Read"`
	CreatedAt      string `json:"CreatedAt"`
}

type auditEntity struct {
	aztables.Entity
	AuditID   string `json:"AuditId"`
	UserID    string `json:"UserId"`
	Action    string `json:"Action"`
	Details   string `json:"Details"`
	CreatedAt string `json:"CreatedAt"`
}

type userEntity struct {
	aztables.Entity
	Username     string `json:"Username"`
	Email        string `json:"Email"`
	PasswordHash string `json:"PasswordHash"`
	CreatedAt    string `json:"CreatedAt"`
}

// emailGuardEntity reserves an email address. Inserting it atomically
// enforces uniqueness across registrations.
type emailGuardEntity struct {
	aztables.Entity
	UserID string `json:"UserId"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (e taskEntity) toDomain() domain.Task {
	return domain.Task{
		ID:           e.RowKey,
		Title:        e.Title,
		Description:  e.Description,
		DueDate:      parseTime(e.DueDate),
		Priority:     domain.Priority(e.Priority),
		Status:       domain.Status(e.Status),
		Position:     e.Position,
		CreatorID:    e.CreatorID,
		AssignedToID: e.AssignedToID,
		CreatedAt:    parseTime(e.CreatedAt),
		UpdatedAt:    parseTime(e.UpdatedAt),
	}
}

func (e notificationEntity) toDomain() domain.Notification {
	return domain.Notification{
		ID:          e.NotificationID,
		RecipientID: e.PartitionKey,
		TaskID:      e.TaskID,
		Message:     e.Message,
		Read:        e.Read,
		CreatedAt:   parseTime(e.CreatedAt),
	}
}
