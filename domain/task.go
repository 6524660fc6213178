package domain

import "time"

// Status is a workflow column on the board.
type Status string

const (
	StatusToDo       Status = "To Do"
	StatusInProgress Status = "In Progress"
	StatusReview     Status = "Review"
	StatusCompleted  Status = "Completed"
)

// Valid reports whether s is one of the workflow statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusToDo, StatusInProgress, StatusReview, StatusCompleted:
		return true
	}
	return false
}

// Priority is a task priority level.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
	PriorityUrgent Priority = "Urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Task represents a single board item.
type Task struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	DueDate      time.Time `json:"dueDate"`
	Priority     Priority  `json:"priority"`
	Status       Status    `json:"status"`
	Position     float64   `json:"position"`
	CreatorID    string    `json:"creatorId"`
	AssignedToID string    `json:"assignedToId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TaskCreate carries the fields accepted when creating a task. Optional
// fields fall back to the documented defaults.
type TaskCreate struct {
	Title        string
	Description  string
	DueDate      time.Time
	Priority     Priority
	AssignedToID string
	Position     *float64
}

// TaskUpdate carries a partial update. Nil fields keep their prior values.
type TaskUpdate struct {
	Title        *string
	Description  *string
	DueDate      *time.Time
	Priority     *Priority
	Status       *Status
	AssignedToID *string
	Position     *float64
}

// Empty reports whether the update changes nothing.
func (u TaskUpdate) Empty() bool {
	return u.Title == nil && u.Description == nil && u.DueDate == nil &&
		u.Priority == nil && u.Status == nil && u.AssignedToID == nil && u.Position == nil
}

// TaskFilter restricts a listing. Zero-valued fields match any task.
type TaskFilter struct {
	Status       Status
	Priority     Priority
	AssignedToID string
}

// User is the opaque identity referenced by tasks and notifications,
// carrying just enough for display.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// UserRecord is a stored user including the credential hash. It never leaves
// the identity layer; responses carry User instead.
type UserRecord struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Public strips the credential hash for responses.
func (u UserRecord) Public() User {
	return User{ID: u.ID, Username: u.Username, Email: u.Email}
}
