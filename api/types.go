package api

import (
	"context"
	"net/http"

	"taskboard-api/domain"
)

// TaskService is the mutation pipeline behind the task endpoints.
type TaskService interface {
	Create(ctx context.Context, actorID string, payload domain.TaskCreate) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error)
	Update(ctx context.Context, id, actorID string, upd domain.TaskUpdate) (domain.Task, error)
	Delete(ctx context.Context, id string) error
	RebalanceColumn(ctx context.Context, status domain.Status) error
}

// NotificationService serves a user's notification feed.
type NotificationService interface {
	List(ctx context.Context, recipientID string) ([]domain.Notification, error)
	MarkRead(ctx context.Context, recipientID, id string) (domain.Notification, error)
	MarkAllRead(ctx context.Context, recipientID string) error
}

// IdentityService handles accounts and session tokens.
type IdentityService interface {
	Register(ctx context.Context, username, email, password string) (domain.User, error)
	Login(ctx context.Context, email, password string) (domain.User, string, error)
	Me(ctx context.Context, userID string) (domain.User, error)
	Users(ctx context.Context) ([]domain.User, error)
}

// Authenticator is implemented by types able to extract user IDs from
// requests.
type Authenticator interface {
	UserIDFromRequest(r *http.Request) (string, error)
}
