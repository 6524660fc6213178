package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// NotificationStore persists notification records.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n Notification) error
	// ListNotifications returns the recipient's notifications newest-first.
	ListNotifications(ctx context.Context, recipientID string) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, recipientID, id string) (Notification, error)
	MarkAllNotificationsRead(ctx context.Context, recipientID string) error
}

// AssignmentDeduper suppresses duplicate assignment notifications when two
// racing updates both observe a stale prior assignee. Claim returns true when
// the (task, recipient) pair was newly recorded; Release drops a claim whose
// notification never got persisted so a retry can deliver it.
type AssignmentDeduper interface {
	Claim(ctx context.Context, taskID, recipientID string) (bool, error)
	Release(ctx context.Context, taskID, recipientID string) error
}

// NotificationService derives and persists notifications from mutation
// outcomes and targets their realtime delivery at the recipient's room.
type NotificationService struct {
	store  NotificationStore
	bus    Broadcaster
	dedupe AssignmentDeduper
	now    func() time.Time
	log    *log.Logger
}

// NewNotificationService wires the engine. dedupe may be nil; the
// prior-assignee comparison in the pipeline then remains the only guard.
func NewNotificationService(store NotificationStore, bus Broadcaster, dedupe AssignmentDeduper, logger *log.Logger) *NotificationService {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &NotificationService{store: store, bus: bus, dedupe: dedupe, now: time.Now, log: logger}
}

// NotifyAssignment persists exactly one notification for the recipient and
// emits exactly one notification:new event to the recipient's room.
func (s *NotificationService) NotifyAssignment(ctx context.Context, recipientID, taskID, message string) error {
	claimed := false
	if s.dedupe != nil {
		fresh, err := s.dedupe.Claim(ctx, taskID, recipientID)
		if err != nil {
			// Dedupe is an optimization; keep notifying when it is down.
			s.log.Errorf("assignment dedupe unavailable: %v", err)
		} else if !fresh {
			return nil
		} else {
			claimed = true
		}
	}

	n := Notification{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		TaskID:      taskID,
		Message:     message,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.InsertNotification(ctx, n); err != nil {
		// Nothing was persisted; the claim must not swallow the retry.
		if claimed {
			if relErr := s.dedupe.Release(ctx, taskID, recipientID); relErr != nil {
				s.log.WithFields(log.Fields{"task": taskID, "recipient": recipientID}).Errorf("release dedupe claim: %v", relErr)
			}
		}
		return err
	}

	if s.bus != nil {
		ev, err := NewNotificationEvent(recipientID, taskID, message)
		if err != nil {
			s.log.WithField("notification", n.ID).Errorf("encode event: %v", err)
			return nil
		}
		if err := s.bus.Emit(ctx, ev); err != nil {
			s.log.WithField("notification", n.ID).Errorf("broadcast: %v", err)
		}
	}
	return nil
}

// List returns the recipient's notifications newest-first.
func (s *NotificationService) List(ctx context.Context, recipientID string) ([]Notification, error) {
	return s.store.ListNotifications(ctx, recipientID)
}

// MarkRead flips one notification's read flag and returns the updated record.
func (s *NotificationService) MarkRead(ctx context.Context, recipientID, id string) (Notification, error) {
	return s.store.MarkNotificationRead(ctx, recipientID, id)
}

// MarkAllRead marks every unread notification for the recipient as read.
func (s *NotificationService) MarkAllRead(ctx context.Context, recipientID string) error {
	return s.store.MarkAllNotificationsRead(ctx, recipientID)
}
