package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// TaskStore defines the persistence operations the mutation pipeline needs.
// Each call is one atomic store operation; the store serializes concurrent
// writes to the same task with last-write-wins semantics.
type TaskStore interface {
	InsertTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	// MergeTask applies the non-nil fields of upd to the stored entity in a
	// single atomic merge and returns the canonical post-merge task.
	MergeTask(ctx context.Context, id string, upd TaskUpdate, updatedAt time.Time) (Task, error)
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	// ListColumn returns the tasks of one status column ordered by position.
	ListColumn(ctx context.Context, s Status) ([]Task, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
}

// Broadcaster fans mutation outcomes out to connected sessions. Delivery is
// best-effort; a failed emission never fails the mutation.
type Broadcaster interface {
	Emit(ctx context.Context, ev Event) error
}

// TaskService is the mutation pipeline: it validates and applies task
// mutations against the store, derives notification and audit side effects,
// and emits exactly one broadcast event per successful mutation.
type TaskService struct {
	store         TaskStore
	bus           Broadcaster
	notifications *NotificationService
	now           func() time.Time
	log           *log.Logger
}

// NewTaskService wires the pipeline. notifications may be nil when the
// notification engine is not deployed (events are still broadcast).
func NewTaskService(store TaskStore, bus Broadcaster, notifications *NotificationService, logger *log.Logger) *TaskService {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &TaskService{
		store:         store,
		bus:           bus,
		notifications: notifications,
		now:           time.Now,
		log:           logger,
	}
}

// Create persists a new task for actorID and broadcasts task:created. Server
// defaults: priority Medium, status To Do, position 0.
func (s *TaskService) Create(ctx context.Context, actorID string, payload TaskCreate) (Task, error) {
	now := s.now().UTC()
	t := Task{
		ID:           uuid.NewString(),
		Title:        payload.Title,
		Description:  payload.Description,
		DueDate:      payload.DueDate,
		Priority:     payload.Priority,
		Status:       StatusToDo,
		CreatorID:    actorID,
		AssignedToID: payload.AssignedToID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if payload.Position != nil {
		t.Position = *payload.Position
	}
	if err := s.store.InsertTask(ctx, t); err != nil {
		return Task{}, err
	}

	s.emitTask(ctx, EventTaskCreated, t)

	if t.AssignedToID != "" && t.AssignedToID != actorID {
		s.notifyAssignee(ctx, t)
	}
	return t, nil
}

// Get returns one task or ErrNotFound.
func (s *TaskService) Get(ctx context.Context, id string) (Task, error) {
	return s.store.GetTask(ctx, id)
}

// List returns tasks matching the filter ordered by ascending due date.
// Positional ordering is a per-column concept applied by clients.
func (s *TaskService) List(ctx context.Context, f TaskFilter) ([]Task, error) {
	return s.store.ListTasks(ctx, f)
}

// Update merges the non-nil fields of upd into the task. It appends an audit
// entry on status transitions, notifies a newly assigned user, and broadcasts
// task:updated with the canonical post-merge entity.
func (s *TaskService) Update(ctx context.Context, id, actorID string, upd TaskUpdate) (Task, error) {
	prior, err := s.store.GetTask(ctx, id)
	if err != nil {
		return Task{}, err
	}

	merged, err := s.store.MergeTask(ctx, id, upd, s.now().UTC())
	if err != nil {
		return Task{}, err
	}

	if upd.Status != nil && *upd.Status != prior.Status {
		entry := AuditEntry{
			ID:        uuid.NewString(),
			TaskID:    id,
			UserID:    actorID,
			Action:    AuditActionStatusChange,
			Details:   fmt.Sprintf("Status changed from %s to %s", prior.Status, *upd.Status),
			CreatedAt: s.now().UTC(),
		}
		if err := s.store.AppendAudit(ctx, entry); err != nil {
			s.log.WithFields(log.Fields{"task": id, "user": actorID}).Errorf("append audit: %v", err)
		}
	}

	s.emitTask(ctx, EventTaskUpdated, merged)

	if upd.AssignedToID != nil && *upd.AssignedToID != "" &&
		*upd.AssignedToID != prior.AssignedToID && *upd.AssignedToID != actorID {
		s.notifyAssignee(ctx, merged)
	}

	if upd.Position != nil {
		if err := s.maybeRebalance(ctx, merged.Status); err != nil {
			s.log.WithField("status", merged.Status).Errorf("rebalance: %v", err)
		}
	}
	return merged, nil
}

// Delete removes a task and broadcasts task:deleted. Deleting an id that does
// not exist is not an error here, and produces no broadcast and no audit.
func (s *TaskService) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteTask(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	ev, err := NewTaskDeletedEvent(id)
	if err != nil {
		s.log.WithField("task", id).Errorf("encode deleted event: %v", err)
		return nil
	}
	s.emit(ctx, ev)
	return nil
}

// RebalanceColumn renumbers every task in the column back onto the seed grid
// and broadcasts task:updated for each moved task. It is the explicit
// maintenance operation for floating-point position drift.
func (s *TaskService) RebalanceColumn(ctx context.Context, status Status) error {
	column, err := s.store.ListColumn(ctx, status)
	if err != nil {
		return err
	}
	fresh := RenormalizePositions(len(column))
	for i, t := range column {
		if t.Position == fresh[i] {
			continue
		}
		pos := fresh[i]
		merged, err := s.store.MergeTask(ctx, t.ID, TaskUpdate{Position: &pos}, s.now().UTC())
		if err != nil {
			return err
		}
		s.emitTask(ctx, EventTaskUpdated, merged)
	}
	s.log.WithFields(log.Fields{"status": status, "tasks": len(column)}).Info("column positions rebalanced")
	return nil
}

func (s *TaskService) maybeRebalance(ctx context.Context, status Status) error {
	column, err := s.store.ListColumn(ctx, status)
	if err != nil {
		return err
	}
	positions := make([]float64, len(column))
	for i, t := range column {
		positions[i] = t.Position
	}
	if MinAdjacentGap(positions) >= PositionMinGap {
		return nil
	}
	return s.RebalanceColumn(ctx, status)
}

func (s *TaskService) notifyAssignee(ctx context.Context, t Task) {
	if s.notifications == nil {
		return
	}
	msg := "You have been assigned to task: " + t.Title
	if err := s.notifications.NotifyAssignment(ctx, t.AssignedToID, t.ID, msg); err != nil {
		s.log.WithFields(log.Fields{"task": t.ID, "recipient": t.AssignedToID}).Errorf("notify assignee: %v", err)
	}
}

func (s *TaskService) emitTask(ctx context.Context, kind string, t Task) {
	ev, err := NewTaskEvent(kind, t)
	if err != nil {
		s.log.WithField("task", t.ID).Errorf("encode %s event: %v", kind, err)
		return
	}
	s.emit(ctx, ev)
}

func (s *TaskService) emit(ctx context.Context, ev Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Emit(ctx, ev); err != nil {
		s.log.WithField("kind", ev.Kind).Errorf("broadcast: %v", err)
	}
}
