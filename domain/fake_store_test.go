package domain

import (
	"context"
	"sort"
	"sync"
	"time"
)

func ptrString(s string) *string { return &s }

func ptrFloat(f float64) *float64 { return &f }

func ptrStatus(s Status) *Status { return &s }

func ptrPriority(p Priority) *Priority { return &p }

type fakeStore struct {
	mu            sync.Mutex
	tasks         map[string]Task
	notifications []Notification
	audits        []AuditEntry

	insertErr error
	mergeErr  error
	deleteErr error
	notifyErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]Task{}}
}

func (f *fakeStore) InsertTask(ctx context.Context, t Task) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) MergeTask(ctx context.Context, id string, upd TaskUpdate, updatedAt time.Time) (Task, error) {
	if f.mergeErr != nil {
		return Task{}, f.mergeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	if upd.Title != nil {
		t.Title = *upd.Title
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.DueDate != nil {
		t.DueDate = *upd.DueDate
	}
	if upd.Priority != nil {
		t.Priority = *upd.Priority
	}
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.AssignedToID != nil {
		t.AssignedToID = *upd.AssignedToID
	}
	if upd.Position != nil {
		t.Position = *upd.Position
	}
	t.UpdatedAt = updatedAt
	f.tasks[id] = t
	return t, nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeStore) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []Task{}
	for _, t := range f.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && t.Priority != filter.Priority {
			continue
		}
		if filter.AssignedToID != "" && t.AssignedToID != filter.AssignedToID {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

func (f *fakeStore) ListColumn(ctx context.Context, s Status) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []Task{}
	for _, t := range f.tasks {
		if t.Status == s {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (f *fakeStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, e)
	return nil
}

func (f *fakeStore) InsertNotification(ctx context.Context, n Notification) error {
	if f.notifyErr != nil {
		return f.notifyErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeStore) ListNotifications(ctx context.Context, recipientID string) ([]Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []Notification{}
	for _, n := range f.notifications {
		if n.RecipientID == recipientID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) MarkNotificationRead(ctx context.Context, recipientID, id string) (Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, n := range f.notifications {
		if n.ID == id && n.RecipientID == recipientID {
			f.notifications[i].Read = true
			return f.notifications[i], nil
		}
	}
	return Notification{}, ErrNotFound
}

func (f *fakeStore) MarkAllNotificationsRead(ctx context.Context, recipientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, n := range f.notifications {
		if n.RecipientID == recipientID {
			f.notifications[i].Read = true
		}
	}
	return nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (b *fakeBus) Emit(ctx context.Context, ev Event) error {
	if b.err != nil {
		return b.err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *fakeBus) kinds() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Kind
	}
	return out
}
