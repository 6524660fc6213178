package domain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func newTestService(store *fakeStore, bus *fakeBus) (*TaskService, *NotificationService) {
	logger, _ := test.NewNullLogger()
	notifications := NewNotificationService(store, bus, nil, logger)
	svc := NewTaskService(store, bus, notifications, logger)
	return svc, notifications
}

func decodeTaskEvent(t *testing.T, ev Event) Task {
	t.Helper()
	var task Task
	if err := sonic.Unmarshal(ev.Data, &task); err != nil {
		t.Fatalf("decode task event: %v", err)
	}
	return task
}

func TestCreateAppliesDefaults(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	svc, _ := newTestService(store, bus)

	due := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	task, err := svc.Create(context.Background(), "u1", TaskCreate{Title: "Write spec", DueDate: due, Priority: PriorityHigh})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID == "" {
		t.Fatal("expected server-assigned id")
	}
	if task.Status != StatusToDo {
		t.Fatalf("expected default status %q, got %q", StatusToDo, task.Status)
	}
	if task.Position != 0 {
		t.Fatalf("expected default position 0, got %v", task.Position)
	}
	if task.CreatorID != "u1" {
		t.Fatalf("expected creator u1, got %q", task.CreatorID)
	}
	if task.CreatedAt.IsZero() || task.UpdatedAt.IsZero() {
		t.Fatal("expected server-assigned timestamps")
	}

	if len(bus.events) != 1 || bus.events[0].Kind != EventTaskCreated {
		t.Fatalf("expected one task:created event, got %v", bus.kinds())
	}
	if got := decodeTaskEvent(t, bus.events[0]); got.ID != task.ID || got.Title != "Write spec" {
		t.Fatalf("broadcast entity mismatch: %#v", got)
	}
}

func TestCreateDefaultsPriorityToMedium(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store, &fakeBus{})

	task, err := svc.Create(context.Background(), "u1", TaskCreate{Title: "t", DueDate: time.Now()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Priority != PriorityMedium {
		t.Fatalf("expected Medium, got %q", task.Priority)
	}
}

func TestCreateRoundTrip(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store, &fakeBus{})

	due := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	pos := 1500.0
	created, err := svc.Create(context.Background(), "u1", TaskCreate{
		Title:        "round trip",
		Description:  "desc",
		DueDate:      due,
		Priority:     PriorityUrgent,
		AssignedToID: "u1",
		Position:     &pos,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := svc.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != created {
		t.Fatalf("round trip mismatch:\n created %#v\n fetched %#v", created, got)
	}
}

func TestCreateWithAssigneeNotifies(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	svc, _ := newTestService(store, bus)

	task, err := svc.Create(context.Background(), "u1", TaskCreate{Title: "assign me", DueDate: time.Now(), AssignedToID: "u2"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if len(store.notifications) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(store.notifications))
	}
	n := store.notifications[0]
	if n.RecipientID != "u2" || n.TaskID != task.ID || n.Read {
		t.Fatalf("unexpected notification: %#v", n)
	}

	kinds := bus.kinds()
	if len(kinds) != 2 || kinds[0] != EventTaskCreated || kinds[1] != EventNotificationNew {
		t.Fatalf("unexpected events: %v", kinds)
	}
	if bus.events[1].Room != "u2" {
		t.Fatalf("notification event must target recipient room, got %q", bus.events[1].Room)
	}
}

func TestCreateSelfAssignedDoesNotNotify(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	svc, _ := newTestService(store, bus)

	if _, err := svc.Create(context.Background(), "u1", TaskCreate{Title: "mine", DueDate: time.Now(), AssignedToID: "u1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(store.notifications) != 0 {
		t.Fatalf("expected no notification, got %d", len(store.notifications))
	}
}

func TestUpdateNotFound(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store, &fakeBus{})

	_, err := svc.Update(context.Background(), "missing", "u1", TaskUpdate{Title: ptrString("x")})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdatePartialMerge(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	svc, _ := newTestService(store, bus)

	created, _ := svc.Create(context.Background(), "u1", TaskCreate{Title: "before", Description: "keep", DueDate: time.Now()})
	bus.events = nil

	updated, err := svc.Update(context.Background(), created.ID, "u1", TaskUpdate{Title: ptrString("after")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "after" || updated.Description != "keep" || updated.Priority != PriorityMedium {
		t.Fatalf("merge clobbered untouched fields: %#v", updated)
	}
	if len(bus.events) != 1 || bus.events[0].Kind != EventTaskUpdated {
		t.Fatalf("expected one task:updated event, got %v", bus.kinds())
	}
}

func TestUpdateStatusChangeAppendsAudit(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store, &fakeBus{})

	created, _ := svc.Create(context.Background(), "u1", TaskCreate{Title: "t", DueDate: time.Now()})

	if _, err := svc.Update(context.Background(), created.ID, "u2", TaskUpdate{Status: ptrStatus(StatusInProgress)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(store.audits) != 1 {
		t.Fatalf("expected exactly one audit entry, got %d", len(store.audits))
	}
	entry := store.audits[0]
	if entry.TaskID != created.ID || entry.UserID != "u2" || entry.Action != AuditActionStatusChange {
		t.Fatalf("unexpected audit entry: %#v", entry)
	}
	if entry.Details != "Status changed from To Do to In Progress" {
		t.Fatalf("unexpected details: %q", entry.Details)
	}
}

func TestUpdateNonStatusFieldsAppendNoAudit(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store, &fakeBus{})

	created, _ := svc.Create(context.Background(), "u1", TaskCreate{Title: "t", DueDate: time.Now()})
	if _, err := svc.Update(context.Background(), created.ID, "u1", TaskUpdate{Priority: ptrPriority(PriorityUrgent)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(store.audits) != 0 {
		t.Fatalf("expected no audit entries, got %d", len(store.audits))
	}
}

func TestUpdateSameStatusAppendsNoAudit(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store, &fakeBus{})

	created, _ := svc.Create(context.Background(), "u1", TaskCreate{Title: "t", DueDate: time.Now()})
	if _, err := svc.Update(context.Background(), created.ID, "u1", TaskUpdate{Status: ptrStatus(StatusToDo)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(store.audits) != 0 {
		t.Fatalf("expected no audit for unchanged status, got %d", len(store.audits))
	}
}

func TestUpdateReassignmentNotifies(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	svc, _ := newTestService(store, bus)

	created, _ := svc.Create(context.Background(), "u1", TaskCreate{Title: "t", DueDate: time.Now()})
	bus.events = nil

	if _, err := svc.Update(context.Background(), created.ID, "u1", TaskUpdate{AssignedToID: ptrString("u2")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(store.notifications) != 1 || store.notifications[0].RecipientID != "u2" {
		t.Fatalf("expected one notification for u2, got %#v", store.notifications)
	}
	kinds := bus.kinds()
	if len(kinds) != 2 || kinds[0] != EventTaskUpdated || kinds[1] != EventNotificationNew {
		t.Fatalf("unexpected events: %v", kinds)
	}
}

func TestUpdateSameAssigneeDoesNotNotify(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store, &fakeBus{})

	created, _ := svc.Create(context.Background(), "u1", TaskCreate{Title: "t", DueDate: time.Now(), AssignedToID: "u2"})
	store.notifications = nil

	if _, err := svc.Update(context.Background(), created.ID, "u1", TaskUpdate{AssignedToID: ptrString("u2")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(store.notifications) != 0 {
		t.Fatalf("reassignment to current assignee must not notify, got %d", len(store.notifications))
	}
}

func TestUpdateAssignToActorDoesNotNotify(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store, &fakeBus{})

	created, _ := svc.Create(context.Background(), "u1", TaskCreate{Title: "t", DueDate: time.Now()})
	if _, err := svc.Update(context.Background(), created.ID, "u2", TaskUpdate{AssignedToID: ptrString("u2")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(store.notifications) != 0 {
		t.Fatalf("self-assignment must not notify, got %d", len(store.notifications))
	}
}

func TestDeleteBroadcastsID(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	svc, _ := newTestService(store, bus)

	created, _ := svc.Create(context.Background(), "u1", TaskCreate{Title: "t", DueDate: time.Now()})
	bus.events = nil

	if err := svc.Delete(context.Background(), created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(bus.events) != 1 || bus.events[0].Kind != EventTaskDeleted {
		t.Fatalf("expected one task:deleted event, got %v", bus.kinds())
	}
	var payload DeletedPayload
	if err := sonic.Unmarshal(bus.events[0].Data, &payload); err != nil || payload.ID != created.ID {
		t.Fatalf("unexpected delete payload: %s (%v)", bus.events[0].Data, err)
	}
	if _, err := svc.Get(context.Background(), created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("task should be gone, got %v", err)
	}
}

func TestDeleteMissingIsIdempotent(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	svc, _ := newTestService(store, bus)

	if err := svc.Delete(context.Background(), "missing"); err != nil {
		t.Fatalf("expected nil for missing id, got %v", err)
	}
	if len(bus.events) != 0 {
		t.Fatalf("missing delete must not broadcast, got %v", bus.kinds())
	}
	if len(store.audits) != 0 {
		t.Fatalf("missing delete must not audit, got %d", len(store.audits))
	}
}

func TestListFiltersAreConjunctive(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store, &fakeBus{})
	ctx := context.Background()

	a, _ := svc.Create(ctx, "u1", TaskCreate{Title: "a", DueDate: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Priority: PriorityHigh, AssignedToID: "u2"})
	svc.Create(ctx, "u1", TaskCreate{Title: "b", DueDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Priority: PriorityLow, AssignedToID: "u2"})
	svc.Create(ctx, "u1", TaskCreate{Title: "c", DueDate: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), Priority: PriorityHigh, AssignedToID: "u3"})

	got, err := svc.List(ctx, TaskFilter{Priority: PriorityHigh, AssignedToID: "u2"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("expected only task a, got %#v", got)
	}

	all, err := svc.List(ctx, TaskFilter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].DueDate.Before(all[i-1].DueDate) {
			t.Fatalf("default ordering must be due date ascending: %#v", all)
		}
	}
}

func TestRebalanceColumnRenumbersAndBroadcasts(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	svc, _ := newTestService(store, bus)
	ctx := context.Background()

	// Three tasks squeezed into a vanishing gap.
	for i, pos := range []float64{1, 1 + 1e-9, 1 + 2e-9} {
		p := pos
		store.InsertTask(ctx, Task{ID: string(rune('a' + i)), Title: "t", Status: StatusToDo, Position: p})
	}

	if err := svc.RebalanceColumn(ctx, StatusToDo); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	column, _ := store.ListColumn(ctx, StatusToDo)
	for i, task := range column {
		if want := PositionSeed * float64(i+1); task.Position != want {
			t.Fatalf("task %d: expected position %v, got %v", i, want, task.Position)
		}
	}
	if len(bus.events) != 3 {
		t.Fatalf("expected 3 task:updated broadcasts, got %v", bus.kinds())
	}
}

func TestUpdatePositionTriggersRebalanceBelowThreshold(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	svc, _ := newTestService(store, bus)
	ctx := context.Background()

	store.InsertTask(ctx, Task{ID: "a", Status: StatusReview, Position: 1})
	store.InsertTask(ctx, Task{ID: "b", Status: StatusReview, Position: 1 + 1e-9})

	if _, err := svc.Update(ctx, "b", "u1", TaskUpdate{Position: ptrFloat(1 + 5e-10)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	column, _ := store.ListColumn(ctx, StatusReview)
	if MinAdjacentGap([]float64{column[0].Position, column[1].Position}) < PositionMinGap {
		t.Fatalf("expected rebalanced column, got positions %v and %v", column[0].Position, column[1].Position)
	}
}

func TestBroadcastFailureDoesNotFailMutation(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{err: errors.New("bus down")}
	logger, hook := test.NewNullLogger()
	svc := NewTaskService(store, bus, nil, logger)

	if _, err := svc.Create(context.Background(), "u1", TaskCreate{Title: "t", DueDate: time.Now()}); err != nil {
		t.Fatalf("create should survive broadcast failure: %v", err)
	}
	found := false
	for _, e := range hook.AllEntries() {
		if e.Level == log.ErrorLevel {
			found = true
		}
	}
	if !found {
		t.Fatal("expected broadcast failure to be logged")
	}
}
