package client

import (
	"sort"
	"sync"

	"github.com/bytedance/sonic"

	"taskboard-api/domain"
)

// TaskState tracks how a cached task relates to the authoritative store.
type TaskState int

const (
	// StateConfirmed means the cached value came from the server, either a
	// mutation response, a broadcast event, or a full refetch.
	StateConfirmed TaskState = iota
	// StatePending means a local mutation was applied optimistically and has
	// not been confirmed yet.
	StatePending
	// StateRolledBack means the last local mutation failed and the cache
	// shows the pre-mutation value again.
	StateRolledBack
)

func (s TaskState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "confirmed"
	}
}

// Entry pairs a cached task with its lifecycle state.
type Entry struct {
	Task  domain.Task
	State TaskState
}

// Snapshot captures one task's cache slot before an optimistic mutation so a
// failed request can restore it.
type Snapshot struct {
	id   string
	prev *Entry
}

// Board is the client-side cached view of the task collection, keyed by task
// id and kept in arrival order. Broadcast events replace entries wholesale;
// no field-level merging happens here.
type Board struct {
	mu    sync.Mutex
	tasks map[string]Entry
	order []string
}

func NewBoard() *Board {
	return &Board{tasks: map[string]Entry{}}
}

// Replace swaps the whole cache for an authoritative listing, typically after
// a refetch on (re)connect. Every entry comes out confirmed.
func (b *Board) Replace(tasks []domain.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks = make(map[string]Entry, len(tasks))
	b.order = b.order[:0]
	for _, t := range tasks {
		b.tasks[t.ID] = Entry{Task: t, State: StateConfirmed}
		b.order = append(b.order, t.ID)
	}
}

// ApplyLocal installs an optimistic value for a task and returns the snapshot
// needed to undo it. The entry stays pending until a response or broadcast
// confirms it.
func (b *Board) ApplyLocal(t domain.Task) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := b.snapshotLocked(t.ID)
	b.setLocked(t.ID, Entry{Task: t, State: StatePending})
	return snap
}

// RemoveLocal optimistically drops a task ahead of a delete request.
func (b *Board) RemoveLocal(id string) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := b.snapshotLocked(id)
	b.removeLocked(id)
	return snap
}

// Confirm records a mutation response as the authoritative value.
func (b *Board) Confirm(t domain.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLocked(t.ID, Entry{Task: t, State: StateConfirmed})
}

// Rollback restores the snapshot taken before an optimistic mutation. It
// applies unconditionally, even over an interim broadcast; the next broadcast
// or refetch reconciles the cache again.
func (b *Board) Rollback(s Snapshot) {
	if s.id == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.prev == nil {
		b.removeLocked(s.id)
		return
	}
	b.setLocked(s.id, Entry{Task: s.prev.Task, State: StateRolledBack})
}

// ApplyEvent folds a broadcast event into the cache. Broadcast state always
// wins over any local optimistic guess.
func (b *Board) ApplyEvent(ev domain.Event) error {
	switch ev.Kind {
	case domain.EventTaskCreated, domain.EventTaskUpdated:
		var t domain.Task
		if err := sonic.Unmarshal(ev.Data, &t); err != nil {
			return err
		}
		if t.ID == "" {
			return nil
		}
		b.Confirm(t)
	case domain.EventTaskDeleted:
		var payload domain.DeletedPayload
		if err := sonic.Unmarshal(ev.Data, &payload); err != nil {
			return err
		}
		b.mu.Lock()
		b.removeLocked(payload.ID)
		b.mu.Unlock()
	}
	return nil
}

// Get returns the cached entry for a task id.
func (b *Board) Get(id string) (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.tasks[id]
	return e, ok
}

// Tasks returns the cached tasks in arrival order.
func (b *Board) Tasks() []domain.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Task, 0, len(b.order))
	for _, id := range b.order {
		if e, ok := b.tasks[id]; ok {
			out = append(out, e.Task)
		}
	}
	return out
}

// Column returns the cached tasks of one status column ordered by position.
func (b *Board) Column(status domain.Status) []domain.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Task
	for _, id := range b.order {
		if e, ok := b.tasks[id]; ok && e.Task.Status == status {
			out = append(out, e.Task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// PositionFor computes the position for dropping a task at index within a
// status column, excluding the moved task itself from the existing layout.
func (b *Board) PositionFor(status domain.Status, index int, movedID string) float64 {
	var existing []float64
	for _, t := range b.Column(status) {
		if t.ID == movedID {
			continue
		}
		existing = append(existing, t.Position)
	}
	return domain.NextPosition(existing, index)
}

// Len returns the number of cached tasks.
func (b *Board) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tasks)
}

func (b *Board) snapshotLocked(id string) Snapshot {
	if e, ok := b.tasks[id]; ok {
		prev := e
		return Snapshot{id: id, prev: &prev}
	}
	return Snapshot{id: id}
}

func (b *Board) setLocked(id string, e Entry) {
	if _, ok := b.tasks[id]; !ok {
		b.order = append(b.order, id)
	}
	b.tasks[id] = e
}

func (b *Board) removeLocked(id string) {
	if _, ok := b.tasks[id]; !ok {
		return
	}
	delete(b.tasks, id)
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}
