package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard-api/domain"
)

type fakeQueue struct {
	messages []string
	raw      []*azqueue.DequeuedMessage
	deleted  []string
	err      error
}

func (q *fakeQueue) DequeueAudit(ctx context.Context) (*azqueue.DequeuedMessage, error) {
	if q.err != nil {
		return nil, q.err
	}
	if len(q.raw) > 0 {
		msg := q.raw[0]
		q.raw = q.raw[1:]
		return msg, nil
	}
	if len(q.messages) == 0 {
		return nil, nil
	}
	text := q.messages[0]
	q.messages = q.messages[1:]
	id := "m-" + text[:min(8, len(text))]
	receipt := "r1"
	return &azqueue.DequeuedMessage{MessageID: &id, PopReceipt: &receipt, MessageText: &text}, nil
}

func (q *fakeQueue) DeleteAuditMessage(ctx context.Context, id, receipt string) error {
	q.deleted = append(q.deleted, id)
	return nil
}

type fakeSink struct {
	entries []domain.AuditEntry
	err     error
}

func (s *fakeSink) WriteAudit(ctx context.Context, e domain.AuditEntry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func enqueueEntry(t *testing.T, q *fakeQueue, e domain.AuditEntry) {
	t.Helper()
	data, err := sonic.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	q.messages = append(q.messages, string(data))
}

func TestProcessOnePersistsAndDeletes(t *testing.T) {
	queue := &fakeQueue{}
	sink := &fakeSink{}
	logger, _ := test.NewNullLogger()
	entry := domain.AuditEntry{
		ID:        "a1",
		TaskID:    "t1",
		UserID:    "u1",
		Action:    domain.AuditActionStatusChange,
		Details:   "Status changed from To Do to Review",
		CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	enqueueEntry(t, queue, entry)

	w := newAuditWriter(queue, sink, logger)
	processed, err := w.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !processed {
		t.Fatal("expected a message to be processed")
	}
	if len(sink.entries) != 1 || sink.entries[0] != entry {
		t.Fatalf("expected entry persisted, got %#v", sink.entries)
	}
	if len(queue.deleted) != 1 {
		t.Fatalf("expected message deletion, got %v", queue.deleted)
	}
}

func TestProcessOneEmptyQueue(t *testing.T) {
	logger, _ := test.NewNullLogger()
	w := newAuditWriter(&fakeQueue{}, &fakeSink{}, logger)

	processed, err := w.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if processed {
		t.Fatal("expected no message on empty queue")
	}
}

func TestProcessOneKeepsMessageOnSinkFailure(t *testing.T) {
	queue := &fakeQueue{}
	sink := &fakeSink{err: errors.New("table down")}
	logger, _ := test.NewNullLogger()
	enqueueEntry(t, queue, domain.AuditEntry{ID: "a1", TaskID: "t1"})

	w := newAuditWriter(queue, sink, logger)
	processed, err := w.ProcessOne(context.Background())
	if !processed {
		t.Fatal("expected message to be picked up")
	}
	if err == nil {
		t.Fatal("expected sink error to propagate")
	}
	if len(queue.deleted) != 0 {
		t.Fatal("expected message kept for redelivery")
	}
}

func TestProcessOneDropsMalformedMessage(t *testing.T) {
	queue := &fakeQueue{messages: []string{"{not json"}}
	sink := &fakeSink{}
	logger, hook := test.NewNullLogger()

	w := newAuditWriter(queue, sink, logger)
	processed, err := w.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !processed {
		t.Fatal("expected malformed message to be consumed")
	}
	if len(sink.entries) != 0 {
		t.Fatal("expected nothing persisted")
	}
	if len(queue.deleted) != 1 {
		t.Fatal("expected malformed message to be deleted")
	}
	if len(hook.Entries) == 0 {
		t.Fatal("expected drop to be logged")
	}
}

func TestProcessOneSurvivesNilMessageFields(t *testing.T) {
	id := "m1"
	receipt := "r1"
	queue := &fakeQueue{raw: []*azqueue.DequeuedMessage{
		{MessageText: nil, MessageID: nil, PopReceipt: nil},
		{MessageText: nil, MessageID: &id, PopReceipt: &receipt},
	}}
	sink := &fakeSink{}
	logger, hook := test.NewNullLogger()
	w := newAuditWriter(queue, sink, logger)

	// No id or receipt: skipped, nothing to delete.
	processed, err := w.ProcessOne(context.Background())
	if err != nil || !processed {
		t.Fatalf("process: processed=%v err=%v", processed, err)
	}
	if len(queue.deleted) != 0 {
		t.Fatalf("expected no deletion without a receipt, got %v", queue.deleted)
	}
	if len(hook.Entries) == 0 {
		t.Fatal("expected skip to be logged")
	}

	// Nil body with a valid receipt: treated as malformed and deleted.
	processed, err = w.ProcessOne(context.Background())
	if err != nil || !processed {
		t.Fatalf("process: processed=%v err=%v", processed, err)
	}
	if len(sink.entries) != 0 {
		t.Fatal("expected nothing persisted")
	}
	if len(queue.deleted) != 1 || queue.deleted[0] != "m1" {
		t.Fatalf("expected nil-body message deleted, got %v", queue.deleted)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	logger, _ := test.NewNullLogger()
	w := newAuditWriter(&fakeQueue{}, &fakeSink{}, logger)
	w.idle = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to stop after cancel")
	}
}
