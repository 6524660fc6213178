package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

type auditQueue interface {
	DequeueAudit(ctx context.Context) (*azqueue.DequeuedMessage, error)
	DeleteAuditMessage(ctx context.Context, id, receipt string) error
}

type auditSink interface {
	WriteAudit(ctx context.Context, e domain.AuditEntry) error
}

// AuditWriter drains the audit queue into the audit table. Mutations only pay
// for a queue enqueue; the table write happens here, out of band.
type AuditWriter struct {
	queue auditQueue
	sink  auditSink
	log   *log.Logger
	idle  time.Duration
}

// NewAuditWriter builds a writer around the given storage.
func NewAuditWriter(store *Storage, logger *log.Logger) *AuditWriter {
	return newAuditWriter(store, store, logger)
}

func newAuditWriter(queue auditQueue, sink auditSink, logger *log.Logger) *AuditWriter {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &AuditWriter{queue: queue, sink: sink, log: logger, idle: time.Second}
}

// Run processes messages until ctx is cancelled.
func (w *AuditWriter) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			w.log.Errorf("audit writer: %v", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.idle):
		}
	}
}

// ProcessOne handles a single queue message. It reports whether a message was
// available. Undecodable messages are dropped after logging; entries that
// fail to persist stay queued for redelivery.
func (w *AuditWriter) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := w.queue.DequeueAudit(ctx)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}

	// The SDK models every field as a pointer; a message missing its id or
	// receipt cannot be deleted, so skip it rather than panic.
	if msg.MessageID == nil || msg.PopReceipt == nil {
		w.log.Error("audit writer: skip message without id or receipt")
		return true, nil
	}
	var text string
	if msg.MessageText != nil {
		text = *msg.MessageText
	}

	var entry domain.AuditEntry
	if err := sonic.Unmarshal([]byte(text), &entry); err != nil {
		w.log.Errorf("audit writer: drop malformed message: %v", err)
		return true, w.queue.DeleteAuditMessage(ctx, *msg.MessageID, *msg.PopReceipt)
	}
	if err := w.sink.WriteAudit(ctx, entry); err != nil {
		return true, err
	}
	return true, w.queue.DeleteAuditMessage(ctx, *msg.MessageID, *msg.PopReceipt)
}
