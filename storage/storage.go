package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"taskboard-api/domain"
)

// Tables names the storage resources one Storage instance operates on.
type Tables struct {
	Tasks         string
	Notifications string
	Audit         string
	Users         string
	AuditQueue    string
}

// Storage provides access to the underlying persistence mechanisms. Every
// method is a single atomic table or queue operation; concurrent writers are
// serialized per entity by the table service with last-write-wins semantics.
type Storage struct {
	taskTable         *aztables.Client
	notificationTable *aztables.Client
	auditTable        *aztables.Client
	userTable         *aztables.Client
	auditQueue        *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr string, tables Tables) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	aq, err := azqueue.NewQueueClientFromConnectionString(connStr, tables.AuditQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		taskTable:         svc.NewClient(tables.Tasks),
		notificationTable: svc.NewClient(tables.Notifications),
		auditTable:        svc.NewClient(tables.Audit),
		userTable:         svc.NewClient(tables.Users),
		auditQueue:        aq,
	}, nil
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

func escapeODataValue(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}

// InsertTask persists a new task entity.
func (s *Storage) InsertTask(ctx context.Context, t domain.Task) error {
	ent := taskEntity{
		Entity:       aztables.Entity{PartitionKey: boardPartition, RowKey: t.ID},
		Title:        t.Title,
		Description:  t.Description,
		DueDate:      formatTime(t.DueDate),
		Priority:     string(t.Priority),
		Status:       string(t.Status),
		Position:     t.Position,
		PositionType: edmDouble,
		CreatorID:    t.CreatorID,
		AssignedToID: t.AssignedToID,
		CreatedAt:    formatTime(t.CreatedAt),
		UpdatedAt:    formatTime(t.UpdatedAt),
	}
	payload, err := sonic.Marshal(ent)
	if err != nil {
		return err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		if statusCode(err) == 409 {
			return fmt.Errorf("task %s: %w", t.ID, domain.ErrConflict)
		}
		return err
	}
	return nil
}

// GetTask retrieves one task or domain.ErrNotFound.
func (s *Storage) GetTask(ctx context.Context, id string) (domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, boardPartition, id, nil)
	if err != nil {
		if statusCode(err) == 404 {
			return domain.Task{}, domain.ErrNotFound
		}
		return domain.Task{}, err
	}
	var ent taskEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Task{}, err
	}
	return ent.toDomain(), nil
}

// MergeTask applies the non-nil fields of upd in one atomic table merge and
// returns the canonical post-merge task.
func (s *Storage) MergeTask(ctx context.Context, id string, upd domain.TaskUpdate, updatedAt time.Time) (domain.Task, error) {
	merge := taskMerge{
		Entity:    aztables.Entity{PartitionKey: boardPartition, RowKey: id},
		UpdatedAt: formatTime(updatedAt),
	}
	if upd.Title != nil {
		merge.Title = upd.Title
	}
	if upd.Description != nil {
		merge.Description = upd.Description
	}
	if upd.DueDate != nil {
		v := formatTime(*upd.DueDate)
		merge.DueDate = &v
	}
	if upd.Priority != nil {
		v := string(*upd.Priority)
		merge.Priority = &v
	}
	if upd.Status != nil {
		v := string(*upd.Status)
		merge.Status = &v
	}
	if upd.AssignedToID != nil {
		merge.AssignedToID = upd.AssignedToID
	}
	if upd.Position != nil {
		merge.Position = upd.Position
		t := edmDouble
		merge.PositionType = &t
	}
	payload, err := sonic.Marshal(merge)
	if err != nil {
		return domain.Task{}, err
	}
	et := azcore.ETagAny
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if err != nil {
		if statusCode(err) == 404 {
			return domain.Task{}, domain.ErrNotFound
		}
		return domain.Task{}, err
	}
	return s.GetTask(ctx, id)
}

// DeleteTask removes a task entity. Missing ids map to domain.ErrNotFound so
// the pipeline can decide whether that matters.
func (s *Storage) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.taskTable.DeleteEntity(ctx, boardPartition, id, nil); err != nil {
		if statusCode(err) == 404 {
			return domain.ErrNotFound
		}
		return err
	}
	return nil
}

// ListTasks returns tasks matching the conjunction of the filter's set fields,
// ordered by ascending due date.
func (s *Storage) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	tasks, err := s.queryTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].DueDate.Before(tasks[j].DueDate) })
	return tasks, nil
}

// ListColumn returns the tasks of one status column ordered by position.
func (s *Storage) ListColumn(ctx context.Context, status domain.Status) ([]domain.Task, error) {
	tasks, err := s.queryTasks(ctx, domain.TaskFilter{Status: status})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Position < tasks[j].Position })
	return tasks, nil
}

func (s *Storage) queryTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + boardPartition + "'"
	if f.Status != "" {
		filter += " and Status eq '" + escapeODataValue(string(f.Status)) + "'"
	}
	if f.Priority != "" {
		filter += " and Priority eq '" + escapeODataValue(string(f.Priority)) + "'"
	}
	if f.AssignedToID != "" {
		filter += " and AssignedToId eq '" + escapeODataValue(f.AssignedToID) + "'"
	}
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, ent.toDomain())
		}
	}
	return tasks, nil
}

// inverseTimeRowKey yields row keys that sort newest-first under the table
// service's ascending row key order.
func inverseTimeRowKey(t time.Time, id string) string {
	return fmt.Sprintf("%020d-%s", math.MaxInt64-t.UTC().UnixNano(), id)
}

// InsertNotification persists a notification in the recipient's partition.
func (s *Storage) InsertNotification(ctx context.Context, n domain.Notification) error {
	ent := notificationEntity{
		Entity:         aztables.Entity{PartitionKey: n.RecipientID, RowKey: inverseTimeRowKey(n.CreatedAt, n.ID)},
		NotificationID: n.ID,
		TaskID:         n.TaskID,
		Message:        n.Message,
		Read:           n.Read,
		CreatedAt:      formatTime(n.CreatedAt),
	}
	payload, err := sonic.Marshal(ent)
	if err != nil {
		return err
	}
	if _, err := s.notificationTable.AddEntity(ctx, payload, nil); err != nil {
		if statusCode(err) == 409 {
			return fmt.Errorf("notification %s: %w", n.ID, domain.ErrConflict)
		}
		return err
	}
	return nil
}

// ListNotifications returns the recipient's notifications newest-first.
func (s *Storage) ListNotifications(ctx context.Context, recipientID string) ([]domain.Notification, error) {
	ents, err := s.queryNotifications(ctx, recipientID, "")
	if err != nil {
		return nil, err
	}
	out := make([]domain.Notification, len(ents))
	for i, ent := range ents {
		out[i] = ent.toDomain()
	}
	return out, nil
}

// MarkNotificationRead flips one notification's read flag and returns the
// updated record. Foreign or unknown ids map to domain.ErrNotFound.
func (s *Storage) MarkNotificationRead(ctx context.Context, recipientID, id string) (domain.Notification, error) {
	ents, err := s.queryNotifications(ctx, recipientID, "NotificationId eq '"+escapeODataValue(id)+"'")
	if err != nil {
		return domain.Notification{}, err
	}
	if len(ents) == 0 {
		return domain.Notification{}, domain.ErrNotFound
	}
	ent := ents[0]
	ent.Read = true
	if err := s.mergeNotificationsRead(ctx, []notificationEntity{ent}); err != nil {
		return domain.Notification{}, err
	}
	return ent.toDomain(), nil
}

// MarkAllNotificationsRead marks every unread notification for the recipient
// in transactional batches within the partition.
func (s *Storage) MarkAllNotificationsRead(ctx context.Context, recipientID string) error {
	ents, err := s.queryNotifications(ctx, recipientID, "Read eq false")
	if err != nil {
		return err
	}
	for i := range ents {
		ents[i].Read = true
	}
	return s.mergeNotificationsRead(ctx, ents)
}

func (s *Storage) queryNotifications(ctx context.Context, recipientID, extra string) ([]notificationEntity, error) {
	filter := "PartitionKey eq '" + escapeODataValue(recipientID) + "'"
	if extra != "" {
		filter += " and " + extra
	}
	pager := s.notificationTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	ents := []notificationEntity{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent notificationEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			ents = append(ents, ent)
		}
	}
	return ents, nil
}

// Table transactions accept at most 100 actions.
const transactionLimit = 100

func (s *Storage) mergeNotificationsRead(ctx context.Context, ents []notificationEntity) error {
	for start := 0; start < len(ents); start += transactionLimit {
		end := start + transactionLimit
		if end > len(ents) {
			end = len(ents)
		}
		actions := make([]aztables.TransactionAction, 0, end-start)
		for _, ent := range ents[start:end] {
			payload, err := sonic.Marshal(ent)
			if err != nil {
				return err
			}
			actions = append(actions, aztables.TransactionAction{
				ActionType: aztables.TransactionTypeUpdateMerge,
				Entity:     payload,
			})
		}
		if _, err := s.notificationTable.SubmitTransaction(ctx, actions, nil); err != nil {
			return err
		}
	}
	return nil
}

// AppendAudit hands the entry to the audit queue; the audit writer persists
// it to the audit table out of band.
func (s *Storage) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	data, err := sonic.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.auditQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// WriteAudit persists one audit entry to the audit table. Used by the audit
// writer after dequeueing.
func (s *Storage) WriteAudit(ctx context.Context, e domain.AuditEntry) error {
	ent := auditEntity{
		Entity:    aztables.Entity{PartitionKey: e.TaskID, RowKey: inverseTimeRowKey(e.CreatedAt, e.ID)},
		AuditID:   e.ID,
		UserID:    e.UserID,
		Action:    e.Action,
		Details:   e.Details,
		CreatedAt: formatTime(e.CreatedAt),
	}
	payload, err := sonic.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.auditTable.UpsertEntity(ctx, payload, nil)
	return err
}

// DequeueAudit retrieves one pending audit message, or nil when the queue is
// empty.
func (s *Storage) DequeueAudit(ctx context.Context) (*azqueue.DequeuedMessage, error) {
	resp, err := s.auditQueue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	return resp.Messages[0], nil
}

// DeleteAuditMessage removes a processed message from the audit queue.
func (s *Storage) DeleteAuditMessage(ctx context.Context, id, receipt string) error {
	_, err := s.auditQueue.DeleteMessage(ctx, id, receipt, nil)
	return err
}
