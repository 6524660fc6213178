package domain

import "github.com/bytedance/sonic"

// Realtime event kinds. Task events go to every connected session,
// notification events only to the recipient's room.
const (
	EventTaskCreated     = "task:created"
	EventTaskUpdated     = "task:updated"
	EventTaskDeleted     = "task:deleted"
	EventNotificationNew = "notification:new"
)

// Event is the envelope fanned out to realtime sessions. An empty Room means
// broadcast to all sessions; otherwise only sessions that joined the
// user-scoped room receive it.
type Event struct {
	Kind string                 `json:"kind"`
	Room string                 `json:"room,omitempty"`
	Data sonic.NoCopyRawMessage `json:"data,omitempty"`
}

// DeletedPayload is the data carried by a task:deleted event.
type DeletedPayload struct {
	ID string `json:"id"`
}

// NotificationPayload is the data carried by a notification:new event. It is
// deliberately thin; clients refetch the notification list for the full
// records.
type NotificationPayload struct {
	Message string `json:"message"`
	TaskID  string `json:"taskId"`
}

// NewTaskEvent wraps a full task entity in an event of the given kind.
func NewTaskEvent(kind string, t Task) (Event, error) {
	data, err := sonic.Marshal(t)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: kind, Data: data}, nil
}

// NewTaskDeletedEvent carries only the deleted task id.
func NewTaskDeletedEvent(id string) (Event, error) {
	data, err := sonic.Marshal(DeletedPayload{ID: id})
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: EventTaskDeleted, Data: data}, nil
}

// NewNotificationEvent targets the recipient's room.
func NewNotificationEvent(recipientID, taskID, message string) (Event, error) {
	data, err := sonic.Marshal(NotificationPayload{Message: message, TaskID: taskID})
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: EventNotificationNew, Room: recipientID, Data: data}, nil
}
