package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

// reconnectDelay spaces out redial attempts after a dropped connection.
const reconnectDelay = time.Second

// Client talks to the board service over HTTP and keeps a Board and Feed in
// sync through the realtime channel. Missed events are reconciled by a full
// refetch on every (re)connect.
type Client struct {
	baseURL string
	token   string
	userID  string
	httpc   *http.Client
	board   *Board
	feed    *Feed
	log     *log.Logger
}

func New(baseURL, token, userID string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		userID:  userID,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		board:   NewBoard(),
		feed:    NewFeed(),
		log:     logger,
	}
}

func (c *Client) Board() *Board { return c.board }

func (c *Client) Feed() *Feed { return c.feed }

// Run maintains the realtime connection until ctx is cancelled. Each connect
// joins the user's room and refetches tasks and notifications before folding
// in live events.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.listen(ctx); err != nil {
			c.log.Warnf("realtime connection lost: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) listen(ctx context.Context) error {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: c.httpc})
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	if c.userID != "" {
		join, err := sonic.Marshal(wireFrame{Event: "join:user", Data: mustRaw(c.userID)})
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, websocket.MessageText, join); err != nil {
			return err
		}
	}

	if err := c.RefetchTasks(ctx); err != nil {
		return err
	}
	if err := c.RefetchNotifications(ctx); err != nil {
		return err
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var frame wireFrame
		if err := sonic.Unmarshal(data, &frame); err != nil {
			c.log.Warnf("bad realtime frame: %v", err)
			continue
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *Client) handleFrame(ctx context.Context, frame wireFrame) {
	switch frame.Event {
	case domain.EventTaskCreated, domain.EventTaskUpdated, domain.EventTaskDeleted:
		if err := c.board.ApplyEvent(domain.Event{Kind: frame.Event, Data: frame.Data}); err != nil {
			c.log.Warnf("apply %s: %v", frame.Event, err)
		}
	case domain.EventNotificationNew:
		// The payload is thin; the list endpoint is the source of truth.
		if err := c.RefetchNotifications(ctx); err != nil {
			c.log.Warnf("refetch notifications: %v", err)
		}
	}
}

// RefetchTasks replaces the board cache with the server's listing.
func (c *Client) RefetchTasks(ctx context.Context) error {
	var tasks []domain.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &tasks); err != nil {
		return err
	}
	c.board.Replace(tasks)
	return nil
}

// RefetchNotifications replaces the feed with the server's listing.
func (c *Client) RefetchNotifications(ctx context.Context) error {
	var items []domain.Notification
	if err := c.do(ctx, http.MethodGet, "/api/notifications", nil, &items); err != nil {
		return err
	}
	c.feed.Replace(items)
	return nil
}

// CreateTask posts a new task and records the response. The broadcast that
// follows confirms the same entity on every other client.
func (c *Client) CreateTask(ctx context.Context, draft TaskDraft) (domain.Task, error) {
	var created domain.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks", draft, &created); err != nil {
		return domain.Task{}, err
	}
	c.board.Confirm(created)
	return created, nil
}

// UpdateTask applies the update optimistically, sends it, and rolls the cache
// back if the request fails.
func (c *Client) UpdateTask(ctx context.Context, id string, upd domain.TaskUpdate) (domain.Task, error) {
	entry, ok := c.board.Get(id)
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	snap := c.board.ApplyLocal(applyUpdate(entry.Task, upd))

	var updated domain.Task
	if err := c.do(ctx, http.MethodPut, "/api/tasks/"+id, patchFromUpdate(upd), &updated); err != nil {
		c.board.Rollback(snap)
		return domain.Task{}, err
	}
	c.board.Confirm(updated)
	return updated, nil
}

// MoveTask drags a task to index within a status column, allocating the
// position locally so the optimistic view matches what the server will store.
func (c *Client) MoveTask(ctx context.Context, id string, status domain.Status, index int) (domain.Task, error) {
	position := c.board.PositionFor(status, index, id)
	return c.UpdateTask(ctx, id, domain.TaskUpdate{Status: &status, Position: &position})
}

// DeleteTask removes the task optimistically and restores it if the request
// fails.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	snap := c.board.RemoveLocal(id)
	if err := c.do(ctx, http.MethodDelete, "/api/tasks/"+id, nil, nil); err != nil {
		c.board.Rollback(snap)
		return err
	}
	return nil
}

// MarkNotificationRead flips one notification and refreshes the feed entry.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPatch, "/api/notifications/"+id+"/read", nil, nil); err != nil {
		return err
	}
	return c.RefetchNotifications(ctx)
}

// MarkAllNotificationsRead flips the whole feed.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPatch, "/api/notifications/read-all", nil, nil); err != nil {
		return err
	}
	return c.RefetchNotifications(ctx)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := sonic.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrNotFound
	}
	if resp.StatusCode >= 400 {
		var serverErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err := sonic.Unmarshal(raw, &serverErr); err == nil && serverErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, serverErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return sonic.ConfigStd.NewDecoder(resp.Body).Decode(out)
}

// TaskDraft is the creation payload sent to the server.
type TaskDraft struct {
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	DueDate      time.Time       `json:"dueDate"`
	Priority     domain.Priority `json:"priority,omitempty"`
	AssignedToID string          `json:"assignedToId,omitempty"`
	Position     *float64        `json:"position,omitempty"`
}

type wireFrame struct {
	Event string                 `json:"event"`
	Data  sonic.NoCopyRawMessage `json:"data,omitempty"`
}

type taskPatch struct {
	Title        *string          `json:"title,omitempty"`
	Description  *string          `json:"description,omitempty"`
	DueDate      *time.Time       `json:"dueDate,omitempty"`
	Priority     *domain.Priority `json:"priority,omitempty"`
	Status       *domain.Status   `json:"status,omitempty"`
	AssignedToID *string          `json:"assignedToId,omitempty"`
	Position     *float64         `json:"position,omitempty"`
}

func patchFromUpdate(u domain.TaskUpdate) taskPatch {
	return taskPatch{
		Title:        u.Title,
		Description:  u.Description,
		DueDate:      u.DueDate,
		Priority:     u.Priority,
		Status:       u.Status,
		AssignedToID: u.AssignedToID,
		Position:     u.Position,
	}
}

func applyUpdate(t domain.Task, u domain.TaskUpdate) domain.Task {
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.DueDate != nil {
		t.DueDate = *u.DueDate
	}
	if u.Priority != nil {
		t.Priority = *u.Priority
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.AssignedToID != nil {
		t.AssignedToID = *u.AssignedToID
	}
	if u.Position != nil {
		t.Position = *u.Position
	}
	return t
}

func mustRaw(s string) sonic.NoCopyRawMessage {
	raw, _ := sonic.Marshal(s)
	return raw
}
