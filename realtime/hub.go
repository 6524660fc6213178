package realtime

import (
	"sync"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

// sendBuffer bounds each session's outbound queue. Slow consumers drop
// frames instead of blocking the hub.
const sendBuffer = 16

// Session is one connected client. The transport drains Send and closes the
// connection when the hub shuts the channel.
type Session struct {
	send chan []byte

	mu   sync.Mutex
	room string
}

// Frames returns the session's outbound frame channel.
func (s *Session) Frames() <-chan []byte {
	return s.send
}

// Hub tracks connected sessions and their user rooms and fans broadcast
// frames out to them.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	rooms    map[string]map[*Session]struct{}
	log      *log.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		sessions: make(map[*Session]struct{}),
		rooms:    make(map[string]map[*Session]struct{}),
		log:      logger,
	}
}

// Register adds a new session to the hub.
func (h *Hub) Register() *Session {
	s := &Session{send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Unregister removes the session and closes its frame channel.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s)
	h.leaveLocked(s)
	h.mu.Unlock()
	close(s.send)
}

// Join moves the session into the given user room, leaving any previous one.
func (h *Hub) Join(s *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; !ok {
		return
	}
	h.leaveLocked(s)
	s.mu.Lock()
	s.room = room
	s.mu.Unlock()
	if room == "" {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Session]struct{})
	}
	h.rooms[room][s] = struct{}{}
}

func (h *Hub) leaveLocked(s *Session) {
	s.mu.Lock()
	room := s.room
	s.room = ""
	s.mu.Unlock()
	if room == "" || h.rooms[room] == nil {
		return
	}
	delete(h.rooms[room], s)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
}

// Dispatch fans one event out: room-scoped events reach only sessions that
// joined the room, everything else reaches every session.
func (h *Hub) Dispatch(ev domain.Event) {
	frame, err := sonic.Marshal(wsFrame{Event: ev.Kind, Data: ev.Data})
	if err != nil {
		h.log.Errorf("hub: marshal frame: %v", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ev.Room != "" {
		for s := range h.rooms[ev.Room] {
			h.deliver(s, frame)
		}
		return
	}
	for s := range h.sessions {
		h.deliver(s, frame)
	}
}

func (h *Hub) deliver(s *Session, frame []byte) {
	select {
	case s.send <- frame:
	default:
		h.log.Warn("hub: dropping frame for slow session")
	}
}

// SessionCount reports the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// RoomCount reports how many sessions joined the given room.
func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
