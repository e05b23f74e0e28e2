package realtime

import (
	"log/slog"
	"sync"

	v1 "whisper/shared/contracts/chat/v1"
)

// Hub owns the live rooms of this process and the presence registry
// (user -> sessions). Persistence lives behind chat.Service.
type Hub struct {
	log *slog.Logger

	mu            sync.RWMutex
	conversations map[string]*Conversation
	sessions      map[string]map[string]*Client
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:           log,
		conversations: make(map[string]*Conversation),
		sessions:      make(map[string]map[string]*Client),
	}
}

// Connect registers a session and reports whether it is the user's first.
func (h *Hub) Connect(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.sessions[c.UserID]
	if !ok {
		set = make(map[string]*Client)
		h.sessions[c.UserID] = set
	}
	set[c.SessionID] = c
	return len(set) == 1
}

// Disconnect removes a session and reports whether it was the user's last.
func (h *Hub) Disconnect(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.sessions[c.UserID]
	if !ok {
		return false
	}
	if _, ok := set[c.SessionID]; !ok {
		return false
	}
	delete(set, c.SessionID)
	if len(set) > 0 {
		return false
	}
	delete(h.sessions, c.UserID)
	return true
}

// IsOnline reports whether userID has a session on this process.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}

// Join puts c into the room convID, creating it on demand.
func (h *Hub) Join(convID string, c *Client) *Conversation {
	h.mu.Lock()
	defer h.mu.Unlock()

	conv, ok := h.conversations[convID]
	if !ok {
		conv = NewConversation(h.log, convID)
		h.conversations[convID] = conv
	}
	conv.Join(c)
	return conv
}

// Leave removes sessionID from convID and drops the room once empty.
func (h *Hub) Leave(convID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conv, ok := h.conversations[convID]
	if !ok {
		return
	}
	conv.Leave(sessionID)
	if conv.Len() == 0 {
		delete(h.conversations, convID)
	}
}

// Rooms returns the number of live rooms.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conversations)
}

// Deliver hands a bus event to the local sessions it targets.
func (h *Hub) Deliver(ev Event) int {
	switch ev.Kind {
	case EventRoom:
		h.mu.RLock()
		conv := h.conversations[ev.Target]
		h.mu.RUnlock()
		return conv.Broadcast(ev.Envelope)
	case EventUser:
		return h.sendToUser(ev.Target, ev.Envelope)
	default:
		h.log.Warn("ws.bus.unknown_kind", "kind", ev.Kind)
		return 0
	}
}

func (h *Hub) sendToUser(userID string, env v1.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, c := range h.sessions[userID] {
		if c.offer(env) {
			n++
		}
	}
	return n
}
