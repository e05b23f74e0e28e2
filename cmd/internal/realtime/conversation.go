package realtime

import (
	"log/slog"
	"sync"

	v1 "whisper/shared/contracts/chat/v1"
)

// Conversation is the live room of one private chat: the sessions that
// currently have it open.
//
// Join and Leave are safe under concurrent Broadcast. Broadcast never
// blocks; members whose queue is full miss the envelope and recover it from
// history.
type Conversation struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client
}

func NewConversation(log *slog.Logger, id string) *Conversation {
	return &Conversation{
		log:     log,
		ID:      id,
		members: make(map[string]*Client),
	}
}

func (c *Conversation) Join(client *Client) {
	if c == nil || client == nil || client.SessionID == "" {
		return
	}
	c.mu.Lock()
	c.members[client.SessionID] = client
	c.mu.Unlock()

	c.log.Debug("conversation.member.join", "conversation_id", c.ID, "session_id", client.SessionID)
}

// Leave removes a session. Unlike closing a connection it does not stop the
// client: a session leaves a room whenever it opens another chat.
func (c *Conversation) Leave(sessionID string) {
	if c == nil || sessionID == "" {
		return
	}
	c.mu.Lock()
	delete(c.members, sessionID)
	c.mu.Unlock()

	c.log.Debug("conversation.member.leave", "conversation_id", c.ID, "session_id", sessionID)
}

// Has reports whether sessionID is a member.
func (c *Conversation) Has(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[sessionID]
	return ok
}

func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// Broadcast fans env out to all members and returns how many took it.
func (c *Conversation) Broadcast(env v1.Envelope) int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, m := range c.members {
		if m != nil && m.offer(env) {
			n++
		}
	}
	return n
}
