package realtime

import (
	"log/slog"
	"sync"
)

// Topic is the subscriber set for one invalidation key.
type Topic struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewTopic constructs an empty topic.
func NewTopic(log *slog.Logger, id string) *Topic {
	return &Topic{
		log:     log,
		ID:      id,
		members: make(map[string]*Client),
	}
}

// Join adds a client.
func (t *Topic) Join(client *Client) {
	if t == nil || client == nil || client.SessionID == "" {
		return
	}
	t.mu.Lock()
	t.members[client.SessionID] = client
	t.mu.Unlock()

	t.log.Debug("realtime.topic.join", "topic", t.ID, "session_id", client.SessionID)
}

// Leave removes a client and returns the remaining member count.
func (t *Topic) Leave(sessionID string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	delete(t.members, sessionID)
	n := len(t.members)
	t.mu.Unlock()

	t.log.Debug("realtime.topic.leave", "topic", t.ID, "session_id", sessionID)
	return n
}

// Len returns the current member count.
func (t *Topic) Len() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

func (t *Topic) snapshot() []*Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Client, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	return out
}
