package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"clubhouse/cmd/internal/club"
	v1 "clubhouse/shared/contracts/realtime/v1"
)

// ConnObserver tracks open sessions.
type ConnObserver interface {
	ConnOpened()
	ConnClosed()
}

// Hub owns the topic subscriptions of every connected session on this instance.
// It is a club.Notifier and an invalidate sink: hints are pushed to subscribers of each key.
type Hub struct {
	log *slog.Logger
	obs ConnObserver

	mu      sync.RWMutex
	topics  map[string]*Topic
	clients map[string]*Client
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithConnObserver reports session open/close, e.g. to a Prometheus gauge.
func WithConnObserver(o ConnObserver) HubOption {
	return func(h *Hub) { h.obs = o }
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:     log,
		topics:  make(map[string]*Topic),
		clients: make(map[string]*Client),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register adds a connected client.
func (h *Hub) Register(c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	h.clients[c.SessionID] = c
	h.mu.Unlock()
	if h.obs != nil {
		h.obs.ConnOpened()
	}
}

// Unregister drops every subscription of c and forgets it.
func (h *Hub) Unregister(c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	_, known := h.clients[c.SessionID]
	delete(h.clients, c.SessionID)
	for id := range c.topics {
		h.leaveLocked(id, c)
	}
	h.mu.Unlock()
	if known && h.obs != nil {
		h.obs.ConnClosed()
	}
}

// Subscribe adds c to topic. It returns false when c already holds too many topics.
func (h *Hub) Subscribe(topic string, c *Client) bool {
	if c == nil || topic == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := c.topics[topic]; ok {
		return true
	}
	if len(c.topics) >= maxTopicsPerSession {
		return false
	}
	t := h.topics[topic]
	if t == nil {
		t = NewTopic(h.log, topic)
		h.topics[topic] = t
	}
	t.Join(c)
	c.topics[topic] = struct{}{}
	return true
}

// Unsubscribe removes c from topic.
func (h *Hub) Unsubscribe(topic string, c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	h.leaveLocked(topic, c)
	h.mu.Unlock()
}

func (h *Hub) leaveLocked(topic string, c *Client) {
	delete(c.topics, topic)
	t := h.topics[topic]
	if t == nil {
		return
	}
	if t.Leave(c.SessionID) == 0 {
		delete(h.topics, topic)
	}
}

// Subscribers returns the member count of topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	t := h.topics[topic]
	h.mu.RUnlock()
	return t.Len()
}

// Deliver pushes one invalidate envelope per affected session, listing only the keys that
// session subscribed to. Full queues drop the envelope. It returns the number of sessions reached.
func (h *Hub) Deliver(hints club.Hints) int {
	if h == nil || hints.Empty() {
		return 0
	}

	targets := make(map[*Client][]string)
	h.mu.RLock()
	for _, key := range hints.Keys {
		t := h.topics[key]
		if t == nil {
			continue
		}
		for _, c := range t.snapshot() {
			targets[c] = append(targets[c], key)
		}
	}
	h.mu.RUnlock()

	now := time.Now().UTC()
	reached := 0
	for c, keys := range targets {
		sort.Strings(keys)
		payload, err := json.Marshal(v1.InvalidatePayload{Op: hints.Op, ClubID: hints.ClubID, Keys: keys})
		if err != nil {
			continue
		}
		env, err := newEnvelope(v1.TypeInvalidate, payload, now)
		if err != nil {
			h.log.Warn("realtime.envelope.fail", "err", err)
			continue
		}
		if c.offer(env) {
			reached++
		} else {
			h.log.Info("realtime.invalidate.drop", "session_id", c.SessionID, "op", hints.Op)
		}
	}
	return reached
}

// Invalidate implements club.Notifier.
func (h *Hub) Invalidate(_ context.Context, hints club.Hints) error {
	h.Deliver(hints)
	return nil
}

// Name and Publish make the hub an invalidate sink.
func (h *Hub) Name() string { return "realtime" }

func (h *Hub) Publish(ctx context.Context, hints club.Hints) error { return h.Invalidate(ctx, hints) }

// Relay adapts Deliver to the Redis relay callback.
func (h *Hub) Relay(_ context.Context, hints club.Hints) { h.Deliver(hints) }
