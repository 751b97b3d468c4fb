package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"asset-alerting/internal/logger"
)

// Session is one live bus connection.
type Session interface {
	ID() string
	// Subscribed reports whether the session wants messages on topic.
	Subscribed(topic string) bool
	// Deliver queues a frame without blocking. False means the session is
	// too slow and should be dropped.
	Deliver(frame []byte) bool
	Close()
}

// Hub tracks live sessions and fans out envelopes to subscribers.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]Session
	now      func() time.Time
	log      zerolog.Logger
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]Session),
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.WithComponent("bus_hub"),
	}
}

// Register adds a session.
func (h *Hub) Register(s Session) {
	h.mu.Lock()
	h.sessions[s.ID()] = s
	count := len(h.sessions)
	h.mu.Unlock()
	h.log.Debug().Str("session_id", s.ID()).Int("sessions", count).Msg("session registered")
}

// Unregister removes a session. Safe when absent.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	_, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if ok {
		h.log.Debug().Str("session_id", id).Msg("session unregistered")
	}
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Publish implements the action publisher for sessions only.
func (h *Hub) Publish(_ context.Context, topic string, message []byte) error {
	if topic == "" {
		return errEmptyTopic
	}
	h.Fanout(NewEnvelope(topic, message, h.now()))
	return nil
}

// Fanout delivers an envelope to every subscribed session and returns how
// many received it. Sessions whose buffers are full are dropped.
func (h *Hub) Fanout(env Envelope) int {
	frame, err := json.Marshal(env)
	if err != nil {
		h.log.Error().Err(err).Str("topic", env.Topic).Msg("envelope encode failed")
		return 0
	}

	h.mu.RLock()
	targets := make([]Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s.Subscribed(env.Topic) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.Deliver(frame) {
			delivered++
			continue
		}
		h.log.Warn().Str("session_id", s.ID()).Msg("session buffer full, dropping")
		h.Unregister(s.ID())
		s.Close()
	}
	return delivered
}

// CloseAll closes every session.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]Session)
	h.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// subscriptions is a concurrency-safe set of topic filters.
type subscriptions struct {
	mu      sync.RWMutex
	filters map[string]struct{}
}

func newSubscriptions(filters ...string) *subscriptions {
	s := &subscriptions{filters: make(map[string]struct{})}
	for _, f := range filters {
		s.add(f)
	}
	return s
}

func (s *subscriptions) add(filter string) {
	if filter == "" {
		return
	}
	s.mu.Lock()
	s.filters[filter] = struct{}{}
	s.mu.Unlock()
}

func (s *subscriptions) remove(filter string) {
	s.mu.Lock()
	delete(s.filters, filter)
	s.mu.Unlock()
}

func (s *subscriptions) matches(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for f := range s.filters {
		if MatchTopic(f, topic) {
			return true
		}
	}
	return false
}
