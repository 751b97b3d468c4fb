package bus

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

type sseSession struct {
	id     string
	ch     chan []byte
	subs   *subscriptions
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (s *sseSession) ID() string                   { return s.id }
func (s *sseSession) Subscribed(topic string) bool { return s.subs.matches(topic) }

func (s *sseSession) Deliver(frame []byte) bool {
	select {
	case <-s.ctx.Done():
		return false
	case s.ch <- frame:
		return true
	default:
		return false
	}
}

func (s *sseSession) Close() {
	s.once.Do(s.cancel)
}

// StreamHandler serves read-only bus sessions over server-sent events.
type StreamHandler struct {
	hub *Hub
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(hub *Hub) *StreamHandler {
	return &StreamHandler{hub: hub}
}

// ServeHTTP handles GET /bus/stream?topic=<filter>. Without a topic the
// session receives everything.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.hub == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	filters := r.URL.Query()["topic"]
	if len(filters) == 0 {
		filters = []string{"#"}
	}
	ctx, cancel := context.WithCancel(r.Context())
	session := &sseSession{
		id:     uuid.NewString(),
		ch:     make(chan []byte, 16),
		subs:   newSubscriptions(filters...),
		ctx:    ctx,
		cancel: cancel,
	}
	h.hub.Register(session)
	defer func() {
		h.hub.Unregister(session.id)
		session.Close()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	for {
		select {
		case frame := <-session.ch:
			_, _ = w.Write([]byte("event: message\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(frame)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
