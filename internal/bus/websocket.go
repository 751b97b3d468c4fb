package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"asset-alerting/internal/logger"
	"asset-alerting/internal/observability/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// Frame actions a websocket client may send.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPublish     = "publish"
)

// ClientFrame is a frame sent by a websocket client.
type ClientFrame struct {
	Action    string          `json:"action"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

type wsSession struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	subs   *subscriptions
	hub    *Hub
	inbox  Handler
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	log    zerolog.Logger
}

func (s *wsSession) ID() string                   { return s.id }
func (s *wsSession) Subscribed(topic string) bool { return s.subs.matches(topic) }

func (s *wsSession) Deliver(frame []byte) bool {
	select {
	case <-s.ctx.Done():
		return false
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *wsSession) Close() {
	s.once.Do(func() {
		s.cancel()
	})
}

// readPump reads client frames until the connection drops.
func (s *wsSession) readPump() {
	defer func() {
		s.hub.Unregister(s.id)
		s.Close()
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		s.handleFrame(raw)
	}
}

// writePump drains the send buffer and keeps the connection alive.
func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

func (s *wsSession) handleFrame(raw []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.log.Debug().Err(err).Msg("ignoring malformed frame")
		return
	}
	switch frame.Action {
	case ActionSubscribe:
		s.subs.add(frame.Topic)
	case ActionUnsubscribe:
		s.subs.remove(frame.Topic)
	case ActionPublish:
		if frame.Topic == "" || s.inbox == nil {
			return
		}
		at := time.Now().UTC()
		if frame.Timestamp != nil && !frame.Timestamp.IsZero() {
			at = frame.Timestamp.UTC()
		}
		msg := Message{Topic: frame.Topic, Payload: frame.Payload, Timestamp: at, Source: SourceWebsocket}
		result := metrics.ResultSuccess
		if err := s.inbox.HandleMessage(s.ctx, msg); err != nil {
			result = metrics.ResultError
			s.log.Warn().Err(err).Str("topic", frame.Topic).Msg("inbound message failed")
		}
		metrics.IncBusMessage(SourceWebsocket, result)
	default:
		s.log.Debug().Str("action", frame.Action).Msg("unknown frame action")
	}
}

// WebsocketHandler upgrades HTTP requests into bus sessions. Clients may
// subscribe to topic filters and publish sensor messages into the engine.
type WebsocketHandler struct {
	hub      *Hub
	inbox    Handler
	ctx      context.Context
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewWebsocketHandler constructs a handler. ctx bounds every session.
func NewWebsocketHandler(ctx context.Context, hub *Hub, inbox Handler) *WebsocketHandler {
	return &WebsocketHandler{
		hub:   hub,
		inbox: inbox,
		ctx:   ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: logger.WithComponent("bus_websocket"),
	}
}

// ServeHTTP handles GET /bus/ws?topic=<filter>.
func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.hub == nil {
		http.Error(w, "bus not ready", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(h.ctx)
	id := uuid.NewString()
	session := &wsSession{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		subs:   newSubscriptions(r.URL.Query()["topic"]...),
		hub:    h.hub,
		inbox:  h.inbox,
		ctx:    ctx,
		cancel: cancel,
		log:    h.log.With().Str("session_id", id).Logger(),
	}
	h.hub.Register(session)

	go session.writePump()
	go session.readPump()
}
