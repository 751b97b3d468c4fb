// Package bus carries sensor messages in and action messages out.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Message sources.
const (
	SourceWebsocket = "websocket"
	SourceKafka     = "kafka"
	SourceHTTP      = "http"
)

// Message is one inbound bus message.
type Message struct {
	Topic     string
	Payload   []byte
	Timestamp time.Time
	Source    string
}

// Handler consumes inbound messages.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

// HandleMessage implements Handler.
func (f HandlerFunc) HandleMessage(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// FanOut hands every message to each handler in order. A failing handler does
// not stop the ones after it; their errors are joined.
func FanOut(handlers ...Handler) Handler {
	return HandlerFunc(func(ctx context.Context, msg Message) error {
		var errs []error
		for _, h := range handlers {
			if h == nil {
				continue
			}
			if err := h.HandleMessage(ctx, msg); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Envelope is the outbound frame delivered to sessions.
type Envelope struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope wraps a message body. Bodies that are not JSON are sent as a
// JSON string.
func NewEnvelope(topic string, body []byte, at time.Time) Envelope {
	payload := json.RawMessage(body)
	if len(body) == 0 || !json.Valid(body) {
		quoted, _ := json.Marshal(string(body))
		payload = quoted
	}
	return Envelope{Topic: topic, Payload: payload, Timestamp: at}
}
