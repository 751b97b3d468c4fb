package bus

import (
	"context"
	"errors"
)

// Sink receives published action messages.
type Sink interface {
	Publish(ctx context.Context, topic string, message []byte) error
}

// Broadcaster publishes to every live session through the hub and to any
// extra sinks such as the broker.
type Broadcaster struct {
	hub   *Hub
	sinks []Sink
}

// NewBroadcaster constructs a broadcaster. Nil sinks are skipped.
func NewBroadcaster(hub *Hub, sinks ...Sink) (*Broadcaster, error) {
	if hub == nil {
		return nil, errors.New("bus: nil hub")
	}
	b := &Broadcaster{hub: hub}
	for _, s := range sinks {
		if s != nil {
			b.sinks = append(b.sinks, s)
		}
	}
	return b, nil
}

// Publish fans the message out. Session delivery never fails; sink errors are
// joined and returned.
func (b *Broadcaster) Publish(ctx context.Context, topic string, message []byte) error {
	if err := b.hub.Publish(ctx, topic, message); err != nil {
		return err
	}
	var errs []error
	for _, s := range b.sinks {
		if err := s.Publish(ctx, topic, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
