package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// subjectPrefix namespaces bus channels on the broker.
const subjectPrefix = "forgeloop.bus."

// NATS is a broker-backed Bus. NATS preserves per-subject publish order for
// a single publisher connection, which satisfies the per-channel ordering
// contract. Delivery is at-most-once (core NATS); consumers that need
// at-least-once should run the in-process bus or front NATS with JetStream.
type NATS struct {
	conn   *nats.Conn
	logger *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATS connects to the broker at url and returns a NATS-backed bus.
func NewNATS(url string, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("forgeloop-bus"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{conn: conn, logger: logger}, nil
}

func subject(channel Channel) string {
	return subjectPrefix + string(channel)
}

// Publish sends the event to the channel's subject.
func (b *NATS) Publish(_ context.Context, channel Channel, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.conn.Publish(subject(channel), data); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers a handler for the channel. Handler errors are logged;
// the broker has already accepted the message, so there is nothing to
// propagate to the publisher.
func (b *NATS) Subscribe(channel Channel, handler Handler) {
	sub, err := b.conn.Subscribe(subject(channel), func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn("dropping undecodable bus event",
				"channel", channel, "error", err)
			return
		}
		if err := handler(context.Background(), event); err != nil {
			b.logger.Warn("bus handler failed",
				"channel", channel,
				"event_type", event.EventType,
				"event_id", event.EventID,
				"error", err)
		}
	})
	if err != nil {
		b.logger.Error("subscribe failed", "channel", channel, "error", err)
		return
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

// Close drains subscriptions and closes the connection.
func (b *NATS) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	if err := b.conn.Drain(); err != nil {
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
