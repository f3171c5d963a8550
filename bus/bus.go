package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler consumes one event. Handlers may publish further events; the
// in-process bus guarantees those nested publishes complete before the outer
// Publish returns.
type Handler func(ctx context.Context, event Event) error

// Bus is the typed pub/sub contract. Per-channel publish order is preserved
// to each subscriber; nothing is promised across channels. Consumers must be
// idempotent on event_id because broker-backed implementations may deliver
// at least once.
type Bus interface {
	Publish(ctx context.Context, channel Channel, event Event) error
	Subscribe(channel Channel, handler Handler)
	Close() error
}

// InProcess is the reference bus: synchronous delivery, in publish order,
// with handler completion observed by the caller.
type InProcess struct {
	mu       sync.RWMutex
	handlers map[Channel][]Handler
	// publishMu serializes publishes per channel so subscribers observe a
	// single total order even with concurrent publishers.
	publishMu map[Channel]*sync.Mutex
	logger    *slog.Logger
}

// NewInProcess creates the synchronous in-process bus.
func NewInProcess(logger *slog.Logger) *InProcess {
	if logger == nil {
		logger = slog.Default()
	}
	b := &InProcess{
		handlers:  make(map[Channel][]Handler),
		publishMu: make(map[Channel]*sync.Mutex),
		logger:    logger,
	}
	for _, ch := range []Channel{
		ChannelWorkflowEvents,
		ChannelAgentRequests,
		ChannelAgentResults,
		ChannelTestResults,
		ChannelDebuggerRequests,
	} {
		b.publishMu[ch] = &sync.Mutex{}
	}
	return b
}

// Subscribe registers a handler on a channel.
func (b *InProcess) Subscribe(channel Channel, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channel] = append(b.handlers[channel], handler)
}

// Publish delivers the event to every subscriber of the channel before
// returning. The first handler error aborts delivery to later handlers and
// is returned to the publisher.
//
// The per-channel lock is not reentrant: handlers must publish follow-up
// events to a different channel than the one they are handling.
func (b *InProcess) Publish(ctx context.Context, channel Channel, event Event) error {
	lock, ok := b.publishMu[channel]
	if !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[channel]...)
	b.mu.RUnlock()

	lock.Lock()
	defer lock.Unlock()

	b.logger.Debug("publishing event",
		"channel", channel,
		"event_type", event.EventType,
		"event_id", event.EventID,
		"correlation_id", event.CorrelationID)

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			return fmt.Errorf("handler on %s for %s: %w", channel, event.EventType, err)
		}
	}
	return nil
}

// Close is a no-op for the in-process bus.
func (b *InProcess) Close() error { return nil }
