package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/nodekit/runtime/telemetry"
)

type (
	// InMemory is a process-local Bus. Delivery is synchronous in the
	// publisher's goroutine and in subscriber registration order; handler
	// errors are logged and do not stop delivery to other subscribers. It is
	// suitable for tests and single-process runs, not for durability.
	InMemory struct {
		mu     sync.RWMutex
		topics map[Topic][]*inmemSub
		logger telemetry.Logger
	}

	inmemSub struct {
		bus     *InMemory
		topic   Topic
		handler Handler
		once    sync.Once
	}

	// InMemoryOption configures an InMemory bus.
	InMemoryOption func(*InMemory)
)

// WithLogger sets the bus logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) InMemoryOption {
	return func(b *InMemory) { b.logger = l }
}

// NewInMemory constructs an empty in-memory bus.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	b := &InMemory{
		topics: make(map[Topic][]*inmemSub),
		logger: telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	return b
}

// Subscribe registers a handler for the topic.
func (b *InMemory) Subscribe(topic Topic, h Handler) (Subscription, error) {
	if h == nil {
		return nil, errors.New("handler is required")
	}
	s := &inmemSub{bus: b, topic: topic, handler: h}
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], s)
	b.mu.Unlock()
	return s, nil
}

// Publish delivers the payload to every subscriber of the topic. The
// subscriber snapshot is captured before delivery so registrations during
// Publish do not affect the current fan-out.
func (b *InMemory) Publish(ctx context.Context, topic Topic, payload any) error {
	env := Envelope{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		PublishedAt: time.Now(),
	}
	b.mu.RLock()
	subs := make([]*inmemSub, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.RUnlock()

	for _, s := range subs {
		if err := s.handler(ctx, env); err != nil {
			b.logger.Warn(ctx, "bus handler failed", "topic", string(topic), "err", err.Error())
		}
	}
	return nil
}

// Close removes the subscription from its topic. Idempotent.
func (s *inmemSub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		subs := s.bus.topics[s.topic]
		for i, sub := range subs {
			if sub == s {
				s.bus.topics[s.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}
