// Package pulse implements the nodekit event bus over Pulse streams on
// Redis: one stream per topic, JSON envelopes, and one consumer group per
// subscriber. Unlike the in-memory bus, delivery is asynchronous and
// payloads arrive as decoded JSON maps rather than typed event values.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	clientspulse "goa.design/nodekit/features/bus/pulse/clients/pulse"
	"goa.design/nodekit/runtime/bus"
	"goa.design/nodekit/runtime/telemetry"
)

type (
	// envelope is the wire format stored in the stream.
	envelope struct {
		ID          string          `json:"id"`
		Topic       string          `json:"topic"`
		Payload     json.RawMessage `json:"payload"`
		PublishedAt time.Time       `json:"published_at"`
	}

	// Bus is a Pulse-backed bus.Bus. Safe for concurrent use.
	Bus struct {
		mu      sync.Mutex
		client  clientspulse.Client
		group   string
		streams map[bus.Topic]clientspulse.Stream
		logger  telemetry.Logger
	}

	// Option configures a Bus.
	Option func(*Bus)

	subscription struct {
		cancel context.CancelFunc
		done   <-chan struct{}
		once   sync.Once
	}
)

// WithConsumerGroup names the consumer group subscribers join. Defaults to
// "nodekit".
func WithConsumerGroup(name string) Option {
	return func(b *Bus) {
		if name != "" {
			b.group = name
		}
	}
}

// WithLogger sets the bus logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New constructs a Bus over the Pulse client.
func New(client clientspulse.Client, opts ...Option) (*Bus, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	b := &Bus{
		client:  client,
		group:   "nodekit",
		streams: make(map[bus.Topic]clientspulse.Stream),
		logger:  telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	return b, nil
}

// Publish appends the payload to the topic's stream as a JSON envelope.
func (b *Bus) Publish(ctx context.Context, topic bus.Topic, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", topic, err)
	}
	env := envelope{
		ID:          uuid.NewString(),
		Topic:       string(topic),
		Payload:     raw,
		PublishedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope for %s: %w", topic, err)
	}
	str, err := b.stream(topic)
	if err != nil {
		return err
	}
	if _, err := str.Add(ctx, string(topic), data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins the topic's consumer group and delivers events to the
// handler from a dedicated goroutine. Handler errors are logged; the event
// is acknowledged either way so a poison event cannot wedge the group.
func (b *Bus) Subscribe(topic bus.Topic, h bus.Handler) (bus.Subscription, error) {
	if h == nil {
		return nil, errors.New("handler is required")
	}
	str, err := b.stream(topic)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	sink, err := str.NewSink(ctx, b.group)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	done := make(chan struct{})
	go b.consume(ctx, topic, sink, h, done)
	return &subscription{cancel: cancel, done: done}, nil
}

// consume reads from the sink until the context is cancelled, decoding
// envelopes and invoking the handler.
func (b *Bus) consume(ctx context.Context, topic bus.Topic, sink clientspulse.Sink, h bus.Handler, done chan<- struct{}) {
	defer close(done)
	defer sink.Close(context.Background())
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			env, err := decodeEnvelope(evt.Payload)
			if err != nil {
				b.logger.Warn(ctx, "undecodable bus envelope", "topic", string(topic), "err", err.Error())
			} else if err := h(ctx, env); err != nil {
				b.logger.Warn(ctx, "bus handler failed", "topic", string(topic), "err", err.Error())
			}
			if err := sink.Ack(ctx, evt); err != nil {
				b.logger.Warn(ctx, "bus ack failed", "topic", string(topic), "err", err.Error())
			}
		}
	}
}

// stream returns the topic's stream handle, creating it on first use.
func (b *Bus) stream(topic bus.Topic) (clientspulse.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if str, ok := b.streams[topic]; ok {
		return str, nil
	}
	str, err := b.client.Stream(streamName(topic))
	if err != nil {
		return nil, err
	}
	b.streams[topic] = str
	return str, nil
}

// streamName maps a topic to its Redis stream name. Pulse stream names may
// not contain colons, so dots are kept as-is under a fixed prefix.
func streamName(topic bus.Topic) string {
	return "nodekit." + string(topic)
}

// decodeEnvelope parses the wire envelope. The payload is surfaced as a
// decoded JSON value since the concrete event type is lost in transit.
func decodeEnvelope(raw []byte) (bus.Envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return bus.Envelope{}, err
	}
	var payload any
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return bus.Envelope{}, err
		}
	}
	return bus.Envelope{
		ID:          env.ID,
		Topic:       bus.Topic(env.Topic),
		Payload:     payload,
		PublishedAt: env.PublishedAt,
	}, nil
}

// Close cancels nothing on its own; subscriptions own their lifecycles. It
// releases the underlying client.
func (b *Bus) Close(ctx context.Context) error {
	return b.client.Close(ctx)
}

// Close stops the subscription's consumer goroutine. Idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
