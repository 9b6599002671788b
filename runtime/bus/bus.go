// Package bus defines the event bus contract the node runtime depends on,
// the wire shapes of the core topics, and an in-memory implementation for
// tests and single-process runs. A Redis-backed implementation built on
// Pulse streams lives in features/bus/pulse.
package bus

import (
	"context"
	"time"
)

// Topic names a bus subject.
type Topic string

const (
	// TopicToolInvocation carries tool invocation requests to nodes.
	TopicToolInvocation Topic = "tool.invocation"
	// TopicToolResponse carries correlation-matched invocation responses.
	TopicToolResponse Topic = "tool.response"
	// TopicNodeIntrospection carries node capability announcements.
	TopicNodeIntrospection Topic = "node.introspection"
	// TopicNodeShutdown carries node shutdown notices.
	TopicNodeShutdown Topic = "node.shutdown"
)

type (
	// Envelope wraps a payload published on a topic.
	Envelope struct {
		// ID is the bus-assigned event identifier.
		ID string
		// Topic is the subject the event was published on.
		Topic Topic
		// Payload is one of the event types of this package (or a raw
		// decoded map for transports that lost the concrete type).
		Payload any
		// PublishedAt is when the event was accepted by the bus.
		PublishedAt time.Time
	}

	// Handler processes one delivered event. Errors are logged by the bus
	// and do not stop delivery to other subscribers.
	Handler func(ctx context.Context, env Envelope) error

	// Subscription represents an active topic registration. Close is
	// idempotent.
	Subscription interface {
		Close() error
	}

	// Bus publishes and subscribes events by topic. Publish must not lose
	// events once it returns nil.
	Bus interface {
		// Subscribe registers a handler for the topic.
		Subscribe(topic Topic, h Handler) (Subscription, error)
		// Publish delivers the payload to every subscriber of the topic.
		Publish(ctx context.Context, topic Topic, payload any) error
	}

	// ToolInvocationEvent requests execution of a node tool. Immutable once
	// published.
	ToolInvocationEvent struct {
		CorrelationID   string         `json:"correlation_id"`
		TargetNodeID    string         `json:"target_node_id"`
		TargetNodeName  string         `json:"target_node_name"`
		ToolName        string         `json:"tool_name"`
		Action          string         `json:"action"`
		RequesterID     string         `json:"requester_id"`
		RequesterNodeID string         `json:"requester_node_id,omitempty"`
		Parameters      map[string]any `json:"parameters"`
		TimeoutMs       int64          `json:"timeout_ms,omitempty"`
		Priority        int            `json:"priority,omitempty"`
	}

	// ToolResponseEvent reports the outcome of one invocation. Emitted
	// exactly once per processed invocation, carrying the originating
	// correlation identifier.
	ToolResponseEvent struct {
		CorrelationID   string         `json:"correlation_id"`
		Success         bool           `json:"success"`
		Result          map[string]any `json:"result,omitempty"`
		Error           string         `json:"error,omitempty"`
		ErrorCode       string         `json:"error_code,omitempty"`
		ExecutionTimeMs float64        `json:"execution_time_ms"`
	}

	// ToolDescriptor announces one tool a node serves.
	ToolDescriptor struct {
		Name        string   `json:"name"`
		Description string   `json:"description,omitempty"`
		Actions     []string `json:"actions,omitempty"`
	}

	// IntrospectionEvent announces a node and its declared capabilities.
	IntrospectionEvent struct {
		NodeID   string           `json:"node_id"`
		NodeName string           `json:"node_name"`
		Tools    []ToolDescriptor `json:"tools,omitempty"`
		Inputs   []string         `json:"inputs,omitempty"`
		Outputs  []string         `json:"outputs,omitempty"`
	}

	// ShutdownEvent announces that a node is draining and stopping.
	ShutdownEvent struct {
		NodeID   string `json:"node_id"`
		NodeName string `json:"node_name"`
		Reason   string `json:"reason,omitempty"`
	}
)
