package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/nodekit/runtime/bus"
	"goa.design/nodekit/runtime/manifest"
)

// toolExecutionError is the error code carried by failure responses.
const toolExecutionError = "TOOL_EXECUTION_ERROR"

// HandleToolInvocation is the node's bus handler for tool invocation events.
// Invocations targeting another node are dropped with a warning. For every
// handled invocation exactly one response event is published, carrying the
// originating correlation id; the correlation id is a member of the active
// set for the whole handling window. When a manifest factory is configured,
// each handled invocation opens a generator that records the handler hook
// and is built as the response is emitted.
func (n *Node) HandleToolInvocation(ctx context.Context, env bus.Envelope) error {
	event, err := decodeInvocation(env.Payload)
	if err != nil {
		n.logger.Warn(ctx, "undecodable invocation", "node", n.id, "err", err.Error())
		return nil
	}

	n.mu.Lock()
	n.total++
	n.mu.Unlock()

	if event.TargetNodeID != n.id && event.TargetNodeName != n.name {
		n.logger.Warn(ctx, "invocation for another node",
			"node", n.id, "target_id", event.TargetNodeID, "target_name", event.TargetNodeName)
		return nil
	}

	n.mu.Lock()
	n.active[event.CorrelationID] = struct{}{}
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.active, event.CorrelationID)
		n.drained.Broadcast()
		n.mu.Unlock()
	}()

	var gen *manifest.Generator
	if n.manifests != nil {
		gen = n.manifests(event.CorrelationID)
	}
	if gen != nil {
		gen.StartHook(event.CorrelationID, event.ToolName, "handle")
	}

	start := n.now()
	result, runErr := n.invoke(ctx, &event)
	elapsed := float64(n.now().Sub(start)) / float64(time.Millisecond)

	if runErr != nil {
		n.mu.Lock()
		n.failed++
		n.mu.Unlock()
		n.metrics.IncCounter("node.invocations", 1, "node", n.id, "outcome", "error")
		n.logger.Error(ctx, "invocation failed",
			"node", n.id, "tool", event.ToolName, "correlation_id", event.CorrelationID, "err", runErr.Error())
		if gen != nil {
			gen.CompleteHook(event.CorrelationID, manifest.HookFailed, runErr.Error(), toolExecutionError)
			gen.RecordFailure(toolExecutionError, runErr.Error(), "handle", event.ToolName, false)
			gen.RecordEvent(string(bus.TopicToolResponse))
			gen.Build()
		}
		return n.respond(ctx, bus.ToolResponseEvent{
			CorrelationID:   event.CorrelationID,
			Success:         false,
			Error:           runErr.Error(),
			ErrorCode:       toolExecutionError,
			ExecutionTimeMs: elapsed,
		})
	}

	n.mu.Lock()
	n.successful++
	n.mu.Unlock()
	n.metrics.IncCounter("node.invocations", 1, "node", n.id, "outcome", "success")
	n.metrics.RecordTimer("node.invocation_duration", n.now().Sub(start), "node", n.id, "tool", event.ToolName)
	if gen != nil {
		gen.CompleteHook(event.CorrelationID, manifest.HookSuccess, "", "")
		gen.RecordEvent(string(bus.TopicToolResponse))
		gen.Build()
	}
	return n.respond(ctx, bus.ToolResponseEvent{
		CorrelationID:   event.CorrelationID,
		Success:         true,
		Result:          result,
		ExecutionTimeMs: elapsed,
	})
}

// invoke builds the handler input, runs the handler under the invocation
// timeout, and serializes its result. A panicking handler is converted into
// an error so the dispatcher still emits exactly one response.
func (n *Node) invoke(ctx context.Context, event *bus.ToolInvocationEvent) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	input, err := n.buildInput(event)
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	if event.TimeoutMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(event.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	raw, err := n.handler.Run(runCtx, input)
	if err != nil {
		return nil, err
	}
	return serializeResult(raw)
}

// buildInput merges the action over the event parameters, or delegates to
// the node's declared input builder.
func (n *Node) buildInput(event *bus.ToolInvocationEvent) (map[string]any, error) {
	if n.inputBuilder != nil {
		return n.inputBuilder(event.Action, event.Parameters)
	}
	input := make(map[string]any, len(event.Parameters)+1)
	for k, v := range event.Parameters {
		input[k] = v
	}
	input["action"] = event.Action
	return input, nil
}

// serializeResult converts a handler result into the response result map:
// maps pass through, Dumper results use their own dump, structs flatten to
// their public fields, primitives wrap under "result". A nil result is an
// error because the response schema requires one.
func serializeResult(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, fmt.Errorf("handler returned no result")
	case map[string]any:
		return v, nil
	case Dumper:
		return v.Dump(), nil
	case string, bool, int, int32, int64, float32, float64:
		return map[string]any{"result": v}, nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("unserializable result %T: %w", raw, err)
		}
		var out map[string]any
		if err := json.Unmarshal(encoded, &out); err != nil {
			// JSON-encodable but not an object (e.g. a slice): wrap it.
			return map[string]any{"result": v}, nil
		}
		return out, nil
	}
}

// respond publishes the response event. Exactly one response per handled
// invocation leaves through here.
func (n *Node) respond(ctx context.Context, resp bus.ToolResponseEvent) error {
	if err := n.bus.Publish(ctx, bus.TopicToolResponse, resp); err != nil {
		n.logger.Error(ctx, "response publish failed",
			"node", n.id, "correlation_id", resp.CorrelationID, "err", err.Error())
		return err
	}
	return nil
}

// decodeInvocation accepts both the typed event and the raw map a transport
// may deliver after JSON decoding.
func decodeInvocation(payload any) (bus.ToolInvocationEvent, error) {
	switch p := payload.(type) {
	case bus.ToolInvocationEvent:
		return p, nil
	case *bus.ToolInvocationEvent:
		return *p, nil
	case map[string]any:
		raw, err := json.Marshal(p)
		if err != nil {
			return bus.ToolInvocationEvent{}, err
		}
		var event bus.ToolInvocationEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return bus.ToolInvocationEvent{}, err
		}
		return event, nil
	case []byte:
		var event bus.ToolInvocationEvent
		if err := json.Unmarshal(p, &event); err != nil {
			return bus.ToolInvocationEvent{}, err
		}
		return event, nil
	default:
		return bus.ToolInvocationEvent{}, fmt.Errorf("unsupported invocation payload %T", payload)
	}
}
