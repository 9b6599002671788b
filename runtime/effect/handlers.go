package effect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"goa.design/nodekit/runtime/bus"
	"goa.design/nodekit/runtime/txn"
)

// NewFileHandler returns the built-in file_operation handler. The operation
// map selects the action with "operation" (read, write, delete) and names the
// target with "path". Writes land atomically via a temp file in the target
// directory; under a transaction, a write registers a rollback that deletes
// the file (restoring the prior content when the file existed) and a delete
// registers a rollback that restores the backed-up content.
func NewFileHandler() Handler {
	return func(ctx context.Context, op map[string]any, tx *txn.Transaction) (map[string]any, error) {
		path, _ := op["path"].(string)
		if path == "" {
			return nil, errors.New("file operation requires a path")
		}
		action, _ := op["operation"].(string)
		switch action {
		case "read":
			content, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			return map[string]any{"path": path, "content": string(content), "size": len(content)}, nil

		case "write":
			data, _ := op["data"].(string)
			prior, hadPrior := readIfExists(path)
			if err := writeAtomic(path, []byte(data)); err != nil {
				return nil, fmt.Errorf("write %s: %w", path, err)
			}
			if tx != nil {
				rollback := func(context.Context) error { return os.Remove(path) }
				if hadPrior {
					rollback = func(context.Context) error { return writeAtomic(path, prior) }
				}
				if err := tx.AddOperation("file_write", map[string]any{"path": path}, rollback); err != nil {
					return nil, err
				}
			}
			return map[string]any{"path": path, "bytes_written": len(data)}, nil

		case "delete":
			prior, hadPrior := readIfExists(path)
			if !hadPrior {
				return nil, fmt.Errorf("delete %s: %w", path, os.ErrNotExist)
			}
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("delete %s: %w", path, err)
			}
			if tx != nil {
				if err := tx.AddOperation("file_delete", map[string]any{"path": path}, func(context.Context) error {
					return writeAtomic(path, prior)
				}); err != nil {
					return nil, err
				}
			}
			return map[string]any{"path": path, "deleted": true}, nil

		default:
			return nil, fmt.Errorf("unsupported file operation %q", action)
		}
	}
}

// NewEventHandler returns the built-in event_emission handler. The operation
// map names the topic with "topic" and carries the payload under "payload".
// Emission is not transactional; published events cannot be unpublished, so
// no rollback thunk is registered.
func NewEventHandler(b bus.Bus) Handler {
	return func(ctx context.Context, op map[string]any, _ *txn.Transaction) (map[string]any, error) {
		topic, _ := op["topic"].(string)
		if topic == "" {
			return nil, errors.New("event emission requires a topic")
		}
		if err := b.Publish(ctx, bus.Topic(topic), op["payload"]); err != nil {
			return map[string]any{"delivered": false}, err
		}
		return map[string]any{"delivered": true, "topic": topic}, nil
	}
}

func readIfExists(path string) ([]byte, bool) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return content, true
}

// writeAtomic writes to a temp file in the target directory and renames it
// into place so readers never observe a partial write.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
