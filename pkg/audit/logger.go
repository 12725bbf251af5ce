// Package audit records who did what to which resource. The trail is
// best-effort by contract: a failing audit sink must never abort the
// primary execution flow, so callers discard the returned error after
// logging it.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger is the interface for recording audit events.
type Logger interface {
	Record(ctx context.Context, actor, action, resource, subsystem string, payload map[string]any, result string) error
}

// Event is the JSON shape written by the writer-backed logger.
type Event struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Subsystem string         `json:"subsystem"`
	Payload   map[string]any `json:"payload,omitempty"`
	Result    string         `json:"result"`
	Timestamp time.Time      `json:"timestamp"`
}

// logger writes structured JSON lines to a Writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// Injection point for tests and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w}
}

func (l *logger) Record(ctx context.Context, actor, action, resource, subsystem string, payload map[string]any, result string) error {
	evt := Event{
		ID:        uuid.New().String(),
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		Subsystem: subsystem,
		Payload:   payload,
		Result:    result,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.writer.Write(append(data, '\n'))
	return err
}

// Nop is a Logger that discards everything. Useful default for tests.
type Nop struct{}

func (Nop) Record(context.Context, string, string, string, string, map[string]any, string) error {
	return nil
}
