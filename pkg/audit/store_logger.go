package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/safeholdhq/safehold/pkg/store"
)

// StoreLogger records audit events into a persistent AuditStore.
type StoreLogger struct {
	store store.AuditStore
}

// NewStoreLogger creates a store-backed audit logger.
func NewStoreLogger(s store.AuditStore) *StoreLogger {
	return &StoreLogger{store: s}
}

func (l *StoreLogger) Record(ctx context.Context, actor, action, resource, subsystem string, payload map[string]any, result string) error {
	if l.store == nil {
		return fmt.Errorf("audit: store not configured")
	}
	return l.store.Append(ctx, &store.AuditEntry{
		EntryID:   uuid.New().String(),
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		Subsystem: subsystem,
		Payload:   payload,
		Result:    result,
		Timestamp: time.Now().UTC(),
	})
}
