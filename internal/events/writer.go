// Package events carries build lifecycle notifications out of the core.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Payload is the event body, serialized as JSON.
type Payload map[string]any

// Emitter announces lifecycle events (build:created, build:started,
// build:finished, job:...) to the rest of the platform. Emission is
// best-effort: a failed emit never rolls back the state transition that
// triggered it.
type Emitter interface {
	Emit(ctx context.Context, name string, payload Payload) error
}

// Writer appends events to the events table, which doubles as an audit log.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

var _ Emitter = (*Writer)(nil)

func (w *Writer) Emit(ctx context.Context, name string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,name,payload_json) VALUES (?,?,?)`,
		now().UTC().Format(time.RFC3339), name, string(data))
	return err
}

// Log mirrors events onto a slog logger for interactive runs.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Emit(ctx context.Context, name string, payload Payload) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("lifecycle event", "event", name, "payload", map[string]any(payload))
	return nil
}

// Multi fans one event out to several emitters, returning the first error.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, name string, payload Payload) error {
	var first error
	for _, e := range m {
		if err := e.Emit(ctx, name, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}
