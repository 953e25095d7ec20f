package events_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"buildline/internal/events"
)

type recordingEmitter struct {
	names []string
	err   error
}

func (r *recordingEmitter) Emit(ctx context.Context, name string, payload events.Payload) error {
	r.names = append(r.names, name)
	return r.err
}

func TestMultiFansOutToEveryEmitter(t *testing.T) {
	a := &recordingEmitter{}
	b := &recordingEmitter{}
	m := events.Multi{a, b}

	if err := m.Emit(context.Background(), "build:created", nil); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(a.names) != 1 || len(b.names) != 1 || a.names[0] != "build:created" {
		t.Fatalf("fan-out incomplete: %v %v", a.names, b.names)
	}
}

func TestMultiReturnsFirstErrorButKeepsGoing(t *testing.T) {
	bad := &recordingEmitter{err: fmt.Errorf("broker down")}
	good := &recordingEmitter{}
	m := events.Multi{bad, good}

	err := m.Emit(context.Background(), "job:started", events.Payload{"job_id": "j-1"})
	if err == nil || err.Error() != "broker down" {
		t.Fatalf("err = %v, want broker down", err)
	}
	if len(good.names) != 1 {
		t.Fatalf("later emitter skipped after error")
	}
}

func TestLogEmitsAtDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	l := events.Log{Logger: logger}

	if err := l.Emit(context.Background(), "build:finished", events.Payload{"build_id": "b-1"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "build:finished") || !strings.Contains(out, "b-1") {
		t.Fatalf("log output missing event: %q", out)
	}
}
