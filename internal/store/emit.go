package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// FragmentSink receives a best-effort copy of every fragment as it is
// emitted, for operational tailing (the change feed, A7 in SPEC_FULL.md).
// It is never on the critical path: Publish errors are logged, not
// propagated, and never block or reorder the primary emit sink.
type FragmentSink interface {
	Publish(ctx context.Context, f Fragment) error
}

// logLine is the wire format described in spec §6, extended with the
// additive path/shape/start/seq attributes from SPEC_FULL.md §3.
type logLine struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Origin    string    `json:"origin"`
	Message   Op        `json:"message"`
	RID       string    `json:"__id"`
	Operation Op        `json:"operation"`
	Data      any       `json:"data,omitempty"`
	ChunkID   string    `json:"chunkId"`
	Index     int       `json:"index"`
	Total     int       `json:"total"`
	Encrypted bool      `json:"encrypted"`
	Path      Path      `json:"path,omitempty"`
	Shape     Shape     `json:"shape,omitempty"`
	Start     int       `json:"start,omitempty"`
	Seq       uint64    `json:"seq"`
}

// Emitter serializes a record write into one or more tagged log lines on an
// io.Writer (spec §4.5). The sink is the only mutable shared resource the
// core touches (spec §5): writes are serialized with a mutex so that, within
// one write group, fragments reach the sink in strictly increasing Idx
// order, matching the ordering guarantee in §5.
type Emitter struct {
	mu   sync.Mutex
	w    io.Writer
	seq  atomic.Uint64
	sinks []FragmentSink

	// OnSinkError is called (never on the writer goroutine's critical path)
	// when a FragmentSink.Publish call fails. Optional.
	OnSinkError func(err error)
}

// NewEmitter creates an Emitter writing to w, fanning out a best-effort copy
// of each fragment to the given additional sinks.
func NewEmitter(w io.Writer, sinks ...FragmentSink) *Emitter {
	return &Emitter{w: w, sinks: sinks}
}

// Emit writes one write group's fragments to the sink in Idx order and
// returns once the primary sink has accepted all of them. Fan-out to
// FragmentSink implementations happens concurrently and does not affect the
// error returned here.
func (e *Emitter) Emit(ctx context.Context, rid string, op Op, frags []Fragment) error {
	now := time.Now().UTC()
	level := "info"
	if op == OpDelete {
		level = "info"
	}

	e.mu.Lock()
	for i := range frags {
		f := &frags[i]
		f.RID = rid
		f.Op = op
		f.Timestamp = now
		f.Seq = e.seq.Add(1)

		line := logLine{
			Timestamp: now,
			Level:     level,
			Origin:    "LogCar",
			Message:   op,
			RID:       rid,
			Operation: op,
			Data:      f.Data,
			ChunkID:   f.CID,
			Index:     f.Idx,
			Total:     f.Total,
			Encrypted: f.Encrypted,
			Path:      f.Path,
			Shape:     f.Shape,
			Start:     f.Start,
			Seq:       f.Seq,
		}
		encoded, err := json.Marshal(line)
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("store: encode log line: %w", err)
		}
		encoded = append(encoded, '\n')
		if _, err := e.w.Write(encoded); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("store: write log line: %w", err)
		}
	}
	e.mu.Unlock()

	e.fanOut(ctx, frags)
	return nil
}

func (e *Emitter) fanOut(ctx context.Context, frags []Fragment) {
	if len(e.sinks) == 0 {
		return
	}
	for _, sink := range e.sinks {
		sink := sink
		for _, f := range frags {
			f := f
			go func() {
				if err := sink.Publish(ctx, f); err != nil && e.OnSinkError != nil {
					e.OnSinkError(err)
				}
			}()
		}
	}
}
