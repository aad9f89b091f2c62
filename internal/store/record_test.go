package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// logBufferClient replays an Emitter's own output back as search results,
// so Create/Read/Update/Delete can be exercised end to end without a real
// log-search backend.
type logBufferClient struct {
	buf *bytes.Buffer
}

func (c *logBufferClient) Query(_ context.Context, filter string, _ int) ([]LogEntry, error) {
	var entries []LogEntry
	lines := strings.Split(c.buf.String(), "\n")
	for _, raw := range lines {
		if raw == "" {
			continue
		}
		var l logLine
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			continue
		}
		if !strings.Contains(filter, fmt.Sprintf(`@__id:%q`, l.RID)) {
			continue
		}
		if strings.Contains(filter, `-@operation:"read"`) && l.Operation == OpRead {
			continue
		}
		entries = append(entries, logLineToEntry(l))
	}
	return entries, nil
}

func logLineToEntry(l logLine) LogEntry {
	attr := func(k string, v any) Attribute {
		b, _ := json.Marshal(v)
		return Attribute{Key: k, Value: string(b)}
	}
	return LogEntry{
		Timestamp: l.Timestamp,
		Attributes: []Attribute{
			attr("__id", l.RID),
			attr("operation", string(l.Operation)),
			attr("chunkId", l.ChunkID),
			attr("index", l.Index),
			attr("total", l.Total),
			attr("encrypted", l.Encrypted),
			attr("data", l.Data),
			attr("shape", string(l.Shape)),
			attr("start", l.Start),
			attr("seq", l.Seq),
			attr("path", l.Path),
		},
	}
}

type fakeCache struct {
	m map[string]Record
}

func newFakeCache() *fakeCache { return &fakeCache{m: map[string]Record{}} }

func (c *fakeCache) Get(rid string) (Record, bool) { r, ok := c.m[rid]; return r, ok }
func (c *fakeCache) Set(rid string, rec Record)    { c.m[rid] = rec }
func (c *fakeCache) Invalidate(rid string)         { delete(c.m, rid) }

func newTestFacade() (*Facade, *bytes.Buffer) {
	var buf bytes.Buffer
	emitter := NewEmitter(&buf)
	client := &logBufferClient{buf: &buf}
	facade := NewFacade(Config{
		DeploymentID:      "dep-1",
		MaxChunkLength:    60000,
		MaxFragmentCount:  20000,
		MaxLogRequestSize: 5000,
	}, emitter, client, newFakeCache(), nil)
	return facade, &buf
}

func TestFacadeCreateReadRoundTrip(t *testing.T) {
	facade, _ := newTestFacade()
	ctx := context.Background()

	created, err := facade.Create(ctx, map[string]any{"name": "alice"}, WriteOpts{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	read, err := facade.Read(ctx, created.RID, WriteOpts{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	m, ok := read.Value.(map[string]any)
	if !ok || m["name"] != "alice" {
		t.Errorf("got %#v", read.Value)
	}
}

func TestFacadeUpdateOverridesCreate(t *testing.T) {
	facade, _ := newTestFacade()
	ctx := context.Background()

	created, err := facade.Create(ctx, "v1", WriteOpts{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := facade.Update(ctx, created.RID, "v2", WriteOpts{}); err != nil {
		t.Fatalf("update: %v", err)
	}
	read, err := facade.Read(ctx, created.RID, WriteOpts{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if read.Value != "v2" {
		t.Errorf("got %v want v2", read.Value)
	}
}

func TestFacadeDeleteHidesState(t *testing.T) {
	facade, _ := newTestFacade()
	ctx := context.Background()

	created, err := facade.Create(ctx, "to be deleted", WriteOpts{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := facade.Delete(ctx, created.RID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := facade.Read(ctx, created.RID, WriteOpts{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFacadeReadAuditDoesNotMaskState(t *testing.T) {
	facade, _ := newTestFacade()
	ctx := context.Background()

	created, err := facade.Create(ctx, "value", WriteOpts{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Reading twice must not shadow the underlying create: a read-audit
	// write group should never win the "latest write group" comparison.
	if _, err := facade.Read(ctx, created.RID, WriteOpts{}); err != nil {
		t.Fatalf("read 1: %v", err)
	}
	facade.Cache.Invalidate(created.RID)
	read2, err := facade.Read(ctx, created.RID, WriteOpts{})
	if err != nil {
		t.Fatalf("read 2: %v", err)
	}
	if read2.Value != "value" {
		t.Errorf("got %v want %q", read2.Value, "value")
	}
}

func TestFacadeReadRequiresDeploymentID(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewEmitter(&buf)
	client := &logBufferClient{buf: &buf}
	facade := NewFacade(Config{}, emitter, client, nil, nil)
	if _, err := facade.Read(context.Background(), "rid-1", WriteOpts{}); !errors.Is(err, ErrMissingDeploymentID) {
		t.Fatalf("expected ErrMissingDeploymentID, got %v", err)
	}
}

func TestFacadeEncryptedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewEmitter(&buf)
	client := &logBufferClient{buf: &buf}
	facade := NewFacade(Config{
		DeploymentID:      "dep-1",
		EncryptionEnabled: true,
		EncryptionKey:     "passphrase",
		MaxLogRequestSize: 5000,
	}, emitter, client, newFakeCache(), nil)

	ctx := context.Background()
	created, err := facade.Create(ctx, "top secret", WriteOpts{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	read, err := facade.Read(ctx, created.RID, WriteOpts{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if read.Value != "top secret" {
		t.Errorf("got %v", read.Value)
	}
}

// fakeOffloader is an in-memory store.BlobOffloader stand-in, keyed by a
// counter so Put/Get round-trip without touching real object storage.
type fakeOffloader struct {
	threshold int
	blobs     map[string]any
	next      int
}

func newFakeOffloader(threshold int) *fakeOffloader {
	return &fakeOffloader{threshold: threshold, blobs: map[string]any{}}
}

func (o *fakeOffloader) ShouldOffload(virtualLen int) bool { return virtualLen > o.threshold }

func (o *fakeOffloader) Put(_ context.Context, rid string, value any) (map[string]any, error) {
	o.next++
	key := fmt.Sprintf("%s-%d", rid, o.next)
	o.blobs[key] = value
	return map[string]any{"offload": "fake", "key": key}, nil
}

func (o *fakeOffloader) Get(_ context.Context, pointer map[string]any) (any, error) {
	key, _ := pointer["key"].(string)
	v, ok := o.blobs[key]
	if !ok {
		return nil, fmt.Errorf("fakeOffloader: no blob for key %q", key)
	}
	return v, nil
}

// TestFacadeEncryptedAndOffloadedRoundTrip exercises the write path's
// encrypt-then-offload ordering (write() in record.go) against Read's
// offload-then-decrypt ordering: an encrypted value large enough to be
// offloaded must still come back out intact.
func TestFacadeEncryptedAndOffloadedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewEmitter(&buf)
	client := &logBufferClient{buf: &buf}
	offloader := newFakeOffloader(10) // tiny threshold forces offload
	facade := NewFacade(Config{
		DeploymentID:      "dep-1",
		EncryptionEnabled: true,
		EncryptionKey:     "passphrase",
		MaxLogRequestSize: 5000,
	}, emitter, client, newFakeCache(), offloader)

	ctx := context.Background()
	value := "a value long enough to exceed the tiny offload threshold"
	created, err := facade.Create(ctx, value, WriteOpts{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	read, err := facade.Read(ctx, created.RID, WriteOpts{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if read.Value != value {
		t.Errorf("got %v want %q", read.Value, value)
	}
}
