package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestEmitWritesFragmentsInIdxOrder(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)
	frags := []Fragment{
		{Idx: 0, Total: 3, Data: "a"},
		{Idx: 1, Total: 3, Data: "b"},
		{Idx: 2, Total: 3, Data: "c"},
	}
	if err := e.Emit(context.Background(), "rid-1", OpCreate, frags); err != nil {
		t.Fatalf("emit: %v", err)
	}

	scanner := bufio.NewScanner(&buf)
	var lines []logLine
	for scanner.Scan() {
		var l logLine
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		lines = append(lines, l)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	for i, l := range lines {
		if l.Index != i {
			t.Errorf("line %d: index=%d", i, l.Index)
		}
		if l.RID != "rid-1" || l.Operation != OpCreate {
			t.Errorf("line %d: rid=%s op=%s", i, l.RID, l.Operation)
		}
	}
}

func TestEmitAssignsMonotonicSeq(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)
	first := []Fragment{{Idx: 0, Total: 1, Data: "x"}}
	second := []Fragment{{Idx: 0, Total: 1, Data: "y"}}
	if err := e.Emit(context.Background(), "rid-1", OpCreate, first); err != nil {
		t.Fatalf("emit 1: %v", err)
	}
	if err := e.Emit(context.Background(), "rid-2", OpCreate, second); err != nil {
		t.Fatalf("emit 2: %v", err)
	}
	if first[0].Seq == 0 || second[0].Seq <= first[0].Seq {
		t.Errorf("expected strictly increasing seq, got %d then %d", first[0].Seq, second[0].Seq)
	}
}

func TestEmitSerializesConcurrentWriteGroups(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)
	const groups = 20
	var wg sync.WaitGroup
	for g := 0; g < groups; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			frags := []Fragment{
				{Idx: 0, Total: 2, Data: fmt.Sprintf("g%d-0", g)},
				{Idx: 1, Total: 2, Data: fmt.Sprintf("g%d-1", g)},
			}
			if err := e.Emit(context.Background(), fmt.Sprintf("rid-%d", g), OpCreate, frags); err != nil {
				t.Errorf("emit: %v", err)
			}
		}(g)
	}
	wg.Wait()

	scanner := bufio.NewScanner(&buf)
	byRID := map[string][]int{}
	for scanner.Scan() {
		var l logLine
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		byRID[l.RID] = append(byRID[l.RID], l.Index)
	}
	if len(byRID) != groups {
		t.Fatalf("expected %d distinct rids, got %d", groups, len(byRID))
	}
	for rid, idxs := range byRID {
		if len(idxs) != 2 || idxs[0] != 0 || idxs[1] != 1 {
			t.Errorf("rid %s: fragments interleaved or out of order: %v", rid, idxs)
		}
	}
}

type fakeSink struct {
	mu   sync.Mutex
	got  []Fragment
	fail bool
}

func (f *fakeSink) Publish(_ context.Context, frag Fragment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("publish failed")
	}
	f.got = append(f.got, frag)
	return nil
}

func TestEmitFansOutToSinks(t *testing.T) {
	var buf bytes.Buffer
	sink := &fakeSink{}
	e := NewEmitter(&buf, sink)
	frags := []Fragment{{Idx: 0, Total: 1, Data: "x"}}
	if err := e.Emit(context.Background(), "rid-1", OpCreate, frags); err != nil {
		t.Fatalf("emit: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sink.mu.Lock()
		n := len(sink.got)
		sink.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("sink never received the fragment")
}

func TestEmitCallsOnSinkErrorForFailingSink(t *testing.T) {
	var buf bytes.Buffer
	sink := &fakeSink{fail: true}
	e := NewEmitter(&buf, sink)
	errCh := make(chan error, 1)
	e.OnSinkError = func(err error) { errCh <- err }
	frags := []Fragment{{Idx: 0, Total: 1, Data: "x"}}
	if err := e.Emit(context.Background(), "rid-1", OpCreate, frags); err != nil {
		t.Fatalf("emit: %v", err)
	}
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected non-nil sink error")
		}
	case <-time.After(time.Second):
		t.Fatal("OnSinkError was never called")
	}
}
