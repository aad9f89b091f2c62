package store

import (
	"errors"
	"testing"
)

func TestReassembleEmptySet(t *testing.T) {
	_, _, err := Reassemble(nil)
	if !errors.Is(err, ErrEmptyFragmentSet) {
		t.Fatalf("expected ErrEmptyFragmentSet, got %v", err)
	}
}

func TestReassembleSingleFragmentShortCircuit(t *testing.T) {
	frags := []Fragment{{Total: 1, Data: "hello"}}
	v, warnings, err := Reassemble(frags)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if v != "hello" {
		t.Errorf("got %v want %q", v, "hello")
	}
}

func TestReassembleDuplicateIndexIsSequenceError(t *testing.T) {
	frags := []Fragment{
		{Idx: 0, Total: 2, Data: "a"},
		{Idx: 0, Total: 2, Data: "b"},
	}
	_, _, err := Reassemble(frags)
	if !errors.Is(err, ErrFragmentSequence) {
		t.Fatalf("expected ErrFragmentSequence, got %v", err)
	}
}

func TestReassembleOutOfRangeIndexIsSequenceError(t *testing.T) {
	frags := []Fragment{
		{Idx: 0, Total: 2, Data: "a"},
		{Idx: 5, Total: 2, Data: "b"},
	}
	_, _, err := Reassemble(frags)
	if !errors.Is(err, ErrFragmentSequence) {
		t.Fatalf("expected ErrFragmentSequence, got %v", err)
	}
}

func TestReassembleAmbiguousShapeWarnsAndDrops(t *testing.T) {
	frags := []Fragment{
		{Idx: 0, Total: 2, Path: Path{}, Shape: ShapeArray, Data: []any{"x"}},
		{Idx: 1, Total: 2, Path: Path{}, Shape: ShapeMap, Data: map[string]any{"y": "z"}},
	}
	v, warnings, err := Reassemble(frags)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) == 0 {
		t.Error("expected a warning for mismatched shapes at the same path")
	}
	if _, ok := v.([]any); !ok {
		t.Errorf("expected the first fragment's shape (array) to win, got %T", v)
	}
}

func TestReassembleScalarConcatenationOrder(t *testing.T) {
	frags := []Fragment{
		{Idx: 1, Total: 2, Shape: ShapeScalar, Data: "world"},
		{Idx: 0, Total: 2, Shape: ShapeScalar, Data: "hello "},
	}
	v, _, err := Reassemble(frags)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "hello world" {
		t.Errorf("got %q want %q", v, "hello world")
	}
}
