package store

import (
	"errors"
	"fmt"
)

// Sentinel error kinds raised at the core's boundary (spec §7).
var (
	ErrMissingDeploymentID   = errors.New("store: missing deployment/environment id")
	ErrEmptyFragmentSet      = errors.New("store: reassembly requested with zero fragments")
	ErrIncompleteFragmentSet = errors.New("store: fragment set incomplete after repair pass")
	ErrFragmentSequence      = errors.New("store: fragment indices are not a contiguous range")
	ErrDecryption            = errors.New("store: decryption failed")
	ErrSearchBackend         = errors.New("store: search backend returned no result or malformed payload")
	ErrTimeout               = errors.New("store: request deadline exceeded")
	ErrNotFound              = errors.New("store: record not found")

	// ErrFragmentCountExceeded is the unbounded-fan-out guard (SPEC_FULL.md
	// §9): it wraps ErrFragmentSequence since exceeding the configured
	// fragment cap is, from a caller's perspective, the same "this write
	// can't be sequenced" condition as a contiguity violation.
	ErrFragmentCountExceeded = fmt.Errorf("%w: value would exceed the configured fragment cap", ErrFragmentSequence)
)
