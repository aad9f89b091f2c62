package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReadCache fronts the search protocol's dataFromId lookup (A5 in
// SPEC_FULL.md), exploiting the spec's own bounded-staleness non-goal. A nil
// ReadCache disables caching entirely.
type ReadCache interface {
	Get(rid string) (Record, bool)
	Set(rid string, rec Record)
	Invalidate(rid string)
}

// BlobOffloader routes oversized values around the chunker entirely (A6),
// resolving the "unbounded fan-out" open question. A nil BlobOffloader
// disables offload; every value is then chunked per §4.2 regardless of size.
type BlobOffloader interface {
	// ShouldOffload reports whether a value of the given virtual length
	// should bypass C2 chunking in favor of object storage.
	ShouldOffload(virtualLen int) bool
	// Put uploads value and returns the pointer object to store in its
	// place (shape=offload, SPEC_FULL.md §3).
	Put(ctx context.Context, rid string, value any) (map[string]any, error)
	// Get resolves an offload pointer back to the original value.
	Get(ctx context.Context, pointer map[string]any) (any, error)
}

// Config carries the subset of the external configuration surface (spec §6,
// SPEC_FULL.md §6) that the record façade itself consults.
type Config struct {
	DeploymentID      string
	EncryptionEnabled bool
	EncryptionKey     string
	MaxChunkLength    int
	MaxFragmentCount  int
	MaxLogRequestSize int
}

// WriteOpts overrides per-call behavior of Create/Update/Read.
type WriteOpts struct {
	// EncryptionKey, when non-empty, overrides the process-wide key for
	// this single call (spec §4.4: "a per-call key overrides it").
	EncryptionKey string
	// Encrypt forces or suppresses encryption for this call, overriding
	// Config.EncryptionEnabled when explicitly set.
	Encrypt *bool
}

// Facade is the record façade (C7): the public Create/Read/Update/Delete
// surface tying C2-C6 together. It is the only exported type in this
// package most callers need.
type Facade struct {
	Config Config

	Emitter *Emitter
	Search  GraphQLClient
	Cache   ReadCache
	Offload BlobOffloader
}

// NewFacade wires the core components into a Facade. Cache and Offload may
// be nil. Emitter is required for writes and for reads (Read emits an audit
// fragment); Search is required for reads.
func NewFacade(cfg Config, emitter *Emitter, search GraphQLClient, cache ReadCache, offload BlobOffloader) *Facade {
	return &Facade{Config: cfg, Emitter: emitter, Search: search, Cache: cache, Offload: offload}
}

func (f *Facade) encryptionKey(opts WriteOpts) (string, bool) {
	if opts.Encrypt != nil {
		if !*opts.Encrypt {
			return "", false
		}
		if opts.EncryptionKey != "" {
			return opts.EncryptionKey, true
		}
		return f.Config.EncryptionKey, true
	}
	if opts.EncryptionKey != "" {
		return opts.EncryptionKey, true
	}
	if f.Config.EncryptionEnabled {
		return f.Config.EncryptionKey, true
	}
	return "", false
}

// Create mints a fresh rid, encrypts (if enabled), chunks, and emits value
// as an op=create write group (spec §4.7).
func (f *Facade) Create(ctx context.Context, value any, opts WriteOpts) (Record, error) {
	rid := uuid.New().String()
	rec, err := f.write(ctx, rid, OpCreate, value, opts)
	if err != nil {
		return Record{}, err
	}
	if f.Cache != nil {
		f.Cache.Invalidate(rid)
	}
	return rec, nil
}

// Update appends a new op=update write group for an existing rid (spec
// §4.7). The Open Question on update's signature is resolved as this
// explicit two-argument form — never a single rid-embedded object.
func (f *Facade) Update(ctx context.Context, rid string, value any, opts WriteOpts) (Record, error) {
	rec, err := f.write(ctx, rid, OpUpdate, value, opts)
	if err != nil {
		return Record{}, err
	}
	if f.Cache != nil {
		f.Cache.Invalidate(rid)
	}
	return rec, nil
}

func (f *Facade) write(ctx context.Context, rid string, op Op, value any, opts WriteOpts) (Record, error) {
	payload := value
	encrypted := false

	if key, enabled := f.encryptionKey(opts); enabled {
		blob, err := Encrypt(value, key)
		if err != nil {
			return Record{}, err
		}
		payload = blob
		encrypted = true
	}

	if f.Offload != nil && f.Offload.ShouldOffload(VirtualLength(payload)) {
		pointer, err := f.Offload.Put(ctx, rid, payload)
		if err != nil {
			return Record{}, fmt.Errorf("store: offload put: %w", err)
		}
		frag := Fragment{Shape: ShapeOffload, Data: pointer, Encrypted: encrypted}
		frag.Idx, frag.Total = 0, 1
		frag.CID = frag.Path.String()
		if err := f.Emitter.Emit(ctx, rid, op, []Fragment{frag}); err != nil {
			return Record{}, err
		}
		return Record{RID: rid, Value: value, Encrypted: encrypted, Timestamp: time.Now().UTC()}, nil
	}

	frags, err := Chunk(payload, f.Config.MaxChunkLength, f.Config.MaxFragmentCount)
	if err != nil {
		return Record{}, err
	}
	for i := range frags {
		frags[i].Encrypted = encrypted
	}
	if err := f.Emitter.Emit(ctx, rid, op, frags); err != nil {
		return Record{}, err
	}
	return Record{RID: rid, Value: value, Encrypted: encrypted, Timestamp: time.Now().UTC()}, nil
}

// Delete emits a single tombstone fragment (spec §4.7); no payload, no
// encryption, no chunking.
func (f *Facade) Delete(ctx context.Context, rid string) error {
	tombstone := Fragment{Total: 1}
	tombstone.CID = tombstone.Path.String()
	if err := f.Emitter.Emit(ctx, rid, OpDelete, []Fragment{tombstone}); err != nil {
		return err
	}
	if f.Cache != nil {
		f.Cache.Invalidate(rid)
	}
	return nil
}

// Read requires a configured deployment/environment scope, resolves the
// latest non-deleted, non-audit write group via the search protocol (C6,
// consulting the read cache first), decrypts if necessary, resolves any
// offload pointer, and emits an op=read audit fragment (spec §4.7).
func (f *Facade) Read(ctx context.Context, rid string, opts WriteOpts) (Record, error) {
	if f.Config.DeploymentID == "" {
		return Record{}, ErrMissingDeploymentID
	}

	rec, err := f.resolve(ctx, rid)
	if err != nil {
		return Record{}, err
	}
	if rec.Op == OpDelete {
		return Record{}, ErrNotFound
	}

	// Offload resolution must happen before decryption: a write that was
	// both encrypted and offloaded stores the encrypted blob *as* the
	// offloaded payload (write() encrypts, then offloads the result), so
	// the pointer has to be resolved back to that blob string first.
	if pointer, ok := rec.Value.(map[string]any); ok && pointer["offload"] != nil && f.Offload != nil {
		value, oerr := f.Offload.Get(ctx, pointer)
		if oerr != nil {
			return Record{}, fmt.Errorf("store: offload get: %w", oerr)
		}
		rec.Value = value
	}

	if rec.Encrypted {
		key, _ := f.encryptionKey(opts)
		if key == "" {
			key = f.Config.EncryptionKey
		}
		blob, ok := rec.Value.(string)
		if !ok {
			return Record{}, fmt.Errorf("%w: encrypted payload is not a string", ErrDecryption)
		}
		value, derr := Decrypt(blob, key)
		if derr != nil {
			return Record{}, derr
		}
		rec.Value = value
	}

	auditFrag := Fragment{Total: 1}
	auditFrag.CID = auditFrag.Path.String()
	_ = f.Emitter.Emit(ctx, rid, OpRead, []Fragment{auditFrag})

	return rec, nil
}

// resolve is dataFromId(rid) (spec §4.6), cache-assisted (A5). Cache entries
// are invalidated on every Create/Update/Delete, so a hit never shadows a
// more recent write (SPEC_FULL.md S8).
func (f *Facade) resolve(ctx context.Context, rid string) (Record, error) {
	if f.Cache != nil {
		if rec, ok := f.Cache.Get(rid); ok {
			return rec, nil
		}
	}

	rec, err := DataFromID(ctx, f.Search, rid, f.Config.MaxLogRequestSize)
	if err != nil {
		return Record{}, err
	}
	if f.Cache != nil {
		f.Cache.Set(rid, rec)
	}
	return rec, nil
}
