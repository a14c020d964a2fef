// Package host reproduces the deterministic contract-runtime semantics
// the escrow core relies on: each invocation executes against a staging
// buffer over the instance's persistent storage and commits only when
// the contract function returns nil. Any error discards the buffer, so
// an invocation either fully succeeds or changes nothing.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"escrowcore/internal/metrics"
	"escrowcore/internal/models"

	"github.com/stellar/go/strkey"
)

// Call carries the invocation inputs a contract cannot derive itself:
// the set of principals whose wallet signatures the transport already
// verified, and the ledger position the invocation executes at.
type Call struct {
	// Auth lists strkey G... accounts authorized for this invocation.
	Auth []string

	// Timestamp is the ledger close time, fixed for the whole invocation.
	Timestamp time.Time

	// Sequence is the ledger sequence the invocation commits at.
	Sequence uint32
}

// Env is what a contract function sees during a single invocation:
// staged storage access, the ledger clock, the authorization set, and an
// event buffer. Nothing written through an Env is visible outside the
// invocation until Instance.Run commits it.
type Env struct {
	ctx      context.Context
	instance string
	backend  Backend
	call     Call

	staged map[string][]byte
	order  []string
	events []models.Event
}

// Context returns the invocation context for calls to external
// collaborators (token transfers).
func (e *Env) Context() context.Context {
	return e.ctx
}

// Timestamp returns the ledger close time of the invocation.
func (e *Env) Timestamp() time.Time {
	return e.call.Timestamp
}

// Sequence returns the ledger sequence of the invocation.
func (e *Env) Sequence() uint32 {
	return e.call.Sequence
}

// RequireAuth fails with ErrUnauthorized unless principal is a valid
// strkey account address present in the invocation's authorized set.
func (e *Env) RequireAuth(principal string) error {
	if !strkey.IsValidEd25519PublicKey(principal) {
		return fmt.Errorf("principal %q is not a valid account address: %w", principal, ErrUnauthorized)
	}
	for _, addr := range e.call.Auth {
		if addr == principal {
			return nil
		}
	}
	return fmt.Errorf("missing authorization from %s: %w", principal, ErrUnauthorized)
}

// Has reports whether key exists, consulting staged writes first.
func (e *Env) Has(key string) (bool, error) {
	if _, ok := e.staged[key]; ok {
		return true, nil
	}
	_, found, err := e.backend.Get(e.ctx, e.instance, key)
	if err != nil {
		return false, fmt.Errorf("storage read %q: %w", key, err)
	}
	return found, nil
}

// Get unmarshals the value stored under key into out. It returns false
// when the key does not exist, which contracts map to their own NotFound
// or default-value semantics.
func (e *Env) Get(key string, out any) (bool, error) {
	raw, ok := e.staged[key]
	if !ok {
		var found bool
		var err error
		raw, found, err = e.backend.Get(e.ctx, e.instance, key)
		if err != nil {
			return false, fmt.Errorf("storage read %q: %w", key, err)
		}
		if !found {
			return false, nil
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("storage decode %q: %w", key, err)
	}
	return true, nil
}

// Put stages a value under key. The write reaches the backend only when
// the invocation commits.
func (e *Env) Put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage encode %q: %w", key, err)
	}
	if _, ok := e.staged[key]; !ok {
		e.order = append(e.order, key)
	}
	e.staged[key] = raw
	return nil
}

// Emit buffers a structured event. Events are committed atomically with
// the invocation's storage writes and dropped along with them on error.
func (e *Env) Emit(eventType string, data map[string]any) {
	e.events = append(e.events, models.Event{
		ContractID: e.instance,
		EventType:  eventType,
		Data:       data,
		Sequence:   e.call.Sequence,
		Timestamp:  e.call.Timestamp,
	})
}

func (e *Env) writes() []Write {
	writes := make([]Write, 0, len(e.order))
	for _, key := range e.order {
		writes = append(writes, Write{Key: key, Value: e.staged[key]})
	}
	return writes
}

// Instance is one deployed contract: a name identifying its keyspace and
// the backend that persists it.
type Instance struct {
	name    string
	backend Backend
}

// NewInstance binds a contract instance name to a storage backend.
func NewInstance(name string, backend Backend) *Instance {
	return &Instance{name: name, backend: backend}
}

// Name returns the instance name.
func (i *Instance) Name() string {
	return i.name
}

// Commit attempts and spacing for a transiently failing backend. The
// commit is retried here, inside the invocation, because re-executing
// the invocation body instead would repeat any collaborator side effects
// it already performed.
const (
	commitAttempts = 3
	commitDelay    = 50 * time.Millisecond
)

// Run executes fn as a single invocation named op. On a nil return the
// staged writes and events are committed atomically; on error everything
// is discarded and the error is returned unchanged. A commit that keeps
// failing after retries surfaces as ErrCommitFailed, which the retry
// layer treats as terminal.
func (i *Instance) Run(ctx context.Context, call Call, op string, fn func(*Env) error) error {
	start := time.Now()
	env := &Env{
		ctx:      ctx,
		instance: i.name,
		backend:  i.backend,
		call:     call,
		staged:   make(map[string][]byte),
	}

	err := fn(env)
	if err == nil && (len(env.order) > 0 || len(env.events) > 0) {
		if commitErr := i.commit(ctx, env); commitErr != nil {
			err = fmt.Errorf("commit %s.%s: %w: %v", i.name, op, ErrCommitFailed, commitErr)
		}
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		metrics.ErrorsTotal.WithLabelValues(i.name).Inc()
		slog.Debug("Invocation rejected",
			"contract", i.name,
			"operation", op,
			"error", err,
		)
	}
	metrics.InvocationsTotal.WithLabelValues(i.name, op, outcome).Inc()
	metrics.InvocationDuration.WithLabelValues(i.name, op).Observe(time.Since(start).Seconds())

	return err
}

// commit applies the staged writes and events, riding through a small
// number of transient backend failures. The same write set is handed to
// every attempt; a failed transaction left nothing behind, so repeating
// it cannot double-apply.
func (i *Instance) commit(ctx context.Context, env *Env) error {
	var err error
	for attempt := 0; attempt < commitAttempts; attempt++ {
		err = i.backend.Commit(ctx, i.name, env.writes(), env.events)
		if err == nil {
			return nil
		}
		if attempt == commitAttempts-1 {
			break
		}
		slog.Warn("Commit failed, retrying",
			"contract", i.name,
			"attempt", attempt+1,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (context cancelled during commit retry)", err)
		case <-time.After(commitDelay):
		}
	}
	return err
}

// Read fetches a single committed value outside of any invocation. Used
// by the pure read entry points, which never stage writes.
func (i *Instance) Read(ctx context.Context, key string, out any) (bool, error) {
	raw, found, err := i.backend.Get(ctx, i.name, key)
	if err != nil {
		return false, fmt.Errorf("storage read %q: %w", key, err)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("storage decode %q: %w", key, err)
	}
	return true, nil
}
