// Package node assembles the engines around one state aggregate and owns the
// single logical writer: every state-changing operation runs inside one
// critical section that also drains emitted events into the outbox and
// persists the result atomically.
package node

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"swapmesh/canonical"
	coreerr "swapmesh/core/errors"
	"swapmesh/core/events"
	"swapmesh/core/types"
	"swapmesh/crypto"
	"swapmesh/export"
	"swapmesh/native/commitment"
	"swapmesh/native/delegation"
	"swapmesh/native/intent"
	"swapmesh/native/matching"
	"swapmesh/native/settlement"
	"swapmesh/native/transparency"
	"swapmesh/native/vault"
	"swapmesh/storage"
)

// Config tunes node behavior.
type Config struct {
	Canary               matching.CanaryConfig
	MatchingV2           matching.EngineV2
	AllowUnsignedConsent bool
	// CheckpointTTLs overrides the export checkpoint lifetime per stream.
	CheckpointTTLs map[string]time.Duration
}

// Node is one marketplace runtime instance.
type Node struct {
	mu        sync.RWMutex
	state     *storage.State
	backend   storage.Backend
	keys      *crypto.KeySet
	collector *events.Collector
	nowFn     func() time.Time

	Intents      *intent.Engine
	Matching     *matching.Engine
	Commitments  *commitment.Engine
	Settlement   *settlement.Engine
	Vault        *vault.Engine
	Delegations  *delegation.Engine
	Transparency *transparency.Engine
	Exporter     *export.Exporter
}

// New loads state from the backend and wires every engine to it.
func New(backend storage.Backend, keys *crypto.KeySet, cfg Config) (*Node, error) {
	state, err := backend.Load()
	if err != nil {
		return nil, err
	}
	n := &Node{
		state:     state,
		backend:   backend,
		keys:      keys,
		collector: &events.Collector{},
		nowFn:     time.Now,

		Intents:      intent.NewEngine(),
		Matching:     matching.NewEngine(),
		Commitments:  commitment.NewEngine(),
		Settlement:   settlement.NewEngine(),
		Vault:        vault.NewEngine(),
		Delegations:  delegation.NewEngine(keys),
		Transparency: transparency.NewEngine(),
		Exporter:     export.NewExporter(keys),
	}
	n.Matching.SetCanary(cfg.Canary, cfg.MatchingV2)
	n.Settlement.SetSigner(keys)
	n.Settlement.SetVault(n.Vault)
	n.Delegations.SetConsentVerifier(delegation.ConsentVerifier{
		AllowUnsignedConsent: cfg.AllowUnsignedConsent,
	})
	for stream, ttl := range cfg.CheckpointTTLs {
		n.Exporter.SetCheckpointTTL(stream, ttl)
	}
	n.bind(state)
	return n, nil
}

func (n *Node) bind(state *storage.State) {
	n.state = state
	n.Intents.SetState(state)
	n.Intents.SetEmitter(n.collector)
	n.Matching.SetState(state)
	n.Matching.SetEmitter(n.collector)
	n.Commitments.SetState(state)
	n.Commitments.SetEmitter(n.collector)
	n.Settlement.SetState(state)
	n.Settlement.SetEmitter(n.collector)
	n.Vault.SetState(state)
	n.Vault.SetEmitter(n.collector)
	n.Delegations.SetState(state)
	n.Delegations.SetEmitter(n.collector)
	n.Transparency.SetState(state)
	n.Transparency.SetEmitter(n.collector)
	n.Exporter.SetState(state)
}

// SetNowFunc overrides the node clock and every engine clock, primarily used
// in tests.
func (n *Node) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	n.nowFn = now
	n.Intents.SetNowFunc(now)
	n.Matching.SetNowFunc(now)
	n.Commitments.SetNowFunc(now)
	n.Settlement.SetNowFunc(now)
	n.Vault.SetNowFunc(now)
	n.Delegations.SetNowFunc(now)
	n.Transparency.SetNowFunc(now)
	n.Exporter.SetNowFunc(now)
}

// Write runs fn inside the writer critical section, appends the events it
// emitted to the outbox and persists the state. A failed fn or save leaves
// the node on the last committed state.
func (n *Node) Write(ctx context.Context, fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return coreerr.Internal("write cancelled: %v", err)
	}
	if err := fn(); err != nil {
		n.rollback()
		return err
	}
	// The request may have been cancelled while fn ran; nothing is
	// persisted in that case.
	if err := ctx.Err(); err != nil {
		n.rollback()
		return coreerr.Internal("write cancelled before persistence: %v", err)
	}
	return n.commit()
}

// Read runs fn under the read lock.
func (n *Node) Read(fn func() error) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return fn()
}

func (n *Node) commit() error {
	now := n.nowFn().UTC()
	for _, env := range n.collector.Drain() {
		if env.OccurredAt.IsZero() {
			env.OccurredAt = now
		}
		n.state.OutboxAppend(env)
	}
	n.state.BumpVersion()
	if err := n.backend.Save(n.state); err != nil {
		n.rollback()
		return err
	}
	return nil
}

// rollback discards buffered events and restores the last committed state.
func (n *Node) rollback() {
	n.collector.Drain()
	if state, err := n.backend.Load(); err == nil {
		n.bind(state)
	}
}

// Operation identifies one idempotent API call.
type Operation struct {
	OperationID string
	Actor       types.ActorRef
	// ClientKey is the caller-supplied idempotency key; empty disables the
	// replay ledger for this call.
	ClientKey string
	// Payload is the request body the idempotency ledger hashes.
	Payload interface{}
}

// Result is the stored or fresh outcome of an operation.
type Result struct {
	Body     json.RawMessage
	OK       bool
	Replayed bool
}

type errorBody struct {
	Error struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

// Execute runs one operation through the idempotency ledger. A repeated
// (operation, actor, key) triple with the same payload replays the stored
// outcome without re-running fn; a different payload is rejected. Only
// successful outcomes consume the key: failures leave it free for a retry.
func (n *Node) Execute(ctx context.Context, op Operation, fn func() (interface{}, error)) (*Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, coreerr.Internal("operation cancelled: %v", err)
	}

	key := ""
	payloadHash := ""
	if op.ClientKey != "" {
		key = op.OperationID + "|" + op.Actor.Key() + "|" + op.ClientKey
		hash, err := canonical.HashHex(op.Payload)
		if err != nil {
			return nil, coreerr.Validation("request payload is not canonicalizable: %v", err)
		}
		payloadHash = hash
		if rec, ok := n.state.IdempotencyGet(key); ok {
			if rec.PayloadHash != payloadHash {
				return nil, coreerr.IdempotencyConflict(
					"idempotency key %s was already used with a different payload", op.ClientKey)
			}
			return &Result{Body: rec.ResultBody, OK: rec.ResultOK, Replayed: true}, nil
		}
	}

	out, opErr := fn()
	if err := ctx.Err(); err != nil {
		n.rollback()
		return nil, coreerr.Internal("operation cancelled before persistence: %v", err)
	}

	if opErr != nil {
		// Failed writes roll back to the committed state and leave the
		// idempotency key unconsumed, so a retry re-runs the operation.
		n.rollback()
		return &Result{OK: false, Body: encodeError(opErr)}, opErr
	}

	body, err := json.Marshal(out)
	if err != nil {
		n.rollback()
		return nil, coreerr.Internal("encode operation result: %v", err)
	}
	result := &Result{OK: true, Body: body}
	if key != "" {
		if err := n.state.IdempotencyPut(&storage.IdempotencyRecord{
			Key:         key,
			OperationID: op.OperationID,
			ActorKey:    op.Actor.Key(),
			PayloadHash: payloadHash,
			ResultBody:  result.Body,
			ResultOK:    true,
			CreatedAt:   n.nowFn().UTC(),
		}); err != nil {
			return nil, err
		}
	}
	if err := n.commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func encodeError(err error) json.RawMessage {
	var body errorBody
	if typed, ok := coreerr.As(err); ok {
		body.Error.Code = string(typed.Code)
		body.Error.Message = typed.Message
		body.Error.Details = typed.Details
	} else {
		body.Error.Code = string(coreerr.CodeInternal)
		body.Error.Message = err.Error()
	}
	data, _ := json.Marshal(body)
	return data
}

// Consume delivers outbox entries past the consumer's checkpoint, in order,
// and advances the checkpoint past every successfully handled entry.
func (n *Node) Consume(ctx context.Context, consumer string, limit int, handler func(storage.OutboxEntry) error) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	delivered := 0
	err := n.Write(ctx, func() error {
		after := n.state.ConsumerCheckpointGet(consumer)
		for _, entry := range n.state.OutboxSince(after) {
			if delivered >= limit {
				break
			}
			if err := handler(entry); err != nil {
				return err
			}
			after = entry.Sequence
			delivered++
		}
		return n.state.ConsumerCheckpointPut(consumer, after)
	})
	if err != nil {
		return 0, err
	}
	return delivered, nil
}

// Outbox returns entries after the given sequence.
func (n *Node) Outbox(after uint64) []storage.OutboxEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.OutboxSince(after)
}

// Health is the /healthz payload.
type Health struct {
	OK              bool           `json:"ok"`
	StoreBackend    string         `json:"store_backend"`
	PersistenceMode string         `json:"persistence_mode"`
	State           map[string]int `json:"state"`
	StateVersion    uint64         `json:"state_version"`
	OutboxDepth     int            `json:"outbox_depth"`
	ActiveKeyID     string         `json:"active_key_id"`
	Now             time.Time      `json:"now"`
}

// Healthz reports liveness data, including the persistence backend in use
// and per-collection state counts.
func (n *Node) Healthz() Health {
	n.mu.RLock()
	defer n.mu.RUnlock()
	kind := n.backend.Kind()
	mode := "json_file"
	if kind == "sqlite" {
		mode = "sqlite_wal"
	}
	return Health{
		OK:              true,
		StoreBackend:    kind,
		PersistenceMode: mode,
		State:           n.state.Counts(),
		StateVersion:    n.state.Version(),
		OutboxDepth:     n.state.OutboxLen(),
		ActiveKeyID:     n.keys.ActiveKeyID(),
		Now:             n.nowFn().UTC(),
	}
}

// Keys exposes the platform key set for verification endpoints.
func (n *Node) Keys() *crypto.KeySet { return n.keys }

// State exposes the aggregate for read-path helpers. Callers must hold the
// node's read lock via Read.
func (n *Node) State() *storage.State { return n.state }
