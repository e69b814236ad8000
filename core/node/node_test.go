package node_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	coreerr "swapmesh/core/errors"
	"swapmesh/core/node"
	"swapmesh/core/types"
	"swapmesh/crypto"
	"swapmesh/native/intent"
	"swapmesh/storage"
)

var alice = types.ActorRef{Type: types.ActorUser, ID: "alice"}

func newNode(t *testing.T) *node.Node {
	t.Helper()
	keys := crypto.NewKeySet()
	if err := keys.Generate("policy-test"); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	backend := storage.NewJSONBackend(filepath.Join(t.TempDir(), "state.json"))
	n, err := node.New(backend, keys, node.Config{})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	n.SetNowFunc(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })
	return n
}

func createParams() intent.CreateParams {
	return intent.CreateParams{
		Offer: []intent.AssetRef{{
			Platform:  "steam",
			AppID:     "app-1",
			ContextID: "ctx-1",
			AssetID:   "card:alpha-001",
			Metadata:  intent.AssetMetadata{ValueUSD: 100},
		}},
		WantSpec:         []intent.WantPredicate{{Kind: intent.WantSpecific, AssetID: "card:beta-002"}},
		ValueBand:        intent.ValueBand{MinUSD: 50, MaxUSD: 150},
		TrustConstraints: intent.TrustConstraints{MaxCycleLength: 3},
	}
}

func createOp(clientKey string) node.Operation {
	return node.Operation{
		OperationID: "intents.create",
		Actor:       alice,
		ClientKey:   clientKey,
		Payload:     map[string]interface{}{"asset_id": "card:alpha-001"},
	}
}

func TestExecuteReplaysStoredResult(t *testing.T) {
	n := newNode(t)
	ctx := context.Background()

	calls := 0
	fn := func() (interface{}, error) {
		calls++
		return n.Intents.Create(alice, createParams())
	}

	first, err := n.Execute(ctx, createOp("key-1"), fn)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if !first.OK || first.Replayed {
		t.Fatalf("unexpected first result: %+v", first)
	}

	second, err := n.Execute(ctx, createOp("key-1"), fn)
	if err != nil {
		t.Fatalf("replayed execute: %v", err)
	}
	if !second.Replayed {
		t.Fatal("expected replay of stored result")
	}
	if calls != 1 {
		t.Fatalf("fn must run once, ran %d times", calls)
	}
	if string(first.Body) != string(second.Body) {
		t.Fatal("replayed body must match the original")
	}

	var created intent.Intent
	if err := json.Unmarshal(second.Body, &created); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	var total int
	_ = n.Read(func() error {
		total = len(n.Intents.List(intent.ListFilter{}))
		return nil
	})
	if total != 1 {
		t.Fatalf("expected a single intent, got %d", total)
	}
	if created.ID == "" {
		t.Fatal("expected intent id in stored body")
	}
}

func TestExecuteRejectsPayloadMismatch(t *testing.T) {
	n := newNode(t)
	ctx := context.Background()

	if _, err := n.Execute(ctx, createOp("key-1"), func() (interface{}, error) {
		return n.Intents.Create(alice, createParams())
	}); err != nil {
		t.Fatalf("first execute: %v", err)
	}

	op := createOp("key-1")
	op.Payload = map[string]interface{}{"asset_id": "card:other-999"}
	_, err := n.Execute(ctx, op, func() (interface{}, error) { return nil, nil })
	if coreerr.CodeOf(err) != coreerr.CodeIdempotencyConflict {
		t.Fatalf("expected idempotency conflict, got %v", err)
	}
}

func TestExecuteFailureLeavesKeyForRetry(t *testing.T) {
	n := newNode(t)
	ctx := context.Background()

	calls := 0
	fail := true
	fn := func() (interface{}, error) {
		calls++
		params := createParams()
		if fail {
			params.Offer = nil
		}
		return n.Intents.Create(alice, params)
	}

	first, err := n.Execute(ctx, createOp("key-retry"), fn)
	if coreerr.CodeOf(err) != coreerr.CodeValidation {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if first == nil || first.OK || first.Replayed {
		t.Fatalf("expected fresh failed result, got %+v", first)
	}

	// The failure must not consume the key: a corrected retry with the
	// same key re-runs the operation and succeeds.
	fail = false
	second, err := n.Execute(ctx, createOp("key-retry"), fn)
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if !second.OK || second.Replayed {
		t.Fatalf("expected fresh success on retry, got %+v", second)
	}
	if calls != 2 {
		t.Fatalf("fn must run on both attempts, ran %d times", calls)
	}

	third, err := n.Execute(ctx, createOp("key-retry"), fn)
	if err != nil {
		t.Fatalf("replay of success: %v", err)
	}
	if !third.OK || !third.Replayed {
		t.Fatalf("expected replayed success, got %+v", third)
	}
	if calls != 2 {
		t.Fatalf("replay must not re-run fn, ran %d times", calls)
	}
}

func TestExecuteRollsBackFailedWrites(t *testing.T) {
	n := newNode(t)
	ctx := context.Background()

	_, err := n.Execute(ctx, createOp("key-rb"), func() (interface{}, error) {
		if _, err := n.Intents.Create(alice, createParams()); err != nil {
			return nil, err
		}
		return nil, errors.New("downstream exploded")
	})
	if err == nil {
		t.Fatal("expected failure")
	}

	var total int
	_ = n.Read(func() error {
		total = len(n.Intents.List(intent.ListFilter{}))
		return nil
	})
	if total != 0 {
		t.Fatalf("expected rollback to discard the intent, got %d", total)
	}
}

func TestWriteCommitsEventsToOutbox(t *testing.T) {
	n := newNode(t)
	ctx := context.Background()

	if err := n.Write(ctx, func() error {
		_, err := n.Intents.Create(alice, createParams())
		return err
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	entries := n.Outbox(0)
	if len(entries) != 1 {
		t.Fatalf("expected one outbox entry, got %d", len(entries))
	}
	if entries[0].Sequence != 1 || entries[0].Envelope.EventID == "" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}

func TestWriteRollbackDropsBufferedEvents(t *testing.T) {
	n := newNode(t)
	ctx := context.Background()

	_ = n.Write(ctx, func() error {
		if _, err := n.Intents.Create(alice, createParams()); err != nil {
			return err
		}
		return errors.New("abort")
	})

	if got := n.Outbox(0); len(got) != 0 {
		t.Fatalf("expected empty outbox after rollback, got %d entries", len(got))
	}
}

func TestConsumeAdvancesCheckpoint(t *testing.T) {
	n := newNode(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		params := createParams()
		params.Offer[0].AssetID = params.Offer[0].AssetID + string(rune('a'+i))
		if err := n.Write(ctx, func() error {
			_, err := n.Intents.Create(alice, params)
			return err
		}); err != nil {
			t.Fatalf("seed write %d: %v", i, err)
		}
	}

	var seen []uint64
	delivered, err := n.Consume(ctx, "webhook", 2, func(entry storage.OutboxEntry) error {
		seen = append(seen, entry.Sequence)
		return nil
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if delivered != 2 || len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("expected sequences 1,2; got %v", seen)
	}

	delivered, err = n.Consume(ctx, "webhook", 10, func(entry storage.OutboxEntry) error {
		seen = append(seen, entry.Sequence)
		return nil
	})
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if delivered != 1 || seen[len(seen)-1] != 3 {
		t.Fatalf("expected remaining sequence 3, got delivered=%d seen=%v", delivered, seen)
	}
}

func TestConsumeHandlerFailureKeepsCheckpoint(t *testing.T) {
	n := newNode(t)
	ctx := context.Background()

	if err := n.Write(ctx, func() error {
		_, err := n.Intents.Create(alice, createParams())
		return err
	}); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	if _, err := n.Consume(ctx, "webhook", 10, func(storage.OutboxEntry) error {
		return errors.New("delivery failed")
	}); err == nil {
		t.Fatal("expected consume failure")
	}

	delivered, err := n.Consume(ctx, "webhook", 10, func(storage.OutboxEntry) error { return nil })
	if err != nil {
		t.Fatalf("retry consume: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("expected redelivery after failure, got %d", delivered)
	}
}

func TestHealthzReportsState(t *testing.T) {
	n := newNode(t)
	ctx := context.Background()

	if err := n.Write(ctx, func() error {
		_, err := n.Intents.Create(alice, createParams())
		return err
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	h := n.Healthz()
	if !h.OK || h.StateVersion == 0 || h.OutboxDepth != 1 {
		t.Fatalf("unexpected health payload: %+v", h)
	}
	if h.StoreBackend != "json" || h.PersistenceMode != "json_file" {
		t.Fatalf("unexpected backend identity: %+v", h)
	}
	if h.State["intents"] != 1 {
		t.Fatalf("expected one intent in state counts, got %+v", h.State)
	}
	if h.ActiveKeyID != "policy-test" {
		t.Fatalf("expected active key id, got %q", h.ActiveKeyID)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	keys := crypto.NewKeySet()
	if err := keys.Generate("policy-test"); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	first, err := node.New(storage.NewJSONBackend(path), keys, node.Config{})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := first.Write(ctx, func() error {
		_, err := first.Intents.Create(alice, createParams())
		return err
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	second, err := node.New(storage.NewJSONBackend(path), keys, node.Config{})
	if err != nil {
		t.Fatalf("reopen node: %v", err)
	}
	var total int
	_ = second.Read(func() error {
		total = len(second.Intents.List(intent.ListFilter{}))
		return nil
	})
	if total != 1 {
		t.Fatalf("expected persisted intent after restart, got %d", total)
	}
}
