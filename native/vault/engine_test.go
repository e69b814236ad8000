package vault_test

import (
	"testing"
	"time"

	coreerr "swapmesh/core/errors"
	"swapmesh/core/types"
	"swapmesh/native/intent"
	"swapmesh/native/vault"
	"swapmesh/storage"
)

var (
	alice = types.ActorRef{Type: types.ActorUser, ID: "alice"}
	bob   = types.ActorRef{Type: types.ActorUser, ID: "bob"}
)

func newEngine(t *testing.T) *vault.Engine {
	t.Helper()
	e := vault.NewEngine()
	e.SetState(storage.NewState())
	e.SetNowFunc(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })
	return e
}

func testAsset(id string) intent.AssetRef {
	return intent.AssetRef{
		Platform:  "steam",
		AppID:     "app-1",
		ContextID: "ctx-1",
		AssetID:   id,
		Metadata:  intent.AssetMetadata{ValueUSD: 100},
	}
}

func TestDepositAndList(t *testing.T) {
	e := newEngine(t)
	h, err := e.Deposit(alice, testAsset("card:alpha-001"))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if h.Status != vault.HoldingAvailable || h.HoldingID == "" {
		t.Fatalf("expected available holding with id, got %+v", h)
	}
	if _, err := e.Deposit(bob, testAsset("card:beta-002")); err != nil {
		t.Fatalf("deposit bob: %v", err)
	}

	mine := e.List(alice)
	if len(mine) != 1 || mine[0].HoldingID != h.HoldingID {
		t.Fatalf("expected alice's holding only, got %+v", mine)
	}
}

func TestDepositRequiresAssetIdentity(t *testing.T) {
	e := newEngine(t)
	if _, err := e.Deposit(alice, intent.AssetRef{Platform: "steam"}); coreerr.CodeOf(err) != coreerr.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReserveReleaseLifecycle(t *testing.T) {
	e := newEngine(t)
	h, err := e.Deposit(alice, testAsset("card:alpha-001"))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}

	reserved, err := e.Reserve(alice, h.HoldingID, "res-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reserved.Status != vault.HoldingReserved {
		t.Fatalf("expected reserved, got %s", reserved.Status)
	}

	// Same reservation replays; a different one conflicts.
	if _, err := e.Reserve(alice, h.HoldingID, "res-1"); err != nil {
		t.Fatalf("reserve replay: %v", err)
	}
	if _, err := e.Reserve(alice, h.HoldingID, "res-2"); coreerr.CodeOf(err) != coreerr.CodeConflict {
		t.Fatalf("expected conflict for competing reservation, got %v", err)
	}
	if _, err := e.Withdraw(alice, h.HoldingID); coreerr.CodeOf(err) != coreerr.CodeConflict {
		t.Fatalf("expected conflict withdrawing reserved holding, got %v", err)
	}

	released, err := e.Release(alice, h.HoldingID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != vault.HoldingAvailable || released.ReservationID != "" {
		t.Fatalf("expected available holding after release, got %+v", released)
	}

	withdrawn, err := e.Withdraw(alice, h.HoldingID)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn.Status != vault.HoldingWithdrawn {
		t.Fatalf("expected withdrawn, got %s", withdrawn.Status)
	}
}

func TestOwnershipIsEnforced(t *testing.T) {
	e := newEngine(t)
	h, err := e.Deposit(alice, testAsset("card:alpha-001"))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := e.Reserve(bob, h.HoldingID, "res-1"); coreerr.CodeOf(err) != coreerr.CodeForbidden {
		t.Fatalf("expected forbidden for non-owner, got %v", err)
	}
}

func TestReserveForCycleBindsFirstAvailable(t *testing.T) {
	e := newEngine(t)
	h, err := e.Deposit(alice, testAsset("card:alpha-001"))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}

	id, err := e.ReserveForCycle(alice, h.Asset.Key(), "prop_cycle1")
	if err != nil {
		t.Fatalf("reserve for cycle: %v", err)
	}
	if id != h.HoldingID {
		t.Fatalf("expected holding %s, got %s", h.HoldingID, id)
	}

	// Replay for the same cycle returns the same holding; another cycle has
	// nothing left to bind.
	again, err := e.ReserveForCycle(alice, h.Asset.Key(), "prop_cycle1")
	if err != nil || again != id {
		t.Fatalf("expected idempotent cycle reservation, got %s err=%v", again, err)
	}
	if _, err := e.ReserveForCycle(alice, h.Asset.Key(), "prop_cycle2"); coreerr.CodeOf(err) != coreerr.CodeNotFound {
		t.Fatalf("expected not found for second cycle, got %v", err)
	}
}

func TestSettlementBindingTransitions(t *testing.T) {
	e := newEngine(t)
	h, err := e.Deposit(alice, testAsset("card:alpha-001"))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	id, err := e.ReserveForCycle(alice, h.Asset.Key(), "prop_cycle1")
	if err != nil {
		t.Fatalf("reserve for cycle: %v", err)
	}

	if err := e.MarkInSettlement(id); err != nil {
		t.Fatalf("mark in settlement: %v", err)
	}
	if err := e.MarkInSettlement(id); err != nil {
		t.Fatalf("mark replay: %v", err)
	}
	if err := e.ReleaseFromSettlement(id); err != nil {
		t.Fatalf("release from settlement: %v", err)
	}
	// Released holdings leave the vault as withdrawn; a withdraw replay is a
	// no-op.
	got, err := e.Withdraw(alice, id)
	if err != nil {
		t.Fatalf("withdraw after settlement release: %v", err)
	}
	if got.Status != vault.HoldingWithdrawn {
		t.Fatalf("expected withdrawn holding, got %+v", got)
	}
}

func TestReturnToOwnerAfterFailedSettlement(t *testing.T) {
	e := newEngine(t)
	h, err := e.Deposit(alice, testAsset("card:alpha-001"))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	id, err := e.ReserveForCycle(alice, h.Asset.Key(), "prop_cycle1")
	if err != nil {
		t.Fatalf("reserve for cycle: %v", err)
	}
	if err := e.MarkInSettlement(id); err != nil {
		t.Fatalf("mark in settlement: %v", err)
	}

	if err := e.ReturnToOwner(id); err != nil {
		t.Fatalf("return to owner: %v", err)
	}
	if err := e.ReturnToOwner(id); err != nil {
		t.Fatalf("return replay: %v", err)
	}
	holdings := e.List(alice)
	if len(holdings) != 1 || holdings[0].Status != vault.HoldingAvailable {
		t.Fatalf("expected available holding after return, got %+v", holdings)
	}
	if holdings[0].SettlementCycleID != "" || holdings[0].ReservationID != "" {
		t.Fatalf("expected cleared bindings, got %+v", holdings[0])
	}
}
