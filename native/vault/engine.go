// Package vault manages platform-held holdings that can fund settlement legs
// without a fresh user deposit.
package vault

import (
	"time"

	"github.com/google/uuid"

	coreerr "swapmesh/core/errors"
	"swapmesh/core/events"
	"swapmesh/core/types"
	"swapmesh/native/intent"
)

// HoldingStatus is the lifecycle state of a vault holding.
type HoldingStatus string

const (
	HoldingAvailable    HoldingStatus = "available"
	HoldingReserved     HoldingStatus = "reserved"
	HoldingInSettlement HoldingStatus = "in_settlement"
	HoldingWithdrawn    HoldingStatus = "withdrawn"
	HoldingNotAvailable HoldingStatus = "not_available"
)

// Holding is one vaulted asset owned by an actor.
type Holding struct {
	HoldingID         string          `json:"holding_id"`
	OwnerActor        types.ActorRef  `json:"owner_actor"`
	Asset             intent.AssetRef `json:"asset"`
	Status            HoldingStatus   `json:"status"`
	ReservationID     string          `json:"reservation_id,omitempty"`
	SettlementCycleID string          `json:"settlement_cycle_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Clone returns a copy of the holding.
func (h *Holding) Clone() *Holding {
	if h == nil {
		return nil
	}
	clone := *h
	return &clone
}

type engineState interface {
	HoldingPut(*Holding) error
	HoldingGet(id string) (*Holding, bool)
	HoldingList() []*Holding
}

// Engine owns deposit/reserve/release/withdraw of holdings and their binding
// to settlement cycles.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() time.Time
	idFn    func() string
}

// NewEngine constructs a vault engine.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   time.Now,
		idFn:    func() string { return "hold_" + uuid.NewString() },
	}
}

// SetState configures the state backend.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// SetIDFunc overrides holding id generation, primarily used in tests.
func (e *Engine) SetIDFunc(fn func() string) {
	if fn == nil {
		e.idFn = func() string { return "hold_" + uuid.NewString() }
		return
	}
	e.idFn = fn
}

// Deposit vaults a new holding for the owner.
func (e *Engine) Deposit(owner types.ActorRef, asset intent.AssetRef) (*Holding, error) {
	if asset.AssetID == "" || asset.Platform == "" {
		return nil, coreerr.Validation("holding asset requires platform and asset_id")
	}
	now := e.nowFn()
	holding := &Holding{
		HoldingID:  e.idFn(),
		OwnerActor: owner,
		Asset:      asset,
		Status:     HoldingAvailable,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.state.HoldingPut(holding); err != nil {
		return nil, err
	}
	e.emit(owner, holding)
	return holding.Clone(), nil
}

// Reserve takes an exclusive reservation on an available holding.
func (e *Engine) Reserve(owner types.ActorRef, holdingID, reservationID string) (*Holding, error) {
	holding, err := e.loadOwned(owner, holdingID)
	if err != nil {
		return nil, err
	}
	if holding.Status == HoldingReserved && holding.ReservationID == reservationID {
		return holding, nil
	}
	if holding.Status != HoldingAvailable {
		return nil, coreerr.Conflict("holding %s is %s", holdingID, holding.Status)
	}
	holding.Status = HoldingReserved
	holding.ReservationID = reservationID
	holding.UpdatedAt = e.nowFn()
	if err := e.state.HoldingPut(holding); err != nil {
		return nil, err
	}
	e.emit(owner, holding)
	return holding.Clone(), nil
}

// Release returns a reserved holding to the available pool. Releases are
// idempotent.
func (e *Engine) Release(owner types.ActorRef, holdingID string) (*Holding, error) {
	holding, err := e.loadOwned(owner, holdingID)
	if err != nil {
		return nil, err
	}
	if holding.Status == HoldingAvailable {
		return holding, nil
	}
	if holding.Status != HoldingReserved {
		return nil, coreerr.Conflict("holding %s is %s", holdingID, holding.Status)
	}
	holding.Status = HoldingAvailable
	holding.ReservationID = ""
	holding.SettlementCycleID = ""
	holding.UpdatedAt = e.nowFn()
	if err := e.state.HoldingPut(holding); err != nil {
		return nil, err
	}
	e.emit(owner, holding)
	return holding.Clone(), nil
}

// Withdraw removes an available holding from the vault.
func (e *Engine) Withdraw(owner types.ActorRef, holdingID string) (*Holding, error) {
	holding, err := e.loadOwned(owner, holdingID)
	if err != nil {
		return nil, err
	}
	if holding.Status == HoldingWithdrawn {
		return holding, nil
	}
	if holding.Status != HoldingAvailable {
		return nil, coreerr.Conflict("holding %s is %s", holdingID, holding.Status)
	}
	holding.Status = HoldingWithdrawn
	holding.UpdatedAt = e.nowFn()
	if err := e.state.HoldingPut(holding); err != nil {
		return nil, err
	}
	e.emit(owner, holding)
	return holding.Clone(), nil
}

// List returns the owner's holdings.
func (e *Engine) List(owner types.ActorRef) []*Holding {
	var out []*Holding
	for _, h := range e.state.HoldingList() {
		if h.OwnerActor.Equal(owner) {
			out = append(out, h.Clone())
		}
	}
	return out
}

// ReserveForCycle binds the owner's first available holding of the asset to a
// settlement cycle. Used by vault-mode settlement legs.
func (e *Engine) ReserveForCycle(owner types.ActorRef, assetKey, cycleID string) (string, error) {
	for _, h := range e.state.HoldingList() {
		if !h.OwnerActor.Equal(owner) || h.Asset.Key() != assetKey {
			continue
		}
		if h.Status == HoldingReserved && h.SettlementCycleID == cycleID {
			return h.HoldingID, nil
		}
		if h.Status != HoldingAvailable {
			continue
		}
		updated := h.Clone()
		updated.Status = HoldingReserved
		updated.SettlementCycleID = cycleID
		updated.ReservationID = "cycle:" + cycleID
		updated.UpdatedAt = e.nowFn()
		if err := e.state.HoldingPut(updated); err != nil {
			return "", err
		}
		e.emit(owner, updated)
		return updated.HoldingID, nil
	}
	return "", coreerr.NotFound("no available holding for asset %s", assetKey)
}

// MarkInSettlement moves a cycle-reserved holding into settlement.
func (e *Engine) MarkInSettlement(holdingID string) error {
	return e.advance(holdingID, HoldingReserved, HoldingInSettlement)
}

// ReleaseFromSettlement releases a holding to its receiving side after a
// completed settlement; the holding leaves the vault.
func (e *Engine) ReleaseFromSettlement(holdingID string) error {
	holding, ok := e.state.HoldingGet(holdingID)
	if !ok {
		return coreerr.NotFound("holding %s not found", holdingID)
	}
	updated := holding.Clone()
	if updated.Status != HoldingInSettlement && updated.Status != HoldingReserved {
		return coreerr.Conflict("holding %s is %s", holdingID, updated.Status)
	}
	updated.Status = HoldingWithdrawn
	updated.UpdatedAt = e.nowFn()
	if err := e.state.HoldingPut(updated); err != nil {
		return err
	}
	e.emit(updated.OwnerActor, updated)
	return nil
}

// ReturnToOwner undoes a cycle binding after a failed settlement.
func (e *Engine) ReturnToOwner(holdingID string) error {
	holding, ok := e.state.HoldingGet(holdingID)
	if !ok {
		return coreerr.NotFound("holding %s not found", holdingID)
	}
	updated := holding.Clone()
	if updated.Status == HoldingAvailable {
		return nil
	}
	if updated.Status != HoldingReserved && updated.Status != HoldingInSettlement {
		return coreerr.Conflict("holding %s is %s", holdingID, updated.Status)
	}
	updated.Status = HoldingAvailable
	updated.ReservationID = ""
	updated.SettlementCycleID = ""
	updated.UpdatedAt = e.nowFn()
	if err := e.state.HoldingPut(updated); err != nil {
		return err
	}
	e.emit(updated.OwnerActor, updated)
	return nil
}

func (e *Engine) advance(holdingID string, from, to HoldingStatus) error {
	holding, ok := e.state.HoldingGet(holdingID)
	if !ok {
		return coreerr.NotFound("holding %s not found", holdingID)
	}
	updated := holding.Clone()
	if updated.Status == to {
		return nil
	}
	if updated.Status != from {
		return coreerr.Conflict("holding %s is %s, expected %s", holdingID, updated.Status, from)
	}
	updated.Status = to
	updated.UpdatedAt = e.nowFn()
	if err := e.state.HoldingPut(updated); err != nil {
		return err
	}
	e.emit(updated.OwnerActor, updated)
	return nil
}

func (e *Engine) loadOwned(owner types.ActorRef, holdingID string) (*Holding, error) {
	holding, ok := e.state.HoldingGet(holdingID)
	if !ok {
		return nil, coreerr.NotFound("holding %s not found", holdingID)
	}
	if !holding.OwnerActor.Equal(owner) {
		return nil, coreerr.Forbidden("actor %s does not own holding %s", owner.Key(), holdingID)
	}
	return holding.Clone(), nil
}

func (e *Engine) emit(actor types.ActorRef, h *Holding) {
	e.emitter.Emit(events.New(events.TypeHoldingUpdated, actor, h.HoldingID, map[string]interface{}{
		"holding_id": h.HoldingID,
		"status":     string(h.Status),
		"cycle_id":   h.SettlementCycleID,
	}))
}
