package settlement

import (
	"time"

	"swapmesh/canonical"
	coreerr "swapmesh/core/errors"
	"swapmesh/core/events"
	"swapmesh/core/types"
	"swapmesh/native/commitment"
	"swapmesh/native/intent"
	"swapmesh/native/matching"
)

type engineState interface {
	ProposalGet(id string) (*matching.Proposal, bool)
	CommitGet(id string) (*commitment.Commit, bool)
	IntentGet(id string) (*intent.Intent, bool)
	IntentPut(*intent.Intent) error
	ReservationDelete(intentID string) error
	TimelinePut(*Timeline) error
	TimelineGet(cycleID string) (*Timeline, bool)
	TimelineList() []*Timeline
	ReceiptPut(*Receipt) error
	ReceiptGetByCycle(cycleID string) (*Receipt, bool)
}

// Signer signs receipt payloads under the platform policy-integrity key.
type Signer interface {
	Sign(v interface{}) (canonical.Signature, error)
}

// vaultOps is the slice of the vault engine settlement needs for vault-mode
// legs.
type vaultOps interface {
	ReserveForCycle(owner types.ActorRef, assetKey, cycleID string) (string, error)
	MarkInSettlement(holdingID string) error
	ReleaseFromSettlement(holdingID string) error
	ReturnToOwner(holdingID string) error
}

// Engine drives the per-cycle settlement timeline. All transitions for one
// cycle are serialized by the node's write critical section.
type Engine struct {
	state   engineState
	vault   vaultOps
	signer  Signer
	emitter events.Emitter
	nowFn   func() time.Time
}

// NewEngine constructs a settlement engine.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}, nowFn: time.Now}
}

// SetState configures the state backend.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetVault wires the vault engine used for vault-mode legs.
func (e *Engine) SetVault(v vaultOps) { e.vault = v }

// SetSigner configures the receipt signer.
func (e *Engine) SetSigner(s Signer) { e.signer = s }

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

// Start opens the deposit window for a committed cycle: accepted ->
// escrow.pending. Replaying start is safe; a replay may restore a cleared
// tenancy scope for the original partner but never rebinds it to another.
func (e *Engine) Start(actor types.ActorRef, cycleID string, depositDeadline time.Time) (*Timeline, error) {
	now := e.nowFn()
	proposal, ok := e.state.ProposalGet(cycleID)
	if !ok {
		return nil, coreerr.NotFound("cycle %s not found", cycleID)
	}
	commit, ok := e.state.CommitGet(commitment.CommitID(cycleID))
	if !ok || commit.Phase != commitment.PhaseCommitted {
		return nil, coreerr.Conflict("cycle %s is not committed", cycleID)
	}

	if existing, ok := e.state.TimelineGet(cycleID); ok {
		timeline := existing.Clone()
		if err := e.checkTenancy(actor, proposal, timeline); err != nil {
			return nil, err
		}
		if timeline.PartnerID == "" && actor.Type == types.ActorPartner {
			timeline.PartnerID = actor.ID
			timeline.UpdatedAt = now
			if err := e.state.TimelinePut(timeline); err != nil {
				return nil, err
			}
		}
		return timeline, nil
	}

	if actor.Type == types.ActorPartner && proposal.PartnerID != actor.ID {
		return nil, coreerr.WithReason(
			coreerr.Forbidden("partner %s cannot settle cycle %s", actor.ID, cycleID),
			coreerr.ReasonPartnerUnauthorized,
		)
	}

	timeline := &Timeline{
		CycleID:   cycleID,
		PartnerID: proposal.PartnerID,
		State:     StateEscrowPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, part := range proposal.Participants {
		leg := Leg{
			IntentID:          part.IntentID,
			FromActor:         part.From,
			ToActor:           part.To,
			Assets:            []string{part.AssetKey},
			Status:            LegPending,
			DepositMode:       DepositModeDeposit,
			DepositDeadlineAt: depositDeadline,
		}
		if it, ok := e.state.IntentGet(part.IntentID); ok && it.SettlementPreferences.UseVault {
			leg.DepositMode = DepositModeVault
		}
		if leg.DepositMode == DepositModeVault && e.vault != nil {
			holdingID, err := e.vault.ReserveForCycle(part.From, part.AssetKey, cycleID)
			if err == nil {
				leg.HoldingID = holdingID
				leg.Status = LegDeposited
				leg.DepositRef = "vault:" + holdingID
			}
		}
		timeline.Legs = append(timeline.Legs, leg)
	}
	if err := e.state.TimelinePut(timeline); err != nil {
		return nil, err
	}
	e.emitCycle(actor, timeline, events.TypeSettlementDepositRequired, map[string]interface{}{
		"deposit_deadline_at": depositDeadline.UTC().Format(time.RFC3339),
	})
	return timeline.Clone(), nil
}

// ConfirmDeposit marks the caller's leg deposited. When every leg is funded
// the timeline advances to escrow.ready.
func (e *Engine) ConfirmDeposit(actor types.ActorRef, cycleID, depositRef string) (*Timeline, error) {
	timeline, err := e.loadScoped(actor, cycleID)
	if err != nil {
		return nil, err
	}
	if timeline.State != StateEscrowPending {
		if timeline.State.Terminal() {
			return nil, coreerr.Conflict("cycle %s is %s", cycleID, timeline.State)
		}
		return timeline, nil
	}
	leg := timeline.leg(actor)
	if leg == nil {
		return nil, coreerr.Forbidden("actor %s has no leg in cycle %s", actor.Key(), cycleID)
	}
	now := e.nowFn()
	if leg.Status == LegPending {
		leg.Status = LegDeposited
		leg.DepositRef = depositRef
		timeline.UpdatedAt = now
	}
	if timeline.allDeposited() {
		if err := e.transition(timeline, StateEscrowReady, now); err != nil {
			return nil, err
		}
		for i := range timeline.Legs {
			if timeline.Legs[i].DepositMode == DepositModeVault && e.vault != nil && timeline.Legs[i].HoldingID != "" {
				_ = e.vault.MarkInSettlement(timeline.Legs[i].HoldingID)
			}
		}
	}
	if err := e.state.TimelinePut(timeline); err != nil {
		return nil, err
	}
	e.emitCycle(actor, timeline, events.TypeSettlementDepositConfirm, map[string]interface{}{
		"intent_id":   leg.IntentID,
		"deposit_ref": depositRef,
	})
	return timeline.Clone(), nil
}

// BeginExecution moves escrow.ready -> executing.
func (e *Engine) BeginExecution(actor types.ActorRef, cycleID string) (*Timeline, error) {
	timeline, err := e.loadScoped(actor, cycleID)
	if err != nil {
		return nil, err
	}
	if timeline.State == StateExecuting {
		return timeline, nil
	}
	if timeline.State != StateEscrowReady {
		return nil, coreerr.Conflict("cycle %s is %s, expected %s", cycleID, timeline.State, StateEscrowReady)
	}
	now := e.nowFn()
	if err := e.transition(timeline, StateExecuting, now); err != nil {
		return nil, err
	}
	if err := e.state.TimelinePut(timeline); err != nil {
		return nil, err
	}
	e.emitCycle(actor, timeline, events.TypeSettlementExecuting, nil)
	return timeline.Clone(), nil
}

// Complete finishes execution: legs release, intents settle, and the signed
// receipt is emitted exactly once.
func (e *Engine) Complete(actor types.ActorRef, cycleID string) (*Timeline, error) {
	timeline, err := e.loadScoped(actor, cycleID)
	if err != nil {
		return nil, err
	}
	if timeline.State == StateCompleted {
		return timeline, nil
	}
	if timeline.State != StateExecuting {
		return nil, coreerr.Conflict("cycle %s is %s, expected %s", cycleID, timeline.State, StateExecuting)
	}
	now := e.nowFn()
	for i := range timeline.Legs {
		timeline.Legs[i].Status = LegReleased
		if timeline.Legs[i].DepositMode == DepositModeVault && e.vault != nil && timeline.Legs[i].HoldingID != "" {
			_ = e.vault.ReleaseFromSettlement(timeline.Legs[i].HoldingID)
		}
	}
	if err := e.transition(timeline, StateCompleted, now); err != nil {
		return nil, err
	}
	if err := e.state.TimelinePut(timeline); err != nil {
		return nil, err
	}
	e.settleIntents(timeline, now)
	if err := e.issueReceipt(actor, timeline, StateCompleted, nil); err != nil {
		return nil, err
	}
	return timeline.Clone(), nil
}

// Fail aborts an executing cycle, refunding deposited legs.
func (e *Engine) Fail(actor types.ActorRef, cycleID, reasonCode string) (*Timeline, error) {
	timeline, err := e.loadScoped(actor, cycleID)
	if err != nil {
		return nil, err
	}
	if timeline.State == StateFailed {
		return timeline, nil
	}
	if timeline.State != StateExecuting {
		return nil, coreerr.Conflict("cycle %s is %s, expected %s", cycleID, timeline.State, StateExecuting)
	}
	if reasonCode == "" {
		reasonCode = coreerr.ReasonExecutionError
	}
	return e.fail(actor, timeline, reasonCode)
}

// ExpireDepositWindow sweeps escrow.pending timelines past their deposit
// deadline into failed, refunding any deposited legs. Terminal timelines are
// untouched.
func (e *Engine) ExpireDepositWindow(actor types.ActorRef, now time.Time) int {
	var expired int
	for _, t := range e.state.TimelineList() {
		if t.State != StateEscrowPending {
			continue
		}
		deadline := time.Time{}
		for _, leg := range t.Legs {
			if deadline.IsZero() || leg.DepositDeadlineAt.Before(deadline) {
				deadline = leg.DepositDeadlineAt
			}
		}
		if deadline.IsZero() || now.Before(deadline) || now.Equal(deadline) {
			continue
		}
		if _, err := e.fail(actor, t.Clone(), coreerr.ReasonDepositTimeout); err == nil {
			expired++
		}
	}
	return expired
}

// GetTimeline returns the timeline for a cycle.
func (e *Engine) GetTimeline(cycleID string) (*Timeline, error) {
	t, ok := e.state.TimelineGet(cycleID)
	if !ok {
		return nil, coreerr.NotFound("timeline for cycle %s not found", cycleID)
	}
	return t.Clone(), nil
}

// GetReceipt returns the receipt for a cycle.
func (e *Engine) GetReceipt(cycleID string) (*Receipt, error) {
	r, ok := e.state.ReceiptGetByCycle(cycleID)
	if !ok {
		return nil, coreerr.NotFound("receipt for cycle %s not found", cycleID)
	}
	return r, nil
}

func (e *Engine) fail(actor types.ActorRef, timeline *Timeline, reasonCode string) (*Timeline, error) {
	now := e.nowFn()
	for i := range timeline.Legs {
		leg := &timeline.Legs[i]
		if leg.Status == LegDeposited {
			leg.Status = LegRefunded
			if leg.DepositMode == DepositModeVault && e.vault != nil && leg.HoldingID != "" {
				_ = e.vault.ReturnToOwner(leg.HoldingID)
			}
		}
	}
	if err := e.transition(timeline, StateFailed, now); err != nil {
		return nil, err
	}
	if err := e.state.TimelinePut(timeline); err != nil {
		return nil, err
	}
	e.releaseIntents(timeline, now)
	if err := e.issueReceipt(actor, timeline, StateFailed, map[string]interface{}{"reason_code": reasonCode}); err != nil {
		return nil, err
	}
	return timeline.Clone(), nil
}

func (e *Engine) transition(t *Timeline, next State, now time.Time) error {
	if stateRank[next] < stateRank[t.State] {
		return coreerr.Conflict("cycle %s cannot regress from %s to %s", t.CycleID, t.State, next)
	}
	previous := t.State
	t.State = next
	t.UpdatedAt = now
	e.emitter.Emit(events.New(events.TypeCycleStateChanged, types.ActorRef{}, t.CycleID, map[string]interface{}{
		"cycle_id": t.CycleID,
		"from":     string(previous),
		"to":       string(next),
	}))
	return nil
}

// issueReceipt emits the terminal receipt once; re-entry for an already
// receipted cycle is a no-op.
func (e *Engine) issueReceipt(actor types.ActorRef, timeline *Timeline, finalState State, transparency map[string]interface{}) error {
	if _, ok := e.state.ReceiptGetByCycle(timeline.CycleID); ok {
		return nil
	}
	if transparency == nil {
		transparency = map[string]interface{}{}
	}
	var intentIDs, assetIDs []string
	for _, leg := range timeline.Legs {
		intentIDs = append(intentIDs, leg.IntentID)
		assetIDs = append(assetIDs, leg.Assets...)
	}
	receipt := &Receipt{
		ID:           "rcpt_" + timeline.CycleID,
		CycleID:      timeline.CycleID,
		FinalState:   finalState,
		IntentIDs:    intentIDs,
		AssetIDs:     assetIDs,
		Fees:         []Fee{},
		Transparency: transparency,
		IssuedAt:     e.nowFn(),
	}
	if e.signer != nil {
		sig, err := e.signer.Sign(receipt.SigningPayload())
		if err != nil {
			return coreerr.Internal("sign receipt: %s", err.Error())
		}
		receipt.Signature = sig
	}
	if err := e.state.ReceiptPut(receipt); err != nil {
		return err
	}
	e.emitter.Emit(events.New(events.TypeReceiptCreated, actor, timeline.CycleID, map[string]interface{}{
		"receipt_id":  receipt.ID,
		"cycle_id":    timeline.CycleID,
		"final_state": string(finalState),
	}))
	return nil
}

func (e *Engine) settleIntents(timeline *Timeline, now time.Time) {
	for _, leg := range timeline.Legs {
		_ = e.state.ReservationDelete(leg.IntentID)
		if it, ok := e.state.IntentGet(leg.IntentID); ok {
			updated := it.Clone()
			updated.Status = intent.StatusSettled
			updated.UpdatedAt = now
			_ = e.state.IntentPut(updated)
		}
	}
}

func (e *Engine) releaseIntents(timeline *Timeline, now time.Time) {
	for _, leg := range timeline.Legs {
		_ = e.state.ReservationDelete(leg.IntentID)
		if it, ok := e.state.IntentGet(leg.IntentID); ok && it.Status == intent.StatusReserved {
			updated := it.Clone()
			updated.Status = intent.StatusActive
			updated.UpdatedAt = now
			_ = e.state.IntentPut(updated)
		}
	}
}

func (e *Engine) loadScoped(actor types.ActorRef, cycleID string) (*Timeline, error) {
	existing, ok := e.state.TimelineGet(cycleID)
	if !ok {
		return nil, coreerr.NotFound("timeline for cycle %s not found", cycleID)
	}
	timeline := existing.Clone()
	if actor.Type == types.ActorPartner && timeline.PartnerID != "" && timeline.PartnerID != actor.ID {
		return nil, coreerr.WithReason(
			coreerr.Forbidden("partner %s cannot access cycle %s", actor.ID, cycleID),
			coreerr.ReasonPartnerUnauthorized,
		)
	}
	return timeline, nil
}

func (e *Engine) checkTenancy(actor types.ActorRef, proposal *matching.Proposal, timeline *Timeline) error {
	if actor.Type != types.ActorPartner {
		return nil
	}
	// The proposal's recorded partner is authoritative; a cleared timeline
	// scope may be restored only for that partner.
	if proposal.PartnerID != actor.ID {
		return coreerr.WithReason(
			coreerr.Forbidden("partner %s cannot rebind cycle %s", actor.ID, timeline.CycleID),
			coreerr.ReasonPartnerUnauthorized,
		)
	}
	if timeline.PartnerID != "" && timeline.PartnerID != actor.ID {
		return coreerr.Forbidden("cycle %s is scoped to another partner", timeline.CycleID)
	}
	return nil
}

func (e *Engine) emitCycle(actor types.ActorRef, timeline *Timeline, eventType string, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"cycle_id": timeline.CycleID,
		"state":    string(timeline.State),
	}
	for k, v := range extra {
		payload[k] = v
	}
	e.emitter.Emit(events.New(eventType, actor, timeline.CycleID, payload))
}
