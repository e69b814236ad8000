package commitment

import (
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	coreerr "swapmesh/core/errors"
	"swapmesh/core/events"
	"swapmesh/core/types"
	"swapmesh/native/intent"
	"swapmesh/native/matching"
)

type engineState interface {
	IntentGet(id string) (*intent.Intent, bool)
	IntentPut(*intent.Intent) error
	ProposalGet(id string) (*matching.Proposal, bool)
	ProposalPut(*matching.Proposal) error
	ProposalList() []*matching.Proposal
	CommitPut(*Commit) error
	CommitGet(id string) (*Commit, bool)
	ReservationPut(Reservation) error
	ReservationGet(intentID string) (Reservation, bool)
	ReservationDelete(intentID string) error
}

// CommitID derives the deterministic commit identifier from a proposal id.
func CommitID(proposalID string) string {
	sum := ethcrypto.Keccak256Hash([]byte(proposalID))
	return "cmt_" + sum.Hex()[2:34]
}

// Engine runs the accept/decline/expire protocol that maps proposals to
// commits and reservations.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() time.Time
}

// NewEngine constructs a commit engine.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}, nowFn: time.Now}
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

// Accept records the actor's acceptance of the proposal. When the final
// participant accepts, the commit transitions to committed and every
// participating intent is reserved atomically.
func (e *Engine) Accept(actor types.ActorRef, proposalID string) (*Commit, error) {
	now := e.nowFn()
	proposal, err := e.loadLiveProposal(actor, proposalID, now)
	if err != nil {
		return nil, err
	}
	if !proposal.HasParticipantActor(actor) && actor.Type != types.ActorPartner {
		return nil, coreerr.Forbidden("actor %s is not a participant of proposal %s", actor.Key(), proposalID)
	}

	commit := e.loadOrCreateCommit(proposal, now)
	if commit.Phase.Terminal() {
		if commit.Phase == PhaseCommitted {
			return commit, nil
		}
		return nil, coreerr.Conflict("commit %s is %s", commit.ID, commit.Phase)
	}
	if _, done := commit.Acceptances[actor.Key()]; !done {
		commit.Acceptances[actor.Key()] = now
		commit.UpdatedAt = now
	}

	if e.allAccepted(proposal, commit) {
		if err := e.reserveAll(actor, proposal, now); err != nil {
			// Leave the commit in accepting phase; the race winner
			// holds the reservation.
			if putErr := e.state.CommitPut(commit); putErr != nil {
				return nil, putErr
			}
			return nil, err
		}
		commit.Phase = PhaseCommitted
		commit.UpdatedAt = now
		proposal.Status = matching.ProposalCommitted
		if err := e.state.ProposalPut(proposal); err != nil {
			return nil, err
		}
		e.emitter.Emit(events.New(events.TypeProposalCommitted, actor, proposal.ID, map[string]interface{}{
			"proposal_id": proposal.ID,
			"commit_id":   commit.ID,
			"intent_ids":  proposal.IntentIDs(),
		}))
	}
	if err := e.state.CommitPut(commit); err != nil {
		return nil, err
	}
	return commit.Clone(), nil
}

// Decline terminates the commit, releases any partial reservations and marks
// the proposal declined.
func (e *Engine) Decline(actor types.ActorRef, proposalID string) (*Commit, error) {
	now := e.nowFn()
	proposal, ok := e.state.ProposalGet(proposalID)
	if !ok {
		return nil, coreerr.NotFound("proposal %s not found", proposalID)
	}
	proposal = proposal.Clone()
	if err := e.checkTenancy(actor, proposal); err != nil {
		return nil, err
	}
	if !proposal.HasParticipantActor(actor) && actor.Type != types.ActorPartner {
		return nil, coreerr.Forbidden("actor %s is not a participant of proposal %s", actor.Key(), proposalID)
	}
	commit := e.loadOrCreateCommit(proposal, now)
	if commit.Phase == PhaseDeclined {
		return commit, nil
	}
	if commit.Phase.Terminal() {
		return nil, coreerr.Conflict("commit %s is %s", commit.ID, commit.Phase)
	}
	commit.Phase = PhaseDeclined
	commit.UpdatedAt = now
	if err := e.state.CommitPut(commit); err != nil {
		return nil, err
	}
	e.releaseAll(actor, proposal, now)
	proposal.Status = matching.ProposalDeclined
	if err := e.state.ProposalPut(proposal); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.New(events.TypeProposalDeclined, actor, proposal.ID, map[string]interface{}{
		"proposal_id": proposal.ID,
		"declined_by": actor.Key(),
	}))
	return commit.Clone(), nil
}

// ExpireAcceptPhase sweeps proposals past their expiry that never committed,
// marking them (and any commit in accepting phase) expired.
func (e *Engine) ExpireAcceptPhase(actor types.ActorRef, now time.Time) int {
	var expired int
	for _, p := range e.state.ProposalList() {
		if !p.Status.Live() || p.ExpiresAt.After(now) {
			continue
		}
		clone := p.Clone()
		clone.Status = matching.ProposalExpired
		if err := e.state.ProposalPut(clone); err != nil {
			continue
		}
		if commit, ok := e.state.CommitGet(CommitID(p.ID)); ok && !commit.Phase.Terminal() {
			updated := commit.Clone()
			updated.Phase = PhaseExpired
			updated.UpdatedAt = now
			_ = e.state.CommitPut(updated)
		}
		e.releaseAll(actor, clone, now)
		e.emitter.Emit(events.New(events.TypeProposalExpired, actor, clone.ID, map[string]interface{}{
			"proposal_id": clone.ID,
			"reason":      "accept_phase_timeout",
		}))
		expired++
	}
	return expired
}

// Get returns the commit for a proposal.
func (e *Engine) Get(proposalID string) (*Commit, error) {
	commit, ok := e.state.CommitGet(CommitID(proposalID))
	if !ok {
		return nil, coreerr.NotFound("commit for proposal %s not found", proposalID)
	}
	return commit.Clone(), nil
}

func (e *Engine) loadLiveProposal(actor types.ActorRef, proposalID string, now time.Time) (*matching.Proposal, error) {
	proposal, ok := e.state.ProposalGet(proposalID)
	if !ok {
		return nil, coreerr.NotFound("proposal %s not found", proposalID)
	}
	proposal = proposal.Clone()
	if err := e.checkTenancy(actor, proposal); err != nil {
		return nil, err
	}
	if proposal.Status == matching.ProposalCommitted {
		return proposal, nil
	}
	if !proposal.Status.Live() {
		return nil, coreerr.Conflict("proposal %s is %s", proposalID, proposal.Status)
	}
	if !proposal.ExpiresAt.After(now) {
		return nil, coreerr.Expired("proposal %s expired at %s", proposalID, proposal.ExpiresAt.Format(time.RFC3339))
	}
	return proposal, nil
}

func (e *Engine) checkTenancy(actor types.ActorRef, proposal *matching.Proposal) error {
	if actor.Type == types.ActorPartner && proposal.PartnerID != actor.ID {
		return coreerr.Forbidden("partner %s cannot access proposal %s", actor.ID, proposal.ID)
	}
	return nil
}

func (e *Engine) loadOrCreateCommit(proposal *matching.Proposal, now time.Time) *Commit {
	id := CommitID(proposal.ID)
	if existing, ok := e.state.CommitGet(id); ok {
		return existing.Clone()
	}
	return &Commit{
		ID:          id,
		ProposalID:  proposal.ID,
		PartnerID:   proposal.PartnerID,
		Phase:       PhaseAccepting,
		Acceptances: map[string]time.Time{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (e *Engine) allAccepted(proposal *matching.Proposal, commit *Commit) bool {
	for _, part := range proposal.Participants {
		if _, ok := commit.Acceptances[part.From.Key()]; !ok {
			return false
		}
	}
	return true
}

// reserveAll checks and takes the reservation for every participant intent,
// or fails without reserving anything.
func (e *Engine) reserveAll(actor types.ActorRef, proposal *matching.Proposal, now time.Time) error {
	for _, part := range proposal.Participants {
		it, ok := e.state.IntentGet(part.IntentID)
		if !ok {
			return coreerr.NotFound("intent %s not found", part.IntentID)
		}
		if it.Status != intent.StatusActive {
			return coreerr.Conflict("intent %s is %s", part.IntentID, it.Status)
		}
		if existing, reserved := e.state.ReservationGet(part.IntentID); reserved && existing.ProposalID != proposal.ID {
			return coreerr.Conflict("intent %s already reserved by proposal %s", part.IntentID, existing.ProposalID)
		}
	}
	for _, part := range proposal.Participants {
		if err := e.state.ReservationPut(Reservation{IntentID: part.IntentID, ProposalID: proposal.ID, CreatedAt: now}); err != nil {
			return err
		}
		it, _ := e.state.IntentGet(part.IntentID)
		updated := it.Clone()
		updated.Status = intent.StatusReserved
		updated.UpdatedAt = now
		if err := e.state.IntentPut(updated); err != nil {
			return err
		}
		e.emitter.Emit(events.New(events.TypeIntentReserved, actor, part.IntentID, map[string]interface{}{
			"intent_id":   part.IntentID,
			"proposal_id": proposal.ID,
		}))
	}
	return nil
}

// releaseAll drops reservations held by the proposal and re-activates the
// affected intents.
func (e *Engine) releaseAll(actor types.ActorRef, proposal *matching.Proposal, now time.Time) {
	for _, part := range proposal.Participants {
		res, ok := e.state.ReservationGet(part.IntentID)
		if !ok || res.ProposalID != proposal.ID {
			continue
		}
		if err := e.state.ReservationDelete(part.IntentID); err != nil {
			continue
		}
		if it, ok := e.state.IntentGet(part.IntentID); ok && it.Status == intent.StatusReserved {
			updated := it.Clone()
			updated.Status = intent.StatusActive
			updated.UpdatedAt = now
			_ = e.state.IntentPut(updated)
		}
		e.emitter.Emit(events.New(events.TypeIntentUnreserved, actor, part.IntentID, map[string]interface{}{
			"intent_id":   part.IntentID,
			"proposal_id": proposal.ID,
		}))
	}
}
