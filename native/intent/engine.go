package intent

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	coreerr "swapmesh/core/errors"
	"swapmesh/core/events"
	"swapmesh/core/types"
)

type engineState interface {
	IntentPut(*Intent) error
	IntentGet(id string) (*Intent, bool)
	IntentList() []*Intent
	// IntentReservedBy returns the live proposal currently reserving the
	// intent, if any.
	IntentReservedBy(id string) (string, bool)
}

// Engine owns the swap-intent lifecycle.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() time.Time
	idFn    func() string
}

// NewEngine constructs an intent engine with default clock and id source.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   time.Now,
		idFn:    func() string { return "int_" + uuid.NewString() },
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

// SetIDFunc overrides intent id generation, primarily used in tests.
func (e *Engine) SetIDFunc(fn func() string) {
	if fn == nil {
		e.idFn = func() string { return "int_" + uuid.NewString() }
		return
	}
	e.idFn = fn
}

// CreateParams carries the caller-supplied fields of a new intent.
type CreateParams struct {
	Offer                 []AssetRef
	WantSpec              []WantPredicate
	ValueBand             ValueBand
	TrustConstraints      TrustConstraints
	TimeConstraints       TimeConstraints
	SettlementPreferences SettlementPreferences
	PartnerID             string
}

// Create validates and persists a new active intent owned by actor.
func (e *Engine) Create(actor types.ActorRef, params CreateParams) (*Intent, error) {
	now := e.nowFn()
	if !params.TimeConstraints.ExpiresAt.IsZero() && !params.TimeConstraints.ExpiresAt.After(now) {
		return nil, coreerr.Validation("time_constraints.expires_at is in the past")
	}
	if params.TrustConstraints.MaxCycleLength == 0 {
		params.TrustConstraints.MaxCycleLength = 3
	}
	candidate := &Intent{
		ID:                    e.idFn(),
		Actor:                 actor,
		PartnerID:             strings.TrimSpace(params.PartnerID),
		Offer:                 params.Offer,
		WantSpec:              params.WantSpec,
		ValueBand:             params.ValueBand,
		TrustConstraints:      params.TrustConstraints,
		TimeConstraints:       params.TimeConstraints,
		SettlementPreferences: params.SettlementPreferences,
		Status:                StatusActive,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	sanitized, err := Sanitize(candidate)
	if err != nil {
		return nil, coreerr.Validation("%s", err.Error())
	}
	if err := e.state.IntentPut(sanitized); err != nil {
		return nil, err
	}
	e.emit(events.TypeIntentCreated, actor, sanitized)
	return sanitized.Clone(), nil
}

// UpdateParams carries the mutable fields of an intent. Nil members are left
// unchanged.
type UpdateParams struct {
	WantSpec        []WantPredicate
	ValueBand       *ValueBand
	TimeConstraints *TimeConstraints
}

// Update applies the supplied changes to an active intent owned by actor.
func (e *Engine) Update(actor types.ActorRef, id string, params UpdateParams) (*Intent, error) {
	existing, err := e.loadOwned(actor, id)
	if err != nil {
		return nil, err
	}
	if existing.Status != StatusActive {
		return nil, coreerr.Conflict("intent %s is %s and cannot be updated", id, existing.Status)
	}
	if params.WantSpec != nil {
		existing.WantSpec = params.WantSpec
	}
	if params.ValueBand != nil {
		existing.ValueBand = *params.ValueBand
	}
	if params.TimeConstraints != nil {
		if !params.TimeConstraints.ExpiresAt.IsZero() && !params.TimeConstraints.ExpiresAt.After(e.nowFn()) {
			return nil, coreerr.Validation("time_constraints.expires_at is in the past")
		}
		existing.TimeConstraints = *params.TimeConstraints
	}
	existing.UpdatedAt = e.nowFn()
	sanitized, err := Sanitize(existing)
	if err != nil {
		return nil, coreerr.Validation("%s", err.Error())
	}
	if err := e.state.IntentPut(sanitized); err != nil {
		return nil, err
	}
	e.emit(events.TypeIntentUpdated, actor, sanitized)
	return sanitized.Clone(), nil
}

// Cancel terminates an intent. Cancellation is refused while the intent is
// reserved for a non-terminal proposal.
func (e *Engine) Cancel(actor types.ActorRef, id string) (*Intent, error) {
	existing, err := e.loadOwned(actor, id)
	if err != nil {
		return nil, err
	}
	if existing.Status == StatusCancelled {
		return existing, nil
	}
	if existing.Status.Terminal() {
		return nil, coreerr.Conflict("intent %s is %s", id, existing.Status)
	}
	if proposalID, reserved := e.state.IntentReservedBy(id); reserved {
		return nil, coreerr.WithReason(
			coreerr.Conflict("intent %s is reserved by proposal %s", id, proposalID),
			coreerr.ReasonIntentReserved,
		)
	}
	existing.Status = StatusCancelled
	existing.UpdatedAt = e.nowFn()
	if err := e.state.IntentPut(existing); err != nil {
		return nil, err
	}
	e.emit(events.TypeIntentCancelled, actor, existing)
	return existing.Clone(), nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Actor     *types.ActorRef
	Status    Status
	PartnerID string
}

// List returns intents matching the filter, ordered by id for determinism.
func (e *Engine) List(filter ListFilter) []*Intent {
	all := e.state.IntentList()
	out := make([]*Intent, 0, len(all))
	for _, it := range all {
		if filter.Actor != nil && !it.Actor.Equal(*filter.Actor) {
			continue
		}
		if filter.Status != "" && it.Status != filter.Status {
			continue
		}
		if filter.PartnerID != "" && it.PartnerID != filter.PartnerID {
			continue
		}
		out = append(out, it.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Get returns a single intent.
func (e *Engine) Get(id string) (*Intent, error) {
	existing, ok := e.state.IntentGet(id)
	if !ok {
		return nil, coreerr.NotFound("intent %s not found", id)
	}
	return existing.Clone(), nil
}

func (e *Engine) loadOwned(actor types.ActorRef, id string) (*Intent, error) {
	existing, ok := e.state.IntentGet(id)
	if !ok {
		return nil, coreerr.NotFound("intent %s not found", id)
	}
	clone := existing.Clone()
	if !clone.Actor.Equal(actor) {
		// Partners may manage intents inside their own tenancy scope.
		if actor.Type == types.ActorPartner && clone.PartnerID == actor.ID {
			return clone, nil
		}
		return nil, coreerr.Forbidden("actor %s does not own intent %s", actor.Key(), id)
	}
	return clone, nil
}

func (e *Engine) emit(eventType string, actor types.ActorRef, it *Intent) {
	e.emitter.Emit(events.New(eventType, actor, it.ID, map[string]interface{}{
		"intent_id": it.ID,
		"status":    string(it.Status),
	}))
}
