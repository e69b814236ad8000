// Package delegation manages delegated authority: token minting, consent
// proof verification and the policy pipeline every delegated operation passes
// through. Each decision lands in an append-only audit log.
package delegation

import (
	"time"

	"github.com/google/uuid"

	coreerr "swapmesh/core/errors"
	"swapmesh/core/events"
	"swapmesh/core/types"
	"swapmesh/crypto"
)

type engineState interface {
	DelegationPut(*Delegation) error
	DelegationGet(id string) (*Delegation, bool)
	DelegationList() []*Delegation
	AuditAppend(*PolicyAuditEntry) error
	AuditList() []*PolicyAuditEntry
	ConsentNonceSeen(key string) bool
	ConsentNonceMark(key string) error
	SpendGet(delegationID, day string) float64
	SpendAdd(delegationID, day string, amountUSD float64) error
}

// Engine owns delegation lifecycle and policy evaluation.
type Engine struct {
	state    engineState
	keys     *crypto.KeySet
	verifier ConsentVerifier
	emitter  events.Emitter
	nowFn    func() time.Time
	idFn     func() string
}

// NewEngine constructs a delegation engine signing with the given key set.
func NewEngine(keys *crypto.KeySet) *Engine {
	return &Engine{
		keys:    keys,
		emitter: events.NoopEmitter{},
		nowFn:   time.Now,
		idFn:    func() string { return "dlg_" + uuid.NewString() },
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

// SetIDFunc overrides delegation id generation, primarily used in tests.
func (e *Engine) SetIDFunc(fn func() string) {
	if fn == nil {
		e.idFn = func() string { return "dlg_" + uuid.NewString() }
		return
	}
	e.idFn = fn
}

// SetConsentVerifier overrides the consent verification posture.
func (e *Engine) SetConsentVerifier(v ConsentVerifier) { e.verifier = v }

// CreateParams are the owner-supplied fields of a new delegation.
type CreateParams struct {
	SubjectActor        types.ActorRef
	Scopes              []string
	OperationAllowlist  []string
	ExpiresAt           time.Time
	SpendCapPerDayUSD   float64
	ConsentRequirements ConsentRequirements
}

// Create mints a new delegation from owner to subject and returns it together
// with its signed token.
func (e *Engine) Create(owner types.ActorRef, params CreateParams) (*Delegation, string, error) {
	if owner.IsZero() {
		return nil, "", coreerr.Validation("delegation requires an owner actor")
	}
	if params.SubjectActor.IsZero() {
		return nil, "", coreerr.Validation("delegation requires a subject actor")
	}
	if owner.Equal(params.SubjectActor) {
		return nil, "", coreerr.Validation("delegation owner and subject must differ")
	}
	if len(params.Scopes) == 0 {
		return nil, "", coreerr.Validation("delegation requires at least one scope")
	}
	if len(params.OperationAllowlist) == 0 {
		return nil, "", coreerr.Validation("delegation requires an operation allowlist")
	}
	now := e.nowFn()
	if !params.ExpiresAt.After(now) {
		return nil, "", coreerr.Validation("delegation expiry must be in the future")
	}
	if params.SpendCapPerDayUSD < 0 {
		return nil, "", coreerr.Validation("spend cap must not be negative")
	}
	d := &Delegation{
		DelegationID:        e.idFn(),
		OwnerActor:          owner,
		SubjectActor:        params.SubjectActor,
		Scopes:              append([]string(nil), params.Scopes...),
		OperationAllowlist:  append([]string(nil), params.OperationAllowlist...),
		ExpiresAt:           params.ExpiresAt.UTC(),
		SpendCapPerDayUSD:   params.SpendCapPerDayUSD,
		ConsentRequirements: params.ConsentRequirements,
		CreatedAt:           now.UTC(),
	}
	if err := e.state.DelegationPut(d); err != nil {
		return nil, "", err
	}
	token, err := MintToken(e.keys, d, now)
	if err != nil {
		return nil, "", err
	}
	e.emitter.Emit(events.New(events.TypeDelegationCreated, owner, d.DelegationID, map[string]interface{}{
		"delegation_id": d.DelegationID,
		"subject_actor": d.SubjectActor.Key(),
		"scopes":        d.Scopes,
	}))
	return d.Clone(), token, nil
}

// Revoke marks a delegation revoked. Only the owner may revoke.
func (e *Engine) Revoke(owner types.ActorRef, delegationID string) (*Delegation, error) {
	d, ok := e.state.DelegationGet(delegationID)
	if !ok {
		return nil, coreerr.NotFound("delegation %s not found", delegationID)
	}
	if !d.OwnerActor.Equal(owner) {
		return nil, coreerr.Forbidden("actor %s does not own delegation %s", owner.Key(), delegationID)
	}
	if d.Revoked {
		return d.Clone(), nil
	}
	updated := d.Clone()
	updated.Revoked = true
	if err := e.state.DelegationPut(updated); err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// Get returns a delegation visible to the actor (owner or subject).
func (e *Engine) Get(actor types.ActorRef, delegationID string) (*Delegation, error) {
	d, ok := e.state.DelegationGet(delegationID)
	if !ok {
		return nil, coreerr.NotFound("delegation %s not found", delegationID)
	}
	if !d.OwnerActor.Equal(actor) && !d.SubjectActor.Equal(actor) {
		return nil, coreerr.Forbidden("actor %s has no access to delegation %s", actor.Key(), delegationID)
	}
	return d.Clone(), nil
}

// List returns every delegation where the actor is owner or subject.
func (e *Engine) List(actor types.ActorRef) []*Delegation {
	var out []*Delegation
	for _, d := range e.state.DelegationList() {
		if d.OwnerActor.Equal(actor) || d.SubjectActor.Equal(actor) {
			out = append(out, d.Clone())
		}
	}
	return out
}

// AuthorizeInput is one delegated operation presented to the policy pipeline.
type AuthorizeInput struct {
	// TokenRaw is the bearer delegation token. When empty, DelegationID
	// selects the stored delegation directly (internal callers).
	TokenRaw     string
	DelegationID string

	Actor          types.ActorRef
	OperationID    string
	RequiredScopes []string
	Consent        *ConsentProof
	SpendUSD       float64
}

// Authorize runs the policy pipeline: token validity, revocation, expiry,
// scope intersection, operation allowlist, consent proof and daily spend cap.
// Every decision is appended to the audit log.
func (e *Engine) Authorize(input AuthorizeInput) (*Delegation, error) {
	now := e.nowFn()
	d, err := e.resolve(input, now)
	if err != nil {
		e.audit(input, DecisionDeny, err)
		return nil, err
	}
	if err := e.evaluate(d, input, now); err != nil {
		e.audit(input, DecisionDeny, err)
		return nil, err
	}
	if input.SpendUSD > 0 {
		day := now.UTC().Format("2006-01-02")
		if err := e.state.SpendAdd(d.DelegationID, day, input.SpendUSD); err != nil {
			e.audit(input, DecisionDeny, coreerr.Internal("record spend: %v", err))
			return nil, err
		}
	}
	if input.Consent != nil && input.Consent.Nonce != "" {
		if err := e.state.ConsentNonceMark(nonceKey(d.DelegationID, input.Consent.Nonce)); err != nil {
			return nil, err
		}
	}
	e.audit(input, DecisionAllow, nil)
	return d, nil
}

func (e *Engine) resolve(input AuthorizeInput, now time.Time) (*Delegation, error) {
	var fromToken *Delegation
	if input.TokenRaw != "" {
		parsed, err := ParseToken(e.keys, input.TokenRaw, now)
		if err != nil {
			return nil, err
		}
		fromToken = parsed
	}
	id := input.DelegationID
	if fromToken != nil {
		id = fromToken.DelegationID
	}
	if id == "" {
		return nil, coreerr.Validation("authorization requires a delegation token or id")
	}
	stored, ok := e.state.DelegationGet(id)
	if !ok {
		return nil, coreerr.NotFound("delegation %s not found", id)
	}
	// The store is authoritative for revocation and current limits; the
	// token only proves possession.
	return stored.Clone(), nil
}

func (e *Engine) evaluate(d *Delegation, input AuthorizeInput, now time.Time) error {
	if d.Revoked {
		return coreerr.Forbidden("delegation %s is revoked", d.DelegationID)
	}
	if !now.Before(d.ExpiresAt) {
		return coreerr.Expired("delegation %s expired at %s", d.DelegationID, d.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if !input.Actor.IsZero() && !d.SubjectActor.Equal(input.Actor) {
		return coreerr.Forbidden("delegation %s is not granted to actor %s", d.DelegationID, input.Actor.Key())
	}
	for _, scope := range input.RequiredScopes {
		if !d.HasScope(scope) {
			return coreerr.InsufficientScope("delegation %s lacks scope %s", d.DelegationID, scope)
		}
	}
	if !d.AllowsOperation(input.OperationID) {
		return coreerr.OperationNotPermitted("operation %s is not on the delegation allowlist", input.OperationID)
	}
	needsConsent := d.ConsentRequirements.RequireSignature || d.ConsentRequirements.RequireChallenge
	if needsConsent || input.Consent != nil {
		if err := e.verifier.Verify(d, input.Consent, input.OperationID, now); err != nil {
			return err
		}
		if input.Consent.Nonce == "" {
			return coreerr.Validation("consent proof requires a nonce")
		}
		if e.state.ConsentNonceSeen(nonceKey(d.DelegationID, input.Consent.Nonce)) {
			return coreerr.WithReason(
				coreerr.Forbidden("consent nonce already used"),
				coreerr.ReasonConsentProofReplay)
		}
	}
	if d.SpendCapPerDayUSD > 0 && input.SpendUSD > 0 {
		day := now.UTC().Format("2006-01-02")
		spent := e.state.SpendGet(d.DelegationID, day)
		if spent+input.SpendUSD > d.SpendCapPerDayUSD {
			return coreerr.WithReason(
				coreerr.OperationNotPermitted("spend %.2f USD would exceed the daily cap of %.2f USD", spent+input.SpendUSD, d.SpendCapPerDayUSD),
				coreerr.ReasonSpendCapExceeded)
		}
	}
	return nil
}

// Audit returns the full policy audit log in sequence order.
func (e *Engine) Audit() []*PolicyAuditEntry {
	entries := e.state.AuditList()
	out := make([]*PolicyAuditEntry, 0, len(entries))
	for _, entry := range entries {
		clone := *entry
		out = append(out, &clone)
	}
	return out
}

func (e *Engine) audit(input AuthorizeInput, decision string, cause error) {
	entry := &PolicyAuditEntry{
		AuditID:     "aud_" + uuid.NewString(),
		OccurredAt:  e.nowFn().UTC(),
		Actor:       input.Actor,
		OperationID: input.OperationID,
		Decision:    decision,
	}
	if cause != nil {
		if typed, ok := coreerr.As(cause); ok {
			entry.ReasonCode = typed.ReasonCode()
			entry.Details = map[string]interface{}{
				"code":    string(typed.Code),
				"message": typed.Message,
			}
		} else {
			entry.Details = map[string]interface{}{"message": cause.Error()}
		}
	}
	// Sequence numbers are assigned by the store on append.
	_ = e.state.AuditAppend(entry)
}

func nonceKey(delegationID, nonce string) string {
	return delegationID + "/" + nonce
}
