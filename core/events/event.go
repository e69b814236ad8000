// Package events defines the envelope appended to the outbox by every
// state-changing write, together with the emitter plumbing engines use to
// stay decoupled from the outbox itself.
package events

import (
	"time"

	"swapmesh/canonical"
	"swapmesh/core/types"
)

// Enumerated envelope types.
const (
	TypeIntentCreated             = "intent.created"
	TypeIntentUpdated             = "intent.updated"
	TypeIntentCancelled           = "intent.cancelled"
	TypeIntentReserved            = "intent.reserved"
	TypeIntentUnreserved          = "intent.unreserved"
	TypeProposalCreated           = "proposal.created"
	TypeProposalCommitted         = "proposal.committed"
	TypeProposalDeclined          = "proposal.declined"
	TypeProposalExpired           = "proposal.expired"
	TypeCycleStateChanged         = "cycle.state_changed"
	TypeSettlementDepositRequired = "settlement.deposit_required"
	TypeSettlementDepositConfirm  = "settlement.deposit_confirmed"
	TypeSettlementExecuting       = "settlement.executing"
	TypeReceiptCreated            = "receipt.created"
	TypeHoldingUpdated            = "vault.holding_updated"
	TypeDelegationCreated         = "delegation.created"
	TypePublicationAppended       = "transparency.publication_appended"
)

// Envelope is the schema-validated record appended to the outbox.
type Envelope struct {
	EventID       string                 `json:"event_id"`
	Type          string                 `json:"type"`
	OccurredAt    time.Time              `json:"occurred_at"`
	Actor         types.ActorRef         `json:"actor"`
	CorrelationID string                 `json:"correlation_id"`
	Payload       map[string]interface{} `json:"payload"`
}

// New builds an envelope with a deterministic event id derived from the
// logical effect, so replaying a write appends the same id and the outbox
// dedupe keeps exactly one copy.
func New(eventType string, actor types.ActorRef, correlationID string, payload map[string]interface{}) Envelope {
	id, err := canonical.HashHex(map[string]interface{}{
		"type":           eventType,
		"correlation_id": correlationID,
		"payload":        payload,
	})
	if err != nil {
		// The payload is always built from JSON-representable values;
		// a failure here indicates a programming error upstream.
		id = "unhashable"
	}
	return Envelope{
		EventID:       "evt_" + id[:32],
		Type:          eventType,
		Actor:         actor,
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// Emitter broadcasts envelopes to the outbox and any downstream subscribers.
type Emitter interface {
	Emit(Envelope)
}

// NoopEmitter satisfies Emitter while discarding all envelopes. Engines use
// it as the default so emission is always optional.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Envelope) {}

// Collector buffers envelopes emitted during a single write critical section
// so the node can append them to the outbox atomically with the state save.
type Collector struct {
	envelopes []Envelope
}

// Emit implements Emitter.
func (c *Collector) Emit(e Envelope) {
	c.envelopes = append(c.envelopes, e)
}

// Drain returns and clears the buffered envelopes.
func (c *Collector) Drain() []Envelope {
	out := c.envelopes
	c.envelopes = nil
	return out
}
