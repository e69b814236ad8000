package types

import (
	"fmt"
	"strings"
)

// Actor types recognised by the runtime.
const (
	ActorUser    = "user"
	ActorPartner = "partner"
	ActorAgent   = "agent"
)

// ActorRef identifies a caller or owner. It carries identity only; ownership
// is always expressed structurally by the entity holding the reference.
type ActorRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Key returns the stable "type:id" form used in ledger and audit keys.
func (a ActorRef) Key() string {
	return a.Type + ":" + a.ID
}

// Equal reports whether two references name the same actor.
func (a ActorRef) Equal(other ActorRef) bool {
	return a.Type == other.Type && a.ID == other.ID
}

// IsZero reports whether the reference is unset.
func (a ActorRef) IsZero() bool {
	return a.Type == "" && a.ID == ""
}

// ParseActor validates an actor reference from its wire components.
func ParseActor(actorType, actorID string) (ActorRef, error) {
	actorType = strings.TrimSpace(strings.ToLower(actorType))
	actorID = strings.TrimSpace(actorID)
	switch actorType {
	case ActorUser, ActorPartner, ActorAgent:
	default:
		return ActorRef{}, fmt.Errorf("unknown actor type %q", actorType)
	}
	if actorID == "" {
		return ActorRef{}, fmt.Errorf("actor id must not be empty")
	}
	return ActorRef{Type: actorType, ID: actorID}, nil
}
