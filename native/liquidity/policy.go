package liquidity

import coreerr "swapmesh/core/errors"

// ExecutionPolicy gates which holdings a persona may commit to execution.
type ExecutionPolicy struct {
	MaxValueUSD          float64  `json:"max_value_usd" yaml:"max_value_usd"`
	AllowedTrustTiers    []string `json:"allowed_trust_tiers" yaml:"allowed_trust_tiers"`
	RequireActivePersona bool     `json:"require_active_persona" yaml:"require_active_persona"`
}

// Evaluate returns nil when the persona may execute against the holding.
func (p ExecutionPolicy) Evaluate(persona *Persona, holding Holding) error {
	if persona == nil {
		return coreerr.NotFound("persona not found")
	}
	if p.RequireActivePersona && !persona.Active {
		return coreerr.OperationNotPermitted("persona %s is inactive", persona.PersonaID)
	}
	if len(p.AllowedTrustTiers) > 0 {
		allowed := false
		for _, tier := range p.AllowedTrustTiers {
			if tier == persona.TrustTier {
				allowed = true
				break
			}
		}
		if !allowed {
			return coreerr.OperationNotPermitted(
				"trust tier %s is not allowed to execute", persona.TrustTier)
		}
	}
	if p.MaxValueUSD > 0 && holding.ValueUSD > p.MaxValueUSD {
		return coreerr.OperationNotPermitted(
			"holding value %.2f exceeds execution cap %.2f", holding.ValueUSD, p.MaxValueUSD)
	}
	if !holding.Available {
		return coreerr.Conflict("holding %s is not available", holding.AssetKey)
	}
	return nil
}
