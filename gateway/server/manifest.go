package server

import "net/http"

// Scope names accepted in X-Auth-Scopes.
const (
	ScopeIntentsRead      = "intents:read"
	ScopeIntentsWrite     = "intents:write"
	ScopeMatchingRun      = "matching:run"
	ScopeMatchingRead     = "matching:read"
	ScopeCommitsWrite     = "commits:write"
	ScopeSettlementWrite  = "settlement:write"
	ScopeSettlementRead   = "settlement:read"
	ScopeVaultWrite       = "vault:write"
	ScopeVaultRead        = "vault:read"
	ScopeDelegationsWrite = "delegations:write"
	ScopeDelegationsRead  = "delegations:read"
	ScopePolicyAuthorize  = "policy:authorize"
	ScopeExportsRead      = "exports:read"
	ScopeTransparencyRead = "transparency:read"
	ScopeEventsRead       = "events:read"
	ScopeOperator         = "operator"
)

// Operation describes one routable operation: its verb, path, rate group,
// required scopes and whether writes must carry an Idempotency-Key.
type Operation struct {
	ID                  string
	Method              string
	Path                string
	Group               string
	Scopes              []string
	RequireAuth         bool
	IdempotencyRequired bool
}

var manifest = []Operation{
	{ID: "intents.create", Method: http.MethodPost, Path: "/v1/intents", Group: "intents", Scopes: []string{ScopeIntentsWrite}, RequireAuth: true, IdempotencyRequired: true},
	{ID: "intents.update", Method: http.MethodPatch, Path: "/v1/intents/{id}", Group: "intents", Scopes: []string{ScopeIntentsWrite}, RequireAuth: true, IdempotencyRequired: true},
	{ID: "intents.cancel", Method: http.MethodPost, Path: "/v1/intents/{id}/cancel", Group: "intents", Scopes: []string{ScopeIntentsWrite}, RequireAuth: true, IdempotencyRequired: true},
	{ID: "intents.get", Method: http.MethodGet, Path: "/v1/intents/{id}", Group: "intents", Scopes: []string{ScopeIntentsRead}, RequireAuth: true},
	{ID: "intents.list", Method: http.MethodGet, Path: "/v1/intents", Group: "intents", Scopes: []string{ScopeIntentsRead}, RequireAuth: true},

	{ID: "matching.run", Method: http.MethodPost, Path: "/v1/matching/run", Group: "matching", Scopes: []string{ScopeMatchingRun}, RequireAuth: true, IdempotencyRequired: true},
	{ID: "matching.run.get", Method: http.MethodGet, Path: "/v1/matching/runs/{id}", Group: "matching", Scopes: []string{ScopeMatchingRead}, RequireAuth: true},
	{ID: "matching.rollback", Method: http.MethodGet, Path: "/v1/matching/rollback", Group: "matching", Scopes: []string{ScopeMatchingRead}, RequireAuth: true},
	{ID: "proposals.get", Method: http.MethodGet, Path: "/v1/proposals/{id}", Group: "matching", Scopes: []string{ScopeMatchingRead}, RequireAuth: true},
	{ID: "proposals.list", Method: http.MethodGet, Path: "/v1/proposals", Group: "matching", Scopes: []string{ScopeMatchingRead}, RequireAuth: true},

	{ID: "commits.accept", Method: http.MethodPost, Path: "/v1/proposals/{id}/accept", Group: "commits", Scopes: []string{ScopeCommitsWrite}, RequireAuth: true, IdempotencyRequired: true},
	{ID: "commits.decline", Method: http.MethodPost, Path: "/v1/proposals/{id}/decline", Group: "commits", Scopes: []string{ScopeCommitsWrite}, RequireAuth: true, IdempotencyRequired: true},
	{ID: "commits.get", Method: http.MethodGet, Path: "/v1/proposals/{id}/commit", Group: "commits", Scopes: []string{ScopeMatchingRead}, RequireAuth: true},
	{ID: "commits.expire", Method: http.MethodPost, Path: "/v1/commits/expire", Group: "admin", Scopes: []string{ScopeOperator}, RequireAuth: true},

	{ID: "settlement.start", Method: http.MethodPost, Path: "/v1/cycles/{id}/start", Group: "settlement", Scopes: []string{ScopeSettlementWrite}, RequireAuth: true, IdempotencyRequired: true},
	{ID: "settlement.deposit", Method: http.MethodPost, Path: "/v1/cycles/{id}/deposit", Group: "settlement", Scopes: []string{ScopeSettlementWrite}, RequireAuth: true, IdempotencyRequired: true},
	{ID: "settlement.execute", Method: http.MethodPost, Path: "/v1/cycles/{id}/execute", Group: "settlement", Scopes: []string{ScopeSettlementWrite}, RequireAuth: true, IdempotencyRequired: true},
	{ID: "settlement.complete", Method: http.MethodPost, Path: "/v1/cycles/{id}/complete", Group: "settlement", Scopes: []string{ScopeSettlementWrite}, RequireAuth: true, IdempotencyRequired: true},
	{ID: "settlement.fail", Method: http.MethodPost, Path: "/v1/cycles/{id}/fail", Group: "settlement", Scopes: []string{ScopeSettlementWrite}, RequireAuth: true, IdempotencyRequired: true},
	{ID: "settlement.expire", Method: http.MethodPost, Path: "/v1/cycles/expire", Group: "admin", Scopes: []string{ScopeOperator}, RequireAuth: true},
	{ID: "settlement.timeline", Method: http.MethodGet, Path: "/v1/cycles/{id}", Group: "settlement", Scopes: []string{ScopeSettlementRead}, RequireAuth: true},
	{ID: "settlement.receipt", Method: http.MethodGet, Path: "/v1/cycles/{id}/receipt", Group: "settlement", Scopes: []string{ScopeSettlementRead}, RequireAuth: true},

	{ID: "vault.deposit", Method: http.MethodPost, Path: "/v1/vault/holdings", Group: "vault", Scopes: []string{ScopeVaultWrite}, RequireAuth: true, IdempotencyRequired: true},
	{ID: "vault.reserve", Method: http.MethodPost, Path: "/v1/vault/holdings/{id}/reserve", Group: "vault", Scopes: []string{ScopeVaultWrite}, RequireAuth: true, IdempotencyRequired: true},
	{ID: "vault.release", Method: http.MethodPost, Path: "/v1/vault/holdings/{id}/release", Group: "vault", Scopes: []string{ScopeVaultWrite}, RequireAuth: true, IdempotencyRequired: true},
	{ID: "vault.withdraw", Method: http.MethodPost, Path: "/v1/vault/holdings/{id}/withdraw", Group: "vault", Scopes: []string{ScopeVaultWrite}, RequireAuth: true, IdempotencyRequired: true},
	{ID: "vault.list", Method: http.MethodGet, Path: "/v1/vault/holdings", Group: "vault", Scopes: []string{ScopeVaultRead}, RequireAuth: true},

	{ID: "delegations.create", Method: http.MethodPost, Path: "/v1/delegations", Group: "delegations", Scopes: []string{ScopeDelegationsWrite}, RequireAuth: true, IdempotencyRequired: true},
	{ID: "delegations.revoke", Method: http.MethodPost, Path: "/v1/delegations/{id}/revoke", Group: "delegations", Scopes: []string{ScopeDelegationsWrite}, RequireAuth: true, IdempotencyRequired: true},
	{ID: "delegations.get", Method: http.MethodGet, Path: "/v1/delegations/{id}", Group: "delegations", Scopes: []string{ScopeDelegationsRead}, RequireAuth: true},
	{ID: "delegations.list", Method: http.MethodGet, Path: "/v1/delegations", Group: "delegations", Scopes: []string{ScopeDelegationsRead}, RequireAuth: true},
	{ID: "policy.authorize", Method: http.MethodPost, Path: "/v1/policy/authorize", Group: "delegations", Scopes: []string{ScopePolicyAuthorize}, RequireAuth: true, IdempotencyRequired: true},
	{ID: "policy.audit", Method: http.MethodGet, Path: "/v1/policy/audit", Group: "delegations", Scopes: []string{ScopeOperator}, RequireAuth: true},

	{ID: "exports.receipts", Method: http.MethodGet, Path: "/v1/exports/receipts", Group: "exports", Scopes: []string{ScopeExportsRead}, RequireAuth: true},
	{ID: "exports.audit", Method: http.MethodGet, Path: "/v1/exports/audit", Group: "exports", Scopes: []string{ScopeExportsRead, ScopeOperator}, RequireAuth: true},
	{ID: "exports.outbox", Method: http.MethodGet, Path: "/v1/exports/outbox", Group: "exports", Scopes: []string{ScopeExportsRead, ScopeOperator}, RequireAuth: true},
	{ID: "exports.attestations", Method: http.MethodGet, Path: "/v1/exports/attestations/{stream}", Group: "exports", Scopes: []string{ScopeExportsRead}, RequireAuth: true},

	{ID: "transparency.publish", Method: http.MethodPost, Path: "/v1/transparency/publications", Group: "transparency", Scopes: []string{ScopeOperator}, RequireAuth: true, IdempotencyRequired: true},
	{ID: "transparency.list", Method: http.MethodGet, Path: "/v1/transparency/publications", Group: "transparency", Scopes: []string{ScopeTransparencyRead}, RequireAuth: true},
	{ID: "transparency.get", Method: http.MethodGet, Path: "/v1/transparency/publications/{id}", Group: "transparency", Scopes: []string{ScopeTransparencyRead}, RequireAuth: true},
	{ID: "transparency.prove", Method: http.MethodGet, Path: "/v1/transparency/publications/{id}/proof", Group: "transparency", Scopes: []string{ScopeTransparencyRead}, RequireAuth: true},
	{ID: "transparency.verify", Method: http.MethodGet, Path: "/v1/transparency/verify", Group: "transparency", Scopes: []string{ScopeTransparencyRead}, RequireAuth: true},

	{ID: "events.list", Method: http.MethodGet, Path: "/v1/events", Group: "events", Scopes: []string{ScopeEventsRead}, RequireAuth: true},
	{ID: "events.ack", Method: http.MethodPost, Path: "/v1/events/ack", Group: "events", Scopes: []string{ScopeEventsRead}, RequireAuth: true},
}

var manifestByID = func() map[string]Operation {
	out := make(map[string]Operation, len(manifest))
	for _, op := range manifest {
		out[op.ID] = op
	}
	return out
}()

// Manifest lists every routable operation.
func Manifest() []Operation {
	out := make([]Operation, len(manifest))
	copy(out, manifest)
	return out
}

// ManifestOperation looks up one operation by id.
func ManifestOperation(id string) (Operation, bool) {
	op, ok := manifestByID[id]
	return op, ok
}
