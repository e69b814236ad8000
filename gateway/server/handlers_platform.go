package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	coreerr "swapmesh/core/errors"
	"swapmesh/core/types"
	"swapmesh/export"
	"swapmesh/gateway/middleware"
	"swapmesh/native/delegation"
	"swapmesh/native/transparency"
)

type createDelegationRequest struct {
	SubjectActor        types.ActorRef                 `json:"subject_actor"`
	Scopes              []string                       `json:"scopes"`
	OperationAllowlist  []string                       `json:"operation_allowlist"`
	ExpiresAt           time.Time                      `json:"expires_at"`
	SpendCapPerDayUSD   float64                        `json:"spend_cap_per_day_usd"`
	ConsentRequirements delegation.ConsentRequirements `json:"consent_requirements"`
}

func (s *Server) handleDelegationCreate(w http.ResponseWriter, r *http.Request) {
	var req createDelegationRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	actor := s.actor(r)
	res, err := s.execute(r, "delegations.create", req, func() (interface{}, error) {
		d, token, err := s.node.Delegations.Create(actor, delegation.CreateParams{
			SubjectActor:        req.SubjectActor,
			Scopes:              req.Scopes,
			OperationAllowlist:  req.OperationAllowlist,
			ExpiresAt:           req.ExpiresAt,
			SpendCapPerDayUSD:   req.SpendCapPerDayUSD,
			ConsentRequirements: req.ConsentRequirements,
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"delegation": d, "token": token}, nil
	})
	s.respond(w, res, err, http.StatusCreated)
}

func (s *Server) handleDelegationRevoke(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	id := chi.URLParam(r, "id")
	res, err := s.execute(r, "delegations.revoke", map[string]string{"delegation_id": id}, func() (interface{}, error) {
		return s.node.Delegations.Revoke(actor, id)
	})
	s.respond(w, res, err, http.StatusOK)
}

func (s *Server) handleDelegationGet(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	id := chi.URLParam(r, "id")
	var out *delegation.Delegation
	err := s.node.Read(func() error {
		var err error
		out, err = s.node.Delegations.Get(actor, id)
		return err
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleDelegationList(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	var out []*delegation.Delegation
	_ = s.node.Read(func() error {
		out = s.node.Delegations.List(actor)
		return nil
	})
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"delegations": out})
}

type authorizeRequest struct {
	DelegationID   string                   `json:"delegation_id,omitempty"`
	OperationID    string                   `json:"operation_id"`
	RequiredScopes []string                 `json:"required_scopes,omitempty"`
	Consent        *delegation.ConsentProof `json:"consent,omitempty"`
	SpendUSD       float64                  `json:"spend_usd,omitempty"`
}

func (s *Server) handlePolicyAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	actor := s.actor(r)
	token := middleware.BearerToken(r.Context())
	res, err := s.execute(r, "policy.authorize", req, func() (interface{}, error) {
		d, err := s.node.Delegations.Authorize(delegation.AuthorizeInput{
			TokenRaw:       token,
			DelegationID:   req.DelegationID,
			Actor:          actor,
			OperationID:    req.OperationID,
			RequiredScopes: req.RequiredScopes,
			Consent:        req.Consent,
			SpendUSD:       req.SpendUSD,
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"decision":   delegation.DecisionAllow,
			"delegation": d,
		}, nil
	})
	s.respond(w, res, err, http.StatusOK)
}

func (s *Server) handlePolicyAudit(w http.ResponseWriter, r *http.Request) {
	var out []*delegation.PolicyAuditEntry
	_ = s.node.Read(func() error {
		out = s.node.Delegations.Audit()
		return nil
	})
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"audit": out})
}

func (s *Server) exportPage(r *http.Request) (export.PageParams, error) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		return export.PageParams{}, err
	}
	return export.PageParams{
		Cursor:           r.URL.Query().Get("cursor"),
		Limit:            limit,
		AttestationAfter: r.URL.Query().Get("attestation_after"),
	}, nil
}

// handleExport runs one signed export page. Exports mutate the attestation
// chain, so they go through Execute even though the verb is GET.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, operationID, stream string, gather func() ([]interface{}, map[string]interface{})) {
	params, err := s.exportPage(r)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	res, err := s.execute(r, operationID, map[string]interface{}{
		"stream": stream,
		"cursor": params.Cursor,
		"limit":  params.Limit,
	}, func() (interface{}, error) {
		entries, filters := gather()
		page, err := s.node.Exporter.Build(stream, entries, filters, params)
		if err != nil {
			return nil, err
		}
		s.metrics.ObserveExportPage(stream)
		return page, nil
	})
	s.respond(w, res, err, http.StatusOK)
}

func (s *Server) handleExportReceipts(w http.ResponseWriter, r *http.Request) {
	finalState := r.URL.Query().Get("final_state")
	s.handleExport(w, r, "exports.receipts", export.StreamReceipts, func() ([]interface{}, map[string]interface{}) {
		filters := map[string]interface{}{}
		if finalState != "" {
			filters["final_state"] = finalState
		}
		var entries []interface{}
		for _, receipt := range s.node.State().ReceiptList() {
			if finalState != "" && string(receipt.FinalState) != finalState {
				continue
			}
			entries = append(entries, receipt)
		}
		return entries, filters
	})
}

func (s *Server) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	decision := r.URL.Query().Get("decision")
	s.handleExport(w, r, "exports.audit", export.StreamPolicyAudit, func() ([]interface{}, map[string]interface{}) {
		filters := map[string]interface{}{}
		if decision != "" {
			filters["decision"] = decision
		}
		var entries []interface{}
		for _, entry := range s.node.State().AuditList() {
			if decision != "" && entry.Decision != decision {
				continue
			}
			entries = append(entries, entry)
		}
		return entries, filters
	})
}

func (s *Server) handleExportOutbox(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("type")
	s.handleExport(w, r, "exports.outbox", export.StreamOutbox, func() ([]interface{}, map[string]interface{}) {
		filters := map[string]interface{}{}
		if eventType != "" {
			filters["type"] = eventType
		}
		var entries []interface{}
		for _, entry := range s.node.State().OutboxSince(0) {
			if eventType != "" && entry.Envelope.Type != eventType {
				continue
			}
			entries = append(entries, entry)
		}
		return entries, filters
	})
}

func (s *Server) handleExportAttestations(w http.ResponseWriter, r *http.Request) {
	stream := chi.URLParam(r, "stream")
	var out []*export.Attestation
	_ = s.node.Read(func() error {
		out = s.node.Exporter.Attestations(stream)
		return nil
	})
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"attestations": out})
}

type publishRequest struct {
	SourceType string            `json:"source_type"`
	Entries    []json.RawMessage `json:"entries"`
}

func (s *Server) handleTransparencyPublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	entries := make([]interface{}, 0, len(req.Entries))
	for _, raw := range req.Entries {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			middleware.WriteError(w, coreerr.Validation("invalid publication entry: %v", err))
			return
		}
		entries = append(entries, v)
	}
	actor := s.actor(r)
	res, err := s.execute(r, "transparency.publish", req, func() (interface{}, error) {
		return s.node.Transparency.Append(actor, req.SourceType, entries)
	})
	s.respond(w, res, err, http.StatusCreated)
}

func (s *Server) handleTransparencyList(w http.ResponseWriter, r *http.Request) {
	sourceType := r.URL.Query().Get("source_type")
	var out []*transparency.Publication
	_ = s.node.Read(func() error {
		out = s.node.Transparency.List(sourceType)
		return nil
	})
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"publications": out})
}

func (s *Server) handleTransparencyGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var out *transparency.Publication
	err := s.node.Read(func() error {
		var err error
		out, err = s.node.Transparency.Get(id)
		return err
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleTransparencyProve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	index, err := queryInt(r, "entry_index", 0)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	var out interface{}
	err = s.node.Read(func() error {
		proof, err := s.node.Transparency.Prove(id, index)
		if err != nil {
			return err
		}
		out = proof
		return nil
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleTransparencyVerify(w http.ResponseWriter, r *http.Request) {
	sourceType := r.URL.Query().Get("source_type")
	err := s.node.Read(func() error {
		return s.node.Transparency.VerifyChain(sourceType)
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"source_type": sourceType, "ok": true})
}

func (s *Server) handleEventsList(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	entries := s.node.Outbox(uint64(after))
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"events": entries})
}

type ackRequest struct {
	Consumer string `json:"consumer"`
	Sequence uint64 `json:"sequence"`
}

func (s *Server) handleEventsAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.Consumer == "" {
		middleware.WriteError(w, coreerr.Validation("consumer is required"))
		return
	}
	res, err := s.execute(r, "events.ack", req, func() (interface{}, error) {
		if err := s.node.State().ConsumerCheckpointPut(req.Consumer, req.Sequence); err != nil {
			return nil, err
		}
		return map[string]interface{}{"consumer": req.Consumer, "sequence": req.Sequence}, nil
	})
	s.respond(w, res, err, http.StatusOK)
}
