package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	coreerr "swapmesh/core/errors"
	"swapmesh/gateway/middleware"
	"swapmesh/native/delegation"
	"swapmesh/native/intent"
	"swapmesh/native/matching"
)

func (s *Server) handlerFor(id string) http.HandlerFunc {
	switch id {
	case "intents.create":
		return s.handleIntentCreate
	case "intents.update":
		return s.handleIntentUpdate
	case "intents.cancel":
		return s.handleIntentCancel
	case "intents.get":
		return s.handleIntentGet
	case "intents.list":
		return s.handleIntentList
	case "matching.run":
		return s.handleMatchingRun
	case "matching.run.get":
		return s.handleMatchingRunGet
	case "matching.rollback":
		return s.handleMatchingRollback
	case "proposals.get":
		return s.handleProposalGet
	case "proposals.list":
		return s.handleProposalList
	case "commits.accept":
		return s.handleCommitAccept
	case "commits.decline":
		return s.handleCommitDecline
	case "commits.get":
		return s.handleCommitGet
	case "commits.expire":
		return s.handleCommitExpire
	case "settlement.start":
		return s.handleSettlementStart
	case "settlement.deposit":
		return s.handleSettlementDeposit
	case "settlement.execute":
		return s.handleSettlementExecute
	case "settlement.complete":
		return s.handleSettlementComplete
	case "settlement.fail":
		return s.handleSettlementFail
	case "settlement.expire":
		return s.handleSettlementExpire
	case "settlement.timeline":
		return s.handleSettlementTimeline
	case "settlement.receipt":
		return s.handleSettlementReceipt
	case "vault.deposit":
		return s.handleVaultDeposit
	case "vault.reserve":
		return s.handleVaultReserve
	case "vault.release":
		return s.handleVaultRelease
	case "vault.withdraw":
		return s.handleVaultWithdraw
	case "vault.list":
		return s.handleVaultList
	case "delegations.create":
		return s.handleDelegationCreate
	case "delegations.revoke":
		return s.handleDelegationRevoke
	case "delegations.get":
		return s.handleDelegationGet
	case "delegations.list":
		return s.handleDelegationList
	case "policy.authorize":
		return s.handlePolicyAuthorize
	case "policy.audit":
		return s.handlePolicyAudit
	case "exports.receipts":
		return s.handleExportReceipts
	case "exports.audit":
		return s.handleExportAudit
	case "exports.outbox":
		return s.handleExportOutbox
	case "exports.attestations":
		return s.handleExportAttestations
	case "transparency.publish":
		return s.handleTransparencyPublish
	case "transparency.list":
		return s.handleTransparencyList
	case "transparency.get":
		return s.handleTransparencyGet
	case "transparency.prove":
		return s.handleTransparencyProve
	case "transparency.verify":
		return s.handleTransparencyVerify
	case "events.list":
		return s.handleEventsList
	case "events.ack":
		return s.handleEventsAck
	}
	return nil
}

type createIntentRequest struct {
	Offer                 []intent.AssetRef            `json:"offer"`
	WantSpec              []intent.WantPredicate       `json:"want_spec"`
	ValueBand             intent.ValueBand             `json:"value_band"`
	TrustConstraints      intent.TrustConstraints      `json:"trust_constraints"`
	TimeConstraints       intent.TimeConstraints       `json:"time_constraints"`
	SettlementPreferences intent.SettlementPreferences `json:"settlement_preferences"`
	PartnerID             string                       `json:"partner_id"`
}

func (s *Server) handleIntentCreate(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	actor := s.actor(r)
	res, err := s.execute(r, "intents.create", req, func() (interface{}, error) {
		return s.node.Intents.Create(actor, intent.CreateParams{
			Offer:                 req.Offer,
			WantSpec:              req.WantSpec,
			ValueBand:             req.ValueBand,
			TrustConstraints:      req.TrustConstraints,
			TimeConstraints:       req.TimeConstraints,
			SettlementPreferences: req.SettlementPreferences,
			PartnerID:             req.PartnerID,
		})
	})
	s.respond(w, res, err, http.StatusCreated)
}

type updateIntentRequest struct {
	WantSpec        []intent.WantPredicate  `json:"want_spec,omitempty"`
	ValueBand       *intent.ValueBand       `json:"value_band,omitempty"`
	TimeConstraints *intent.TimeConstraints `json:"time_constraints,omitempty"`
}

func (s *Server) handleIntentUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateIntentRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	actor := s.actor(r)
	id := chi.URLParam(r, "id")
	res, err := s.execute(r, "intents.update", req, func() (interface{}, error) {
		return s.node.Intents.Update(actor, id, intent.UpdateParams{
			WantSpec:        req.WantSpec,
			ValueBand:       req.ValueBand,
			TimeConstraints: req.TimeConstraints,
		})
	})
	s.respond(w, res, err, http.StatusOK)
}

type cancelIntentRequest struct {
	Consent  *delegation.ConsentProof `json:"consent,omitempty"`
	SpendUSD float64                  `json:"spend_usd,omitempty"`
}

func (s *Server) handleIntentCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelIntentRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	actor := s.actor(r)
	id := chi.URLParam(r, "id")
	token := middleware.BearerToken(r.Context())
	payload := map[string]interface{}{"id": id, "consent": req.Consent}
	res, err := s.execute(r, "intents.cancel", payload, func() (interface{}, error) {
		onBehalfOf := actor
		if token != "" {
			// Delegated cancel: the policy pipeline checks scope,
			// allowlist, consent and spend cap, then the cancel runs
			// as the delegation owner.
			d, err := s.node.Delegations.Authorize(delegation.AuthorizeInput{
				TokenRaw:       token,
				Actor:          actor,
				OperationID:    "intents.cancel",
				RequiredScopes: []string{ScopeIntentsWrite},
				Consent:        req.Consent,
				SpendUSD:       req.SpendUSD,
			})
			if err != nil {
				return nil, err
			}
			onBehalfOf = d.OwnerActor
		}
		return s.node.Intents.Cancel(onBehalfOf, id)
	})
	s.respond(w, res, err, http.StatusOK)
}

func (s *Server) handleIntentGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var out *intent.Intent
	err := s.node.Read(func() error {
		var err error
		out, err = s.node.Intents.Get(id)
		return err
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleIntentList(w http.ResponseWriter, r *http.Request) {
	filter := intent.ListFilter{
		Status:    intent.Status(r.URL.Query().Get("status")),
		PartnerID: r.URL.Query().Get("partner_id"),
	}
	if r.URL.Query().Get("mine") == "true" {
		actor := s.actor(r)
		filter.Actor = &actor
	}
	var out []*intent.Intent
	_ = s.node.Read(func() error {
		out = s.node.Intents.List(filter)
		return nil
	})
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"intents": out})
}

type matchingRunRequest struct {
	PartnerID          string `json:"partner_id"`
	MaxProposals       int    `json:"max_proposals"`
	MaxCycleLength     int    `json:"max_cycle_length"`
	ReplaceExisting    bool   `json:"replace_existing"`
	ProposalTTLSeconds int    `json:"proposal_ttl_seconds"`
}

func (s *Server) handleMatchingRun(w http.ResponseWriter, r *http.Request) {
	var req matchingRunRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	actor := s.actor(r)
	res, err := s.execute(r, "matching.run", req, func() (interface{}, error) {
		run, proposals, err := s.node.Matching.Run(actor, matching.RunParams{
			PartnerID:       req.PartnerID,
			MaxProposals:    req.MaxProposals,
			MaxCycleLength:  req.MaxCycleLength,
			ReplaceExisting: req.ReplaceExisting,
			ProposalTTL:     time.Duration(req.ProposalTTLSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"run": run, "proposals": proposals}, nil
	})
	s.respond(w, res, err, http.StatusCreated)
}

func (s *Server) handleMatchingRunGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var out *matching.Run
	err := s.node.Read(func() error {
		var err error
		out, err = s.node.Matching.GetRun(id)
		return err
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleMatchingRollback(w http.ResponseWriter, r *http.Request) {
	var out matching.Rollback
	_ = s.node.Read(func() error {
		out = s.node.Matching.RollbackState()
		return nil
	})
	middleware.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleProposalGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var out *matching.Proposal
	err := s.node.Read(func() error {
		var err error
		out, err = s.node.Matching.GetProposal(id)
		return err
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleProposalList(w http.ResponseWriter, r *http.Request) {
	partnerID := r.URL.Query().Get("partner_id")
	liveOnly := r.URL.Query().Get("live") == "true"
	var out []*matching.Proposal
	_ = s.node.Read(func() error {
		out = s.node.Matching.ListProposals(partnerID, liveOnly)
		return nil
	})
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"proposals": out})
}

func (s *Server) handleCommitAccept(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	id := chi.URLParam(r, "id")
	res, err := s.execute(r, "commits.accept", map[string]string{"proposal_id": id}, func() (interface{}, error) {
		return s.node.Commitments.Accept(actor, id)
	})
	s.respond(w, res, err, http.StatusOK)
}

func (s *Server) handleCommitDecline(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	id := chi.URLParam(r, "id")
	res, err := s.execute(r, "commits.decline", map[string]string{"proposal_id": id}, func() (interface{}, error) {
		return s.node.Commitments.Decline(actor, id)
	})
	s.respond(w, res, err, http.StatusOK)
}

func (s *Server) handleCommitGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var out interface{}
	err := s.node.Read(func() error {
		var err error
		out, err = s.node.Commitments.Get(id)
		return err
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleCommitExpire(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	now := s.now(r)
	res, err := s.execute(r, "commits.expire", map[string]string{"now": now.Format(time.RFC3339Nano)}, func() (interface{}, error) {
		expired := s.node.Commitments.ExpireAcceptPhase(actor, now)
		return map[string]int{"expired": expired}, nil
	})
	s.respond(w, res, err, http.StatusOK)
}

type settlementStartRequest struct {
	DepositDeadlineAt time.Time `json:"deposit_deadline_at"`
}

func (s *Server) handleSettlementStart(w http.ResponseWriter, r *http.Request) {
	var req settlementStartRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	actor := s.actor(r)
	id := chi.URLParam(r, "id")
	res, err := s.execute(r, "settlement.start", req, func() (interface{}, error) {
		return s.node.Settlement.Start(actor, id, req.DepositDeadlineAt)
	})
	s.respond(w, res, err, http.StatusCreated)
}

type settlementDepositRequest struct {
	DepositRef string `json:"deposit_ref"`
}

func (s *Server) handleSettlementDeposit(w http.ResponseWriter, r *http.Request) {
	var req settlementDepositRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	actor := s.actor(r)
	id := chi.URLParam(r, "id")
	res, err := s.execute(r, "settlement.deposit", req, func() (interface{}, error) {
		return s.node.Settlement.ConfirmDeposit(actor, id, req.DepositRef)
	})
	s.respond(w, res, err, http.StatusOK)
}

func (s *Server) handleSettlementExecute(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	id := chi.URLParam(r, "id")
	res, err := s.execute(r, "settlement.execute", map[string]string{"cycle_id": id}, func() (interface{}, error) {
		return s.node.Settlement.BeginExecution(actor, id)
	})
	s.respond(w, res, err, http.StatusOK)
}

func (s *Server) handleSettlementComplete(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	id := chi.URLParam(r, "id")
	res, err := s.execute(r, "settlement.complete", map[string]string{"cycle_id": id}, func() (interface{}, error) {
		return s.node.Settlement.Complete(actor, id)
	})
	s.respond(w, res, err, http.StatusOK)
}

type settlementFailRequest struct {
	ReasonCode string `json:"reason_code"`
}

func (s *Server) handleSettlementFail(w http.ResponseWriter, r *http.Request) {
	var req settlementFailRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	actor := s.actor(r)
	id := chi.URLParam(r, "id")
	res, err := s.execute(r, "settlement.fail", req, func() (interface{}, error) {
		return s.node.Settlement.Fail(actor, id, req.ReasonCode)
	})
	s.respond(w, res, err, http.StatusOK)
}

func (s *Server) handleSettlementExpire(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	now := s.now(r)
	res, err := s.execute(r, "settlement.expire", map[string]string{"now": now.Format(time.RFC3339Nano)}, func() (interface{}, error) {
		expired := s.node.Settlement.ExpireDepositWindow(actor, now)
		return map[string]int{"expired": expired}, nil
	})
	s.respond(w, res, err, http.StatusOK)
}

func (s *Server) handleSettlementTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var out interface{}
	err := s.node.Read(func() error {
		var err error
		out, err = s.node.Settlement.GetTimeline(id)
		return err
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleSettlementReceipt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var out interface{}
	err := s.node.Read(func() error {
		var err error
		out, err = s.node.Settlement.GetReceipt(id)
		return err
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

type vaultDepositRequest struct {
	Asset intent.AssetRef `json:"asset"`
}

func (s *Server) handleVaultDeposit(w http.ResponseWriter, r *http.Request) {
	var req vaultDepositRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	actor := s.actor(r)
	res, err := s.execute(r, "vault.deposit", req, func() (interface{}, error) {
		return s.node.Vault.Deposit(actor, req.Asset)
	})
	s.respond(w, res, err, http.StatusCreated)
}

type vaultReserveRequest struct {
	ReservationID string `json:"reservation_id"`
}

func (s *Server) handleVaultReserve(w http.ResponseWriter, r *http.Request) {
	var req vaultReserveRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	actor := s.actor(r)
	id := chi.URLParam(r, "id")
	res, err := s.execute(r, "vault.reserve", req, func() (interface{}, error) {
		return s.node.Vault.Reserve(actor, id, req.ReservationID)
	})
	s.respond(w, res, err, http.StatusOK)
}

func (s *Server) handleVaultRelease(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	id := chi.URLParam(r, "id")
	res, err := s.execute(r, "vault.release", map[string]string{"holding_id": id}, func() (interface{}, error) {
		return s.node.Vault.Release(actor, id)
	})
	s.respond(w, res, err, http.StatusOK)
}

func (s *Server) handleVaultWithdraw(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	id := chi.URLParam(r, "id")
	res, err := s.execute(r, "vault.withdraw", map[string]string{"holding_id": id}, func() (interface{}, error) {
		return s.node.Vault.Withdraw(actor, id)
	})
	s.respond(w, res, err, http.StatusOK)
}

func (s *Server) handleVaultList(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	var out interface{}
	_ = s.node.Read(func() error {
		out = s.node.Vault.List(actor)
		return nil
	})
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"holdings": out})
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, coreerr.Validation("query parameter %s must be an integer", name)
	}
	return v, nil
}
