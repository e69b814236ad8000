// Package server exposes liquidityd's provider, snapshot and reservation
// operations over HTTP.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	coreerr "swapmesh/core/errors"
	"swapmesh/gateway/middleware"
	"swapmesh/native/liquidity"
	"swapmesh/services/liquidityd/store"
)

// Server routes liquidity operations into the store.
type Server struct {
	store  *store.Store
	policy liquidity.ExecutionPolicy
	log    *slog.Logger
}

// New builds a server.
func New(st *store.Store, policy liquidity.ExecutionPolicy, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{store: st, policy: policy, log: log}
}

// Router assembles the service's routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/v1/providers", s.handleUpsertProvider)
	r.Post("/v1/personas", s.handleUpsertPersona)
	r.Post("/v1/snapshots", s.handleRecordSnapshot)
	r.Get("/v1/snapshots/{id}", s.handleGetSnapshot)
	r.Get("/v1/snapshots/{id}/proof", s.handleProve)
	r.Post("/v1/reservations/reserve", s.handleBatchReserve)
	r.Post("/v1/reservations/release", s.handleBatchRelease)
	r.Post("/v1/reservations/execute", s.handleBatchExecute)
	return r
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		middleware.WriteError(w, coreerr.Validation("invalid JSON body: %v", err))
		return false
	}
	return true
}

func (s *Server) handleUpsertProvider(w http.ResponseWriter, r *http.Request) {
	var req liquidity.Provider
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.store.UpsertProvider(req)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpsertPersona(w http.ResponseWriter, r *http.Request) {
	var req liquidity.Persona
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.store.UpsertPersona(req)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

type snapshotRequest struct {
	PersonaID string              `json:"persona_id"`
	TakenAt   time.Time           `json:"taken_at"`
	Holdings  []liquidity.Holding `json:"holdings"`
}

func (s *Server) handleRecordSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.store.RecordSnapshot(req.PersonaID, req.TakenAt, req.Holdings)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.GetSnapshot(chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleProve(w http.ResponseWriter, r *http.Request) {
	snapshotID := chi.URLParam(r, "id")
	assetKey := r.URL.Query().Get("asset_key")
	if assetKey == "" {
		middleware.WriteError(w, coreerr.Validation("asset_key query parameter is required"))
		return
	}
	holding, proof, err := s.store.Prove(snapshotID, assetKey)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"holding": holding,
		"proof":   proof,
	})
}

type batchRequest struct {
	Entries []liquidity.BatchEntry `json:"entries"`
}

func (s *Server) handleBatchReserve(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Entries) == 0 {
		middleware.WriteError(w, coreerr.Validation("entries is required"))
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"results": s.store.BatchReserve(req.Entries),
	})
}

func (s *Server) handleBatchRelease(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Entries) == 0 {
		middleware.WriteError(w, coreerr.Validation("entries is required"))
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"results": s.store.BatchRelease(req.Entries),
	})
}

// handleBatchExecute marks reservations executed after evaluating the
// execution policy against each snapshot holding.
func (s *Server) handleBatchExecute(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Entries) == 0 {
		middleware.WriteError(w, coreerr.Validation("entries is required"))
		return
	}
	allowed := make([]liquidity.BatchEntry, 0, len(req.Entries))
	results := make([]liquidity.BatchResult, 0, len(req.Entries))
	for _, entry := range req.Entries {
		snap, err := s.store.GetSnapshot(entry.SnapshotID)
		if err != nil {
			results = append(results, liquidity.BatchResult{
				Entry:   entry,
				Outcome: liquidity.OutcomeAssetNotFound,
				Detail:  err.Error(),
			})
			continue
		}
		persona, err := s.store.GetPersona(snap.PersonaID)
		if err != nil {
			results = append(results, liquidity.BatchResult{
				Entry:   entry,
				Outcome: liquidity.OutcomeAssetNotFound,
				Detail:  err.Error(),
			})
			continue
		}
		var holding *liquidity.Holding
		for i := range snap.Holdings {
			if snap.Holdings[i].AssetKey == entry.AssetKey {
				holding = &snap.Holdings[i]
				break
			}
		}
		if holding == nil {
			results = append(results, liquidity.BatchResult{
				Entry:   entry,
				Outcome: liquidity.OutcomeAssetNotFound,
				Detail:  "asset not present in snapshot",
			})
			continue
		}
		if err := s.policy.Evaluate(persona, *holding); err != nil {
			results = append(results, liquidity.BatchResult{
				Entry:   entry,
				Outcome: liquidity.OutcomeConflict,
				Detail:  err.Error(),
			})
			continue
		}
		allowed = append(allowed, entry)
	}
	results = append(results, s.store.BatchExecute(allowed)...)
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}
