// Package server exposes the marketplace runtime over HTTP: every operation
// in the manifest maps to one route, scoped per actor and guarded by the
// idempotency ledger.
package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	coreerr "swapmesh/core/errors"
	"swapmesh/core/node"
	"swapmesh/core/types"
	"swapmesh/gateway/auth"
	"swapmesh/gateway/middleware"
	"swapmesh/observability/metrics"
)

const maxBodyBytes = 1 << 20

// Config tunes the HTTP surface.
type Config struct {
	// AllowNowOverride honors the X-Now-Iso test clock header.
	AllowNowOverride bool
	// Authenticator, when set, verifies partner HMAC signatures on any
	// request carrying a partner key header.
	Authenticator *auth.Authenticator
	RateLimits    map[string]middleware.RateLimit
	Observability middleware.ObservabilityConfig
}

// Server routes HTTP requests into the node.
type Server struct {
	node    *node.Node
	log     *slog.Logger
	cfg     Config
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
	metrics *metrics.RuntimeMetrics
}

// New builds a server over the node.
func New(n *node.Node, log *slog.Logger, cfg Config) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		node:    n,
		log:     log,
		cfg:     cfg,
		limiter: middleware.NewRateLimiter(cfg.RateLimits, nil),
		obs:     middleware.NewObservability(cfg.Observability, nil),
		metrics: metrics.Runtime(),
	}
}

// Router assembles the chi router for all operations in the manifest.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestContext(s.cfg.AllowNowOverride))
	r.Use(s.partnerAuth)

	r.Method(http.MethodGet, "/healthz", http.HandlerFunc(s.handleHealthz))
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())
	r.Get("/v1/keys", s.handleKeys)

	for _, op := range Manifest() {
		handler := s.handlerFor(op.ID)
		if handler == nil {
			continue
		}
		wrapped := s.wrap(op, handler)
		r.Method(op.Method, op.Path, wrapped)
	}
	return r
}

func (s *Server) wrap(op Operation, handler http.HandlerFunc) http.Handler {
	var h http.Handler = handler
	if len(op.Scopes) > 0 {
		h = middleware.RequireScopes(op.Scopes...)(h)
	}
	if op.RequireAuth {
		h = middleware.RequireActor(h)
	}
	h = s.limiter.Middleware(op.Group)(h)
	h = s.obs.Middleware(op.ID)(h)
	return otelhttp.NewHandler(h, op.ID)
}

// partnerAuth verifies the HMAC signature of any request carrying a partner
// key. Requests without one pass through; actor headers are then expected
// from a trusted fronting proxy.
func (s *Server) partnerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Authenticator == nil || r.Header.Get(auth.HeaderPartnerKey) == "" {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil || len(body) > maxBodyBytes {
			middleware.WriteError(w, coreerr.Validation("request body unreadable or too large"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		if _, err := s.cfg.Authenticator.Authenticate(r, body); err != nil {
			middleware.WriteError(w, coreerr.Forbidden("partner authentication failed: %v", err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// execute runs one mutating operation through the node's idempotency ledger.
func (s *Server) execute(r *http.Request, operationID string, payload interface{}, fn func() (interface{}, error)) (*node.Result, error) {
	op, ok := ManifestOperation(operationID)
	if !ok {
		return nil, coreerr.Internal("operation %s not in manifest", operationID)
	}
	clientKey := middleware.IdempotencyKey(r.Context())
	if op.IdempotencyRequired && clientKey == "" {
		return nil, coreerr.Validation("operation %s requires an Idempotency-Key header", operationID)
	}
	actor, _ := middleware.Actor(r.Context())
	start := time.Now()
	res, err := s.node.Execute(r.Context(), node.Operation{
		OperationID: operationID,
		Actor:       actor,
		ClientKey:   clientKey,
		Payload:     payload,
	}, fn)
	code := "OK"
	if err != nil {
		code = string(coreerr.CodeOf(err))
	}
	s.metrics.ObserveOperation(operationID, code, time.Since(start).Seconds())
	return res, err
}

// respond renders an Execute result, including replayed outcomes.
func (s *Server) respond(w http.ResponseWriter, res *node.Result, err error, status int) {
	if res == nil {
		middleware.WriteError(w, err)
		return
	}
	if res.Replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	if !res.OK {
		var body struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		_ = json.Unmarshal(res.Body, &body)
		w.WriteHeader(middleware.StatusForCode(coreerr.Code(body.Error.Code)))
		_, _ = w.Write(res.Body)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(res.Body)
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		middleware.WriteError(w, coreerr.Validation("read request body: %v", err))
		return false
	}
	if len(body) > maxBodyBytes {
		middleware.WriteError(w, coreerr.Validation("request body exceeds %d bytes", maxBodyBytes))
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		middleware.WriteError(w, coreerr.Validation("invalid JSON body: %v", err))
		return false
	}
	return true
}

func (s *Server) actor(r *http.Request) types.ActorRef {
	actor, _ := middleware.Actor(r.Context())
	return actor
}

// now returns the request-scoped clock, honoring the test override.
func (s *Server) now(r *http.Request) time.Time {
	if ts, ok := middleware.NowOverride(r.Context()); ok {
		return ts
	}
	return time.Now().UTC()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, s.node.Healthz())
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"keys": s.node.Keys().List(),
	})
}
