package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"swapmesh/gateway/auth"
)

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"intents": {RatePerSecond: 1, Burst: 1},
	}, nil)

	handler := limiter.Middleware("intents")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/intents", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesRouteGroups(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"intents":  {RatePerSecond: 1, Burst: 1},
		"matching": {RatePerSecond: 1, Burst: 1},
	}, nil)

	intentHandler := limiter.Middleware("intents")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	matchHandler := limiter.Middleware("matching")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/intents", nil)
	req.Header.Set(auth.HeaderPartnerKey, "partner-a")
	res := httptest.NewRecorder()
	intentHandler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected intent request to succeed, got %d", res.Code)
	}

	matchReq := httptest.NewRequest(http.MethodPost, "/v1/matching/run", nil)
	matchReq.Header.Set(auth.HeaderPartnerKey, "partner-a")
	matchRes := httptest.NewRecorder()
	matchHandler.ServeHTTP(matchRes, matchReq)
	if matchRes.Code != http.StatusOK {
		t.Fatalf("expected first matching request to succeed, got %d", matchRes.Code)
	}

	matchRes = httptest.NewRecorder()
	matchHandler.ServeHTTP(matchRes, matchReq)
	if matchRes.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second matching request to hit limit, got %d", matchRes.Code)
	}
}

func TestRateLimiterAppliesRouteTokens(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"matching": {
			RatePerSecond: 5,
			Burst:         5,
			DefaultTokens: 1,
			Tokens: map[string]int{
				"POST /v1/matching/run": 3,
			},
		},
	}, nil)

	handler := limiter.Middleware("matching")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/matching/run", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first run request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second run request to consume burst and be rate limited, got %d", res.Code)
	}

	// A different route only consumes the default token cost of 1.
	statusReq := httptest.NewRequest(http.MethodGet, "/v1/matching/runs/run-1", nil)
	statusRes := httptest.NewRecorder()
	handler.ServeHTTP(statusRes, statusReq)
	if statusRes.Code != http.StatusOK {
		t.Fatalf("expected run status route to succeed with default token cost, got %d", statusRes.Code)
	}
}

func TestRateLimiterPrefersPartnerKeyOverIP(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"intents": {RatePerSecond: 1, Burst: 1},
	}, nil)

	handler := limiter.Middleware("intents")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	reqA := httptest.NewRequest(http.MethodGet, "/v1/intents", nil)
	reqA.Header.Set(auth.HeaderPartnerKey, "partner-a")
	resA := httptest.NewRecorder()
	handler.ServeHTTP(resA, reqA)
	if resA.Code != http.StatusOK {
		t.Fatalf("expected partner A request to succeed, got %d", resA.Code)
	}

	reqB := httptest.NewRequest(http.MethodGet, "/v1/intents", nil)
	reqB.Header.Set(auth.HeaderPartnerKey, "partner-b")
	resB := httptest.NewRecorder()
	handler.ServeHTTP(resB, reqB)
	if resB.Code != http.StatusOK {
		t.Fatalf("expected partner B request to succeed, got %d", resB.Code)
	}
}
