package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"swapmesh/core/node"
	"swapmesh/crypto"
	"swapmesh/gateway/auth"
	"swapmesh/gateway/middleware"
	"swapmesh/gateway/server"
	"swapmesh/storage"
)

func newTestServer(t *testing.T, cfg server.Config) *httptest.Server {
	t.Helper()
	keys := crypto.NewKeySet()
	if err := keys.Generate("policy-test"); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	backend := storage.NewJSONBackend(filepath.Join(t.TempDir(), "state.json"))
	n, err := node.New(backend, keys, node.Config{})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	srv := httptest.NewServer(server.New(n, nil, cfg).Router())
	t.Cleanup(srv.Close)
	return srv
}

func intentBody() []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"offer": []map[string]interface{}{{
			"platform":   "steam",
			"app_id":     "app-1",
			"context_id": "ctx-1",
			"asset_id":   "card:alpha-001",
			"metadata":   map[string]interface{}{"value_usd": 100},
		}},
		"want_spec":         []map[string]interface{}{{"kind": "specific", "asset_id": "card:beta-002"}},
		"value_band":        map[string]interface{}{"min_usd": 50, "max_usd": 150},
		"trust_constraints": map[string]interface{}{"max_cycle_length": 3},
	})
	return body
}

func userRequest(t *testing.T, method, url string, body []byte, idemKey string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderActorType, "user")
	req.Header.Set(middleware.HeaderActorID, "alice")
	req.Header.Set(middleware.HeaderAuthScopes, "intents:write,intents:read")
	if idemKey != "" {
		req.Header.Set(middleware.HeaderIdempotencyKey, idemKey)
	}
	return req
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t, server.Config{})
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("unexpected healthz response %d %v", resp.StatusCode, body)
	}
	if body["store_backend"] != "json" || body["persistence_mode"] != "json_file" {
		t.Fatalf("unexpected backend identity in healthz: %v", body)
	}
	if _, ok := body["state"].(map[string]interface{}); !ok {
		t.Fatalf("expected state counts in healthz: %v", body)
	}
}

func TestCreateIntentRoundTrip(t *testing.T) {
	srv := newTestServer(t, server.Config{})

	req := userRequest(t, http.MethodPost, srv.URL+"/v1/intents", intentBody(), "key-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	created := decodeBody(t, resp)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("created intent has no id: %v", created)
	}

	get := userRequest(t, http.MethodGet, srv.URL+"/v1/intents/"+id, nil, "")
	resp, err = http.DefaultClient.Do(get)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	fetched := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || fetched["id"] != id {
		t.Fatalf("unexpected get response %d %v", resp.StatusCode, fetched)
	}
}

func TestCreateIntentReplaysOnSameKey(t *testing.T) {
	srv := newTestServer(t, server.Config{})

	first, err := http.DefaultClient.Do(userRequest(t, http.MethodPost, srv.URL+"/v1/intents", intentBody(), "key-1"))
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	firstBody := decodeBody(t, first)

	second, err := http.DefaultClient.Do(userRequest(t, http.MethodPost, srv.URL+"/v1/intents", intentBody(), "key-1"))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.Header.Get("X-Idempotent-Replay") != "true" {
		t.Fatal("expected replay marker header")
	}
	secondBody := decodeBody(t, second)
	if firstBody["id"] != secondBody["id"] {
		t.Fatalf("replay returned a different intent: %v vs %v", firstBody["id"], secondBody["id"])
	}
}

func TestCreateIntentRequiresIdempotencyKey(t *testing.T) {
	srv := newTestServer(t, server.Config{})
	resp, err := http.DefaultClient.Do(userRequest(t, http.MethodPost, srv.URL+"/v1/intents", intentBody(), ""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %v", resp.StatusCode, body)
	}
}

func TestCreateIntentRequiresActor(t *testing.T) {
	srv := newTestServer(t, server.Config{})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/intents", bytes.NewReader(intentBody()))
	req.Header.Set(middleware.HeaderIdempotencyKey, "key-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without actor headers, got %d", resp.StatusCode)
	}
}

func TestCreateIntentRequiresScope(t *testing.T) {
	srv := newTestServer(t, server.Config{})
	req := userRequest(t, http.MethodPost, srv.URL+"/v1/intents", intentBody(), "key-1")
	req.Header.Set(middleware.HeaderAuthScopes, "intents:read")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without write scope, got %d %v", resp.StatusCode, body)
	}
}

func TestValidationErrorsCarryTaxonomyCode(t *testing.T) {
	srv := newTestServer(t, server.Config{})
	resp, err := http.DefaultClient.Do(userRequest(t, http.MethodPost, srv.URL+"/v1/intents", []byte(`{}`), "key-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %v", resp.StatusCode, body)
	}
	errBody, _ := body["error"].(map[string]interface{})
	if errBody["code"] != "VALIDATION_ERROR" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func createIntent(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, err := http.DefaultClient.Do(userRequest(t, http.MethodPost, srv.URL+"/v1/intents", intentBody(), "intent-key"))
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	body := decodeBody(t, resp)
	id, _ := body["id"].(string)
	if resp.StatusCode != http.StatusCreated || id == "" {
		t.Fatalf("unexpected create response %d %v", resp.StatusCode, body)
	}
	return id
}

func createDelegation(t *testing.T, srv *httptest.Server, allowlist []string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{
		"subject_actor":       map[string]string{"type": "user", "id": "bob"},
		"scopes":              []string{"intents:write"},
		"operation_allowlist": allowlist,
		"expires_at":          time.Now().UTC().Add(time.Hour),
	})
	req := userRequest(t, http.MethodPost, srv.URL+"/v1/delegations", body, "dlg-"+allowlist[0])
	req.Header.Set(middleware.HeaderAuthScopes, "delegations:write")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create delegation: %v", err)
	}
	created := decodeBody(t, resp)
	token, _ := created["token"].(string)
	if resp.StatusCode != http.StatusCreated || token == "" {
		t.Fatalf("unexpected delegation response %d %v", resp.StatusCode, created)
	}
	return token
}

func delegatedCancelRequest(t *testing.T, srv *httptest.Server, intentID, token, idemKey string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/intents/"+intentID+"/cancel", nil)
	if err != nil {
		t.Fatalf("build cancel request: %v", err)
	}
	req.Header.Set(middleware.HeaderActorType, "user")
	req.Header.Set(middleware.HeaderActorID, "bob")
	req.Header.Set(middleware.HeaderAuthScopes, "intents:write")
	req.Header.Set(middleware.HeaderIdempotencyKey, idemKey)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestDelegatedCancelRunsAsOwner(t *testing.T) {
	srv := newTestServer(t, server.Config{})
	intentID := createIntent(t, srv)
	token := createDelegation(t, srv, []string{"intents.cancel"})

	resp, err := http.DefaultClient.Do(delegatedCancelRequest(t, srv, intentID, token, "cancel-1"))
	if err != nil {
		t.Fatalf("delegated cancel: %v", err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["status"] != "cancelled" {
		t.Fatalf("expected delegated cancel to succeed, got %d %v", resp.StatusCode, body)
	}

	audit := userRequest(t, http.MethodGet, srv.URL+"/v1/policy/audit", nil, "")
	audit.Header.Set(middleware.HeaderAuthScopes, "operator")
	resp, err = http.DefaultClient.Do(audit)
	if err != nil {
		t.Fatalf("policy audit: %v", err)
	}
	auditBody := decodeBody(t, resp)
	entries, _ := auditBody["audit"].([]interface{})
	found := false
	for _, raw := range entries {
		entry, _ := raw.(map[string]interface{})
		if entry["operation_id"] == "intents.cancel" && entry["decision"] == "allow" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an allow audit entry for the delegated cancel, got %v", entries)
	}
}

func TestDelegatedCancelOffAllowlistIsDenied(t *testing.T) {
	srv := newTestServer(t, server.Config{})
	intentID := createIntent(t, srv)
	token := createDelegation(t, srv, []string{"intents.update"})

	resp, err := http.DefaultClient.Do(delegatedCancelRequest(t, srv, intentID, token, "cancel-1"))
	if err != nil {
		t.Fatalf("delegated cancel: %v", err)
	}
	body := decodeBody(t, resp)
	errBody, _ := body["error"].(map[string]interface{})
	if resp.StatusCode != http.StatusForbidden || errBody["code"] != "OPERATION_NOT_PERMITTED" {
		t.Fatalf("expected allowlist denial, got %d %v", resp.StatusCode, body)
	}

	get := userRequest(t, http.MethodGet, srv.URL+"/v1/intents/"+intentID, nil, "")
	resp, err = http.DefaultClient.Do(get)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	fetched := decodeBody(t, resp)
	if fetched["status"] != "active" {
		t.Fatalf("denied cancel must not mutate the intent, got %v", fetched["status"])
	}
}

func TestPartnerSignatureGuardsRequests(t *testing.T) {
	authenticator := auth.NewAuthenticator(map[string]string{"partner-a": "secret-a"}, time.Minute, 5*time.Minute, 16, nil, nil)
	srv := newTestServer(t, server.Config{Authenticator: authenticator})

	body := intentBody()
	req := userRequest(t, http.MethodPost, srv.URL+"/v1/intents", body, "key-1")
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(auth.HeaderPartnerKey, "partner-a")
	req.Header.Set(auth.HeaderTimestamp, ts)
	req.Header.Set(auth.HeaderNonce, "nonce-1")
	req.Header.Set(auth.HeaderSignature, auth.ComputeSignature("secret-a", "partner-a", ts, "nonce-1", http.MethodPost, "/v1/intents", body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("signed create: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected signed request to pass, got %d", resp.StatusCode)
	}

	forged := userRequest(t, http.MethodPost, srv.URL+"/v1/intents", body, "key-2")
	forged.Header.Set(auth.HeaderPartnerKey, "partner-a")
	forged.Header.Set(auth.HeaderTimestamp, ts)
	forged.Header.Set(auth.HeaderNonce, "nonce-2")
	forged.Header.Set(auth.HeaderSignature, "deadbeef")
	resp, err = http.DefaultClient.Do(forged)
	if err != nil {
		t.Fatalf("forged create: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected forged request to fail, got %d", resp.StatusCode)
	}
}
