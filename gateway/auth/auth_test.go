package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestAuthenticator(store NoncePersistence, nowFn func() time.Time) *Authenticator {
	return NewAuthenticator(map[string]string{"partner-a": "secret-a"}, time.Minute, 5*time.Minute, 16, nowFn, store)
}

func authenticate(t *testing.T, a *Authenticator, partnerID, secret string, ts int64, nonce, method, target string, body []byte) (*Principal, error) {
	t.Helper()
	r := httptest.NewRequest(method, target, nil)
	tsHeader := strconv.FormatInt(ts, 10)
	r.Header.Set(HeaderPartnerKey, partnerID)
	r.Header.Set(HeaderTimestamp, tsHeader)
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, ComputeSignature(secret, partnerID, tsHeader, nonce, method, SigningTarget(r), body))
	return a.Authenticate(r, body)
}

func TestAuthenticateAcceptsSignedRequest(t *testing.T) {
	a := newTestAuthenticator(nil, func() time.Time { return baseTime })
	principal, err := authenticate(t, a, "partner-a", "secret-a", baseTime.Unix(), "nonce-1", "POST", "/v1/intents", []byte(`{"x":1}`))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.PartnerID != "partner-a" {
		t.Fatalf("unexpected principal %q", principal.PartnerID)
	}
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	a := newTestAuthenticator(nil, func() time.Time { return baseTime })
	if _, err := authenticate(t, a, "partner-a", "wrong", baseTime.Unix(), "nonce-1", "POST", "/v1/intents", nil); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestAuthenticateRejectsUnknownPartner(t *testing.T) {
	a := newTestAuthenticator(nil, func() time.Time { return baseTime })
	if _, err := authenticate(t, a, "partner-x", "secret-a", baseTime.Unix(), "nonce-1", "GET", "/v1/intents", nil); !errors.Is(err, ErrUnknownPartner) {
		t.Fatalf("expected ErrUnknownPartner, got %v", err)
	}
}

func TestAuthenticateRejectsMissingHeaders(t *testing.T) {
	a := newTestAuthenticator(nil, func() time.Time { return baseTime })
	r := httptest.NewRequest("GET", "/v1/intents", nil)
	r.Header.Set(HeaderPartnerKey, "partner-a")
	if _, err := a.Authenticate(r, nil); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestAuthenticateRejectsStaleTimestamp(t *testing.T) {
	a := newTestAuthenticator(nil, func() time.Time { return baseTime })
	stale := baseTime.Add(-5 * time.Minute).Unix()
	if _, err := authenticate(t, a, "partner-a", "secret-a", stale, "nonce-1", "GET", "/v1/intents", nil); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}
}

func TestAuthenticateRejectsNonceReplay(t *testing.T) {
	a := newTestAuthenticator(nil, func() time.Time { return baseTime })
	if _, err := authenticate(t, a, "partner-a", "secret-a", baseTime.Unix(), "nonce-1", "GET", "/v1/intents", nil); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := authenticate(t, a, "partner-a", "secret-a", baseTime.Unix(), "nonce-1", "GET", "/v1/intents", nil); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected ErrReplay, got %v", err)
	}
}

func TestAuthenticateRequiresIncreasingTimestamps(t *testing.T) {
	now := baseTime
	a := newTestAuthenticator(nil, func() time.Time { return now })
	if _, err := authenticate(t, a, "partner-a", "secret-a", now.Unix(), "nonce-1", "GET", "/v1/intents", nil); err != nil {
		t.Fatalf("first request: %v", err)
	}
	// Fresh nonce but an already-used timestamp second.
	if _, err := authenticate(t, a, "partner-a", "secret-a", now.Unix(), "nonce-2", "GET", "/v1/intents", nil); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected ErrReplay, got %v", err)
	}
	now = now.Add(time.Second)
	if _, err := authenticate(t, a, "partner-a", "secret-a", now.Unix(), "nonce-3", "GET", "/v1/intents", nil); err != nil {
		t.Fatalf("later timestamp should pass: %v", err)
	}
}

func TestSignatureCoversQueryOrdering(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/events?limit=10&after=3", nil)
	if got := SigningTarget(r); got != "/v1/events?after=3&limit=10" {
		t.Fatalf("unexpected signing target %q", got)
	}
	reordered := httptest.NewRequest("GET", "/v1/events?after=3&limit=10", nil)
	if SigningTarget(r) != SigningTarget(reordered) {
		t.Fatal("query ordering must not change the signing target")
	}
}

type memoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]NonceRecord
}

func newMemoryNonceStore() *memoryNonceStore {
	return &memoryNonceStore{seen: make(map[string]NonceRecord)}
}

func (m *memoryNonceStore) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := record.PartnerID + "|" + record.Timestamp + "|" + record.Nonce
	if _, ok := m.seen[key]; ok {
		return true, nil
	}
	m.seen[key] = record
	return false, nil
}

func (m *memoryNonceStore) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []NonceRecord
	for _, rec := range m.seen {
		if !rec.ObservedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memoryNonceStore) PruneNonces(ctx context.Context, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, rec := range m.seen {
		if rec.ObservedAt.Before(cutoff) {
			delete(m.seen, key)
		}
	}
	return nil
}

func TestHydrateBlocksNoncesAcrossRestart(t *testing.T) {
	store := newMemoryNonceStore()
	a := newTestAuthenticator(store, func() time.Time { return baseTime })
	if _, err := authenticate(t, a, "partner-a", "secret-a", baseTime.Unix(), "nonce-1", "GET", "/v1/intents", nil); err != nil {
		t.Fatalf("first request: %v", err)
	}

	restarted := newTestAuthenticator(store, func() time.Time { return baseTime })
	if err := restarted.Hydrate(context.Background(), baseTime.Add(-5*time.Minute)); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if _, err := authenticate(t, restarted, "partner-a", "secret-a", baseTime.Unix(), "nonce-1", "GET", "/v1/intents", nil); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected ErrReplay after hydrate, got %v", err)
	}
}
