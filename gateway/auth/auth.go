// Package auth verifies partner credentials on gateway requests. Partners sign
// each request with a shared secret over the timestamp, nonce, method, target
// and a digest of the body; nonces are tracked per partner inside a rolling
// window, optionally persisted so restarts keep replay protection.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderPartnerKey names the calling partner's key id.
	HeaderPartnerKey = "X-Partner-Key"
	// HeaderTimestamp carries the unix timestamp (seconds) the request was signed at.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection within the timestamp window.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex HMAC-SHA256 request signature.
	HeaderSignature = "X-Signature"

	// MaxBodyForSignature bounds the body size accepted for authenticated requests.
	MaxBodyForSignature = 1 << 20

	maxTimestampSkew   = 2 * time.Minute
	maxNonceWindow     = 10 * time.Minute
	defaultNonceCap    = 4096
	maxNonceCap        = 65536
	storePruneInterval = time.Minute
)

// Authentication failures. Handlers map all of these to 401 without leaking
// which check failed beyond the error text.
var (
	ErrMissingCredentials = errors.New("missing authentication headers")
	ErrUnknownPartner     = errors.New("unknown partner key")
	ErrStaleTimestamp     = errors.New("timestamp outside allowed window")
	ErrBadSignature       = errors.New("signature mismatch")
	ErrReplay             = errors.New("nonce or timestamp already used")
)

// Principal is the authenticated caller.
type Principal struct {
	PartnerID string
}

// NonceRecord is one persisted nonce observation.
type NonceRecord struct {
	PartnerID  string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence stores nonce observations across restarts.
type NoncePersistence interface {
	// EnsureNonce records the observation, reporting true when it already existed.
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	// RecentNonces returns observations at or after cutoff.
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	// PruneNonces drops observations before cutoff.
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// replayGuard tracks one partner's nonce window and timestamp high-water mark.
type replayGuard struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	order     []string
	highWater int64
}

func (g *replayGuard) check(composite string, ts int64, now time.Time, ttl time.Duration, capacity int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-ttl)
	g.evict(cutoff, capacity-1)

	if _, dup := g.seen[composite]; dup {
		return ErrReplay
	}
	if ts <= g.highWater {
		return ErrReplay
	}
	g.highWater = ts
	g.seen[composite] = now
	g.order = append(g.order, composite)
	return nil
}

// record registers an observation without replay checks, used when hydrating.
func (g *replayGuard) record(composite string, observed time.Time, capacity int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[composite]; ok {
		return
	}
	g.evict(time.Time{}, capacity-1)
	g.seen[composite] = observed
	g.order = append(g.order, composite)
}

func (g *replayGuard) evict(cutoff time.Time, keep int) {
	for len(g.order) > 0 {
		oldest := g.order[0]
		observed, ok := g.seen[oldest]
		expired := ok && !cutoff.IsZero() && observed.Before(cutoff)
		over := keep >= 0 && len(g.order) > keep
		if !expired && !over {
			return
		}
		g.order = g.order[1:]
		delete(g.seen, oldest)
	}
}

// Authenticator verifies partner HMAC signatures and replay windows.
type Authenticator struct {
	secrets  map[string]string
	skew     time.Duration
	nonceTTL time.Duration
	nonceCap int
	nowFn    func() time.Time
	store    NoncePersistence

	mu         sync.Mutex
	guards     map[string]*replayGuard
	lastPruned time.Time
}

// NewAuthenticator builds an authenticator from partner key id to shared
// secret. Zero or out-of-range tuning values fall back to the defaults.
func NewAuthenticator(secrets map[string]string, skew, nonceTTL time.Duration, nonceCapacity int, nowFn func() time.Time, store NoncePersistence) *Authenticator {
	cleaned := make(map[string]string, len(secrets))
	for id, secret := range secrets {
		id, secret = strings.TrimSpace(id), strings.TrimSpace(secret)
		if id != "" && secret != "" {
			cleaned[id] = secret
		}
	}
	if skew <= 0 || skew > maxTimestampSkew {
		skew = maxTimestampSkew
	}
	if nonceTTL <= 0 || nonceTTL > maxNonceWindow {
		nonceTTL = maxNonceWindow
	}
	if nonceCapacity <= 0 || nonceCapacity > maxNonceCap {
		nonceCapacity = defaultNonceCap
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{
		secrets:  cleaned,
		skew:     skew,
		nonceTTL: nonceTTL,
		nonceCap: nonceCapacity,
		nowFn:    nowFn,
		store:    store,
		guards:   make(map[string]*replayGuard),
	}
}

// Authenticate checks the request headers and signature against the partner's
// shared secret and replay window, returning the authenticated principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	partnerID := strings.TrimSpace(r.Header.Get(HeaderPartnerKey))
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	provided := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if partnerID == "" || tsHeader == "" || nonce == "" || provided == "" {
		return nil, ErrMissingCredentials
	}
	secret, ok := a.secrets[partnerID]
	if !ok {
		return nil, ErrUnknownPartner
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	if drift := now.Unix() - ts; drift > int64(a.skew/time.Second) || -drift > int64(a.skew/time.Second) {
		return nil, ErrStaleTimestamp
	}

	expected := ComputeSignature(secret, partnerID, tsHeader, nonce, r.Method, SigningTarget(r), body)
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return nil, ErrBadSignature
	}
	expectedBytes, _ := hex.DecodeString(expected)
	if !hmac.Equal(providedBytes, expectedBytes) {
		return nil, ErrBadSignature
	}

	composite := tsHeader + "|" + nonce
	if err := a.guard(partnerID).check(composite, ts, now, a.nonceTTL, a.nonceCap); err != nil {
		return nil, err
	}
	if a.store != nil {
		if err := a.persist(r.Context(), partnerID, tsHeader, nonce, now); err != nil {
			return nil, err
		}
	}
	return &Principal{PartnerID: partnerID}, nil
}

// Hydrate warms the replay windows from persisted observations so a restart
// does not accept nonces used shortly before it.
func (a *Authenticator) Hydrate(ctx context.Context, cutoff time.Time) error {
	if a.store == nil {
		return nil
	}
	records, err := a.store.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persisted nonces: %w", err)
	}
	for _, rec := range records {
		if rec.PartnerID == "" || rec.Timestamp == "" || rec.Nonce == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.guard(rec.PartnerID).record(rec.Timestamp+"|"+rec.Nonce, observed, a.nonceCap)
	}
	return nil
}

func (a *Authenticator) persist(ctx context.Context, partnerID, timestamp, nonce string, now time.Time) error {
	a.mu.Lock()
	prune := a.lastPruned.IsZero() || now.Sub(a.lastPruned) >= storePruneInterval
	if prune {
		a.lastPruned = now
	}
	a.mu.Unlock()
	if prune {
		if err := a.store.PruneNonces(ctx, now.Add(-a.nonceTTL)); err != nil {
			return fmt.Errorf("prune persisted nonces: %w", err)
		}
	}
	existed, err := a.store.EnsureNonce(ctx, NonceRecord{
		PartnerID:  partnerID,
		Timestamp:  timestamp,
		Nonce:      nonce,
		ObservedAt: now,
	})
	if err != nil {
		return fmt.Errorf("persist nonce: %w", err)
	}
	if existed {
		return ErrReplay
	}
	return nil
}

func (a *Authenticator) guard(partnerID string) *replayGuard {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.guards[partnerID]
	if !ok {
		g = &replayGuard{seen: make(map[string]time.Time)}
		a.guards[partnerID] = g
	}
	return g
}

// SigningTarget is the path plus sorted query the signature covers.
func SigningTarget(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery == "" {
		return path
	}
	params := strings.Split(r.URL.RawQuery, "&")
	sort.Strings(params)
	return path + "?" + strings.Join(params, "&")
}

// ComputeSignature derives the hex HMAC-SHA256 signature a partner sends.
// The body enters via its sha256 digest so large payloads hash once.
func ComputeSignature(secret, partnerID, timestamp, nonce, method, target string, body []byte) string {
	digest := sha256.Sum256(body)
	payload := strings.Join([]string{
		"v1",
		partnerID,
		timestamp,
		nonce,
		strings.ToUpper(method),
		target,
		hex.EncodeToString(digest[:]),
	}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
