// Package crypto manages the platform's policy-integrity ed25519 key set.
// The active key signs receipts, exports and delegation tokens; retired keys
// remain in the set for verification until rotated out.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"

	"swapmesh/canonical"
)

// KeySet holds the signing keys keyed by key id.
type KeySet struct {
	mu       sync.RWMutex
	activeID string
	keys     map[string]ed25519.PrivateKey
}

// NewKeySet builds an empty key set.
func NewKeySet() *KeySet {
	return &KeySet{keys: make(map[string]ed25519.PrivateKey)}
}

// Generate mints a new key under the given id and makes it active.
func (ks *KeySet) Generate(keyID string) error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	return ks.Add(keyID, priv, true)
}

// Add installs a key. When active is true the key becomes the signing key.
func (ks *KeySet) Add(keyID string, priv ed25519.PrivateKey, active bool) error {
	if len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("key %s: invalid private key length %d", keyID, len(priv))
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[keyID] = priv
	if active || ks.activeID == "" {
		ks.activeID = keyID
	}
	return nil
}

// ActiveKeyID returns the id of the signing key.
func (ks *KeySet) ActiveKeyID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.activeID
}

// ActivePrivate returns the signing key.
func (ks *KeySet) ActivePrivate() (string, ed25519.PrivateKey, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	priv, ok := ks.keys[ks.activeID]
	if !ok {
		return "", nil, fmt.Errorf("key set has no active key")
	}
	return ks.activeID, priv, nil
}

// Public returns the verification key for a key id.
func (ks *KeySet) Public(keyID string) (ed25519.PublicKey, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	priv, ok := ks.keys[keyID]
	if !ok {
		return nil, false
	}
	return priv.Public().(ed25519.PublicKey), true
}

// Sign produces a detached signature over the canonical form of v using the
// active key.
func (ks *KeySet) Sign(v interface{}) (canonical.Signature, error) {
	keyID, priv, err := ks.ActivePrivate()
	if err != nil {
		return canonical.Signature{}, err
	}
	return canonical.Sign(priv, keyID, v)
}

// Verify checks a detached signature against the named key in the set.
func (ks *KeySet) Verify(v interface{}, sig canonical.Signature) error {
	pub, ok := ks.Public(sig.KeyID)
	if !ok {
		return fmt.Errorf("unknown key id %s", sig.KeyID)
	}
	return canonical.Verify(pub, v, sig)
}

// PublicKeyInfo is the exportable description of one key.
type PublicKeyInfo struct {
	KeyID     string `json:"key_id"`
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"public_key"`
	Active    bool   `json:"active"`
}

// List returns the public half of every key, sorted by key id.
func (ks *KeySet) List() []PublicKeyInfo {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]PublicKeyInfo, 0, len(ks.keys))
	for id, priv := range ks.keys {
		pub := priv.Public().(ed25519.PublicKey)
		out = append(out, PublicKeyInfo{
			KeyID:     id,
			Algorithm: canonical.AlgorithmEd25519,
			PublicKey: base64.StdEncoding.EncodeToString(pub),
			Active:    id == ks.activeID,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].KeyID < out[b].KeyID })
	return out
}
