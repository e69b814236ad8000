package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type keystoreFile struct {
	Active string            `json:"active"`
	Seeds  map[string]string `json:"seeds"`
}

// LoadKeystore reads a key set from disk. A missing file yields a freshly
// generated set persisted back to the same path.
func LoadKeystore(path string) (*KeySet, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		ks := NewKeySet()
		if err := ks.Generate("policy-1"); err != nil {
			return nil, err
		}
		if err := SaveKeystore(path, ks); err != nil {
			return nil, err
		}
		return ks, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	var file keystoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse keystore: %w", err)
	}
	ks := NewKeySet()
	for id, seed := range file.Seeds {
		raw, err := base64.StdEncoding.DecodeString(seed)
		if err != nil {
			return nil, fmt.Errorf("keystore seed %s: %w", id, err)
		}
		if len(raw) != ed25519.SeedSize {
			return nil, fmt.Errorf("keystore seed %s: unexpected length %d", id, len(raw))
		}
		if err := ks.Add(id, ed25519.NewKeyFromSeed(raw), id == file.Active); err != nil {
			return nil, err
		}
	}
	if ks.ActiveKeyID() == "" {
		return nil, fmt.Errorf("keystore %s has no active key", path)
	}
	return ks, nil
}

// SaveKeystore persists the key set with owner-only permissions using a temp
// file and atomic rename.
func SaveKeystore(path string, ks *KeySet) error {
	ks.mu.RLock()
	file := keystoreFile{Active: ks.activeID, Seeds: make(map[string]string, len(ks.keys))}
	for id, priv := range ks.keys {
		file.Seeds[id] = base64.StdEncoding.EncodeToString(priv.Seed())
	}
	ks.mu.RUnlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
