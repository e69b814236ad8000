package canonical

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

// AlgorithmEd25519 is the only detached signature algorithm supported by the
// runtime.
const AlgorithmEd25519 = "ed25519"

var (
	// ErrUnsupportedAlgorithm is returned when a signature names an
	// algorithm other than ed25519.
	ErrUnsupportedAlgorithm = errors.New("canonical: unsupported signature algorithm")
	// ErrInvalidSignature is returned when decoding or verification fails.
	ErrInvalidSignature = errors.New("canonical: invalid signature")
)

// Signature is a detached signature over the canonical encoding of a payload.
type Signature struct {
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"key_id"`
	Signature string `json:"signature"`
	// PublicKey optionally embeds the base64 verification key for
	// trust-on-first-use consumers. Supplying the key out of band is the
	// authoritative verification path.
	PublicKey string `json:"public_key,omitempty"`
}

// Sign produces a detached signature over the canonical bytes of v.
func Sign(priv ed25519.PrivateKey, keyID string, v interface{}) (Signature, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return Signature{}, fmt.Errorf("canonical: private key must be %d bytes", ed25519.PrivateKeySize)
	}
	data, err := Marshal(v)
	if err != nil {
		return Signature{}, err
	}
	sig := ed25519.Sign(priv, data)
	pub := priv.Public().(ed25519.PublicKey)
	return Signature{
		Algorithm: AlgorithmEd25519,
		KeyID:     keyID,
		Signature: base64.StdEncoding.EncodeToString(sig),
		PublicKey: base64.StdEncoding.EncodeToString(pub),
	}, nil
}

// Verify checks the detached signature over v using the supplied public key.
func Verify(pub ed25519.PublicKey, v interface{}, sig Signature) error {
	if sig.Algorithm != AlgorithmEd25519 {
		return ErrUnsupportedAlgorithm
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("canonical: public key must be %d bytes", ed25519.PublicKeySize)
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return ErrInvalidSignature
	}
	data, err := Marshal(v)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, data, raw) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyEmbedded verifies using the public key embedded in the signature
// itself. Callers that hold the platform key PEM should prefer Verify.
func VerifyEmbedded(v interface{}, sig Signature) error {
	if sig.PublicKey == "" {
		return errors.New("canonical: signature does not embed a public key")
	}
	pub, err := base64.StdEncoding.DecodeString(sig.PublicKey)
	if err != nil {
		return ErrInvalidSignature
	}
	return Verify(ed25519.PublicKey(pub), v, sig)
}

// ParsePublicKeyPEM decodes a PKIX "PUBLIC KEY" PEM block carrying a raw
// 32-byte ed25519 key.
func ParsePublicKeyPEM(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("canonical: no PEM block found")
	}
	if len(block.Bytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("canonical: unexpected key length %d", len(block.Bytes))
	}
	return ed25519.PublicKey(block.Bytes), nil
}

// EncodePublicKeyPEM renders the raw ed25519 public key as a PEM block.
func EncodePublicKeyPEM(pub ed25519.PublicKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub})
}
