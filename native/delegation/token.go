package delegation

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	coreerr "swapmesh/core/errors"
	"swapmesh/crypto"
)

// tokenClaims carries a full delegation inside the JWT payload so the token
// is self-describing; the store copy remains authoritative for revocation.
type tokenClaims struct {
	Delegation Delegation `json:"delegation"`
	jwt.RegisteredClaims
}

// MintToken signs a delegation token with the active policy key. The key id
// travels in the header so verifiers can select the right public key after a
// rotation.
func MintToken(keys *crypto.KeySet, d *Delegation, now time.Time) (string, error) {
	keyID, priv, err := keys.ActivePrivate()
	if err != nil {
		return "", coreerr.Internal("mint delegation token: %v", err)
	}
	claims := tokenClaims{
		Delegation: *d.Clone(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   d.SubjectActor.Key(),
			Issuer:    d.OwnerActor.Key(),
			ID:        d.DelegationID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(d.ExpiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = keyID
	signed, err := token.SignedString(priv)
	if err != nil {
		return "", coreerr.Internal("sign delegation token: %v", err)
	}
	return signed, nil
}

// ParseToken verifies a delegation token and returns the embedded delegation.
func ParseToken(keys *crypto.KeySet, raw string, now time.Time) (*Delegation, error) {
	claims := &tokenClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, coreerr.Forbidden("delegation token missing key id")
		}
		pub, ok := keys.Public(kid)
		if !ok {
			return nil, coreerr.Forbidden("delegation token signed with unknown key %s", kid)
		}
		return pub, nil
	})
	if err != nil {
		if typed, ok := coreerr.As(err); ok {
			return nil, typed
		}
		return nil, coreerr.Forbidden("invalid delegation token: %v", err)
	}
	return claims.Delegation.Clone(), nil
}
