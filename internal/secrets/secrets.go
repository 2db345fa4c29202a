// Package secrets issues and resolves the opaque credential reference
// carried in a task payload, so a raw provider API key is never
// written to the queue table (spec.md §3 "Task record... an opaque,
// encrypted credential reference", §4.8 step 1 "Decrypt the
// credential reference in the payload").
//
// A reference is a JWT (github.com/golang-jwt/jwt/v5) whose claims
// name an owner and a key ID; the actual secret bytes are sealed
// separately with golang.org/x/crypto/nacl/secretbox, keyed by a
// process-wide key loaded once at startup (SPEC_FULL.md §12,
// mirroring the teacher's constructor-injected, no-global-singleton
// stance in spec.md §9 "Design Notes").
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	ErrInvalidKey   = errors.New("secrets: key must be 32 bytes hex-encoded")
	ErrInvalidToken = errors.New("secrets: invalid credential reference")
	ErrSealFailed   = errors.New("secrets: seal failed")
	ErrOpenFailed   = errors.New("secrets: open failed (wrong key or tampered ciphertext)")
)

// Vault issues credential references and resolves them back to the
// sealed secret they name. It holds no provider credentials itself —
// callers supply the plaintext once, at issuance, and the Vault never
// persists it unencrypted. The sealed bytes travel inside the JWT
// itself (base64 claim), so a reference is self-contained: any
// dispatcher process holding the same key can resolve it, without a
// shared side-table and without losing references across restarts.
type Vault struct {
	key    [32]byte
	issuer string
	jwtKey []byte
	ttl    time.Duration
}

// NewVault constructs a Vault from a hex-encoded 32-byte secretbox
// key (SPEC_FULL.md §12, BATCHLM_SECRETBOX_KEY_HEX).
func NewVault(keyHex, issuer string, ttl time.Duration) (*Vault, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidKey
	}
	var key [32]byte
	copy(key[:], raw)
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Vault{
		key:    key,
		issuer: issuer,
		jwtKey: raw, // HMAC-signs the reference token; distinct use of the same key material is acceptable here since the signature protects only the claim set, not the sealed payload (secretbox already authenticates that)
		ttl:    ttl,
	}, nil
}

// refClaims is the JWT payload carried by a credential reference: the
// owner it was issued for and the nacl/secretbox-sealed secret bytes
// (nonce || ciphertext), never the secret in the clear.
type refClaims struct {
	jwt.RegisteredClaims
	Owner  string `json:"owner"`
	Sealed []byte `json:"sealed"`
}

// Issue seals plaintext (a provider API key) under the vault's key and
// returns an opaque JWT reference carrying it. The reference is what
// gets written into a Task's payload (spec.md §3).
func (v *Vault) Issue(owner, plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("secrets: %w: %v", ErrSealFailed, err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &v.key)

	now := time.Now()
	claims := refClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
		Owner:  owner,
		Sealed: sealed,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(v.jwtKey)
}

// Resolve validates the reference token and opens the sealed secret it
// carries, returning the original plaintext (spec.md §4.8 step 1).
func (v *Vault) Resolve(reference string) (owner, plaintext string, err error) {
	var claims refClaims
	tok, err := jwt.ParseWithClaims(reference, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.jwtKey, nil
	})
	if err != nil || !tok.Valid {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if len(claims.Sealed) < 24 {
		return "", "", ErrOpenFailed
	}
	var nonce [24]byte
	copy(nonce[:], claims.Sealed[:24])
	opened, ok := secretbox.Open(nil, claims.Sealed[24:], &nonce, &v.key)
	if !ok {
		return "", "", ErrOpenFailed
	}
	return claims.Owner, string(opened), nil
}
