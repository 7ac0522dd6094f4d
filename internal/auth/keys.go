package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningKey is the node's RSA key pair: the private half signs
// private_key_jwt client assertions, the public half is served from the
// node's JWKS endpoint registered with the authorization server.
type SigningKey struct {
	key *rsa.PrivateKey
	id  string
}

// LoadSigningKey reads the node key from dir, generating and persisting
// a 2048-bit key owner-only when none exists yet.
func LoadSigningKey(dir string) (*SigningKey, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("key dir: %w", err)
	}
	path := filepath.Join(dir, "signing_key.pem")
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
			return nil, fmt.Errorf("write signing key: %w", err)
		}
		return newSigningKey(key), nil
	case err != nil:
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("parse signing key %s: no PEM block", path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key %s: %w", path, err)
	}
	return newSigningKey(key), nil
}

// NewSigningKey wraps an existing key, for tests.
func NewSigningKey(key *rsa.PrivateKey) *SigningKey { return newSigningKey(key) }

func newSigningKey(key *rsa.PrivateKey) *SigningKey {
	sum := sha256.Sum256(x509.MarshalPKCS1PublicKey(&key.PublicKey))
	return &SigningKey{key: key, id: hex.EncodeToString(sum[:8])}
}

// KeyID identifies the key in JWKS documents and JWT headers. It is
// derived from the public key so it is stable across restarts.
func (k *SigningKey) KeyID() string { return k.id }

// JWKS returns the public half as a key set for the JWKS endpoint.
func (k *SigningKey) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &k.key.PublicKey,
		KeyID:     k.id,
		Algorithm: "RS512",
		Use:       "sig",
	}}}
}

// Assertion mints the RFC 7523 client assertion presented at the token
// endpoint under private_key_jwt.
func (k *SigningKey) Assertion(clientID, tokenURL string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{tokenURL},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS512, claims)
	tok.Header["kid"] = k.id
	return tok.SignedString(k.key)
}
