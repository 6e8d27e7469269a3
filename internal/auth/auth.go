// Package auth handles the credential material presented on the WebSocket
// handshake: validation and a one-way fingerprint used to authorize session
// resumption without retaining secrets.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
)

// Credentials is the material supplied by a client on its first message.
// The environment variables are part of the identity: resuming with a
// different injected environment must not match the original session.
type Credentials struct {
	APIKey      string
	AccessToken string
	Env         map[string]string
}

// Fingerprint derives a stable, non-reversible digest of the credentials.
// Environment entries are folded in sorted key order so map iteration order
// cannot produce different fingerprints for identical material.
func (c Credentials) Fingerprint() string {
	h := sha256.New()
	writeField := func(s string) {
		var n [4]byte
		l := len(s)
		n[0] = byte(l >> 24)
		n[1] = byte(l >> 16)
		n[2] = byte(l >> 8)
		n[3] = byte(l)
		h.Write(n[:])
		h.Write([]byte(s))
	}
	writeField(c.APIKey)
	writeField(c.AccessToken)

	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(k)
		writeField(c.Env[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintsEqual compares two fingerprints in constant time.
func FingerprintsEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// ErrInvalidCredentials is returned for any credential set that fails
// validation. Callers must not reveal more detail to the client.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Validator confirms that presented credentials are genuine. The production
// deployment wires this to the platform's token introspection service.
type Validator interface {
	Validate(ctx context.Context, creds Credentials) error
}

// PresenceValidator accepts any non-empty key and token pair. It stands in
// until real token introspection is integrated.
type PresenceValidator struct{}

func (PresenceValidator) Validate(_ context.Context, creds Credentials) error {
	if creds.APIKey == "" || creds.AccessToken == "" {
		return ErrInvalidCredentials
	}
	return nil
}
