// Package auth gates the sync WebSocket behind a shared API key.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/url"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Verifier checks a client-presented credential.
type Verifier interface {
	Verify(credential string) error
}

// APIKeyVerifier compares against a single shared key in constant time.
// An empty configured key rejects everything; use NoAuth to disable the gate.
type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) error {
	if apiKey == "" || v.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// NoAuth accepts every credential, including an absent one.
type NoAuth struct{}

func (NoAuth) Verify(string) error { return nil }

// CredentialFromQuery extracts the API key from a request query string.
// Browsers cannot set headers on a WebSocket handshake, so the key travels
// as a query parameter.
func CredentialFromQuery(q url.Values) (string, error) {
	if apiKey := q.Get("apiKey"); apiKey != "" {
		return apiKey, nil
	}
	return "", ErrMissingCredentials
}
