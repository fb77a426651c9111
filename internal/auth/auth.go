// Package auth gates chat socket upgrades.
//
// Credentials are read from the upgrade request before any socket is
// established: the apiKey / token query parameters, or an Authorization
// bearer header for non-browser clients.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSubjectMismatch means the credential is valid but was issued to a
	// different user than the one named in the socket path.
	ErrSubjectMismatch = errors.New("credential subject does not match user")
)

// Identity is what a verified credential says about its bearer. Subject is
// empty for shared-secret modes.
type Identity struct {
	Subject string
}

type Verifier interface {
	Verify(credential string) (Identity, error)
}

// NewVerifier returns nil for AuthModeNone.
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return nil, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if v := q.Get("apiKey"); v != "" {
			return v, nil
		}
		if v := q.Get("token"); v != "" {
			return v, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if v := q.Get("token"); v != "" {
			return v, nil
		}
		if v := q.Get("apiKey"); v != "" {
			return v, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// CredentialFromRequest prefers a bearer Authorization header over the query
// string.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	if mode == config.AuthModeNone {
		return "", nil
	}
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token), nil
		}
	}
	return CredentialFromQuery(mode, r.URL.Query())
}

// Authorize verifies the request's credential and, when the credential names
// a subject, checks it against userID. A nil verifier allows everything.
func Authorize(v Verifier, mode config.AuthMode, r *http.Request, userID string) (Identity, error) {
	if v == nil {
		return Identity{Subject: userID}, nil
	}
	cred, err := CredentialFromRequest(mode, r)
	if err != nil {
		return Identity{}, err
	}
	id, err := v.Verify(cred)
	if err != nil {
		return Identity{}, err
	}
	if id.Subject != "" && userID != "" && id.Subject != userID {
		return Identity{}, ErrSubjectMismatch
	}
	if id.Subject == "" {
		id.Subject = userID
	}
	return id, nil
}
