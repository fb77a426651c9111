// Package turnrest issues coturn-compatible TURN REST credentials so call
// participants can reach a TURN relay without long-lived secrets.
//
//	username   = <unix_expiry>:<prefix>:<subject>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingSecret  = errors.New("turnrest: shared secret is required")
	ErrInvalidSubject = errors.New("turnrest: subject must be non-empty and must not contain ':'")
)

type Config struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Now            func() time.Time
}

type Generator struct {
	sharedSecret   []byte
	ttl            int64
	usernamePrefix string
	now            func() time.Time
}

type Credentials struct {
	Username   string
	Credential string
	ExpiresAt  time.Time
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("turnrest: TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("turnrest: UsernamePrefix must be non-empty and must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttl:            cfg.TTLSeconds,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
	}, nil
}

// Generate signs credentials for subject, typically a chat user id.
func (g *Generator) Generate(subject string) (Credentials, error) {
	if subject == "" || strings.Contains(subject, ":") {
		return Credentials{}, ErrInvalidSubject
	}
	expiry := g.now().UTC().Unix() + g.ttl
	username := fmt.Sprintf("%d:%s:%s", expiry, g.usernamePrefix, subject)
	return Credentials{
		Username:   username,
		Credential: Sign(g.sharedSecret, username),
		ExpiresAt:  time.Unix(expiry, 0).UTC(),
	}, nil
}

// ForUser signs credentials for userID, falling back to a random subject when
// the id cannot be embedded in a TURN username.
func (g *Generator) ForUser(userID string) (Credentials, error) {
	if userID == "" || strings.Contains(userID, ":") {
		userID = uuid.NewString()
	}
	return g.Generate(userID)
}

func Sign(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
