package secret

import (
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/catkins/mcp-bouncer/internal/bouncererr"
)

// TokenPayload is the OAuth token response persisted per server.
type TokenPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Credentials is the persisted shape: the token payload plus an absolute
// expiry in unix seconds. On load, a relative expires_in is recomputed from
// the absolute timestamp and clamped to >= 0.
type Credentials struct {
	Data      TokenPayload `json:"data"`
	ExpiresAt *int64       `json:"expires_at"`
}

// RemainingExpiresIn recomputes a relative expiry from the absolute
// timestamp, clamped to >= 0. Zero with ok=false means no expiry is known.
func (c Credentials) RemainingExpiresIn(now time.Time) (int64, bool) {
	if c.ExpiresAt == nil {
		return 0, false
	}
	remaining := *c.ExpiresAt - now.Unix()
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Expired reports whether an absolute expiry is known and has passed.
func (c Credentials) Expired(now time.Time) bool {
	remaining, ok := c.RemainingExpiresIn(now)
	return ok && remaining == 0
}

// NewCredentials stamps an absolute expiry from the payload's relative
// expires_in. When expires_in is absent, the access token itself is
// inspected: a JWT carrying an exp claim supplies the absolute expiry
// without a round trip.
func NewCredentials(payload TokenPayload, now time.Time) Credentials {
	c := Credentials{Data: payload}
	if payload.ExpiresIn > 0 {
		abs := now.Unix() + payload.ExpiresIn
		c.ExpiresAt = &abs
	} else if exp, ok := jwtExpiry(payload.AccessToken); ok {
		c.ExpiresAt = &exp
	}
	return c
}

// jwtExpiry extracts the exp claim from a JWT access token without
// verifying its signature; the token is only inspected, never trusted.
func jwtExpiry(accessToken string) (int64, bool) {
	if accessToken == "" {
		return 0, false
	}
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return 0, false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0, false
	}
	return exp.Unix(), true
}

// SaveCredentials persists creds for serverName through the store.
func SaveCredentials(s Store, serverName string, creds Credentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return bouncererr.Wrap(bouncererr.KindInfrastructure, "backend_error", "marshal credentials", err)
	}
	return s.Set(NamespaceOAuthToken, serverName, string(raw))
}

// LoadCredentials reads the persisted credentials for serverName. The
// loaded payload's ExpiresIn is recomputed from ExpiresAt.
func LoadCredentials(s Store, serverName string) (Credentials, error) {
	raw, err := s.Get(NamespaceOAuthToken, serverName)
	if err != nil {
		return Credentials{}, err
	}
	var creds Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return Credentials{}, bouncererr.Wrap(bouncererr.KindInfrastructure, "backend_error", "unmarshal credentials", err)
	}
	if remaining, ok := creds.RemainingExpiresIn(time.Now()); ok {
		creds.Data.ExpiresIn = remaining
	}
	return creds, nil
}

// DeleteCredentials removes any persisted credentials for serverName.
func DeleteCredentials(s Store, serverName string) error {
	return s.Delete(NamespaceOAuthToken, serverName)
}
