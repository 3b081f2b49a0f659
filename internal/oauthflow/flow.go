package oauthflow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/catkins/mcp-bouncer/internal/secret"
)

const httpStepTimeout = 30 * time.Second

// serverMetadata is the subset of RFC 8414 authorization-server metadata the
// flow needs.
type serverMetadata struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`
}

// Flow is the per-server OAuth state machine: discover endpoints, register a
// client if the server supports dynamic registration, build the
// authorization URL with PKCE, and exchange the callback code for tokens.
type Flow struct {
	baseURL    string
	httpClient *http.Client

	meta         serverMetadata
	clientID     string
	clientSecret string
	redirectURI  string
	scopes       []string

	pkceVerifier string
	state        string
}

// NewFlow builds a flow rooted at the authorization server's base URL
// (scheme + host + port of the upstream endpoint).
func NewFlow(baseURL string) *Flow {
	return &Flow{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: httpStepTimeout},
	}
}

// BaseURLFromEndpoint derives scheme+host+port from an upstream endpoint URL.
func BaseURLFromEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no scheme or host", endpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}

func randomToken(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// discover fetches RFC 8414 metadata, falling back to the conventional
// /authorize and /token paths when the well-known document is absent.
func (f *Flow) discover(ctx context.Context) error {
	stepCtx, cancel := context.WithTimeout(ctx, httpStepTimeout)
	defer cancel()

	wellKnown := f.baseURL + "/.well-known/oauth-authorization-server"
	req, err := http.NewRequestWithContext(stepCtx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return err
	}
	resp, err := f.httpClient.Do(req)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			var meta serverMetadata
			if err := json.NewDecoder(resp.Body).Decode(&meta); err == nil &&
				meta.AuthorizationEndpoint != "" && meta.TokenEndpoint != "" {
				f.meta = meta
				return nil
			}
		}
	}

	f.meta = serverMetadata{
		AuthorizationEndpoint: f.baseURL + "/authorize",
		TokenEndpoint:         f.baseURL + "/token",
	}
	return nil
}

// register performs RFC 7591 dynamic client registration when the server
// advertises a registration endpoint and no client id is configured.
func (f *Flow) register(ctx context.Context, clientLabel string) error {
	if f.clientID != "" || f.meta.RegistrationEndpoint == "" {
		return nil
	}

	stepCtx, cancel := context.WithTimeout(ctx, httpStepTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]interface{}{
		"client_name":                clientLabel,
		"redirect_uris":              []string{f.redirectURI},
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"token_endpoint_auth_method": "none",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(stepCtx, http.MethodPost, f.meta.RegistrationEndpoint, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client registration: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client registration returned %d", resp.StatusCode)
	}

	var reg struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return fmt.Errorf("decode registration response: %w", err)
	}
	if reg.ClientID == "" {
		return fmt.Errorf("client registration returned no client_id")
	}
	f.clientID = reg.ClientID
	f.clientSecret = reg.ClientSecret
	return nil
}

// SetClient pre-seeds a statically configured client id/secret, skipping
// dynamic registration.
func (f *Flow) SetClient(clientID, clientSecret string) {
	f.clientID = clientID
	f.clientSecret = clientSecret
}

// StartAuthorization runs discovery and registration, then returns the
// authorization URL for the browser. PKCE (S256) and a random state are
// always applied.
func (f *Flow) StartAuthorization(ctx context.Context, scopes []string, redirectURI, clientLabel string) (string, error) {
	f.redirectURI = redirectURI
	f.scopes = scopes

	if err := f.discover(ctx); err != nil {
		return "", fmt.Errorf("discover authorization server: %w", err)
	}
	if err := f.register(ctx, clientLabel); err != nil {
		return "", err
	}
	if f.clientID == "" {
		// No registration endpoint and nothing configured: fall back to the
		// label so servers that accept public clients by name still work.
		f.clientID = clientLabel
	}

	f.pkceVerifier = randomToken(32)
	f.state = randomToken(16)

	challenge := sha256.Sum256([]byte(f.pkceVerifier))

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", f.clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", f.state)
	q.Set("code_challenge", base64.RawURLEncoding.EncodeToString(challenge[:]))
	q.Set("code_challenge_method", "S256")
	if len(scopes) > 0 {
		q.Set("scope", strings.Join(scopes, " "))
	}

	return f.meta.AuthorizationEndpoint + "?" + q.Encode(), nil
}

// HandleCallback verifies state and exchanges the authorization code for a
// token payload at the token endpoint.
func (f *Flow) HandleCallback(ctx context.Context, code, state string) (secret.TokenPayload, error) {
	if state != f.state {
		return secret.TokenPayload{}, fmt.Errorf("authorization state mismatch")
	}

	stepCtx, cancel := context.WithTimeout(ctx, httpStepTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", f.redirectURI)
	form.Set("client_id", f.clientID)
	form.Set("code_verifier", f.pkceVerifier)
	if f.clientSecret != "" {
		form.Set("client_secret", f.clientSecret)
	}

	req, err := http.NewRequestWithContext(stepCtx, http.MethodPost, f.meta.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return secret.TokenPayload{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return secret.TokenPayload{}, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return secret.TokenPayload{}, fmt.Errorf("token exchange returned %d", resp.StatusCode)
	}

	var payload secret.TokenPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return secret.TokenPayload{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return secret.TokenPayload{}, fmt.Errorf("token response carried no access_token")
	}
	return payload, nil
}
