// Package minter exchanges the server-held upstream API key for short-lived
// session credentials.
//
// The relay never hands its long-lived key to clients or to upstream
// WebSocket dials. Instead, [HTTPMinter] posts the sanitized session config
// to the upstream sessions endpoint and returns the ephemeral client secret
// embedded in the response. Minting is attempted exactly once per call;
// retry policy belongs to the caller.
package minter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voxrelay/voxrelay/internal/event"
)

// protocolHeader is the upstream protocol-version header attached to every
// mint request and WebSocket dial.
const (
	protocolHeaderName  = "OpenAI-Beta"
	protocolHeaderValue = "realtime=v1"
)

const defaultTimeout = 10 * time.Second

// MintError reports a failed mint attempt. Inspect Reason for the upstream
// response body or transport failure.
type MintError struct {
	StatusCode int
	Reason     string
}

func (e *MintError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("minter: upstream returned %d: %s", e.StatusCode, e.Reason)
	}
	return "minter: " + e.Reason
}

// EphemeralCredential is a short-lived upstream credential. It is never
// persisted; its lifetime is shorter than any single upstream session.
type EphemeralCredential struct {
	// Secret is the opaque bearer value.
	Secret string

	// ExpiresAt is the upstream-reported expiry instant.
	ExpiresAt time.Time
}

// Expired reports whether the credential is past its expiry.
func (c EphemeralCredential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Minter mints ephemeral credentials scoped to a session config.
type Minter interface {
	Mint(ctx context.Context, cfg event.SessionConfig) (EphemeralCredential, error)
}

// ── HTTPMinter ────────────────────────────────────────────────────────────────

// Compile-time interface check.
var _ Minter = (*HTTPMinter)(nil)

// Option is a functional option for configuring an [HTTPMinter].
type Option func(*HTTPMinter)

// WithHTTPClient overrides the HTTP client, primarily for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(m *HTTPMinter) { m.client = c }
}

// HTTPMinter calls the upstream sessions endpoint over HTTPS.
type HTTPMinter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// New creates an HTTPMinter against baseURL (e.g.
// "https://api.openai.com/v1/realtime") using the server-held apiKey.
func New(baseURL, apiKey string, opts ...Option) *HTTPMinter {
	m := &HTTPMinter{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// mintResponse is the subset of the sessions endpoint response the relay
// needs.
type mintResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Mint implements [Minter]. The session config has already been stripped to
// the whitelist; Mint serialises it as-is. Non-2xx responses and transport
// failures return a *MintError. No internal retry.
func (m *HTTPMinter) Mint(ctx context.Context, cfg event.SessionConfig) (EphemeralCredential, error) {
	body, err := json.Marshal(cfg.ApplyDefaults().Fields())
	if err != nil {
		return EphemeralCredential{}, &MintError{Reason: "encode session config: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return EphemeralCredential{}, &MintError{Reason: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocolHeaderName, protocolHeaderValue)

	resp, err := m.client.Do(req)
	if err != nil {
		return EphemeralCredential{}, &MintError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return EphemeralCredential{}, &MintError{
			StatusCode: resp.StatusCode,
			Reason:     string(snippet),
		}
	}

	var decoded mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return EphemeralCredential{}, &MintError{Reason: "decode response: " + err.Error()}
	}
	if decoded.ClientSecret.Value == "" {
		return EphemeralCredential{}, &MintError{Reason: "response missing client_secret.value"}
	}

	cred := EphemeralCredential{Secret: decoded.ClientSecret.Value}
	if decoded.ClientSecret.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(decoded.ClientSecret.ExpiresAt, 0)
	}
	return cred, nil
}

// IsMintError reports whether err is a mint failure and returns the detail.
func IsMintError(err error) (*MintError, bool) {
	var me *MintError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}
