package minter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxrelay/voxrelay/internal/event"
)

func testConfig(t *testing.T) event.SessionConfig {
	t.Helper()
	return event.SanitizeSessionConfig(map[string]any{
		"model": "gpt-4o-realtime-preview",
		"voice": "alloy",
	})
}

func TestMint_Success(t *testing.T) {
	var gotAuth, gotBeta, gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBeta = r.Header.Get("OpenAI-Beta")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"client_secret": map[string]any{
				"value":      "ek_test_secret",
				"expires_at": time.Now().Add(time.Minute).Unix(),
			},
		})
	}))
	defer srv.Close()

	m := New(srv.URL, "sk-server-key")
	cred, err := m.Mint(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if cred.Secret != "ek_test_secret" {
		t.Errorf("Secret = %q", cred.Secret)
	}
	if cred.ExpiresAt.IsZero() {
		t.Error("ExpiresAt not set")
	}
	if gotAuth != "Bearer sk-server-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBeta != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", gotBeta)
	}
	if gotPath != "/sessions" {
		t.Errorf("path = %q, want /sessions", gotPath)
	}

	// Defaults are applied before serialisation.
	if gotBody["model"] != "gpt-4o-realtime-preview" {
		t.Errorf("body model = %v", gotBody["model"])
	}
	if gotBody["input_audio_format"] != "pcm16" {
		t.Errorf("body input_audio_format = %v", gotBody["input_audio_format"])
	}
}

func TestMint_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_api_key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := New(srv.URL, "sk-bad")
	_, err := m.Mint(context.Background(), testConfig(t))
	if err == nil {
		t.Fatal("expected error")
	}

	me, ok := IsMintError(err)
	if !ok {
		t.Fatalf("error is not a MintError: %v", err)
	}
	if me.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", me.StatusCode)
	}
}

func TestMint_MissingSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"client_secret":{}}`))
	}))
	defer srv.Close()

	m := New(srv.URL, "sk")
	if _, err := m.Mint(context.Background(), testConfig(t)); err == nil {
		t.Fatal("expected error for missing client_secret.value")
	}
}

func TestMint_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse connections

	m := New(srv.URL, "sk")
	_, err := m.Mint(context.Background(), testConfig(t))
	if _, ok := IsMintError(err); !ok {
		t.Fatalf("transport failure not a MintError: %v", err)
	}
}

func TestMint_ContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	m := New(srv.URL, "sk")
	if _, err := m.Mint(ctx, testConfig(t)); err == nil {
		t.Fatal("expected error on context timeout")
	}
}

func TestEphemeralCredential_Expired(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		cred EphemeralCredential
		want bool
	}{
		{"future expiry", EphemeralCredential{Secret: "s", ExpiresAt: now.Add(time.Minute)}, false},
		{"past expiry", EphemeralCredential{Secret: "s", ExpiresAt: now.Add(-time.Minute)}, true},
		{"no expiry", EphemeralCredential{Secret: "s"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cred.Expired(now); got != tc.want {
				t.Errorf("Expired = %v, want %v", got, tc.want)
			}
		})
	}
}

// ── BreakerMinter ─────────────────────────────────────────────────────────────

// scriptedMinter fails until failuresLeft reaches zero, then succeeds.
type scriptedMinter struct {
	failuresLeft atomic.Int32
	calls        atomic.Int32
}

func (s *scriptedMinter) Mint(context.Context, event.SessionConfig) (EphemeralCredential, error) {
	s.calls.Add(1)
	if s.failuresLeft.Add(-1) >= 0 {
		return EphemeralCredential{}, errors.New("mint failed")
	}
	return EphemeralCredential{Secret: "ok"}, nil
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &scriptedMinter{}
	inner.failuresLeft.Store(100)
	b := NewBreaker(inner, WithMaxFailures(3), WithResetTimeout(time.Hour))

	for range 3 {
		if _, err := b.Mint(context.Background(), event.SessionConfig{}); err == nil {
			t.Fatal("expected failure")
		}
	}
	callsBefore := inner.calls.Load()

	// Breaker open: inner must not be called.
	if _, err := b.Mint(context.Background(), event.SessionConfig{}); err == nil {
		t.Fatal("open breaker should fail fast")
	}
	if inner.calls.Load() != callsBefore {
		t.Error("open breaker still called the inner minter")
	}
}

func TestBreaker_ProbesAfterResetTimeout(t *testing.T) {
	inner := &scriptedMinter{}
	inner.failuresLeft.Store(2)
	b := NewBreaker(inner, WithMaxFailures(2), WithResetTimeout(10*time.Millisecond))

	b.Mint(context.Background(), event.SessionConfig{})
	b.Mint(context.Background(), event.SessionConfig{})

	time.Sleep(20 * time.Millisecond)

	cred, err := b.Mint(context.Background(), event.SessionConfig{})
	if err != nil {
		t.Fatalf("probe after reset timeout failed: %v", err)
	}
	if cred.Secret != "ok" {
		t.Errorf("Secret = %q", cred.Secret)
	}

	// Breaker closed again; subsequent calls reach the inner minter.
	if _, err := b.Mint(context.Background(), event.SessionConfig{}); err != nil {
		t.Fatalf("closed breaker rejected: %v", err)
	}
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	inner := &scriptedMinter{}
	inner.failuresLeft.Store(1)
	b := NewBreaker(inner, WithMaxFailures(2), WithResetTimeout(time.Hour))

	b.Mint(context.Background(), event.SessionConfig{})                       // failure 1
	if _, err := b.Mint(context.Background(), event.SessionConfig{}); err != nil { // success
		t.Fatalf("Mint: %v", err)
	}

	// One more failure must not open the breaker (counter was reset).
	inner.failuresLeft.Store(1)
	b.Mint(context.Background(), event.SessionConfig{}) // failure 1 again
	if _, err := b.Mint(context.Background(), event.SessionConfig{}); err != nil {
		t.Fatalf("breaker opened too early: %v", err)
	}
}
