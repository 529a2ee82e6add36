package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Compile-time interface check.
var _ Registry = (*HTTPRegistry)(nil)

const defaultHTTPTimeout = 15 * time.Second

// HTTPOption is a functional option for configuring an [HTTPRegistry].
type HTTPOption func(*HTTPRegistry)

// WithHTTPClient overrides the HTTP client, primarily for tests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(r *HTTPRegistry) { r.client = c }
}

// HTTPRegistry talks to a plain HTTP tool registry exposing GET /tools and
// POST /call.
type HTTPRegistry struct {
	baseURL string
	client  *http.Client
}

// NewHTTP creates a registry client against baseURL.
func NewHTTP(baseURL string, opts ...HTTPOption) *HTTPRegistry {
	r := &HTTPRegistry{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ListTools implements [Registry].
func (r *HTTPRegistry) ListTools(ctx context.Context) ([]Tool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/tools", nil)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: list tools: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry: list tools: status %d", resp.StatusCode)
	}

	var decoded struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("registry: decode tool list: %w", err)
	}
	return decoded.Tools, nil
}

// Call implements [Registry]. The registry's raw JSON response body is
// returned unmodified.
func (r *HTTPRegistry) Call(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{
		"name":      name,
		"arguments": params,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: encode call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/call", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: call %q: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("registry: call %q: status %d: %s", name, resp.StatusCode, snippet)
	}

	result, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("registry: read call result: %w", err)
	}
	if !json.Valid(result) {
		return nil, fmt.Errorf("registry: call %q returned invalid JSON", name)
	}
	return result, nil
}
