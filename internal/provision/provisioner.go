// Package provision fetches short-lived credentials for the realtime AI
// pipeline. Tokens are cached until close to expiry and re-fetched on demand,
// so a reconnecting session always dials with a fresh token.
package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Credentials is one ephemeral grant for dialing the pipeline.
type Credentials struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c Credentials) Valid(now time.Time) bool {
	return c.Token != "" && now.Before(c.ExpiresAt)
}

// Source yields credentials for a session dial.
type Source interface {
	Fetch(ctx context.Context) (Credentials, error)
	Invalidate()
}

// Client provisions against an HTTP endpoint returning
// {"token": "...", "ttl_seconds": N} or {"token": "...", "expires_at": "..."}.
type Client struct {
	url        string
	apiKey     string
	defaultTTL time.Duration
	httpClient *http.Client

	mu     sync.Mutex
	cached Credentials
}

func NewClient(url, apiKey string, defaultTTL time.Duration) *Client {
	if defaultTTL <= 0 {
		defaultTTL = 60 * time.Second
	}
	return &Client{
		url:        strings.TrimSpace(url),
		apiKey:     strings.TrimSpace(apiKey),
		defaultTTL: defaultTTL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Fetch(ctx context.Context) (Credentials, error) {
	now := time.Now()

	c.mu.Lock()
	// Refuse tokens within 5s of expiry so a dial never races the TTL.
	if c.cached.Valid(now.Add(5 * time.Second)) {
		creds := c.cached
		c.mu.Unlock()
		return creds, nil
	}
	c.mu.Unlock()

	creds, err := c.fetchFresh(ctx)
	if err != nil {
		return Credentials{}, err
	}

	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()
	return creds, nil
}

// Invalidate drops the cached token so the next Fetch hits the endpoint.
// Called when the pipeline rejects a dial on reconnect.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.cached = Credentials{}
	c.mu.Unlock()
}

func (c *Client) fetchFresh(ctx context.Context) (Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("create provision request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("provision request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 2<<10))
		return Credentials{}, fmt.Errorf("provision status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Token      string    `json:"token"`
		TTLSeconds int       `json:"ttl_seconds"`
		ExpiresAt  time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return Credentials{}, fmt.Errorf("decode provision response: %w", err)
	}
	if strings.TrimSpace(payload.Token) == "" {
		return Credentials{}, fmt.Errorf("provision response missing token")
	}

	expires := payload.ExpiresAt
	if expires.IsZero() {
		ttl := c.defaultTTL
		if payload.TTLSeconds > 0 {
			ttl = time.Duration(payload.TTLSeconds) * time.Second
		}
		expires = time.Now().Add(ttl)
	}
	return Credentials{Token: payload.Token, ExpiresAt: expires}, nil
}

// Static serves one fixed token, used when the pipeline accepts a long-lived
// API key directly.
type Static struct {
	token string
}

func NewStatic(token string) *Static {
	return &Static{token: strings.TrimSpace(token)}
}

func (s *Static) Fetch(context.Context) (Credentials, error) {
	if s.token == "" {
		return Credentials{}, fmt.Errorf("no credentials configured")
	}
	return Credentials{Token: s.token, ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
}

func (s *Static) Invalidate() {}
