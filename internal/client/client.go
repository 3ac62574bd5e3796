package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/advodesk/advodesk/internal/session"
)

// Config holds common client configuration
type Config struct {
	ServerURL string
	Timeout   time.Duration
	Debug     bool
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		ServerURL: "http://localhost:8000",
		Timeout:   30 * time.Second,
		Debug:     false,
	}
}

func (c Config) serverURL() string {
	return strings.TrimRight(c.ServerURL, "/")
}

// Client is an authenticated HTTP client for the advodesk backend. Every
// request goes through the session transport, which keeps the bearer token
// fresh and recovers from expired access tokens.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates an authenticated client on top of the given session manager.
func New(cfg Config, sessions *session.Manager) *Client {
	transport := NewTransport(sessions, nil)
	transport.verbose = cfg.Debug

	return &Client{
		baseURL: cfg.serverURL(),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// HTTPClient exposes the underlying authenticated HTTP client for callers
// that build their own requests.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Identity is the backend's view of the logged-in user.
type Identity struct {
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Whoami fetches the identity behind the current session.
func (c *Client) Whoami(ctx context.Context) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/me", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whoami request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("whoami failed: backend returned %s", resp.Status)
	}

	var identity Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, fmt.Errorf("failed to decode identity: %w", err)
	}

	return &identity, nil
}
