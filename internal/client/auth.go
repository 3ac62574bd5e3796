package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/advodesk/advodesk/internal/session"
)

// Sentinel errors
var (
	// ErrInvalidCredentials is returned when the backend rejects a login or
	// refresh outright.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrMalformedTokenResponse is returned when an auth response carries no
	// recognised token fields under either naming convention.
	ErrMalformedTokenResponse = errors.New("auth response missing token fields")
)

// AuthClient talks to the credential endpoints over a plain HTTP client,
// deliberately outside the authenticated transport to avoid recursive auth
// handling. It implements session.AuthAPI.
type AuthClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ session.AuthAPI = (*AuthClient)(nil)

// NewAuthClient creates a client for the backend's auth endpoints.
func NewAuthClient(cfg Config) *AuthClient {
	return &AuthClient{
		baseURL:    cfg.serverURL(),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// tokenResponse tolerates both field-naming conventions the backend has been
// observed to use for token pairs.
type tokenResponse struct {
	Access       string `json:"access"`
	Refresh      string `json:"refresh"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (r *tokenResponse) pair() (session.TokenPair, error) {
	pair := session.TokenPair{Access: r.Access, Refresh: r.Refresh}
	if pair.Access == "" {
		pair.Access = r.AccessToken
	}
	if pair.Refresh == "" {
		pair.Refresh = r.RefreshToken
	}
	if pair.Access == "" {
		return session.TokenPair{}, fmt.Errorf(
			"%w: expected access/refresh or access_token/refresh_token", ErrMalformedTokenResponse)
	}
	return pair, nil
}

// Login exchanges credentials for a token pair.
func (a *AuthClient) Login(ctx context.Context, username, password string) (session.TokenPair, error) {
	body := map[string]string{
		"username": username,
		"password": password,
	}

	resp, err := a.postJSON(ctx, "/auth/login", body)
	if err != nil {
		return session.TokenPair{}, fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return session.TokenPair{}, fmt.Errorf("%w: backend returned %s", ErrInvalidCredentials, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return session.TokenPair{}, fmt.Errorf("login failed: backend returned %s", resp.Status)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return session.TokenPair{}, fmt.Errorf("failed to decode login response: %w", err)
	}

	return tr.pair()
}

// Refresh exchanges a refresh token for a new access token. The refresh token
// itself is not rotated by this contract; the response may omit it.
func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (session.TokenPair, error) {
	body := map[string]string{
		"refresh": refreshToken,
	}

	resp, err := a.postJSON(ctx, "/auth/refresh", body)
	if err != nil {
		return session.TokenPair{}, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return session.TokenPair{}, fmt.Errorf("%w: backend returned %s", ErrInvalidCredentials, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return session.TokenPair{}, fmt.Errorf("refresh failed: backend returned %s", resp.Status)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return session.TokenPair{}, fmt.Errorf("failed to decode refresh response: %w", err)
	}

	return tr.pair()
}

// Whoami validates an access token with a lightweight authenticated call.
// Any 2xx response means "valid"; anything else is invalid.
func (a *AuthClient) Whoami(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/auth/me", nil)
	if err != nil {
		return fmt.Errorf("failed to build whoami request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whoami request failed: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("access token rejected: backend returned %s", resp.Status)
	}

	return nil
}

func (a *AuthClient) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return a.httpClient.Do(req)
}
