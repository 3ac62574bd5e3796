package client

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/advodesk/advodesk/internal/session"
)

// Transport authenticates every outbound request and recovers from expired
// access tokens. Outbound: best-effort proactive refresh, then bearer token
// and request ID headers. Inbound: a 401 triggers exactly one
// refresh-and-replay cycle per original request; a failed refresh logs the
// session out and the original 401 travels on to the caller.
type Transport struct {
	base     http.RoundTripper
	sessions *session.Manager

	// verbose raises per-request logging from debug to info level.
	verbose bool
}

var _ http.RoundTripper = (*Transport)(nil)

// NewTransport wraps base with session handling. A nil base falls back to
// http.DefaultTransport.
func NewTransport(sessions *session.Manager, base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base, sessions: sessions}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	// A failed proactive refresh must not block the request; the 401 path
	// below recovers if the token really is stale.
	if err := t.sessions.RefreshIfNeeded(ctx); err != nil {
		log.Debug().Err(err).Msg("proactive refresh failed, continuing with current token")
	}

	started := time.Now()

	out := req.Clone(ctx)
	t.decorate(out)

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || t.sessions.RefreshToken() == "" {
		t.finish(req, resp, started)
		return resp, nil
	}

	retry, ok := replayable(ctx, req)
	if !ok {
		// Body cannot be replayed, the caller gets the 401 as-is.
		t.finish(req, resp, started)
		return resp, nil
	}

	if err := t.sessions.Refresh(ctx); err != nil {
		log.Debug().Err(err).Str("url", req.URL.String()).Msg("refresh after 401 failed, logging out")
		t.sessions.Logout()
		return resp, nil
	}

	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()

	t.decorate(retry)

	resp, err = t.base.RoundTrip(retry)
	if err != nil {
		return nil, err
	}

	t.finish(req, resp, started)

	return resp, nil
}

// decorate attaches the bearer credential and a fresh request ID.
func (t *Transport) decorate(req *http.Request) {
	req.Header.Set("X-Request-Id", uuid.NewString())
	if token := t.sessions.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// finish records the round trip as user activity and logs it.
func (t *Transport) finish(req *http.Request, resp *http.Response, started time.Time) {
	t.sessions.TouchActivity()

	evt := log.Debug()
	if t.verbose {
		evt = log.Info()
	}

	evt.
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(started)).
		Msg("api call")
}

// replayable builds a one-shot copy of req for the retry, or reports that the
// request body cannot be reproduced.
func replayable(ctx context.Context, req *http.Request) (*http.Request, bool) {
	if req.Body != nil && req.GetBody == nil {
		return nil, false
	}

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, false
		}
		retry.Body = body
	}

	return retry, true
}
