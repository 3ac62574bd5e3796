package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultIdleTimeout is how long a session may sit without recorded
	// activity before bootstrap treats it as abandoned.
	DefaultIdleTimeout = 24 * time.Hour

	// DefaultRefreshWindow is how far ahead of access-token expiry a
	// refresh is triggered.
	DefaultRefreshWindow = 30 * time.Second

	persistRetryDelay = 250 * time.Millisecond
)

// Sentinel errors
var (
	// ErrNoRefreshToken is returned when a refresh is requested without a
	// refresh token on hand.
	ErrNoRefreshToken = errors.New("no refresh token")
)

// TokenPair is an access/refresh token pair as returned by the credential
// endpoints. Refresh may be empty on refresh responses, in which case the
// prior refresh token stays in force.
type TokenPair struct {
	Access  string
	Refresh string
}

// AuthAPI is the slice of the backend the session manager talks to directly.
// Implementations must bypass the authenticated transport to avoid recursive
// auth handling.
type AuthAPI interface {
	// Login exchanges credentials for a token pair.
	Login(ctx context.Context, username, password string) (TokenPair, error)

	// Refresh exchanges a refresh token for a new access token.
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)

	// Whoami validates an access token. Any error means "invalid".
	Whoami(ctx context.Context, accessToken string) error
}

// Config holds session manager configuration. Zero values fall back to the
// defaults above.
type Config struct {
	IdleTimeout   time.Duration
	RefreshWindow time.Duration

	// Clock is the time source, overridable in tests.
	Clock func() time.Time
}

// Manager owns the token lifecycle: login, proactive refresh scheduling,
// idle-timeout enforcement, rehydration on startup, and logout. It is the
// only mutator of session state; the transport and command layers read
// through its accessors.
type Manager struct {
	store *Store
	api   AuthAPI

	idleTimeout   time.Duration
	refreshWindow time.Duration
	now           func() time.Time

	refreshGroup singleflight.Group

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	username     string
	lastActiveAt time.Time
	initialized  bool
	timer        *time.Timer

	// epoch counts session generations. Login and Logout bump it so a
	// refresh that was in flight when the session changed hands cannot
	// commit a stale result.
	epoch uint64
}

// NewManager creates a session manager backed by the given store and auth
// endpoints.
func NewManager(store *Store, api AuthAPI, cfg Config) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.RefreshWindow <= 0 {
		cfg.RefreshWindow = DefaultRefreshWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Manager{
		store:         store,
		api:           api,
		idleTimeout:   cfg.IdleTimeout,
		refreshWindow: cfg.RefreshWindow,
		now:           cfg.Clock,
	}
}

// Bootstrap rehydrates a persisted session and validates it against the
// backend. It runs once at process startup, before anything else is allowed
// to act on session state. Whatever happens, the manager ends up initialized;
// an unusable session ends up cleanly logged out, never half-authenticated.
func (m *Manager) Bootstrap(ctx context.Context) error {
	defer func() {
		m.mu.Lock()
		m.initialized = true
		m.mu.Unlock()
	}()

	st, err := m.store.Load()
	if err != nil {
		log.Debug().Err(err).Msg("failed to load persisted session")
	}

	m.mu.Lock()
	if st != nil {
		// Persisted state wins; in-memory values only fill the gaps.
		if st.AccessToken != "" {
			m.accessToken = st.AccessToken
		}
		if st.RefreshToken != "" {
			m.refreshToken = st.RefreshToken
		}
		if st.Username != "" {
			m.username = st.Username
		}
		if !st.LastActive().IsZero() {
			m.lastActiveAt = st.LastActive()
		}
	}
	access := m.accessToken
	refresh := m.refreshToken
	lastActive := m.lastActiveAt
	m.mu.Unlock()

	if access == "" && refresh == "" {
		return nil
	}

	if !lastActive.IsZero() && m.now().Sub(lastActive) > m.idleTimeout {
		log.Info().
			Time("lastActive", lastActive).
			Dur("idleTimeout", m.idleTimeout).
			Msg("session abandoned, logging out")
		m.Logout()
		return nil
	}

	if err := m.api.Whoami(ctx, access); err != nil {
		log.Debug().Err(err).Msg("access token rejected during bootstrap")

		if refresh == "" {
			m.Logout()
			return nil
		}

		if err := m.Refresh(ctx); err != nil {
			log.Debug().Err(err).Msg("refresh failed during bootstrap")
			m.Logout()
			return nil
		}

		m.mu.Lock()
		access = m.accessToken
		m.mu.Unlock()

		if err := m.api.Whoami(ctx, access); err != nil {
			log.Debug().Err(err).Msg("refreshed token rejected during bootstrap")
			m.Logout()
			return nil
		}

		// Refresh already armed the next proactive refresh.
		return nil
	}

	m.mu.Lock()
	m.scheduleRefreshLocked()
	m.mu.Unlock()

	return nil
}

// Login exchanges credentials for a session. Failure leaves session state
// untouched. Login succeeds as long as the backend accepted the credentials;
// a failed persistence write is retried once and then logged, never fatal.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	pair, err := m.api.Login(ctx, username, password)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.epoch++
	m.accessToken = pair.Access
	m.refreshToken = pair.Refresh
	m.username = username
	m.lastActiveAt = m.now()
	st := m.persistedLocked()
	m.scheduleRefreshLocked()
	m.mu.Unlock()

	if err := m.persistWithRetry(ctx, st); err != nil {
		log.Warn().Err(err).Msg("failed to persist session after login")
	}

	log.Info().Str("username", username).Msg("logged in")

	return nil
}

// Refresh exchanges the refresh token for a new access token. Concurrent
// callers share a single in-flight refresh and observe the same outcome; the
// in-flight slot is cleared once the operation settles either way. Failure
// propagates to the caller without forcing a logout here, the caller decides.
// A logout that lands while the exchange is in flight wins: the stale result
// is discarded instead of resurrecting the terminated session.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.refreshGroup.Do("refresh", func() (any, error) {
		m.mu.Lock()
		refresh := m.refreshToken
		epoch := m.epoch
		m.mu.Unlock()

		if refresh == "" {
			return nil, ErrNoRefreshToken
		}

		pair, err := m.api.Refresh(ctx, refresh)
		if err != nil {
			return nil, fmt.Errorf("token refresh failed: %w", err)
		}

		m.mu.Lock()
		if m.epoch != epoch {
			m.mu.Unlock()
			log.Debug().Msg("session changed while refresh was in flight, discarding result")
			return nil, ErrNoRefreshToken
		}
		m.accessToken = pair.Access
		if pair.Refresh != "" {
			m.refreshToken = pair.Refresh
		}
		st := m.persistedLocked()
		m.scheduleRefreshLocked()
		saveErr := m.store.Save(st)
		m.mu.Unlock()

		if saveErr != nil {
			log.Warn().Err(saveErr).Msg("failed to persist refreshed session")
		}

		log.Debug().Msg("access token refreshed")

		return nil, nil
	})

	return err
}

// RefreshIfNeeded refreshes proactively when the access token's decoded
// expiry is within the refresh window of now (boundary inclusive), or when
// the expiry is undecodable. A no-op with time to spare, or when there is no
// session at all.
func (m *Manager) RefreshIfNeeded(ctx context.Context) error {
	m.mu.Lock()
	access := m.accessToken
	refresh := m.refreshToken
	m.mu.Unlock()

	if access == "" && refresh == "" {
		return nil
	}

	if exp, ok := tokenExpiry(access); ok && m.now().Add(m.refreshWindow).Before(exp) {
		return nil
	}

	return m.Refresh(ctx)
}

// Logout clears session state in memory and on disk and cancels any pending
// proactive refresh. Safe to call when already logged out. The manager stays
// initialized, simply with no active session.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.epoch++
	m.accessToken = ""
	m.refreshToken = ""
	m.username = ""
	m.lastActiveAt = time.Time{}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	if err := m.store.Clear(); err != nil {
		log.Warn().Err(err).Msg("failed to clear persisted session")
	}

	log.Debug().Msg("logged out")
}

// TouchActivity records user activity now, in memory and best-effort in the
// persisted blob. The activity timestamp only ever moves forward.
func (m *Manager) TouchActivity() {
	now := m.now()

	m.mu.Lock()
	if (m.accessToken == "" && m.refreshToken == "") || !now.After(m.lastActiveAt) {
		m.mu.Unlock()
		return
	}
	m.lastActiveAt = now
	m.mu.Unlock()

	if err := m.store.Touch(now); err != nil {
		log.Debug().Err(err).Msg("failed to persist activity timestamp")
	}
}

// AccessToken returns the current access token, empty when unauthenticated.
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessToken
}

// RefreshToken returns the current refresh token.
func (m *Manager) RefreshToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshToken
}

// Username returns the identity label of the logged-in user.
func (m *Manager) Username() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.username
}

// Authenticated reports whether a session is active.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessToken != ""
}

// Initialized reports whether Bootstrap has completed, successfully or not.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// LastActive returns the last recorded activity time, zero when none.
func (m *Manager) LastActive() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActiveAt
}

// TokenExpiry returns the decoded expiry of the current access token.
func (m *Manager) TokenExpiry() (time.Time, bool) {
	m.mu.Lock()
	access := m.accessToken
	m.mu.Unlock()
	return tokenExpiry(access)
}

// persistedLocked snapshots the persisted subset of session state.
// Callers must hold mu.
func (m *Manager) persistedLocked() *State {
	st := &State{
		AccessToken:  m.accessToken,
		RefreshToken: m.refreshToken,
		Username:     m.username,
	}
	if !m.lastActiveAt.IsZero() {
		st.LastActiveAt = m.lastActiveAt.UnixMilli()
	}
	return st
}

// persistWithRetry saves session state, retrying once after a short delay.
func (m *Manager) persistWithRetry(ctx context.Context, st *State) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, m.store.Save(st)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(persistRetryDelay)),
		backoff.WithMaxTries(2),
	)
	return err
}

// scheduleRefreshLocked cancels any armed refresh timer and arms a new
// one-shot timer off the current access token's expiry. A token with no
// decodable expiry gets no timer; the transport's 401 recovery covers it.
// Callers must hold mu.
func (m *Manager) scheduleRefreshLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	exp, ok := tokenExpiry(m.accessToken)
	if !ok {
		log.Debug().Msg("access token has no decodable expiry, proactive refresh disabled")
		return
	}

	delay := exp.Sub(m.now()) - m.refreshWindow
	if delay < 0 {
		delay = 0
	}

	m.timer = time.AfterFunc(delay, func() {
		if err := m.Refresh(context.Background()); err != nil {
			// Background failure is absorbed; the next 401 recovers.
			log.Debug().Err(err).Msg("background token refresh failed")
		}
	})

	log.Debug().Dur("delay", delay).Time("expiry", exp).Msg("scheduled proactive refresh")
}
