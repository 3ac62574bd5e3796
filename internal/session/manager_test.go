package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAuth is a scriptable AuthAPI.
type fakeAuth struct {
	mu sync.Mutex

	loginPair   TokenPair
	loginErr    error
	refreshPair TokenPair
	refreshErr  error
	whoami      func(accessToken string) error

	loginCalls   int
	refreshCalls int
	whoamiCalls  int

	// refreshGate, when set, blocks Refresh until the channel is closed.
	refreshGate chan struct{}
}

func (f *fakeAuth) Login(ctx context.Context, username, password string) (TokenPair, error) {
	f.mu.Lock()
	f.loginCalls++
	pair, err := f.loginPair, f.loginErr
	f.mu.Unlock()
	return pair, err
}

func (f *fakeAuth) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	f.mu.Lock()
	f.refreshCalls++
	gate := f.refreshGate
	pair, err := f.refreshPair, f.refreshErr
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return pair, err
}

func (f *fakeAuth) Whoami(ctx context.Context, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.whoamiCalls++
	if f.whoami == nil {
		return nil
	}
	return f.whoami(accessToken)
}

func (f *fakeAuth) counts() (login, refresh, whoami int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginCalls, f.refreshCalls, f.whoamiCalls
}

func newTestManager(t *testing.T, api AuthAPI, cfg Config) (*Manager, *Store) {
	t.Helper()
	store, err := NewStore(t.TempDir(), "https://api.example.com")
	require.NoError(t, err)
	return NewManager(store, api, cfg), store
}

func TestManager_Login(t *testing.T) {
	t.Run("stores tokens and persists", func(t *testing.T) {
		api := &fakeAuth{loginPair: TokenPair{
			Access:  tokenWithExpiry(t, time.Now().Add(1*time.Hour)),
			Refresh: "R1",
		}}
		m, store := newTestManager(t, api, Config{})

		require.NoError(t, m.Login(context.Background(), "alice", "secret"))

		assert.True(t, m.Authenticated())
		assert.Equal(t, "alice", m.Username())
		assert.Equal(t, "R1", m.RefreshToken())
		assert.False(t, m.LastActive().IsZero())

		st, err := store.Load()
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, m.AccessToken(), st.AccessToken)
		assert.Equal(t, "R1", st.RefreshToken)
		assert.Equal(t, "alice", st.Username)
		assert.NotZero(t, st.LastActiveAt)
	})

	t.Run("arms the proactive refresh timer", func(t *testing.T) {
		api := &fakeAuth{loginPair: TokenPair{
			Access:  tokenWithExpiry(t, time.Now().Add(1*time.Hour)),
			Refresh: "R1",
		}}
		m, _ := newTestManager(t, api, Config{})

		require.NoError(t, m.Login(context.Background(), "alice", "secret"))

		m.mu.Lock()
		defer m.mu.Unlock()
		assert.NotNil(t, m.timer)
	})

	t.Run("persistence failure is retried and never fails the login", func(t *testing.T) {
		api := &fakeAuth{loginPair: TokenPair{
			Access:  tokenWithExpiry(t, time.Now().Add(1*time.Hour)),
			Refresh: "R1",
		}}
		// A store pointed below a missing directory fails every Save.
		store := &Store{path: filepath.Join(t.TempDir(), "missing", "state.json")}
		m := NewManager(store, api, Config{})

		start := time.Now()
		require.NoError(t, m.Login(context.Background(), "alice", "secret"))

		// The second write attempt only happens after the retry delay.
		assert.GreaterOrEqual(t, time.Since(start), persistRetryDelay)

		assert.True(t, m.Authenticated())
		assert.Equal(t, "alice", m.Username())
		assert.Equal(t, "R1", m.RefreshToken())

		st, err := store.Load()
		require.NoError(t, err)
		assert.Nil(t, st)
	})

	t.Run("failure leaves session untouched", func(t *testing.T) {
		api := &fakeAuth{loginErr: errors.New("wrong password")}
		m, store := newTestManager(t, api, Config{})

		err := m.Login(context.Background(), "alice", "nope")
		require.Error(t, err)

		assert.False(t, m.Authenticated())
		assert.Empty(t, m.Username())

		st, err := store.Load()
		require.NoError(t, err)
		assert.Nil(t, st)
	})
}

func TestManager_Refresh(t *testing.T) {
	t.Run("replaces access token and re-persists", func(t *testing.T) {
		newAccess := tokenWithExpiry(t, time.Now().Add(1*time.Hour))
		api := &fakeAuth{refreshPair: TokenPair{Access: newAccess}}
		m, store := newTestManager(t, api, Config{})
		m.refreshToken = "R1"

		require.NoError(t, m.Refresh(context.Background()))

		assert.Equal(t, newAccess, m.AccessToken())
		// Refresh token is not rotated by this contract.
		assert.Equal(t, "R1", m.RefreshToken())

		st, err := store.Load()
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, newAccess, st.AccessToken)
	})

	t.Run("requires a refresh token", func(t *testing.T) {
		api := &fakeAuth{}
		m, _ := newTestManager(t, api, Config{})

		err := m.Refresh(context.Background())
		require.ErrorIs(t, err, ErrNoRefreshToken)

		_, refreshCalls, _ := api.counts()
		assert.Zero(t, refreshCalls)
	})

	t.Run("failure keeps prior access token", func(t *testing.T) {
		api := &fakeAuth{refreshErr: errors.New("revoked")}
		m, _ := newTestManager(t, api, Config{})
		m.accessToken = "A1"
		m.refreshToken = "R1"

		err := m.Refresh(context.Background())
		require.Error(t, err)

		assert.Equal(t, "A1", m.AccessToken())
		assert.Equal(t, "R1", m.RefreshToken())
	})

	t.Run("concurrent callers share one in-flight refresh", func(t *testing.T) {
		gate := make(chan struct{})
		api := &fakeAuth{
			refreshPair: TokenPair{Access: tokenWithExpiry(t, time.Now().Add(1*time.Hour))},
			refreshGate: gate,
		}
		m, _ := newTestManager(t, api, Config{})
		m.refreshToken = "R1"

		const callers = 8
		errs := make(chan error, callers)
		var started sync.WaitGroup
		started.Add(callers)
		for range callers {
			go func() {
				started.Done()
				errs <- m.Refresh(context.Background())
			}()
		}
		started.Wait()
		time.Sleep(50 * time.Millisecond) // let callers pile up behind the gate
		close(gate)

		for range callers {
			require.NoError(t, <-errs)
		}

		_, refreshCalls, _ := api.counts()
		assert.Equal(t, 1, refreshCalls)
	})

	t.Run("in-flight slot clears after failure", func(t *testing.T) {
		api := &fakeAuth{refreshErr: errors.New("backend down")}
		m, _ := newTestManager(t, api, Config{})
		m.refreshToken = "R1"

		require.Error(t, m.Refresh(context.Background()))
		require.Error(t, m.Refresh(context.Background()))

		_, refreshCalls, _ := api.counts()
		assert.Equal(t, 2, refreshCalls)
	})
}

func TestManager_RefreshIfNeeded(t *testing.T) {
	freshPair := func(t *testing.T) TokenPair {
		return TokenPair{Access: tokenWithExpiry(t, time.Now().Add(1*time.Hour))}
	}

	t.Run("no-op with time to spare", func(t *testing.T) {
		api := &fakeAuth{}
		m, _ := newTestManager(t, api, Config{})
		m.accessToken = tokenWithExpiry(t, time.Now().Add(10*time.Minute))
		m.refreshToken = "R1"

		require.NoError(t, m.RefreshIfNeeded(context.Background()))

		_, refreshCalls, _ := api.counts()
		assert.Zero(t, refreshCalls)
	})

	t.Run("refreshes inside the safety window", func(t *testing.T) {
		api := &fakeAuth{refreshPair: freshPair(t)}
		m, _ := newTestManager(t, api, Config{})
		m.accessToken = tokenWithExpiry(t, time.Now().Add(10*time.Second))
		m.refreshToken = "R1"

		require.NoError(t, m.RefreshIfNeeded(context.Background()))

		_, refreshCalls, _ := api.counts()
		assert.Equal(t, 1, refreshCalls)
	})

	t.Run("boundary is inclusive", func(t *testing.T) {
		now := time.Now()
		api := &fakeAuth{refreshPair: freshPair(t)}
		m, _ := newTestManager(t, api, Config{Clock: func() time.Time { return now }})
		m.accessToken = tokenWithExpiry(t, now.Add(30*time.Second))
		m.refreshToken = "R1"

		require.NoError(t, m.RefreshIfNeeded(context.Background()))

		_, refreshCalls, _ := api.counts()
		assert.Equal(t, 1, refreshCalls)
	})

	t.Run("refreshes on undecodable expiry", func(t *testing.T) {
		api := &fakeAuth{refreshPair: freshPair(t)}
		m, _ := newTestManager(t, api, Config{})
		m.accessToken = "not-a-jwt"
		m.refreshToken = "R1"

		require.NoError(t, m.RefreshIfNeeded(context.Background()))

		_, refreshCalls, _ := api.counts()
		assert.Equal(t, 1, refreshCalls)
	})

	t.Run("no-op without a session", func(t *testing.T) {
		api := &fakeAuth{}
		m, _ := newTestManager(t, api, Config{})

		require.NoError(t, m.RefreshIfNeeded(context.Background()))

		_, refreshCalls, _ := api.counts()
		assert.Zero(t, refreshCalls)
	})
}

func TestManager_Bootstrap(t *testing.T) {
	t.Run("no persisted session", func(t *testing.T) {
		api := &fakeAuth{}
		m, _ := newTestManager(t, api, Config{})

		require.NoError(t, m.Bootstrap(context.Background()))

		assert.True(t, m.Initialized())
		assert.False(t, m.Authenticated())

		_, refreshCalls, whoamiCalls := api.counts()
		assert.Zero(t, refreshCalls)
		assert.Zero(t, whoamiCalls)
	})

	t.Run("valid persisted session", func(t *testing.T) {
		access := tokenWithExpiry(t, time.Now().Add(1*time.Hour))
		api := &fakeAuth{}
		m, store := newTestManager(t, api, Config{})
		require.NoError(t, store.Save(&State{
			AccessToken:  access,
			RefreshToken: "R1",
			Username:     "alice",
			LastActiveAt: time.Now().UnixMilli(),
		}))

		require.NoError(t, m.Bootstrap(context.Background()))

		assert.True(t, m.Initialized())
		assert.True(t, m.Authenticated())
		assert.Equal(t, access, m.AccessToken())
		assert.Equal(t, "alice", m.Username())

		m.mu.Lock()
		timer := m.timer
		m.mu.Unlock()
		assert.NotNil(t, timer)
	})

	t.Run("idle session is abandoned without network calls", func(t *testing.T) {
		api := &fakeAuth{}
		m, store := newTestManager(t, api, Config{})
		require.NoError(t, store.Save(&State{
			AccessToken:  tokenWithExpiry(t, time.Now().Add(1*time.Hour)),
			RefreshToken: "R1",
			Username:     "alice",
			LastActiveAt: time.Now().Add(-25 * time.Hour).UnixMilli(),
		}))

		require.NoError(t, m.Bootstrap(context.Background()))

		assert.True(t, m.Initialized())
		assert.False(t, m.Authenticated())
		assert.Empty(t, m.Username())

		_, refreshCalls, whoamiCalls := api.counts()
		assert.Zero(t, refreshCalls)
		assert.Zero(t, whoamiCalls)

		st, err := store.Load()
		require.NoError(t, err)
		assert.Nil(t, st)
	})

	t.Run("rejected access token recovers via refresh", func(t *testing.T) {
		newAccess := tokenWithExpiry(t, time.Now().Add(1*time.Hour))
		api := &fakeAuth{
			refreshPair: TokenPair{Access: newAccess},
			whoami: func(accessToken string) error {
				if accessToken == newAccess {
					return nil
				}
				return errors.New("401")
			},
		}
		m, store := newTestManager(t, api, Config{})
		require.NoError(t, store.Save(&State{
			RefreshToken: "R1",
			Username:     "alice",
			LastActiveAt: time.Now().Add(-1 * time.Second).UnixMilli(),
		}))

		require.NoError(t, m.Bootstrap(context.Background()))

		assert.True(t, m.Initialized())
		assert.True(t, m.Authenticated())
		assert.Equal(t, newAccess, m.AccessToken())

		_, refreshCalls, whoamiCalls := api.counts()
		assert.Equal(t, 1, refreshCalls)
		assert.Equal(t, 2, whoamiCalls)
	})

	t.Run("failed refresh forces logout", func(t *testing.T) {
		api := &fakeAuth{
			refreshErr: errors.New("revoked"),
			whoami:     func(string) error { return errors.New("401") },
		}
		m, store := newTestManager(t, api, Config{})
		require.NoError(t, store.Save(&State{
			AccessToken:  "stale",
			RefreshToken: "R1",
			Username:     "alice",
			LastActiveAt: time.Now().UnixMilli(),
		}))

		require.NoError(t, m.Bootstrap(context.Background()))

		assert.True(t, m.Initialized())
		assert.False(t, m.Authenticated())

		st, err := store.Load()
		require.NoError(t, err)
		assert.Nil(t, st)
	})

	t.Run("initialized exactly once even after logout", func(t *testing.T) {
		api := &fakeAuth{whoami: func(string) error { return errors.New("401") }}
		m, store := newTestManager(t, api, Config{})
		require.NoError(t, store.Save(&State{AccessToken: "stale"}))

		require.NoError(t, m.Bootstrap(context.Background()))

		assert.True(t, m.Initialized())

		// Logout must not reset initialized.
		m.Logout()
		assert.True(t, m.Initialized())
	})
}

func TestManager_Logout(t *testing.T) {
	t.Run("clears state and timer", func(t *testing.T) {
		api := &fakeAuth{loginPair: TokenPair{
			Access:  tokenWithExpiry(t, time.Now().Add(1*time.Hour)),
			Refresh: "R1",
		}}
		m, store := newTestManager(t, api, Config{})
		require.NoError(t, m.Login(context.Background(), "alice", "secret"))

		m.Logout()

		assert.False(t, m.Authenticated())
		assert.Empty(t, m.RefreshToken())
		assert.Empty(t, m.Username())
		assert.True(t, m.LastActive().IsZero())

		m.mu.Lock()
		timer := m.timer
		m.mu.Unlock()
		assert.Nil(t, timer)

		st, err := store.Load()
		require.NoError(t, err)
		assert.Nil(t, st)
	})

	t.Run("wins over an in-flight refresh", func(t *testing.T) {
		gate := make(chan struct{})
		api := &fakeAuth{
			refreshPair: TokenPair{Access: tokenWithExpiry(t, time.Now().Add(1*time.Hour))},
			refreshGate: gate,
		}
		m, store := newTestManager(t, api, Config{})
		m.refreshToken = "R1"

		errs := make(chan error, 1)
		go func() { errs <- m.Refresh(context.Background()) }()

		// Wait until the token exchange is actually held behind the gate.
		require.Eventually(t, func() bool {
			_, calls, _ := api.counts()
			return calls == 1
		}, 2*time.Second, 5*time.Millisecond)

		m.Logout()
		close(gate)

		// The settled refresh must not commit its stale result.
		require.ErrorIs(t, <-errs, ErrNoRefreshToken)

		assert.False(t, m.Authenticated())
		assert.Empty(t, m.RefreshToken())

		st, err := store.Load()
		require.NoError(t, err)
		assert.Nil(t, st)

		m.mu.Lock()
		timer := m.timer
		m.mu.Unlock()
		assert.Nil(t, timer)
	})

	t.Run("idempotent when already logged out", func(t *testing.T) {
		m, _ := newTestManager(t, &fakeAuth{}, Config{})

		assert.NotPanics(t, func() {
			m.Logout()
			m.Logout()
		})
		assert.False(t, m.Authenticated())
	})
}

func TestManager_TouchActivity(t *testing.T) {
	t.Run("moves forward in memory and on disk", func(t *testing.T) {
		api := &fakeAuth{loginPair: TokenPair{
			Access:  tokenWithExpiry(t, time.Now().Add(1*time.Hour)),
			Refresh: "R1",
		}}
		m, store := newTestManager(t, api, Config{})
		require.NoError(t, m.Login(context.Background(), "alice", "secret"))

		before := m.LastActive()
		time.Sleep(5 * time.Millisecond)
		m.TouchActivity()

		assert.True(t, m.LastActive().After(before))

		st, err := store.Load()
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, m.LastActive().UnixMilli(), st.LastActiveAt)
	})

	t.Run("never moves backwards", func(t *testing.T) {
		future := time.Now().Add(1 * time.Minute)
		m, _ := newTestManager(t, &fakeAuth{}, Config{})
		m.accessToken = "A1"
		m.lastActiveAt = future

		m.TouchActivity()

		assert.Equal(t, future, m.LastActive())
	})

	t.Run("no-op when logged out", func(t *testing.T) {
		m, _ := newTestManager(t, &fakeAuth{}, Config{})

		m.TouchActivity()

		assert.True(t, m.LastActive().IsZero())
	})
}

func TestManager_ScheduleRefresh(t *testing.T) {
	t.Run("rearming replaces the previous timer", func(t *testing.T) {
		api := &fakeAuth{refreshPair: TokenPair{
			Access: tokenWithExpiry(t, time.Now().Add(1*time.Hour)),
		}}
		m, _ := newTestManager(t, api, Config{})
		m.accessToken = tokenWithExpiry(t, time.Now().Add(30*time.Minute))
		m.refreshToken = "R1"

		m.mu.Lock()
		m.scheduleRefreshLocked()
		first := m.timer
		m.mu.Unlock()
		require.NotNil(t, first)

		require.NoError(t, m.Refresh(context.Background()))

		m.mu.Lock()
		second := m.timer
		m.mu.Unlock()
		require.NotNil(t, second)
		assert.NotSame(t, first, second)
	})

	t.Run("no timer for a token without expiry", func(t *testing.T) {
		m, _ := newTestManager(t, &fakeAuth{}, Config{})
		m.accessToken = "opaque-token"

		m.mu.Lock()
		m.scheduleRefreshLocked()
		timer := m.timer
		m.mu.Unlock()

		assert.Nil(t, timer)
	})

	t.Run("expired token fires immediately", func(t *testing.T) {
		refreshed := make(chan struct{})
		api := &fakeAuth{refreshPair: TokenPair{
			Access: tokenWithExpiry(t, time.Now().Add(1*time.Hour)),
		}}
		m, _ := newTestManager(t, api, Config{})
		m.refreshToken = "R1"
		m.accessToken = tokenWithExpiry(t, time.Now().Add(-1*time.Minute))

		go func() {
			for {
				_, calls, _ := api.counts()
				if calls > 0 {
					close(refreshed)
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
		}()

		m.mu.Lock()
		m.scheduleRefreshLocked()
		m.mu.Unlock()

		select {
		case <-refreshed:
		case <-time.After(2 * time.Second):
			t.Fatal("background refresh never fired")
		}
	})
}
