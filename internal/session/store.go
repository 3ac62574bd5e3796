package session

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

// State is the persisted subset of a session. It survives process restarts so
// a user does not have to log in again on every invocation.
type State struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Username     string `json:"username"`
	// LastActiveAt is epoch milliseconds of the last observed user activity.
	// Zero means "never".
	LastActiveAt int64 `json:"last_active_at"`
}

// LastActive returns LastActiveAt as a time.Time, or the zero time when unset.
func (s *State) LastActive() time.Time {
	if s.LastActiveAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.LastActiveAt)
}

// Store persists session state on the local filesystem, one file per backend
// host. Persistence is best-effort: a failed write must never make the
// in-memory session unusable, it only risks losing state across restarts.
type Store struct {
	path string
}

// NewStore creates a session store for the given backend base URL.
// If baseDir is empty, uses ~/.advodesk/sessions/
func NewStore(baseDir, serverURL string) (*Store, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".advodesk", "sessions")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	path := filepath.Join(baseDir, serverFingerprint(serverURL)+".json")

	log.Debug().Str("path", path).Msg("session store initialized")

	return &Store{path: path}, nil
}

// serverFingerprint derives a filesystem-safe name for a backend URL so that
// sessions against different deployments never collide.
func serverFingerprint(serverURL string) string {
	hash := sha256.Sum256([]byte(serverURL))
	fp := base58.Encode(hash[:])
	if len(fp) > 12 {
		fp = fp[:12]
	}
	return fp
}

// Load reads the persisted session state. Returns (nil, nil) when no state is
// persisted or the blob is corrupt; a corrupt blob is not an error the caller
// can act on, it just means the user logs in again.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		log.Debug().Err(err).Str("path", s.path).Msg("discarding corrupt session state")
		return nil, nil
	}

	return &st, nil
}

// Save writes the session state atomically, overwriting any prior value.
func (s *Store) Save(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save session state: %w", err)
	}

	return nil
}

// Clear removes the persisted state entirely. Used on logout.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear session state: %w", err)
	}
	return nil
}

// Touch updates only the last-activity timestamp in the persisted blob.
// A no-op when nothing is persisted.
func (s *Store) Touch(lastActive time.Time) error {
	st, err := s.Load()
	if err != nil || st == nil {
		return err
	}

	st.LastActiveAt = lastActive.UnixMilli()

	return s.Save(st)
}
