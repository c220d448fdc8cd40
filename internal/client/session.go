package client

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"docket/internal/auth"
)

// Credentials is the identity decoded from a stored access token. The
// decode happens once, at load or login; only the expiry is re-checked at
// read time.
type Credentials struct {
	Token     string
	UserID    string
	Email     string
	Role      string
	ExpiresAt time.Time
}

func (c Credentials) Expired() bool {
	return !time.Now().Before(c.ExpiresAt)
}

// SessionStore persists the access token in a single file so a restarted
// client resumes its session without re-authenticating.
type SessionStore struct {
	path string
}

func NewSessionStore(path string) *SessionStore {
	return &SessionStore{path: path}
}

// DefaultSessionPath is the per-user credential file location.
func DefaultSessionPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".docket-session"
	}
	return filepath.Join(home, ".docket", "session")
}

// Save decodes the token payload and writes the token to disk. An
// undecodable token is rejected before anything is persisted.
func (s *SessionStore) Save(token string) (Credentials, error) {
	creds, err := decodeCredentials(token)
	if err != nil {
		return Credentials{}, err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return Credentials{}, err
	}
	if err := os.WriteFile(s.path, []byte(token+"\n"), 0o600); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// Load reads the stored token. An expired or undecodable credential is
// treated as absent and the file is purged, so a dead session can never be
// observed.
func (s *SessionStore) Load() (Credentials, bool) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return Credentials{}, false
	}
	creds, err := decodeCredentials(strings.TrimSpace(string(raw)))
	if err != nil || creds.Expired() {
		_ = s.Clear()
		return Credentials{}, false
	}
	return creds, true
}

func (s *SessionStore) Clear() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func decodeCredentials(token string) (Credentials, error) {
	claims, err := auth.DecodeClaims(token)
	if err != nil {
		return Credentials{}, &AuthError{Message: "stored credential is not a valid token"}
	}
	return Credentials{
		Token:     token,
		UserID:    claims.Sub,
		Email:     claims.Email,
		Role:      claims.Role,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}
