package vts

import (
	"errors"
	"io/fs"
	"os"
	"strings"
)

// TokenStore persists the host-issued authentication token to disk with
// 0600 permissions so it survives restarts. It is a minimal implementation
// and does not encrypt the contents.
type TokenStore struct {
	path string
}

// NewTokenStore returns a TokenStore backed by the given file path.
func NewTokenStore(path string) *TokenStore { return &TokenStore{path: path} }

// Load reads the cached token. A missing file is not an error; it returns
// the empty string.
func (s *TokenStore) Load() (string, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Save writes the token to disk with 0600 permissions.
func (s *TokenStore) Save(token string) error {
	return os.WriteFile(s.path, []byte(token), 0o600)
}

// Clear removes the persisted token. Clearing an absent token is a no-op.
func (s *TokenStore) Clear() error {
	err := os.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
