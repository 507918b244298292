package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const storeFile = "session.json"

type stored struct {
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
}

// Store persists the username and token across restarts.
type Store struct {
	path string
}

func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, storeFile)}
}

func (st *Store) Path() string { return st.path }

// Load returns the persisted session, or an unauthenticated one when nothing
// has been saved yet.
func (st *Store) Load() (*Session, error) {
	data, err := os.ReadFile(st.path)
	if errors.Is(err, fs.ErrNotExist) {
		return New("", ""), nil
	}
	if err != nil {
		return nil, err
	}
	var s stored
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", st.path, err)
	}
	return New(s.Username, s.Token), nil
}

func (st *Store) Save(s *Session) error {
	creds, _ := s.Credentials()
	data, err := json.MarshalIndent(stored{Username: creds.Username, Token: creds.Token}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(st.path), 0700); err != nil {
		return err
	}
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, st.path)
}

// Delete forgets the persisted session. Deleting a missing file is not an error.
func (st *Store) Delete() error {
	if err := os.Remove(st.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Persist keeps the store in step with s: whenever the token is cleared the
// file is rewritten without it.
func (st *Store) Persist(s *Session, onErr func(error)) {
	s.OnClear(func(string) {
		if err := st.Save(s); err != nil && onErr != nil {
			onErr(err)
		}
	})
}
