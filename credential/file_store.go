package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// fileContents is the on-disk layout: one credential set per profile, so
// several backends can share a single token file.
type fileContents struct {
	Profiles map[string]Credentials `json:"profiles"`
}

// FileStore persists credentials for one profile in a JSON file.
type FileStore struct {
	path    string
	profile string

	mu    sync.RWMutex
	creds Credentials
}

// OpenFileStore loads the credentials saved for profile in path. A missing
// file is not an error: the store starts empty.
func OpenFileStore(path, profile string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("token file path cannot be empty")
	}
	if profile == "" {
		return nil, errors.New("profile cannot be empty")
	}

	s := &FileStore{path: path, profile: profile}

	contents, err := readContents(path)
	if err != nil {
		return nil, err
	}
	s.creds = contents.Profiles[profile]
	return s, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// Set replaces the stored credentials and writes them through to disk.
// A failed write leaves the process unable to keep its session and is fatal.
func (s *FileStore) Set(c Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(&c); err != nil {
		log.WithError(err).WithField("path", s.path).Fatal("credential store unavailable")
		return
	}
	s.creds = c
}

func (s *FileStore) CompareAndSet(expectRefresh string, next Credentials) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds.RefreshToken != expectRefresh {
		return false
	}
	if err := s.write(&next); err != nil {
		log.WithError(err).WithField("path", s.path).Fatal("credential store unavailable")
		return false
	}
	s.creds = next
	return true
}

func (s *FileStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(nil); err != nil {
		log.WithError(err).WithField("path", s.path).Fatal("credential store unavailable")
		return
	}
	s.creds = Credentials{}
}

// write stores c for the profile, or removes the profile when c is nil,
// preserving every other profile in the file.
func (s *FileStore) write(c *Credentials) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create token dir: %w", err)
		}
	}

	lock, err := lockPath(s.path)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.unlock(); err != nil {
			log.WithError(err).Warn("failed to release token file lock")
		}
	}()

	contents, err := readContents(s.path)
	if err != nil {
		// A corrupt file is replaced rather than blocking every future write.
		log.WithError(err).Warn("discarding unreadable token file")
		contents = fileContents{Profiles: map[string]Credentials{}}
	}
	if c == nil {
		delete(contents.Profiles, s.profile)
	} else {
		contents.Profiles[s.profile] = *c
	}

	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		if rmErr := os.Remove(tmp); rmErr != nil {
			return fmt.Errorf("rename temp file: %v; remove temp file: %w", err, rmErr)
		}
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func readContents(path string) (fileContents, error) {
	contents := fileContents{Profiles: map[string]Credentials{}}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return contents, nil
	}
	if err != nil {
		return contents, fmt.Errorf("read token file: %w", err)
	}
	if len(data) == 0 {
		return contents, nil
	}
	if err := json.Unmarshal(data, &contents); err != nil {
		return fileContents{Profiles: map[string]Credentials{}}, fmt.Errorf("parse token file: %w", err)
	}
	if contents.Profiles == nil {
		contents.Profiles = map[string]Credentials{}
	}
	return contents, nil
}
