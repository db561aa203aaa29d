package credential

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	_ "modernc.org/sqlite" // register sqlite driver
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS credentials (
	profile TEXT NOT NULL,
	key     TEXT NOT NULL,
	value   TEXT NOT NULL,
	PRIMARY KEY (profile, key)
);`

const (
	keyAccessToken   = "access_token"
	keyRefreshToken  = "refresh_token"
	keyIdentityToken = "identity_token"
)

// SQLiteStore persists credentials as three key/value rows per profile.
type SQLiteStore struct {
	db      *sql.DB
	profile string

	mu    sync.RWMutex
	creds Credentials
}

// OpenSQLiteStore opens or creates the database at dbPath and loads the
// credentials saved for profile.
func OpenSQLiteStore(dbPath, profile string) (*SQLiteStore, error) {
	if profile == "" {
		return nil, errors.New("profile cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating credential dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening credential db: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &SQLiteStore{db: db, profile: profile}
	if s.creds, err = s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) load() (Credentials, error) {
	rows, err := s.db.Query("SELECT key, value FROM credentials WHERE profile = ?", s.profile)
	if err != nil {
		return Credentials{}, fmt.Errorf("loading credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var c Credentials
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Credentials{}, err
		}
		switch key {
		case keyAccessToken:
			c.AccessToken = value
		case keyRefreshToken:
			c.RefreshToken = value
		case keyIdentityToken:
			c.IdentityToken = value
		}
	}
	return c, rows.Err()
}

func (s *SQLiteStore) Get() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

func (s *SQLiteStore) Set(c Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.replace(&c); err != nil {
		log.WithError(err).Fatal("credential store unavailable")
		return
	}
	s.creds = c
}

func (s *SQLiteStore) CompareAndSet(expectRefresh string, next Credentials) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds.RefreshToken != expectRefresh {
		return false
	}
	if err := s.replace(&next); err != nil {
		log.WithError(err).Fatal("credential store unavailable")
		return false
	}
	s.creds = next
	return true
}

func (s *SQLiteStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.replace(nil); err != nil {
		log.WithError(err).Fatal("credential store unavailable")
		return
	}
	s.creds = Credentials{}
}

// replace rewrites the profile's rows in a single transaction. A nil c only
// deletes them.
func (s *SQLiteStore) replace(c *Credentials) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM credentials WHERE profile = ?", s.profile); err != nil {
		return err
	}
	if c != nil {
		for key, value := range map[string]string{
			keyAccessToken:   c.AccessToken,
			keyRefreshToken:  c.RefreshToken,
			keyIdentityToken: c.IdentityToken,
		} {
			if value == "" {
				continue
			}
			if _, err := tx.Exec(
				"INSERT INTO credentials (profile, key, value) VALUES (?, ?, ?)",
				s.profile, key, value,
			); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}
