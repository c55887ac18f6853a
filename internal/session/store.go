package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	apperrors "solarchat/internal/errors"
	"solarchat/internal/retry"
	"solarchat/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_values (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);`

// Keys of the persisted conversation state
const (
	KeyViewerID   = "viewer.id"
	KeyViewerName = "viewer.name"
	KeyPeers      = "peers.selected"
	KeyLocale     = "locale"
)

// State is what the console remembers between runs
type State struct {
	ViewerID   string
	ViewerName string
	Peers      []string
	Locale     string
}

// Store is a small key-value store backed by SQLite. Values are encrypted at
// rest when SOLARCHAT_ENABLE_ENCRYPTION is "true".
type Store struct {
	db        *sql.DB
	encryptor *encryptor
	backoff   *retry.Backoff
}

func Open(dbPath string) (*Store, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, apperrors.NewSessionStoreError("open", fmt.Errorf("invalid database path: %w", err))
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600) // #nosec G304 - Path validated above
	if err != nil {
		return nil, apperrors.NewSessionStoreError("open", fmt.Errorf("failed to create database file: %w", err))
	}
	if err := file.Close(); err != nil {
		return nil, apperrors.NewSessionStoreError("open", fmt.Errorf("failed to close database file: %w", err))
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, apperrors.NewSessionStoreError("open", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.NewSessionStoreError("ping", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperrors.NewSessionStoreError("schema", err)
	}

	enc, err := newEncryptor()
	if err != nil {
		db.Close()
		return nil, apperrors.NewSessionStoreError("encryption", err)
	}

	return &Store{
		db:        db,
		encryptor: enc,
		backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2,
			MaxAttempts:  3,
		}),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key and whether it exists
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var stored string
	err := s.retry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT value FROM session_values WHERE key = ?`, key).Scan(&stored)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.NewSessionStoreError("get", err).WithContext("key", key)
	}

	value, err := s.encryptor.Decrypt(stored)
	if err != nil {
		return "", false, apperrors.NewSessionStoreError("decrypt", err).WithContext("key", key)
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value
func (s *Store) Set(ctx context.Context, key, value string) error {
	sealed, err := s.encryptor.Encrypt(value)
	if err != nil {
		return apperrors.NewSessionStoreError("encrypt", err).WithContext("key", key)
	}

	err = s.retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session_values (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, sealed, time.Now().UTC())
		return err
	})
	if err != nil {
		return apperrors.NewSessionStoreError("set", err).WithContext("key", key)
	}
	return nil
}

// Delete removes key; deleting a missing key is not an error
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM session_values WHERE key = ?`, key)
		return err
	})
	if err != nil {
		return apperrors.NewSessionStoreError("delete", err).WithContext("key", key)
	}
	return nil
}

// LoadState reads the persisted conversation state. Missing keys leave the
// corresponding fields empty.
func (s *Store) LoadState(ctx context.Context) (State, error) {
	var state State
	var err error

	if state.ViewerID, _, err = s.Get(ctx, KeyViewerID); err != nil {
		return State{}, err
	}
	if state.ViewerName, _, err = s.Get(ctx, KeyViewerName); err != nil {
		return State{}, err
	}
	if state.Locale, _, err = s.Get(ctx, KeyLocale); err != nil {
		return State{}, err
	}

	peers, ok, err := s.Get(ctx, KeyPeers)
	if err != nil {
		return State{}, err
	}
	if ok && peers != "" {
		if err := json.Unmarshal([]byte(peers), &state.Peers); err != nil {
			return State{}, apperrors.NewMalformedPayloadError("session peers", err)
		}
	}
	return state, nil
}

// SaveState persists the non-empty fields of state
func (s *Store) SaveState(ctx context.Context, state State) error {
	values := map[string]string{
		KeyViewerID:   state.ViewerID,
		KeyViewerName: state.ViewerName,
		KeyLocale:     state.Locale,
	}
	if state.Peers != nil {
		encoded, err := json.Marshal(state.Peers)
		if err != nil {
			return apperrors.NewSessionStoreError("encode", err)
		}
		values[KeyPeers] = string(encoded)
	}

	for key, value := range values {
		if value == "" {
			continue
		}
		if err := s.Set(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) retry(ctx context.Context, operation func() error) error {
	return s.backoff.RetryWithPredicate(ctx, operation, isRetryableDBError)
}

// isRetryableDBError reports SQLite errors that usually clear up on their own
func isRetryableDBError(err error) bool {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return false
	}

	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "disk I/O error")
}

// Encrypted reports whether values are sealed before they are written
func (s *Store) Encrypted() bool {
	return s.encryptor.enabled()
}
