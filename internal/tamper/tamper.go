// Package tamper provides a MAC-protected key-value store for small pieces
// of security-relevant state. Every record carries an HMAC over its version,
// payload, and storage timestamp, so offline edits to the database file are
// detected on read.
package tamper

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"appguard/internal/hmacsig"
	"appguard/internal/keystore"
)

var (
	ErrNotFound        = errors.New("tamper: record not found")
	ErrVersionMismatch = errors.New("tamper: version mismatch")
	ErrTampered        = errors.New("tamper: record failed integrity check")
)

// unitSeparator delimits the MAC input fields. Put rejects version strings
// containing it, and the decimal timestamp never does, so the encoding is
// unambiguous.
const unitSeparator = 0x1f

const schema = `
CREATE TABLE IF NOT EXISTS records (
    key         TEXT PRIMARY KEY,
    version     TEXT NOT NULL,
    data        BLOB NOT NULL,
    stored_at   INTEGER NOT NULL,
    mac         TEXT NOT NULL
);
`

// Store is the tamper-evident record store. Safe for concurrent use.
type Store struct {
	db       *sql.DB
	resolver *keystore.Resolver

	mu  sync.Mutex
	key *keystore.ResolvedKey
}

// Open opens or creates the store at path. The MAC key is resolved lazily
// through the keystore fallback chain on first use.
func Open(path string, resolver *keystore.Resolver) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("tamper: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("tamper: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("tamper: apply schema: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("tamper: restrict database permissions: %w", err)
	}
	return &Store{db: db, resolver: resolver}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) macKey() (*keystore.ResolvedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		return s.key, nil
	}
	key, err := s.resolver.GetBestAvailable(keystore.AliasTamperMAC)
	if err != nil {
		return nil, fmt.Errorf("tamper: resolve MAC key: %w", err)
	}
	s.key = key
	return key, nil
}

// macInput builds the byte string the record MAC covers:
// version <US> data <US> timestamp, with a decimal timestamp.
func macInput(version string, data []byte, storedAt int64) []byte {
	ts := strconv.FormatInt(storedAt, 10)

	input := make([]byte, 0, len(version)+1+len(data)+1+len(ts))
	input = append(input, version...)
	input = append(input, unitSeparator)
	input = append(input, data...)
	input = append(input, unitSeparator)
	input = append(input, ts...)
	return input
}

// Put stores data under key at the given schema version, replacing any
// existing record.
func (s *Store) Put(key string, data []byte, version string) error {
	if strings.ContainsRune(version, unitSeparator) {
		return fmt.Errorf("tamper: version %q contains the field separator", version)
	}
	macKey, err := s.macKey()
	if err != nil {
		return err
	}

	storedAt := time.Now().UnixNano()
	mac, err := hmacsig.Sign(macInput(version, data, storedAt), macKey)
	if err != nil {
		return fmt.Errorf("tamper: sign record %s: %w", key, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO records (key, version, data, stored_at, mac)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			stored_at = excluded.stored_at,
			mac = excluded.mac`,
		key, version, data, storedAt, mac,
	)
	if err != nil {
		return fmt.Errorf("tamper: store record %s: %w", key, err)
	}
	return nil
}

// Get retrieves the record under key, verifying its MAC and schema version.
// The error distinguishes absence, a version the caller does not understand,
// and integrity failure; callers typically treat only the last as hostile.
func (s *Store) Get(key string, expectedVersion string) ([]byte, error) {
	var (
		version  string
		data     []byte
		storedAt int64
		mac      string
	)
	err := s.db.QueryRow(
		`SELECT version, data, stored_at, mac FROM records WHERE key = ?`, key,
	).Scan(&version, &data, &storedAt, &mac)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("tamper: query record %s: %w", key, err)
	}

	macKey, err := s.macKey()
	if err != nil {
		return nil, err
	}
	if !hmacsig.Verify(macInput(version, data, storedAt), mac, macKey) {
		return nil, fmt.Errorf("%w: %s", ErrTampered, key)
	}

	// Version is checked only after the MAC: a mismatch on an authentic
	// record is a schema migration concern, not an attack.
	if version != expectedVersion {
		return nil, fmt.Errorf("%w: %s has version %q, want %q", ErrVersionMismatch, key, version, expectedVersion)
	}
	return data, nil
}

// Delete removes the record under key. Deleting a missing key is not an
// error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM records WHERE key = ?`, key); err != nil {
		return fmt.Errorf("tamper: delete record %s: %w", key, err)
	}
	return nil
}

// RotateMACKey destroys the store's MAC key and generates a replacement.
// Every existing record becomes unverifiable, so the store is cleared in the
// same step.
func (s *Store) RotateMACKey() error {
	s.mu.Lock()
	s.key = nil
	s.mu.Unlock()

	key, err := s.resolver.Rotate(keystore.AliasTamperMAC)
	if err != nil {
		return fmt.Errorf("tamper: rotate MAC key: %w", err)
	}

	if _, err := s.db.Exec(`DELETE FROM records`); err != nil {
		return fmt.Errorf("tamper: clear records after rotation: %w", err)
	}

	s.mu.Lock()
	s.key = key
	s.mu.Unlock()
	return nil
}
