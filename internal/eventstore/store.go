// Package eventstore is Seshat's durable relational store: events, rooms,
// senders, profiles, crawler checkpoints, and the pending-write staging
// table, all backed by SQLite (modernc.org/sqlite, matching the teacher's
// choice of a pure-Go driver).
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtx-seshat/seshat/internal/cryptutil"
	"github.com/mtx-seshat/seshat/internal/safedb"
)

// Queryer is satisfied by both *safedb.DB and *safedb.Tx, letting every
// read/write helper in this package run either standalone or inside the
// Writer's commit transaction without duplicating code.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is the Event Store component (spec.md §4.1).
type Store struct {
	db     *safedb.DB
	path   string
	dbDir  string
	sealer *cryptutil.Sealer // non-nil when at-rest encryption is enabled
}

// Open creates or opens the event store at dbPath/events.db with no
// encryption, running schema migration if needed. Equivalent to
// OpenEncrypted(dbPath, "").
func Open(dbPath string) (*Store, error) {
	return OpenEncrypted(dbPath, "")
}

// OpenEncrypted is like Open but, when passphrase is non-empty, seals each
// event's content_blob at rest using a key derived from passphrase and a
// salt persisted at dbPath/events.salt (generated on first use). Profile
// displayname/avatar columns are deliberately left in plaintext: their
// dedup semantics (spec.md §3 invariant 4, UpsertProfile's
// ON CONFLICT(displayname, avatar)) depend on SQL equality over the stored
// value, which AEAD's randomized nonces would defeat.
func OpenEncrypted(dbPath, passphrase string) (*Store, error) {
	file := filepath.Join(dbPath, "events.db")
	raw, err := OpenDB(file)
	if err != nil {
		return nil, fmt.Errorf("open events.db: %w", err)
	}
	if err := Migrate(raw); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	var sealer *cryptutil.Sealer
	if passphrase != "" {
		sealer, err = openOrCreateSealer(dbPath, passphrase)
		if err != nil {
			_ = raw.Close()
			return nil, err
		}
	}

	return &Store{db: safedb.New(raw), path: file, dbDir: dbPath, sealer: sealer}, nil
}

func openOrCreateSealer(dbPath, passphrase string) (*cryptutil.Sealer, error) {
	saltPath := filepath.Join(dbPath, "events.salt")
	salt, err := os.ReadFile(saltPath)
	if os.IsNotExist(err) {
		salt, err = cryptutil.NewSalt()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
			return nil, fmt.Errorf("persist event store salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read event store salt: %w", err)
	}
	return cryptutil.NewSealer(passphrase, salt)
}

// sealContent seals b if encryption is enabled, otherwise returns b as is.
func (s *Store) sealContent(b []byte) ([]byte, error) {
	if s.sealer == nil {
		return b, nil
	}
	return s.sealer.Seal(b)
}

// openContent unseals b if encryption is enabled, otherwise returns b as is.
func (s *Store) openContent(b []byte) ([]byte, error) {
	if s.sealer == nil {
		return b, nil
	}
	return s.sealer.Open(b)
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the on-disk path of the SQLite file.
func (s *Store) Path() string {
	return s.path
}

// BeginTx starts a transaction that the Writer pairs with an index write
// batch; the pair is the atomic unit described in spec.md §4.1.
func (s *Store) BeginTx(ctx context.Context) (*safedb.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// DB returns the store's connection as a Queryer, for callers (tests, or a
// single-statement operation outside the Writer's commit transaction) that
// don't need transactional scope.
func (s *Store) DB() Queryer {
	return s.db
}

// errNoRows is re-exported for callers that want to distinguish "not found"
// without importing database/sql themselves.
var errNoRows = sql.ErrNoRows

// IsNotFound reports whether err is the not-found sentinel used throughout
// this package.
func IsNotFound(err error) bool {
	return err == errNoRows
}
