// Package index implements the transactional store backing the archive:
// the Patient > Study > Series > Instance hierarchy, attachments,
// metadata, DICOM tags, the append-only change and exported-resource
// feeds, labels, and the patient recycling order.
//
// All reads and writes happen inside a Transaction obtained from Begin.
// The store assumes a single writer: read-write transactions take an
// exclusive lock, read-only transactions share one. Nested transactions
// are forbidden and deadlock by construction.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"

	_ "modernc.org/sqlite"

	"pacsd/pkg/cerrors"
	"pacsd/pkg/log"
	"pacsd/pkg/models"
)

// Mode selects the isolation of a transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// Listener receives the events of committed transactions. Deleting a
// resource emits one SignalAttachmentDeleted per removed blob (so the
// storage area can reclaim it), then one SignalResourceDeleted per removed
// resource bottom-up, then at most one SignalRemainingAncestor naming the
// highest ancestor left without the deleted branch.
type Listener interface {
	SignalAttachmentDeleted(attachment models.Attachment)
	SignalResourceDeleted(resourceType models.ResourceType, publicID string)
	SignalRemainingAncestor(resourceType models.ResourceType, publicID string)
}

// Store is the SQLite-backed index.
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	listener Listener
}

// Open opens or creates the index database at path, applies pragmas,
// creates the schema and runs pending upgrades. A database written by a
// newer server fails with IncompatibleDatabaseVersion.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabase, err)
	}

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: %s: %w", ErrDatabase, pragma, err)
		}
	}

	// The schema and the version handshake run in one transaction so a
	// crash during upgrade leaves the previous version intact.
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: failed to initialize schema: %w", ErrDatabase, err)
	}

	store := &Store{db: db}
	if err := store.checkVersion(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetListener registers the receiver of committed deletion events. Must be
// called before the first transaction; there is a single listener.
func (s *Store) SetListener(l Listener) {
	s.listener = l
}

// checkVersion reads the stored schema version, seeds it on first run,
// upgrades older databases, and refuses newer ones.
func (s *Store) checkVersion() error {
	ctx := context.Background()

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM GlobalProperties WHERE property = ?`,
		propertyDatabaseSchemaVersion,
	).Scan(&value)

	if err == sql.ErrNoRows {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO GlobalProperties (property, value) VALUES (?, ?)`,
			propertyDatabaseSchemaVersion, strconv.Itoa(schemaVersion))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	stored, err := strconv.Atoi(value)
	if err != nil {
		return cerrors.Newf(cerrors.CodeIncompatibleDatabaseVersion,
			"unreadable schema version %q", value)
	}

	switch {
	case stored == schemaVersion:
		return nil
	case stored > schemaVersion:
		return cerrors.Newf(cerrors.CodeIncompatibleDatabaseVersion,
			"database has schema version %d, this server supports %d",
			stored, schemaVersion)
	default:
		return s.upgrade(stored)
	}
}

// upgradeScripts maps a version to the statements bringing the database to
// the next one. Each script runs in its own transaction.
var upgradeScripts = map[int][]string{}

func (s *Store) upgrade(from int) error {
	for version := from; version < schemaVersion; version++ {
		scripts, ok := upgradeScripts[version]
		if !ok {
			return cerrors.Newf(cerrors.CodeIncompatibleDatabaseVersion,
				"no upgrade path from schema version %d", version)
		}

		log.Info().Int("from", version).Int("to", version+1).Msg("Upgrading index schema")

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		for _, stmt := range scripts {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("%w: upgrade from %d failed: %w", ErrDatabase, version, err)
			}
		}
		if _, err := tx.Exec(
			`UPDATE GlobalProperties SET value = ? WHERE property = ?`,
			strconv.Itoa(version+1), propertyDatabaseSchemaVersion); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: %w", ErrDatabase, err)
		}
	}
	return nil
}

// Begin opens a transaction. Read-write transactions are exclusive;
// read-only transactions observe the last committed snapshot and may run
// concurrently with each other.
func (s *Store) Begin(mode Mode) (*Transaction, error) {
	if mode == ReadWrite {
		s.mu.Lock()
	} else {
		s.mu.RLock()
	}

	tx, err := s.db.Begin()
	if err != nil {
		if mode == ReadWrite {
			s.mu.Unlock()
		} else {
			s.mu.RUnlock()
		}
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	return &Transaction{store: s, tx: tx, mode: mode}, nil
}
