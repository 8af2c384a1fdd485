package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/tripwire/envtap/internal/inject"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteStore is a WAL-mode SQLite-backed, hash-chained audit store. It is
// the default backend: no network dependency, durable across restarts.
//
// Every row carries event_hash, the SHA-256 hex digest of its own content,
// and prev_hash, the previous row's event_hash — the same hash-chain shape
// as a dedicated append-only log file, but persisted alongside the rest of
// the row instead of in a second file format.
type SQLiteStore struct {
	mu       sync.Mutex
	db       *sql.DB
	seq      int64
	prevHash string
}

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS session_reports (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    pid         INTEGER NOT NULL,
    variable    TEXT    NOT NULL,
    result      TEXT    NOT NULL,
    value       TEXT    NOT NULL DEFAULT '',
    error_kind  TEXT    NOT NULL DEFAULT '',
    error_msg   TEXT    NOT NULL DEFAULT '',
    started_at  TEXT    NOT NULL,
    ended_at    TEXT    NOT NULL,
    prev_hash   TEXT    NOT NULL,
    event_hash  TEXT    NOT NULL
);
`

// OpenSQLite opens (or creates) the SQLite database at path, enables WAL
// journal mode, applies the schema, and resumes the hash chain from the
// last row written (or GenesisHash for a fresh database).
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite %q: %w", path, err)
	}

	// SQLite allows only one writer; a single connection serialises every
	// Record call through it rather than risking "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: apply schema: %w", err)
	}

	s := &SQLiteStore{db: db, prevHash: GenesisHash}
	if err := s.resumeChain(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) resumeChain() error {
	row := s.db.QueryRow(`SELECT seq, event_hash FROM session_reports ORDER BY seq DESC LIMIT 1`)
	var seq int64
	var hash string
	switch err := row.Scan(&seq, &hash); err {
	case nil:
		s.seq = seq
		s.prevHash = hash
	case sql.ErrNoRows:
		// Fresh database; seq=0, prevHash=GenesisHash already set.
	default:
		return fmt.Errorf("audit: resume hash chain: %w", err)
	}
	return nil
}

// Record persists r as the next row in the chain. It is safe for concurrent
// use; a mutex serialises sequence-number assignment and hashing.
func (s *SQLiteStore) Record(ctx context.Context, r inject.SessionReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seq + 1
	rec := Record{
		Seq:       seq,
		PID:       r.PID,
		Variable:  r.Variable,
		Result:    string(r.Result),
		Value:     r.Value,
		ErrorKind: string(r.ErrorKind),
		ErrorMsg:  r.ErrorMsg,
		StartedAt: r.StartedAt.UTC().Format(time.RFC3339Nano),
		EndedAt:   r.EndedAt.UTC().Format(time.RFC3339Nano),
		PrevHash:  s.prevHash,
	}
	rec.EventHash = hashRecord(rec)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_reports
			(pid, variable, result, value, error_kind, error_msg, started_at, ended_at, prev_hash, event_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PID, rec.Variable, rec.Result, rec.Value, rec.ErrorKind, rec.ErrorMsg,
		rec.StartedAt, rec.EndedAt, rec.PrevHash, rec.EventHash,
	)
	if err != nil {
		return fmt.Errorf("audit: insert session report: %w", err)
	}

	s.seq = seq
	s.prevHash = rec.EventHash
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// hashRecord computes the SHA-256 hex digest that chains rec to its
// predecessor. It deliberately hashes a fixed, ordered field list rather
// than a JSON encoding of Record, so the hash is stable regardless of
// struct field order or added fields (EventHash itself is never part of
// its own input).
func hashRecord(rec Record) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%s|%s|%s|%s|%s|%s|%s|%s",
		rec.Seq, rec.PID, rec.Variable, rec.Result, rec.Value,
		rec.ErrorKind, rec.ErrorMsg, rec.StartedAt, rec.EndedAt, rec.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}
