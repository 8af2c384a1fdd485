package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tripwire/envtap/internal/inject"
)

const (
	// DefaultBatchSize is the maximum number of pending records held in
	// memory before an automatic flush is triggered.
	DefaultBatchSize = 100
	// DefaultFlushInterval is how often the background goroutine flushes
	// pending records even when the batch has not reached DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// PostgresStore is a pgxpool-backed centralized audit store for fleets that
// aggregate audit trails from many hosts. Inserts are batched: a background
// goroutine flushes on a size or interval trigger, whichever comes first.
//
// Record hashes each report under s.mu as it is enqueued: prev_hash is the
// event_hash of the previous report this process recorded (or of the last
// row in the table when the store was opened), so the chain is correct for a
// single writer process even though inserts are batched. The Seq value that
// goes into the hash is the report's index within the pending batch; the
// table's generated seq column, not that value, orders the stored rows.
type PostgresStore struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Record
	batchSize     int
	flushInterval time.Duration
	prevHash      string
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// OpenPostgres connects to connStr, pings the database, and starts the
// background flush goroutine. batchSize ≤ 0 is replaced with
// DefaultBatchSize; flushInterval ≤ 0 is replaced with DefaultFlushInterval.
func OpenPostgres(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*PostgresStore, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("audit: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: apply schema: %w", err)
	}

	prevHash := GenesisHash
	row := pool.QueryRow(ctx, `SELECT event_hash FROM session_reports ORDER BY seq DESC LIMIT 1`)
	var hash string
	if err := row.Scan(&hash); err == nil {
		prevHash = hash
	} else if err != pgx.ErrNoRows {
		pool.Close()
		return nil, fmt.Errorf("audit: resume hash chain: %w", err)
	}

	s := &PostgresStore{
		pool:          pool,
		batch:         make([]Record, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		prevHash:      prevHash,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

const postgresDDL = `
CREATE TABLE IF NOT EXISTS session_reports (
    seq         BIGSERIAL PRIMARY KEY,
    pid         INTEGER     NOT NULL,
    variable    TEXT        NOT NULL,
    result      TEXT        NOT NULL,
    value       TEXT        NOT NULL DEFAULT '',
    error_kind  TEXT        NOT NULL DEFAULT '',
    error_msg   TEXT        NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ NOT NULL,
    ended_at    TIMESTAMPTZ NOT NULL,
    prev_hash   TEXT        NOT NULL,
    event_hash  TEXT        NOT NULL
);
`

// Record enqueues r for deferred batch insertion. If the internal buffer
// reaches batchSize after appending, Flush runs synchronously before
// returning, so the caller observes back-pressure rather than unbounded
// memory growth.
func (s *PostgresStore) Record(ctx context.Context, r inject.SessionReport) error {
	s.mu.Lock()
	seq := int64(len(s.batch)) // provisional, for hashing only; seq column is DB-assigned
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
	s.prevHash = rec.EventHash
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// flushLoop ticks on flushInterval and calls Flush; it exits when stopCh is
// closed.
func (s *PostgresStore) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// Flush drains the current buffer and sends all rows to PostgreSQL in a
// single pgx.Batch round-trip. Safe to call concurrently: a mutex swap
// ensures each call drains a distinct snapshot of the buffer.
func (s *PostgresStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Record, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO session_reports
			(pid, variable, result, value, error_kind, error_msg, started_at, ended_at, prev_hash, event_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	b := &pgx.Batch{}
	for i := range toInsert {
		r := &toInsert[i]
		b.Queue(query,
			r.PID, r.Variable, r.Result, r.Value, r.ErrorKind, r.ErrorMsg,
			r.StartedAt, r.EndedAt, r.PrevHash, r.EventHash,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("audit: batch exec session report: %w", err)
		}
	}
	return nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered records, and closes the connection pool. Safe to call more than
// once.
func (s *PostgresStore) Close() error {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(context.Background())
	}
	s.pool.Close()
	return nil
}
