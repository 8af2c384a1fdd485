// Package audit records the outcome of every injector session to a durable,
// queryable backend. Two implementations are provided: a local WAL-mode
// SQLite store with a SHA-256 hash chain for tamper evidence (the default,
// no network dependency), and a centralized PostgreSQL store for fleets that
// aggregate audit trails from many hosts.
package audit

import (
	"context"

	"github.com/tripwire/envtap/internal/inject"
)

// Store is satisfied by every audit backend. It structurally implements
// inject.AuditRecorder, so either backend can be handed directly to
// inject.Options.Recorder without this package needing to depend on inject's
// orchestrator internals.
type Store interface {
	Record(ctx context.Context, r inject.SessionReport) error
	Close() error
}

// Record is the durable form of a SessionReport as written by a backend: it
// adds a monotonic sequence number and, where the backend provides tamper
// evidence, the hash-chain fields.
type Record struct {
	Seq       int64
	PID       int
	Variable  string
	Result    string
	Value     string
	ErrorKind string
	ErrorMsg  string
	StartedAt string // RFC3339Nano, stored as text for backend portability
	EndedAt   string
	EventHash string
	PrevHash  string
}

// GenesisHash is the all-zero SHA-256 hex digest used as the prev_hash of
// the first record in a hash chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
