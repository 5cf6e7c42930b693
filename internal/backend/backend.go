// Package backend defines the contract every storage adapter satisfies: the
// operations, the capability set, and the fixed error taxonomy. Adapters
// translate these calls into engine-native ones and map native errors into
// the taxonomy; they hold no business invariants.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/axiomata/recital/internal/model"
)

// Fixed error taxonomy. Adapters must map every native engine error into one
// of these three; the layers above decide retryability from them alone.
var (
	// ErrConnection marks a transient failure reaching the engine. Callers
	// may retry the same operation.
	ErrConnection = errors.New("backend: connection failure")
	// ErrRejected marks an operation the engine refused, e.g. a schema or
	// capacity conflict. Not retryable without operator intervention.
	ErrRejected = errors.New("backend: rejected")
	// ErrNotFound marks an absent target index, collection, or file.
	ErrNotFound = errors.New("backend: not found")
)

// ConnectionErr wraps err as a transient connection failure.
func ConnectionErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrConnection, err)
}

// RejectedErr wraps err as an engine refusal.
func RejectedErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrRejected, err)
}

// Capability flags what an adapter can push down natively. The query
// translation inside each adapter post-filters in memory for anything its
// engine cannot express; the store's semantics are identical either way.
type Capability uint8

const (
	// CapBulkWrite: the engine accepts multi-document writes in one round trip.
	CapBulkWrite Capability = 1 << iota
	// CapNativeFilter: equality filters run inside the engine.
	CapNativeFilter
	// CapNativeRangeFilter: time-range filters run inside the engine.
	CapNativeRangeFilter
)

// CapabilitySet is a bitmask of Capability values.
type CapabilitySet uint8

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool { return uint8(s)&uint8(c) != 0 }

// WriteResult reports the fate of one document in a Write call.
type WriteResult struct {
	ID  string
	Err error // nil on success; otherwise wraps ErrConnection or ErrRejected
}

// ReadResult is one page of statements in (stored, id) order, plus the
// continuation position when more rows may exist.
type ReadResult struct {
	Statements []model.Statement
	Next       *model.Cursor
}

// Backend is the abstract storage adapter. Implementations must be safe for
// concurrent use. All blocking operations take a context and return promptly
// on cancellation; Close is idempotent.
type Backend interface {
	// Write persists documents into target, reporting success or failure per
	// item, never all-or-nothing. A connection-level failure is reported on
	// every item so the caller can defer the whole sub-batch.
	Write(ctx context.Context, target string, stmts []model.Statement) []WriteResult

	// Read returns one page matching q, ordered by (stored, id) in the
	// query's direction. Next is set when a further page may exist.
	Read(ctx context.Context, target string, q model.StatementQuery) (*ReadResult, error)

	// ReadByIDs fetches statements by exact id, voided or not. Missing ids
	// are simply absent from the result.
	ReadByIDs(ctx context.Context, target string, ids []string) ([]model.Statement, error)

	// List enumerates the storable units (indices, collections, files)
	// backing the adapter. Introspection only, not statement traffic.
	List(ctx context.Context) ([]string, error)

	// Capabilities reports what the adapter pushes down natively.
	Capabilities() CapabilitySet

	// Close releases held connections. Safe to call more than once.
	Close(ctx context.Context) error
}
