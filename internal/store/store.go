// Package store is the domain layer enforcing the append-only statement
// semantics: server-side enrichment, monotonic stored ordering, idempotent
// deduplication, and read-time voiding resolution. It composes a write
// backend and a read backend (usually the same adapter) and holds every
// business invariant the adapters must not.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/axiomata/recital/internal/backend"
	"github.com/axiomata/recital/internal/model"
	"github.com/axiomata/recital/internal/validator"
)

// ErrConflict marks a write whose id is already taken by a differing payload.
var ErrConflict = errors.New("store: id conflict")

// ErrNotFound marks a single-statement lookup that matched nothing.
var ErrNotFound = errors.New("store: statement not found")

// Store applies the statement invariants on top of a backend pair.
type Store struct {
	write  backend.Backend
	read   backend.Backend
	target string
	val    validator.Validator
	logger *slog.Logger

	// clock state for monotonic stored assignment. Guarded by mu; nothing
	// under mu performs I/O.
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New builds a Store. write and read may be the same adapter; when they
// differ (split ingestion/query roles) the read side must eventually observe
// the write side's data for deduplication to hold.
func New(write, read backend.Backend, target string, val validator.Validator, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		write:  write,
		read:   read,
		target: target,
		val:    val,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Target returns the collection name statement traffic lands in.
func (s *Store) Target() string { return s.target }

// pending tracks one batch item through the write pipeline.
type pending struct {
	idx  int
	stmt model.Statement
}

// WriteBatch ingests raw payloads under the given authority and returns one
// outcome per input, in input order. A connection-level backend failure
// defers the affected items; everything else is decided per item. Writes are
// not cancellable once handed to the adapter; a caller that times out relies
// on the idempotent-duplicate rule to retry safely.
func (s *Store) WriteBatch(ctx context.Context, authority model.Agent, raws []json.RawMessage) []model.Outcome {
	outcomes := make([]model.Outcome, len(raws))
	var live []pending
	seen := make(map[string]int, len(raws)) // id -> index of first occurrence
	dupOf := make(map[int]int)              // equivalent-dup slot -> first occurrence

	for i, raw := range raws {
		if err := s.val.Validate(ctx, raw); err != nil {
			outcomes[i] = model.Outcome{Kind: model.OutcomeRejected, Reason: "invalid-schema: " + err.Error()}
			continue
		}
		stmt, err := model.NewStatement(raw, authority, s.now())
		if err != nil {
			outcomes[i] = model.Outcome{Kind: model.OutcomeRejected, Reason: "invalid-schema: " + err.Error()}
			continue
		}
		if first, dup := seen[stmt.ID]; dup {
			if model.Equivalent(stmt.Raw, live[lookup(live, first)].stmt.Raw) {
				// Settled after the write: the duplicate slot shares the
				// first occurrence's fate, whatever that turns out to be.
				dupOf[i] = first
			} else {
				outcomes[i] = model.Outcome{ID: stmt.ID, Kind: model.OutcomeRejected, Reason: "conflict: duplicate id in batch"}
			}
			continue
		}
		seen[stmt.ID] = i
		outcomes[i] = model.Outcome{ID: stmt.ID}
		live = append(live, pending{idx: i, stmt: stmt})
	}

	if len(live) == 0 {
		return outcomes
	}

	s.assignStored(live)

	live = s.dedupe(ctx, live, outcomes)
	if len(live) > 0 {
		stmts := make([]model.Statement, len(live))
		for i, p := range live {
			stmts[i] = p.stmt
		}
		results := s.write.Write(ctx, s.target, stmts)
		for i, p := range live {
			switch err := results[i].Err; {
			case err == nil:
				outcomes[p.idx].Kind = model.OutcomeStored
			case errors.Is(err, backend.ErrConnection):
				outcomes[p.idx] = model.Outcome{ID: p.stmt.ID, Kind: model.OutcomeDeferred, Reason: err.Error()}
			default:
				outcomes[p.idx] = model.Outcome{ID: p.stmt.ID, Kind: model.OutcomeRejected, Reason: err.Error()}
			}
		}
	}

	for slot, first := range dupOf {
		switch o := outcomes[first]; o.Kind {
		case model.OutcomeStored, model.OutcomeDuplicate:
			outcomes[slot] = model.Outcome{ID: o.ID, Kind: model.OutcomeDuplicate}
		default:
			outcomes[slot] = o
		}
	}
	return outcomes
}

// assignStored stamps server time on each item, monotonically non-decreasing
// within the batch. When the clock has not advanced past the previous stamp,
// it bumps by one nanosecond so the (stored, id) order stays total within
// the batch.
func (s *Store) assignStored(live []pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range live {
		t := s.now().UTC()
		if !t.After(s.last) {
			t = s.last.Add(time.Nanosecond)
		}
		s.last = t
		// SetStored re-marshals a payload that already round-tripped through
		// NewStatement, so it cannot fail here.
		_ = live[i].stmt.SetStored(t)
	}
}

// dedupe drops items whose id is already persisted: byte-equivalent payloads
// become idempotent no-op successes, differing payloads become conflicts.
// A read failure defers the whole batch rather than risking double writes.
func (s *Store) dedupe(ctx context.Context, live []pending, outcomes []model.Outcome) []pending {
	ids := make([]string, len(live))
	for i, p := range live {
		ids[i] = p.stmt.ID
	}

	existing, err := s.read.ReadByIDs(ctx, s.target, ids)
	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		for _, p := range live {
			outcomes[p.idx] = model.Outcome{ID: p.stmt.ID, Kind: model.OutcomeDeferred, Reason: "dedup read: " + err.Error()}
		}
		return nil
	}
	if len(existing) == 0 {
		return live
	}

	byID := make(map[string]model.Statement, len(existing))
	for _, e := range existing {
		byID[e.ID] = e
	}

	kept := live[:0]
	for _, p := range live {
		prior, taken := byID[p.stmt.ID]
		if !taken {
			kept = append(kept, p)
			continue
		}
		if model.Equivalent(p.stmt.Raw, prior.Raw) {
			outcomes[p.idx] = model.Outcome{ID: p.stmt.ID, Kind: model.OutcomeDuplicate}
		} else {
			outcomes[p.idx] = model.Outcome{
				ID:     p.stmt.ID,
				Kind:   model.OutcomeRejected,
				Reason: fmt.Sprintf("conflict: %v", ErrConflict),
			}
		}
	}
	return kept
}

func lookup(live []pending, idx int) int {
	for i, p := range live {
		if p.idx == idx {
			return i
		}
	}
	return 0
}

// Page is one window of query results plus the continuation cursor when more
// may remain.
type Page struct {
	Statements []model.Statement
	More       *model.Cursor
}

// Query runs a statements read with read-time voiding resolution: candidate
// pages come from the adapter, then one void-references lookup per page
// prunes statements a later voiding statement retracted. The loop refills
// until the limit is met or results are exhausted, so voiding behaves
// identically on every adapter.
func (s *Store) Query(ctx context.Context, q model.StatementQuery) (*Page, error) {
	if q.IncludeVoided || len(q.IDs) > 0 {
		res, err := s.read.Read(ctx, s.target, q)
		if err != nil {
			return nil, err
		}
		return &Page{Statements: res.Statements, More: res.Next}, nil
	}

	limit := q.Limit
	var out []model.Statement
	cursor := q.Cursor
	for {
		bq := q
		bq.Cursor = cursor
		if limit > 0 {
			bq.Limit = limit - len(out)
		}
		res, err := s.read.Read(ctx, s.target, bq)
		if err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				return &Page{}, nil
			}
			return nil, err
		}
		if len(res.Statements) == 0 {
			break
		}

		voided, err := s.voidedSet(ctx, res.Statements)
		if err != nil {
			return nil, err
		}
		for _, stmt := range res.Statements {
			if !voided[stmt.ID] {
				out = append(out, stmt)
			}
		}

		if res.Next == nil || (limit > 0 && len(out) >= limit) {
			break
		}
		cursor = res.Next
	}

	page := &Page{Statements: out}
	if limit > 0 && len(out) >= limit {
		page.Statements = out[:limit]
		last := page.Statements[limit-1]
		page.More = &model.Cursor{Stored: last.Stored, ID: last.ID}
	}
	return page, nil
}

// voidedSet returns the ids among stmts that a stored voiding statement
// references. A voiding statement cannot itself be voided into visibility:
// any single reference is enough to retract the target.
func (s *Store) voidedSet(ctx context.Context, stmts []model.Statement) (map[string]bool, error) {
	ids := make([]string, len(stmts))
	for i, st := range stmts {
		ids[i] = st.ID
	}
	res, err := s.read.Read(ctx, s.target, model.StatementQuery{VoidTargets: ids, Ascending: true})
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: resolve voiding: %w", err)
	}
	voided := make(map[string]bool, len(res.Statements))
	for _, v := range res.Statements {
		voided[v.Meta.VoidTarget] = true
	}
	return voided, nil
}

// Get fetches one statement by id. With voided=false it mirrors the default
// query view and refuses a voided statement; with voided=true only a voided
// statement is returned. Both misses surface as ErrNotFound so callers leak
// nothing about which case occurred.
func (s *Store) Get(ctx context.Context, id string, voided bool) (*model.Statement, error) {
	found, err := s.read.ReadByIDs(ctx, s.target, []string{id})
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	stmt := found[0]

	voidedSet, err := s.voidedSet(ctx, found[:1])
	if err != nil {
		return nil, err
	}
	if voidedSet[stmt.ID] != voided {
		return nil, ErrNotFound
	}
	return &stmt, nil
}

// List exposes the read adapter's storable units for introspection.
func (s *Store) List(ctx context.Context) ([]string, error) {
	return s.read.List(ctx)
}
