package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiomata/recital/internal/backend"
	"github.com/axiomata/recital/internal/backend/fs"
	"github.com/axiomata/recital/internal/model"
	"github.com/axiomata/recital/internal/validator"
)

var authority = model.Agent{Mbox: "mailto:lrs@example.com"}

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	b, err := fs.New(fs.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	logger := slog.New(slog.DiscardHandler)
	return New(b, b, "statements", validator.Syntax{}, logger, opts...)
}

func rawStatement(t *testing.T, fields map[string]any) json.RawMessage {
	t.Helper()
	doc := map[string]any{
		"actor":  map[string]any{"mbox": "mailto:learner@example.com"},
		"verb":   map[string]any{"id": "http://adlnet.gov/expapi/verbs/completed"},
		"object": map[string]any{"id": "http://example.com/course/1"},
	}
	for k, v := range fields {
		doc[k] = v
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func voidingStatement(t *testing.T, targetID string) json.RawMessage {
	t.Helper()
	return rawStatement(t, map[string]any{
		"verb":   map[string]any{"id": model.VoidVerb},
		"object": map[string]any{"objectType": "StatementRef", "id": targetID},
	})
}

func TestWriteBatch_StoresAndAssignsIDs(t *testing.T) {
	s := newStore(t)

	outcomes := s.WriteBatch(context.Background(), authority, []json.RawMessage{
		rawStatement(t, nil),
		rawStatement(t, map[string]any{"object": map[string]any{"id": "http://example.com/course/2"}}),
	})

	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, model.OutcomeStored, o.Kind)
		_, err := uuid.Parse(o.ID)
		assert.NoError(t, err)
	}
}

func TestWriteBatch_IdempotentRetry(t *testing.T) {
	s := newStore(t)
	raw := rawStatement(t, map[string]any{"id": uuid.NewString()})

	first := s.WriteBatch(context.Background(), authority, []json.RawMessage{raw})
	require.Equal(t, model.OutcomeStored, first[0].Kind)

	// Resubmitting the identical payload is a success, not a second write.
	second := s.WriteBatch(context.Background(), authority, []json.RawMessage{raw})
	require.Equal(t, model.OutcomeDuplicate, second[0].Kind)
	assert.Equal(t, first[0].ID, second[0].ID)

	page, err := s.Query(context.Background(), model.StatementQuery{})
	require.NoError(t, err)
	assert.Len(t, page.Statements, 1)
}

func TestWriteBatch_ConflictOnDifferingPayload(t *testing.T) {
	s := newStore(t)
	id := uuid.NewString()

	first := s.WriteBatch(context.Background(), authority, []json.RawMessage{
		rawStatement(t, map[string]any{"id": id}),
	})
	require.Equal(t, model.OutcomeStored, first[0].Kind)

	second := s.WriteBatch(context.Background(), authority, []json.RawMessage{
		rawStatement(t, map[string]any{
			"id":     id,
			"object": map[string]any{"id": "http://example.com/course/other"},
		}),
	})
	require.Equal(t, model.OutcomeRejected, second[0].Kind)
	assert.Contains(t, second[0].Reason, "conflict")
}

func TestWriteBatch_DuplicateIDWithinBatch(t *testing.T) {
	s := newStore(t)
	id := uuid.NewString()
	same := rawStatement(t, map[string]any{"id": id})
	differing := rawStatement(t, map[string]any{
		"id":     id,
		"object": map[string]any{"id": "http://example.com/course/other"},
	})

	outcomes := s.WriteBatch(context.Background(), authority, []json.RawMessage{same, same, differing})

	assert.Equal(t, model.OutcomeStored, outcomes[0].Kind)
	assert.Equal(t, model.OutcomeDuplicate, outcomes[1].Kind)
	assert.Equal(t, model.OutcomeRejected, outcomes[2].Kind)
	assert.Contains(t, outcomes[2].Reason, "conflict")
}

func TestWriteBatch_DuplicateSlotSharesDeferredFate(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	s := New(failingBackend{}, failingBackend{}, "statements", validator.Syntax{}, logger)
	same := rawStatement(t, map[string]any{"id": uuid.NewString()})

	outcomes := s.WriteBatch(context.Background(), authority, []json.RawMessage{same, same})

	// The backend is down, so nothing landed. The equivalent duplicate
	// must not claim success for a write that never happened.
	require.Equal(t, model.OutcomeDeferred, outcomes[0].Kind)
	assert.Equal(t, model.OutcomeDeferred, outcomes[1].Kind)
	assert.Equal(t, outcomes[0].ID, outcomes[1].ID)
}

func TestWriteBatch_DuplicateSlotSharesRejectedFate(t *testing.T) {
	s := newStore(t)
	id := uuid.NewString()

	first := s.WriteBatch(context.Background(), authority, []json.RawMessage{
		rawStatement(t, map[string]any{"id": id}),
	})
	require.Equal(t, model.OutcomeStored, first[0].Kind)

	// Both slots carry the same payload, which conflicts with what is
	// already persisted under the id, so both are conflicts.
	differing := rawStatement(t, map[string]any{
		"id":     id,
		"object": map[string]any{"id": "http://example.com/course/other"},
	})
	outcomes := s.WriteBatch(context.Background(), authority, []json.RawMessage{differing, differing})
	require.Equal(t, model.OutcomeRejected, outcomes[0].Kind)
	assert.Contains(t, outcomes[0].Reason, "conflict")
	assert.Equal(t, outcomes[0], outcomes[1])
}

func TestWriteBatch_InvalidItemDoesNotAbortSiblings(t *testing.T) {
	s := newStore(t)

	outcomes := s.WriteBatch(context.Background(), authority, []json.RawMessage{
		rawStatement(t, nil),
		json.RawMessage(`{"verb": {"id": "v"}}`), // missing actor and object
		rawStatement(t, map[string]any{"object": map[string]any{"id": "http://example.com/course/2"}}),
	})

	assert.Equal(t, model.OutcomeStored, outcomes[0].Kind)
	assert.Equal(t, model.OutcomeRejected, outcomes[1].Kind)
	assert.Contains(t, outcomes[1].Reason, "invalid-schema")
	assert.Equal(t, model.OutcomeStored, outcomes[2].Kind)
}

func TestWriteBatch_MonotonicStoredUnderFrozenClock(t *testing.T) {
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newStore(t, WithClock(func() time.Time { return frozen }))

	raws := make([]json.RawMessage, 5)
	for i := range raws {
		raws[i] = rawStatement(t, map[string]any{"object": map[string]any{"id": fmt.Sprintf("http://example.com/a/%d", i)}})
	}
	outcomes := s.WriteBatch(context.Background(), authority, raws)
	for _, o := range outcomes {
		require.Equal(t, model.OutcomeStored, o.Kind)
	}

	// Even with a stalled wall clock, stored stamps must strictly increase
	// so the (stored, id) order reflects arrival order.
	page, err := s.Query(context.Background(), model.StatementQuery{Ascending: true})
	require.NoError(t, err)
	require.Len(t, page.Statements, 5)
	for i := 1; i < len(page.Statements); i++ {
		assert.True(t, page.Statements[i-1].Stored.Before(page.Statements[i].Stored))
	}
}

func TestWriteBatch_BackendFailureDefers(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	s := New(failingBackend{}, failingBackend{}, "statements", validator.Syntax{}, logger)

	outcomes := s.WriteBatch(context.Background(), authority, []json.RawMessage{rawStatement(t, nil)})
	require.Equal(t, model.OutcomeDeferred, outcomes[0].Kind)
	assert.True(t, outcomes[0].Retryable())
}

func TestQuery_VoidedStatementHiddenByDefault(t *testing.T) {
	s := newStore(t)
	targetID := uuid.NewString()

	outcomes := s.WriteBatch(context.Background(), authority, []json.RawMessage{
		rawStatement(t, map[string]any{"id": targetID}),
		rawStatement(t, map[string]any{"object": map[string]any{"id": "http://example.com/course/2"}}),
	})
	for _, o := range outcomes {
		require.Equal(t, model.OutcomeStored, o.Kind)
	}

	// Void the first statement. The voiding write is itself a statement.
	void := s.WriteBatch(context.Background(), authority, []json.RawMessage{voidingStatement(t, targetID)})
	require.Equal(t, model.OutcomeStored, void[0].Kind)

	// Default view: neither the voided target nor the voiding statement.
	page, err := s.Query(context.Background(), model.StatementQuery{})
	require.NoError(t, err)
	require.Len(t, page.Statements, 1)
	assert.Equal(t, outcomes[1].ID, page.Statements[0].ID)

	// Voided view: everything, voiding bookkeeping included.
	page, err = s.Query(context.Background(), model.StatementQuery{IncludeVoided: true})
	require.NoError(t, err)
	assert.Len(t, page.Statements, 3)
}

func TestQuery_RefillKeepsPageFull(t *testing.T) {
	s := newStore(t)

	var targetIDs []string
	for i := 0; i < 4; i++ {
		id := uuid.NewString()
		targetIDs = append(targetIDs, id)
		out := s.WriteBatch(context.Background(), authority, []json.RawMessage{
			rawStatement(t, map[string]any{"id": id}),
		})
		require.Equal(t, model.OutcomeStored, out[0].Kind)
	}

	// Void the two oldest. Ascending queries would hit them first, so a
	// naive single fetch of limit 2 would return a short page.
	for _, id := range targetIDs[:2] {
		out := s.WriteBatch(context.Background(), authority, []json.RawMessage{voidingStatement(t, id)})
		require.Equal(t, model.OutcomeStored, out[0].Kind)
	}

	page, err := s.Query(context.Background(), model.StatementQuery{Ascending: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Statements, 2)
	assert.Equal(t, targetIDs[2], page.Statements[0].ID)
	assert.Equal(t, targetIDs[3], page.Statements[1].ID)
}

func TestQuery_PaginationComposesToFullScan(t *testing.T) {
	s := newStore(t)

	for i := 0; i < 7; i++ {
		out := s.WriteBatch(context.Background(), authority, []json.RawMessage{
			rawStatement(t, map[string]any{"object": map[string]any{"id": fmt.Sprintf("http://example.com/a/%d", i)}}),
		})
		require.Equal(t, model.OutcomeStored, out[0].Kind)
	}

	full, err := s.Query(context.Background(), model.StatementQuery{Ascending: true})
	require.NoError(t, err)
	require.Len(t, full.Statements, 7)

	// Walking the same data at any page size must yield the same sequence.
	for pageSize := 1; pageSize <= 7; pageSize++ {
		var walked []model.Statement
		var cursor *model.Cursor
		for {
			page, err := s.Query(context.Background(), model.StatementQuery{
				Ascending: true, Limit: pageSize, Cursor: cursor,
			})
			require.NoError(t, err)
			walked = append(walked, page.Statements...)
			if page.More == nil {
				break
			}
			cursor = page.More
		}
		require.Len(t, walked, 7, "page size %d", pageSize)
		for i := range walked {
			assert.Equal(t, full.Statements[i].ID, walked[i].ID, "page size %d, position %d", pageSize, i)
		}
	}
}

func TestQuery_EmptyStoreYieldsEmptyPage(t *testing.T) {
	s := newStore(t)

	page, err := s.Query(context.Background(), model.StatementQuery{})
	require.NoError(t, err)
	assert.Empty(t, page.Statements)
	assert.Nil(t, page.More)
}

func TestGet_ActiveAndVoidedViews(t *testing.T) {
	s := newStore(t)
	targetID := uuid.NewString()

	out := s.WriteBatch(context.Background(), authority, []json.RawMessage{
		rawStatement(t, map[string]any{"id": targetID}),
	})
	require.Equal(t, model.OutcomeStored, out[0].Kind)

	// Active statement: visible via the normal view only.
	got, err := s.Get(context.Background(), targetID, false)
	require.NoError(t, err)
	assert.Equal(t, targetID, got.ID)

	_, err = s.Get(context.Background(), targetID, true)
	assert.ErrorIs(t, err, ErrNotFound)

	// After voiding the views swap.
	void := s.WriteBatch(context.Background(), authority, []json.RawMessage{voidingStatement(t, targetID)})
	require.Equal(t, model.OutcomeStored, void[0].Kind)

	_, err = s.Get(context.Background(), targetID, false)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err = s.Get(context.Background(), targetID, true)
	require.NoError(t, err)
	assert.Equal(t, targetID, got.ID)
}

func TestGet_UnknownID(t *testing.T) {
	s := newStore(t)

	_, err := s.Get(context.Background(), uuid.NewString(), false)
	assert.ErrorIs(t, err, ErrNotFound)
}

// failingBackend refuses every operation with a connection error.
type failingBackend struct{}

func (failingBackend) Write(_ context.Context, _ string, stmts []model.Statement) []backend.WriteResult {
	results := make([]backend.WriteResult, len(stmts))
	for i, s := range stmts {
		results[i] = backend.WriteResult{ID: s.ID, Err: backend.ConnectionErr("test: write", context.DeadlineExceeded)}
	}
	return results
}

func (failingBackend) Read(context.Context, string, model.StatementQuery) (*backend.ReadResult, error) {
	return nil, backend.ConnectionErr("test: read", context.DeadlineExceeded)
}

func (failingBackend) ReadByIDs(context.Context, string, []string) ([]model.Statement, error) {
	return nil, backend.ErrNotFound
}

func (failingBackend) List(context.Context) ([]string, error) { return nil, nil }

func (failingBackend) Capabilities() backend.CapabilitySet { return 0 }

func (failingBackend) Close(context.Context) error { return nil }
