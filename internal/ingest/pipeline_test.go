package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiomata/recital/internal/backend/fs"
	"github.com/axiomata/recital/internal/model"
	"github.com/axiomata/recital/internal/store"
	"github.com/axiomata/recital/internal/validator"
)

var authority = model.Agent{Mbox: "mailto:lrs@example.com"}

func newPipeline(t *testing.T, maxBatch int) *Pipeline {
	t.Helper()
	b, err := fs.New(fs.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	logger := slog.New(slog.DiscardHandler)
	st := store.New(b, b, "statements", validator.Syntax{}, logger)
	return New(st, maxBatch, logger)
}

func rawStatement(t *testing.T, activity string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"actor":  map[string]any{"mbox": "mailto:learner@example.com"},
		"verb":   map[string]any{"id": "http://adlnet.gov/expapi/verbs/completed"},
		"object": map[string]any{"id": activity},
	})
	require.NoError(t, err)
	return raw
}

func TestSubmit_ChunksPreserveInputOrder(t *testing.T) {
	p := newPipeline(t, 2)

	raws := make([]json.RawMessage, 5)
	for i := range raws {
		raws[i] = rawStatement(t, fmt.Sprintf("http://example.com/a/%d", i))
	}

	outcomes := p.Submit(context.Background(), authority, raws)
	require.Len(t, outcomes, 5)
	for _, o := range outcomes {
		assert.Equal(t, model.OutcomeStored, o.Kind)
	}
	assert.True(t, AllSucceeded(outcomes))
	assert.Len(t, AcceptedIDs(outcomes), 5)
}

func TestSubmit_FailingItemIsolatedToItsSlot(t *testing.T) {
	p := newPipeline(t, 2)

	outcomes := p.Submit(context.Background(), authority, []json.RawMessage{
		rawStatement(t, "http://example.com/a/0"),
		json.RawMessage(`not json`),
		rawStatement(t, "http://example.com/a/1"),
	})

	require.Len(t, outcomes, 3)
	assert.Equal(t, model.OutcomeStored, outcomes[0].Kind)
	assert.Equal(t, model.OutcomeRejected, outcomes[1].Kind)
	assert.Equal(t, model.OutcomeStored, outcomes[2].Kind)

	assert.False(t, AllSucceeded(outcomes))
	assert.Equal(t, []string{outcomes[0].ID, outcomes[2].ID}, AcceptedIDs(outcomes))
}

func TestSubmit_EmptyInput(t *testing.T) {
	p := newPipeline(t, 2)

	outcomes := p.Submit(context.Background(), authority, nil)
	assert.Empty(t, outcomes)
	assert.True(t, AllSucceeded(outcomes))
}
