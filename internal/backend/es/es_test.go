package es

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiomata/recital/internal/backend"
	"github.com/axiomata/recital/internal/model"
	"github.com/axiomata/recital/internal/testutil"
)

var esAddr string

func TestMain(m *testing.M) {
	if os.Getenv("RECITAL_INTEGRATION") == "" {
		os.Exit(m.Run())
	}
	tc := testutil.MustStartElasticsearch()
	esAddr = tc.URI
	code := m.Run()
	tc.Terminate()
	os.Exit(code)
}

func newBackend(t *testing.T) *Backend {
	t.Helper()
	testutil.SkipWithoutIntegration(t)
	b, err := New(context.Background(), Config{Addresses: []string{esAddr}})
	require.NoError(t, err)
	return b
}

// target gives each test its own index; index names must be lowercase.
func target(t *testing.T) string {
	return strings.ToLower(t.Name())
}

func stmt(id string, stored time.Time) model.Statement {
	raw, _ := json.Marshal(map[string]any{"id": id})
	return model.Statement{
		ID:     id,
		Stored: stored,
		Raw:    raw,
		Meta: model.Metadata{
			Actor:     "mbox::mailto:learner@example.com",
			Verb:      "http://adlnet.gov/expapi/verbs/completed",
			Timestamp: stored,
		},
	}
}

func writeAll(t *testing.T, b *Backend, stmts ...model.Statement) {
	t.Helper()
	for _, res := range b.Write(context.Background(), target(t), stmts) {
		require.NoError(t, res.Err)
	}
}

func ids(stmts []model.Statement) []string {
	out := make([]string, len(stmts))
	for i, s := range stmts {
		out[i] = s.ID
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	b := newBackend(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	writeAll(t, b, stmt("a", base), stmt("b", base.Add(time.Second)))

	res, err := b.Read(context.Background(), target(t), model.StatementQuery{Ascending: true})
	require.NoError(t, err)
	require.Len(t, res.Statements, 2)
	assert.Equal(t, []string{"a", "b"}, ids(res.Statements))
	assert.Equal(t, base, res.Statements[0].Stored)
	assert.JSONEq(t, `{"id":"a"}`, string(res.Statements[0].Raw))
}

func TestCreateRefusesExistingID(t *testing.T) {
	b := newBackend(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	writeAll(t, b, stmt("a", base))

	// The bulk create op keeps the index append-only: a second document
	// under the same _id fails alone.
	results := b.Write(context.Background(), target(t), []model.Statement{
		stmt("a", base.Add(time.Second)),
		stmt("b", base.Add(2*time.Second)),
	})
	require.Len(t, results, 2)
	assert.ErrorIs(t, results[0].Err, backend.ErrRejected)
	assert.NoError(t, results[1].Err)
}

func TestMissingIndexIsNotFound(t *testing.T) {
	b := newBackend(t)

	_, err := b.Read(context.Background(), "absent-index", model.StatementQuery{})
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestSearchAfterPagination(t *testing.T) {
	b := newBackend(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var stmts []model.Statement
	for i := 0; i < 5; i++ {
		stmts = append(stmts, stmt(fmt.Sprintf("s%d", i), base.Add(time.Duration(i)*time.Second)))
	}
	writeAll(t, b, stmts...)

	res, err := b.Read(context.Background(), target(t), model.StatementQuery{Ascending: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"s0", "s1"}, ids(res.Statements))
	require.NotNil(t, res.Next)

	res, err = b.Read(context.Background(), target(t), model.StatementQuery{Ascending: true, Limit: 2, Cursor: res.Next})
	require.NoError(t, err)
	assert.Equal(t, []string{"s2", "s3"}, ids(res.Statements))
}

func TestNativeFilters(t *testing.T) {
	b := newBackend(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	passed := stmt("p", base.Add(time.Second))
	passed.Meta.Verb = "http://adlnet.gov/expapi/verbs/passed"
	writeAll(t, b, stmt("a", base), passed)

	// Exact-match verb filter needs the keyword mapping; dynamic mapping
	// would have indexed the URI as analysed text.
	res, err := b.Read(context.Background(), target(t), model.StatementQuery{
		Verb: "http://adlnet.gov/expapi/verbs/passed",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"p"}, ids(res.Statements))

	since := base.Add(time.Second)
	res, err = b.Read(context.Background(), target(t), model.StatementQuery{Since: &since})
	require.NoError(t, err)
	assert.Equal(t, []string{"p"}, ids(res.Statements))
}

func TestVoidTargetsLookup(t *testing.T) {
	b := newBackend(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	voiding := stmt("v", base.Add(time.Second))
	voiding.Meta.Voiding = true
	voiding.Meta.VoidTarget = "a"
	writeAll(t, b, stmt("a", base), voiding)

	res, err := b.Read(context.Background(), target(t), model.StatementQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(res.Statements))

	res, err = b.Read(context.Background(), target(t), model.StatementQuery{VoidTargets: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"v"}, ids(res.Statements))
}

func TestReadByIDs(t *testing.T) {
	b := newBackend(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	writeAll(t, b, stmt("a", base), stmt("b", base.Add(time.Second)))

	got, err := b.ReadByIDs(context.Background(), target(t), []string{"b", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestList(t *testing.T) {
	b := newBackend(t)

	writeAll(t, b, stmt("a", time.Now().UTC()))

	names, err := b.List(context.Background())
	require.NoError(t, err)
	assert.Contains(t, names, target(t))
}
