// Package es is the search-engine adapter, one index per target. Documents
// carry the raw payload as a stored string plus keyword metadata fields; all
// filters and the (stored_ns, id) sort push down, and pagination continues
// via search_after.
package es

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"

	"github.com/axiomata/recital/internal/backend"
	"github.com/axiomata/recital/internal/model"
)

// Config holds the adapter settings.
type Config struct {
	Addresses []string
	Username  string
	Password  string
	APIKey    string
}

// Backend implements backend.Backend on Elasticsearch.
type Backend struct {
	client  *elasticsearch.Client
	ensured sync.Map // target -> struct{}, indices with the mapping applied
}

// mapping types every filtered field as keyword (exact match) and the sort
// key as long. Dynamic mapping would index "id" as text and break term
// filters without a .keyword suffix.
const mapping = `{
  "mappings": {
    "properties": {
      "id":           {"type": "keyword"},
      "stored_ns":    {"type": "long"},
      "raw":          {"type": "text", "index": false},
      "actor":        {"type": "keyword"},
      "verb":         {"type": "keyword"},
      "activity":     {"type": "keyword"},
      "authority":    {"type": "keyword"},
      "timestamp_ns": {"type": "long"},
      "voiding":      {"type": "boolean"},
      "void_target":  {"type": "keyword"}
    }
  }
}`

type doc struct {
	ID          string `json:"id"`
	StoredNS    int64  `json:"stored_ns"`
	Raw         string `json:"raw"`
	Actor       string `json:"actor,omitempty"`
	Verb        string `json:"verb,omitempty"`
	Activity    string `json:"activity,omitempty"`
	Authority   string `json:"authority,omitempty"`
	TimestampNS int64  `json:"timestamp_ns"`
	Voiding     bool   `json:"voiding"`
	VoidTarget  string `json:"void_target,omitempty"`
}

// New builds the client and verifies the cluster answers.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("es: Addresses is required")
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("es: new client: %w", err)
	}
	res, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		return nil, backend.ConnectionErr("es: info", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, backend.RejectedErr("es: info", fmt.Errorf("status %s", res.Status()))
	}
	return &Backend{client: client}, nil
}

// Capabilities: everything pushes down.
func (b *Backend) Capabilities() backend.CapabilitySet {
	return backend.CapabilitySet(backend.CapBulkWrite | backend.CapNativeFilter | backend.CapNativeRangeFilter)
}

// Write bulk-creates the batch. The create op (not index) refuses an existing
// _id, keeping the engine append-only; per-item statuses come back from the
// bulk response.
func (b *Backend) Write(ctx context.Context, target string, stmts []model.Statement) []backend.WriteResult {
	results := make([]backend.WriteResult, len(stmts))
	if err := b.ensureIndex(ctx, target); err != nil {
		for i, s := range stmts {
			results[i] = backend.WriteResult{ID: s.ID, Err: err}
		}
		return results
	}
	var buf bytes.Buffer
	for i, s := range stmts {
		results[i].ID = s.ID
		action, _ := json.Marshal(map[string]any{"create": map[string]string{"_index": target, "_id": s.ID}})
		body, err := json.Marshal(toDoc(s))
		if err != nil {
			results[i].Err = backend.RejectedErr("es: encode", err)
			continue
		}
		buf.Write(action)
		buf.WriteByte('\n')
		buf.Write(body)
		buf.WriteByte('\n')
	}

	res, err := b.client.Bulk(bytes.NewReader(buf.Bytes()),
		b.client.Bulk.WithContext(ctx),
		b.client.Bulk.WithRefresh("true"),
	)
	if err != nil {
		for i := range results {
			if results[i].Err == nil {
				results[i].Err = backend.ConnectionErr("es: bulk", err)
			}
		}
		return results
	}
	defer res.Body.Close()
	if res.IsError() {
		for i := range results {
			if results[i].Err == nil {
				results[i].Err = backend.RejectedErr("es: bulk", fmt.Errorf("status %s", res.Status()))
			}
		}
		return results
	}

	var bulk struct {
		Items []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulk); err != nil {
		for i := range results {
			if results[i].Err == nil {
				results[i].Err = backend.ConnectionErr("es: bulk response", err)
			}
		}
		return results
	}

	// Bulk items come back in request order; skipped (pre-failed) slots were
	// never sent, so walk both sides in step.
	item := 0
	for i := range results {
		if results[i].Err != nil {
			continue
		}
		if item >= len(bulk.Items) {
			break
		}
		for _, op := range bulk.Items[item] {
			if op.Status >= http.StatusBadRequest {
				reason := fmt.Errorf("status %d", op.Status)
				if op.Error != nil {
					reason = fmt.Errorf("%s: %s", op.Error.Type, op.Error.Reason)
				}
				results[i].Err = backend.RejectedErr("es: create", reason)
			}
		}
		item++
	}
	return results
}

// Read searches with native filters and search_after continuation.
func (b *Backend) Read(ctx context.Context, target string, q model.StatementQuery) (*backend.ReadResult, error) {
	order := "desc"
	if q.Ascending {
		order = "asc"
	}
	body := map[string]any{
		"sort": []any{
			map[string]any{"stored_ns": order},
			map[string]any{"id": order},
		},
	}
	// Elasticsearch defaults to 10 hits; an unbounded read means "as much as
	// one window allows".
	body["size"] = 10000
	if q.Limit > 0 {
		body["size"] = q.Limit
	}
	if filters := buildFilters(q); len(filters) > 0 {
		body["query"] = map[string]any{"bool": map[string]any{"filter": filters}}
	}
	if q.Cursor != nil {
		body["search_after"] = []any{q.Cursor.Stored.UnixNano(), q.Cursor.ID}
	}

	stmts, err := b.search(ctx, target, body)
	if err != nil {
		return nil, err
	}
	res := &backend.ReadResult{Statements: stmts}
	if q.Limit > 0 && len(stmts) == q.Limit {
		last := stmts[len(stmts)-1]
		res.Next = &model.Cursor{Stored: last.Stored, ID: last.ID}
	}
	return res, nil
}

// ReadByIDs fetches exact ids regardless of voiding state.
func (b *Backend) ReadByIDs(ctx context.Context, target string, ids []string) ([]model.Statement, error) {
	body := map[string]any{
		"size":  len(ids),
		"query": map[string]any{"terms": map[string]any{"id": ids}},
	}
	return b.search(ctx, target, body)
}

func (b *Backend) search(ctx context.Context, target string, body map[string]any) ([]model.Statement, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, backend.RejectedErr("es: encode query", err)
	}
	res, err := b.client.Search(
		b.client.Search.WithContext(ctx),
		b.client.Search.WithIndex(target),
		b.client.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, backend.ConnectionErr("es: search", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("es: search %q: %w", target, backend.ErrNotFound)
	}
	if res.IsError() {
		return nil, backend.RejectedErr("es: search", fmt.Errorf("status %s", res.Status()))
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source doc `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, backend.ConnectionErr("es: decode response", err)
	}
	stmts := make([]model.Statement, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		stmts = append(stmts, fromDoc(h.Source))
	}
	return stmts, nil
}

// List enumerates non-system indices.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	res, err := b.client.Cat.Indices(
		b.client.Cat.Indices.WithContext(ctx),
		b.client.Cat.Indices.WithFormat("json"),
	)
	if err != nil {
		return nil, backend.ConnectionErr("es: cat indices", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, backend.RejectedErr("es: cat indices", fmt.Errorf("status %s", res.Status()))
	}
	var rows []struct {
		Index string `json:"index"`
	}
	if err := json.NewDecoder(res.Body).Decode(&rows); err != nil {
		return nil, backend.ConnectionErr("es: decode response", err)
	}
	var names []string
	for _, r := range rows {
		if len(r.Index) > 0 && r.Index[0] != '.' {
			names = append(names, r.Index)
		}
	}
	return names, nil
}

// ensureIndex creates the target index with the explicit mapping on first
// write. Creation races are fine: resource_already_exists is treated as done.
func (b *Backend) ensureIndex(ctx context.Context, target string) error {
	if _, ok := b.ensured.Load(target); ok {
		return nil
	}
	res, err := b.client.Indices.Create(target,
		b.client.Indices.Create.WithContext(ctx),
		b.client.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		return backend.ConnectionErr("es: create index", err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusBadRequest {
		return backend.RejectedErr("es: create index", fmt.Errorf("status %s", res.Status()))
	}
	b.ensured.Store(target, struct{}{})
	return nil
}

// Close is a no-op: the HTTP client holds no server-side state.
func (b *Backend) Close(_ context.Context) error { return nil }

func buildFilters(q model.StatementQuery) []any {
	var filters []any
	term := func(field string, v any) map[string]any {
		return map[string]any{"term": map[string]any{field: v}}
	}
	if len(q.IDs) > 0 {
		return []any{map[string]any{"terms": map[string]any{"id": q.IDs}}}
	}
	if len(q.VoidTargets) > 0 {
		return []any{
			term("voiding", true),
			map[string]any{"terms": map[string]any{"void_target": q.VoidTargets}},
		}
	}
	if !q.IncludeVoided {
		filters = append(filters, term("voiding", false))
	}
	if q.Actor != "" {
		filters = append(filters, term("actor", q.Actor))
	}
	if q.Verb != "" {
		filters = append(filters, term("verb", q.Verb))
	}
	if q.Activity != "" {
		filters = append(filters, term("activity", q.Activity))
	}
	if q.Authority != "" {
		filters = append(filters, term("authority", q.Authority))
	}
	if q.Since != nil || q.Until != nil {
		rng := map[string]any{}
		if q.Since != nil {
			rng["gte"] = q.Since.UnixNano()
		}
		if q.Until != nil {
			rng["lt"] = q.Until.UnixNano()
		}
		filters = append(filters, map[string]any{"range": map[string]any{"timestamp_ns": rng}})
	}
	return filters
}

func fromDoc(d doc) model.Statement {
	return model.Statement{
		ID:     d.ID,
		Stored: time.Unix(0, d.StoredNS).UTC(),
		Raw:    []byte(d.Raw),
		Meta: model.Metadata{
			Actor:      d.Actor,
			Verb:       d.Verb,
			Activity:   d.Activity,
			Authority:  d.Authority,
			Timestamp:  time.Unix(0, d.TimestampNS).UTC(),
			Voiding:    d.Voiding,
			VoidTarget: d.VoidTarget,
		},
	}
}

func toDoc(s model.Statement) doc {
	return doc{
		ID:          s.ID,
		StoredNS:    s.Stored.UnixNano(),
		Raw:         string(s.Raw),
		Actor:       s.Meta.Actor,
		Verb:        s.Meta.Verb,
		Activity:    s.Meta.Activity,
		Authority:   s.Meta.Authority,
		TimestampNS: s.Meta.Timestamp.UnixNano(),
		Voiding:     s.Meta.Voiding,
		VoidTarget:  s.Meta.VoidTarget,
	}
}
