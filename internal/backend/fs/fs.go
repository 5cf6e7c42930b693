// Package fs is the flat-file storage adapter: one JSON-lines file per
// target under a root directory. It declares no native capabilities, so all
// filtering happens in memory through the shared reference semantics. Meant
// for development and small deployments, and as the simplest conforming
// adapter.
package fs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/axiomata/recital/internal/backend"
	"github.com/axiomata/recital/internal/model"
)

const fileSuffix = ".jsonl"

// Config holds the adapter settings.
type Config struct {
	// Dir is the root directory holding one <target>.jsonl file per target.
	Dir string
}

// Backend implements backend.Backend on the local filesystem.
type Backend struct {
	dir string
	mu  sync.Mutex // serialises appends; reads tolerate concurrent writers

	// ids holds the stored ids per target, built lazily from the file on
	// first write. Guarded by mu. Appends are the only mutation path, so
	// the index stays consistent with the file for the adapter's lifetime.
	ids map[string]map[string]struct{}
}

// New creates the root directory if needed and returns the adapter.
func New(cfg Config) (*Backend, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("fs: Dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("fs: create dir: %w", err)
	}
	return &Backend{dir: cfg.Dir, ids: make(map[string]map[string]struct{})}, nil
}

// Capabilities reports none: every filter is applied in memory.
func (b *Backend) Capabilities() backend.CapabilitySet { return 0 }

func (b *Backend) path(target string) string {
	return filepath.Join(b.dir, target+fileSuffix)
}

// Write appends each statement as one JSON line, reporting per-item results.
// Ids already present in the target are rejected under the same mutex that
// serialises appends, so concurrent batches cannot both land the same id.
func (b *Backend) Write(ctx context.Context, target string, stmts []model.Statement) []backend.WriteResult {
	results := make([]backend.WriteResult, len(stmts))
	for i, s := range stmts {
		results[i].ID = s.ID
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	idx, err := b.index(ctx, target)
	if err != nil {
		for i := range results {
			results[i].Err = backend.ConnectionErr("fs: index", err)
		}
		return results
	}

	f, err := os.OpenFile(b.path(target), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		for i := range results {
			results[i].Err = backend.ConnectionErr("fs: open", err)
		}
		return results
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for i, s := range stmts {
		if ctx.Err() != nil {
			results[i].Err = backend.ConnectionErr("fs: write", ctx.Err())
			continue
		}
		if _, taken := idx[s.ID]; taken {
			results[i].Err = backend.RejectedErr("fs: write", fmt.Errorf("id %q already stored", s.ID))
			continue
		}
		line, err := json.Marshal(s)
		if err != nil {
			results[i].Err = backend.RejectedErr("fs: encode", err)
			continue
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			results[i].Err = backend.ConnectionErr("fs: write", err)
			continue
		}
		idx[s.ID] = struct{}{}
	}
	if err := w.Flush(); err != nil {
		for i := range results {
			if results[i].Err == nil {
				results[i].Err = backend.ConnectionErr("fs: flush", err)
				// The line may not have reached the file; drop the id so a
				// retried batch is not refused.
				delete(idx, results[i].ID)
			}
		}
	}
	return results
}

// index returns the stored-id set for the target, scanning the file on first
// use. Callers must hold mu.
func (b *Backend) index(ctx context.Context, target string) (map[string]struct{}, error) {
	if set, ok := b.ids[target]; ok {
		return set, nil
	}
	set := make(map[string]struct{})
	_, err := b.scan(ctx, target, func(s model.Statement) bool {
		set[s.ID] = struct{}{}
		return false
	})
	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		return nil, err
	}
	b.ids[target] = set
	return set, nil
}

// Read scans the target file, filters in memory, sorts by (stored, id), and
// applies cursor and limit.
func (b *Backend) Read(ctx context.Context, target string, q model.StatementQuery) (*backend.ReadResult, error) {
	matched, err := b.scan(ctx, target, func(s model.Statement) bool {
		return backend.Matches(q, s)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(matched, func(i, j int) bool {
		if q.Ascending {
			return model.Less(matched[i], matched[j])
		}
		return model.Less(matched[j], matched[i])
	})

	if q.Cursor != nil {
		cut := 0
		for cut < len(matched) && !q.Cursor.After(matched[cut], q.Ascending) {
			cut++
		}
		matched = matched[cut:]
	}

	res := &backend.ReadResult{Statements: matched}
	if q.Limit > 0 && len(matched) > q.Limit {
		res.Statements = matched[:q.Limit]
	}
	if q.Limit > 0 && len(res.Statements) == q.Limit && len(matched) >= q.Limit {
		last := res.Statements[len(res.Statements)-1]
		res.Next = &model.Cursor{Stored: last.Stored, ID: last.ID}
	}
	return res, nil
}

// ReadByIDs scans the target file for exact id matches.
func (b *Backend) ReadByIDs(ctx context.Context, target string, ids []string) ([]model.Statement, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return b.scan(ctx, target, func(s model.Statement) bool { return want[s.ID] })
}

func (b *Backend) scan(ctx context.Context, target string, keep func(model.Statement) bool) ([]model.Statement, error) {
	f, err := os.Open(b.path(target))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("fs: read %q: %w", target, backend.ErrNotFound)
		}
		return nil, backend.ConnectionErr("fs: open", err)
	}
	defer f.Close()

	var out []model.Statement
	r := bufio.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return nil, backend.ConnectionErr("fs: scan", err)
		}
		line, err := r.ReadBytes('\n')
		if len(line) > 1 {
			var s model.Statement
			if uerr := json.Unmarshal(line, &s); uerr != nil {
				return nil, backend.RejectedErr("fs: decode", uerr)
			}
			if keep(s) {
				out = append(out, s)
			}
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, backend.ConnectionErr("fs: scan", err)
		}
	}
}

// List enumerates the target files under the root directory.
func (b *Backend) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, backend.ConnectionErr("fs: list", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), fileSuffix) {
			names = append(names, strings.TrimSuffix(e.Name(), fileSuffix))
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op; the adapter holds no connections between calls.
func (b *Backend) Close(_ context.Context) error { return nil }
