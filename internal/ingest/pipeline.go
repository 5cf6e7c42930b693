// Package ingest batches incoming statements before they hit the store,
// bounding per-round-trip overhead against engines that charge fixed cost
// per call, and aggregates per-item outcomes across batches.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/axiomata/recital/internal/model"
	"github.com/axiomata/recital/internal/store"
)

// DefaultMaxBatch is the batch size used when the config leaves it zero.
const DefaultMaxBatch = 500

// Pipeline chunks submissions and delegates to the statement store.
type Pipeline struct {
	store    *store.Store
	maxBatch int
	logger   *slog.Logger
}

// New builds a Pipeline. maxBatch <= 0 falls back to DefaultMaxBatch.
func New(st *store.Store, maxBatch int, logger *slog.Logger) *Pipeline {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &Pipeline{store: st, maxBatch: maxBatch, logger: logger}
}

// Submit ingests raw statements under the given authority and returns one
// outcome per input, in input order. A failing item never aborts its
// siblings; a failing sub-batch never aborts the ones before or after it.
func (p *Pipeline) Submit(ctx context.Context, authority model.Agent, raws []json.RawMessage) []model.Outcome {
	outcomes := make([]model.Outcome, 0, len(raws))
	for start := 0; start < len(raws); start += p.maxBatch {
		end := min(start+p.maxBatch, len(raws))
		batch := p.store.WriteBatch(ctx, authority, raws[start:end])
		outcomes = append(outcomes, batch...)
	}

	var stored, dup, rejected, deferred int
	for _, o := range outcomes {
		switch o.Kind {
		case model.OutcomeStored:
			stored++
		case model.OutcomeDuplicate:
			dup++
		case model.OutcomeRejected:
			rejected++
		case model.OutcomeDeferred:
			deferred++
		}
	}
	p.logger.Info("ingest batch",
		"total", len(raws),
		"stored", stored,
		"duplicate", dup,
		"rejected", rejected,
		"deferred", deferred,
	)
	return outcomes
}

// AllSucceeded reports whether every outcome is stored or duplicate-ignored.
func AllSucceeded(outcomes []model.Outcome) bool {
	for _, o := range outcomes {
		if !o.Success() {
			return false
		}
	}
	return true
}

// AcceptedIDs returns the ids of successful items, in input order.
func AcceptedIDs(outcomes []model.Outcome) []string {
	ids := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Success() {
			ids = append(ids, o.ID)
		}
	}
	return ids
}
