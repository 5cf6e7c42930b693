package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/axiomata/recital/internal/model"
)

// StatementMetrics holds the instruments the ingest and query paths record
// into. A zero value is safe: with no OTEL endpoint configured the global
// meter is a no-op and every recording is dropped.
type StatementMetrics struct {
	ingested metric.Int64Counter
	queried  metric.Int64Counter
}

// NewStatementMetrics creates the statement instruments on the global meter.
func NewStatementMetrics() (*StatementMetrics, error) {
	meter := Meter("recital/statements")

	ingested, err := meter.Int64Counter("recital.statements.ingested",
		metric.WithDescription("Statements processed by the ingest pipeline, by outcome."),
	)
	if err != nil {
		return nil, err
	}

	queried, err := meter.Int64Counter("recital.statements.queried",
		metric.WithDescription("Statements returned by query pages."),
	)
	if err != nil {
		return nil, err
	}

	return &StatementMetrics{ingested: ingested, queried: queried}, nil
}

// RecordOutcomes increments the ingest counter per outcome kind.
func (m *StatementMetrics) RecordOutcomes(ctx context.Context, outcomes []model.Outcome) {
	if m == nil || m.ingested == nil {
		return
	}
	counts := make(map[model.OutcomeKind]int64)
	for _, o := range outcomes {
		counts[o.Kind]++
	}
	for kind, n := range counts {
		m.ingested.Add(ctx, n, metric.WithAttributes(attribute.String("outcome", string(kind))))
	}
}

// RecordQueried increments the query counter by the page size served.
func (m *StatementMetrics) RecordQueried(ctx context.Context, n int) {
	if m == nil || m.queried == nil {
		return
	}
	m.queried.Add(ctx, int64(n))
}
