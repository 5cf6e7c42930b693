package model

// OutcomeKind classifies the fate of one ingested item.
type OutcomeKind string

const (
	// OutcomeStored means the statement was persisted.
	OutcomeStored OutcomeKind = "stored"
	// OutcomeDuplicate means an equivalent statement with the same id already
	// exists; the write was an idempotent no-op and counts as success.
	OutcomeDuplicate OutcomeKind = "duplicate-ignored"
	// OutcomeRejected means the item can never succeed as submitted
	// (validation failure, id conflict, or engine refusal).
	OutcomeRejected OutcomeKind = "rejected"
	// OutcomeDeferred means a transient backend failure stopped the item;
	// resubmitting the same batch is safe.
	OutcomeDeferred OutcomeKind = "deferred"
)

// Outcome is the per-item result of a write batch. Order matches input order.
type Outcome struct {
	ID     string      `json:"id"`
	Kind   OutcomeKind `json:"outcome"`
	Reason string      `json:"reason,omitempty"`
}

// Success reports whether the item ended in a state the caller should not retry.
func (o Outcome) Success() bool {
	return o.Kind == OutcomeStored || o.Kind == OutcomeDuplicate
}

// Retryable reports whether resubmitting the item may succeed.
func (o Outcome) Retryable() bool {
	return o.Kind == OutcomeDeferred
}
