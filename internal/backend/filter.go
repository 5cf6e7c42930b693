package backend

import (
	"slices"

	"github.com/axiomata/recital/internal/model"
)

// Matches applies every filter of q to a single statement in memory. Adapters
// whose engine cannot express a filter natively fall back to this; it is the
// reference semantics the native translations must agree with. Cursor and
// limit handling stay with the caller.
func Matches(q model.StatementQuery, s model.Statement) bool {
	if len(q.IDs) > 0 {
		return slices.Contains(q.IDs, s.ID)
	}
	if len(q.VoidTargets) > 0 {
		return s.Meta.Voiding && slices.Contains(q.VoidTargets, s.Meta.VoidTarget)
	}
	// Voiding statements are bookkeeping, not activity records: hidden unless
	// the caller asks for the voided view.
	if !q.IncludeVoided && s.Meta.Voiding {
		return false
	}
	if q.Actor != "" && s.Meta.Actor != q.Actor {
		return false
	}
	if q.Verb != "" && s.Meta.Verb != q.Verb {
		return false
	}
	if q.Activity != "" && s.Meta.Activity != q.Activity {
		return false
	}
	if q.Authority != "" && s.Meta.Authority != q.Authority {
		return false
	}
	// Half-open interval [since, until).
	if q.Since != nil && s.Meta.Timestamp.Before(*q.Since) {
		return false
	}
	if q.Until != nil && !s.Meta.Timestamp.Before(*q.Until) {
		return false
	}
	return true
}
