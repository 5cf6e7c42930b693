// Package authz resolves credentials to principals and enforces scope-based
// access control over statement reads and writes.
//
// Scopes follow the xAPI convention: "statements/read" grants read access to
// every statement, "statements/read/mine" only to statements whose authority
// is the caller, "statements/write" grants ingestion, and "all" grants
// everything. A broader scope implies its narrowings, so "statements/read"
// satisfies a "statements/read/mine" requirement.
package authz

import "strings"

// Scope is a single access grant string.
type Scope string

const (
	ScopeAll      Scope = "all"
	ScopeRead     Scope = "statements/read"
	ScopeReadMine Scope = "statements/read/mine"
	ScopeWrite    Scope = "statements/write"
)

// knownScopes is the set of grants a credential may carry. Unknown scopes
// are dropped at parse time rather than rejected, so that credential records
// written by a newer build remain usable.
var knownScopes = map[Scope]bool{
	ScopeAll:      true,
	ScopeRead:     true,
	ScopeReadMine: true,
	ScopeWrite:    true,
}

// Covers reports whether grant s satisfies the required scope. A grant
// satisfies itself, any scope nested under it, and everything when it is
// "all".
func (s Scope) Covers(required Scope) bool {
	if s == ScopeAll || s == required {
		return true
	}
	return strings.HasPrefix(string(required), string(s)+"/")
}

// ScopeSet is an ordered collection of grants.
type ScopeSet []Scope

// ParseScopes splits a space-separated scope string, dropping unknown and
// empty entries.
func ParseScopes(raw string) ScopeSet {
	var set ScopeSet
	for _, field := range strings.Fields(raw) {
		s := Scope(field)
		if knownScopes[s] {
			set = append(set, s)
		}
	}
	return set
}

// Covers reports whether any grant in the set satisfies the required scope.
func (ss ScopeSet) Covers(required Scope) bool {
	for _, s := range ss {
		if s.Covers(required) {
			return true
		}
	}
	return false
}

// String renders the set space-separated, for storage and logging.
func (ss ScopeSet) String() string {
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = string(s)
	}
	return strings.Join(parts, " ")
}
