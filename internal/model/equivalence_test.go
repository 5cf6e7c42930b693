package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEquivalent_IgnoresVolatileFields(t *testing.T) {
	a := json.RawMessage(`{
		"id": "aaaa", "stored": "2026-01-01T00:00:00Z",
		"timestamp": "2026-01-01T00:00:00Z",
		"authority": {"mbox": "mailto:one@example.com"},
		"actor": {"mbox": "mailto:learner@example.com"},
		"verb": {"id": "http://adlnet.gov/expapi/verbs/completed"},
		"object": {"id": "http://example.com/course/1"}
	}`)
	b := json.RawMessage(`{
		"id": "bbbb",
		"authority": {"mbox": "mailto:two@example.com"},
		"actor": {"mbox": "mailto:learner@example.com"},
		"verb": {"id": "http://adlnet.gov/expapi/verbs/completed"},
		"object": {"id": "http://example.com/course/1"}
	}`)

	assert.True(t, Equivalent(a, b))
}

func TestEquivalent_DetectsContentDifference(t *testing.T) {
	a := json.RawMessage(`{"actor": {"mbox": "mailto:x@example.com"}, "verb": {"id": "v1"}}`)
	b := json.RawMessage(`{"actor": {"mbox": "mailto:x@example.com"}, "verb": {"id": "v2"}}`)

	assert.False(t, Equivalent(a, b))
}

func TestEquivalent_IgnoresKeyOrderAndWhitespace(t *testing.T) {
	a := json.RawMessage(`{"verb": {"id": "v"}, "actor": {"mbox": "mailto:x@example.com"}}`)
	b := json.RawMessage(`{
		"actor": {"mbox": "mailto:x@example.com"},
		"verb":  {"id": "v"}
	}`)

	assert.True(t, Equivalent(a, b))
}

func TestEquivalent_MalformedNeverEquivalent(t *testing.T) {
	good := json.RawMessage(`{"verb": {"id": "v"}}`)
	bad := json.RawMessage(`{"verb": `)

	assert.False(t, Equivalent(good, bad))
	assert.False(t, Equivalent(bad, bad))
}
