package model

import (
	"encoding/json"
	"reflect"
)

// volatileFields are the statement properties the server assigns or rewrites
// during ingestion. The protocol calls for deep comparison of duplicate ids
// that ignores exactly these fields, so a client retry of an already-accepted
// statement compares equal even though the server enriched it.
var volatileFields = []string{"id", "stored", "timestamp", "authority", "version", "attachments"}

// Equivalent reports whether two raw statement payloads describe the same
// event, ignoring server-assigned fields. Malformed payloads are never
// equivalent to anything.
func Equivalent(a, b json.RawMessage) bool {
	da, ok := stripped(a)
	if !ok {
		return false
	}
	db, ok := stripped(b)
	if !ok {
		return false
	}
	return reflect.DeepEqual(da, db)
}

func stripped(raw json.RawMessage) (map[string]any, bool) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false
	}
	for _, f := range volatileFields {
		delete(doc, f)
	}
	return doc, true
}
