// Package validator checks incoming statement payloads against the statement
// grammar before they reach the store. The full field-by-field grammar lives
// with an external validator; Syntax covers the structural subset the store
// depends on for metadata extraction.
package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalid marks a payload that can never be accepted as submitted.
var ErrInvalid = errors.New("validator: invalid statement")

// Validator rejects malformed statement payloads. A nil error means the
// store may extract metadata from the payload without re-checking shapes.
type Validator interface {
	Validate(ctx context.Context, raw json.RawMessage) error
}

// Syntax is the built-in structural validator.
type Syntax struct{}

// Validate enforces the structural rules: actor, verb, and object are
// present objects; verb carries an id; a caller-supplied id is a UUID; a
// caller-supplied timestamp parses; a voiding statement references a target.
func (Syntax) Validate(_ context.Context, raw json.RawMessage) error {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: not a JSON object: %w", ErrInvalid, err)
	}

	if id, ok := doc["id"]; ok {
		s, isStr := id.(string)
		if !isStr {
			return fmt.Errorf("%w: id must be a string", ErrInvalid)
		}
		if _, err := uuid.Parse(s); err != nil {
			return fmt.Errorf("%w: id is not a UUID: %w", ErrInvalid, err)
		}
	}

	for _, field := range []string{"actor", "verb", "object"} {
		v, ok := doc[field]
		if !ok {
			return fmt.Errorf("%w: missing %s", ErrInvalid, field)
		}
		if _, isObj := v.(map[string]any); !isObj {
			return fmt.Errorf("%w: %s must be an object", ErrInvalid, field)
		}
	}

	verb := doc["verb"].(map[string]any)
	verbID, _ := verb["id"].(string)
	if verbID == "" {
		return fmt.Errorf("%w: verb.id is required", ErrInvalid)
	}

	if ts, ok := doc["timestamp"]; ok {
		s, isStr := ts.(string)
		if !isStr {
			return fmt.Errorf("%w: timestamp must be a string", ErrInvalid)
		}
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			return fmt.Errorf("%w: malformed timestamp: %w", ErrInvalid, err)
		}
	}

	obj := doc["object"].(map[string]any)
	objType, _ := obj["objectType"].(string)
	if objType == "StatementRef" {
		refID, _ := obj["id"].(string)
		if _, err := uuid.Parse(refID); err != nil {
			return fmt.Errorf("%w: StatementRef id is not a UUID: %w", ErrInvalid, err)
		}
	}

	return nil
}
