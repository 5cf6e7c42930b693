package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// StatementQuery is an immutable filter specification for a statements read.
// Zero values mean "no filter". Time bounds form the half-open interval
// [Since, Until) so paginated calls never see a boundary record twice.
type StatementQuery struct {
	IDs       []string
	Actor     string
	Verb      string
	Activity  string
	Authority string

	Since *time.Time
	Until *time.Time

	// VoidTargets restricts results to voiding statements that reference one
	// of the given statement ids. Used internally for read-time voiding
	// resolution; not exposed on the query surface.
	VoidTargets []string

	IncludeVoided bool
	Ascending     bool
	Limit         int
	Cursor        *Cursor
}

// Cursor is a keyset pagination position: the (stored, id) sort key of the
// last row a previous page returned. The pair is a total order, so resuming
// from it is stable even while concurrent writes land.
type Cursor struct {
	Stored time.Time `json:"s"`
	ID     string    `json:"i"`
}

// Encode serialises the cursor to an opaque URL-safe token.
func (c Cursor) Encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a token produced by Encode.
func DecodeCursor(token string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("model: decode cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("model: decode cursor: %w", err)
	}
	return &c, nil
}

// After reports whether the statement sorts after the cursor position in the
// given direction. Ties on stored time fall back to the id, which makes the
// sort key total.
func (c Cursor) After(s Statement, ascending bool) bool {
	if s.Stored.Equal(c.Stored) {
		if ascending {
			return s.ID > c.ID
		}
		return s.ID < c.ID
	}
	if ascending {
		return s.Stored.After(c.Stored)
	}
	return s.Stored.Before(c.Stored)
}

// Less orders statements by (stored, id) ascending. Used by backends without
// a native sort and by tests asserting pagination stability.
func Less(a, b Statement) bool {
	if a.Stored.Equal(b.Stored) {
		return a.ID < b.ID
	}
	return a.Stored.Before(b.Stored)
}
