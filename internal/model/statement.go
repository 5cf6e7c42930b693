// Package model defines the statement, query, and outcome types shared by the
// storage backends, the statement store, and the HTTP surface.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VoidVerb is the verb IRI that marks a statement as voiding another.
const VoidVerb = "http://adlnet.gov/expapi/verbs/voided"

// Statement is the stored envelope for one learning record: the original
// payload plus the indexed fields backends filter on. Once written, ID and
// Raw never change; voiding is resolved at read time from later statements.
type Statement struct {
	ID     string          `json:"id"`
	Stored time.Time       `json:"stored"`
	Raw    json.RawMessage `json:"statement"`
	Meta   Metadata        `json:"metadata"`
}

// Metadata holds the fields extracted from the raw payload for filtering.
// Backends index these; they are never authoritative over Raw.
type Metadata struct {
	Actor      string    `json:"actor,omitempty"`
	Verb       string    `json:"verb,omitempty"`
	Activity   string    `json:"activity,omitempty"`
	Authority  string    `json:"authority,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Voiding    bool      `json:"voiding,omitempty"`
	VoidTarget string    `json:"void_target,omitempty"`
}

// Agent identifies an actor or authority by exactly one inverse functional
// identifier, per the xAPI agent grammar.
type Agent struct {
	Name     string   `json:"name,omitempty"`
	Mbox     string   `json:"mbox,omitempty"`
	MboxSHA1 string   `json:"mbox_sha1sum,omitempty"`
	OpenID   string   `json:"openid,omitempty"`
	Account  *Account `json:"account,omitempty"`
}

// Account is an agent identified by an account on some system.
type Account struct {
	HomePage string `json:"homePage"`
	Name     string `json:"name"`
}

// IFI returns the canonical identifier string for the agent, or "" when no
// identifier is set. The prefix disambiguates identifier kinds so that
// "mbox::x" and "openid::x" never collide.
func (a Agent) IFI() string {
	switch {
	case a.Mbox != "":
		return "mbox::" + a.Mbox
	case a.MboxSHA1 != "":
		return "mbox_sha1sum::" + a.MboxSHA1
	case a.OpenID != "":
		return "openid::" + a.OpenID
	case a.Account != nil:
		return "account::" + a.Account.HomePage + "::" + a.Account.Name
	}
	return ""
}

// NewStatement parses a raw statement payload, fills the server-side fields
// the protocol leaves optional (id, timestamp) and stamps the submitting
// credential as authority. Stored is assigned later by the statement store.
// The payload is assumed syntactically valid (the validator runs first).
func NewStatement(raw json.RawMessage, authority Agent, now time.Time) (Statement, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Statement{}, fmt.Errorf("model: parse statement: %w", err)
	}

	id, _ := doc["id"].(string)
	if id == "" {
		// Never content-derived: two actors may emit byte-identical events.
		id = uuid.NewString()
		doc["id"] = id
	}

	ts := now
	if v, ok := doc["timestamp"].(string); ok && v != "" {
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return Statement{}, fmt.Errorf("model: parse timestamp: %w", err)
		}
		ts = parsed
	} else {
		doc["timestamp"] = now.UTC().Format(time.RFC3339Nano)
	}

	doc["authority"] = authority

	meta := Metadata{
		Authority: authority.IFI(),
		Timestamp: ts,
	}
	if actor, ok := doc["actor"].(map[string]any); ok {
		meta.Actor = agentFromMap(actor).IFI()
	}
	if verb, ok := doc["verb"].(map[string]any); ok {
		meta.Verb, _ = verb["id"].(string)
	}
	if obj, ok := doc["object"].(map[string]any); ok {
		objID, _ := obj["id"].(string)
		objType, _ := obj["objectType"].(string)
		if objType == "StatementRef" {
			if meta.Verb == VoidVerb {
				meta.Voiding = true
				meta.VoidTarget = objID
			}
		} else {
			meta.Activity = objID
		}
	}

	enriched, err := json.Marshal(doc)
	if err != nil {
		return Statement{}, fmt.Errorf("model: marshal statement: %w", err)
	}

	return Statement{ID: id, Raw: enriched, Meta: meta}, nil
}

func agentFromMap(m map[string]any) Agent {
	var a Agent
	if v, ok := m["mbox"].(string); ok {
		a.Mbox = v
	}
	if v, ok := m["mbox_sha1sum"].(string); ok {
		a.MboxSHA1 = v
	}
	if v, ok := m["openid"].(string); ok {
		a.OpenID = v
	}
	if acc, ok := m["account"].(map[string]any); ok {
		home, _ := acc["homePage"].(string)
		name, _ := acc["name"].(string)
		a.Account = &Account{HomePage: home, Name: name}
	}
	return a
}

// SetStored stamps the server ingestion time on both the envelope and the
// raw payload, keeping the two views consistent.
func (s *Statement) SetStored(t time.Time) error {
	var doc map[string]any
	if err := json.Unmarshal(s.Raw, &doc); err != nil {
		return fmt.Errorf("model: parse statement: %w", err)
	}
	doc["stored"] = t.UTC().Format(time.RFC3339Nano)
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("model: marshal statement: %w", err)
	}
	s.Stored = t
	s.Raw = raw
	return nil
}
