// Package auth implements the credential sources the authorization gate
// resolves principals from: an SQLite-backed secret store for HTTP basic
// credentials and an Ed25519 JWT verifier for bearer tokens.
package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/axiomata/recital/internal/authz"
	"github.com/axiomata/recital/internal/model"
)

const credentialSchema = `
CREATE TABLE IF NOT EXISTS credentials (
    key_id      TEXT PRIMARY KEY,
    secret_hash TEXT NOT NULL,
    agent       TEXT NOT NULL,
    scopes      TEXT NOT NULL,
    disabled    INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL
);
`

// CredentialStore holds basic-auth credentials in an SQLite database.
// Secrets are stored as Argon2id hashes; the bound agent as JSON.
type CredentialStore struct {
	db *sql.DB
}

// OpenCredentialStore opens (creating if needed) the credential database at
// path. Use ":memory:" for an ephemeral store in tests.
func OpenCredentialStore(path string) (*CredentialStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("auth: open credential db: %w", err)
	}
	// modernc.org/sqlite serializes writes itself, but a single connection
	// avoids SQLITE_BUSY between concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(credentialSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("auth: ensure credential schema: %w", err)
	}
	return &CredentialStore{db: db}, nil
}

// Close closes the underlying database.
func (s *CredentialStore) Close() error {
	return s.db.Close()
}

// Create stores a new credential. The secret is hashed before storage and
// cannot be recovered afterwards.
func (s *CredentialStore) Create(ctx context.Context, keyID, secret string, agent model.Agent, scopes authz.ScopeSet) error {
	if keyID == "" || strings.Contains(keyID, ":") {
		return fmt.Errorf("auth: invalid key id %q", keyID)
	}

	hash, err := HashSecret(secret)
	if err != nil {
		return err
	}

	agentJSON, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("auth: encode agent: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (key_id, secret_hash, agent, scopes, disabled, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		keyID, hash, string(agentJSON), scopes.String(), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("auth: insert credential %q: %w", keyID, err)
	}
	return nil
}

// Disable marks a credential unusable without deleting its record.
func (s *CredentialStore) Disable(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE credentials SET disabled = 1 WHERE key_id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("auth: disable credential %q: %w", keyID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("auth: disable credential %q: not found", keyID)
	}
	return nil
}

// Resolve implements authz.CredentialSource for the "basic" scheme. The
// token is the decoded "keyid:secret" pair. Unknown ids, wrong secrets and
// disabled credentials all return authz.ErrUnknownCredential, after a dummy
// hash where no real verification ran.
func (s *CredentialStore) Resolve(ctx context.Context, cred authz.Credential) (authz.Principal, error) {
	if cred.Scheme != "basic" {
		return authz.Principal{}, fmt.Errorf("auth: unsupported scheme %q: %w", cred.Scheme, authz.ErrUnknownCredential)
	}

	keyID, secret, ok := strings.Cut(cred.Token, ":")
	if !ok {
		DummyVerify()
		return authz.Principal{}, fmt.Errorf("auth: malformed basic credential: %w", authz.ErrUnknownCredential)
	}

	var (
		hash      string
		agentJSON string
		scopesRaw string
		disabled  int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT secret_hash, agent, scopes, disabled FROM credentials WHERE key_id = ?`,
		keyID,
	).Scan(&hash, &agentJSON, &scopesRaw, &disabled)
	if errors.Is(err, sql.ErrNoRows) {
		DummyVerify()
		return authz.Principal{}, fmt.Errorf("auth: key id %q: %w", keyID, authz.ErrUnknownCredential)
	}
	if err != nil {
		return authz.Principal{}, fmt.Errorf("auth: lookup credential %q: %w", keyID, err)
	}

	match, err := VerifySecret(secret, hash)
	if err != nil {
		return authz.Principal{}, err
	}
	if !match || disabled != 0 {
		return authz.Principal{}, fmt.Errorf("auth: key id %q: %w", keyID, authz.ErrUnknownCredential)
	}

	var agent model.Agent
	if err := json.Unmarshal([]byte(agentJSON), &agent); err != nil {
		return authz.Principal{}, fmt.Errorf("auth: decode agent for %q: %w", keyID, err)
	}

	return authz.Principal{
		KeyID:  keyID,
		Agent:  agent,
		Scopes: authz.ParseScopes(scopesRaw),
	}, nil
}
