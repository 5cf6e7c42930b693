package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/axiomata/recital/internal/authz"
	"github.com/axiomata/recital/internal/ingest"
	"github.com/axiomata/recital/internal/model"
	"github.com/axiomata/recital/internal/store"
	"github.com/axiomata/recital/internal/telemetry"
)

// xapiVersion is the Experience API version the server speaks.
const xapiVersion = "1.0.3"

const statementsPath = "/xAPI/statements"

// Handlers holds dependencies for HTTP handler methods.
type Handlers struct {
	store    *store.Store
	pipeline *ingest.Pipeline
	gate     *authz.Gate
	metrics  *telemetry.StatementMetrics
	logger   *slog.Logger

	version      string
	maxBodyBytes int64
	pageLimit    int
	maxPageLimit int
}

// HandlersDeps holds dependencies for creating Handlers.
type HandlersDeps struct {
	Store    *store.Store
	Pipeline *ingest.Pipeline
	Gate     *authz.Gate
	Metrics  *telemetry.StatementMetrics
	Logger   *slog.Logger

	Version             string
	MaxRequestBodyBytes int64
	PageLimit           int
	MaxPageLimit        int
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		store:        deps.Store,
		pipeline:     deps.Pipeline,
		gate:         deps.Gate,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
		version:      deps.Version,
		maxBodyBytes: deps.MaxRequestBodyBytes,
		pageLimit:    deps.PageLimit,
		maxPageLimit: deps.MaxPageLimit,
	}
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// HandleAuthToken exchanges an authenticated credential for a bearer token
// carrying the same identity and scopes. Requires a token manager to be
// configured on the gate's credential chain.
type tokenIssuer interface {
	IssueToken(agent model.Agent, scopes authz.ScopeSet) (string, time.Time, error)
}

// HandleIssueToken implements POST /auth/token.
func (h *Handlers) HandleIssueToken(issuer tokenIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFromContext(r.Context())
		if p == nil {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}

		token, exp, err := issuer.IssueToken(p.Agent, p.Scopes)
		if err != nil {
			h.logger.Error("issue token", "error", err, "key_id", p.KeyID)
			writeError(w, r, http.StatusInternalServerError, "token issuance failed")
			return
		}

		writeJSON(w, r, http.StatusOK, map[string]any{
			"access_token": token,
			"token_type":   "Bearer",
			"expires_at":   exp.UTC().Format(time.RFC3339),
		})
	}
}

// HandlePutStatement implements PUT /xAPI/statements?statementId=X: store a
// single statement under a caller-chosen id.
func (h *Handlers) HandlePutStatement(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	if err := h.gate.AuthorizeWrite(*p); err != nil {
		writeError(w, r, http.StatusForbidden, "statements/write scope required")
		return
	}

	stmtID := r.URL.Query().Get("statementId")
	if stmtID == "" {
		writeError(w, r, http.StatusBadRequest, "statementId parameter is required")
		return
	}

	raw, err := h.readBody(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// The body's id must match the parameter when present; when absent the
	// parameter supplies it.
	var envelope struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		writeError(w, r, http.StatusBadRequest, "statement body is not a JSON object")
		return
	}
	switch envelope.ID {
	case "":
		patched, err := setStatementID(raw, stmtID)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		raw = patched
	case stmtID:
	default:
		writeError(w, r, http.StatusBadRequest, "statement id does not match statementId parameter")
		return
	}

	outcomes := h.pipeline.Submit(r.Context(), p.Agent, []json.RawMessage{raw})
	h.metrics.RecordOutcomes(r.Context(), outcomes)
	out := outcomes[0]

	switch out.Kind {
	case model.OutcomeStored, model.OutcomeDuplicate:
		w.Header().Set("X-Experience-API-Version", xapiVersion)
		w.WriteHeader(http.StatusNoContent)
	case model.OutcomeDeferred:
		writeError(w, r, http.StatusServiceUnavailable, "statement store unavailable, retry later")
	default:
		if strings.Contains(out.Reason, "conflict") {
			writeError(w, r, http.StatusConflict, out.Reason)
			return
		}
		writeError(w, r, http.StatusBadRequest, out.Reason)
	}
}

// HandlePostStatements implements POST /xAPI/statements: store one statement
// or a batch. Responds 200 with the accepted ids in request order, or 204
// when every statement was already stored.
func (h *Handlers) HandlePostStatements(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	if err := h.gate.AuthorizeWrite(*p); err != nil {
		writeError(w, r, http.StatusForbidden, "statements/write scope required")
		return
	}

	body, err := h.readBody(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	raws, err := splitStatements(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(raws) == 0 {
		writeError(w, r, http.StatusBadRequest, "empty statement batch")
		return
	}

	outcomes := h.pipeline.Submit(r.Context(), p.Agent, raws)
	h.metrics.RecordOutcomes(r.Context(), outcomes)

	if ingest.AllSucceeded(outcomes) {
		stored := false
		for _, o := range outcomes {
			if o.Kind == model.OutcomeStored {
				stored = true
				break
			}
		}
		if !stored {
			w.Header().Set("X-Experience-API-Version", xapiVersion)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, r, http.StatusOK, ingest.AcceptedIDs(outcomes))
		return
	}

	status := http.StatusBadRequest
	for _, o := range outcomes {
		if o.Kind == model.OutcomeDeferred {
			status = http.StatusServiceUnavailable
			break
		}
		if o.Kind == model.OutcomeRejected && strings.Contains(o.Reason, "conflict") {
			status = http.StatusConflict
		}
	}
	writeJSON(w, r, status, map[string]any{
		"error":    "batch not fully accepted",
		"outcomes": outcomes,
	})
}

// HandleGetStatements implements GET /xAPI/statements: a single statement by
// statementId or voidedStatementId, or a filtered page with a "more" link.
func (h *Handlers) HandleGetStatements(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	params := r.URL.Query()

	stmtID := params.Get("statementId")
	voidedID := params.Get("voidedStatementId")
	if stmtID != "" && voidedID != "" {
		writeError(w, r, http.StatusBadRequest, "statementId and voidedStatementId are mutually exclusive")
		return
	}
	if stmtID != "" || voidedID != "" {
		if hasFilterParams(params) {
			writeError(w, r, http.StatusBadRequest, "statementId cannot be combined with filter parameters")
			return
		}
		h.getSingleStatement(w, r, *p, stmtID, voidedID)
		return
	}

	q, err := h.parseQuery(params)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// mine=true opts into the narrowing that mine-scoped credentials get
	// unconditionally. The gate's own stamp still wins for those.
	if v := params.Get("mine"); v != "" {
		mine, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "mine parameter must be a boolean")
			return
		}
		if mine {
			if q.Authority = p.Agent.IFI(); q.Authority == "" {
				writeError(w, r, http.StatusBadRequest, "credential has no bound identity for mine filtering")
				return
			}
		}
	}

	if err := h.gate.AuthorizeRead(*p, &q); err != nil {
		writeError(w, r, http.StatusForbidden, "statements/read scope required")
		return
	}

	page, err := h.store.Query(r.Context(), q)
	if err != nil {
		h.logger.Error("query statements", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusServiceUnavailable, "statement store unavailable")
		return
	}
	h.metrics.RecordQueried(r.Context(), len(page.Statements))

	stmts := make([]json.RawMessage, len(page.Statements))
	for i, s := range page.Statements {
		stmts[i] = s.Raw
	}

	resp := map[string]any{"statements": stmts}
	if page.More != nil {
		resp["more"] = moreLink(params, page.More)
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (h *Handlers) getSingleStatement(w http.ResponseWriter, r *http.Request, p authz.Principal, stmtID, voidedID string) {
	// Single-statement reads honor mine-narrowing by checking authority
	// after the fetch: a narrowed principal asking for someone else's
	// statement sees a 404, not a 403, so foreign ids cannot be confirmed
	// to exist.
	var narrow model.StatementQuery
	if err := h.gate.AuthorizeRead(p, &narrow); err != nil {
		writeError(w, r, http.StatusForbidden, "statements/read scope required")
		return
	}

	id, voided := stmtID, false
	if voidedID != "" {
		id, voided = voidedID, true
	}

	stmt, err := h.store.Get(r.Context(), id, voided)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "statement not found")
			return
		}
		h.logger.Error("get statement", "error", err, "statement_id", id)
		writeError(w, r, http.StatusServiceUnavailable, "statement store unavailable")
		return
	}

	if narrow.Authority != "" && stmt.Meta.Authority != narrow.Authority {
		writeError(w, r, http.StatusNotFound, "statement not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Experience-API-Version", xapiVersion)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(stmt.Raw)
}

// parseQuery translates GET parameters into a statement query.
func (h *Handlers) parseQuery(params url.Values) (model.StatementQuery, error) {
	q := model.StatementQuery{Limit: h.pageLimit}

	if agentJSON := params.Get("agent"); agentJSON != "" {
		var agent model.Agent
		if err := json.Unmarshal([]byte(agentJSON), &agent); err != nil {
			return q, fmt.Errorf("agent parameter is not a valid JSON agent")
		}
		if q.Actor = agent.IFI(); q.Actor == "" {
			return q, fmt.Errorf("agent parameter has no identifier")
		}
	}
	q.Verb = params.Get("verb")
	q.Activity = params.Get("activity")

	if v := params.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return q, fmt.Errorf("since parameter is not RFC 3339: %v", err)
		}
		q.Since = &t
	}
	if v := params.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return q, fmt.Errorf("until parameter is not RFC 3339: %v", err)
		}
		q.Until = &t
	}

	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, fmt.Errorf("limit parameter must be a non-negative integer")
		}
		if n == 0 || n > h.maxPageLimit {
			n = h.maxPageLimit
		}
		q.Limit = n
	}

	if v := params.Get("ascending"); v != "" {
		asc, err := strconv.ParseBool(v)
		if err != nil {
			return q, fmt.Errorf("ascending parameter must be a boolean")
		}
		q.Ascending = asc
	}

	if v := params.Get("includeVoided"); v != "" {
		inc, err := strconv.ParseBool(v)
		if err != nil {
			return q, fmt.Errorf("includeVoided parameter must be a boolean")
		}
		q.IncludeVoided = inc
	}

	if v := params.Get("cursor"); v != "" {
		cur, err := model.DecodeCursor(v)
		if err != nil {
			return q, fmt.Errorf("cursor parameter is not valid")
		}
		q.Cursor = cur
	}

	return q, nil
}

// hasFilterParams reports whether any list-query parameter is present.
func hasFilterParams(params url.Values) bool {
	for _, key := range []string{"agent", "verb", "activity", "since", "until", "limit", "ascending", "includeVoided", "mine", "cursor"} {
		if params.Get(key) != "" {
			return true
		}
	}
	return false
}

// moreLink builds the relative URL for the next page, carrying the original
// filters with the new cursor.
func moreLink(params url.Values, cur *model.Cursor) string {
	next := url.Values{}
	for key, vals := range params {
		if key == "cursor" {
			continue
		}
		next[key] = vals
	}
	next.Set("cursor", cur.Encode())
	return statementsPath + "?" + next.Encode()
}

// readBody reads the request body with the configured size cap.
func (h *Handlers) readBody(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %v", err)
	}
	if int64(len(body)) > h.maxBodyBytes {
		return nil, fmt.Errorf("request body exceeds %d bytes", h.maxBodyBytes)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty request body")
	}
	return body, nil
}

// splitStatements accepts either a single statement object or an array of
// statements and returns the individual raw documents.
func splitStatements(body json.RawMessage) ([]json.RawMessage, error) {
	trimmed := strings.TrimLeft(string(body), " \t\r\n")
	if trimmed == "" {
		return nil, fmt.Errorf("empty request body")
	}
	if trimmed[0] != '[' {
		return []json.RawMessage{body}, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("request body is not a statement array: %v", err)
	}
	return raws, nil
}

// setStatementID patches the statement id into a raw document.
func setStatementID(raw json.RawMessage, id string) (json.RawMessage, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("statement body is not a JSON object")
	}
	doc["id"] = id
	patched, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode statement: %v", err)
	}
	return patched, nil
}
