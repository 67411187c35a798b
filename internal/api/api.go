// Package api exposes the audit trail over HTTP.
//
// Endpoints, all JSON:
//
//	GET  /api/status               — Trail status (event count, chain tail, policy)
//	POST /api/events               — Log an audit event
//	GET  /api/events               — Query events (filters via query params)
//	POST /api/transactions         — Log a financial transaction
//	GET  /api/transactions         — Fetch one transaction's chained events (?id=)
//	POST /api/transactions/status  — Record a transaction status change
//	GET  /api/verify               — Run integrity verification (?from=&until=)
//	GET  /api/reports/controls     — Control effectiveness report
//	GET  /api/reports/transactions — Transaction summary report
//	GET  /api/export               — Stream the full trail (?format=jsonl|json|csv)
//
// Rejected inputs map to 400, storage failures to 503; integrity
// violations are not errors — /api/verify returns 200 with the findings
// in the report body.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/claimtrail/claimtrail/internal/audit"
	"github.com/claimtrail/claimtrail/internal/policy"
	"github.com/claimtrail/claimtrail/internal/report"
)

// Options holds the dependencies injected into the API server.
type Options struct {
	Trail    *audit.Trail
	Verifier *audit.Verifier
	Reporter *report.Reporter
	Policy   *policy.Engine
}

// Server routes the /api/ endpoints.
type Server struct {
	trail    *audit.Trail
	verifier *audit.Verifier
	reporter *report.Reporter
	policy   *policy.Engine
}

// New creates the API server over the given subsystems.
func New(opts Options) *Server {
	return &Server{
		trail:    opts.Trail,
		verifier: opts.Verifier,
		reporter: opts.Reporter,
		policy:   opts.Policy,
	}
}

// Handler returns an http.Handler for the /api/ endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/transactions", s.handleTransactions)
	mux.HandleFunc("/api/transactions/status", s.handleTransactionStatus)
	mux.HandleFunc("/api/verify", s.handleVerify)
	mux.HandleFunc("/api/reports/controls", s.handleControlsReport)
	mux.HandleFunc("/api/reports/transactions", s.handleTransactionsReport)
	mux.HandleFunc("/api/export", s.handleExport)

	return mux
}

// handleStatus returns trail status information.
// GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	count, err := s.trail.Store().Count(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	status := map[string]any{
		"status":     "running",
		"events":     count,
		"chain_tail": s.trail.Store().LastChainDigest(),
	}
	if s.policy != nil {
		th := s.policy.ActiveThresholds()
		status["thresholds"] = map[string]float64{"high": th.High, "medium": th.Medium}
		status["policy_rules"] = s.policy.RuleCount()
	}

	writeJSON(w, http.StatusOK, status)
}

// handleEvents logs or queries audit events.
// POST /api/events  { event input }
// GET  /api/events?entity_type=claim&entity_id=claim-1&event_type=&risk=&limit=50
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var in audit.EventInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		id, err := s.trail.LogEvent(r.Context(), in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"event_id": id})

	case http.MethodGet:
		params := audit.QueryParams{
			EntityType:    r.URL.Query().Get("entity_type"),
			EntityID:      r.URL.Query().Get("entity_id"),
			EventType:     r.URL.Query().Get("event_type"),
			TransactionID: r.URL.Query().Get("transaction_id"),
			RiskLevel:     audit.RiskLevel(r.URL.Query().Get("risk")),
			Limit:         50,
		}
		if l := r.URL.Query().Get("limit"); l != "" {
			if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
				params.Limit = parsed
			}
		}
		if since, ok := parseTimeParam(w, r, "since"); !ok {
			return
		} else if since != nil {
			params.Since = *since
		}
		if until, ok := parseTimeParam(w, r, "until"); !ok {
			return
		} else if until != nil {
			params.Until = *until
		}

		events, err := s.trail.Store().Query(r.Context(), params)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, events)

	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

// handleTransactions logs a financial transaction or fetches one
// transaction's chained events.
// POST /api/transactions  { transaction input }
// GET  /api/transactions?id=<transaction id>
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var in audit.TransactionInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		txID, err := s.trail.LogFinancialTransaction(r.Context(), in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"transaction_id": txID})

	case http.MethodGet:
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "id query parameter required", http.StatusBadRequest)
			return
		}
		events, err := s.trail.TransactionTrail(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if len(events) == 0 {
			http.Error(w, "transaction not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, events)

	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

// handleTransactionStatus records a status transition.
// POST /api/transactions/status
// { "transaction_id": "...", "status": "approved", "updated_by": "...", "reason": "..." }
func (s *Server) handleTransactionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		TransactionID string `json:"transaction_id"`
		Status        string `json:"status"`
		UpdatedBy     string `json:"updated_by"`
		Reason        string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	err := s.trail.UpdateTransactionStatus(r.Context(),
		req.TransactionID, audit.TransactionStatus(req.Status), req.UpdatedBy, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"transaction_id": req.TransactionID,
		"status":         req.Status,
	})
}

// handleVerify replays the chain and returns the verification report.
// GET /api/verify?from=<RFC3339>&until=<RFC3339>
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	from, ok := parseTimeParam(w, r, "from")
	if !ok {
		return
	}
	until, ok := parseTimeParam(w, r, "until")
	if !ok {
		return
	}

	reportBody, err := s.verifier.Verify(r.Context(), from, until)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reportBody)
}

// handleControlsReport aggregates events by control objective.
// GET /api/reports/controls?from=&until=&objective=<glob>
func (s *Server) handleControlsReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	from, ok := parseTimeParam(w, r, "from")
	if !ok {
		return
	}
	until, ok := parseTimeParam(w, r, "until")
	if !ok {
		return
	}

	summaries, err := s.reporter.ControlEffectiveness(r.Context(), from, until, r.URL.Query().Get("objective"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

// handleTransactionsReport summarizes financial transactions.
// GET /api/reports/transactions?from=&until=
func (s *Server) handleTransactionsReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	from, ok := parseTimeParam(w, r, "from")
	if !ok {
		return
	}
	until, ok := parseTimeParam(w, r, "until")
	if !ok {
		return
	}

	summary, err := s.reporter.TransactionSummary(r.Context(), from, until)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleExport streams the full trail in the requested format.
// GET /api/export?format=jsonl|json|csv
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "jsonl":
		w.Header().Set("Content-Type", "application/x-ndjson")
	case "json":
		w.Header().Set("Content-Type", "application/json")
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
	default:
		http.Error(w, "unsupported format (use json, jsonl, or csv)", http.StatusBadRequest)
		return
	}

	if err := s.trail.Store().Export(r.Context(), w, format); err != nil {
		// Headers are already out; all we can do is log.
		slog.Error("export failed", "format", format, "error", err)
	}
}

// parseTimeParam reads an optional RFC 3339 query parameter. On a
// malformed value it writes a 400 and returns ok=false.
func parseTimeParam(w http.ResponseWriter, r *http.Request, name string) (*time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		http.Error(w, name+" must be RFC 3339", http.StatusBadRequest)
		return nil, false
	}
	return &t, true
}

// writeError maps subsystem errors onto HTTP statuses: rejected inputs
// are the caller's fault, storage failures are retryable server trouble.
func writeError(w http.ResponseWriter, err error) {
	var valErr *audit.ValidationError
	if errors.As(err, &valErr) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "validation", "field": valErr.Field, "reason": valErr.Reason,
		})
		return
	}

	var storErr *audit.StorageError
	if errors.As(err, &storErr) {
		slog.Error("storage failure", "op", storErr.Op, "error", storErr.Err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "storage", "reason": "audit store unavailable",
		})
		return
	}

	slog.Error("request failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
