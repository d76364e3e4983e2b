// Package server exposes the audit log over HTTP and serves the
// operations dashboard.
//
// Routes:
//
//	POST /v1/tenants/{tenant}/records  — append an audit record
//	GET  /v1/tenants/{tenant}/records  — filtered, paginated listing
//	GET  /v1/tenants/{tenant}/verify   — chain integrity check
//	GET  /v1/tenants/{tenant}/stats    — windowed statistics
//	POST /v1/tenants/{tenant}/exports  — build an export (json or csv)
//	GET  /v1/tenants                   — tenant list (admin key only)
//	GET  /dashboard                    — embedded operations UI
//	GET  /dashboard/ws                 — live record feed (WebSocket)
//
// Auth: X-API-Key must match the tenant's key from tenants.yaml, or the
// admin key from config.yaml. The admin key unlocks every route,
// including the cross-tenant ones; a tenant key only authorizes its own
// tenant's routes.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/klargehalt/auditchain/internal/audit"
	"github.com/klargehalt/auditchain/internal/export"
	"github.com/klargehalt/auditchain/internal/stats"
	"github.com/klargehalt/auditchain/internal/store"
	"github.com/klargehalt/auditchain/internal/tenant"
)

// Options holds the dependencies injected into the server.
type Options struct {
	Log      *audit.Log
	Verifier *audit.Verifier
	Store    *store.Store
	Stats    *stats.Aggregator
	Exporter *export.Exporter
	Registry *tenant.Registry
	Freeze   *tenant.FreezeList

	AdminKey          string
	RequestsPerMinute int
	Dashboard         bool
}

// Server handles the REST API, dashboard, and WebSocket feed.
type Server struct {
	log      *audit.Log
	verifier *audit.Verifier
	store    *store.Store
	stats    *stats.Aggregator
	exporter *export.Exporter
	registry *tenant.Registry
	freeze   *tenant.FreezeList

	adminKey  string
	limiter   *limiter
	dashboard bool
	feed      *feedHub
}

// New creates a Server and starts its WebSocket broadcast hub.
func New(opts Options) *Server {
	s := &Server{
		log:       opts.Log,
		verifier:  opts.Verifier,
		store:     opts.Store,
		stats:     opts.Stats,
		exporter:  opts.Exporter,
		registry:  opts.Registry,
		freeze:    opts.Freeze,
		adminKey:  opts.AdminKey,
		dashboard: opts.Dashboard,
		feed:      newFeedHub(),
	}
	if opts.RequestsPerMinute > 0 {
		s.limiter = newLimiter(opts.RequestsPerMinute, time.Minute)
	}

	go s.feed.run()
	return s
}

// Handler returns the fully wired http.Handler for the API and dashboard.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/tenants/{tenant}/records", s.handleAppend)
	mux.HandleFunc("GET /v1/tenants/{tenant}/records", s.handleList)
	mux.HandleFunc("GET /v1/tenants/{tenant}/verify", s.handleVerify)
	mux.HandleFunc("GET /v1/tenants/{tenant}/stats", s.handleStats)
	mux.HandleFunc("POST /v1/tenants/{tenant}/exports", s.handleExport)
	mux.HandleFunc("GET /v1/tenants", s.handleTenants)

	if s.dashboard {
		mux.HandleFunc("GET /dashboard", s.handleDashboard)
		mux.HandleFunc("GET /dashboard/ws", s.handleWebSocket)
		s.mountDashboardAPI(mux)
	}

	return withRecover(withLogging(s.withRate(mux)))
}

// BroadcastRecord sends an appended record to all connected dashboard
// clients. Wired as the chain builder's OnAppend callback. Non-blocking —
// if no clients are connected, the event is dropped.
func (s *Server) BroadcastRecord(r audit.Record) {
	data, err := json.Marshal(r)
	if err != nil {
		slog.Error("failed to marshal feed record", "error", err)
		return
	}
	s.feed.broadcast(data)
}

// --- Auth ---

// authorize checks the request's API key against the tenant's key and the
// admin key. When neither a tenant key nor an admin key is configured the
// request passes — a local development convenience, matching an empty
// API_KEYS deployment.
func (s *Server) authorize(r *http.Request, tenantID string, adminOnly bool) bool {
	key := r.Header.Get("X-API-Key")

	if s.adminKey != "" && key == s.adminKey {
		return true
	}
	if adminOnly {
		return s.adminKey == ""
	}
	if s.registry.Authenticate(tenantID, key) {
		return true
	}

	// Open mode: no admin key and no key registered for this tenant.
	if s.adminKey == "" {
		if t, err := s.registry.Get(tenantID); err != nil || t.APIKey == "" {
			return true
		}
	}
	return false
}

// --- Handlers ---

// appendRequest is the POST body for record ingest. Chain fields (seq,
// hashes, id, timestamp) are intentionally absent — they are assigned
// server-side and a client-supplied hash would never be trusted.
type appendRequest struct {
	ActorID    string          `json:"actor_id"`
	ActorEmail string          `json:"actor_email"`
	ActorRole  string          `json:"actor_role"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	EntityName string          `json:"entity_name"`
	OldValues  json.RawMessage `json:"old_values"`
	NewValues  json.RawMessage `json:"new_values"`
	Metadata   json.RawMessage `json:"metadata"`
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	if !s.authorize(r, tenantID, false) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := s.log.Append(r.Context(), audit.Input{
		TenantID:   tenantID,
		ActorID:    req.ActorID,
		ActorEmail: req.ActorEmail,
		ActorRole:  req.ActorRole,
		Action:     audit.Action(req.Action),
		EntityType: audit.EntityType(req.EntityType),
		EntityID:   req.EntityID,
		EntityName: req.EntityName,
		OldValues:  req.OldValues,
		NewValues:  req.NewValues,
		Metadata:   req.Metadata,
	})
	if err != nil {
		switch {
		case errors.Is(err, audit.ErrValidation):
			writeErr(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, audit.ErrFrozen):
			writeErr(w, http.StatusLocked, err.Error())
		case errors.Is(err, audit.ErrConflict):
			// Retries exhausted — transient; the caller decides whether to
			// fail the triggering action (recommended) or retry.
			writeErr(w, http.StatusServiceUnavailable, "append conflict, retry")
		default:
			slog.Error("append failed", "tenant", tenantID, "error", err)
			writeErr(w, http.StatusInternalServerError, "append failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	if !s.authorize(r, tenantID, false) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	q := r.URL.Query()
	f := store.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		ActorEmail: q.Get("actor_email"),
	}
	if f.Action != "" && !audit.ValidAction(f.Action) {
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", f.Action))
		return
	}
	if f.EntityType != "" && !audit.ValidEntityType(f.EntityType) {
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("unknown entity_type %q", f.EntityType))
		return
	}
	if v := q.Get("date_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "date_from must be RFC 3339")
			return
		}
		f.DateFrom = &t
	}
	if v := q.Get("date_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "date_to must be RFC 3339")
			return
		}
		f.DateTo = &t
	}

	page := intParam(q.Get("page"), 1)
	pageSize := intParam(q.Get("page_size"), 50)

	records, total, err := s.store.List(r.Context(), tenantID, f, page, pageSize)
	if err != nil {
		slog.Error("list failed", "tenant", tenantID, "error", err)
		writeErr(w, http.StatusInternalServerError, "listing records failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"records":     records,
		"total_count": total,
		"page":        page,
		"page_size":   pageSize,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	if !s.authorize(r, tenantID, false) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	q := r.URL.Query()
	fromSeq := int64(intParam(q.Get("from"), 0))
	toSeq := int64(intParam(q.Get("to"), 0))

	result, err := s.verifier.Verify(r.Context(), tenantID, fromSeq, toSeq)
	if err != nil {
		slog.Error("verification failed to run", "tenant", tenantID, "error", err)
		writeErr(w, http.StatusInternalServerError, "verification failed to run")
		return
	}

	// An integrity violation is a finding, not a transport error: it is
	// always returned in-band so callers can never mistake it for a
	// retryable failure.
	if !result.IsValid {
		slog.Warn("chain integrity violation detected",
			"tenant", tenantID, "first_invalid_seq", result.FirstInvalidSeq,
			"checked", result.CheckedRecords)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	if !s.authorize(r, tenantID, false) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	windowDays := intParam(r.URL.Query().Get("window_days"), 30)

	result, err := s.stats.Compute(r.Context(), tenantID, windowDays)
	if err != nil {
		slog.Error("stats failed", "tenant", tenantID, "error", err)
		writeErr(w, http.StatusInternalServerError, "statistics failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// exportRequest is the POST body for building an export.
type exportRequest struct {
	ExportType         string   `json:"export_type"`
	Format             string   `json:"format"`
	DateFrom           string   `json:"date_from"`
	DateTo             string   `json:"date_to"`
	EntityTypes        []string `json:"entity_types"`
	Actions            []string `json:"actions"`
	EntityNamePatterns []string `json:"entity_name_patterns"`
	ActorEmailPatterns []string `json:"actor_email_patterns"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	if !s.authorize(r, tenantID, false) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sel := export.Selection{
		Type:               export.Type(req.ExportType),
		EntityNamePatterns: req.EntityNamePatterns,
		ActorEmailPatterns: req.ActorEmailPatterns,
	}
	for _, et := range req.EntityTypes {
		sel.EntityTypes = append(sel.EntityTypes, audit.EntityType(et))
	}
	for _, a := range req.Actions {
		sel.Actions = append(sel.Actions, audit.Action(a))
	}
	if req.DateFrom != "" {
		t, err := time.Parse(time.RFC3339, req.DateFrom)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "date_from must be RFC 3339")
			return
		}
		sel.DateFrom = &t
	}
	if req.DateTo != "" {
		t, err := time.Parse(time.RFC3339, req.DateTo)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "date_to must be RFC 3339")
			return
		}
		sel.DateTo = &t
	}

	format := export.Format(req.Format)
	if format == "" {
		format = export.FormatJSON
	}
	if format != export.FormatJSON && format != export.FormatCSV {
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q (use json or csv)", req.Format))
		return
	}

	ex, err := s.exporter.Create(r.Context(), tenantID, sel)
	if err != nil {
		if errors.Is(err, audit.ErrValidation) {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("export failed", "tenant", tenantID, "error", err)
		writeErr(w, http.StatusInternalServerError, "export failed")
		return
	}

	// Record that an export happened — exports are themselves auditable
	// access events. Best effort: the export is already built.
	if _, auditErr := s.log.Append(r.Context(), audit.Input{
		TenantID:   tenantID,
		ActorID:    "system",
		ActorEmail: "system@auditchain",
		ActorRole:  "service",
		Action:     audit.ActionExport,
		EntityType: audit.EntityReport,
		EntityID:   ex.ID,
		EntityName: ex.Filename(format),
	}); auditErr != nil {
		slog.Warn("failed to audit export", "tenant", tenantID, "error", auditErr)
	}

	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", ex.Filename(format)))
	w.Header().Set("X-Export-Id", ex.ID)
	w.Header().Set("X-Export-Hash", ex.ExportHash)

	if format == export.FormatCSV {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if err := ex.WriteCSV(w); err != nil {
			slog.Error("writing csv export", "tenant", tenantID, "error", err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := ex.WriteJSON(w); err != nil {
		slog.Error("writing json export", "tenant", tenantID, "error", err)
	}
}

func (s *Server) handleTenants(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r, "", true) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, s.registry.List())
}

// --- Helpers ---

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
