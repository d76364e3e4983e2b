package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/klargehalt/auditchain/internal/store"
)

// Dashboard routes. The UI is a minimal embedded HTML page (no build
// step, no framework) backed by a small REST surface and the live
// WebSocket feed:
//
//	GET  /dashboard           — single-page HTML dashboard
//	GET  /dashboard/ws        — live record feed
//	GET  /api/status          — service status summary
//	GET  /api/tenants         — tenant list with chain counters
//	GET  /api/records         — recent records for a tenant
//	POST /api/freeze          — place an ingest hold on a tenant
//	POST /api/unfreeze        — lift an ingest hold
//
// The /api/ endpoints carry the same admin-key requirement as
// GET /v1/tenants; the UI itself is public (it renders nothing without
// the key).

func (s *Server) mountDashboardAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	mux.HandleFunc("GET /api/tenants", s.handleAPITenants)
	mux.HandleFunc("GET /api/records", s.handleAPIRecords)
	mux.HandleFunc("POST /api/freeze", s.handleAPIFreeze)
	mux.HandleFunc("POST /api/unfreeze", s.handleAPIUnfreeze)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dashboardHTML))
}

// handleAPIStatus returns a service status summary.
// GET /api/status
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r, "", true) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	tenants := s.registry.List()
	var total uint64
	for _, t := range tenants {
		total += t.TotalRecords
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "running",
		"tenants":       len(tenants),
		"total_records": total,
		"frozen":        len(s.freeze.List()),
	})
}

// handleAPITenants returns each tenant with its chain counters and
// freeze state.
// GET /api/tenants
func (s *Server) handleAPITenants(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r, "", true) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	type tenantView struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		Status       string `json:"status"`
		TotalRecords uint64 `json:"total_records"`
		Frozen       bool   `json:"frozen"`
		FreezeReason string `json:"freeze_reason,omitempty"`
	}

	tenants := s.registry.List()
	out := make([]tenantView, 0, len(tenants))
	for _, t := range tenants {
		frozen, reason := s.freeze.IsFrozen(t.ID)
		out = append(out, tenantView{
			ID:           t.ID,
			Name:         t.Name,
			Status:       t.Status,
			TotalRecords: t.TotalRecords,
			Frozen:       frozen,
			FreezeReason: reason,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAPIRecords returns the most recent records for a tenant.
// GET /api/records?tenant=acme&limit=50
func (s *Server) handleAPIRecords(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r, "", true) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		writeErr(w, http.StatusBadRequest, "tenant parameter required")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, _, err := s.store.List(r.Context(), tenantID, store.Filter{}, 1, limit)
	if err != nil {
		slog.Error("dashboard record query failed", "tenant", tenantID, "error", err)
		writeErr(w, http.StatusInternalServerError, "record query failed")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleAPIFreeze places an ingest hold on a tenant.
// POST /api/freeze  { "tenant": "acme", "reason": "litigation hold" }
func (s *Server) handleAPIFreeze(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r, "", true) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Tenant string `json:"tenant"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Tenant == "" {
		writeErr(w, http.StatusBadRequest, "tenant field required")
		return
	}
	if req.Reason == "" {
		req.Reason = "frozen via dashboard"
	}

	if err := s.freeze.Freeze(req.Tenant, req.Reason, "dashboard"); err != nil {
		slog.Error("freeze via API failed", "tenant", req.Tenant, "error", err)
		writeErr(w, http.StatusInternalServerError, "freeze failed")
		return
	}

	s.registry.SetStatus(req.Tenant, "frozen")
	writeJSON(w, http.StatusOK, map[string]string{"status": "frozen", "tenant": req.Tenant})
}

// handleAPIUnfreeze lifts an ingest hold.
// POST /api/unfreeze  { "tenant": "acme" }
func (s *Server) handleAPIUnfreeze(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r, "", true) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Tenant string `json:"tenant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Tenant == "" {
		writeErr(w, http.StatusBadRequest, "tenant field required")
		return
	}

	if err := s.freeze.Unfreeze(req.Tenant); err != nil {
		slog.Error("unfreeze via API failed", "tenant", req.Tenant, "error", err)
		writeErr(w, http.StatusInternalServerError, "unfreeze failed")
		return
	}

	s.registry.SetStatus(req.Tenant, "active")
	writeJSON(w, http.StatusOK, map[string]string{"status": "active", "tenant": req.Tenant})
}

// dashboardHTML is the embedded operations dashboard. A single page that
// shows tenants with their chain counters, recent records for a selected
// tenant, and the live append feed. The admin key is entered once and
// kept in sessionStorage.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>AuditChain Dashboard</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 24px; margin-bottom: 8px; }
  .subtitle { color: #8b949e; margin-bottom: 24px; }
  .grid { display: grid; grid-template-columns: 1fr 1fr; gap: 16px; margin-bottom: 24px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 16px; }
  .card h2 { font-size: 14px; color: #8b949e; text-transform: uppercase; margin-bottom: 12px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: #8b949e; padding: 6px 8px; border-bottom: 1px solid #30363d; }
  td { padding: 6px 8px; border-bottom: 1px solid #21262d; }
  .status-active { color: #3fb950; }
  .status-frozen { color: #f85149; }
  .action-delete { color: #f85149; font-weight: bold; }
  .action-create { color: #3fb950; }
  .action-other { color: #58a6ff; }
  #live-feed { max-height: 300px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .feed-entry { padding: 4px 0; border-bottom: 1px solid #21262d; }
  .btn { background: #21262d; border: 1px solid #30363d; color: #e1e4e8;
         padding: 4px 12px; border-radius: 4px; cursor: pointer; font-size: 12px; }
  .btn:hover { background: #30363d; }
  .btn-danger { border-color: #f85149; color: #f85149; }
  .btn-success { border-color: #3fb950; color: #3fb950; }
  #key-input { background: #0f1117; border: 1px solid #30363d; color: #e1e4e8;
               padding: 4px 8px; border-radius: 4px; font-size: 12px; width: 240px; }
</style>
</head>
<body>
<h1>AuditChain Dashboard</h1>
<p class="subtitle">Tamper-evident audit log
  <input id="key-input" type="password" placeholder="admin API key">
  <button class="btn" onclick="setKey()">Apply</button>
</p>

<div class="grid">
  <div class="card">
    <h2>Tenants</h2>
    <table>
      <thead><tr><th>Tenant</th><th>Status</th><th>Records</th><th>Action</th></tr></thead>
      <tbody id="tenants-tbody"><tr><td colspan="4">Loading...</td></tr></tbody>
    </table>
  </div>
  <div class="card">
    <h2>Recent Records <span id="records-tenant"></span></h2>
    <table>
      <thead><tr><th>Seq</th><th>Actor</th><th>Action</th><th>Entity</th><th>At</th></tr></thead>
      <tbody id="records-tbody"><tr><td colspan="5">Select a tenant</td></tr></tbody>
    </table>
  </div>
</div>

<div class="card">
  <h2>Live Append Feed</h2>
  <div id="live-feed"><div class="feed-entry">Connecting...</div></div>
</div>

<script>
let selectedTenant = '';
function apiKey() { return sessionStorage.getItem('adminKey') || ''; }
function setKey() {
  sessionStorage.setItem('adminKey', document.getElementById('key-input').value);
  refresh();
}
function hdrs() { return { 'X-API-Key': apiKey() }; }
function esc(s) {
  if (s == null) return '';
  return String(s).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;').replace(/"/g,'&quot;').replace(/'/g,'&#39;');
}
async function refresh() {
  try {
    const res = await fetch('/api/tenants', { headers: hdrs() });
    if (!res.ok) return;
    renderTenants(await res.json());
    if (selectedTenant) showRecords(selectedTenant);
  } catch(e) { console.error('refresh failed:', e); }
}

function renderTenants(tenants) {
  const tbody = document.getElementById('tenants-tbody');
  if (!tenants || tenants.length === 0) { tbody.innerHTML = '<tr><td colspan="4">No tenants yet</td></tr>'; return; }
  tbody.innerHTML = tenants.map(t => {
    const cls = t.frozen ? 'status-frozen' : 'status-active';
    const id = esc(t.id);
    const btn = t.frozen
      ? '<button class="btn btn-success" onclick="unfreezeTenant(\'' + id + '\')">Unfreeze</button>'
      : '<button class="btn btn-danger" onclick="freezeTenant(\'' + id + '\')">Freeze</button>';
    return '<tr><td><a href="#" onclick="showRecords(\'' + id + '\');return false">' + id + '</a></td>' +
      '<td class="' + cls + '">' + (t.frozen ? 'frozen' : esc(t.status)) + '</td>' +
      '<td>' + (t.total_records||0) + '</td><td>' + btn + '</td></tr>';
  }).join('');
}

async function showRecords(id) {
  selectedTenant = id;
  document.getElementById('records-tenant').textContent = '— ' + id;
  const res = await fetch('/api/records?tenant=' + encodeURIComponent(id) + '&limit=25', { headers: hdrs() });
  if (!res.ok) return;
  const records = await res.json();
  const tbody = document.getElementById('records-tbody');
  if (!records || records.length === 0) { tbody.innerHTML = '<tr><td colspan="5">No records</td></tr>'; return; }
  tbody.innerHTML = records.map(r => {
    const cls = r.action === 'delete' ? 'action-delete' : r.action === 'create' ? 'action-create' : 'action-other';
    return '<tr><td>' + r.seq + '</td><td>' + esc(r.actor_email) +
      '</td><td class="' + cls + '">' + esc(r.action) + '</td><td>' +
      esc(r.entity_type) + (r.entity_name ? ' / ' + esc(r.entity_name) : '') +
      '</td><td>' + esc(r.created_at) + '</td></tr>';
  }).join('');
}

async function freezeTenant(id) {
  await fetch('/api/freeze', { method: 'POST',
    headers: Object.assign({'Content-Type':'application/json'}, hdrs()),
    body: JSON.stringify({tenant: id, reason: 'frozen via dashboard'}) });
  refresh();
}

async function unfreezeTenant(id) {
  await fetch('/api/unfreeze', { method: 'POST',
    headers: Object.assign({'Content-Type':'application/json'}, hdrs()),
    body: JSON.stringify({tenant: id}) });
  refresh();
}

// WebSocket for the live append feed.
function connectWS() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/dashboard/ws');
  ws.onmessage = function(e) {
    try {
      const rec = JSON.parse(e.data);
      const feed = document.getElementById('live-feed');
      const cls = rec.action === 'delete' ? 'action-delete' : rec.action === 'create' ? 'action-create' : 'action-other';
      const div = document.createElement('div');
      div.className = 'feed-entry';
      div.innerHTML = '[' + esc(rec.created_at) + '] tenant=' + esc(rec.tenant_id) +
        ' seq=' + rec.seq + ' <span class="' + cls + '">' + esc(rec.action) + '</span>' +
        ' ' + esc(rec.entity_type) + (rec.entity_name ? '/' + esc(rec.entity_name) : '') +
        ' by ' + esc(rec.actor_email);
      feed.insertBefore(div, feed.firstChild);
      while (feed.children.length > 100) feed.removeChild(feed.lastChild);
    } catch(err) { console.error('ws parse error:', err); }
  };
  ws.onclose = function() { setTimeout(connectWS, 3000); };
  ws.onerror = function() { ws.close(); };
}

refresh();
setInterval(refresh, 5000);
connectWS();
</script>
</body>
</html>`
