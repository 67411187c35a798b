// Package dashboard serves the ClaimTrail web UI.
//
// The dashboard is mounted on /dashboard on the same port as the REST
// API. It provides:
//
//   - Web UI:     GET /dashboard          — Single-page HTML dashboard
//   - WebSocket:  GET /dashboard/ws       — Live audit event feed
//
// The UI reads its data from the /api/ endpoints served alongside it
// and receives newly committed events over the WebSocket. It is a
// minimal embedded HTML page (no build step, no framework) — a read-only
// window onto the trail for the compliance team.
package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/claimtrail/claimtrail/internal/audit"
)

// Dashboard serves the web UI and the live feed.
// Implements http.Handler for the dashboard UI route.
type Dashboard struct {
	wsHub *wsHub
}

// New creates a new Dashboard and starts its WebSocket broadcast hub.
func New() *Dashboard {
	d := &Dashboard{wsHub: newWSHub()}
	go d.wsHub.run()
	return d
}

// ServeHTTP handles requests to /dashboard and /dashboard/.
// Serves a minimal embedded HTML dashboard.
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dashboardHTML))
}

// WebSocketHandler returns an http.Handler for the /dashboard/ws
// endpoint. Clients connect here to receive events as they commit.
func (d *Dashboard) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.handleWebSocket(w, r)
	})
}

// BroadcastEvent sends a committed audit event to all connected
// WebSocket clients. Wired as the trail's OnEvent callback.
// Non-blocking — if no clients are connected, the event is dropped.
func (d *Dashboard) BroadcastEvent(e audit.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal broadcast event", "error", err)
		return
	}
	d.wsHub.broadcast(data)
}

// dashboardHTML is the embedded single-page UI: trail status, recent
// events, verification state, and the live feed. Refreshes via periodic
// fetch against /api/ plus the WebSocket for new events.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>ClaimTrail Dashboard</title>
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
  .chain-valid { color: #3fb950; font-weight: bold; }
  .chain-invalid { color: #f85149; font-weight: bold; }
  .risk-critical { color: #f85149; font-weight: bold; }
  .risk-high { color: #f0883e; }
  .risk-medium { color: #d29922; }
  .risk-low { color: #3fb950; }
  #live-feed { max-height: 300px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .feed-entry { padding: 4px 0; border-bottom: 1px solid #21262d; }
</style>
</head>
<body>
<h1>ClaimTrail Dashboard</h1>
<p class="subtitle">Tamper-evident audit trail</p>

<div class="grid">
  <div class="card">
    <h2>Trail Status</h2>
    <table>
      <tbody id="status-tbody"><tr><td>Loading...</td></tr></tbody>
    </table>
  </div>
  <div class="card">
    <h2>Integrity</h2>
    <table>
      <tbody id="verify-tbody"><tr><td>Loading...</td></tr></tbody>
    </table>
  </div>
</div>

<div class="card" style="margin-bottom: 24px;">
  <h2>Recent Events</h2>
  <table>
    <thead><tr><th>Seq</th><th>Time</th><th>Type</th><th>Action</th><th>Entity</th><th>Risk</th><th>Description</th></tr></thead>
    <tbody id="events-tbody"><tr><td colspan="7">Loading...</td></tr></tbody>
  </table>
</div>

<div class="card">
  <h2>Live Feed</h2>
  <div id="live-feed"><div class="feed-entry">Connecting...</div></div>
</div>

<script>
function esc(s) {
  if (s == null) return '';
  return String(s).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;').replace(/"/g,'&quot;').replace(/'/g,'&#39;');
}
function riskCls(r) { return 'risk-' + (r || 'low'); }

async function refresh() {
  try {
    const [statusRes, eventsRes] = await Promise.all([
      fetch('/api/status'), fetch('/api/events?limit=20')
    ]);
    renderStatus(await statusRes.json());
    renderEvents(await eventsRes.json());
  } catch(e) { console.error('refresh failed:', e); }
}

async function refreshVerify() {
  try {
    const res = await fetch('/api/verify');
    renderVerify(await res.json());
  } catch(e) { console.error('verify failed:', e); }
}

function renderStatus(s) {
  document.getElementById('status-tbody').innerHTML =
    '<tr><td>Events</td><td>' + esc(s.events) + '</td></tr>' +
    '<tr><td>Chain tail</td><td style="font-family:monospace">' + esc((s.chain_tail||'').slice(0,16)) + '…</td></tr>' +
    '<tr><td>High threshold</td><td>' + esc(s.thresholds?.high) + '</td></tr>' +
    '<tr><td>Medium threshold</td><td>' + esc(s.thresholds?.medium) + '</td></tr>' +
    '<tr><td>Policy rules</td><td>' + esc(s.policy_rules) + '</td></tr>';
}

function renderVerify(v) {
  const cls = v.valid ? 'chain-valid' : 'chain-invalid';
  const label = v.valid ? 'VALID' : 'VIOLATIONS FOUND';
  let html = '<tr><td>Chain</td><td class="' + cls + '">' + label + '</td></tr>' +
    '<tr><td>Verified</td><td>' + esc(v.verified_events) + ' / ' + esc(v.total_events) + '</td></tr>';
  if (!v.valid) {
    html += '<tr><td>Violations</td><td>' + (v.integrity_violations||[]).length + '</td></tr>' +
      '<tr><td>Reduced trust from</td><td>#' + esc(v.reduced_trust_from) + '</td></tr>';
  }
  document.getElementById('verify-tbody').innerHTML = html;
}

function renderEvents(events) {
  const tbody = document.getElementById('events-tbody');
  if (!events || events.length === 0) { tbody.innerHTML = '<tr><td colspan="7">No events yet</td></tr>'; return; }
  tbody.innerHTML = events.map(e =>
    '<tr><td>' + e.sequence + '</td><td>' + esc((e.timestamp||'').slice(0,19)) +
    '</td><td>' + esc(e.event_type) + '</td><td>' + esc(e.event_action) +
    '</td><td>' + esc(e.entity_type) + '/' + esc(e.entity_id) +
    '</td><td class="' + riskCls(e.risk_level) + '">' + esc(e.risk_level) +
    '</td><td>' + esc(e.description) + '</td></tr>'
  ).join('');
}

// WebSocket for the live feed.
function connectWS() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/dashboard/ws');
  ws.onmessage = function(e) {
    try {
      const ev = JSON.parse(e.data);
      const feed = document.getElementById('live-feed');
      const div = document.createElement('div');
      div.className = 'feed-entry';
      div.innerHTML = '#' + ev.sequence + ' [' + esc((ev.timestamp||'').slice(0,19)) + '] ' +
        esc(ev.event_type) + '/' + esc(ev.event_action) +
        ' <span class="' + riskCls(ev.risk_level) + '">' + esc(ev.risk_level) + '</span> ' +
        esc(ev.description);
      feed.insertBefore(div, feed.firstChild);
      // Keep feed under 100 entries.
      while (feed.children.length > 100) feed.removeChild(feed.lastChild);
      refresh();
    } catch(err) { console.error('ws parse error:', err); }
  };
  ws.onclose = function() { setTimeout(connectWS, 3000); };
  ws.onerror = function() { ws.close(); };
}

refresh();
refreshVerify();
setInterval(refresh, 5000);
setInterval(refreshVerify, 30000);
connectWS();
</script>
</body>
</html>`
