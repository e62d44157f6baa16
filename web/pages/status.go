// Package pages renders the HTML views. The only server-rendered page is
// the status dashboard; field work happens through the JSON API.
package pages

import (
	"github.com/rohanthewiz/element"
)

// StatusPage renders the sync status dashboard shell. Live numbers are
// polled from /api/sync/client/status by the inline script so the page
// stays useful while the device is offline (last-known values remain
// visible).
func StatusPage() string {
	b := element.NewBuilder()

	b.Html().R(
		b.Head().R(
			b.Title().T("Navigator - Sync Status"),
			b.Meta("charset", "utf-8"),
			b.Meta("name", "viewport", "content", "width=device-width, initial-scale=1"),
			b.Style().T(statusCSS),
		),
		b.Body().R(
			b.Div("class", "banner").R(
				b.H1().T("Navigator"),
				b.P().T("Field routing and collection - sync status"),
			),
			b.Div("class", "grid").R(
				statCard(b, "device", "Device"),
				statCard(b, "pending", "Pending operations"),
				statCard(b, "anomalies", "Anomalies"),
				statCard(b, "conflicts", "Conflicts seen"),
				statCard(b, "last-sync", "Last sync"),
				statCard(b, "list-version", "List version"),
			),
			b.Div("class", "checksum").R(
				b.Span("id", "checksum").T("checksum: -"),
			),
			b.Script().T(statusScript),
		),
	)

	return b.String()
}

func statCard(b *element.Builder, id, label string) (x any) {
	b.Div("class", "card").R(
		b.Div("class", "label").T(label),
		b.Div("class", "value", "id", id).T("-"),
	)
	return
}

const statusCSS = `
body { font-family: system-ui, sans-serif; margin: 0; background: #f4f2ec; color: #222; }
.banner { background: #2c3e50; color: #fff; padding: 16px 24px; }
.banner h1 { margin: 0; font-size: 22px; }
.banner p { margin: 4px 0 0; opacity: 0.8; font-size: 13px; }
.grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(180px, 1fr)); gap: 12px; padding: 24px; }
.card { background: #fff; border-radius: 6px; padding: 14px; box-shadow: 0 1px 3px rgba(0,0,0,0.1); }
.card .label { font-size: 12px; text-transform: uppercase; color: #777; }
.card .value { font-size: 20px; margin-top: 6px; word-break: break-all; }
.checksum { padding: 0 24px 24px; font-family: monospace; font-size: 12px; color: #555; }
`

const statusScript = `
async function refresh() {
  try {
    const token = localStorage.getItem('navigator_token') || '';
    const res = await fetch('/api/sync/client/status', {
      headers: token ? { 'Authorization': 'Bearer ' + token } : {}
    });
    if (!res.ok) return;
    const body = await res.json();
    if (!body.success) return;
    const st = body.data;
    document.getElementById('device').textContent = st.device_id || 'hub';
    document.getElementById('pending').textContent = st.pending ?? 0;
    document.getElementById('anomalies').textContent = st.anomalies ?? 0;
    document.getElementById('conflicts').textContent = st.conflicts_seen ?? 0;
    document.getElementById('last-sync').textContent = st.last_sync_at || 'never';
    document.getElementById('list-version').textContent = st.list_version ?? 0;
    document.getElementById('checksum').textContent = 'checksum: ' + (st.checksum || '-');
  } catch (e) { /* offline: keep last values */ }
}
refresh();
setInterval(refresh, 10000);
`
