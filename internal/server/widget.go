package server

import (
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"
)

// registerWidget serves the minimal solve page. It polls the challenge list
// and posts solved proofs back; all state lives server-side.
func registerWidget(r chi.Router, basePath string) {
	r.Get("/widget", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, widgetHTML(basePath))
	})
}

func widgetHTML(basePath string) string {
	apiBase := path.Join("/", basePath)
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Lootline Challenges</title>
    <style>
      body { font-family: sans-serif; margin: 2rem; color: #222; }
      table { border-collapse: collapse; width: 100%%; }
      th, td { border: 1px solid #ccc; padding: 0.4rem 0.6rem; text-align: left; }
      input { width: 16rem; }
      #msg { margin-top: 1rem; color: #444; }
    </style>
  </head>
  <body>
    <h1>Open challenges</h1>
    <table>
      <thead><tr><th>Challenge</th><th>Team</th><th>Mine</th><th>Deadline</th><th>Proof</th><th></th></tr></thead>
      <tbody id="rows"></tbody>
    </table>
    <p id="msg"></p>
    <script>
      const base = '%s';
      const key = new URLSearchParams(location.search).get('key') || '';
      const headers = key ? {'X-Operator-Key': key} : {};

      async function refresh() {
        const res = await fetch(base + '/challenges', {headers});
        if (!res.ok) { document.getElementById('msg').textContent = 'fetch failed: ' + res.status; return; }
        const items = await res.json();
        const rows = document.getElementById('rows');
        rows.innerHTML = '';
        for (const c of items) {
          const tr = document.createElement('tr');
          tr.innerHTML = '<td>' + c.id.slice(0, 8) + '</td><td>' + c.team_id + '</td><td>' + c.mine_id +
            '</td><td>' + c.deadline + '</td><td><input id="p-' + c.id + '" placeholder="proof token"/></td>' +
            '<td><button onclick="deliver(\'' + c.id + '\')">Submit</button></td>';
          rows.appendChild(tr);
        }
      }

      async function deliver(id) {
        const proof = document.getElementById('p-' + id).value.trim();
        if (!proof) return;
        const res = await fetch(base + '/challenges/' + id + '/result', {
          method: 'POST',
          headers: Object.assign({'Content-Type': 'application/json'}, headers),
          body: JSON.stringify({proof})
        });
        document.getElementById('msg').textContent = res.ok ? 'committed ' + id.slice(0, 8) : 'delivery failed: ' + res.status;
        refresh();
      }

      refresh();
      setInterval(refresh, 3000);
    </script>
  </body>
</html>`, apiBase)
}
