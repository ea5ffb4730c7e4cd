package gateway

import (
	"encoding/base64"
	"encoding/json"
	"html/template"
	"net/http"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

var indexTmpl = template.Must(template.New("index").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>ragrelay</title>
{{if .QR}}<meta http-equiv="refresh" content="20">{{end}}</head>
<body style="font-family:sans-serif">
{{if .QR}}<h2>Scan this QR code with WhatsApp</h2>
<img src="{{.QR}}" alt="pairing QR code" style="max-width:340px;">
{{else if .Connected}}<p>Relay active ✅</p>
{{else}}<p>Relay starting, the QR code appears here once it is generated.</p>
{{end}}
</body></html>
`))

type indexData struct {
	QR        template.URL
	Connected bool
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	g.writeJSON(w, code, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleIndex implements GET /
func (g *Gateway) handleIndex(w http.ResponseWriter, r *http.Request) {
	var data indexData
	data.Connected = g.source.IsConnected()

	if code, ok := g.source.CurrentQR(); ok && !data.Connected {
		url, err := qrDataURL(code)
		if err != nil {
			g.logger.Error("rendering QR code", "error", err)
			g.writeError(w, "failed to render QR code", http.StatusInternalServerError)
			return
		}
		data.QR = template.URL(url)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTmpl.Execute(w, data); err != nil {
		g.logger.Warn("writing index page", "error", err)
	}
}

// qrDataURL encodes a pairing code as an inline PNG.
func qrDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleStatus implements GET /api/status
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	uptime := time.Duration(0)
	if !g.startedAt.IsZero() {
		uptime = time.Since(g.startedAt).Round(time.Second)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"uptime": uptime.String(),
		"relay":  g.source.Status(r.Context()),
	})
}

// handleLogout implements POST /api/logout
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := g.source.Logout(r.Context()); err != nil {
		g.logger.Warn("logout failed", "error", err)
		g.writeError(w, err.Error(), http.StatusConflict)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
