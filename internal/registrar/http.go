package registrar

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"

	"github.com/fluxvault/vault/internal/agentcore"
)

// registerRequest is the body a subordinate POSTs to /register or /update.
type registerRequest struct {
	Name     string `json:"name"`
	AppName  string `json:"app_name"`
	Role     string `json:"role"`
	Enrolled bool   `json:"enrolled"`
}

// Handler builds the registrar's HTTP surface: /register for first
// contact, /update for an enrolled-flag change. Every request is logged
// with its outcome via an httpsnoop-captured status/duration/byte count.
func (r *Registrar) Handler(log *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", r.handleUpsert)
	mux.HandleFunc("/update", r.handleUpsert)
	return withRequestLogging(mux, log)
}

// handleUpsert backs both /register and /update: the two differ only in
// when a subordinate chooses to call which, so both upsert the same
// record.
func (r *Registrar) handleUpsert(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body registerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if body.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	r.Register(agentcore.SubordinateInfo{
		Name:     body.Name,
		AppName:  body.AppName,
		Role:     body.Role,
		Enrolled: body.Enrolled,
	})
	w.WriteHeader(http.StatusOK)
}

// withRequestLogging wraps next with an httpsnoop-captured status/duration
// log line per request, matching the structured per-request logging
// style used elsewhere in the module.
func withRequestLogging(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, req)
		log.Info("registrar request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", m.Code,
			"duration", m.Duration,
			"bytes_written", m.Written,
		)
	})
}
