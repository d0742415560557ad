package diag

import (
	"encoding/json"
	"net/http"
)

// RegisterHTTP installs the status endpoints and /metrics on mux. It does
// nothing while diagnostics are disabled.
func RegisterHTTP(mux *http.ServeMux) {
	if !Enabled() {
		return
	}

	mux.HandleFunc("/debug/fastrelay/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/debug/fastrelay/status", func(w http.ResponseWriter, r *http.Request) {
		st := Snapshot()
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(st)
	})

	mux.HandleFunc("/debug/fastrelay/text", func(w http.ResponseWriter, r *http.Request) {
		st := Snapshot()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(FormatText(st)))
	})

	mux.Handle("/metrics", MetricsHandler())
}
