package server

import (
	"encoding/json"
	"net/http"
	"time"
)

type probeResponse struct {
	Status string `json:"status"`
	Snapshot
}

// HealthHandler serves /healthz: 200 while reconcile cycles keep finishing
// within twice the poll interval.
func HealthHandler(tracker *Tracker, pollInterval time.Duration) http.HandlerFunc {
	return probe(tracker, func() bool {
		return tracker.Healthy(time.Now().UTC(), pollInterval)
	})
}

// ReadyHandler serves /readyz: 200 once a cycle has reconciled a host.
func ReadyHandler(tracker *Tracker) http.HandlerFunc {
	return probe(tracker, tracker.Ready)
}

func probe(tracker *Tracker, check func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := probeResponse{Status: "ok", Snapshot: tracker.Snapshot()}
		code := http.StatusOK
		if !check() {
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
