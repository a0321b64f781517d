// Package api exposes the process's liveness/readiness surface: a
// single JSON health endpoint main() mounts alongside the bot's event
// loops, reporting Postgres connectivity and key pool exhaustion so an
// operator's uptime check catches an "out of keys" state before users
// do.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/guanke/geminimw/internal/keypool"
	"github.com/guanke/geminimw/internal/pg"
)

// Health reports the dependencies a readiness probe should fail on.
type Health struct {
	DB   *pg.DB
	Keys *keypool.Pool
}

type healthResponse struct {
	Status        string `json:"status"`
	DB            string `json:"db"`
	ActiveKeys    int    `json:"active_keys"`
	TotalKeys     int    `json:"total_keys"`
	ActiveBilling int    `json:"active_billing_keys"`
}

// Healthcheck implements http.HandlerFunc, returning 200 with a status
// summary when Postgres is reachable and at least one key is active,
// 503 otherwise.
func (h *Health) Healthcheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "OK", DB: "OK"}

	if err := h.DB.PingContext(r.Context()); err != nil {
		resp.Status = "DEGRADED"
		resp.DB = "unreachable"
	}

	status := h.Keys.Status()
	resp.ActiveKeys, resp.TotalKeys, resp.ActiveBilling = status.ActiveGeneral, status.TotalGeneral, status.ActiveBilling
	if status.ActiveGeneral == 0 {
		resp.Status = "DEGRADED"
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "OK" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
