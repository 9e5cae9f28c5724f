package handlers

import (
	"context"
	"net/http"
	"time"
)

type healthBody struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// Health reports liveness and whether the ledger database answers. A failed
// ping returns 503.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	body := healthBody{Status: "ok", Database: "unchecked"}
	if a.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.Ping(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("health: database ping failed")
			body.Status, body.Database = "degraded", "unreachable"
			a.json(w, http.StatusServiceUnavailable, body)
			return
		}
		body.Database = "ok"
	}
	a.json(w, http.StatusOK, body)
}
