package handlers

import (
	"database/sql"
	"net/http"
)

// Healthz reports process liveness and database reachability.
func Healthz(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, "database unreachable")
				return
			}
		}
		writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
	}
}
