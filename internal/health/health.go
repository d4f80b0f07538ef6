package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Status struct {
	OK       bool            `json:"ok"`
	Message  string          `json:"message,omitempty"`
	Database bool            `json:"database,omitempty"`
	Checks   map[string]bool `json:"checks,omitempty"`
}

// Check probes a single dependency and returns nil when it is healthy.
type Check func(ctx context.Context) error

// HTTPHandler returns an HTTP handler that reports the health status of the service.
// Extra named checks (queue, downstream services) run alongside the database ping.
func HTTPHandler(pool *pgxpool.Pool, extra map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: true}

		ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()

		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
			}
		}

		if len(extra) > 0 {
			st.Checks = make(map[string]bool, len(extra))
			for name, check := range extra {
				err := check(ctx)
				st.Checks[name] = err == nil
				if err != nil {
					st.OK = false
					st.Message = name + " check failed"
				}
			}
		}

		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	}
}
