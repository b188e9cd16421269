package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is the slice of the control-plane database pool the check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolSizer reports how many per-tenant connections are currently open.
type PoolSizer interface {
	Len() int
}

// Status is the engine health snapshot served on /healthz.
type Status struct {
	OK          bool   `json:"ok"`
	Database    string `json:"database"` // ok | unreachable
	TenantPools int    `json:"tenant_pools"`
	Detail      string `json:"detail,omitempty"`
}

// HTTPHandler reports control-plane database reachability and the tenant
// pool occupancy. The worker and jobs keep running while the database is
// down; the 503 is for the load balancer and the operator CLI.
func HTTPHandler(db Pinger, tenants PoolSizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Database: "ok"}
		if tenants != nil {
			st.TenantPools = tenants.Len()
		}

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				st.OK = false
				st.Database = "unreachable"
				st.Detail = err.Error()
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
