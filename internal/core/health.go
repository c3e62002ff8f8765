package core

import (
	"context"
	"net/http"
	"time"
)

const healthProbeTimeout = 2 * time.Second

// HealthProbe is a named dependency check run by the health endpoint.
type HealthProbe struct {
	Name  string
	Check func(ctx context.Context) error
}

type healthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HandleHealth reports service liveness. Each registered probe runs under
// a short timeout; one failing probe degrades the overall status to 503 so
// load balancers stop routing before the dependency outage cascades.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{Status: "ok", Checks: make(map[string]string, len(s.HealthProbes))}
	code := http.StatusOK

	for _, probe := range s.HealthProbes {
		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		err := probe.Check(ctx)
		cancel()
		if err != nil {
			status.Status = "degraded"
			status.Checks[probe.Name] = err.Error()
			code = http.StatusServiceUnavailable
			s.Logger.Warn("health probe failed", "probe", probe.Name, "error", err)
			continue
		}
		status.Checks[probe.Name] = "ok"
	}

	WriteJSON(w, code, status)
}
