// -----------------------------------------------------------------------
// Last Modified: Thursday, 9th October 2025 8:53:55 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes configures the admin HTTP surface (SPEC_FULL.md §6.6). This
// module has no user-facing dashboard — serving one is an explicit non-goal —
// so every route here is operational: liveness, read-mostly job/task
// visibility, scheduler status, a manual reoptimize trigger, and metrics.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.app.AdminHandler.Healthz)
	mux.HandleFunc("/api/jobs", s.app.AdminHandler.ListJobs)
	mux.HandleFunc("/api/jobs/", s.app.AdminHandler.GetJob)
	mux.HandleFunc("/api/scheduler/status", s.app.AdminHandler.SchedulerStatus)
	mux.HandleFunc("/api/reoptimize", s.app.AdminHandler.TriggerReoptimize)
	mux.HandleFunc("/api/thresholds", s.app.ThresholdsHandler.List)
	mux.HandleFunc("/api/thresholds/", s.app.ThresholdsHandler.Set)
	mux.HandleFunc("/api/logs/stream", s.app.LogStreamHandler.Stream)
	mux.HandleFunc("/api/shutdown", s.ShutdownHandler)

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}
