// Package handlers implements the small admin HTTP surface SPEC_FULL.md
// §6.6 calls for: operational visibility into Jobs/Tasks and the scheduling
// loops, additive to the module's explicit non-goal of a full user dashboard.
package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/optorch/internal/interfaces"
	"github.com/ternarybob/optorch/internal/leader"
	"github.com/ternarybob/optorch/internal/models"
)

// AdminHandler serves the read-mostly operational routes backed directly by
// the Store and the running loop services. It carries no authentication of
// its own, matching the scope boundary that auth is explicitly out of scope.
type AdminHandler struct {
	store     interfaces.Store
	scheduler interfaces.SchedulerService
	elector   *leader.Elector
	logger    arbor.ILogger
}

func NewAdminHandler(store interfaces.Store, scheduler interfaces.SchedulerService, elector *leader.Elector, logger arbor.ILogger) *AdminHandler {
	return &AdminHandler{store: store, scheduler: scheduler, elector: elector, logger: logger}
}

// Healthz reports liveness: 200 once the leader lease (if enabled) is held or
// leaderless mode is configured (no elector wired).
func (h *AdminHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.elector != nil && !h.elector.IsLeader() {
		_ = WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "standby"})
		return
	}
	_ = WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetJob handles GET /api/jobs/{id}, returning the Job and its Tasks.
func (h *AdminHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if id == "" {
		_ = WriteError(w, http.StatusBadRequest, "missing job id")
		return
	}

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		_ = WriteError(w, http.StatusNotFound, "job not found")
		return
	}
	tasks, err := h.store.ListTasksByJob(r.Context(), id)
	if err != nil {
		_ = WriteError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	_ = WriteJSON(w, http.StatusOK, map[string]interface{}{"job": job, "tasks": tasks})
}

// ListJobs handles GET /api/jobs, paginated and filterable by status.
func (h *AdminHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	page, pageSize := GetPaginationParams(r)
	opts := interfaces.JobListOptions{
		Status:   models.JobStatus(r.URL.Query().Get("status")),
		Symbol:   r.URL.Query().Get("symbol"),
		OrderBy:  "created_at",
		OrderDir: "desc",
		Limit:    pageSize,
		Offset:   page * pageSize,
	}

	jobs, total, err := h.store.ListJobs(r.Context(), opts)
	if err != nil {
		_ = WriteError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	_ = WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": jobs,
		"pagination": PaginationResponse{
			Page:       page,
			PageSize:   pageSize,
			TotalItems: total,
			TotalPages: (total + pageSize - 1) / pageSize,
		},
	})
}

// SchedulerStatus handles GET /api/scheduler/status.
func (h *AdminHandler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	st := h.scheduler.Status()
	_ = WriteJSON(w, http.StatusOK, st)
}

// TriggerReoptimize handles POST /api/reoptimize, reusing the same code path
// the Auto-Reoptimizer uses internally but with trigger-kind "manual".
func (h *AdminHandler) TriggerReoptimize(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.scheduler.TriggerReoptimizeNow(); err != nil {
		_ = WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = WriteStarted(w, "reoptimize triggered")
}
