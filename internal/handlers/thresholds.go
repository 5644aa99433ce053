package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/optorch/internal/services/kv"
	"github.com/ternarybob/optorch/internal/thresholds"
)

// ThresholdsHandler exposes the live kv_store-backed threshold rows
// (SPEC_FULL.md §6.4) for operator inspection and live editing, the one
// admin-surface write path this module has: every other route under §6.6
// is read-mostly or a one-shot trigger. Edits go through kv.Service so a
// successful write publishes EventKeyUpdated the same way any other
// key/value change would.
type ThresholdsHandler struct {
	kv     *kv.Service
	logger arbor.ILogger
}

func NewThresholdsHandler(kvService *kv.Service, logger arbor.ILogger) *ThresholdsHandler {
	return &ThresholdsHandler{kv: kvService, logger: logger}
}

// List handles GET /api/thresholds, returning every known threshold name and
// its current row value (or "" if unset, which Loader would treat as a
// fall-through to the boot-time default).
func (h *ThresholdsHandler) List(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	all, err := h.kv.GetAll(r.Context())
	if err != nil {
		_ = WriteError(w, http.StatusInternalServerError, "failed to read threshold rows")
		return
	}

	out := make(map[string]string, len(thresholds.Names()))
	for _, name := range thresholds.Names() {
		out[name] = all[thresholds.Prefix()+name]
	}
	_ = WriteJSON(w, http.StatusOK, out)
}

type setThresholdRequest struct {
	Value string `json:"value"`
}

// Set handles PUT /api/thresholds/{name}, validating name against the known
// threshold vocabulary before writing. The Scheduler picks up the new value
// on its next RELOAD_INTERVAL tick (SPEC_FULL.md §4.5 step 1); this endpoint
// does not force an immediate reload.
func (h *ThresholdsHandler) Set(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPut) {
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/thresholds/")
	if !isKnownThreshold(name) {
		_ = WriteError(w, http.StatusNotFound, "unknown threshold name")
		return
	}

	var req setThresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.kv.Set(r.Context(), thresholds.Prefix()+name, req.Value, "threshold setting updated via admin API"); err != nil {
		_ = WriteError(w, http.StatusInternalServerError, "failed to set threshold")
		return
	}
	_ = WriteSuccess(w, "threshold updated, takes effect on next reload")
}

func isKnownThreshold(name string) bool {
	for _, n := range thresholds.Names() {
		if n == name {
			return true
		}
	}
	return false
}
