// -----------------------------------------------------------------------
// Status Handler - Health and application status endpoints
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/talon/internal/common"
	"github.com/ternarybob/talon/internal/models"
	"github.com/ternarybob/talon/internal/services/scans"
)

// StatusHandler serves health, version and runtime status endpoints.
type StatusHandler struct {
	manager   *scans.Manager
	logger    arbor.ILogger
	startedAt time.Time
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(manager *scans.Manager, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		manager:   manager,
		logger:    logger,
		startedAt: time.Now().UTC(),
	}
}

// HealthHandler reports process liveness.
// GET /health
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": common.GetVersion(),
	})
}

// VersionHandler reports build information.
// GET /api/version
func (h *StatusHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.Build,
		"commit":  common.GitCommit,
	})
}

// GetStatusHandler reports scan counts by state and process uptime.
// GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	counts := map[models.ScanStatus]int{}
	list := h.manager.ListScans()
	for _, scan := range list {
		counts[scan.Status]++
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"version":         common.GetVersion(),
		"uptime":          time.Since(h.startedAt).Round(time.Second).String(),
		"total_scans":     len(list),
		"subscribers":     h.manager.SubscriberCount(),
		"scans_by_status": map[string]int{
			"pending":   counts[models.ScanStatusPending],
			"running":   counts[models.ScanStatusRunning],
			"completed": counts[models.ScanStatusCompleted],
			"failed":    counts[models.ScanStatusFailed],
			"cancelled": counts[models.ScanStatusCancelled],
		},
	})
}
