// -----------------------------------------------------------------------
// Scan Handler - REST API for scan lifecycle management
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/talon/internal/services/scans"
	"github.com/ternarybob/talon/internal/services/validation"
)

// CreateScanRequest is the POST /api/scans body.
type CreateScanRequest struct {
	TargetURL    string `json:"target_url"`
	RepoURL      string `json:"repo_url,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// ScanHandler handles scan-related API requests.
type ScanHandler struct {
	manager   *scans.Manager
	validator *validation.Service
	logger    arbor.ILogger
}

// NewScanHandler creates a new scan handler.
func NewScanHandler(manager *scans.Manager, validator *validation.Service, logger arbor.ILogger) *ScanHandler {
	return &ScanHandler{
		manager:   manager,
		validator: validator,
		logger:    logger,
	}
}

// CreateScanHandler registers a new scan in the pending state.
// POST /api/scans
func (h *ScanHandler) CreateScanHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req CreateScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	target, repoURL, instructions, err := h.validator.ValidateScanInput(req.TargetURL, req.RepoURL, req.Instructions)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	scan, err := h.manager.CreateScan(target, repoURL, instructions)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create scan")
		WriteError(w, http.StatusInternalServerError, "Failed to create scan")
		return
	}

	WriteJSON(w, http.StatusCreated, scan)
}

// ListScansHandler returns all scans in creation order.
// GET /api/scans
func (h *ScanHandler) ListScansHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	list := h.manager.ListScans()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"scans": list,
		"total": len(list),
	})
}

// GetScanHandler returns one scan's current state.
// GET /api/scans/{id}
func (h *ScanHandler) GetScanHandler(w http.ResponseWriter, r *http.Request, scanID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	scan, err := h.manager.GetScan(scanID)
	if err != nil {
		h.writeScanError(w, scanID, err)
		return
	}

	WriteJSON(w, http.StatusOK, scan)
}

// StartScanHandler launches a pending scan.
// POST /api/scans/{id}/start
func (h *ScanHandler) StartScanHandler(w http.ResponseWriter, r *http.Request, scanID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if err := h.manager.StartScan(scanID); err != nil {
		h.writeScanError(w, scanID, err)
		return
	}

	scan, err := h.manager.GetScan(scanID)
	if err != nil {
		h.writeScanError(w, scanID, err)
		return
	}

	WriteJSON(w, http.StatusOK, scan)
}

// CancelScanHandler stops a running scan.
// POST /api/scans/{id}/cancel
func (h *ScanHandler) CancelScanHandler(w http.ResponseWriter, r *http.Request, scanID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if err := h.manager.CancelScan(scanID); err != nil {
		h.writeScanError(w, scanID, err)
		return
	}

	scan, err := h.manager.GetScan(scanID)
	if err != nil {
		h.writeScanError(w, scanID, err)
		return
	}

	WriteJSON(w, http.StatusOK, scan)
}

// GetScanResultHandler returns a finished scan including its report.
// GET /api/scans/{id}/result
func (h *ScanHandler) GetScanResultHandler(w http.ResponseWriter, r *http.Request, scanID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	scan, err := h.manager.GetScanResult(scanID)
	if err != nil {
		h.writeScanError(w, scanID, err)
		return
	}

	WriteJSON(w, http.StatusOK, scan)
}

// writeScanError maps lifecycle errors to HTTP status codes.
func (h *ScanHandler) writeScanError(w http.ResponseWriter, scanID string, err error) {
	switch {
	case errors.Is(err, scans.ErrScanNotFound):
		WriteError(w, http.StatusNotFound, "Scan not found")
	case errors.Is(err, scans.ErrNotPending), errors.Is(err, scans.ErrNotRunning):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scans.ErrScanNotComplete):
		WriteError(w, http.StatusBadRequest, "Scan has not completed yet")
	default:
		h.logger.Error().Err(err).Str("scan_id", scanID).Msg("Scan operation failed")
		WriteError(w, http.StatusInternalServerError, "Internal server error")
	}
}
