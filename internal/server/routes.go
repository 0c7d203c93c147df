// -----------------------------------------------------------------------
// Routes - HTTP route table for the scan API
// -----------------------------------------------------------------------

package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Scans
	mux.HandleFunc("/api/scans", s.handleScansCollection) // GET (list), POST (create)
	mux.HandleFunc("/api/scans/", s.handleScanRoutes)     // /{id}, /{id}/start, /{id}/cancel, /{id}/result, /{id}/ws

	// API routes - System
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/version", s.app.StatusHandler.VersionHandler)
	mux.HandleFunc("/health", s.app.StatusHandler.HealthHandler)

	return mux
}

// handleScansCollection routes /api/scans by method.
func (s *Server) handleScansCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.ScanHandler.ListScansHandler(w, r)
	case http.MethodPost:
		s.app.ScanHandler.CreateScanHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleScanRoutes dispatches /api/scans/{id} and its sub-resources.
func (s *Server) handleScanRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/scans/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Scan ID required", http.StatusBadRequest)
		return
	}
	scanID := parts[0]

	if len(parts) == 1 {
		s.app.ScanHandler.GetScanHandler(w, r, scanID)
		return
	}

	switch parts[1] {
	case "start":
		s.app.ScanHandler.StartScanHandler(w, r, scanID)
	case "cancel":
		s.app.ScanHandler.CancelScanHandler(w, r, scanID)
	case "result":
		s.app.ScanHandler.GetScanResultHandler(w, r, scanID)
	case "ws":
		s.app.WSHandler.HandleScanWS(w, r, scanID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}
