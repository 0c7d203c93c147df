package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/talon/internal/common"
	"github.com/ternarybob/talon/internal/interfaces"
	"github.com/ternarybob/talon/internal/models"
	"github.com/ternarybob/talon/internal/services/scans"
	"github.com/ternarybob/talon/internal/services/validation"
)

// stubExecutor completes instantly with a fixed report.
type stubExecutor struct {
	report string
	block  chan struct{}
}

func (s *stubExecutor) Execute(ctx context.Context, input interfaces.ScanInput, callbacks interfaces.ScanCallbacks) (string, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.report, nil
}

func newTestScanHandler(executor interfaces.ScanExecutor) (*ScanHandler, *scans.Manager) {
	logger := arbor.NewLogger()
	store := scans.NewStore(logger)
	registry := scans.NewRegistry(logger)
	broadcaster := scans.NewBroadcaster(registry, 64, 0, logger)
	manager := scans.NewManager(store, registry, broadcaster, executor, time.Minute, logger)

	config := common.NewDefaultConfig()
	config.Environment = "production"
	validator := validation.NewService(config, logger)

	return NewScanHandler(manager, validator, logger), manager
}

func createScan(t *testing.T, handler *ScanHandler, body string) models.Scan {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/scans", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.CreateScanHandler(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var scan models.Scan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &scan))
	return scan
}

func TestCreateScanHandler(t *testing.T) {
	handler, _ := newTestScanHandler(&stubExecutor{report: "report"})

	scan := createScan(t, handler, `{"target_url": "https://example.com", "instructions": "check the login"}`)
	assert.NotEmpty(t, scan.ID)
	assert.Equal(t, models.ScanStatusPending, scan.Status)
	assert.Equal(t, "https://example.com", scan.Target)
}

func TestCreateScanHandlerRejectsBadInput(t *testing.T) {
	handler, _ := newTestScanHandler(&stubExecutor{report: "report"})

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"target_url": `},
		{"missing target", `{}`},
		{"bad scheme", `{"target_url": "ftp://example.com"}`},
		{"private target", `{"target_url": "http://192.168.1.1"}`},
		{"bad repo", `{"target_url": "https://example.com", "repo_url": "https://example.com/x"}`},
		{"dangerous instructions", `{"target_url": "https://example.com", "instructions": "sudo make me a sandwich"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/scans", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.CreateScanHandler(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCreateScanHandlerMethodNotAllowed(t *testing.T) {
	handler, _ := newTestScanHandler(&stubExecutor{report: "report"})

	req := httptest.NewRequest(http.MethodGet, "/api/scans", nil)
	rec := httptest.NewRecorder()
	handler.CreateScanHandler(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestListScansHandler(t *testing.T) {
	handler, _ := newTestScanHandler(&stubExecutor{report: "report"})

	first := createScan(t, handler, `{"target_url": "https://one.example.com"}`)
	second := createScan(t, handler, `{"target_url": "https://two.example.com"}`)

	req := httptest.NewRequest(http.MethodGet, "/api/scans", nil)
	rec := httptest.NewRecorder()
	handler.ListScansHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Scans []models.Scan `json:"scans"`
		Total int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Scans, 2)
	assert.Equal(t, first.ID, resp.Scans[0].ID)
	assert.Equal(t, second.ID, resp.Scans[1].ID)
}

func TestGetScanHandler(t *testing.T) {
	handler, _ := newTestScanHandler(&stubExecutor{report: "report"})
	scan := createScan(t, handler, `{"target_url": "https://example.com"}`)

	req := httptest.NewRequest(http.MethodGet, "/api/scans/"+scan.ID, nil)
	rec := httptest.NewRecorder()
	handler.GetScanHandler(rec, req, scan.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.Scan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, scan.ID, got.ID)
}

func TestGetScanHandlerNotFound(t *testing.T) {
	handler, _ := newTestScanHandler(&stubExecutor{report: "report"})

	req := httptest.NewRequest(http.MethodGet, "/api/scans/nope", nil)
	rec := httptest.NewRecorder()
	handler.GetScanHandler(rec, req, "nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartScanHandler(t *testing.T) {
	block := make(chan struct{})
	handler, _ := newTestScanHandler(&stubExecutor{report: "report", block: block})
	defer close(block)

	scan := createScan(t, handler, `{"target_url": "https://example.com"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/scans/"+scan.ID+"/start", nil)
	rec := httptest.NewRecorder()
	handler.StartScanHandler(rec, req, scan.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.Scan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.ScanStatusRunning, got.Status)

	// Starting an already running scan conflicts.
	rec = httptest.NewRecorder()
	handler.StartScanHandler(rec, httptest.NewRequest(http.MethodPost, "/api/scans/"+scan.ID+"/start", nil), scan.ID)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelScanHandler(t *testing.T) {
	block := make(chan struct{})
	handler, _ := newTestScanHandler(&stubExecutor{report: "report", block: block})
	defer close(block)

	scan := createScan(t, handler, `{"target_url": "https://example.com"}`)

	// Cancelling a pending scan conflicts.
	rec := httptest.NewRecorder()
	handler.CancelScanHandler(rec, httptest.NewRequest(http.MethodPost, "/", nil), scan.ID)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	handler.StartScanHandler(rec, httptest.NewRequest(http.MethodPost, "/", nil), scan.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.CancelScanHandler(rec, httptest.NewRequest(http.MethodPost, "/", nil), scan.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.Scan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.ScanStatusCancelled, got.Status)
}

func TestGetScanResultHandler(t *testing.T) {
	handler, manager := newTestScanHandler(&stubExecutor{report: "# Final Report"})

	scan := createScan(t, handler, `{"target_url": "https://example.com"}`)

	// Pending scans have no result yet.
	rec := httptest.NewRecorder()
	handler.GetScanResultHandler(rec, httptest.NewRequest(http.MethodGet, "/", nil), scan.ID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.NoError(t, manager.StartScan(scan.ID))
	require.Eventually(t, func() bool {
		got, err := manager.GetScan(scan.ID)
		return err == nil && got.Status == models.ScanStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	handler.GetScanResultHandler(rec, httptest.NewRequest(http.MethodGet, "/", nil), scan.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.Scan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "# Final Report", got.FinalReport)
}
