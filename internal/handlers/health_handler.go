package handlers

import (
	"net/http"
	"strconv"
	"time"

	"wa_manager/internal/health"
)

const defaultAlertLimit = 20

// HealthReporter is the read side of the health monitor
type HealthReporter interface {
	Report(now time.Time, alertLimit int) health.Report
	Alerts(limit int) []health.Alert
}

type HealthHandler struct {
	monitor HealthReporter
}

func NewHealthHandler(monitor HealthReporter) *HealthHandler {
	return &HealthHandler{monitor: monitor}
}

// Health reports overall status with the latest per-subsystem snapshots.
// A warning status still answers 200; alerts are observational.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.monitor.Report(time.Now(), defaultAlertLimit)
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"status":     report.Status,
		"snapshots":  report.Snapshots,
		"alerts":     report.Alerts,
		"checked_at": report.CheckedAt,
	})
}

func (h *HealthHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	alerts := h.monitor.Alerts(limit)
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}
