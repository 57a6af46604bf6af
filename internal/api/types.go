package api

import (
	"github.com/mattjoyce/scriptbatch/internal/report"
)

// Run statuses reported by POST /runs beyond the stored ones.
const (
	statusAccepted = "accepted"
)

// RunResponse is returned by POST /runs.
type RunResponse struct {
	RunID   string          `json:"run_id"`
	Status  string          `json:"status"`
	Summary *report.Summary `json:"summary,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Task          string `json:"task"`
	Running       bool   `json:"running"`
	CurrentRunID  string `json:"current_run_id,omitempty"`
}
