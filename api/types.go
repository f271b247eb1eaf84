package api

import (
	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/monitor"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status          health.Status                 `json:"status"`
	UptimeSeconds   int64                         `json:"uptime_seconds"`
	Pending         int                           `json:"pending"`
	BrokerConnected bool                          `json:"broker_connected"`
	Checks          map[string]health.CheckResult `json:"checks,omitempty"`
}

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	Pending int `json:"pending"`
	monitor.MetricsSummary
}
