package core

import (
	"context"
	"time"

	"github.com/care/fingerprint/internal/broadcast"
)

// HealthStatus represents the health state of the gateway
type HealthStatus struct {
	Status          string          `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds   int64           `json:"uptime_seconds"`
	BrokerConnected bool            `json:"broker_connected"`
	StoreReachable  *bool           `json:"store_reachable,omitempty"`
	Subscribers     int             `json:"subscribers"`
	OperationActive bool            `json:"operation_active"`
	Broadcast       broadcast.Stats `json:"broadcast"`
	Recorder        *RecorderStats  `json:"recorder,omitempty"`
}

// HealthCheck returns the current health status of the gateway.
func (e *Engine) HealthCheck(ctx context.Context) HealthStatus {
	e.mu.RLock()
	running := e.isRunning
	started := e.started
	e.mu.RUnlock()

	_, active := e.correlator.Active()

	h := HealthStatus{
		Status:          "healthy",
		BrokerConnected: e.channel.IsConnected(),
		Subscribers:     e.bus.Len(),
		OperationActive: active,
		Broadcast:       e.bus.Stats(),
	}
	if running {
		h.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	if e.history != nil {
		ok := e.history.Ping(ctx) == nil
		h.StoreReachable = &ok
		rs := e.recorder.stats()
		h.Recorder = &rs
	}

	switch {
	case !running:
		h.Status = "unhealthy"
	case !h.BrokerConnected:
		h.Status = "degraded"
	case h.StoreReachable != nil && !*h.StoreReachable:
		h.Status = "degraded"
	}

	return h
}

// Uptime returns the time since Run started, or zero.
func (e *Engine) Uptime() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.isRunning {
		return 0
	}
	return time.Since(e.started)
}
