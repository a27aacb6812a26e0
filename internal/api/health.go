package api

import (
	"context"
	"net/http"
	"time"
)

type HealthResponse struct {
	Status        string             `json:"status"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Checks        map[string]string  `json:"checks"`
	Inbox         *WatcherStatusData `json:"inbox,omitempty"`
}

// Pinger checks a backing service.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// ConnectionStatus reports whether a long-lived connection is up.
type ConnectionStatus interface {
	IsConnected() bool
}

type HealthHandler struct {
	db        Pinger           // nil when run history is disabled
	mqtt      ConnectionStatus // nil when notifications are disabled
	live      LiveDataSource
	archive   string // artifact store type
	version   string
	startTime time.Time
}

func NewHealthHandler(db Pinger, mqtt ConnectionStatus, live LiveDataSource, archive, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		mqtt:      mqtt,
		live:      live,
		archive:   archive,
		version:   version,
		startTime: startTime,
	}
}

// ServeHTTP reports "healthy", "degraded" when an optional dependency is
// down, or "unhealthy" with 503 when the database check fails.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	// Database check
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		err := h.db.HealthCheck(ctx)
		cancel()
		if err != nil {
			checks["database"] = "error"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not_configured"
	}

	// MQTT check
	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	if h.archive != "" {
		checks["archive"] = h.archive
	} else {
		checks["archive"] = "not_configured"
	}

	// Inbox watcher check
	var inbox *WatcherStatusData
	if h.live != nil {
		inbox = h.live.WatcherStatus()
	}
	if inbox != nil {
		checks["inbox"] = inbox.Status
	} else {
		checks["inbox"] = "not_configured"
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
		Inbox:         inbox,
	})
}
