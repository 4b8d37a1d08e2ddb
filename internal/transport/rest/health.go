package rest

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/frahmantamala/fieldguard/internal/transport"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthDisabled  HealthStatus = "disabled"
)

type HealthResponse struct {
	Status     HealthStatus          `json:"status"`
	CheckedAt  time.Time             `json:"checked_at"`
	Components map[string]CheckEntry `json:"components"`
}

type CheckEntry struct {
	Status     HealthStatus   `json:"status"`
	Message    string         `json:"message,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CheckedAt  time.Time      `json:"checked_at"`
	DurationMs int64          `json:"duration_ms"`
}

// KeyHealth is the part of the key provider the health check needs.
type KeyHealth interface {
	IsEnabled() bool
	HealthCheck(ctx context.Context) bool
}

type HealthHandler struct {
	*transport.BaseHandler
	db      *sqlx.DB
	keys    KeyHealth
	timeout time.Duration
}

func NewHealthHandler(base *transport.BaseHandler, db *sqlx.DB, keys KeyHealth) *HealthHandler {
	return &HealthHandler{BaseHandler: base, db: db, keys: keys, timeout: 2 * time.Second}
}

func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	h.WriteJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// Health checks the database and key provider concurrently. A disabled key
// provider does not make the service unhealthy.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var (
		mu         sync.Mutex
		components = map[string]CheckEntry{}
	)
	record := func(name string, entry CheckEntry) {
		mu.Lock()
		components[name] = entry
		mu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		record("database", h.checkDatabase(ctx))
		return nil
	})
	g.Go(func() error {
		record("key_provider", h.checkKeys(ctx))
		return nil
	})
	_ = g.Wait()

	resp := HealthResponse{Status: HealthHealthy, CheckedAt: time.Now().UTC(), Components: components}
	for _, c := range components {
		if c.Status == HealthUnhealthy {
			resp.Status = HealthUnhealthy
		}
	}

	status := http.StatusOK
	if resp.Status == HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	h.WriteJSON(w, status, resp)
}

func (h *HealthHandler) checkDatabase(ctx context.Context) CheckEntry {
	start := time.Now()
	entry := CheckEntry{Status: HealthHealthy}
	if h.db == nil {
		entry.Status = HealthUnhealthy
		entry.Message = "database not configured"
	} else if err := h.db.PingContext(ctx); err != nil {
		entry.Status = HealthUnhealthy
		entry.Message = err.Error()
	} else {
		stats := h.db.Stats()
		entry.Details = map[string]any{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
		}
	}
	entry.CheckedAt = time.Now().UTC()
	entry.DurationMs = time.Since(start).Milliseconds()
	return entry
}

func (h *HealthHandler) checkKeys(ctx context.Context) CheckEntry {
	start := time.Now()
	entry := CheckEntry{Status: HealthHealthy}
	switch {
	case h.keys == nil || !h.keys.IsEnabled():
		entry.Status = HealthDisabled
	case !h.keys.HealthCheck(ctx):
		entry.Status = HealthUnhealthy
		entry.Message = "key round trip failed"
	}
	entry.CheckedAt = time.Now().UTC()
	entry.DurationMs = time.Since(start).Milliseconds()
	return entry
}
