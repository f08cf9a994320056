package handler

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const healthTimeout = 3 * time.Second

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// ActiveCounter is satisfied by *service.SessionManager.
type ActiveCounter interface {
	ActiveCount() int
}

type HealthHandler struct {
	checks   map[string]HealthCheck
	sessions ActiveCounter
	logger   *zap.Logger
}

func NewHealthHandler(checks map[string]HealthCheck, sessions ActiveCounter, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, sessions: sessions, logger: logger.Named("health")}
}

type healthReport struct {
	Status         string            `json:"status"`
	Service        string            `json:"service"`
	ActiveSessions int               `json:"active_sessions"`
	Dependencies   map[string]string `json:"dependencies"`
}

// ServeHTTP runs every probe concurrently and answers 503 if any fails.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	report := healthReport{
		Status:         "healthy",
		Service:        "attendance-service",
		ActiveSessions: h.sessions.ActiveCount(),
		Dependencies:   make(map[string]string, len(names)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, name := range names {
		check := h.checks[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := "up"
			if err := check(ctx); err != nil {
				status = "down: " + err.Error()
				h.logger.Warn("Dependency unhealthy", zap.String("dependency", name), zap.Error(err))
			}
			mu.Lock()
			report.Dependencies[name] = status
			if status != "up" {
				report.Status = "degraded"
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	code := http.StatusOK
	if report.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	respondWithJSON(h.logger, w, code, report)
}
