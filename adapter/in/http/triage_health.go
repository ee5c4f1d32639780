package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"triage_server/core/port/in"
	"triage_server/core/port/out"
	"triage_server/pkg/metrics"
)

// HealthHandler serves liveness, readiness and run metrics.
type HealthHandler struct {
	checks     map[string]out.Pinger
	components map[string]string
	triage     in.TriageUseCase
	metrics    *metrics.Registry
}

// NewHealthHandler creates a health handler. components names the configured
// integrations (provider, store, llm, events) for /health; checks are pinged
// by /ready.
func NewHealthHandler(components map[string]string, checks map[string]out.Pinger, triage in.TriageUseCase, reg *metrics.Registry) *HealthHandler {
	if reg == nil {
		reg = metrics.Global()
	}
	return &HealthHandler{checks: checks, components: components, triage: triage, metrics: reg}
}

func (h *HealthHandler) Register(router fiber.Router) {
	router.Get("/health", h.Health)
	router.Get("/ready", h.Ready)
	router.Get("/metrics", h.Metrics)
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	body := fiber.Map{
		"status":     "ok",
		"components": h.components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if h.triage != nil {
		body["state"] = h.triage.State()
	}
	return c.JSON(body)
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	allHealthy := true
	for name, p := range h.checks {
		if p == nil {
			checks[name] = "not configured"
			continue
		}
		if err := p.Ping(ctx); err != nil {
			checks[name] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks[name] = "healthy"
		}
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandler) Metrics(c *fiber.Ctx) error {
	return c.JSON(h.metrics.Snapshot())
}
