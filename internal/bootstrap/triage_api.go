package bootstrap

import (
	"strings"
	"time"

	"triage_server/adapter/in/http"
	"triage_server/infra/middleware"
	"triage_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// NewAPI builds the HTTP surface on top of deps. The caller owns deps.
func NewAPI(deps *Dependencies) *fiber.App {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		AppName:               "triage-server",

		// go-json for request and response bodies
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit:    1 * 1024 * 1024, // classify payloads are small
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 15 * time.Minute, // process-new waits for the whole run
		IdleTimeout:  60 * time.Second,

		ServerHeader:       "",
		DisableDefaultDate: true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())         // 1. Panic recovery
	app.Use(middleware.RequestID())       // 2. Request ID
	app.Use(middleware.SecurityHeaders()) // 3. Security headers
	app.Use(middleware.RequestLogger())   // 4. Request logging

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	// AllowCredentials requires explicit origins
	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID,X-RateLimit-Limit,X-RateLimit-Remaining,X-RateLimit-Reset",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	// Health check (no auth required)
	healthHandler := http.NewHealthHandler(deps.Components, deps.Pingers, deps.Triage, deps.Metrics)
	healthHandler.Register(app)

	// Development-only seeding routes for the fake mailbox
	if cfg.IsDevelopment() && deps.Fake != nil {
		RegisterDevRoutes(app, deps)
		logger.Info("Development routes enabled for the fake mailbox")
	}

	api := app.Group("/api/v1")
	if cfg.JWTSecret != "" {
		api.Use(middleware.JWTAuth(cfg.JWTSecret))
	} else if cfg.IsProduction() {
		logger.Warn("API_JWT_SECRET not set, API routes are unauthenticated")
	}

	var guards []fiber.Handler
	if cfg.RateLimitPerMin > 0 {
		guards = append(guards, middleware.NewRateLimiter(cfg.RateLimitPerMin, time.Minute).Handler())
	}

	triageHandler := http.NewTriageHandler(deps.Triage, deps.Scheduler, deps.Classifier, cfg.MailFolder)
	triageHandler.Register(api, guards...)

	logger.Info("API server initialized successfully")
	return app
}
