package bootstrap

import (
	"strings"
	"time"

	"triage_server/core/domain"
	"triage_server/pkg/logger"
	"triage_server/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type devMessageRequest struct {
	Folder  string `json:"folder"`
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// RegisterDevRoutes registers development-only routes that feed the fake mailbox.
// WARNING: Only enable in development environment!
func RegisterDevRoutes(app *fiber.App, deps *Dependencies) {
	mb := deps.Fake
	dev := app.Group("/dev")

	// Add one message, received now
	dev.Post("/messages", func(c *fiber.Ctx) error {
		var req devMessageRequest
		if err := c.BodyParser(&req); err != nil {
			return response.BadRequest(c, "invalid request body")
		}
		folder := strings.ToLower(req.Folder)
		if folder == "" {
			folder = domain.FolderInbox
		}
		if !domain.ValidFolder(folder) {
			return response.BadRequest(c, "folder must be one of inbox, drafts, sentitems")
		}
		if req.Subject == "" && req.Body == "" {
			return response.BadRequest(c, "subject or body is required")
		}

		id := uuid.NewString()
		msg := domain.MessageSummary{
			ProviderID:  "dev-" + id,
			StableID:    "<" + id + "@dev.local>",
			Sender:      req.Sender,
			Subject:     req.Subject,
			BodyExcerpt: req.Body,
			ReceivedAt:  time.Now().UTC(),
		}
		mb.Add(folder, msg)

		logger.Info("[Dev] Added message %s to %s", msg.ProviderID, folder)
		return response.OK(c, msg)
	})

	// Labels the fake mailbox recorded for a message
	dev.Get("/labels/:id", func(c *fiber.Ctx) error {
		return response.OK(c, fiber.Map{
			"provider_id": c.Params("id"),
			"labels":      mb.Labels(c.Params("id")),
		})
	})

	dev.Get("/stats", func(c *fiber.Ctx) error {
		return response.OK(c, fiber.Map{
			"fetch_calls":    mb.FetchCalls(),
			"annotate_calls": mb.AnnotateCalls(),
		})
	})
}
