package http

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"triage_server/core/domain"
	"triage_server/core/port/in"
	"triage_server/pkg/apperr"
	"triage_server/pkg/response"
)

// TriageHandler exposes batch runs, the scheduler and ad-hoc classification.
type TriageHandler struct {
	triage     in.TriageUseCase
	scheduler  in.SchedulerUseCase
	classifier in.ClassifyUseCase
	folder     string
	runTimeout time.Duration
}

// NewTriageHandler creates the handler. scheduler may be nil when polling is
// not available in this process.
func NewTriageHandler(triage in.TriageUseCase, scheduler in.SchedulerUseCase, classifier in.ClassifyUseCase, folder string) *TriageHandler {
	if folder == "" {
		folder = domain.FolderInbox
	}
	return &TriageHandler{
		triage:     triage,
		scheduler:  scheduler,
		classifier: classifier,
		folder:     folder,
		runTimeout: 10 * time.Minute,
	}
}

// Register registers triage routes. guard, when set, wraps the routes that
// start work.
func (h *TriageHandler) Register(router fiber.Router, guard ...fiber.Handler) {
	router.Post("/inbox/process-new", append(guard, h.ProcessNew)...)
	router.Post("/classify", append(guard, h.Classify)...)

	sched := router.Group("/scheduler")
	sched.Post("/start", h.StartScheduler)
	sched.Post("/stop", h.StopScheduler)
	sched.Get("/status", h.SchedulerStatus)

	router.Get("/processed", h.ListProcessed)
}

// ProcessNew runs one batch synchronously and returns its summary.
// POST /inbox/process-new?folder=inbox
func (h *TriageHandler) ProcessNew(c *fiber.Ctx) error {
	folder := strings.ToLower(c.Query("folder", h.folder))
	if !domain.ValidFolder(folder) {
		return apperr.InvalidInput("folder", "must be one of inbox, drafts, sentitems")
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.runTimeout)
	defer cancel()

	summary, err := h.triage.RunOnce(ctx, folder)
	if err != nil {
		// Skipped and failed runs still carry a summary worth returning.
		if summary == nil {
			return err
		}
		appErr := apperr.AsAppError(err)
		requestID, _ := c.Locals("request_id").(string)
		return response.ErrorWith(c, appErr.Status, &response.ErrorInfo{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Details:   appErr.Details,
			RequestID: requestID,
		}, summary)
	}
	return response.OK(c, summary)
}

// classifyRequest is the body of POST /classify.
type classifyRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Sender  string `json:"sender"`
}

// Classify labels ad-hoc text without touching the store or the mailbox.
// POST /classify
func (h *TriageHandler) Classify(c *fiber.Ctx) error {
	var req classifyRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid JSON body")
	}
	if strings.TrimSpace(req.Subject) == "" && strings.TrimSpace(req.Body) == "" {
		return apperr.InvalidInput("subject", "subject or body is required")
	}

	outcome := h.classifier.Classify(c.UserContext(), req.Subject, req.Body, req.Sender)
	return response.OK(c, outcome)
}

// StartScheduler starts or restarts background polling.
// POST /scheduler/start?interval=60
func (h *TriageHandler) StartScheduler(c *fiber.Ctx) error {
	if h.scheduler == nil {
		return apperr.New("SCHEDULER_UNAVAILABLE", "scheduler is not enabled in this process", fiber.StatusServiceUnavailable)
	}

	seconds := h.scheduler.Status().IntervalSeconds
	if raw := c.Query("interval"); raw != "" {
		n := c.QueryInt("interval", -1)
		if n <= 0 {
			return apperr.InvalidInput("interval", "must be a positive integer number of seconds")
		}
		seconds = n
	}

	if err := h.scheduler.Start(time.Duration(seconds) * time.Second); err != nil {
		return err
	}
	return response.OK(c, h.scheduler.Status())
}

// StopScheduler halts polling. Stopping a stopped scheduler is fine.
// POST /scheduler/stop
func (h *TriageHandler) StopScheduler(c *fiber.Ctx) error {
	if h.scheduler == nil {
		return apperr.New("SCHEDULER_UNAVAILABLE", "scheduler is not enabled in this process", fiber.StatusServiceUnavailable)
	}
	h.scheduler.Stop()
	return response.OK(c, h.scheduler.Status())
}

// SchedulerStatus reports polling state and the last run.
// GET /scheduler/status
func (h *TriageHandler) SchedulerStatus(c *fiber.Ctx) error {
	if h.scheduler == nil {
		return response.OK(c, domain.SchedulerStatus{Folder: h.folder})
	}
	return response.OK(c, h.scheduler.Status())
}

// ListProcessed returns every processed record.
// GET /processed
func (h *TriageHandler) ListProcessed(c *fiber.Ctx) error {
	recs, err := h.triage.ListProcessed(c.UserContext())
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []domain.ProcessedRecord{}
	}
	return response.OKWithMeta(c, recs, &response.Meta{Total: len(recs)})
}
