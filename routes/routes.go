package routes

import (
	controller "outreach/controllers"
	"outreach/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
)

// Options carries what the HTTP surface needs from main.
type Options struct {
	Campaigns *controller.CampaignController
	Live      controller.Subscriber
	// IngestLimit caps event ingestion per client and minute; 0 disables it
	IngestLimit   int
	IngestStorage fiber.Storage
}

func SetupAPIRoutes(app *fiber.App, opts Options) {
	cc := opts.Campaigns

	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Campaign lifecycle
	campaign := api.Group("/campaigns")
	campaign.Post("/:id/start", cc.StartCampaign)
	campaign.Post("/:id/pause", cc.PauseCampaign)
	campaign.Post("/:id/resume", cc.ResumeCampaign)
	campaign.Post("/:id/enroll", cc.EnrollContacts)
	campaign.Get("/:id/failures", cc.GetFailures)

	api.Post("/campaign-contacts/:id/stop", cc.StopContact)

	// Event ingestion
	events := api.Group("/events")
	if opts.IngestLimit > 0 {
		events.Use(middleware.IngestRateLimiter(opts.IngestLimit, opts.IngestStorage))
	}
	events.Post("/", cc.HandleEventWebhook)

	// Live feed
	if opts.Live != nil {
		campaign.Get("/:id/live", controller.RequireUpgrade, controller.HandleCampaignLiveWS(opts.Live))
	}

	// Tracking
	app.Get("/track/open/:messageID/:token", cc.HandleOpenTracking)
	app.Get("/track/click/:messageID/:token", cc.HandleClickTracking)

	logrus.Info("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, opts Options) {
	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupAPIRoutes(app, opts)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
