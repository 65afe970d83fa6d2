package controller

import (
	"errors"
	"net/url"
	"time"

	"outreach/models"
	"outreach/store"
	"outreach/utils"

	"github.com/gofiber/fiber/v2"
)

// HandleEventWebhook ingests outcome events (replies, bounces, unsubscribes)
// reported by external systems. Redelivered events are acknowledged without
// effect.
func (cc *CampaignController) HandleEventWebhook(c *fiber.Ctx) error {
	var input struct {
		EventID           string            `json:"event_id" validate:"max=128"`
		CampaignContactID uint              `json:"campaign_contact_id" validate:"required"`
		StepID            uint              `json:"step_id"`
		StepKey           string            `json:"step_key"`
		Kind              models.EventKind  `json:"kind" validate:"required"`
		OccurredAt        int64             `json:"occurred_at"`
		Metadata          map[string]string `json:"metadata"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	ev := &models.SendEvent{
		EventID:           input.EventID,
		CampaignContactID: input.CampaignContactID,
		StepID:            input.StepID,
		StepKey:           input.StepKey,
		Kind:              input.Kind,
		Metadata:          input.Metadata,
	}
	if input.OccurredAt > 0 {
		ev.OccurredAt = unixTime(input.OccurredAt)
	}

	created, err := cc.Engine.OnEvent(c.UserContext(), ev)
	if err != nil {
		return cc.respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(fiber.Map{
		"event_id": ev.EventID,
		"created":  created,
	}))
}

// HandleOpenTracking records an open and serves the pixel. The pixel is
// served even when recording fails so mail clients never show a broken image.
func (cc *CampaignController) HandleOpenTracking(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	if !cc.Tracker.Valid(messageID, c.Params("token")) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}

	cc.recordEngagement(c, messageID, models.EventOpened, nil)

	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate")
	return c.Type("gif").Send(transparentPixel())
}

func (cc *CampaignController) HandleClickTracking(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	originalURL := c.Query("url")
	if !cc.Tracker.Valid(messageID, c.Params("token")) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}
	target, err := url.Parse(originalURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid url")
	}

	cc.recordEngagement(c, messageID, models.EventClicked, map[string]string{"url": originalURL})
	return c.Redirect(originalURL, fiber.StatusFound)
}

// recordEngagement attributes a tracking hit to the job that sent the message.
func (cc *CampaignController) recordEngagement(c *fiber.Ctx, messageID string, kind models.EventKind, meta map[string]string) {
	job, err := cc.Jobs.GetJob(c.UserContext(), messageID)
	if errors.Is(err, store.ErrNotFound) {
		cc.Logger.WithField("message_id", messageID).Warn("Tracking hit for unknown message")
		return
	}
	if err != nil {
		utils.LogError("tracking_lookup", err, map[string]interface{}{"message_id": messageID})
		return
	}

	ev := &models.SendEvent{
		CampaignContactID: job.CampaignContactID,
		StepID:            job.StepID,
		StepKey:           job.StepKey,
		Kind:              kind,
		Metadata:          meta,
	}
	if _, err := cc.Engine.OnEvent(c.UserContext(), ev); err != nil {
		utils.LogError("tracking_event", err, map[string]interface{}{"message_id": messageID, "kind": kind})
	}
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func transparentPixel() []byte {
	// 1x1 transparent GIF
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
