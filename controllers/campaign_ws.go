package controller

import (
	"outreach/models"
	"outreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// Subscriber is the live event feed of the orchestrator.
type Subscriber interface {
	Subscribe(campaignID uint) (<-chan models.SendEvent, func())
}

// RequireUpgrade rejects plain HTTP requests on websocket routes.
func RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HandleCampaignLiveWS streams a campaign's SendEvents as they are recorded.
func HandleCampaignLiveWS(feed Subscriber) fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		defer c.Close()

		id := utils.ParseUint(c.Params("id"))
		if id == 0 {
			_ = c.WriteJSON(fiber.Map{"error": "Invalid campaign id"})
			return
		}

		events, leave := feed.Subscribe(id)
		defer leave()

		// The reader only notices the client going away.
		go func() {
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					leave()
					return
				}
			}
		}()

		log := utils.Component("live").WithField("campaign_id", id)
		log.Debug("Live subscriber connected")
		for ev := range events {
			if err := c.WriteJSON(ev); err != nil {
				log.WithError(err).Debug("Live subscriber write failed")
				return
			}
		}
		log.Debug("Live subscriber left")
	})
}
