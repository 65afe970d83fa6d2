package controller

import (
	"context"
	"errors"

	"outreach/models"
	"outreach/orchestrator"
	"outreach/store"
	"outreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// Engine is the orchestrator surface the HTTP layer drives.
type Engine interface {
	StartCampaign(ctx context.Context, campaignID uint) (int, error)
	PauseCampaign(ctx context.Context, campaignID uint) error
	ResumeCampaign(ctx context.Context, campaignID uint) error
	Enroll(ctx context.Context, campaignID uint, contactIDs []uint) (orchestrator.EnrollResult, error)
	StopContact(ctx context.Context, ccID uint, reason string) error
	OnEvent(ctx context.Context, ev *models.SendEvent) (bool, error)
	FailedContacts(ctx context.Context, campaignID uint) (orchestrator.Failures, error)
}

// JobLookup resolves tracking ids back to the job that sent the message.
type JobLookup interface {
	GetJob(ctx context.Context, key string) (*models.DispatchJob, error)
}

type CampaignController struct {
	Engine  Engine
	Jobs    JobLookup
	Tracker *utils.Tracker
	Logger  *logrus.Entry
}

func NewCampaignController(engine Engine, jobs JobLookup, tracker *utils.Tracker) *CampaignController {
	return &CampaignController{
		Engine:  engine,
		Jobs:    jobs,
		Tracker: tracker,
		Logger:  utils.Component("http"),
	}
}

func campaignID(c *fiber.Ctx) (uint, error) {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return 0, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid id", nil)
	}
	return id, nil
}

// respondError maps engine errors onto HTTP statuses.
func (cc *CampaignController) respondError(c *fiber.Ctx, err error) error {
	var cfgErr *orchestrator.ConfigError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Not found", err)
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Campaign cannot make this transition", err)
	case errors.As(err, &cfgErr):
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Campaign definition is invalid", err)
	case errors.Is(err, orchestrator.ErrUnknownEvent):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown event kind", err)
	}
	utils.LogError("http_request", err, map[string]interface{}{"path": c.Path(), "method": c.Method()})
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Internal error", nil)
}

// StartCampaign activates a draft campaign
func (cc *CampaignController) StartCampaign(c *fiber.Ctx) error {
	id, err := campaignID(c)
	if id == 0 {
		return err
	}
	started, err := cc.Engine.StartCampaign(c.UserContext(), id)
	if err != nil {
		return cc.respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"campaign_id": id, "contacts_started": started}))
}

func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	id, err := campaignID(c)
	if id == 0 {
		return err
	}
	if err := cc.Engine.PauseCampaign(c.UserContext(), id); err != nil {
		return cc.respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"campaign_id": id, "status": models.CampaignPaused}))
}

func (cc *CampaignController) ResumeCampaign(c *fiber.Ctx) error {
	id, err := campaignID(c)
	if id == 0 {
		return err
	}
	if err := cc.Engine.ResumeCampaign(c.UserContext(), id); err != nil {
		return cc.respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"campaign_id": id, "status": models.CampaignActive}))
}

// EnrollContacts adds contacts to a campaign
func (cc *CampaignController) EnrollContacts(c *fiber.Ctx) error {
	id, err := campaignID(c)
	if id == 0 {
		return err
	}
	var input struct {
		ContactIDs []uint `json:"contact_ids" validate:"required,min=1"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	res, err := cc.Engine.Enroll(c.UserContext(), id, input.ContactIDs)
	if err != nil {
		return cc.respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(res))
}

// GetFailures lists failed contacts and dead-lettered jobs
func (cc *CampaignController) GetFailures(c *fiber.Ctx) error {
	id, err := campaignID(c)
	if id == 0 {
		return err
	}
	failures, err := cc.Engine.FailedContacts(c.UserContext(), id)
	if err != nil {
		return cc.respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(failures))
}

// StopContact ends one contact's sequence
func (cc *CampaignController) StopContact(c *fiber.Ctx) error {
	id, err := campaignID(c)
	if id == 0 {
		return err
	}
	var input struct {
		Reason string `json:"reason" validate:"max=128"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&input); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
		}
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if err := cc.Engine.StopContact(c.UserContext(), id, input.Reason); err != nil {
		return cc.respondError(c, err)
	}
	cc.Logger.WithFields(logrus.Fields{"campaign_contact_id": id, "reason": input.Reason}).Info("Contact stopped via API")
	return c.JSON(utils.SuccessResponse(fiber.Map{"campaign_contact_id": id, "status": models.ContactStopped}))
}
