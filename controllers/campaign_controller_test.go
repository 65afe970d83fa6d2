package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"outreach/models"
	"outreach/orchestrator"
	"outreach/scheduler"
	"outreach/store"
	"outreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu       sync.Mutex
	err      error
	events   []models.SendEvent
	enrolled []uint
	stopped  map[uint]string
}

func (f *fakeEngine) StartCampaign(ctx context.Context, id uint) (int, error) {
	return 3, f.err
}

func (f *fakeEngine) PauseCampaign(ctx context.Context, id uint) error  { return f.err }
func (f *fakeEngine) ResumeCampaign(ctx context.Context, id uint) error { return f.err }

func (f *fakeEngine) Enroll(ctx context.Context, id uint, contactIDs []uint) (orchestrator.EnrollResult, error) {
	f.enrolled = append(f.enrolled, contactIDs...)
	return orchestrator.EnrollResult{Enrolled: len(contactIDs)}, f.err
}

func (f *fakeEngine) StopContact(ctx context.Context, id uint, reason string) error {
	if f.stopped == nil {
		f.stopped = map[uint]string{}
	}
	f.stopped[id] = reason
	return f.err
}

func (f *fakeEngine) OnEvent(ctx context.Context, ev *models.SendEvent) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.EventID == "" {
		ev.EventID = fmt.Sprintf("generated-%d", len(f.events)+1)
	}
	f.events = append(f.events, *ev)
	return true, nil
}

func (f *fakeEngine) FailedContacts(ctx context.Context, id uint) (orchestrator.Failures, error) {
	return orchestrator.Failures{Jobs: []models.DispatchJob{{IdempotencyKey: "k", LastError: "550 mailbox unavailable"}}}, f.err
}

type jobMap map[string]*models.DispatchJob

func (m jobMap) GetJob(ctx context.Context, key string) (*models.DispatchJob, error) {
	if job, ok := m[key]; ok {
		return job, nil
	}
	return nil, store.ErrNotFound
}

const trackedKey = "9b2e7c1d-0f3a-5e6b-8c7d-1a2b3c4d5e6f"

func setup(engine *fakeEngine) (*fiber.App, *utils.Tracker) {
	tracker := utils.NewTracker("https://t.acme.io", "secret")
	jobs := jobMap{trackedKey: {IdempotencyKey: trackedKey, CampaignContactID: 7, StepID: 2, StepKey: "a"}}
	cc := NewCampaignController(engine, jobs, tracker)

	app := fiber.New()
	app.Post("/campaigns/:id/start", cc.StartCampaign)
	app.Post("/campaigns/:id/pause", cc.PauseCampaign)
	app.Post("/campaigns/:id/enroll", cc.EnrollContacts)
	app.Get("/campaigns/:id/failures", cc.GetFailures)
	app.Post("/campaign-contacts/:id/stop", cc.StopContact)
	app.Post("/events", cc.HandleEventWebhook)
	app.Get("/track/open/:messageID/:token", cc.HandleOpenTracking)
	app.Get("/track/click/:messageID/:token", cc.HandleClickTracking)
	return app, tracker
}

func do(t *testing.T, app *fiber.App, method, target, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func TestStartCampaign(t *testing.T) {
	app, _ := setup(&fakeEngine{})
	resp, body := do(t, app, fiber.MethodPost, "/campaigns/4/start", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 3, body["data"].(map[string]interface{})["contacts_started"])
}

func TestEngineErrorsMapToStatuses(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("campaign 4: %w", store.ErrNotFound), fiber.StatusNotFound},
		{fmt.Errorf("%w: campaign 4 is completed", orchestrator.ErrInvalidTransition), fiber.StatusConflict},
		{&orchestrator.ConfigError{CampaignID: 4, Err: scheduler.ErrInvalidGraph}, fiber.StatusUnprocessableEntity},
		{fmt.Errorf("connection refused"), fiber.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			app, _ := setup(&fakeEngine{err: tt.err})
			resp, body := do(t, app, fiber.MethodPost, "/campaigns/4/start", "")
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Equal(t, false, body["success"])
		})
	}
}

func TestInvalidID(t *testing.T) {
	app, _ := setup(&fakeEngine{})
	resp, _ := do(t, app, fiber.MethodPost, "/campaigns/abc/pause", "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestEnrollContacts(t *testing.T) {
	engine := &fakeEngine{}
	app, _ := setup(engine)

	resp, _ := do(t, app, fiber.MethodPost, "/campaigns/4/enroll", `{"contact_ids":[]}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, body := do(t, app, fiber.MethodPost, "/campaigns/4/enroll", `{"contact_ids":[1,2,3]}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, body["data"].(map[string]interface{})["enrolled"])
	assert.Equal(t, []uint{1, 2, 3}, engine.enrolled)
}

func TestStopContact(t *testing.T) {
	engine := &fakeEngine{}
	app, _ := setup(engine)

	resp, _ := do(t, app, fiber.MethodPost, "/campaign-contacts/9/stop", `{"reason":"asked to be left alone"}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "asked to be left alone", engine.stopped[9])

	resp, _ = do(t, app, fiber.MethodPost, "/campaign-contacts/10/stop", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, engine.stopped, uint(10))
}

func TestGetFailures(t *testing.T) {
	app, _ := setup(&fakeEngine{})
	resp, body := do(t, app, fiber.MethodGet, "/campaigns/4/failures", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	jobs := body["data"].(map[string]interface{})["jobs"].([]interface{})
	require.Len(t, jobs, 1)
	assert.Equal(t, "550 mailbox unavailable", jobs[0].(map[string]interface{})["last_error"])
}

func TestHandleEventWebhook(t *testing.T) {
	engine := &fakeEngine{}
	app, _ := setup(engine)

	resp, body := do(t, app, fiber.MethodPost, "/events", `{"event_id":"crm-81","campaign_contact_id":7,"kind":"replied","occurred_at":1717405200}`)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["data"].(map[string]interface{})["created"])

	require.Len(t, engine.events, 1)
	ev := engine.events[0]
	assert.Equal(t, models.EventReplied, ev.Kind)
	assert.Equal(t, uint(7), ev.CampaignContactID)
	assert.Equal(t, int64(1717405200), ev.OccurredAt.Unix())

	resp, _ = do(t, app, fiber.MethodPost, "/events", `{"kind":"replied"}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, "campaign contact is required")
}

func TestHandleEventWebhook_UnknownKind(t *testing.T) {
	app, _ := setup(&fakeEngine{err: fmt.Errorf("%w: \"teleported\"", orchestrator.ErrUnknownEvent)})
	resp, _ := do(t, app, fiber.MethodPost, "/events", `{"campaign_contact_id":7,"kind":"teleported"}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestOpenTracking(t *testing.T) {
	engine := &fakeEngine{}
	app, tracker := setup(engine)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/track/open/"+trackedKey+"/"+tracker.Token(trackedKey), nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))

	require.Len(t, engine.events, 1)
	assert.Equal(t, models.EventOpened, engine.events[0].Kind)
	assert.Equal(t, uint(7), engine.events[0].CampaignContactID)
	assert.Equal(t, "a", engine.events[0].StepKey)

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/track/open/"+trackedKey+"/forged", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Len(t, engine.events, 1)
}

func TestOpenTracking_UnknownMessageStillServesPixel(t *testing.T) {
	engine := &fakeEngine{}
	app, tracker := setup(engine)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/track/open/unknown/"+tracker.Token("unknown"), nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Empty(t, engine.events)
}

func TestClickTracking(t *testing.T) {
	engine := &fakeEngine{}
	app, tracker := setup(engine)
	token := tracker.Token(trackedKey)

	target := "https://acme.io/pricing?plan=team"
	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/track/click/"+trackedKey+"/"+token+"?url="+url.QueryEscape(target), nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusFound, resp.StatusCode)
	assert.Equal(t, target, resp.Header.Get("Location"))
	require.Len(t, engine.events, 1)
	assert.Equal(t, models.EventClicked, engine.events[0].Kind)
	assert.Equal(t, target, engine.events[0].Metadata["url"])

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/track/click/"+trackedKey+"/"+token+"?url="+url.QueryEscape("javascript:alert(1)"), nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Len(t, engine.events, 1)
}
