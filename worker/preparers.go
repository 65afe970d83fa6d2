package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"outreach/models"
	"outreach/queue"
	"outreach/senders"
	"outreach/store"
	"outreach/templates"
	"outreach/utils"

	"github.com/badoux/checkmail"
)

// target is what both channels need to know about a job's recipient.
type target struct {
	contact *models.Contact
	account *models.SendingAccount
	vars    map[string]string
}

func loadTarget(ctx context.Context, s store.Store, job *models.DispatchJob) (*target, error) {
	cc, err := s.GetCampaignContact(ctx, job.CampaignContactID)
	if err != nil {
		return nil, fmt.Errorf("load campaign contact: %w", err)
	}
	contact, err := s.GetContact(ctx, cc.ContactID)
	if err != nil {
		return nil, fmt.Errorf("load contact: %w", err)
	}
	account, err := s.GetAccount(ctx, job.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, senders.Permanent(senders.KindAuth, fmt.Errorf("sending account %d no longer exists", job.AccountID))
	}
	if err != nil {
		return nil, fmt.Errorf("load sending account: %w", err)
	}
	if !account.IsActive {
		return nil, senders.Permanent(senders.KindAuth, fmt.Errorf("sending account %d is inactive", account.ID))
	}
	return &target{contact: contact, account: account, vars: contact.Attributes()}, nil
}

// EmailPreparer renders email steps and hands them to an EmailSender.
type EmailPreparer struct {
	Store   store.Store
	Sender  senders.EmailSender
	Tracker *utils.Tracker
}

func (p *EmailPreparer) Prepare(ctx context.Context, job *models.DispatchJob) (queue.Action, error) {
	t, err := loadTarget(ctx, p.Store, job)
	if err != nil {
		return nil, err
	}
	if err := checkmail.ValidateFormat(t.contact.Email); err != nil {
		return nil, senders.Permanent(senders.KindInvalidRecipient, fmt.Errorf("%q: %w", t.contact.Email, err))
	}

	var tmpl *models.Template
	if id := job.Payload.TemplateID; id != nil {
		tmpl, err = p.Store.GetTemplate(ctx, *id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, senders.Permanent(senders.KindInvalidPayload, fmt.Errorf("template %d not found", *id))
		}
		if err != nil {
			return nil, fmt.Errorf("load template: %w", err)
		}
	}

	rendered, err := templates.RenderAction(job.Payload, tmpl, t.vars)
	if err != nil {
		return nil, senders.Permanent(senders.KindInvalidPayload, err)
	}
	if strings.TrimSpace(rendered.HTML) == "" && strings.TrimSpace(rendered.Text) == "" {
		return nil, senders.Permanent(senders.KindInvalidPayload, errors.New("email step has no body"))
	}

	// The job key doubles as the tracking id and keeps the Message-ID
	// stable across redeliveries.
	msg := senders.Email{
		To:      t.contact.Email,
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
		Headers: map[string]string{
			"Message-ID": fmt.Sprintf("<%s@%s>", job.IdempotencyKey, domain(t.account.FromEmail)),
		},
	}
	if p.Tracker != nil && msg.HTML != "" {
		msg.HTML = p.Tracker.Inject(msg.HTML, job.IdempotencyKey)
	}

	return func(ctx context.Context) (string, error) {
		return p.Sender.Send(ctx, t.account, msg)
	}, nil
}

// LinkedInPreparer renders LinkedIn steps for a LinkedInExecutor.
type LinkedInPreparer struct {
	Store    store.Store
	Executor senders.LinkedInExecutor
}

func (p *LinkedInPreparer) Prepare(ctx context.Context, job *models.DispatchJob) (queue.Action, error) {
	t, err := loadTarget(ctx, p.Store, job)
	if err != nil {
		return nil, err
	}
	if t.contact.LinkedInURL == "" {
		return nil, senders.Permanent(senders.KindInvalidRecipient, errors.New("contact has no LinkedIn profile"))
	}
	if job.Payload.LinkedInAction == "" {
		return nil, senders.Permanent(senders.KindInvalidPayload, errors.New("step has no LinkedIn action"))
	}

	rendered, err := templates.RenderAction(job.Payload, nil, t.vars)
	if err != nil {
		return nil, senders.Permanent(senders.KindInvalidPayload, err)
	}
	action := senders.LinkedInAction{
		Type:      job.Payload.LinkedInAction,
		TargetURL: t.contact.LinkedInURL,
		Message:   rendered.LinkedIn,
	}
	return func(ctx context.Context) (string, error) {
		return "", p.Executor.Perform(ctx, t.account, action)
	}, nil
}

func domain(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 && i < len(email)-1 {
		return email[i+1:]
	}
	return "localhost"
}
