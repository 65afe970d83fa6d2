package senders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"outreach/models"

	"github.com/valyala/fasthttp"
)

// LinkedInAction is one rendered automation step.
type LinkedInAction struct {
	Type      string `json:"action"`
	TargetURL string `json:"target_url"`
	Message   string `json:"message,omitempty"`
}

type LinkedInExecutor interface {
	Perform(ctx context.Context, account *models.SendingAccount, action LinkedInAction) error
}

// LinkedInClient forwards actions to the external automation service.
type LinkedInClient struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	client  *fasthttp.Client
}

func NewLinkedInClient(baseURL, token string, timeout time.Duration) *LinkedInClient {
	return NewLinkedInClientWith(&fasthttp.Client{
		Name:                "outreach-engine",
		MaxConnsPerHost:     64,
		ReadTimeout:         timeout,
		WriteTimeout:        timeout,
		MaxIdleConnDuration: time.Minute,
	}, baseURL, token, timeout)
}

// NewLinkedInClientWith uses a preconfigured fasthttp client.
func NewLinkedInClientWith(client *fasthttp.Client, baseURL, token string, timeout time.Duration) *LinkedInClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LinkedInClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Timeout: timeout,
		client:  client,
	}
}

type linkedInRequest struct {
	AccountID  uint   `json:"account_id"`
	ProfileURL string `json:"profile_url"`
	Session    string `json:"session,omitempty"`
	LinkedInAction
}

type linkedInResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *LinkedInClient) Perform(ctx context.Context, account *models.SendingAccount, action LinkedInAction) error {
	body, err := json.Marshal(linkedInRequest{
		AccountID:      account.ID,
		ProfileURL:     account.LinkedInProfileURL,
		Session:        account.LinkedInSession,
		LinkedInAction: action,
	})
	if err != nil {
		return Permanent(KindRejected, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.BaseURL + "/v1/actions")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.SetBody(body)

	deadline := time.Now().Add(c.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return classifyTransport(err)
	}

	return classifyStatus(resp.StatusCode(), resp.Body())
}

func classifyTransport(err error) error {
	if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) {
		return Transient(KindTimeout, err)
	}
	return Transient(KindTransient, err)
}

func classifyStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var payload linkedInResponse
	_ = json.Unmarshal(body, &payload)
	msg := payload.Error
	if msg == "" {
		msg = fasthttp.StatusMessage(status)
	}
	err := fmt.Errorf("linkedin service returned %d: %s", status, msg)

	switch {
	case status == fasthttp.StatusTooManyRequests:
		return Transient(KindRateLimited, err)
	case status == fasthttp.StatusRequestTimeout,
		status == fasthttp.StatusBadGateway,
		status == fasthttp.StatusServiceUnavailable,
		status == fasthttp.StatusGatewayTimeout:
		return Transient(KindTransient, err)
	case status == fasthttp.StatusUnauthorized:
		return Permanent(KindAuth, err)
	case status == fasthttp.StatusForbidden, status == fasthttp.StatusUnavailableForLegalReasons, payload.Code == "blocked":
		return Permanent(KindBlocked, err)
	case status == fasthttp.StatusNotFound, status == fasthttp.StatusGone:
		return Permanent(KindInvalidRecipient, err)
	default:
		return Permanent(KindRejected, err)
	}
}

var _ LinkedInExecutor = (*LinkedInClient)(nil)
