// Package senders holds the channel collaborators that perform the actual
// outreach: SMTP delivery and the external LinkedIn automation service.
// They never schedule or retry on their own; every failure is classified and
// handed back to the dispatch queue.
package senders

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
)

type Kind string

const (
	KindTimeout          Kind = "timeout"
	KindTransient        Kind = "transient"
	KindRateLimited      Kind = "rate_limited"
	KindInvalidRecipient Kind = "invalid_recipient"
	KindAuth             Kind = "auth_revoked"
	KindRejected         Kind = "rejected"
	KindBlocked          Kind = "blocked"
	// KindInvalidPayload marks a step that cannot be rendered for a contact.
	KindInvalidPayload Kind = "invalid_payload"
)

// SendError is a classified channel failure.
type SendError struct {
	Kind      Kind
	Retryable bool
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

func Transient(kind Kind, err error) *SendError {
	return &SendError{Kind: kind, Retryable: true, Err: err}
}

func Permanent(kind Kind, err error) *SendError {
	return &SendError{Kind: kind, Retryable: false, Err: err}
}

var smtpCode = regexp.MustCompile(`\b([245]\d\d)\b`)

// Classify maps any sender error into the failure taxonomy. Errors that
// cannot be recognised are permanent so they never cause a duplicate send.
func Classify(err error) *SendError {
	if err == nil {
		return nil
	}

	var se *SendError
	if errors.As(err, &se) {
		return se
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(KindTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient(KindTimeout, err)
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return classifySMTPCode(tpErr.Code, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Transient(KindTransient, err)
	}

	// Check for SMTP codes that only survived as text
	errStr := strings.ToLower(err.Error())
	if m := smtpCode.FindStringSubmatch(errStr); m != nil {
		code, _ := strconv.Atoi(m[1])
		if code >= 400 {
			return classifySMTPCode(code, err)
		}
	}
	for _, tempErr := range []string{"try again", "temporary", "connection reset", "broken pipe"} {
		if strings.Contains(errStr, tempErr) {
			return Transient(KindTransient, err)
		}
	}
	return Permanent(KindRejected, err)
}

func classifySMTPCode(code int, err error) *SendError {
	switch {
	case code >= 400 && code < 500:
		return Transient(KindTransient, err)
	case code == 530 || code == 534 || code == 535:
		return Permanent(KindAuth, err)
	case code == 550 || code == 551 || code == 553 || code == 501:
		return Permanent(KindInvalidRecipient, err)
	default:
		return Permanent(KindRejected, err)
	}
}
