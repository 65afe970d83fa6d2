package senders

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"

	"outreach/models"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// Email is a rendered message ready for delivery.
type Email struct {
	To      string
	Subject string
	HTML    string
	Text    string
	Headers map[string]string
}

type EmailSender interface {
	// Send delivers msg and returns the Message-ID it was sent with.
	Send(ctx context.Context, account *models.SendingAccount, msg Email) (string, error)
}

// DialFunc opens an authenticated SMTP session for an account.
type DialFunc func(account *models.SendingAccount) (gomail.SendCloser, error)

// SMTPSender delivers mail through each account's SMTP server. Sessions are
// pooled per account; a pool never holds more than size sessions and every
// acquired session is released or closed.
type SMTPSender struct {
	size int
	dial DialFunc

	mu    sync.Mutex
	pools map[uint]*sessionPool
}

func NewSMTPSender(poolSize int, dial DialFunc) *SMTPSender {
	if poolSize <= 0 {
		poolSize = 1
	}
	if dial == nil {
		dial = DialSMTP
	}
	return &SMTPSender{size: poolSize, dial: dial, pools: make(map[uint]*sessionPool)}
}

// DialSMTP connects with the account's stored SMTP settings.
func DialSMTP(account *models.SendingAccount) (gomail.SendCloser, error) {
	dialer := gomail.NewDialer(account.SMTPHost, account.SMTPPort, account.SMTPUsername, account.SMTPPassword)
	dialer.TLSConfig = &tls.Config{ServerName: account.SMTPHost}
	dialer.SSL = strings.EqualFold(account.Encryption, "SSL")
	return dialer.Dial()
}

func (s *SMTPSender) Send(ctx context.Context, account *models.SendingAccount, msg Email) (string, error) {
	pool := s.pool(account.ID)
	session, err := pool.acquire(ctx, func() (gomail.SendCloser, error) { return s.dial(account) })
	if err != nil {
		return "", err
	}

	messageID := msg.Headers["Message-ID"]
	if messageID == "" {
		messageID = fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(account.FromEmail))
	}
	m := gomail.NewMessage()
	m.SetAddressHeader("From", account.FromEmail, account.FromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}
	m.SetHeader("Message-ID", messageID)
	if msg.Text != "" {
		m.SetBody("text/plain", msg.Text)
		if msg.HTML != "" {
			m.AddAlternative("text/html", msg.HTML)
		}
	} else {
		m.SetBody("text/html", msg.HTML)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Send(account.FromEmail, []string{msg.To}, m)
	}()

	select {
	case err := <-done:
		// gomail never sends RSET, so a failed session may still hold an
		// open MAIL transaction.
		pool.release(session, err == nil)
		if err != nil {
			return "", err
		}
		return messageID, nil
	case <-ctx.Done():
		// Closing the session unblocks the pending write
		session.Close()
		pool.release(nil, false)
		return "", Transient(KindTimeout, ctx.Err())
	}
}

// Close drops every idle session.
func (s *SMTPSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pools {
		p.drain()
	}
}

func (s *SMTPSender) pool(accountID uint) *sessionPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[accountID]
	if !ok {
		p = newSessionPool(s.size)
		s.pools[accountID] = p
	}
	return p
}

type sessionPool struct {
	slots chan struct{}
	idle  chan gomail.SendCloser
}

func newSessionPool(size int) *sessionPool {
	return &sessionPool{
		slots: make(chan struct{}, size),
		idle:  make(chan gomail.SendCloser, size),
	}
}

func (p *sessionPool) acquire(ctx context.Context, dial func() (gomail.SendCloser, error)) (gomail.SendCloser, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, Transient(KindTimeout, ctx.Err())
	}

	select {
	case s := <-p.idle:
		return s, nil
	default:
	}

	s, err := dial()
	if err != nil {
		<-p.slots
		return nil, err
	}
	return s, nil
}

// release returns a healthy session to the idle set and frees its slot.
func (p *sessionPool) release(s gomail.SendCloser, healthy bool) {
	if s != nil {
		if healthy {
			select {
			case p.idle <- s:
			default:
				s.Close()
			}
		} else {
			s.Close()
		}
	}
	<-p.slots
}

func (p *sessionPool) drain() {
	for {
		select {
		case s := <-p.idle:
			s.Close()
		default:
			return
		}
	}
}

func domainOf(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 && i < len(email)-1 {
		return email[i+1:]
	}
	return "localhost"
}

var _ EmailSender = (*SMTPSender)(nil)
