package senders

import (
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"outreach/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
	"gopkg.in/gomail.v2"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout, true},
		{"greylisted", &textproto.Error{Code: 451, Msg: "greylisted"}, KindTransient, true},
		{"mailbox unavailable", &textproto.Error{Code: 550, Msg: "no such user"}, KindInvalidRecipient, false},
		{"auth", &textproto.Error{Code: 535, Msg: "bad credentials"}, KindAuth, false},
		{"policy", &textproto.Error{Code: 554, Msg: "spam"}, KindRejected, false},
		{"wrapped text code", errors.New("gomail: could not send email 1: 421 too many connections"), KindTransient, true},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, KindTransient, true},
		{"unknown", errors.New("something odd"), KindRejected, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.retryable, got.Retryable)
			assert.ErrorIs(t, got, tt.err)
		})
	}
	assert.Nil(t, Classify(nil))

	already := Permanent(KindBlocked, errors.New("blocked"))
	assert.Same(t, already, Classify(already))
}

type fakeSession struct {
	delay  time.Duration
	err    error
	closed atomic.Bool
}

func (f *fakeSession) Send(from string, to []string, msg io.WriterTo) error {
	time.Sleep(f.delay)
	return f.err
}

func (f *fakeSession) Close() error {
	f.closed.Store(true)
	return nil
}

func TestSMTPSender_PoolBoundsConcurrentSessions(t *testing.T) {
	var dials int64
	sender := NewSMTPSender(2, func(*models.SendingAccount) (gomail.SendCloser, error) {
		atomic.AddInt64(&dials, 1)
		return &fakeSession{delay: 10 * time.Millisecond}, nil
	})
	account := &models.SendingAccount{FromEmail: "sdr@acme.io", FromName: "SDR"}
	account.ID = 1

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := sender.Send(context.Background(), account, Email{To: "lead@example.com", Subject: "hi", Text: "hello"})
			assert.NoError(t, err)
			assert.Contains(t, id, "@acme.io>")
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&dials), int64(2), "sessions are reused")
	sender.Close()
}

func TestSMTPSender_FailedSessionIsClosed(t *testing.T) {
	session := &fakeSession{err: &textproto.Error{Code: 421, Msg: "closing"}}
	sender := NewSMTPSender(1, func(*models.SendingAccount) (gomail.SendCloser, error) { return session, nil })
	account := &models.SendingAccount{FromEmail: "sdr@acme.io"}

	_, err := sender.Send(context.Background(), account, Email{To: "a@b.co", HTML: "<p>x</p>"})
	require.Error(t, err)
	assert.True(t, session.closed.Load())
	assert.True(t, Classify(err).Retryable)
}

func TestSMTPSender_TimeoutReleasesSlot(t *testing.T) {
	sender := NewSMTPSender(1, func(*models.SendingAccount) (gomail.SendCloser, error) {
		return &fakeSession{delay: 200 * time.Millisecond}, nil
	})
	account := &models.SendingAccount{FromEmail: "sdr@acme.io"}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sender.Send(ctx, account, Email{To: "a@b.co"})
	se := Classify(err)
	assert.Equal(t, KindTimeout, se.Kind)

	_, err = sender.Send(context.Background(), account, Email{To: "a@b.co"})
	assert.NoError(t, err, "the slot of the timed out session is free again")
}

// strictSMTP is a minimal RFC 5321 server that refuses a new MAIL while a
// transaction is still open, the way real MTAs do.
type strictSMTP struct {
	ln    net.Listener
	conns atomic.Int32

	mu        sync.Mutex
	delivered []string
}

func serveSMTP(t *testing.T) *strictSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &strictSMTP{ln: ln}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			srv.conns.Add(1)
			go srv.serve(conn)
		}
	}()
	return srv
}

func (s *strictSMTP) serve(conn net.Conn) {
	defer conn.Close()
	tp := textproto.NewConn(conn)
	var inTx bool
	var rcpts []string

	_ = tp.PrintfLine("220 mx.test ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch {
		case verb == "EHLO" || verb == "HELO":
			_ = tp.PrintfLine("250 mx.test")
		case strings.HasPrefix(strings.ToUpper(line), "MAIL FROM:"):
			if inTx {
				_ = tp.PrintfLine("503 5.5.1 Error: nested MAIL command")
				continue
			}
			inTx = true
			_ = tp.PrintfLine("250 2.1.0 Ok")
		case strings.HasPrefix(strings.ToUpper(line), "RCPT TO:"):
			switch {
			case !inTx:
				_ = tp.PrintfLine("503 5.5.1 Error: need MAIL command")
			case strings.Contains(line, "bad@"):
				_ = tp.PrintfLine("550 5.1.1 <bad@example.com>: Recipient address rejected")
			default:
				rcpts = append(rcpts, line[len("RCPT TO:"):])
				_ = tp.PrintfLine("250 2.1.5 Ok")
			}
		case verb == "DATA":
			if len(rcpts) == 0 {
				_ = tp.PrintfLine("503 5.5.1 Error: need RCPT command")
				continue
			}
			_ = tp.PrintfLine("354 End data with <CR><LF>.<CR><LF>")
			if _, err := tp.ReadDotLines(); err != nil {
				return
			}
			s.mu.Lock()
			s.delivered = append(s.delivered, rcpts...)
			s.mu.Unlock()
			inTx, rcpts = false, nil
			_ = tp.PrintfLine("250 2.0.0 Ok: queued")
		case verb == "RSET":
			inTx, rcpts = false, nil
			_ = tp.PrintfLine("250 2.0.0 Ok")
		case verb == "QUIT":
			_ = tp.PrintfLine("221 2.0.0 Bye")
			return
		default:
			_ = tp.PrintfLine("502 5.5.2 Error: command not recognized")
		}
	}
}

func (s *strictSMTP) Delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.delivered...)
}

func TestSMTPSender_BounceDoesNotPoisonNextSend(t *testing.T) {
	srv := serveSMTP(t)
	addr := srv.ln.Addr().(*net.TCPAddr)
	account := &models.SendingAccount{FromEmail: "sdr@acme.io", SMTPHost: "127.0.0.1", SMTPPort: addr.Port}
	account.ID = 3
	sender := NewSMTPSender(1, DialSMTP)
	defer sender.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := sender.Send(ctx, account, Email{To: "bad@example.com", Subject: "hi", Text: "hello"})
	require.Error(t, err)
	assert.Equal(t, KindInvalidRecipient, Classify(err).Kind)

	_, err = sender.Send(ctx, account, Email{To: "good@example.com", Subject: "hi", Text: "hello"})
	require.NoError(t, err, "the next recipient on the account is unaffected by the bounce")
	assert.Equal(t, []string{"<good@example.com>"}, srv.Delivered())
	assert.Equal(t, int32(2), srv.conns.Load(), "the bounced session is not reused")

	_, err = sender.Send(ctx, account, Email{To: "good@example.com", Subject: "again", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.conns.Load(), "healthy sessions are reused")
}

func serveLinkedIn(t *testing.T, handler fasthttp.RequestHandler) *LinkedInClient {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { _ = srv.Shutdown() })

	client := &fasthttp.Client{Dial: func(addr string) (net.Conn, error) { return ln.Dial() }}
	return NewLinkedInClientWith(client, "http://linkedin.local", "secret", time.Second)
}

func TestLinkedInClient_Perform(t *testing.T) {
	var gotAuth, gotPath string
	client := serveLinkedIn(t, func(ctx *fasthttp.RequestCtx) {
		gotAuth = string(ctx.Request.Header.Peek("Authorization"))
		gotPath = string(ctx.Path())
		ctx.SetStatusCode(fasthttp.StatusAccepted)
	})

	account := &models.SendingAccount{Channel: models.ChannelLinkedIn, LinkedInProfileURL: "https://linkedin.com/in/sdr"}
	err := client.Perform(context.Background(), account, LinkedInAction{Type: "connect", TargetURL: "https://linkedin.com/in/lead"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "/v1/actions", gotPath)
}

func TestLinkedInClient_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		kind      Kind
		retryable bool
	}{
		{fasthttp.StatusTooManyRequests, `{"error":"slow down"}`, KindRateLimited, true},
		{fasthttp.StatusServiceUnavailable, "", KindTransient, true},
		{fasthttp.StatusForbidden, `{"error":"restricted"}`, KindBlocked, false},
		{fasthttp.StatusUnprocessableEntity, `{"code":"blocked"}`, KindBlocked, false},
		{fasthttp.StatusUnauthorized, "", KindAuth, false},
		{fasthttp.StatusNotFound, "", KindInvalidRecipient, false},
		{fasthttp.StatusInternalServerError, "", KindRejected, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(fasthttp.StatusMessage(tt.status), func(t *testing.T) {
			client := serveLinkedIn(t, func(ctx *fasthttp.RequestCtx) {
				ctx.SetStatusCode(tt.status)
				ctx.SetBodyString(tt.body)
			})
			err := client.Perform(context.Background(), &models.SendingAccount{}, LinkedInAction{Type: "message"})
			se := Classify(err)
			require.NotNil(t, se)
			assert.Equal(t, tt.kind, se.Kind)
			assert.Equal(t, tt.retryable, se.Retryable)
		})
	}
}

func TestRecorder_ScriptedFailuresAreConsumedOnce(t *testing.T) {
	r := NewRecorder()
	boom := Transient(KindTimeout, errors.New("timeout"))
	r.FailNext("a@b.co", boom)
	account := &models.SendingAccount{}

	_, err := r.Send(context.Background(), account, Email{To: "a@b.co"})
	assert.ErrorIs(t, err, boom)
	_, err = r.Send(context.Background(), account, Email{To: "a@b.co"})
	assert.NoError(t, err)
	assert.Equal(t, 1, r.SentTo("a@b.co"))
}
