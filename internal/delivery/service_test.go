package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txttokindle/internal/mailer"
	"github.com/txttokindle/internal/ratelimit"
	"github.com/txttokindle/internal/turnstile"
)

type fakeLimiter struct {
	result ratelimit.Result
	err    error
	keys   []string
}

func (f *fakeLimiter) Allow(_ context.Context, key string) (ratelimit.Result, error) {
	f.keys = append(f.keys, key)
	return f.result, f.err
}

type verifyCall struct{ secret, token, ip string }

type fakeVerifier struct {
	err   error
	calls []verifyCall
}

func (f *fakeVerifier) Verify(_ context.Context, secret, token, ip string) error {
	f.calls = append(f.calls, verifyCall{secret, token, ip})
	return f.err
}

type fakeSender struct {
	err  error
	sent []mailer.Message
}

func (f *fakeSender) Send(_ context.Context, msg mailer.Message) error {
	f.sent = append(f.sent, msg)
	return f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validSubmission() Submission {
	return Submission{
		File:      &File{Name: "notes.txt", Size: 5, Data: []byte("hello")},
		Recipient: "reader_123@kindle.com",
		ClientIP:  "203.0.113.7",
	}
}

func requireDeliveryError(t *testing.T, err error, status int) *Error {
	t.Helper()
	var derr *Error
	require.True(t, errors.As(err, &derr), "expected *delivery.Error, got %v", err)
	assert.Equal(t, status, derr.Status)
	return derr
}

func TestDeliverSuccess(t *testing.T) {
	sender := &fakeSender{}
	svc := NewService(Options{Logger: discardLogger(), Sender: sender, RequireKindleDomain: true})

	require.NoError(t, svc.Deliver(context.Background(), validSubmission()))
	require.Len(t, sender.sent, 1)

	msg := sender.sent[0]
	assert.Equal(t, "reader_123@kindle.com", msg.To)
	assert.Equal(t, mailer.DefaultSubject, msg.Subject)
	assert.Equal(t, mailer.DefaultBody, msg.Body)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, "notes.txt", msg.Attachment.Filename)
	assert.Equal(t, "text/plain; charset=utf-8", msg.Attachment.ContentType)
	assert.Equal(t, []byte("hello"), msg.Attachment.Data)
}

func TestDeliverInvalidEmailMakesNoCalls(t *testing.T) {
	for _, recipient := range []string{"", "not-an-email", "a@", "@kindle.com", "two@@kindle.com", "spaces in@kindle.com"} {
		t.Run(fmt.Sprintf("%q", recipient), func(t *testing.T) {
			verifier := &fakeVerifier{}
			sender := &fakeSender{}
			svc := NewService(Options{
				Logger:        discardLogger(),
				CaptchaSecret: "secret",
				Verifier:      verifier,
				Sender:        sender,
			})

			sub := validSubmission()
			sub.Recipient = recipient
			sub.CaptchaToken = "tok"

			derr := requireDeliveryError(t, svc.Deliver(context.Background(), sub), http.StatusBadRequest)
			assert.Equal(t, "Invalid Kindle email.", derr.Message)
			assert.Empty(t, verifier.calls)
			assert.Empty(t, sender.sent)
		})
	}
}

func TestDeliverFileTooLargeRegardlessOfExtension(t *testing.T) {
	for _, name := range []string{"big.txt", "big.pdf", "big"} {
		t.Run(name, func(t *testing.T) {
			sender := &fakeSender{}
			svc := NewService(Options{Logger: discardLogger(), Sender: sender, MaxUploadBytes: 10})

			sub := validSubmission()
			sub.File = &File{Name: name, Size: 11, Data: make([]byte, 11)}

			derr := requireDeliveryError(t, svc.Deliver(context.Background(), sub), http.StatusRequestEntityTooLarge)
			assert.Equal(t, "File too large (max 10 B).", derr.Message)
			assert.Empty(t, sender.sent)
		})
	}
}

func TestDeliverDefaultCeilingMessage(t *testing.T) {
	svc := NewService(Options{Logger: discardLogger(), Sender: &fakeSender{}})
	sub := validSubmission()
	sub.File.Size = DefaultMaxUploadBytes + 1

	derr := requireDeliveryError(t, svc.Deliver(context.Background(), sub), http.StatusRequestEntityTooLarge)
	assert.Equal(t, "File too large (max 10 MiB).", derr.Message)

	sub.File.Size = DefaultMaxUploadBytes
	assert.NoError(t, svc.Deliver(context.Background(), sub))
}

func TestDeliverExtension(t *testing.T) {
	tests := map[string]bool{
		"notes.txt":     true,
		"NOTES.TXT":     true,
		"archive.a.Txt": true,
		"notes.pdf":     false,
		"notes.txt.exe": false,
		"notes":         false,
		"txt":           false,
	}

	for name, ok := range tests {
		t.Run(name, func(t *testing.T) {
			sender := &fakeSender{}
			svc := NewService(Options{Logger: discardLogger(), Sender: sender})

			sub := validSubmission()
			sub.File.Name = name

			err := svc.Deliver(context.Background(), sub)
			if ok {
				assert.NoError(t, err)
				return
			}
			derr := requireDeliveryError(t, err, http.StatusBadRequest)
			assert.Equal(t, "Only .txt is supported for now.", derr.Message)
			assert.Empty(t, sender.sent)
		})
	}
}

func TestDeliverMissingFile(t *testing.T) {
	svc := NewService(Options{Logger: discardLogger(), Sender: &fakeSender{}})
	sub := validSubmission()
	sub.File = nil

	derr := requireDeliveryError(t, svc.Deliver(context.Background(), sub), http.StatusBadRequest)
	assert.Equal(t, "Missing file.", derr.Message)
}

func TestDeliverKindleDomain(t *testing.T) {
	tests := []struct {
		recipient string
		enforce   bool
		wantOK    bool
	}{
		{"reader@kindle.com", true, true},
		{"Reader@KINDLE.COM", true, true},
		{"reader@free.kindle.com", true, true},
		{"reader@Free.Kindle.Com", true, true},
		{"reader@gmail.com", true, false},
		{"reader@notkindle.com", true, false},
		{"reader@kindle.com.evil.org", true, false},
		{"reader@gmail.com", false, true},
		{"reader@notkindle.com", false, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s enforce=%v", tt.recipient, tt.enforce), func(t *testing.T) {
			svc := NewService(Options{Logger: discardLogger(), Sender: &fakeSender{}, RequireKindleDomain: tt.enforce})
			sub := validSubmission()
			sub.Recipient = tt.recipient

			err := svc.Deliver(context.Background(), sub)
			if tt.wantOK {
				assert.NoError(t, err)
				return
			}
			requireDeliveryError(t, err, http.StatusBadRequest)
		})
	}
}

func TestDeliverCaptchaMissingTokenSkipsVerifier(t *testing.T) {
	verifier := &fakeVerifier{}
	sender := &fakeSender{}
	svc := NewService(Options{Logger: discardLogger(), CaptchaSecret: "secret", Verifier: verifier, Sender: sender})

	derr := requireDeliveryError(t, svc.Deliver(context.Background(), validSubmission()), http.StatusBadRequest)
	assert.Equal(t, "Please complete the CAPTCHA.", derr.Message)
	assert.Empty(t, verifier.calls)
	assert.Empty(t, sender.sent)
}

func TestDeliverCaptchaRejected(t *testing.T) {
	verifier := &fakeVerifier{err: &turnstile.RejectedError{Codes: []string{"invalid-input-response", "timeout-or-duplicate"}}}
	sender := &fakeSender{}
	svc := NewService(Options{Logger: discardLogger(), CaptchaSecret: "secret", Verifier: verifier, Sender: sender})

	sub := validSubmission()
	sub.CaptchaToken = "tok"

	derr := requireDeliveryError(t, svc.Deliver(context.Background(), sub), http.StatusForbidden)
	assert.Contains(t, derr.Message, "invalid-input-response,timeout-or-duplicate")
	assert.Equal(t, []verifyCall{{"secret", "tok", "203.0.113.7"}}, verifier.calls)
	assert.Empty(t, sender.sent)
}

func TestDeliverCaptchaTransportFailureIsRejection(t *testing.T) {
	verifier := &fakeVerifier{err: errors.New("turnstile verify failed (503)")}
	svc := NewService(Options{Logger: discardLogger(), CaptchaSecret: "secret", Verifier: verifier, Sender: &fakeSender{}})

	sub := validSubmission()
	sub.CaptchaToken = "tok"
	sub.ClientIP = UnknownClientIP

	derr := requireDeliveryError(t, svc.Deliver(context.Background(), sub), http.StatusForbidden)
	assert.Equal(t, "CAPTCHA verification failed: turnstile verify failed (503)", derr.Message)
	require.Len(t, verifier.calls, 1)
	assert.Empty(t, verifier.calls[0].ip)
}

func TestDeliverCaptchaAccepted(t *testing.T) {
	verifier := &fakeVerifier{}
	sender := &fakeSender{}
	svc := NewService(Options{Logger: discardLogger(), CaptchaSecret: "secret", Verifier: verifier, Sender: sender})

	sub := validSubmission()
	sub.CaptchaToken = "tok"

	require.NoError(t, svc.Deliver(context.Background(), sub))
	assert.Len(t, verifier.calls, 1)
	assert.Len(t, sender.sent, 1)
}

func TestDeliverProviderFailure(t *testing.T) {
	sender := &fakeSender{err: errors.New("554 message rejected")}
	svc := NewService(Options{Logger: discardLogger(), Sender: sender})

	derr := requireDeliveryError(t, svc.Deliver(context.Background(), validSubmission()), http.StatusBadGateway)
	assert.True(t, strings.HasPrefix(derr.Message, "Email delivery failed: "))
	assert.Contains(t, derr.Message, "554 message rejected")
}

func TestDeliverUnreachableProviderHidesServer(t *testing.T) {
	sender := &fakeSender{err: fmt.Errorf("%w: dial smtp.internal:587: connection refused", mailer.ErrUnavailable)}
	svc := NewService(Options{Logger: discardLogger(), Sender: sender})

	derr := requireDeliveryError(t, svc.Deliver(context.Background(), validSubmission()), http.StatusBadGateway)
	assert.Equal(t, "Email delivery failed: mail server unavailable", derr.Message)
	assert.NotContains(t, derr.Message, "smtp.internal")
	assert.ErrorIs(t, derr, mailer.ErrUnavailable)
}

func TestDeliverUnconfiguredSenderIsUnexpected(t *testing.T) {
	sender := &fakeSender{err: mailer.ErrNotConfigured}
	svc := NewService(Options{Logger: discardLogger(), Sender: sender})

	err := svc.Deliver(context.Background(), validSubmission())
	require.Error(t, err)

	var derr *Error
	assert.False(t, errors.As(err, &derr))
	assert.ErrorIs(t, err, mailer.ErrNotConfigured)
}

func TestCheckQuota(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		svc := NewService(Options{Logger: discardLogger()})
		assert.NoError(t, svc.CheckQuota(context.Background(), "203.0.113.7"))
	})

	t.Run("allowed", func(t *testing.T) {
		limiter := &fakeLimiter{result: ratelimit.Result{Allowed: true}}
		svc := NewService(Options{Logger: discardLogger(), Limiter: limiter})

		assert.NoError(t, svc.CheckQuota(context.Background(), "203.0.113.7"))
		assert.Equal(t, []string{"ip:203.0.113.7"}, limiter.keys)
	})

	t.Run("exhausted", func(t *testing.T) {
		now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
		limiter := &fakeLimiter{result: ratelimit.Result{Allowed: false, Limit: 10, Reset: now.Add(90 * time.Second)}}
		svc := NewService(Options{Logger: discardLogger(), Limiter: limiter})
		svc.now = func() time.Time { return now }

		derr := requireDeliveryError(t, svc.CheckQuota(context.Background(), UnknownClientIP), http.StatusTooManyRequests)
		assert.Equal(t, 90*time.Second, derr.RetryAfter)
		assert.Equal(t, []string{"ip:unknown"}, limiter.keys)
	})

	t.Run("store error", func(t *testing.T) {
		limiter := &fakeLimiter{err: errors.New("connection refused")}
		svc := NewService(Options{Logger: discardLogger(), Limiter: limiter})

		err := svc.CheckQuota(context.Background(), "203.0.113.7")
		require.Error(t, err)
		var derr *Error
		assert.False(t, errors.As(err, &derr))
	})
}
