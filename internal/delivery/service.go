// Package delivery validates uploads and forwards them to a Send-to-Kindle address.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/txttokindle/internal/mailer"
	"github.com/txttokindle/internal/ratelimit"
)

const (
	DefaultMaxUploadBytes = 10 << 20

	attachmentContentType = "text/plain; charset=utf-8"
)

// UnknownClientIP is used when the request carries no forwarded-for address.
const UnknownClientIP = "unknown"

type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Result, error)
}

type Verifier interface {
	Verify(ctx context.Context, secret, token, remoteIP string) error
}

type Sender interface {
	Send(ctx context.Context, msg mailer.Message) error
}

type Options struct {
	Logger *slog.Logger

	// Limiter is optional; nil disables rate limiting.
	Limiter Limiter

	// CaptchaSecret enables CAPTCHA verification when non-empty.
	CaptchaSecret string
	Verifier      Verifier

	RequireKindleDomain bool
	MaxUploadBytes      int64

	Sender Sender
}

type Service struct {
	logger              *slog.Logger
	limiter             Limiter
	captchaSecret       string
	verifier            Verifier
	requireKindleDomain bool
	maxUploadBytes      int64
	sender              Sender
	now                 func() time.Time
}

func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Service{
		logger:              opts.Logger,
		limiter:             opts.Limiter,
		captchaSecret:       opts.CaptchaSecret,
		verifier:            opts.Verifier,
		requireKindleDomain: opts.RequireKindleDomain,
		maxUploadBytes:      opts.MaxUploadBytes,
		sender:              opts.Sender,
		now:                 time.Now,
	}
}

func (s *Service) MaxUploadBytes() int64 { return s.maxUploadBytes }

// CheckQuota consults the limiter for clientIP. It is a no-op when no
// limiter is configured.
func (s *Service) CheckQuota(ctx context.Context, clientIP string) error {
	if s.limiter == nil {
		return nil
	}

	key := RateLimitKey(clientIP)
	res, err := s.limiter.Allow(ctx, key)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if !res.Allowed {
		s.logger.Warn("submission rate limited", "key", key, "limit", res.Limit)
		return ErrRateLimited(res.RetryAfter(s.now()))
	}
	return nil
}

// Deliver validates sub and emails its file to the recipient. Checks run in a
// fixed order and stop at the first failure. User-facing failures are
// *Error; any other error is unexpected.
func (s *Service) Deliver(ctx context.Context, sub Submission) error {
	if !ValidEmail(sub.Recipient) {
		return ErrInvalidEmail()
	}

	if s.captchaSecret != "" {
		if err := s.verifyCaptcha(ctx, sub); err != nil {
			return err
		}
	}

	if s.requireKindleDomain && !IsKindleAddress(sub.Recipient) {
		return ErrNotKindleAddress()
	}

	if sub.File == nil {
		return ErrMissingFile()
	}
	if sub.File.Size > s.maxUploadBytes {
		return ErrFileTooLarge(s.maxUploadBytes)
	}

	name := sub.File.Name
	if name == "" {
		name = DefaultFilename
	}
	if !HasAcceptedExtension(name) {
		return ErrUnsupportedType()
	}

	if s.sender == nil {
		return errors.New("delivery: no email sender configured")
	}

	err := s.sender.Send(ctx, mailer.Message{
		To:      sub.Recipient,
		Subject: mailer.DefaultSubject,
		Body:    mailer.DefaultBody,
		Attachment: &mailer.Attachment{
			Filename:    SanitizeFilename(name),
			ContentType: attachmentContentType,
			Data:        sub.File.Data,
		},
	})
	switch {
	case errors.Is(err, mailer.ErrNotConfigured):
		return fmt.Errorf("send email: %w", err)
	case err != nil:
		s.logger.Warn("email delivery failed", "error", err)
		return ErrDeliveryFailed(err)
	}

	s.logger.Info("submission delivered", "bytes", sub.File.Size)
	return nil
}

func (s *Service) verifyCaptcha(ctx context.Context, sub Submission) error {
	if sub.CaptchaToken == "" {
		return ErrCaptchaMissing()
	}
	if s.verifier == nil {
		return errors.New("delivery: captcha secret set without a verifier")
	}

	remoteIP := sub.ClientIP
	if remoteIP == UnknownClientIP {
		remoteIP = ""
	}
	if err := s.verifier.Verify(ctx, s.captchaSecret, sub.CaptchaToken, remoteIP); err != nil {
		s.logger.Warn("captcha rejected", "error", err)
		return ErrCaptchaRejected(err)
	}
	return nil
}
