package delivery

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/txttokindle/internal/mailer"
)

// Error is a submission failure that is safe to show to the caller.
type Error struct {
	Status  int
	Message string
	Err     error

	// RetryAfter is set on rate limit rejections when the limiter knows
	// when the window resets.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func ErrRateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Status:     http.StatusTooManyRequests,
		Message:    "Too many requests. Please try again later.",
		RetryAfter: retryAfter,
	}
}

func ErrInvalidEmail() *Error {
	return &Error{Status: http.StatusBadRequest, Message: "Invalid Kindle email."}
}

func ErrCaptchaMissing() *Error {
	return &Error{Status: http.StatusBadRequest, Message: "Please complete the CAPTCHA."}
}

func ErrCaptchaRejected(err error) *Error {
	return &Error{
		Status:  http.StatusForbidden,
		Message: "CAPTCHA verification failed: " + err.Error(),
		Err:     err,
	}
}

func ErrNotKindleAddress() *Error {
	return &Error{Status: http.StatusBadRequest, Message: "Recipient must be a @kindle.com or @free.kindle.com address."}
}

func ErrMissingFile() *Error {
	return &Error{Status: http.StatusBadRequest, Message: "Missing file."}
}

// ErrFileTooLarge reports the ceiling in IEC units, e.g. "10 MiB".
func ErrFileTooLarge(maxBytes int64) *Error {
	return &Error{
		Status:  http.StatusRequestEntityTooLarge,
		Message: fmt.Sprintf("File too large (max %s).", humanize.IBytes(uint64(maxBytes))),
	}
}

func ErrUnsupportedType() *Error {
	return &Error{Status: http.StatusBadRequest, Message: "Only .txt is supported for now."}
}

// ErrDeliveryFailed carries the provider's reply through. Failures that never
// reached the provider are reported without their detail.
func ErrDeliveryFailed(err error) *Error {
	reason := err.Error()
	if errors.Is(err, mailer.ErrUnavailable) {
		reason = "mail server unavailable"
	}
	return &Error{
		Status:  http.StatusBadGateway,
		Message: "Email delivery failed: " + reason,
		Err:     err,
	}
}
