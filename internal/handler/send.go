package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/txttokindle/internal/delivery"
)

const (
	// formOverhead is the body allowance on top of the file ceiling for
	// multipart framing and the text fields.
	formOverhead  = 1 << 20
	maxFieldBytes = 4 << 10

	fieldFile         = "file"
	fieldKindleEmail  = "kindleEmail"
	fieldCaptchaToken = "turnstileToken"
)

// SendHandler serves the upload endpoint.
type SendHandler struct {
	BaseHandler
	service *delivery.Service
}

func NewSendHandler(logger *slog.Logger, service *delivery.Service) *SendHandler {
	return &SendHandler{
		BaseHandler: BaseHandler{Logger: logger},
		service:     service,
	}
}

// Send accepts a multipart upload and emails the file to the Kindle address.
func (h *SendHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientIP := ClientIP(r)

	if err := h.service.CheckQuota(ctx, clientIP); err != nil {
		h.failed(w, r, err)
		return
	}

	maxFile := h.service.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxFile+formOverhead)

	sub, err := readSubmission(r, maxFile)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			// A recipient read before the overflow is still checked first.
			if sub.Recipient != "" && !delivery.ValidEmail(sub.Recipient) {
				h.failed(w, r, delivery.ErrInvalidEmail())
				return
			}
			h.failed(w, r, delivery.ErrFileTooLarge(maxFile))
			return
		}
		h.Logger.Warn("form parse failed", "error", err)
		h.errorResponse(w, r, http.StatusBadRequest, "Invalid form data.", nil)
		return
	}
	sub.ClientIP = clientIP

	if err := h.service.Deliver(ctx, sub); err != nil {
		h.failed(w, r, err)
		return
	}

	h.okResponse(w, r)
}

func (h *SendHandler) failed(w http.ResponseWriter, r *http.Request, err error) {
	var derr *delivery.Error
	if !errors.As(err, &derr) {
		h.serverErrorResponse(w, r, err)
		return
	}

	h.Logger.Info("submission rejected", "status", derr.Status, "reason", derr.Message)

	var headers http.Header
	if derr.RetryAfter > 0 {
		headers = http.Header{}
		headers.Set("Retry-After", strconv.Itoa(int(derr.RetryAfter.Seconds())))
	}
	h.errorResponse(w, r, derr.Status, derr.Message, headers)
}

// ClientIP returns the first X-Forwarded-For entry, or "unknown".
func ClientIP(r *http.Request) string {
	first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
	if ip := strings.TrimSpace(first); ip != "" {
		return ip
	}
	return delivery.UnknownClientIP
}

// readSubmission streams the multipart body. The file is held in memory up to
// maxFile+1 bytes; anything past that is counted and discarded.
func readSubmission(r *http.Request, maxFile int64) (delivery.Submission, error) {
	var sub delivery.Submission

	mr, err := r.MultipartReader()
	if err != nil {
		return sub, fmt.Errorf("multipart reader: %w", err)
	}

	seen := make(map[string]bool)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sub, fmt.Errorf("next part: %w", err)
		}

		name := part.FormName()
		if seen[name] {
			part.Close()
			continue
		}

		switch name {
		case fieldFile:
			if part.FileName() == "" {
				break
			}
			sub.File, err = readFile(part, maxFile)
			seen[name] = true
		case fieldKindleEmail:
			sub.Recipient, err = readField(part)
			seen[name] = true
		case fieldCaptchaToken:
			sub.CaptchaToken, err = readField(part)
			seen[name] = true
		}
		part.Close()
		if err != nil {
			return sub, fmt.Errorf("read %s: %w", name, err)
		}
	}

	return sub, nil
}

func readFile(part *multipart.Part, maxFile int64) (*delivery.File, error) {
	data, err := io.ReadAll(io.LimitReader(part, maxFile+1))
	if err != nil {
		return nil, err
	}

	size := int64(len(data))
	if size > maxFile {
		rest, err := io.Copy(io.Discard, part)
		if err != nil {
			return nil, err
		}
		size += rest
		data = nil
	}

	return &delivery.File{Name: part.FileName(), Size: size, Data: data}, nil
}

func readField(part *multipart.Part) (string, error) {
	b, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
