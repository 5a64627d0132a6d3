package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// result is the JSON body every API endpoint answers with.
type result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type BaseHandler struct {
	Logger *slog.Logger
}

func (h *BaseHandler) logError(r *http.Request, err error) {
	method := r.Method
	uri := r.URL.RequestURI()

	h.Logger.Error(err.Error(), "method", method, "uri", uri)
}

func (h *BaseHandler) okResponse(w http.ResponseWriter, r *http.Request) {
	if err := h.writeJSON(w, http.StatusOK, result{OK: true}, nil); err != nil {
		h.logError(r, err)
	}
}

func (h *BaseHandler) errorResponse(w http.ResponseWriter, r *http.Request, status int, message string, headers http.Header) {
	err := h.writeJSON(w, status, result{OK: false, Error: message}, headers)
	if err != nil {
		h.logError(r, err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// serverErrorResponse logs err and answers 500 without exposing it.
func (h *BaseHandler) serverErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	h.logError(r, err)

	h.errorResponse(w, r, http.StatusInternalServerError, "Server error.", nil)
}

func (h *BaseHandler) writeJSON(w http.ResponseWriter, status int, data any, headers http.Header) error {
	for k, v := range headers {
		for _, value := range v {
			w.Header().Add(k, value)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)

	if err := encoder.Encode(data); err != nil {
		return err
	}

	return nil
}
