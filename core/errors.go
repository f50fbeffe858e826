package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes that cross the gateway boundary.
const (
	CodeProviderUnsupported     = "provider_unsupported"
	CodeProviderBadRequest      = "provider_bad_request"
	CodeRateLimited             = "rate_limited"
	CodeUpstreamError           = "upstream_error"
	CodeToolAdapterMissing      = "tool_adapter_missing"
	CodeWebSearchAdapterMissing = "web_search_adapter_missing"
	CodeSchemaValidationFailed  = "schema_validation_failed"
	CodeInvalidRequest          = "invalid_request"
)

// Error is a classified gateway failure.
//
// Status is an HTTP-like status. Provider clients set it from the upstream
// response so the engine never has to inspect foreign error types.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Status    int            `json:"-"`
	Retryable bool           `json:"-"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	msg := strings.TrimSpace(e.Message)
	switch {
	case code == "":
		return msg
	case msg == "":
		return code
	default:
		return fmt.Sprintf("%s: %s", code, msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewError builds an Error with the status and retry policy implied by code.
func NewError(code, message string, cause error) *Error {
	status, retryable := policyFor(code)
	if strings.TrimSpace(message) == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{
		Code:      code,
		Message:   message,
		Status:    status,
		Retryable: retryable,
		Cause:     cause,
	}
}

// StatusError classifies an upstream HTTP status reported by a provider.
func StatusError(status int, message string, cause error) *Error {
	var code string
	switch {
	case status == http.StatusTooManyRequests:
		code = CodeRateLimited
	case status >= 400 && status < 500:
		code = CodeProviderBadRequest
	default:
		code = CodeUpstreamError
	}
	err := NewError(code, message, cause)
	if status > 0 {
		err.Status = status
	}
	return err
}

// WithDetail returns e with key set in its details map.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func policyFor(code string) (int, bool) {
	switch code {
	case CodeProviderUnsupported, CodeToolAdapterMissing, CodeWebSearchAdapterMissing:
		return http.StatusNotImplemented, false
	case CodeProviderBadRequest, CodeInvalidRequest:
		return http.StatusBadRequest, false
	case CodeRateLimited:
		return http.StatusTooManyRequests, true
	case CodeSchemaValidationFailed:
		return http.StatusInternalServerError, true
	default:
		return http.StatusInternalServerError, true
	}
}

// AsError normalizes any error into a classified *Error. Unclassified errors
// become retryable upstream errors; details.type records the concrete kind.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		out := *classified
		if out.Details == nil {
			out.Details = map[string]any{}
		} else {
			out.Details = cloneDetails(out.Details)
		}
		if _, ok := out.Details["type"]; !ok {
			out.Details["type"] = errorKind(classified.Cause, classified)
		}
		return &out
	}
	wrapped := NewError(CodeUpstreamError, err.Error(), err)
	wrapped.Details = map[string]any{"type": errorKind(err, nil)}
	return wrapped
}

func errorKind(cause error, fallback *Error) string {
	if cause != nil {
		return fmt.Sprintf("%T", cause)
	}
	if fallback != nil {
		return fmt.Sprintf("%T", fallback)
	}
	return "unknown"
}

func cloneDetails(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
