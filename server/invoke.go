package server

import (
	"net/http"

	"github.com/petal-labs/petalgate/core"
)

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine_unavailable", "invocation engine is not configured", nil)
		return
	}

	req, err := decodeInvokeRequest(r)
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}

	logger := s.logger.With("request_id", requestIDFrom(r.Context()), "provider", req.Provider, "model", req.Model)
	res, err := s.engine.Invoke(r.Context(), req)
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	logger.Debug("invocation finished", "id", res.ID, "events", len(res.Logs))
	writeJSON(w, http.StatusOK, res)
}

// writeCoreError renders any error as the standard envelope with the
// status implied by its code.
func (s *Server) writeCoreError(w http.ResponseWriter, r *http.Request, err error) {
	ce := core.AsError(err)
	status := httpStatus(ce)
	details := ce.Details
	if ce.Status > 0 && ce.Status != status {
		if details == nil {
			details = map[string]any{}
		}
		details["upstream_status"] = ce.Status
	}

	level := s.logger.Warn
	if status >= http.StatusInternalServerError {
		level = s.logger.Error
	}
	level("request failed",
		"request_id", requestIDFrom(r.Context()),
		"path", r.URL.Path,
		"status", status,
		"code", ce.Code,
		"error", ce.Message,
	)
	writeError(w, status, ce.Code, ce.Message, details)
}

// httpStatus maps an error code to the response status.
func httpStatus(ce *core.Error) int {
	switch ce.Code {
	case core.CodeProviderUnsupported, core.CodeToolAdapterMissing, core.CodeWebSearchAdapterMissing:
		return http.StatusNotImplemented
	case core.CodeProviderBadRequest, core.CodeInvalidRequest:
		return http.StatusBadRequest
	case core.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
