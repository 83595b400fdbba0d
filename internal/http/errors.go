package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/session"
)

var kindStatus = map[session.Kind]int{
	session.KindValidation: http.StatusBadRequest,
	session.KindSecurity:   http.StatusForbidden,
	session.KindQuota:      http.StatusTooManyRequests,
	session.KindBackend:    http.StatusBadGateway,
	session.KindTimeout:    http.StatusRequestTimeout,
	session.KindNotFound:   http.StatusNotFound,
	session.KindClosed:     http.StatusConflict,
	session.KindCancelled:  http.StatusConflict,
	session.KindInternal:   http.StatusInternalServerError,
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind session.Kind) int {
	if code, ok := kindStatus[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// newErrorResponse renders err as an ErrorResponse. Internal causes are
// not exposed.
func newErrorResponse(err error) ErrorResponse {
	e := session.AsError(err)
	resp := ErrorResponse{
		Code:      e.Code,
		Kind:      string(e.Kind),
		Message:   e.Message,
		SessionID: e.SessionID,
		TaskID:    e.TaskID,
	}
	if e.Kind == session.KindInternal {
		resp.Message = "internal error"
	}
	return resp
}

// errorHandler replaces echo's default handler so every failure, including
// routing errors, has the same body shape.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var (
		status int
		body   ErrorResponse
		he     *echo.HTTPError
	)
	if errors.As(err, &he) {
		status = he.Code
		body = ErrorResponse{Code: httpCode(status), Kind: httpKind(status), Message: http.StatusText(status)}
		if msg, ok := he.Message.(string); ok {
			body.Message = msg
		}
	} else {
		body = newErrorResponse(err)
		status = StatusFor(session.Kind(body.Kind))
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed", zap.Error(err), zap.Int("status", status))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.logger.Warn(c.Request().Context(), "failed to write error response", zap.Error(err))
	}
}

func httpKind(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
		return string(session.KindValidation)
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return string(session.KindNotFound)
	case http.StatusUnauthorized, http.StatusForbidden:
		return string(session.KindSecurity)
	}
	return string(session.KindInternal)
}

func httpCode(status int) string {
	return session.NewError(session.Kind(httpKind(status)), "", nil).Code
}
