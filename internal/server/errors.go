package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	meterdomain "github.com/smallbiznis/waterstats/internal/meter/domain"
	"github.com/smallbiznis/waterstats/internal/scheduler"
	usagedomain "github.com/smallbiznis/waterstats/internal/usage/domain"
	"github.com/smallbiznis/waterstats/internal/usage/liveevents"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, scheduler.ErrPassInFlight):
		return http.StatusConflict, errorPayload{
			Type:    "pass_in_flight",
			Message: "a pass for this meter is already running",
		}
	case errors.Is(err, meterdomain.ErrDisabled):
		return http.StatusConflict, errorPayload{
			Type:    "meter_disabled",
			Message: "meter is disabled",
		}
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, usagedomain.ErrUpstream):
		return http.StatusBadGateway, errorPayload{
			Type:    "upstream_unavailable",
			Message: "upstream usage service unavailable",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, liveevents.ErrHubUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog returns the response type and the sentinel code.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	_, payload := mapError(err)
	if vErr := asValidationErrors(err); vErr != nil && len(vErr.Errors) > 0 {
		return payload.Type, vErr.Errors[0].Code
	}
	if isValidationError(err) {
		return payload.Type, validationErrorCode(err)
	}
	return payload.Type, payload.Type
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, usagedomain.ErrInvalidRange),
		errors.Is(err, usagedomain.ErrInvalidMeterID),
		errors.Is(err, meterdomain.ErrInvalidID),
		errors.Is(err, liveevents.ErrInvalidMeterID):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, meterdomain.ErrNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, usagedomain.ErrInvalidRange):
		return "invalid_range"
	case errors.Is(err, usagedomain.ErrInvalidMeterID),
		errors.Is(err, meterdomain.ErrInvalidID),
		errors.Is(err, liveevents.ErrInvalidMeterID):
		return "invalid_meter_id"
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "invalid_range":
		return "start must not be after end"
	default:
		return "invalid value"
	}
}
