package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/songzhibin97/docflow/definition"
	"github.com/songzhibin97/docflow/resolver"
	"github.com/songzhibin97/docflow/rules"
	"github.com/songzhibin97/docflow/storage"
	"github.com/songzhibin97/docflow/workflow"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

// Checked in order; the first match wins.
var errorMappings = []errorMapping{
	{workflow.ErrEngineStopped, http.StatusServiceUnavailable, "engine_stopped"},
	{storage.ErrNotFound, http.StatusNotFound, "not_found"},
	{workflow.ErrNoDefinition, http.StatusNotFound, "no_definition"},
	{workflow.ErrStaleStep, http.StatusConflict, "stale_step"},
	{workflow.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{workflow.ErrDefinitionImmutable, http.StatusConflict, "definition_immutable"},
	{workflow.ErrDefinitionInactive, http.StatusConflict, "definition_inactive"},
	{workflow.ErrNotPermitted, http.StatusForbidden, "not_permitted"},
	{workflow.ErrActorNotAuthorized, http.StatusForbidden, "actor_not_authorized"},
	{workflow.ErrMissingReason, http.StatusBadRequest, "missing_reason"},
	{workflow.ErrMissingNextStep, http.StatusBadRequest, "missing_next_step"},
	{workflow.ErrActionNotAllowedForStep, http.StatusUnprocessableEntity, "action_not_allowed"},
	{workflow.ErrConditionNotMet, http.StatusUnprocessableEntity, "condition_not_met"},
	{workflow.ErrNoTransition, http.StatusUnprocessableEntity, "no_transition"},
	{workflow.ErrRoutingDepth, http.StatusUnprocessableEntity, "routing_depth"},
	{resolver.ErrAssigneeDisabled, http.StatusUnprocessableEntity, "assignee_disabled"},
	{resolver.ErrScriptFailed, http.StatusUnprocessableEntity, "script_failed"},
	{resolver.ErrEmptyResolution, http.StatusUnprocessableEntity, "empty_resolution"},
	{rules.ErrInvalidOperand, http.StatusUnprocessableEntity, "invalid_operand"},
	{rules.ErrUnknownOperator, http.StatusUnprocessableEntity, "unknown_operator"},
	{rules.ErrUnknownConditionType, http.StatusUnprocessableEntity, "unknown_condition_type"},
}

// statusFor maps an engine error to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	var ve *definition.ValidationError
	if errors.As(err, &ve) {
		return http.StatusUnprocessableEntity, "invalid_definition"
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// errorHandler renders engine and echo errors as ErrorResponse.
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
		body = ErrorResponse{Code: http.StatusText(he.Code), Message: errorMessage(he)}
	} else {
		status, body.Code = statusFor(err)
		body.Message = err.Error()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.logger.Warn("write error response", zap.Error(err))
	}
}

func errorMessage(he *echo.HTTPError) string {
	if msg, ok := he.Message.(string); ok {
		return msg
	}
	return http.StatusText(he.Code)
}
