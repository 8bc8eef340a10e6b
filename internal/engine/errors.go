package engine

import (
	"errors"
	"net/http"
)

// Stable machine-readable error codes surfaced to clients.
const (
	CodeTaskNotFound           = "TASK_NOT_FOUND"
	CodeAgentNotFound          = "AGENT_NOT_FOUND"
	CodeDeliverableNotFound    = "DELIVERABLE_NOT_FOUND"
	CodeAPIKeyNotFound         = "API_KEY_NOT_FOUND"
	CodeTaskNotOpen            = "TASK_NOT_OPEN"
	CodeTaskNotClaimed         = "TASK_NOT_CLAIMED"
	CodeTaskNotDelivered       = "TASK_NOT_DELIVERED"
	CodeTaskAlreadyAccepted    = "TASK_ALREADY_ACCEPTED"
	CodeClaimExpired           = "CLAIM_EXPIRED"
	CodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
	CodeNotTaskAssignee        = "NOT_TASK_ASSIGNEE"
	CodeForbidden              = "FORBIDDEN"
	CodeInvalidProposedCredits = "INVALID_PROPOSED_CREDITS"
	CodeValidationError        = "VALIDATION_ERROR"
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeInvalidAPIKey          = "INVALID_API_KEY"
	CodeInvalidCredentials     = "INVALID_CREDENTIALS"
	CodeIdempotencyConflict    = "IDEMPOTENCY_CONFLICT"
	CodeInternalError          = "INTERNAL_ERROR"
)

// Error is the typed error carried by every business failure: a stable code,
// a human message, an optional suggestion and safe next actions for clients,
// and the HTTP-equivalent status the server layer should use.
type Error struct {
	Code        string
	Message     string
	Suggestion  string
	Status      int
	NextActions []string
}

func (e *Error) Error() string { return e.Message }

// CodeOf extracts the stable code from an error, or INTERNAL_ERROR.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternalError
}

func notFoundError(code, message string) *Error {
	return &Error{Code: code, Message: message, Status: http.StatusNotFound}
}

func stateError(code, message, suggestion string, actions ...string) *Error {
	return &Error{Code: code, Message: message, Suggestion: suggestion, Status: http.StatusConflict, NextActions: actions}
}

func forbiddenError(code, message string) *Error {
	return &Error{Code: code, Message: message, Status: http.StatusForbidden}
}

func validationError(code, message, suggestion string) *Error {
	return &Error{Code: code, Message: message, Suggestion: suggestion, Status: http.StatusBadRequest}
}

func unauthorizedError(code, message string) *Error {
	return &Error{Code: code, Message: message, Status: http.StatusUnauthorized}
}
