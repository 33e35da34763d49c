package app

import (
	"fmt"
	"net/http"
)

// Machine-readable error codes surfaced in the response envelope.
const (
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeNotFound         = "NOT_FOUND"
	CodeStaleVersion     = "STALE_VERSION"
	CodePhaseGuard       = "PHASE_GUARD"
	CodeScienceViolation = "SCIENCE_VIOLATION"
	CodeUndoNotPossible  = "UNDO_NOT_POSSIBLE"
	CodeUnimplemented    = "UNIMPLEMENTED"
	CodeInternal         = "INTERNAL"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func invalidArgument(message string, details any) *DomainError {
	return domainError(http.StatusBadRequest, CodeInvalidArgument, message, details)
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, message, nil)
}

func staleVersion(expected, actual int64) *DomainError {
	return domainError(http.StatusConflict, CodeStaleVersion, "canvas version has moved on, refetch and retry", map[string]any{
		"expected_version": expected,
		"current_version":  actual,
	})
}

func phaseGuard(action, phase string) *DomainError {
	return domainError(http.StatusConflict, CodePhaseGuard, fmt.Sprintf("%s is not allowed while the canvas is in the %s phase", action, phase), map[string]any{
		"phase": phase,
	})
}

func scienceViolation(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeScienceViolation, message, details)
}

func undoNotPossible() *DomainError {
	return domainError(http.StatusConflict, CodeUndoNotPossible, "no reversible action in the recent event window", nil)
}

func unimplemented(action string) *DomainError {
	return domainError(http.StatusNotImplemented, CodeUnimplemented, action+" is not implemented yet", nil)
}
