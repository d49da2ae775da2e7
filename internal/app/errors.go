package app

import (
	"fmt"
	"net/http"
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

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func forbidden() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "You don't have access to this channel", nil)
}

// gone marks a frozen linked channel: distinguishable from forbidden
// so the UI can say "closed" instead of "no access".
func gone() *DomainError {
	return domainError(http.StatusGone, "GONE", "This conversation is closed", nil)
}

func validationError(field, message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, map[string]any{"field": field})
}
