package app

import (
	"fmt"
	"net/http"

	"parley/api/internal/rbac"
)

// DomainError is a failure that already knows its HTTP envelope. Cause keeps
// the underlying sentinel reachable through errors.Is.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Cause   error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func forbiddenAction(action rbac.Action) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"action": string(action)})
}

// partialDelivery reports an announcement that exists but whose fan-out left
// some inboxes unwritten. The sweep finishes it later.
func partialDelivery(announcementID string, cause error) *DomainError {
	err := domainError(http.StatusBadGateway, "PARTIAL_DELIVERY",
		"Announcement created but not every inbox was reached",
		map[string]any{"announcementId": announcementID})
	err.Cause = cause
	return err
}
