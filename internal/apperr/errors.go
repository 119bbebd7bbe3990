// Package apperr defines the error types shared by the ingestion, consent and
// export paths. Each type carries a stable code and maps to one HTTP status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Message is the coded payload rendered at the HTTP boundary.
type Message struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Description string `json:"description,omitempty"`
}

var (
	MsgValidation = Message{
		Code:    "TEL-42201",
		Message: "Invalid request",
	}
	MsgSourceNotAllowed = Message{
		Code:    "TEL-40301",
		Message: "Event source not allowed",
	}
	MsgIngestionDisabled = Message{
		Code:    "TEL-50301",
		Message: "Ingestion disabled",
	}
	MsgExportDelivery = Message{
		Code:    "TEL-50201",
		Message: "Export delivery failed",
	}
	MsgConflict = Message{
		Code:    "TEL-40901",
		Message: "Conflicting identifier",
	}
	MsgNotFound = Message{
		Code:    "TEL-40401",
		Message: "Not found",
	}
	MsgInternal = Message{
		Code:    "TEL-50001",
		Message: "Internal error",
	}
)

// ValidationError reports malformed input. Field names the offending input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("[%s] %s", MsgValidation.Code, e.Reason)
	}
	return fmt.Sprintf("[%s] %s: %s", MsgValidation.Code, e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// AuthorizationError reports a caller that is not permitted to submit.
type AuthorizationError struct {
	Source string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("[%s] event source %q is not allowed", MsgSourceNotAllowed.Code, e.Source)
}

// ConflictError reports a client-chosen identifier already bound to
// different content.
type ConflictError struct {
	Field string
	Value string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("[%s] %s %q is already used by a different event", MsgConflict.Code, e.Field, e.Value)
}

// ServiceDisabledError reports that ingestion is switched off.
type ServiceDisabledError struct{}

func (e *ServiceDisabledError) Error() string {
	return fmt.Sprintf("[%s] telemetry ingestion is disabled", MsgIngestionDisabled.Code)
}

// ExportDeliveryError wraps a warehouse writer failure.
type ExportDeliveryError struct {
	BatchUUID   string
	Destination string
	Err         error
}

func (e *ExportDeliveryError) Error() string {
	return fmt.Sprintf("[%s] export batch %s to %s: %v", MsgExportDelivery.Code, e.BatchUUID, e.Destination, e.Err)
}

func (e *ExportDeliveryError) Unwrap() error { return e.Err }

// ErrNotFound is returned by lookups that found nothing.
var ErrNotFound = errors.New("not found")

// Describe maps err to an HTTP status and a coded message.
func Describe(err error) (int, Message) {
	var (
		ve *ValidationError
		ae *AuthorizationError
		se *ServiceDisabledError
		de *ExportDeliveryError
		ce *ConflictError
	)
	switch {
	case errors.As(err, &ve):
		msg := MsgValidation
		msg.Description = ve.Error()
		return http.StatusUnprocessableEntity, msg
	case errors.As(err, &ae):
		msg := MsgSourceNotAllowed
		msg.Description = ae.Error()
		return http.StatusForbidden, msg
	case errors.As(err, &ce):
		msg := MsgConflict
		msg.Description = ce.Error()
		return http.StatusConflict, msg
	case errors.As(err, &se):
		return http.StatusServiceUnavailable, MsgIngestionDisabled
	case errors.As(err, &de):
		msg := MsgExportDelivery
		msg.Description = de.Error()
		return http.StatusBadGateway, msg
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, MsgNotFound
	default:
		return http.StatusInternalServerError, MsgInternal
	}
}
