// This file contains the Error type shared by every component, the builder
// helpers that construct the error taxonomy (validation, authorization,
// persistence, transient), and MultiError for aggregating cleanup failures.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Error is the typed error returned by every operation in the core.
// Code carries an HTTP-like status, Temporary marks retryable conditions,
// and TempID echoes the client correlation id of a failed send so the
// client can mark the specific optimistic message as failed.
type Error struct {
	Topic     string      `json:"topic,omitempty"`
	Message   string      `json:"message"`
	Code      int         `json:"code"`
	Temporary bool        `json:"temporary"`
	TempID    string      `json:"tempId,omitempty"`
	Details   interface{} `json:"details,omitempty"`
	cause     error
}

func (e *Error) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("error in topic %s: %s (code: %d)", e.Topic, e.Message, e.Code)
	}
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) withDetails(details interface{}) *Error {
	e.Details = details
	return e
}

func (e *Error) withTempID(tempID string) *Error {
	e.TempID = tempID
	return e
}

func wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Topic:     e.Topic,
			Message:   fmt.Sprintf("%s: %s", message, e.Message),
			Code:      e.Code,
			Temporary: e.Temporary,
			TempID:    e.TempID,
			Details:   e.Details,
			cause:     e.cause,
		}
	}
	return &Error{
		Message: fmt.Sprintf("%s: %s", message, err),
		Code:    StatusInternalServerError,
		cause:   err,
	}
}

func wrapF(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return wrap(err, fmt.Sprintf(format, args...))
}

func badRequest(topic, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusBadRequest,
		Topic:     topic,
		Temporary: false,
	}
}

func notFound(topic, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusNotFound,
		Topic:     topic,
		Temporary: false,
	}
}

func conflict(topic, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusConflict,
		Topic:     topic,
		Temporary: false,
	}
}

func unauthorized(topic, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusUnauthorized,
		Topic:     topic,
		Temporary: false,
	}
}

func forbidden(topic, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusForbidden,
		Topic:     topic,
		Temporary: false,
	}
}

func internal(topic, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusInternalServerError,
		Topic:     topic,
		Temporary: false,
	}
}

// persistence marks an external-store failure. Surfaced to the calling
// client only, never broadcast, never retried by the core.
func persistence(topic string, err error) *Error {
	return &Error{
		Message:   fmt.Sprintf("persistence operation failed: %s", err),
		Code:      StatusBadGateway,
		Topic:     topic,
		Temporary: true,
		cause:     err,
	}
}

func unavailable(topic, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusServiceUnavailable,
		Topic:     topic,
		Temporary: true,
	}
}

func timeout(topic, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusGatewayTimeout,
		Topic:     topic,
		Temporary: true,
	}
}

// MultiError aggregates several errors from independent cleanup steps so a
// failing step never hides the others.
type MultiError struct {
	errors []error
}

func (m *MultiError) Error() string {
	if len(m.errors) == 0 {
		return "no errors"
	}
	messages := make([]string, len(m.errors))

	for i, err := range m.errors {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}

func (m *MultiError) Unwrap() []error {
	return m.errors
}

func combine(errs ...error) error {

	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	if len(nonNil) == 1 {
		return nonNil[0]
	}
	return &MultiError{errors: nonNil}
}

func addError(base, next error) error {
	if base == nil {
		return next
	}
	if next == nil {
		return base
	}

	var me *MultiError
	if errors.As(base, &me) {
		me.errors = append(me.errors, next)

		return me
	}
	return &MultiError{errors: []error{base, next}}
}

// errorFrame converts an error into the wire frame sent back to the client
// that caused it. Ref ties the frame to the originating request.
func errorFrame(topic, ref string, err error) Frame {
	payload := map[string]interface{}{
		"reason": err.Error(),
	}

	var e *Error
	if errors.As(err, &e) {
		payload = map[string]interface{}{
			"reason":    e.Message,
			"code":      e.Code,
			"temporary": e.Temporary,
		}
		if e.TempID != "" {
			payload["tempId"] = e.TempID
		}
		if e.Details != nil {
			payload["details"] = e.Details
		}
		if topic == "" {
			topic = e.Topic
		}
	}
	data, marshalErr := json.Marshal(payload)

	if marshalErr != nil {
		data = []byte(`{"reason":"internal error"}`)
	}
	return Frame{
		Type:    frameError,
		Topic:   topic,
		Payload: data,
		Ref:     ref,
	}
}
