package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/voiceplanner/models"
)

// ErrorKind is the taxonomy every capability failure is classified into.
type ErrorKind string

const (
	KindTransient  ErrorKind = "transient"
	KindValidation ErrorKind = "validation"
	KindConflict   ErrorKind = "conflict"
	KindInternal   ErrorKind = "internal"
)

// Error is a classified capability failure.
type Error struct {
	Kind    ErrorKind
	Action  string
	Entity  models.EntityRef
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if !e.Entity.IsZero() {
		return fmt.Sprintf("%s error in %s (%s): %s", e.Kind, e.Action, e.Entity, msg)
	}
	return fmt.Sprintf("%s error in %s: %s", e.Kind, e.Action, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransient reports a network, timeout or rate-limit failure that may be retried.
func NewTransient(action, message string) *Error {
	return &Error{Kind: KindTransient, Action: action, Message: message}
}

// NewValidation reports malformed or unresolvable input.
func NewValidation(action, message string) *Error {
	return &Error{Kind: KindValidation, Action: action, Message: message}
}

// NewConflict reports an entity mutated concurrently by another actor.
func NewConflict(action string, entity models.EntityRef, message string) *Error {
	return &Error{Kind: KindConflict, Action: action, Entity: entity, Message: message}
}

// KindOf classifies err. Deadline overruns are transient; anything unclassified is internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}
