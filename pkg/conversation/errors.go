package conversation

import (
	"errors"
	"fmt"
)

// Family sentinels, matched with errors.Is.
var (
	ErrTransport   = errors.New("transport error")
	ErrModel       = errors.New("model error")
	ErrPersistence = errors.New("persistence error")
	ErrValidation  = errors.New("validation error")
)

var (
	ErrBusy              = errors.New("assistant is still composing a response")
	ErrEmptyMessage      = errors.New("message has neither content nor attachment")
	ErrEmptyConversation = errors.New("conversation has no messages")
	ErrTitleRequired     = errors.New("conversation title is required")
	ErrNotFound          = errors.New("not found")
	ErrDuplicateID       = errors.New("duplicate message id")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotInitialized    = errors.New("model session is not initialized")
	ErrModelNotFound     = errors.New("model not found")
	ErrNotConnected      = errors.New("channel is not connected")
	ErrConversationGone  = errors.New("conversation was replaced before the message was added")
)

// TransportError wraps every failure of a TransportChannel.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	if e == nil || e.Cause == nil {
		return ErrTransport.Error()
	}
	return fmt.Sprintf("%s: %s", ErrTransport, e.Cause)
}

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func NewTransportError(cause error) *TransportError {
	var te *TransportError
	if errors.As(cause, &te) {
		return te
	}
	return &TransportError{Cause: cause}
}

type ModelError struct {
	ModelID string
	Err     error
}

func (e *ModelError) Error() string {
	if e == nil {
		return ErrModel.Error()
	}
	if e.ModelID == "" {
		return fmt.Sprintf("%s: %s", ErrModel, e.Err)
	}
	return fmt.Sprintf("%s for %q: %s", ErrModel, e.ModelID, e.Err)
}

func (e *ModelError) Is(target error) bool { return target == ErrModel }

func (e *ModelError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type PersistenceError struct {
	Op    string
	Key   string
	Cause error
}

func (e *PersistenceError) Error() string {
	if e == nil {
		return ErrPersistence.Error()
	}
	return fmt.Sprintf("%s: %s %q: %s", ErrPersistence, e.Op, e.Key, e.Cause)
}

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func (e *PersistenceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ValidationError reports invalid caller input. Err carries the specific
// sentinel (ErrBusy, ErrTitleRequired, ...) when there is one.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ErrValidation.Error()
	}
	reason := e.Reason
	if reason == "" && e.Err != nil {
		reason = e.Err.Error()
	}
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewValidationError(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Err: err}
}
