package usage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrDuplicate is returned when an event id has already been stored.
	ErrDuplicate = errors.New("duplicate event")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
)

// FieldError describes a single rejected field.
type FieldError struct {
	Field  string `json:"field"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// ValidationError rejects a malformed event. It is never retried.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Detail)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add appends a field failure.
func (e *ValidationError) Add(field, code, detail string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Code: code, Detail: detail})
}

// HasErrors reports whether any field failed.
func (e *ValidationError) HasErrors() bool {
	return len(e.Fields) > 0
}

// TransientStorageError marks a storage failure worth retrying
// (lock contention, busy database, dropped connection).
type TransientStorageError struct {
	Op  string
	Err error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("transient storage error during %s: %v", e.Op, e.Err)
}

func (e *TransientStorageError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientStorageError.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientStorageError{Op: op, Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var t *TransientStorageError
	return errors.As(err, &t)
}

// PoisonEvent records an event whose aggregation exhausted its retries.
type PoisonEvent struct {
	EventID    string
	Event      Event
	Attempts   int
	LastError  string
	RecordedAt time.Time
}

// SubscriberDeliveryError reports a live message that could not be
// written to one subscriber. It is logged and never propagated.
type SubscriberDeliveryError struct {
	SubscriberID uint64
	Err          error
}

func (e *SubscriberDeliveryError) Error() string {
	return fmt.Sprintf("deliver to subscriber %d: %v", e.SubscriberID, e.Err)
}

func (e *SubscriberDeliveryError) Unwrap() error { return e.Err }
