package records

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrAccessDenied is returned when a resolved attachment path escapes the
// configured attachment root.
var ErrAccessDenied = errors.New("access denied")

// ValidationError reports a rejected input. No write happens before it is
// returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Invalid is shorthand for a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// DuplicateError reports a patient identity conflict. ExistingID is the
// PTnnnn identifier of the patient already holding the identity.
type DuplicateError struct {
	Field      string
	Value      string
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("a patient with %s %q is already registered (Patient ID: %s)", e.Field, e.Value, e.ExistingID)
}

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// NotFound is shorthand for a *NotFoundError.
func NotFound(entity string, id fmt.Stringer) error {
	return &NotFoundError{Entity: entity, ID: id.String()}
}

// StorageError reports a filesystem failure while saving or removing an
// attachment.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// PartialWriteError is returned when a multi-record write sequence failed
// after some of its steps were already persisted. Nothing is rolled back;
// the integrity auditor surfaces the resulting inconsistency.
type PartialWriteError struct {
	Completed []string
	Failed    string
	Err       error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write: %s failed after [%s]: %v", e.Failed, strings.Join(e.Completed, ", "), e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }

// Kind is a stable discriminator for core errors.
type Kind string

const (
	KindOK           Kind = "ok"
	KindValidation   Kind = "validation"
	KindDuplicate    Kind = "duplicate"
	KindNotFound     Kind = "not_found"
	KindAccessDenied Kind = "access_denied"
	KindStorage      Kind = "storage"
	KindPartialWrite Kind = "partial_write"
	KindInternal     Kind = "internal"
)

// KindOf classifies err. A nil error is KindOK.
func KindOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	var (
		ve *ValidationError
		de *DuplicateError
		ne *NotFoundError
		se *StorageError
		pe *PartialWriteError
	)
	switch {
	case errors.As(err, &pe):
		return KindPartialWrite
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &de):
		return KindDuplicate
	case errors.As(err, &ne):
		return KindNotFound
	case errors.Is(err, ErrAccessDenied):
		return KindAccessDenied
	case errors.As(err, &se):
		return KindStorage
	default:
		return KindInternal
	}
}

// Result is the caller-facing outcome of an operation: a stable kind plus a
// human-readable message.
type Result struct {
	Success bool   `json:"success"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// ResultOf builds a Result from err, using okMessage on success.
func ResultOf(err error, okMessage string) Result {
	if err == nil {
		return Result{Success: true, Kind: KindOK, Message: okMessage}
	}
	return Result{Success: false, Kind: KindOf(err), Message: err.Error()}
}

// HTTPStatus maps err to the status code used by the ops API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindOK:
		return http.StatusOK
	case KindValidation:
		return http.StatusBadRequest
	case KindDuplicate:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindAccessDenied:
		return http.StatusForbidden
	case KindPartialWrite:
		// Some steps were persisted and the body says which.
		return http.StatusMultiStatus
	default:
		return http.StatusInternalServerError
	}
}
