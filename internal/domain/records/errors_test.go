package records

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindOK},
		{"validation", Invalid("name", "is required"), KindValidation},
		{"duplicate", &DuplicateError{Field: "aadhaar number", Value: "1234", ExistingID: "PT0001"}, KindDuplicate},
		{"not found", NotFound("visit", uuid.New()), KindNotFound},
		{"access denied", fmt.Errorf("retrieve: %w", ErrAccessDenied), KindAccessDenied},
		{"storage", &StorageError{Op: "write", Path: "/tmp/x", Err: errors.New("disk full")}, KindStorage},
		{"partial write", &PartialWriteError{Completed: []string{"audit"}, Failed: "visit", Err: NotFound("visit", uuid.New())}, KindPartialWrite},
		{"wrapped validation", fmt.Errorf("register: %w", Invalid("phone", "is required")), KindValidation},
		{"other", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDuplicateError_CitesExistingID(t *testing.T) {
	err := &DuplicateError{Field: "name and phone", Value: "Asha / 9876543210", ExistingID: "PT0007"}
	if !strings.Contains(err.Error(), "PT0007") {
		t.Errorf("expected message to cite existing id, got %q", err.Error())
	}
}

func TestResultOf(t *testing.T) {
	ok := ResultOf(nil, "saved")
	if !ok.Success || ok.Kind != KindOK || ok.Message != "saved" {
		t.Errorf("unexpected success result: %+v", ok)
	}

	res := ResultOf(Invalid("file", "file type not allowed"), "saved")
	if res.Success {
		t.Error("expected failure")
	}
	if res.Kind != KindValidation {
		t.Errorf("expected validation kind, got %s", res.Kind)
	}
	if res.Message != "file: file type not allowed" {
		t.Errorf("unexpected message %q", res.Message)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"validation", Invalid("name", "is required"), http.StatusBadRequest},
		{"duplicate", &DuplicateError{Field: "aadhaar number", Value: "1234", ExistingID: "PT0001"}, http.StatusConflict},
		{"not found", NotFound("visit", uuid.New()), http.StatusNotFound},
		{"access denied", ErrAccessDenied, http.StatusForbidden},
		{"partial write", &PartialWriteError{Completed: []string{"visit"}, Failed: "projection", Err: errors.New("down")}, http.StatusMultiStatus},
		{"storage", &StorageError{Op: "write", Path: "/tmp/x", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestConflictError_Is(t *testing.T) {
	err := fmt.Errorf("create: %w", &ConflictError{Constraint: ConstraintAadhaar})
	if !errors.Is(err, ErrConflict) {
		t.Error("expected ConflictError to match ErrConflict")
	}
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Constraint != ConstraintAadhaar {
		t.Errorf("expected aadhaar constraint, got %+v", ce)
	}
}

func TestPartialWriteError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &PartialWriteError{Completed: []string{"audit", "visit"}, Failed: "prescription", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected PartialWriteError to unwrap its cause")
	}
	if !strings.Contains(err.Error(), "audit, visit") {
		t.Errorf("expected completed steps in message, got %q", err.Error())
	}
}

func TestHTTPStatus_Basic(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 200},
		{Invalid("x", "bad"), 400},
		{&DuplicateError{}, 409},
		{NotFound("test", uuid.New()), 404},
		{ErrAccessDenied, 403},
		{&StorageError{Op: "write", Err: errors.New("disk")}, 500},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
