package httperr

import (
	"errors"
	"testing"
)

func TestDenied(t *testing.T) {
	err := NewDenied(CodeAdminRequired, "admin required")
	if !IsDenied(err) {
		t.Fatalf("expected denied")
	}
	if IsInvalid(err) || IsStorage(err) {
		t.Fatalf("misclassified")
	}
	if Code(err) != CodeAdminRequired {
		t.Fatalf("code=%q", Code(err))
	}
}

func TestInvalid(t *testing.T) {
	err := NewInvalid(CodeRequiredMissing, "field id required")
	if !IsInvalid(err) {
		t.Fatalf("expected invalid")
	}
	if Code(err) != CodeRequiredMissing {
		t.Fatalf("code=%q", Code(err))
	}
}

func TestStorage(t *testing.T) {
	cause := errors.New("conn refused")
	err := NewStorage(cause, false)
	if !IsStorage(err) {
		t.Fatalf("expected storage")
	}
	if Code(err) != CodeStorageUnavailable {
		t.Fatalf("code=%q", Code(err))
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected unwrap to cause")
	}
	if Code(NewStorage(cause, true)) != CodeStorageTimeout {
		t.Fatalf("expected timeout code")
	}
}

func TestCode_Unknown(t *testing.T) {
	if Code(errors.New("boom")) != "internal_error" {
		t.Fatalf("expected internal_error")
	}
	if IsDenied(nil) || IsInvalid(nil) || IsStorage(nil) {
		t.Fatalf("nil misclassified")
	}
}
