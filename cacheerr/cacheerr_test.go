package cacheerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestSentinelMatching(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"not found", NotFound("widget:w1"), ErrNotFound},
		{"validation", Invalid("handler", "must not be nil"), ErrValidation},
		{"remote", &RemoteUnavailableError{Op: "read", Err: context.DeadlineExceeded}, ErrRemoteUnavailable},
		{"storage", &StorageUnavailableError{Op: "open"}, ErrStorageUnavailable},
	}
	for _, tt := range tests {
		wrapped := fmt.Errorf("outer: %w", tt.err)
		if !errors.Is(wrapped, tt.target) {
			t.Errorf("%s: errors.Is(%v, %v) = false", tt.name, wrapped, tt.target)
		}
		if !IsClassified(wrapped) {
			t.Errorf("%s: expected classified", tt.name)
		}
	}
}

func TestRemoteUnwrapsCause(t *testing.T) {
	err := &RemoteUnavailableError{Op: "query", Err: context.DeadlineExceeded}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected cause to be reachable")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&RemoteUnavailableError{Op: "read"}) {
		t.Fatal("remote failures should be retryable")
	}
	if IsRetryable(NotFound("x:y")) {
		t.Fatal("not found must not be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatal("unclassified errors must not be retryable")
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Field: "key", Reason: "empty id", Err: errors.New("boom")}
	want := "cache: invalid key: empty id: boom"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}
