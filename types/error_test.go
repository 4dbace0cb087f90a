package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrStorageError, "insert failed").
		WithCause(root).
		WithHTTPStatus(503).
		WithRetryable(true)

	if err.Code != ErrStorageError || err.HTTPStatus != 503 {
		t.Fatalf("unexpected code/status %s/%d", err.Code, err.HTTPStatus)
	}
	if !err.Retryable {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got != "[STORAGE_ERROR] insert failed: root" {
		t.Fatalf("unexpected error string %q", got)
	}
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("history: %w", NewError(ErrNotFound, "thread not found"))
	var e *Error
	if !errors.As(wrapped, &e) || e.Code != ErrNotFound {
		t.Fatalf("expected code lookup through wrapping")
	}
	if e.Retryable {
		t.Fatalf("not-found must not be retryable")
	}
}
