package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
)

// TestAppErrorFormat verifies code and message rendering.
func TestAppErrorFormat(t *testing.T) {
	err := New(ErrQueueFull, "queue is full")
	want := "[QUEUE_FULL] queue is full"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	cause := stderrors.New("disk full")
	wrapped := Wrap(ErrStorage, "write failed", cause)
	if wrapped.Error() != "[STORAGE_ERROR] write failed: disk full" {
		t.Errorf("unexpected wrapped format: %q", wrapped.Error())
	}
}

// TestUnwrap verifies the cause chain survives wrapping.
func TestUnwrap(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(ErrRemoteUnavailable, "remote store unreachable", cause)

	if !stderrors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}

// TestIsCode verifies code matching through wrapping layers.
func TestIsCode(t *testing.T) {
	err := fmt.Errorf("drain stage: %w", New(ErrRetryExhausted, "retries exhausted"))

	if !Is(err, ErrRetryExhausted) {
		t.Error("expected Is to match code through fmt.Errorf wrapping")
	}

	if Is(err, ErrQueueFull) {
		t.Error("Is matched the wrong code")
	}
}

// TestClassify verifies the retry taxonomy.
func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"remote unavailable", New(ErrRemoteUnavailable, "down"), ClassTransient},
		{"remote timeout", New(ErrRemoteTimeout, "slow"), ClassTransient},
		{"upload failed", New(ErrUploadFailed, "blob store hiccup"), ClassTransient},
		{"validation", New(ErrValidation, "bad payload"), ClassPermanent},
		{"entity missing", New(ErrEntityMissing, "no such inspection"), ClassPermanent},
		{"capacity", New(ErrStorageCapacity, "local store full"), ClassCapacity},
		{"queue full", New(ErrQueueFull, "queue full"), ClassCapacity},
		{"context deadline", context.DeadlineExceeded, ClassTransient},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ClassTransient},
		{"plain error", stderrors.New("boom"), ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestClassifiers verifies the convenience predicates.
func TestClassifiers(t *testing.T) {
	if !IsTransient(New(ErrRemoteUnavailable, "down")) {
		t.Error("expected transient")
	}
	if !IsPermanent(New(ErrValidation, "bad")) {
		t.Error("expected permanent")
	}
	if !IsCapacity(New(ErrQueueFull, "full")) {
		t.Error("expected capacity")
	}
	if IsTransient(nil) || IsPermanent(nil) || IsCapacity(nil) {
		t.Error("nil error must not classify")
	}
}
