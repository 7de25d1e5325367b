package cycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{context.Canceled, 0},
		{fmt.Errorf("run: %w", context.Canceled), 0},
		{NewFailure(Uploading, CodeUpload, false, errors.New("x")), 8},
		{fmt.Errorf("scheduler: %w", NewFailure(Reading, CodeSourceOpen, true, errors.New("x"))), 1},
		{NewFailure(Start, CodeAllocation, true, errors.New("oom")), 98},
		{errors.New("bad flag"), 99},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestFailureMessage(t *testing.T) {
	cause := errors.New("connection refused")
	f := NewFailure(Uploading, CodeUpload, false, cause)
	if got, want := f.Error(), "cycle failed while uploading (exit 8): connection refused"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(f, cause) {
		t.Fatal("Unwrap lost the cause")
	}
	if IsFatal(f) || !IsFatal(NewFailure(Reading, CodeRead, true, cause)) {
		t.Fatal("IsFatal mismatch")
	}
}

func TestStateString(t *testing.T) {
	if ExtractingMetadata.String() != "extracting-metadata" || State(42).String() != "unknown" {
		t.Fatal("unexpected state names")
	}
}
