package dberrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestNotLeaderError_Unwrap(t *testing.T) {
	err := fmt.Errorf("execute: %w", &NotLeaderError{LeaderID: 3})

	if !errors.Is(err, ErrNotLeader) {
		t.Fatalf("expected errors.Is(err, ErrNotLeader)")
	}
	id, ok := LeaderOf(err)
	if !ok || id != 3 {
		t.Fatalf("expected leader 3, got %d ok=%v", id, ok)
	}
}

func TestLeaderOf_OtherError(t *testing.T) {
	if _, ok := LeaderOf(ErrApply); ok {
		t.Fatalf("ErrApply must not carry a leader hint")
	}
}

func TestErrNoReply_IsTransport(t *testing.T) {
	if !errors.Is(ErrNoReply, ErrTransport) {
		t.Fatalf("ErrNoReply must be a transport error")
	}
}
