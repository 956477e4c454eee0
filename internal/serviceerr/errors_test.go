package serviceerr

import (
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestServiceErrorCodeAndUnwrap(t *testing.T) {
	err := New("messages.edit", "not_sender", ErrForbidden)
	if CodeOf(err) != "messages.edit.not_sender" {
		t.Fatalf("unexpected code %q", CodeOf(err))
	}
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected wrapped forbidden sentinel")
	}
	wrapped := fmt.Errorf("handler: %w", err)
	if CodeOf(wrapped) != "messages.edit.not_sender" {
		t.Fatalf("expected code through wrapping, got %q", CodeOf(wrapped))
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty code for plain errors")
	}
}

func TestLogWritesOperationAndReason(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	Log(zap.New(core), "posts service error", "posts.create", "insert_failed", errors.New("boom"), zap.String("author_id", "u1"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != "posts.create" || fields["reason"] != "insert_failed" || fields["author_id"] != "u1" {
		t.Fatalf("unexpected fields %v", fields)
	}
}
