package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/instaplus/internal/ids"
	"github.com/MarcoPoloResearchLab/instaplus/internal/serviceerr"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Conversation{}, &Participant{}, &Message{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	current := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: &ids.Sequence{Prefix: "id-"},
		Clock: func() time.Time {
			current = current.Add(time.Second)
			return current
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestStartIsIdempotentPerPair(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	first, err := service.Start(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	second, err := service.Start(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same conversation, got %s and %s", first.ID, second.ID)
	}
	if len(first.ParticipantIDs) != 2 || first.ParticipantIDs[0] != "alice" || first.ParticipantIDs[1] != "bob" {
		t.Fatalf("unexpected participants %v", first.ParticipantIDs)
	}
	if _, err := service.Start(ctx, "alice", "alice"); !errors.Is(err, serviceerr.ErrInvalidInput) {
		t.Fatalf("expected self conversation to be rejected, got %v", err)
	}
}

func TestSendUpdatesSnapshotAndOrdering(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	older, _ := service.Start(ctx, "alice", "bob")
	newer, _ := service.Start(ctx, "alice", "carol")

	if _, err := service.Send(ctx, "bob", older.ID, "hi alice"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	conversations, err := service.ListConversations(ctx, "alice")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(conversations) != 2 || conversations[0].ID != older.ID || conversations[1].ID != newer.ID {
		t.Fatalf("expected the active conversation first, got %+v", conversations)
	}
	if conversations[0].LastMessage == nil || conversations[0].LastMessage.Text != "hi alice" || conversations[0].LastMessage.SenderID != "bob" {
		t.Fatalf("unexpected snapshot %+v", conversations[0].LastMessage)
	}
	if conversations[1].LastMessage != nil {
		t.Fatalf("expected empty snapshot for silent conversation")
	}

	carol, _ := service.ListConversations(ctx, "carol")
	if len(carol) != 1 || carol[0].ID != newer.ID {
		t.Fatalf("expected carol to see only her conversation, got %+v", carol)
	}
}

func TestNonParticipantCannotReadOrSend(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	conversation, _ := service.Start(ctx, "alice", "bob")

	if _, err := service.ListMessages(ctx, "mallory", conversation.ID); !errors.Is(err, serviceerr.ErrNotFound) {
		t.Fatalf("expected not found for outsider read, got %v", err)
	}
	if _, err := service.Send(ctx, "mallory", conversation.ID, "hello"); !errors.Is(err, serviceerr.ErrNotFound) {
		t.Fatalf("expected not found for outsider send, got %v", err)
	}
}

func TestSendValidatesText(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	conversation, _ := service.Start(ctx, "alice", "bob")

	cases := map[string]error{
		"   \n ":                          ErrEmptyText,
		strings.Repeat("x", 1001):         ErrTextTooLong,
		strings.Repeat("line\n", 11) + "": ErrTooManyNewlines,
	}
	for text, expected := range cases {
		_, err := service.Send(ctx, "alice", conversation.ID, text)
		if !errors.Is(err, expected) || !errors.Is(err, serviceerr.ErrInvalidInput) {
			t.Fatalf("expected %v, got %v", expected, err)
		}
	}
	if _, err := service.Send(ctx, "alice", conversation.ID, strings.Repeat("é", 1000)); err != nil {
		t.Fatalf("expected 1000 runes to be accepted, got %v", err)
	}
}

func TestEditIsSenderOnlyAndRefreshesSnapshot(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	conversation, _ := service.Start(ctx, "alice", "bob")
	message, err := service.Send(ctx, "alice", conversation.ID, "helo")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if _, err := service.Edit(ctx, "bob", message.ID, "hacked"); !errors.Is(err, serviceerr.ErrForbidden) {
		t.Fatalf("expected forbidden for non-sender edit, got %v", err)
	}
	if _, err := service.Edit(ctx, "mallory", message.ID, "hacked"); !errors.Is(err, serviceerr.ErrNotFound) {
		t.Fatalf("expected not found for outsider edit, got %v", err)
	}

	edited, err := service.Edit(ctx, "alice", message.ID, "hello")
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if !edited.Edited || edited.Text != "hello" {
		t.Fatalf("unexpected edited message %+v", edited)
	}

	conversations, _ := service.ListConversations(ctx, "bob")
	if conversations[0].LastMessage.Text != "hello" {
		t.Fatalf("expected snapshot to follow the edit, got %q", conversations[0].LastMessage.Text)
	}
}

func TestDeleteRebuildsSnapshot(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	conversation, _ := service.Start(ctx, "alice", "bob")
	first, _ := service.Send(ctx, "bob", conversation.ID, "first")
	second, _ := service.Send(ctx, "alice", conversation.ID, "second")

	if _, err := service.Delete(ctx, "bob", second.ID); !errors.Is(err, serviceerr.ErrForbidden) {
		t.Fatalf("expected forbidden for non-sender delete, got %v", err)
	}
	if _, err := service.Delete(ctx, "alice", second.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	conversations, _ := service.ListConversations(ctx, "alice")
	if conversations[0].LastMessage == nil || conversations[0].LastMessage.ID != first.ID {
		t.Fatalf("expected snapshot to fall back to the previous message, got %+v", conversations[0].LastMessage)
	}

	if _, err := service.Delete(ctx, "bob", first.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	conversations, _ = service.ListConversations(ctx, "alice")
	if conversations[0].LastMessage != nil {
		t.Fatalf("expected empty snapshot after deleting every message")
	}

	remaining, err := service.ListMessages(ctx, "alice", conversation.ID)
	if err != nil || len(remaining) != 0 {
		t.Fatalf("expected no messages, got %v %v", remaining, err)
	}
	if _, err := service.Delete(ctx, "alice", second.ID); !errors.Is(err, serviceerr.ErrNotFound) {
		t.Fatalf("expected deleting twice to report not found, got %v", err)
	}
}

func TestLookupMessageKeepsDeletedSender(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	conversation, _ := service.Start(ctx, "alice", "bob")
	sent, _ := service.Send(ctx, "alice", conversation.ID, "hello")

	found, err := service.LookupMessage(ctx, sent.ID)
	if err != nil || found.SenderID != "alice" || found.ConversationID != conversation.ID || found.Deleted() {
		t.Fatalf("unexpected lookup %+v %v", found, err)
	}
	if _, err := service.Delete(ctx, "alice", sent.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	tombstone, err := service.LookupMessage(ctx, sent.ID)
	if err != nil || !tombstone.Deleted() || tombstone.SenderID != "alice" {
		t.Fatalf("expected a deleted tombstone, got %+v %v", tombstone, err)
	}
	if _, err := service.LookupMessage(ctx, "missing"); !errors.Is(err, serviceerr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestValidateText(t *testing.T) {
	if err := ValidateText(strings.Repeat("a\n", 10) + "a"); err != nil {
		t.Fatalf("expected ten newlines to be accepted, got %v", err)
	}
	if err := ValidateText(""); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected empty text error, got %v", err)
	}
}
