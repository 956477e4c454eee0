package ids

import (
	"testing"

	"github.com/google/uuid"
)

func TestUUIDProviderIssuesVersion7(t *testing.T) {
	id, err := NewUUIDProvider().NewID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("expected a uuid, got %q", id)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
}

func TestSequenceIsDeterministic(t *testing.T) {
	sequence := &Sequence{Prefix: "post-"}
	first, _ := sequence.NewID()
	second, _ := sequence.NewID()
	if first != "post-1" || second != "post-2" {
		t.Fatalf("unexpected ids %q %q", first, second)
	}
}
