package chat

import (
	"testing"

	"github.com/MarcoPoloResearchLab/instaplus/internal/messages"
	"github.com/MarcoPoloResearchLab/instaplus/internal/realtime"
)

func message(id, text string) messages.Message {
	return messages.Message{ID: id, ConversationID: "conv-1", SenderID: "alice", Text: text}
}

func received(m messages.Message) realtime.Frame {
	return realtime.Frame{Event: realtime.EventReceiveMessage, ConversationID: m.ConversationID, Message: &m}
}

func edited(m messages.Message) realtime.Frame {
	return realtime.Frame{Event: realtime.EventMessageEdited, ConversationID: m.ConversationID, Message: &m}
}

func deleted(id string) realtime.Frame {
	return realtime.Frame{Event: realtime.EventMessageDeleted, ConversationID: "conv-1", MessageID: id}
}

func ids(list []messages.Message) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.ID)
	}
	return out
}

func equalIDs(t *testing.T, got []messages.Message, want ...string) {
	t.Helper()
	gotIDs := ids(got)
	if len(gotIDs) != len(want) {
		t.Fatalf("expected ids %v, got %v", want, gotIDs)
	}
	for index := range want {
		if gotIDs[index] != want[index] {
			t.Fatalf("expected ids %v, got %v", want, gotIDs)
		}
	}
}

func TestApplyRemoteEventTransitions(t *testing.T) {
	base := []messages.Message{message("m1", "hi"), message("m2", "there")}

	testCases := []struct {
		name  string
		frame realtime.Frame
		want  []string
		text  map[string]string
	}{
		{name: "receive appends", frame: received(message("m3", "new")), want: []string{"m1", "m2", "m3"}},
		{name: "duplicate receive ignored", frame: received(message("m2", "dup")), want: []string{"m1", "m2"}, text: map[string]string{"m2": "there"}},
		{name: "edit replaces", frame: edited(message("m1", "hello")), want: []string{"m1", "m2"}, text: map[string]string{"m1": "hello"}},
		{name: "edit of unknown id ignored", frame: edited(message("m9", "ghost")), want: []string{"m1", "m2"}},
		{name: "delete removes", frame: deleted("m1"), want: []string{"m2"}},
		{name: "delete of unknown id ignored", frame: deleted("m9"), want: []string{"m1", "m2"}},
		{name: "unknown event ignored", frame: realtime.Frame{Event: "typing", ConversationID: "conv-1"}, want: []string{"m1", "m2"}},
		{name: "receive without message ignored", frame: realtime.Frame{Event: realtime.EventReceiveMessage}, want: []string{"m1", "m2"}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got := ApplyRemoteEvent(base, testCase.frame)
			equalIDs(t, got, testCase.want...)
			for id, text := range testCase.text {
				for _, m := range got {
					if m.ID == id && m.Text != text {
						t.Fatalf("expected %s text %q, got %q", id, text, m.Text)
					}
				}
			}
			equalIDs(t, base, "m1", "m2")
			if base[0].Text != "hi" {
				t.Fatalf("input list was modified")
			}
		})
	}
}

func TestApplyRemoteEventIsIdempotent(t *testing.T) {
	list := []messages.Message{message("m1", "hi")}
	frames := []realtime.Frame{received(message("m2", "b")), edited(message("m1", "edited")), deleted("m2")}
	for _, frame := range frames {
		once := ApplyRemoteEvent(list, frame)
		twice := ApplyRemoteEvent(once, frame)
		equalIDs(t, twice, ids(once)...)
		list = once
	}
	equalIDs(t, list, "m1")
	if list[0].Text != "edited" {
		t.Fatalf("expected edited text, got %q", list[0].Text)
	}
}

func TestApplyRemoteEventOutOfOrderEditBeforeCreate(t *testing.T) {
	var list []messages.Message
	list = ApplyRemoteEvent(list, edited(message("m1", "edited")))
	if len(list) != 0 {
		t.Fatalf("edit before create must be a no-op, got %v", ids(list))
	}
	list = ApplyRemoteEvent(list, received(message("m1", "original")))
	equalIDs(t, list, "m1")
	if list[0].Text != "original" {
		t.Fatalf("expected original text, got %q", list[0].Text)
	}
}

func TestApplyRemoteEventDeleteBeforeCreate(t *testing.T) {
	var list []messages.Message
	list = ApplyRemoteEvent(list, deleted("m1"))
	list = ApplyRemoteEvent(list, received(message("m1", "late")))
	equalIDs(t, list, "m1")
}

func TestApplyRemoteEventDeleteFallsBackToMessageID(t *testing.T) {
	list := []messages.Message{message("m1", "hi")}
	m := message("m1", "")
	list = ApplyRemoteEvent(list, realtime.Frame{Event: realtime.EventMessageDeleted, Message: &m})
	if len(list) != 0 {
		t.Fatalf("expected removal through message id, got %v", ids(list))
	}
}
