// Package chat is the client side of direct messaging: the realtime connection,
// remote event reconciliation and the per-conversation message state machine.
package chat

import (
	"github.com/MarcoPoloResearchLab/instaplus/internal/messages"
	"github.com/MarcoPoloResearchLab/instaplus/internal/realtime"
)

// ApplyRemoteEvent folds one broadcast frame into a message list and returns the new list.
// The input is never modified. Created frames append when the id is absent, edited frames
// replace when present, deleted frames remove when present. Anything else is a no-op, so
// duplicate or reordered delivery converges.
func ApplyRemoteEvent(list []messages.Message, frame realtime.Frame) []messages.Message {
	switch frame.Event {
	case realtime.EventReceiveMessage:
		if frame.Message == nil || frame.Message.ID == "" || indexOf(list, frame.Message.ID) >= 0 {
			return list
		}
		next := make([]messages.Message, 0, len(list)+1)
		next = append(next, list...)
		return append(next, *frame.Message)
	case realtime.EventMessageEdited:
		if frame.Message == nil {
			return list
		}
		index := indexOf(list, frame.Message.ID)
		if index < 0 {
			return list
		}
		next := append([]messages.Message(nil), list...)
		next[index] = *frame.Message
		return next
	case realtime.EventMessageDeleted:
		index := indexOf(list, frameMessageID(frame))
		if index < 0 {
			return list
		}
		next := make([]messages.Message, 0, len(list)-1)
		next = append(next, list[:index]...)
		return append(next, list[index+1:]...)
	default:
		return list
	}
}

// frameMessageID is the message a frame targets: MessageID when set, else the
// embedded message's id.
func frameMessageID(frame realtime.Frame) string {
	if frame.MessageID != "" {
		return frame.MessageID
	}
	if frame.Message != nil {
		return frame.Message.ID
	}
	return ""
}

func indexOf(list []messages.Message, id string) int {
	if id == "" {
		return -1
	}
	for index := range list {
		if list[index].ID == id {
			return index
		}
	}
	return -1
}
