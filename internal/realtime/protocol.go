package realtime

import (
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/instaplus/internal/messages"
)

// Client to server events.
const (
	EventJoinConversation  = "joinConversation"
	EventLeaveConversation = "leaveConversation"
	EventSendMessage       = "sendMessage"
	EventEditMessage       = "editMessage"
	EventDeleteMessage     = "deleteMessage"
)

// Server to client events.
const (
	EventReceiveMessage = "receiveMessage"
	EventMessageEdited  = "messageEdited"
	EventMessageDeleted = "messageDeleted"
	EventError          = "error"
)

var (
	ErrMissingConversation  = errors.New("realtime: conversation_id required")
	ErrMissingMessage       = errors.New("realtime: message required")
	ErrMissingMessageID     = errors.New("realtime: message_id required")
	ErrConversationMismatch = errors.New("realtime: message belongs to another conversation")
	ErrUnknownEvent         = errors.New("realtime: unknown event")
	ErrNotParticipant       = errors.New("realtime: not a participant of this conversation")
	ErrNotJoined            = errors.New("realtime: join the conversation first")
	ErrSenderMismatch       = errors.New("realtime: message sender does not match the connection")
	ErrUnknownMessage       = errors.New("realtime: unknown message")
)

// Frame is the JSON envelope exchanged over the socket in both directions.
type Frame struct {
	Event          string            `json:"event"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Message        *messages.Message `json:"message,omitempty"`
	MessageID      string            `json:"message_id,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// BroadcastEvent maps a client mutation event to the event delivered to other room members.
func BroadcastEvent(event string) (string, bool) {
	switch event {
	case EventSendMessage:
		return EventReceiveMessage, true
	case EventEditMessage:
		return EventMessageEdited, true
	case EventDeleteMessage:
		return EventMessageDeleted, true
	default:
		return "", false
	}
}

// BroadcastFrame validates a client mutation frame and returns the frame to fan out.
func BroadcastFrame(frame Frame) (Frame, error) {
	event, ok := BroadcastEvent(frame.Event)
	if !ok {
		return Frame{}, ErrUnknownEvent
	}
	conversationID := strings.TrimSpace(frame.ConversationID)
	if conversationID == "" {
		return Frame{}, ErrMissingConversation
	}
	out := Frame{Event: event, ConversationID: conversationID}
	if frame.Event == EventDeleteMessage {
		messageID := strings.TrimSpace(frame.MessageID)
		if messageID == "" && frame.Message != nil {
			messageID = frame.Message.ID
		}
		if messageID == "" {
			return Frame{}, ErrMissingMessageID
		}
		out.MessageID = messageID
		return out, nil
	}
	if frame.Message == nil || strings.TrimSpace(frame.Message.ID) == "" {
		return Frame{}, ErrMissingMessage
	}
	message := *frame.Message
	if message.ConversationID == "" {
		message.ConversationID = conversationID
	}
	if message.ConversationID != conversationID {
		return Frame{}, ErrConversationMismatch
	}
	out.Message = &message
	out.MessageID = message.ID
	return out, nil
}

// ErrorFrame builds an error reply.
func ErrorFrame(conversationID string, err error) Frame {
	return Frame{Event: EventError, ConversationID: conversationID, Error: err.Error()}
}
