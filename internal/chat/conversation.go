package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/instaplus/internal/messages"
	"github.com/MarcoPoloResearchLab/instaplus/internal/realtime"
	"go.uber.org/zap"
)

var (
	ErrNotOwner        = errors.New("chat: only the sender may change this message")
	ErrUnknownMessage  = errors.New("chat: message not in this conversation")
	ErrEditPending     = errors.New("chat: an edit is already pending for this message")
	ErrNotEditing      = errors.New("chat: message is not being edited")
	errMissingAPI      = errors.New("chat: api required")
	errMissingIdentity = errors.New("chat: conversation and user ids required")
)

// MessageAPI is the REST surface a conversation needs.
type MessageAPI interface {
	ListMessages(ctx context.Context, conversationID string) ([]messages.Message, error)
	SendMessage(ctx context.Context, conversationID, text string) (messages.Message, error)
	EditMessage(ctx context.Context, messageID, text string) (messages.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
}

// Publisher forwards local mutations to the other participants.
type Publisher interface {
	Publish(frame realtime.Frame) error
}

// MessageState is the lifecycle position of one message.
type MessageState int

const (
	StateAbsent MessageState = iota
	StateSending
	StateSent
	StateEditing
	StateDeleted
)

func (s MessageState) String() string {
	switch s {
	case StateSending:
		return "sending"
	case StateSent:
		return "sent"
	case StateEditing:
		return "editing"
	case StateDeleted:
		return "deleted"
	default:
		return "absent"
	}
}

type ConversationConfig struct {
	ConversationID string
	SelfID         string
	API            MessageAPI
	Publisher      Publisher
	Limits         Limits
	Logger         *zap.Logger
}

// Conversation is the open message pane of one conversation.
type Conversation struct {
	id        string
	selfID    string
	api       MessageAPI
	publisher Publisher
	limits    Limits
	logger    *zap.Logger

	mu       sync.Mutex
	messages []messages.Message
	states   map[string]MessageState
	saving   map[string]bool
	sending  int
	scroll   ScrollTracker
}

func NewConversation(cfg ConversationConfig) (*Conversation, error) {
	if cfg.API == nil {
		return nil, errMissingAPI
	}
	if cfg.ConversationID == "" || cfg.SelfID == "" {
		return nil, errMissingIdentity
	}
	limits := cfg.Limits
	if limits == (Limits{}) {
		limits = DefaultLimits
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conversation{
		id:        cfg.ConversationID,
		selfID:    cfg.SelfID,
		api:       cfg.API,
		publisher: cfg.Publisher,
		limits:    limits,
		logger:    logger.With(zap.String("conversation_id", cfg.ConversationID)),
		states:    make(map[string]MessageState),
		saving:    make(map[string]bool),
	}, nil
}

func (c *Conversation) ID() string {
	return c.id
}

// Load replaces the local list with the server history.
func (c *Conversation) Load(ctx context.Context) error {
	history, err := c.api.ListMessages(ctx, c.id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append([]messages.Message(nil), history...)
	c.states = make(map[string]MessageState, len(history))
	for _, message := range history {
		c.states[message.ID] = StateSent
	}
	return nil
}

// Messages returns a copy of the displayed list.
func (c *Conversation) Messages() []messages.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]messages.Message(nil), c.messages...)
}

// State reports the lifecycle state of a message id.
func (c *Conversation) State(messageID string) MessageState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[messageID]
}

// Sending reports how many sends are awaiting the server.
func (c *Conversation) Sending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending
}

// ShouldScroll reports whether the pane should jump to the newest message now.
func (c *Conversation) ShouldScroll() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scroll.Observe(c.id, len(c.messages))
}

// Send validates text, posts it and appends the stored message without waiting for the echo.
func (c *Conversation) Send(ctx context.Context, text string) (messages.Message, error) {
	if err := c.limits.Validate(text); err != nil {
		return messages.Message{}, err
	}
	c.mu.Lock()
	c.sending++
	c.mu.Unlock()

	message, err := c.api.SendMessage(ctx, c.id, text)

	c.mu.Lock()
	c.sending--
	if err != nil {
		c.mu.Unlock()
		return messages.Message{}, err
	}
	if indexOf(c.messages, message.ID) < 0 {
		c.messages = append(c.messages, message)
	}
	c.states[message.ID] = StateSent
	c.mu.Unlock()

	c.publish(realtime.Frame{Event: realtime.EventSendMessage, ConversationID: c.id, Message: &message})
	return message, nil
}

// BeginEdit enters edit mode for one of the caller's own messages.
func (c *Conversation) BeginEdit(messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	message, err := c.ownMessageLocked(messageID)
	if err != nil {
		return err
	}
	switch c.states[message.ID] {
	case StateEditing:
		return ErrEditPending
	case StateSent:
		c.states[message.ID] = StateEditing
		return nil
	default:
		return ErrUnknownMessage
	}
}

// CancelEdit leaves edit mode without saving.
func (c *Conversation) CancelEdit(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.states[messageID] == StateEditing && !c.saving[messageID] {
		c.states[messageID] = StateSent
	}
}

// SaveEdit stores new text for a message in edit mode. Only one save per id runs at a time.
func (c *Conversation) SaveEdit(ctx context.Context, messageID, text string) (messages.Message, error) {
	if err := c.limits.Validate(text); err != nil {
		return messages.Message{}, err
	}
	c.mu.Lock()
	if _, err := c.ownMessageLocked(messageID); err != nil {
		c.mu.Unlock()
		return messages.Message{}, err
	}
	if c.states[messageID] != StateEditing {
		c.mu.Unlock()
		return messages.Message{}, ErrNotEditing
	}
	if c.saving[messageID] {
		c.mu.Unlock()
		return messages.Message{}, ErrEditPending
	}
	c.saving[messageID] = true
	c.mu.Unlock()

	updated, err := c.api.EditMessage(ctx, messageID, text)

	c.mu.Lock()
	delete(c.saving, messageID)
	if err != nil {
		c.mu.Unlock()
		return messages.Message{}, err
	}
	updated.Edited = true
	index := indexOf(c.messages, messageID)
	if index < 0 {
		c.mu.Unlock()
		return updated, nil
	}
	c.messages[index] = updated
	c.states[messageID] = StateSent
	c.mu.Unlock()

	c.publish(realtime.Frame{Event: realtime.EventEditMessage, ConversationID: c.id, Message: &updated})
	return updated, nil
}

// Delete removes one of the caller's messages locally and upstream. An upstream failure
// is logged and the message stays removed.
func (c *Conversation) Delete(ctx context.Context, messageID string) error {
	c.mu.Lock()
	if _, err := c.ownMessageLocked(messageID); err != nil {
		c.mu.Unlock()
		return err
	}
	index := indexOf(c.messages, messageID)
	before := len(c.messages)
	c.messages = append(c.messages[:index:index], c.messages[index+1:]...)
	c.states[messageID] = StateDeleted
	delete(c.saving, messageID)
	c.scroll.Shrink(before, len(c.messages))
	c.mu.Unlock()

	if err := c.api.DeleteMessage(ctx, messageID); err != nil {
		c.logger.Warn("message delete failed upstream", zap.String("message_id", messageID), zap.Error(err))
	}
	c.publish(realtime.Frame{Event: realtime.EventDeleteMessage, ConversationID: c.id, MessageID: messageID})
	return nil
}

// ApplyRemote folds a broadcast frame for this conversation into the list.
func (c *Conversation) ApplyRemote(frame realtime.Frame) bool {
	if frame.ConversationID != c.id {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	next := ApplyRemoteEvent(c.messages, frame)
	switch frame.Event {
	case realtime.EventReceiveMessage:
		if len(next) > len(c.messages) {
			c.states[frame.Message.ID] = StateSent
		}
	case realtime.EventMessageDeleted:
		if len(next) < len(c.messages) {
			id := frameMessageID(frame)
			c.states[id] = StateDeleted
			delete(c.saving, id)
			c.scroll.Shrink(len(c.messages), len(next))
		}
	}
	c.messages = next
	return true
}

// Last returns the newest message, if any.
func (c *Conversation) Last() (messages.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return messages.Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

func (c *Conversation) ownMessageLocked(messageID string) (messages.Message, error) {
	index := indexOf(c.messages, messageID)
	if index < 0 {
		return messages.Message{}, ErrUnknownMessage
	}
	message := c.messages[index]
	if message.SenderID != c.selfID {
		return messages.Message{}, ErrNotOwner
	}
	return message, nil
}

func (c *Conversation) publish(frame realtime.Frame) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(frame); err != nil {
		c.logger.Warn("realtime publish failed", zap.String("event", frame.Event), zap.Error(err))
	}
}
