package chat

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/instaplus/internal/messages"
	"github.com/MarcoPoloResearchLab/instaplus/internal/realtime"
	"go.uber.org/zap"
)

var (
	ErrNoActiveConversation = errors.New("chat: no conversation is open")
	errMissingConnection    = errors.New("chat: realtime connection required")
)

// InboxAPI adds the conversation list endpoints to MessageAPI.
type InboxAPI interface {
	MessageAPI
	ListConversations(ctx context.Context) ([]messages.Conversation, error)
	StartConversation(ctx context.Context, userID string) (messages.Conversation, error)
}

// RoomConnection is the part of Connection the inbox drives.
type RoomConnection interface {
	Publisher
	JoinRoom(conversationID string) error
	On(event string, handler Handler) HandlerID
	Off(id HandlerID)
}

type InboxConfig struct {
	SelfID     string
	API        InboxAPI
	Connection RoomConnection
	Limits     Limits
	Logger     *zap.Logger
}

// Inbox is the conversation sidebar plus the open conversation. It joins every
// conversation room so previews stay current for conversations that are not open.
type Inbox struct {
	selfID string
	api    InboxAPI
	conn   RoomConnection
	limits Limits
	logger *zap.Logger

	mu            sync.Mutex
	conversations []messages.Conversation
	active        *Conversation
	handlers      []HandlerID
}

func NewInbox(cfg InboxConfig) (*Inbox, error) {
	if cfg.API == nil {
		return nil, errMissingAPI
	}
	if cfg.Connection == nil {
		return nil, errMissingConnection
	}
	if cfg.SelfID == "" {
		return nil, errMissingIdentity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	inbox := &Inbox{
		selfID: cfg.SelfID,
		api:    cfg.API,
		conn:   cfg.Connection,
		limits: cfg.Limits,
		logger: logger,
	}
	for _, event := range []string{realtime.EventReceiveMessage, realtime.EventMessageEdited, realtime.EventMessageDeleted} {
		inbox.handlers = append(inbox.handlers, cfg.Connection.On(event, inbox.handleRemote))
	}
	return inbox, nil
}

// Load fetches the conversation list and joins every room.
func (i *Inbox) Load(ctx context.Context) error {
	list, err := i.api.ListConversations(ctx)
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.conversations = append([]messages.Conversation(nil), list...)
	sortConversations(i.conversations)
	i.mu.Unlock()
	for _, conversation := range list {
		i.join(conversation.ID)
	}
	return nil
}

// Start opens or creates the conversation with userID and makes it active.
func (i *Inbox) Start(ctx context.Context, userID string) (*Conversation, error) {
	conversation, err := i.api.StartConversation(ctx, userID)
	if err != nil {
		return nil, err
	}
	i.mu.Lock()
	if i.indexLocked(conversation.ID) < 0 {
		i.conversations = append(i.conversations, conversation)
		sortConversations(i.conversations)
	}
	i.mu.Unlock()
	i.join(conversation.ID)
	return i.Open(ctx, conversation.ID)
}

// Open loads a conversation's history and makes it the active pane.
func (i *Inbox) Open(ctx context.Context, conversationID string) (*Conversation, error) {
	conversation, err := NewConversation(ConversationConfig{
		ConversationID: conversationID,
		SelfID:         i.selfID,
		API:            i.api,
		Publisher:      i.conn,
		Limits:         i.limits,
		Logger:         i.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := conversation.Load(ctx); err != nil {
		return nil, err
	}
	i.mu.Lock()
	i.active = conversation
	i.mu.Unlock()
	return conversation, nil
}

func (i *Inbox) Active() *Conversation {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.active
}

// Conversations returns the sidebar list, most recently active first.
func (i *Inbox) Conversations() []messages.Conversation {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]messages.Conversation(nil), i.conversations...)
}

// Send sends text in the active conversation and refreshes its preview.
func (i *Inbox) Send(ctx context.Context, text string) (messages.Message, error) {
	active := i.Active()
	if active == nil {
		return messages.Message{}, ErrNoActiveConversation
	}
	message, err := active.Send(ctx, text)
	if err != nil {
		return messages.Message{}, err
	}
	i.applyPreview(realtime.Frame{Event: realtime.EventReceiveMessage, ConversationID: active.ID(), Message: &message})
	return message, nil
}

// SaveEdit saves an edit in the active conversation.
func (i *Inbox) SaveEdit(ctx context.Context, messageID, text string) (messages.Message, error) {
	active := i.Active()
	if active == nil {
		return messages.Message{}, ErrNoActiveConversation
	}
	message, err := active.SaveEdit(ctx, messageID, text)
	if err != nil {
		return messages.Message{}, err
	}
	i.applyPreview(realtime.Frame{Event: realtime.EventMessageEdited, ConversationID: active.ID(), Message: &message})
	return message, nil
}

// Delete deletes a message in the active conversation.
func (i *Inbox) Delete(ctx context.Context, messageID string) error {
	active := i.Active()
	if active == nil {
		return ErrNoActiveConversation
	}
	if err := active.Delete(ctx, messageID); err != nil {
		return err
	}
	i.applyPreview(realtime.Frame{Event: realtime.EventMessageDeleted, ConversationID: active.ID(), MessageID: messageID})
	return nil
}

// Close unregisters the inbox handlers. The connection itself is left open.
func (i *Inbox) Close() {
	i.mu.Lock()
	handlers := i.handlers
	i.handlers = nil
	i.mu.Unlock()
	for _, id := range handlers {
		i.conn.Off(id)
	}
}

func (i *Inbox) handleRemote(frame realtime.Frame) {
	if active := i.Active(); active != nil {
		active.ApplyRemote(frame)
	}
	i.applyPreview(frame)
}

func (i *Inbox) applyPreview(frame realtime.Frame) {
	i.mu.Lock()
	defer i.mu.Unlock()
	index := i.indexLocked(frame.ConversationID)
	if index < 0 {
		return
	}
	conversation := &i.conversations[index]
	switch frame.Event {
	case realtime.EventReceiveMessage:
		if frame.Message == nil {
			return
		}
		preview := previewOf(*frame.Message)
		if conversation.LastMessage != nil && conversation.LastMessage.CreatedAt.After(preview.CreatedAt) {
			return
		}
		conversation.LastMessage = &preview
		if preview.CreatedAt.After(conversation.UpdatedAt) {
			conversation.UpdatedAt = preview.CreatedAt
		}
		sortConversations(i.conversations)
	case realtime.EventMessageEdited:
		if frame.Message == nil || conversation.LastMessage == nil || conversation.LastMessage.ID != frame.Message.ID {
			return
		}
		conversation.LastMessage.Text = frame.Message.Text
	case realtime.EventMessageDeleted:
		if conversation.LastMessage == nil || conversation.LastMessage.ID != frame.MessageID {
			return
		}
		conversation.LastMessage = nil
		if i.active != nil && i.active.ID() == conversation.ID {
			if last, ok := i.active.Last(); ok {
				preview := previewOf(last)
				conversation.LastMessage = &preview
			}
		}
	}
}

func (i *Inbox) indexLocked(conversationID string) int {
	for index := range i.conversations {
		if i.conversations[index].ID == conversationID {
			return index
		}
	}
	return -1
}

func (i *Inbox) join(conversationID string) {
	if err := i.conn.JoinRoom(conversationID); err != nil {
		i.logger.Warn("join conversation room failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func previewOf(message messages.Message) messages.LastMessage {
	return messages.LastMessage{
		ID:        message.ID,
		Text:      message.Text,
		SenderID:  message.SenderID,
		CreatedAt: message.CreatedAt,
	}
}

func sortConversations(list []messages.Conversation) {
	sort.SliceStable(list, func(a, b int) bool {
		return list[a].UpdatedAt.After(list[b].UpdatedAt)
	})
}
