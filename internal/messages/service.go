package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/instaplus/internal/ids"
	"github.com/MarcoPoloResearchLab/instaplus/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew         = "messages.service.new"
	opStart              = "messages.start"
	opListConversations  = "messages.list_conversations"
	opListMessages       = "messages.list_messages"
	opSend               = "messages.send"
	opEdit               = "messages.edit"
	opDelete             = "messages.delete"
	opIsParticipant      = "messages.is_participant"
	opLookup             = "messages.lookup"
	serviceErrorText     = "messages service error"
	participantPreloader = "Participants"
)

type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service stores conversations and messages.
type Service struct {
	db         *gorm.DB
	idProvider ids.Provider
	clock      func() time.Time
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opServiceNew, "missing_database", errors.New("database handle is required"))
	}
	if cfg.IDProvider == nil {
		return nil, serviceerr.New(opServiceNew, "missing_id_provider", errors.New("id provider is required"))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Start returns the conversation between the two users, creating it on first use.
func (s *Service) Start(ctx context.Context, userID, otherID string) (Conversation, error) {
	userID, otherID = strings.TrimSpace(userID), strings.TrimSpace(otherID)
	if userID == "" || otherID == "" {
		return Conversation{}, serviceerr.New(opStart, "missing_user_id", serviceerr.ErrInvalidInput)
	}
	if userID == otherID {
		return Conversation{}, serviceerr.New(opStart, "self_conversation", serviceerr.ErrInvalidInput)
	}
	pairKey := PairKey(userID, otherID)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conversationID, err := s.idProvider.NewID()
		if err != nil {
			return serviceerr.New(opStart, "id_generation_failed", err)
		}
		now := s.clock().UTC().UnixNano()
		conversation := Conversation{
			ID:             conversationID,
			PairKey:        pairKey,
			CreatedAtNanos: now,
			UpdatedAtNanos: now,
		}
		created := tx.Omit(participantPreloader).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "pair_key"}}, DoNothing: true}).
			Create(&conversation)
		if created.Error != nil {
			return serviceerr.New(opStart, "insert_failed", created.Error)
		}
		if created.RowsAffected == 0 {
			return nil
		}
		participants := []Participant{
			{ConversationID: conversationID, UserID: userID, Position: 0},
			{ConversationID: conversationID, UserID: otherID, Position: 1},
		}
		if err := tx.Create(&participants).Error; err != nil {
			return serviceerr.New(opStart, "participants_insert_failed", err)
		}
		return nil
	})
	if err != nil {
		serviceerr.Log(s.logger, serviceErrorText, opStart, "transaction_failed", err, zap.String("user_id", userID))
		return Conversation{}, err
	}

	var conversation Conversation
	if err := s.db.WithContext(ctx).
		Preload(participantPreloader).
		Where("pair_key = ?", pairKey).
		Take(&conversation).Error; err != nil {
		serviceerr.Log(s.logger, serviceErrorText, opStart, "reload_failed", err, zap.String("user_id", userID))
		return Conversation{}, serviceerr.New(opStart, "reload_failed", err)
	}
	conversation.hydrate()
	return conversation, nil
}

// ListConversations returns the user's conversations, most recently active first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	var conversations []Conversation
	if err := s.db.WithContext(ctx).
		Preload(participantPreloader).
		Where("conversation_id IN (?)", s.db.Model(&Participant{}).Select("conversation_id").Where("user_id = ?", userID)).
		Order("updated_at_ns DESC").
		Order("conversation_id DESC").
		Find(&conversations).Error; err != nil {
		serviceerr.Log(s.logger, serviceErrorText, opListConversations, "query_failed", err, zap.String("user_id", userID))
		return nil, serviceerr.New(opListConversations, "query_failed", err)
	}
	for index := range conversations {
		conversations[index].hydrate()
	}
	return conversations, nil
}

// IsParticipant reports whether the user belongs to the conversation.
func (s *Service) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error; err != nil {
		serviceerr.Log(s.logger, serviceErrorText, opIsParticipant, "query_failed", err, zap.String("conversation_id", conversationID))
		return false, serviceerr.New(opIsParticipant, "query_failed", err)
	}
	return count > 0, nil
}

// ListMessages returns the conversation's messages in send order.
func (s *Service) ListMessages(ctx context.Context, userID, conversationID string) ([]Message, error) {
	if err := s.requireParticipant(ctx, opListMessages, conversationID, userID); err != nil {
		return nil, err
	}
	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at_ns ASC").
		Order("message_id ASC").
		Find(&messages).Error; err != nil {
		serviceerr.Log(s.logger, serviceErrorText, opListMessages, "query_failed", err, zap.String("conversation_id", conversationID))
		return nil, serviceerr.New(opListMessages, "query_failed", err)
	}
	for index := range messages {
		messages[index].hydrate()
	}
	return messages, nil
}

// Send appends a message and refreshes the conversation preview.
func (s *Service) Send(ctx context.Context, userID, conversationID, text string) (Message, error) {
	if err := ValidateText(text); err != nil {
		return Message{}, serviceerr.New(opSend, "invalid_text", fmt.Errorf("%w: %w", serviceerr.ErrInvalidInput, err))
	}
	if err := s.requireParticipant(ctx, opSend, conversationID, userID); err != nil {
		return Message{}, err
	}
	messageID, err := s.idProvider.NewID()
	if err != nil {
		serviceerr.Log(s.logger, serviceErrorText, opSend, "id_generation_failed", err)
		return Message{}, serviceerr.New(opSend, "id_generation_failed", err)
	}
	now := s.clock().UTC().UnixNano()
	message := Message{
		ID:             messageID,
		ConversationID: conversationID,
		SenderID:       userID,
		Text:           strings.TrimSpace(text),
		CreatedAtNanos: now,
		UpdatedAtNanos: now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&message).Error; err != nil {
			return serviceerr.New(opSend, "insert_failed", err)
		}
		if err := tx.Model(&Conversation{}).
			Where("conversation_id = ?", conversationID).
			Updates(map[string]interface{}{
				"last_message_id":        message.ID,
				"last_message_text":      message.Text,
				"last_message_sender_id": message.SenderID,
				"last_message_at_ns":     message.CreatedAtNanos,
				"updated_at_ns":          now,
			}).Error; err != nil {
			return serviceerr.New(opSend, "snapshot_update_failed", err)
		}
		return nil
	})
	if err != nil {
		serviceerr.Log(s.logger, serviceErrorText, opSend, "transaction_failed", err, zap.String("conversation_id", conversationID))
		return Message{}, err
	}
	message.hydrate()
	return message, nil
}

// Edit replaces the text of the sender's own message and marks it edited.
func (s *Service) Edit(ctx context.Context, userID, messageID, text string) (Message, error) {
	if err := ValidateText(text); err != nil {
		return Message{}, serviceerr.New(opEdit, "invalid_text", fmt.Errorf("%w: %w", serviceerr.ErrInvalidInput, err))
	}
	message, err := s.loadOwnMessage(ctx, opEdit, userID, messageID)
	if err != nil {
		return Message{}, err
	}
	message.Text = strings.TrimSpace(text)
	message.Edited = true
	message.UpdatedAtNanos = s.clock().UTC().UnixNano()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Message{}).
			Where("message_id = ?", message.ID).
			Updates(map[string]interface{}{
				"text":          message.Text,
				"edited":        true,
				"updated_at_ns": message.UpdatedAtNanos,
			}).Error; err != nil {
			return serviceerr.New(opEdit, "update_failed", err)
		}
		if err := tx.Model(&Conversation{}).
			Where("conversation_id = ? AND last_message_id = ?", message.ConversationID, message.ID).
			Update("last_message_text", message.Text).Error; err != nil {
			return serviceerr.New(opEdit, "snapshot_update_failed", err)
		}
		return nil
	})
	if err != nil {
		serviceerr.Log(s.logger, serviceErrorText, opEdit, "transaction_failed", err, zap.String("message_id", messageID))
		return Message{}, err
	}
	message.hydrate()
	return message, nil
}

// Delete removes the sender's own message and rebuilds the preview when needed.
func (s *Service) Delete(ctx context.Context, userID, messageID string) (Message, error) {
	message, err := s.loadOwnMessage(ctx, opDelete, userID, messageID)
	if err != nil {
		return Message{}, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", message.ID).Delete(&Message{}).Error; err != nil {
			return serviceerr.New(opDelete, "delete_failed", err)
		}
		var conversation Conversation
		if err := tx.Where("conversation_id = ?", message.ConversationID).Take(&conversation).Error; err != nil {
			return serviceerr.New(opDelete, "conversation_select_failed", err)
		}
		if conversation.LastMessageID != message.ID {
			return nil
		}
		if err := RebuildSnapshot(tx, message.ConversationID); err != nil {
			return serviceerr.New(opDelete, "snapshot_update_failed", err)
		}
		return nil
	})
	if err != nil {
		serviceerr.Log(s.logger, serviceErrorText, opDelete, "transaction_failed", err, zap.String("message_id", messageID))
		return Message{}, err
	}
	message.hydrate()
	return message, nil
}

// LookupMessage returns a stored message by id, deleted ones included.
func (s *Service) LookupMessage(ctx context.Context, messageID string) (Message, error) {
	var message Message
	err := s.db.WithContext(ctx).Unscoped().Where("message_id = ?", strings.TrimSpace(messageID)).Take(&message).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return Message{}, serviceerr.New(opLookup, "unknown_message", serviceerr.ErrNotFound)
	case err != nil:
		serviceerr.Log(s.logger, serviceErrorText, opLookup, "message_select_failed", err, zap.String("message_id", messageID))
		return Message{}, serviceerr.New(opLookup, "message_select_failed", err)
	}
	message.hydrate()
	return message, nil
}

// RebuildSnapshot points the conversation preview at its newest remaining message.
func RebuildSnapshot(tx *gorm.DB, conversationID string) error {
	updates := map[string]interface{}{
		"last_message_id":        "",
		"last_message_text":      "",
		"last_message_sender_id": "",
		"last_message_at_ns":     int64(0),
	}
	var latest Message
	err := tx.Where("conversation_id = ?", conversationID).
		Order("created_at_ns DESC").
		Order("message_id DESC").
		Take(&latest).Error
	switch {
	case err == nil:
		updates["last_message_id"] = latest.ID
		updates["last_message_text"] = latest.Text
		updates["last_message_sender_id"] = latest.SenderID
		updates["last_message_at_ns"] = latest.CreatedAtNanos
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return err
	}
	return tx.Model(&Conversation{}).Where("conversation_id = ?", conversationID).Updates(updates).Error
}

func (s *Service) requireParticipant(ctx context.Context, operation, conversationID, userID string) error {
	member, err := s.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !member {
		return serviceerr.New(operation, "unknown_conversation", serviceerr.ErrNotFound)
	}
	return nil
}

func (s *Service) loadOwnMessage(ctx context.Context, operation, userID, messageID string) (Message, error) {
	var message Message
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, serviceerr.New(operation, "unknown_message", serviceerr.ErrNotFound)
	}
	if err != nil {
		serviceerr.Log(s.logger, serviceErrorText, operation, "message_select_failed", err, zap.String("message_id", messageID))
		return Message{}, serviceerr.New(operation, "message_select_failed", err)
	}
	if message.SenderID != userID {
		member, err := s.IsParticipant(ctx, message.ConversationID, userID)
		if err != nil {
			return Message{}, err
		}
		if !member {
			return Message{}, serviceerr.New(operation, "unknown_message", serviceerr.ErrNotFound)
		}
		return Message{}, serviceerr.New(operation, "not_sender", serviceerr.ErrForbidden)
	}
	return message, nil
}
