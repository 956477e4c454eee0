package messages

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
)

const (
	// MaxTextRunes bounds the length of a message.
	MaxTextRunes = 1000
	// MaxTextNewlines bounds the number of line breaks in a message.
	MaxTextNewlines = 10
)

var (
	ErrEmptyText       = errors.New("messages: text is empty")
	ErrTextTooLong     = fmt.Errorf("messages: text exceeds %d characters", MaxTextRunes)
	ErrTooManyNewlines = fmt.Errorf("messages: text exceeds %d line breaks", MaxTextNewlines)
)

// ValidateText enforces the message text bounds.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if utf8.RuneCountInString(text) > MaxTextRunes {
		return ErrTextTooLong
	}
	if strings.Count(text, "\n") > MaxTextNewlines {
		return ErrTooManyNewlines
	}
	return nil
}

// Conversation is a direct-message thread between participants.
type Conversation struct {
	ID                  string        `gorm:"column:conversation_id;primaryKey;size:64;not null" json:"id"`
	PairKey             string        `gorm:"column:pair_key;size:400;not null;uniqueIndex" json:"-"`
	LastMessageID       string        `gorm:"column:last_message_id;size:64" json:"-"`
	LastMessageText     string        `gorm:"column:last_message_text;type:text" json:"-"`
	LastMessageSenderID string        `gorm:"column:last_message_sender_id;size:190" json:"-"`
	LastMessageAtNanos  int64         `gorm:"column:last_message_at_ns" json:"-"`
	CreatedAtNanos      int64         `gorm:"column:created_at_ns;not null" json:"-"`
	UpdatedAtNanos      int64         `gorm:"column:updated_at_ns;not null;index" json:"-"`
	Participants        []Participant `gorm:"foreignKey:ConversationID;references:ID" json:"-"`

	ParticipantIDs []string     `gorm:"-" json:"participants"`
	LastMessage    *LastMessage `gorm:"-" json:"last_message,omitempty"`
	UpdatedAt      time.Time    `gorm:"-" json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// LastMessage is the denormalized preview shown in the conversation list.
type LastMessage struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Participant orders the members of a conversation.
type Participant struct {
	ConversationID string `gorm:"column:conversation_id;primaryKey;size:64;not null"`
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Position       int    `gorm:"column:position;not null"`
}

func (Participant) TableName() string {
	return "conversation_participants"
}

// Message is one entry of a conversation.
type Message struct {
	ID             string         `gorm:"column:message_id;primaryKey;size:64;not null" json:"id"`
	ConversationID string         `gorm:"column:conversation_id;size:64;not null;index" json:"conversation_id"`
	SenderID       string         `gorm:"column:sender_id;size:190;not null" json:"sender_id"`
	Text           string         `gorm:"column:text;type:text;not null" json:"text"`
	Edited         bool           `gorm:"column:edited;not null;default:false" json:"edited"`
	CreatedAtNanos int64          `gorm:"column:created_at_ns;not null;index" json:"-"`
	UpdatedAtNanos int64          `gorm:"column:updated_at_ns;not null" json:"-"`
	DeletedAt      gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
	CreatedAt      time.Time      `gorm:"-" json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}

// Deleted reports whether the message was removed by its sender. Deleted rows
// stay as tombstones so realtime deletes can still be attributed.
func (m Message) Deleted() bool {
	return m.DeletedAt.Valid
}

func (m *Message) hydrate() {
	m.CreatedAt = time.Unix(0, m.CreatedAtNanos).UTC()
}

func (c *Conversation) hydrate() {
	participants := append([]Participant(nil), c.Participants...)
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].Position < participants[j].Position
	})
	c.ParticipantIDs = make([]string, 0, len(participants))
	for _, participant := range participants {
		c.ParticipantIDs = append(c.ParticipantIDs, participant.UserID)
	}
	c.UpdatedAt = time.Unix(0, c.UpdatedAtNanos).UTC()
	c.LastMessage = nil
	if c.LastMessageID != "" {
		c.LastMessage = &LastMessage{
			ID:        c.LastMessageID,
			Text:      c.LastMessageText,
			SenderID:  c.LastMessageSenderID,
			CreatedAt: time.Unix(0, c.LastMessageAtNanos).UTC(),
		}
	}
}

// PairKey derives the uniqueness key of a conversation from its participant ids.
func PairKey(userIDs ...string) string {
	sorted := append([]string(nil), userIDs...)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}
