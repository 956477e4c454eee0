package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/instaplus/internal/messages"
	"github.com/MarcoPoloResearchLab/instaplus/internal/serviceerr"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 64 * 1024
	closeGraceWait = time.Second
)

var errAuthorizationUnavailable = errors.New("realtime: authorization unavailable")

// Authorizer decides whether a user may join a conversation room and which
// stored message a mutation frame refers to.
type Authorizer interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	// LookupMessage returns the stored message, deleted ones included, or an
	// error wrapping serviceerr.ErrNotFound.
	LookupMessage(ctx context.Context, messageID string) (messages.Message, error)
}

// Session pumps frames between one WebSocket connection and the hub.
type Session struct {
	hub        *Hub
	conn       *websocket.Conn
	userID     string
	authorizer Authorizer
	logger     *zap.Logger
}

func NewSession(hub *Hub, conn *websocket.Conn, userID string, authorizer Authorizer, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		hub:        hub,
		conn:       conn,
		userID:     userID,
		authorizer: authorizer,
		logger:     logger.With(zap.String("user_id", userID)),
	}
}

// Serve runs until the client disconnects or ctx ends. It closes the connection.
func (s *Session) Serve(ctx context.Context) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	subscriber := s.hub.Subscribe(sessionCtx, s.userID)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(sessionCtx, subscriber)
	}()

	s.readLoop(sessionCtx, subscriber)
	s.hub.Unsubscribe(subscriber)
	cancel()
	<-writerDone
	_ = s.conn.Close()
}

func (s *Session) readLoop(ctx context.Context, subscriber *Subscriber) {
	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("realtime connection closed", zap.Error(err))
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.hub.Reply(subscriber, Frame{Event: EventError, Error: "malformed frame"})
			continue
		}
		if err := s.handle(ctx, subscriber, frame); err != nil {
			s.hub.Reply(subscriber, ErrorFrame(frame.ConversationID, err))
		}
	}
}

func (s *Session) handle(ctx context.Context, subscriber *Subscriber, frame Frame) error {
	room := strings.TrimSpace(frame.ConversationID)
	switch frame.Event {
	case EventJoinConversation:
		if room == "" {
			return ErrMissingConversation
		}
		member, err := s.authorizer.IsParticipant(ctx, room, s.userID)
		if err != nil {
			s.logger.Warn("realtime join authorization failed", zap.String("conversation_id", room), zap.Error(err))
			return errAuthorizationUnavailable
		}
		if !member {
			return ErrNotParticipant
		}
		s.hub.Join(subscriber, room)
		return nil
	case EventLeaveConversation:
		if room == "" {
			return ErrMissingConversation
		}
		s.hub.Leave(subscriber, room)
		return nil
	case EventSendMessage, EventEditMessage, EventDeleteMessage:
		broadcast, err := BroadcastFrame(frame)
		if err != nil {
			return err
		}
		if !s.hub.InRoom(subscriber, broadcast.ConversationID) {
			return ErrNotJoined
		}
		broadcast, err = s.verify(ctx, frame.Event, broadcast)
		if err != nil {
			return err
		}
		s.hub.Publish(ctx, broadcast.ConversationID, subscriber, broadcast)
		return nil
	default:
		return ErrUnknownEvent
	}
}

// verify checks a mutation against the stored message and replaces the
// client's copy with the stored row. Only the sender may broadcast a message,
// its edit or its deletion.
func (s *Session) verify(ctx context.Context, event string, broadcast Frame) (Frame, error) {
	stored, err := s.authorizer.LookupMessage(ctx, broadcast.MessageID)
	switch {
	case errors.Is(err, serviceerr.ErrNotFound):
		return Frame{}, ErrUnknownMessage
	case err != nil:
		s.logger.Warn("realtime message lookup failed", zap.String("message_id", broadcast.MessageID), zap.Error(err))
		return Frame{}, errAuthorizationUnavailable
	}
	if stored.ConversationID != broadcast.ConversationID {
		return Frame{}, ErrConversationMismatch
	}
	if stored.SenderID != s.userID {
		return Frame{}, ErrSenderMismatch
	}
	if event == EventDeleteMessage {
		return broadcast, nil
	}
	if stored.Deleted() {
		return Frame{}, ErrUnknownMessage
	}
	broadcast.Message = &stored
	return broadcast, nil
}

func (s *Session) writeLoop(ctx context.Context, subscriber *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-subscriber.Frames():
			if !ok {
				s.writeClose()
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.logger.Debug("realtime write failed", zap.Error(err))
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.conn.Close()
				return
			}
		case <-ctx.Done():
			s.writeClose()
			return
		}
	}
}

func (s *Session) writeClose() {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeGraceWait))
}
