package chat

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/instaplus/internal/realtime"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const connectionWriteWait = 10 * time.Second

var (
	ErrNotConnected = errors.New("chat: realtime connection not established")
	errMissingURL   = errors.New("chat: realtime url required")
)

// Dialer opens WebSocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Handler receives frames for one event name.
type Handler func(realtime.Frame)

// HandlerID identifies a registration for Off.
type HandlerID uint64

type ConnectionConfig struct {
	URL    string
	Dialer Dialer
	Logger *zap.Logger
}

// Connection is the single shared realtime socket of a client session.
// Room membership is additive and survives reconnects.
type Connection struct {
	url    string
	dialer Dialer
	logger *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	done     chan struct{}
	rooms    map[string]struct{}
	handlers map[string]map[HandlerID]Handler
	nextID   HandlerID
}

func NewConnection(cfg ConnectionConfig) (*Connection, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		url:      cfg.URL,
		dialer:   dialer,
		logger:   logger,
		rooms:    make(map[string]struct{}),
		handlers: make(map[string]map[HandlerID]Handler),
	}, nil
}

// Connect dials the server and rejoins every known room. It is a no-op while connected.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, response, err := c.dialer.DialContext(ctx, c.url, nil)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	done := make(chan struct{})
	c.done = done
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()

	go c.readLoop(conn, done)

	for _, room := range rooms {
		if err := c.write(conn, realtime.Frame{Event: realtime.EventJoinConversation, ConversationID: room}); err != nil {
			c.logger.Warn("rejoin failed", zap.String("conversation_id", room), zap.Error(err))
		}
	}
	return nil
}

// JoinRoom subscribes to a conversation. Joining while disconnected is deferred to Connect.
func (c *Connection) JoinRoom(conversationID string) error {
	c.mu.Lock()
	c.rooms[conversationID] = struct{}{}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.write(conn, realtime.Frame{Event: realtime.EventJoinConversation, ConversationID: conversationID})
}

func (c *Connection) LeaveRoom(conversationID string) error {
	c.mu.Lock()
	delete(c.rooms, conversationID)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.write(conn, realtime.Frame{Event: realtime.EventLeaveConversation, ConversationID: conversationID})
}

// Publish sends a client event frame.
func (c *Connection) Publish(frame realtime.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, frame)
}

// On registers handler for event and returns its id.
func (c *Connection) On(event string, handler Handler) HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[HandlerID]Handler)
	}
	c.handlers[event][c.nextID] = handler
	return c.nextID
}

func (c *Connection) Off(id HandlerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for event, registered := range c.handlers {
		delete(registered, id)
		if len(registered) == 0 {
			delete(c.handlers, event)
		}
	}
}

// Done is closed when the current socket stops reading. It is nil before Connect.
func (c *Connection) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close shuts the socket down. Rooms and handlers are kept for a later Connect.
func (c *Connection) Close() error {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(connectionWriteWait))
	c.writeMu.Unlock()
	err := conn.Close()
	if done != nil {
		<-done
	}
	return err
}

func (c *Connection) write(conn *websocket.Conn, frame realtime.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(connectionWriteWait))
	return conn.WriteJSON(frame)
}

func (c *Connection) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		close(done)
	}()
	for {
		var frame realtime.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Debug("realtime read stopped", zap.Error(err))
			}
			return
		}
		if frame.Event == realtime.EventError {
			c.logger.Warn("realtime server error", zap.String("conversation_id", frame.ConversationID), zap.String("error", frame.Error))
		}
		c.dispatch(frame)
	}
}

func (c *Connection) dispatch(frame realtime.Frame) {
	c.mu.Lock()
	registered := c.handlers[frame.Event]
	ids := make([]HandlerID, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, registered[id])
	}
	c.mu.Unlock()
	for _, handler := range handlers {
		handler(frame)
	}
}
