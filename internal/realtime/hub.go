package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const defaultBufferSize = 32

// Relay forwards locally published frames to other API instances.
type Relay interface {
	Publish(ctx context.Context, envelope Envelope) error
}

// HubConfig configures a Hub.
type HubConfig struct {
	InstanceID string
	Relay      Relay
	BufferSize int
	Logger     *zap.Logger
}

// Hub fans frames out to the subscribers of a conversation room.
type Hub struct {
	mu          sync.RWMutex
	rooms       map[string]map[int64]*Subscriber
	subscribers map[int64]*Subscriber
	nextID      int64
	bufferSize  int
	instanceID  string
	relay       Relay
	logger      *zap.Logger
}

// Subscriber is one connection's delivery queue plus its room memberships.
type Subscriber struct {
	id     int64
	userID string
	frames chan Frame
	rooms  map[string]struct{}
	closed bool
}

func (s *Subscriber) ID() int64 {
	return s.id
}

func (s *Subscriber) UserID() string {
	return s.userID
}

// Frames yields frames addressed to this subscriber until it is unsubscribed.
func (s *Subscriber) Frames() <-chan Frame {
	return s.frames
}

func NewHub(cfg HubConfig) *Hub {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:       make(map[string]map[int64]*Subscriber),
		subscribers: make(map[int64]*Subscriber),
		bufferSize:  bufferSize,
		instanceID:  cfg.InstanceID,
		relay:       cfg.Relay,
		logger:      logger,
	}
}

// InstanceID identifies this process on the relay channel.
func (h *Hub) InstanceID() string {
	return h.instanceID
}

// Subscribe registers a connection; it is removed when ctx ends or Unsubscribe is called.
func (h *Hub) Subscribe(ctx context.Context, userID string) *Subscriber {
	h.mu.Lock()
	h.nextID++
	subscriber := &Subscriber{
		id:     h.nextID,
		userID: userID,
		frames: make(chan Frame, h.bufferSize),
		rooms:  make(map[string]struct{}),
	}
	h.subscribers[subscriber.id] = subscriber
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.Unsubscribe(subscriber)
	}()
	return subscriber
}

// Unsubscribe leaves every room and closes the delivery queue. It is safe to call twice.
func (h *Hub) Unsubscribe(subscriber *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subscriber.closed {
		return
	}
	for room := range subscriber.rooms {
		h.removeFromRoomLocked(room, subscriber.id)
	}
	subscriber.rooms = nil
	subscriber.closed = true
	delete(h.subscribers, subscriber.id)
	close(subscriber.frames)
}

// Join adds the subscriber to a room. Membership is additive.
func (h *Hub) Join(subscriber *Subscriber, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subscriber.closed {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[int64]*Subscriber)
		h.rooms[room] = members
	}
	members[subscriber.id] = subscriber
	subscriber.rooms[room] = struct{}{}
}

// Leave removes the subscriber from a room if present.
func (h *Hub) Leave(subscriber *Subscriber, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subscriber.closed {
		return
	}
	delete(subscriber.rooms, room)
	h.removeFromRoomLocked(room, subscriber.id)
}

// InRoom reports whether the subscriber has joined the room.
func (h *Hub) InRoom(subscriber *Subscriber, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := subscriber.rooms[room]
	return ok
}

// RoomSize reports the number of local subscribers in a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Publish delivers the frame to every other local room member and hands it to the relay.
// It returns the number of local subscribers that accepted the frame.
func (h *Hub) Publish(ctx context.Context, room string, from *Subscriber, frame Frame) int {
	var excluded int64
	if from != nil {
		excluded = from.id
	}
	delivered := h.deliverLocal(room, excluded, frame)
	if h.relay != nil {
		envelope := Envelope{InstanceID: h.instanceID, Room: room, Frame: frame}
		if err := h.relay.Publish(ctx, envelope); err != nil {
			h.logger.Warn("realtime relay publish failed", zap.String("room", room), zap.Error(err))
		}
	}
	return delivered
}

// DeliverRemote hands a relayed envelope from another instance to local subscribers.
func (h *Hub) DeliverRemote(envelope Envelope) {
	if envelope.InstanceID == h.instanceID {
		return
	}
	h.deliverLocal(envelope.Room, 0, envelope.Frame)
}

// Reply queues a frame for a single subscriber.
func (h *Hub) Reply(subscriber *Subscriber, frame Frame) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if subscriber.closed {
		return false
	}
	return h.offer(subscriber, frame)
}

func (h *Hub) deliverLocal(room string, excluded int64, frame Frame) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for id, subscriber := range h.rooms[room] {
		if id == excluded {
			continue
		}
		if h.offer(subscriber, frame) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) offer(subscriber *Subscriber, frame Frame) bool {
	select {
	case subscriber.frames <- frame:
		return true
	default:
		h.logger.Debug("realtime subscriber queue full", zap.Int64("subscriber_id", subscriber.id), zap.String("event", frame.Event))
		return false
	}
}

func (h *Hub) removeFromRoomLocked(room string, subscriberID int64) {
	members := h.rooms[room]
	if members == nil {
		return
	}
	delete(members, subscriberID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}
