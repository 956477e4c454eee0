package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/instaplus/internal/messages"
	"github.com/MarcoPoloResearchLab/instaplus/internal/realtime"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeAPI struct {
	mu            sync.Mutex
	conversations []messages.Conversation
	history       map[string][]messages.Message
	nextID        int
	now           time.Time
	sent          []string
	edits         []string
	deletes       []string
	deleteErr     error
	editGate      chan struct{}
	editStarted   chan struct{}
	started       []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{history: make(map[string][]messages.Message), now: time.Unix(1700000000, 0).UTC()}
}

func (f *fakeAPI) ListConversations(context.Context) ([]messages.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]messages.Conversation(nil), f.conversations...), nil
}

func (f *fakeAPI) StartConversation(_ context.Context, userID string) (messages.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, userID)
	return messages.Conversation{ID: "conv-" + userID, ParticipantIDs: []string{"alice", userID}, UpdatedAt: f.now}, nil
}

func (f *fakeAPI) ListMessages(_ context.Context, conversationID string) ([]messages.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]messages.Message(nil), f.history[conversationID]...), nil
}

func (f *fakeAPI) SendMessage(_ context.Context, conversationID, text string) (messages.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.now = f.now.Add(time.Second)
	f.sent = append(f.sent, text)
	return messages.Message{
		ID:             fmt.Sprintf("sent-%d", f.nextID),
		ConversationID: conversationID,
		SenderID:       "alice",
		Text:           text,
		CreatedAt:      f.now,
	}, nil
}

func (f *fakeAPI) EditMessage(_ context.Context, messageID, text string) (messages.Message, error) {
	f.mu.Lock()
	gate, started := f.editGate, f.editStarted
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, messageID)
	return messages.Message{ID: messageID, ConversationID: "conv-1", SenderID: "alice", Text: text}, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, messageID)
	return f.deleteErr
}

type recordingPublisher struct {
	mu     sync.Mutex
	frames []realtime.Frame
	err    error
}

func (p *recordingPublisher) Publish(frame realtime.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
	return p.err
}

func (p *recordingPublisher) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.frames))
	for _, frame := range p.frames {
		out = append(out, frame.Event)
	}
	return out
}

func newTestConversation(t *testing.T, api *fakeAPI, publisher Publisher, logger *zap.Logger) *Conversation {
	t.Helper()
	conversation, err := NewConversation(ConversationConfig{
		ConversationID: "conv-1",
		SelfID:         "alice",
		API:            api,
		Publisher:      publisher,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("new conversation: %v", err)
	}
	if err := conversation.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return conversation
}

func TestConversationSendAppendsAndPublishes(t *testing.T) {
	api := newFakeAPI()
	api.history["conv-1"] = []messages.Message{{ID: "m1", ConversationID: "conv-1", SenderID: "bob", Text: "hey"}}
	publisher := &recordingPublisher{}
	conversation := newTestConversation(t, api, publisher, nil)
	conversation.ShouldScroll()

	sent, err := conversation.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	equalIDs(t, conversation.Messages(), "m1", sent.ID)
	if conversation.State(sent.ID) != StateSent {
		t.Fatalf("expected sent state, got %s", conversation.State(sent.ID))
	}
	if events := publisher.events(); len(events) != 1 || events[0] != realtime.EventSendMessage {
		t.Fatalf("expected one sendMessage publish, got %v", events)
	}
	if !conversation.ShouldScroll() {
		t.Fatalf("own send should scroll")
	}

	conversation.ApplyRemote(received(sent))
	equalIDs(t, conversation.Messages(), "m1", sent.ID)
	if conversation.Sending() != 0 {
		t.Fatalf("expected no pending sends")
	}
}

func TestConversationSendRejectsInvalidTextWithoutDispatch(t *testing.T) {
	api := newFakeAPI()
	publisher := &recordingPublisher{}
	conversation := newTestConversation(t, api, publisher, nil)

	for _, text := range []string{"   ", strings.Repeat("x", 1001), strings.Repeat("\n", 11) + "x"} {
		_, err := conversation.Send(context.Background(), text)
		var validationErr *ValidationError
		if !errors.As(err, &validationErr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	}
	if len(api.sent) != 0 || len(publisher.events()) != 0 {
		t.Fatalf("invalid text must not be dispatched")
	}
}

func TestConversationEditFlow(t *testing.T) {
	api := newFakeAPI()
	api.history["conv-1"] = []messages.Message{
		{ID: "mine", ConversationID: "conv-1", SenderID: "alice", Text: "tpyo"},
		{ID: "theirs", ConversationID: "conv-1", SenderID: "bob", Text: "hi"},
	}
	publisher := &recordingPublisher{}
	conversation := newTestConversation(t, api, publisher, nil)
	conversation.ShouldScroll()

	if err := conversation.BeginEdit("theirs"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := conversation.SaveEdit(context.Background(), "mine", "typo"); !errors.Is(err, ErrNotEditing) {
		t.Fatalf("expected ErrNotEditing, got %v", err)
	}
	if err := conversation.BeginEdit("mine"); err != nil {
		t.Fatalf("begin edit: %v", err)
	}
	if err := conversation.BeginEdit("mine"); !errors.Is(err, ErrEditPending) {
		t.Fatalf("expected ErrEditPending, got %v", err)
	}

	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	api.mu.Lock()
	api.editGate = gate
	api.editStarted = started
	api.mu.Unlock()

	result := make(chan error, 1)
	go func() {
		_, err := conversation.SaveEdit(context.Background(), "mine", "typo")
		result <- err
	}()

	<-started
	if _, err := conversation.SaveEdit(context.Background(), "mine", "again"); !errors.Is(err, ErrEditPending) {
		t.Fatalf("second save should be rejected while the first is pending, got %v", err)
	}
	close(gate)
	if err := <-result; err != nil {
		t.Fatalf("save edit: %v", err)
	}

	list := conversation.Messages()
	if list[0].Text != "typo" || !list[0].Edited {
		t.Fatalf("expected edited message, got %+v", list[0])
	}
	if conversation.State("mine") != StateSent {
		t.Fatalf("expected sent state after save, got %s", conversation.State("mine"))
	}
	if len(api.edits) != 1 {
		t.Fatalf("expected exactly one upstream edit, got %v", api.edits)
	}
	if events := publisher.events(); len(events) != 1 || events[0] != realtime.EventEditMessage {
		t.Fatalf("expected editMessage publish, got %v", events)
	}
	if conversation.ShouldScroll() {
		t.Fatalf("edit must not scroll")
	}
}

func TestConversationCancelEdit(t *testing.T) {
	api := newFakeAPI()
	api.history["conv-1"] = []messages.Message{{ID: "mine", ConversationID: "conv-1", SenderID: "alice", Text: "a"}}
	conversation := newTestConversation(t, api, nil, nil)

	if err := conversation.BeginEdit("mine"); err != nil {
		t.Fatalf("begin edit: %v", err)
	}
	conversation.CancelEdit("mine")
	if conversation.State("mine") != StateSent {
		t.Fatalf("cancel should return to sent, got %s", conversation.State("mine"))
	}
	if err := conversation.BeginEdit("mine"); err != nil {
		t.Fatalf("edit after cancel: %v", err)
	}
}

func TestConversationDeleteKeepsRemovalOnUpstreamFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	api := newFakeAPI()
	api.deleteErr = errors.New("boom")
	api.history["conv-1"] = []messages.Message{
		{ID: "m1", ConversationID: "conv-1", SenderID: "alice", Text: "a"},
		{ID: "m2", ConversationID: "conv-1", SenderID: "bob", Text: "b"},
	}
	publisher := &recordingPublisher{}
	conversation := newTestConversation(t, api, publisher, zap.New(core))
	conversation.ShouldScroll()

	if err := conversation.Delete(context.Background(), "m2"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := conversation.Delete(context.Background(), "m1"); err != nil {
		t.Fatalf("delete should not surface upstream failure: %v", err)
	}
	equalIDs(t, conversation.Messages(), "m2")
	if conversation.State("m1") != StateDeleted {
		t.Fatalf("expected deleted state, got %s", conversation.State("m1"))
	}
	if logs.FilterMessage("message delete failed upstream").Len() != 1 {
		t.Fatalf("expected upstream failure to be logged")
	}
	if events := publisher.events(); len(events) != 1 || events[0] != realtime.EventDeleteMessage {
		t.Fatalf("expected deleteMessage publish, got %v", events)
	}
	if conversation.ShouldScroll() {
		t.Fatalf("delete must not scroll")
	}
	if err := conversation.BeginEdit("m1"); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("deleted message is terminal, got %v", err)
	}
}

func TestConversationLogsPublishFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	api := newFakeAPI()
	conversation := newTestConversation(t, api, &recordingPublisher{err: ErrNotConnected}, zap.New(core))

	if _, err := conversation.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("send should succeed without realtime: %v", err)
	}
	if logs.FilterMessage("realtime publish failed").Len() != 1 {
		t.Fatalf("expected publish failure to be logged")
	}
}

func TestConversationApplyRemoteIgnoresOtherConversations(t *testing.T) {
	conversation := newTestConversation(t, newFakeAPI(), nil, nil)
	other := messages.Message{ID: "x", ConversationID: "conv-2", SenderID: "bob"}
	if conversation.ApplyRemote(realtime.Frame{Event: realtime.EventReceiveMessage, ConversationID: "conv-2", Message: &other}) {
		t.Fatalf("frame for another conversation must be ignored")
	}
	if len(conversation.Messages()) != 0 {
		t.Fatalf("expected empty list")
	}
}

func TestConversationScrollsForArrivalAfterEdit(t *testing.T) {
	api := newFakeAPI()
	api.history["conv-1"] = []messages.Message{{ID: "mine", ConversationID: "conv-1", SenderID: "alice", Text: "a"}}
	conversation := newTestConversation(t, api, nil, nil)
	conversation.ShouldScroll()

	if err := conversation.BeginEdit("mine"); err != nil {
		t.Fatalf("begin edit: %v", err)
	}
	if _, err := conversation.SaveEdit(context.Background(), "mine", "b"); err != nil {
		t.Fatalf("save edit: %v", err)
	}
	conversation.ApplyRemote(edited(messages.Message{ID: "mine", ConversationID: "conv-1", SenderID: "alice", Text: "b", Edited: true}))
	conversation.ApplyRemote(received(messages.Message{ID: "r1", ConversationID: "conv-1", SenderID: "bob", Text: "reply"}))
	if !conversation.ShouldScroll() {
		t.Fatalf("a message received after an edit should scroll")
	}

	conversation.ApplyRemote(received(messages.Message{ID: "r2", ConversationID: "conv-1", SenderID: "bob", Text: "again"}))
	conversation.ApplyRemote(deleted("r1"))
	if !conversation.ShouldScroll() {
		t.Fatalf("a message received before a remote delete should scroll")
	}
	if conversation.ShouldScroll() {
		t.Fatalf("scroll must be reported once")
	}
}

func TestConversationRemoteDeleteResolvesEmbeddedMessage(t *testing.T) {
	api := newFakeAPI()
	api.history["conv-1"] = []messages.Message{
		{ID: "m1", ConversationID: "conv-1", SenderID: "bob", Text: "a"},
		{ID: "m2", ConversationID: "conv-1", SenderID: "bob", Text: "b"},
	}
	conversation := newTestConversation(t, api, nil, nil)

	removed := messages.Message{ID: "m1", ConversationID: "conv-1", SenderID: "bob"}
	if !conversation.ApplyRemote(realtime.Frame{Event: realtime.EventMessageDeleted, ConversationID: "conv-1", Message: &removed}) {
		t.Fatalf("expected frame to apply")
	}
	equalIDs(t, conversation.Messages(), "m2")
	if conversation.State("m1") != StateDeleted {
		t.Fatalf("expected m1 deleted, got %s", conversation.State("m1"))
	}
	if conversation.State("") != StateAbsent {
		t.Fatalf("expected no state recorded for an empty id, got %s", conversation.State(""))
	}
}

type fakeRoomConnection struct {
	recordingPublisher
	mu       sync.Mutex
	joined   []string
	handlers map[HandlerID]struct {
		event   string
		handler Handler
	}
	nextID HandlerID
}

func newFakeRoomConnection() *fakeRoomConnection {
	return &fakeRoomConnection{handlers: make(map[HandlerID]struct {
		event   string
		handler Handler
	})}
}

func (c *fakeRoomConnection) JoinRoom(conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = append(c.joined, conversationID)
	return nil
}

func (c *fakeRoomConnection) On(event string, handler Handler) HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.handlers[c.nextID] = struct {
		event   string
		handler Handler
	}{event: event, handler: handler}
	return c.nextID
}

func (c *fakeRoomConnection) Off(id HandlerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, id)
}

func (c *fakeRoomConnection) emit(frame realtime.Frame) {
	c.mu.Lock()
	var matched []Handler
	for id := HandlerID(1); id <= c.nextID; id++ {
		if registration, ok := c.handlers[id]; ok && registration.event == frame.Event {
			matched = append(matched, registration.handler)
		}
	}
	c.mu.Unlock()
	for _, handler := range matched {
		handler(frame)
	}
}

func TestInboxPreviewsAndActiveConversation(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	api := newFakeAPI()
	api.conversations = []messages.Conversation{
		{ID: "conv-1", UpdatedAt: base.Add(2 * time.Second), LastMessage: &messages.LastMessage{ID: "m1", Text: "first", CreatedAt: base.Add(2 * time.Second)}},
		{ID: "conv-2", UpdatedAt: base.Add(time.Second), LastMessage: &messages.LastMessage{ID: "m9", Text: "old", CreatedAt: base.Add(time.Second)}},
	}
	api.history["conv-1"] = []messages.Message{{ID: "m1", ConversationID: "conv-1", SenderID: "bob", Text: "first", CreatedAt: base.Add(2 * time.Second)}}
	conn := newFakeRoomConnection()

	inbox, err := NewInbox(InboxConfig{SelfID: "alice", API: api, Connection: conn})
	if err != nil {
		t.Fatalf("new inbox: %v", err)
	}
	defer inbox.Close()
	if err := inbox.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(conn.joined) != 2 {
		t.Fatalf("expected every room joined, got %v", conn.joined)
	}
	active, err := inbox.Open(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	incoming := messages.Message{ID: "m10", ConversationID: "conv-2", SenderID: "carol", Text: "news", CreatedAt: base.Add(5 * time.Second)}
	conn.emit(received(incoming))

	list := inbox.Conversations()
	if list[0].ID != "conv-2" || list[0].LastMessage.Text != "news" {
		t.Fatalf("expected conv-2 promoted with new preview, got %+v", list[0])
	}
	equalIDs(t, active.Messages(), "m1")

	edit := incoming
	edit.Text = "news!"
	conn.emit(edited(edit))
	if got := inbox.Conversations()[0].LastMessage.Text; got != "news!" {
		t.Fatalf("expected edited preview, got %q", got)
	}

	conn.emit(realtime.Frame{Event: realtime.EventMessageDeleted, ConversationID: "conv-2", MessageID: "m10"})
	if inbox.Conversations()[0].LastMessage != nil {
		t.Fatalf("deleting the last message of a closed conversation clears its preview")
	}

	reply := messages.Message{ID: "m2", ConversationID: "conv-1", SenderID: "bob", Text: "again", CreatedAt: base.Add(6 * time.Second)}
	conn.emit(received(reply))
	equalIDs(t, active.Messages(), "m1", "m2")

	conn.emit(realtime.Frame{Event: realtime.EventMessageDeleted, ConversationID: "conv-1", MessageID: "m2"})
	preview := inbox.Conversations()[0].LastMessage
	if preview == nil || preview.ID != "m1" {
		t.Fatalf("expected preview to fall back to the previous message, got %+v", preview)
	}
}

func TestInboxSendUpdatesPreview(t *testing.T) {
	api := newFakeAPI()
	api.conversations = []messages.Conversation{{ID: "conv-1"}}
	conn := newFakeRoomConnection()
	inbox, err := NewInbox(InboxConfig{SelfID: "alice", API: api, Connection: conn})
	if err != nil {
		t.Fatalf("new inbox: %v", err)
	}
	if _, err := inbox.Send(context.Background(), "hi"); !errors.Is(err, ErrNoActiveConversation) {
		t.Fatalf("expected ErrNoActiveConversation, got %v", err)
	}
	if err := inbox.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := inbox.Open(context.Background(), "conv-1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	sent, err := inbox.Send(context.Background(), "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if preview := inbox.Conversations()[0].LastMessage; preview == nil || preview.ID != sent.ID {
		t.Fatalf("expected preview of the sent message, got %+v", preview)
	}

	conversation, err := inbox.Start(context.Background(), "dave")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if conversation.ID() != "conv-dave" || inbox.Active() != conversation {
		t.Fatalf("expected started conversation to be active")
	}
	if len(inbox.Conversations()) != 2 {
		t.Fatalf("expected started conversation in the list")
	}

	inbox.Close()
	if len(conn.handlers) != 0 {
		t.Fatalf("close should unregister handlers")
	}
}
