package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rdv-chat/internal/chat"
	"rdv-chat/internal/session"
)

type sentFrame struct {
	conversationID int
	content        string
	messageType    chat.MessageType
}

type fakeTransport struct {
	events chan session.Event

	mu           sync.Mutex
	sendOK       bool
	sent         []sentFrame
	endpoints    []string
	disconnected bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan session.Event, 16), sendOK: true}
}

func (f *fakeTransport) Connect(endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints = append(f.endpoints, endpoint)
}

func (f *fakeTransport) Send(conversationID int, content string, messageType chat.MessageType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sendOK {
		return false
	}
	f.sent = append(f.sent, sentFrame{conversationID, content, messageType})
	return true
}

func (f *fakeTransport) Events() (<-chan session.Event, func()) {
	return f.events, func() {}
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

type readCall struct {
	conversationID int
	userID         int
}

type fakeHistory struct {
	mu       sync.Mutex
	page     []chat.Message
	err      error
	markErr  error
	marks    chan readCall
	requests int
}

func newFakeHistory(page ...chat.Message) *fakeHistory {
	return &fakeHistory{page: page, marks: make(chan readCall, 16)}
}

func (f *fakeHistory) GetMessages(ctx context.Context, conversationID, userID, limit, offset int) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if f.err != nil {
		return nil, f.err
	}
	return append([]chat.Message(nil), f.page...), nil
}

func (f *fakeHistory) MarkAsRead(ctx context.Context, conversationID, userID int) error {
	f.marks <- readCall{conversationID, userID}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markErr
}

func (f *fakeHistory) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func msg(id, conversationID, senderID int, createdAt string) chat.Message {
	return chat.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        "hello",
		MessageType:    chat.MessageTypeText,
		CreatedAt:      createdAt,
	}
}

func newTestCoordinator(t *testing.T, tr *fakeTransport, h *fakeHistory) *Coordinator {
	t.Helper()
	c := New(Config{UserID: 1, ConversationID: 1, Endpoint: "http://chat.local"}, tr, h)
	t.Cleanup(c.Close)
	return c
}

func waitForMessages(t *testing.T, c *Coordinator, n int) []chat.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := c.Messages(); len(msgs) == n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, have %d", n, len(c.Messages()))
	return nil
}

func ids(msgs []chat.Message) []int {
	out := make([]int, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestConnectUsesConfiguredEndpoint(t *testing.T) {
	tr := newFakeTransport()
	c := newTestCoordinator(t, tr, newFakeHistory())

	c.Connect()

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.endpoints) != 1 || tr.endpoints[0] != "http://chat.local" {
		t.Fatalf("unexpected connects %v", tr.endpoints)
	}
}

func TestLoadHistoryShowsOldestFirst(t *testing.T) {
	h := newFakeHistory(
		msg(3, 1, 2, "2025-01-01T10:02:00"),
		msg(2, 1, 1, "2025-01-01T10:01:00"),
		msg(1, 1, 2, "2025-01-01T10:00:00"),
	)
	c := newTestCoordinator(t, newFakeTransport(), h)

	if err := c.LoadHistory(context.Background()); err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}

	got := ids(c.Messages())
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("order: got %v want [1 2 3]", got)
	}
	if c.Loading() {
		t.Fatalf("loading flag still set")
	}
	if c.Err() != "" {
		t.Fatalf("unexpected error %q", c.Err())
	}
}

func TestLoadHistorySortsOutOfOrderPage(t *testing.T) {
	h := newFakeHistory(
		msg(2, 1, 1, "2025-01-01T10:01:00"),
		msg(3, 1, 2, "2025-01-01T10:02:00"),
		msg(1, 1, 2, "2025-01-01T10:00:00"),
	)
	c := newTestCoordinator(t, newFakeTransport(), h)

	if err := c.LoadHistory(context.Background()); err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if !chat.IsChronological(c.Messages()) {
		t.Fatalf("list not chronological: %v", ids(c.Messages()))
	}
}

func TestLoadHistoryFailureKeepsList(t *testing.T) {
	h := newFakeHistory(msg(1, 1, 2, "2025-01-01T10:00:00"))
	c := newTestCoordinator(t, newFakeTransport(), h)

	if err := c.LoadHistory(context.Background()); err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}

	boom := errors.New("connection refused")
	h.fail(boom)
	err := c.LoadHistory(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped fetch error, got %v", err)
	}
	if got := ids(c.Messages()); len(got) != 1 || got[0] != 1 {
		t.Fatalf("list changed after failure: %v", got)
	}
	if c.Err() == "" {
		t.Fatalf("error not surfaced")
	}
	if c.Loading() {
		t.Fatalf("loading flag still set")
	}
}

func TestLiveMessageIsAppendedAndMarkedRead(t *testing.T) {
	tr := newFakeTransport()
	h := newFakeHistory()
	c := newTestCoordinator(t, tr, h)

	tr.events <- session.Event{Kind: session.EventMessage, Message: msg(7, 1, 99, "2025-01-01T10:00:00Z")}

	got := waitForMessages(t, c, 1)
	if got[0].ID != 7 {
		t.Fatalf("appended wrong message %+v", got[0])
	}
	select {
	case call := <-h.marks:
		if call.conversationID != 1 || call.userID != 1 {
			t.Fatalf("unexpected mark-as-read %+v", call)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("mark-as-read not requested")
	}
}

func TestLiveMessageForOtherConversationIsIgnored(t *testing.T) {
	tr := newFakeTransport()
	h := newFakeHistory()
	c := newTestCoordinator(t, tr, h)

	tr.events <- session.Event{Kind: session.EventMessage, Message: msg(7, 2, 99, "2025-01-01T10:00:00Z")}
	// Own message for this conversation: appended, never marked read.
	tr.events <- session.Event{Kind: session.EventMessage, Message: msg(8, 1, 1, "2025-01-01T10:00:01Z")}

	got := waitForMessages(t, c, 1)
	if got[0].ID != 8 {
		t.Fatalf("unexpected list %v", ids(got))
	}
	c.Close()
	select {
	case call := <-h.marks:
		t.Fatalf("unexpected mark-as-read %+v", call)
	default:
	}
}

func TestLiveMessagesKeepArrivalOrder(t *testing.T) {
	tr := newFakeTransport()
	c := newTestCoordinator(t, tr, newFakeHistory())

	for _, id := range []int{4, 5, 6} {
		tr.events <- session.Event{Kind: session.EventMessage, Message: msg(id, 1, 1, "2025-01-01T10:00:00Z")}
	}

	got := ids(waitForMessages(t, c, 3))
	if got[0] != 4 || got[1] != 5 || got[2] != 6 {
		t.Fatalf("order: got %v", got)
	}
}

func TestMarkAsReadFailureIsNotSurfaced(t *testing.T) {
	tr := newFakeTransport()
	h := newFakeHistory()
	h.markErr = errors.New("http 500")
	c := newTestCoordinator(t, tr, h)

	tr.events <- session.Event{Kind: session.EventMessage, Message: msg(7, 1, 99, "2025-01-01T10:00:00Z")}
	waitForMessages(t, c, 1)
	<-h.marks
	c.Close()

	if c.Err() != "" {
		t.Fatalf("mark-as-read failure leaked: %q", c.Err())
	}
}

func TestServerErrorIsSurfaced(t *testing.T) {
	tr := newFakeTransport()
	c := newTestCoordinator(t, tr, newFakeHistory())

	tr.events <- session.Event{Kind: session.EventServerError, Text: "Conversation not found"}

	deadline := time.Now().Add(2 * time.Second)
	for c.Err() != "Conversation not found" {
		if time.Now().After(deadline) {
			t.Fatalf("server error not surfaced, have %q", c.Err())
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.ClearError()
	if c.Err() != "" {
		t.Fatalf("ClearError left %q", c.Err())
	}
}

func TestSendBlankContentIsRejected(t *testing.T) {
	tr := newFakeTransport()
	c := newTestCoordinator(t, tr, newFakeHistory())

	for _, content := range []string{"", "   ", "\n\t"} {
		if err := c.Send(content); !errors.Is(err, ErrBlankContent) {
			t.Fatalf("Send(%q): expected ErrBlankContent, got %v", content, err)
		}
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.sent) != 0 {
		t.Fatalf("transport saw %d sends", len(tr.sent))
	}
}

func TestSendDelegatesWithoutLocalEcho(t *testing.T) {
	tr := newFakeTransport()
	c := newTestCoordinator(t, tr, newFakeHistory())

	if err := c.Send("bonjour"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	tr.mu.Lock()
	sent := append([]sentFrame(nil), tr.sent...)
	tr.mu.Unlock()
	if len(sent) != 1 || sent[0] != (sentFrame{1, "bonjour", chat.MessageTypeText}) {
		t.Fatalf("unexpected sends %+v", sent)
	}
	if len(c.Messages()) != 0 {
		t.Fatalf("send must not append locally")
	}
}

func TestSendWhileDisconnectedReportsError(t *testing.T) {
	tr := newFakeTransport()
	tr.sendOK = false
	c := newTestCoordinator(t, tr, newFakeHistory())

	if err := c.Send("hello"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if c.Err() == "" {
		t.Fatalf("error not surfaced")
	}
}

func TestCloseDisconnectsAndStopsUpdates(t *testing.T) {
	tr := newFakeTransport()
	h := newFakeHistory(msg(1, 1, 2, "2025-01-01T10:00:00"))
	c := newTestCoordinator(t, tr, h)

	c.Close()
	c.Close()

	tr.mu.Lock()
	disconnected := tr.disconnected
	tr.mu.Unlock()
	if !disconnected {
		t.Fatalf("transport not disconnected")
	}
	if err := c.LoadHistory(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.Send("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	tr.events <- session.Event{Kind: session.EventMessage, Message: msg(9, 1, 2, "2025-01-01T10:00:00Z")}
	time.Sleep(20 * time.Millisecond)
	if len(c.Messages()) != 0 {
		t.Fatalf("list changed after Close")
	}
}

func TestWatchMessagesSeesHistoryThenLive(t *testing.T) {
	tr := newFakeTransport()
	h := newFakeHistory(msg(1, 1, 2, "2025-01-01T10:00:00"))
	c := newTestCoordinator(t, tr, h)

	updates, cancel := c.WatchMessages()
	defer cancel()
	<-updates // current empty list

	if err := c.LoadHistory(context.Background()); err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	tr.events <- session.Event{Kind: session.EventMessage, Message: msg(2, 1, 1, "2025-01-01T10:05:00Z")}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-updates:
			if len(snap) == 2 {
				if got := ids(snap); got[0] != 1 || got[1] != 2 {
					t.Fatalf("unexpected snapshot %v", got)
				}
				return
			}
		case <-deadline:
			t.Fatalf("never saw history plus live message")
		}
	}
}
