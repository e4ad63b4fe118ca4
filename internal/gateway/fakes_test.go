package gateway

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"rdv-chat/internal/chat"
)

// memStore is an in-memory Store. Messages get increasing ids and timestamps
// one second apart.
type memStore struct {
	mu       sync.Mutex
	names    map[int]string
	convs    map[int]*chat.Conversation
	messages []chat.Message
	clock    time.Time
	failSave error
}

func newMemStore() *memStore {
	return &memStore{
		names: map[int]string{1: "Ana Patient", 2: "Dr Bruno", 3: "Carla Patient"},
		convs: map[int]*chat.Conversation{},
		clock: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

// addConversation creates a conversation and returns its id.
func (m *memStore) addConversation(patientID, doctorID int) int {
	id, _, _ := m.FindOrCreateConversation(context.Background(), patientID, doctorID)
	return id
}

func (m *memStore) GetConversation(ctx context.Context, id int) (*chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, fmt.Errorf("conversation %d: %w", id, chat.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ListConversations(ctx context.Context, userID int) ([]chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []chat.Conversation{}
	for _, c := range m.convs {
		if !c.HasParticipant(userID) {
			continue
		}
		cp := *c
		for _, msg := range m.messages {
			if msg.ConversationID != c.ID {
				continue
			}
			content, at := msg.Content, msg.CreatedAt
			cp.LastMessage, cp.LastMessageAt = &content, &at
			if msg.SenderID != userID && !msg.IsRead {
				cp.UnreadCount++
			}
		}
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b chat.Conversation) int { return b.ID - a.ID })
	return out, nil
}

func (m *memStore) FindOrCreateConversation(ctx context.Context, patientID, doctorID int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.convs {
		if c.PatientID == patientID && c.DoctorID == doctorID {
			return c.ID, false, nil
		}
	}
	id := len(m.convs) + 1
	m.convs[id] = &chat.Conversation{
		ID:          id,
		PatientID:   patientID,
		DoctorID:    doctorID,
		PatientName: m.names[patientID],
		DoctorName:  m.names[doctorID],
	}
	return id, true, nil
}

func (m *memStore) SaveMessage(ctx context.Context, msg *chat.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return m.failSave
	}
	m.clock = m.clock.Add(time.Second)
	msg.ID = len(m.messages) + 1
	msg.SenderName = m.names[msg.SenderID]
	msg.CreatedAt = chat.FormatTimestamp(m.clock)
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *memStore) ListMessages(ctx context.Context, conversationID, limit, offset int) ([]chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var page []chat.Message
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].ConversationID == conversationID {
			page = append(page, m.messages[i])
		}
	}
	if offset >= len(page) {
		return []chat.Message{}, nil
	}
	page = page[offset:]
	if len(page) > limit {
		page = page[:limit]
	}
	return page, nil
}

func (m *memStore) GetMessage(ctx context.Context, id int) (*chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ID == id {
			cp := msg
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("message %d: %w", id, chat.ErrNotFound)
}

func (m *memStore) MarkRead(ctx context.Context, conversationID, readerID int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.messages {
		msg := &m.messages[i]
		if msg.ConversationID == conversationID && msg.SenderID != readerID && !msg.IsRead {
			msg.IsRead = true
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteMessage(ctx context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, msg := range m.messages {
		if msg.ID == id {
			m.messages = slices.Delete(m.messages, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("message %d: %w", id, chat.ErrNotFound)
}

func (m *memStore) unread(conversationID, readerID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID && msg.SenderID != readerID && !msg.IsRead {
			n++
		}
	}
	return n
}

// recordingBroker keeps every published envelope.
type recordingBroker struct {
	mu        sync.Mutex
	envelopes []Envelope
	err       error
}

func (b *recordingBroker) Publish(ctx context.Context, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envelopes = append(b.envelopes, env)
	return b.err
}

func (b *recordingBroker) Subscribe(ctx context.Context, handle func(Envelope)) error {
	<-ctx.Done()
	return nil
}

func (b *recordingBroker) published() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.envelopes)
}
