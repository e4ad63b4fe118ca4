package gateway

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"rdv-chat/internal/chat"
	"rdv-chat/internal/logger"
	"rdv-chat/internal/storage"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
	downloadPrefix  = "/chat/download/"
)

// Store is the persistence the chat service needs.
type Store interface {
	GetConversation(ctx context.Context, id int) (*chat.Conversation, error)
	ListConversations(ctx context.Context, userID int) ([]chat.Conversation, error)
	FindOrCreateConversation(ctx context.Context, patientID, doctorID int) (int, bool, error)
	SaveMessage(ctx context.Context, msg *chat.Message) error
	ListMessages(ctx context.Context, conversationID, limit, offset int) ([]chat.Message, error)
	GetMessage(ctx context.Context, id int) (*chat.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID int) (int64, error)
	DeleteMessage(ctx context.Context, id int) error
}

// Upload is one attachment on its way into a conversation.
type Upload struct {
	ConversationID int
	SenderID       int
	Filename       string
	ContentType    string
	Size           int64
	Body           io.Reader
}

// Service holds the chat rules shared by the socket and REST handlers.
type Service struct {
	store     Store
	files     storage.FileStore
	broker    Broker
	maxUpload int64
	log       *logger.Logger
}

func NewService(store Store, files storage.FileStore, broker Broker, maxUpload int64, log *logger.Logger) *Service {
	return &Service{
		store:     store,
		files:     files,
		broker:    broker,
		maxUpload: maxUpload,
		log:       logger.OrNop(log),
	}
}

// participantConversation loads the conversation and checks userID takes part in it.
func (s *Service) participantConversation(ctx context.Context, conversationID, userID int) (*chat.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, fmt.Errorf("user %d in conversation %d: %w", userID, conversationID, chat.ErrForbidden)
	}
	return conv, nil
}

// PostMessage stores a message sent over a socket and pushes it to both
// participants.
func (s *Service) PostMessage(ctx context.Context, senderID int, frame chat.ClientFrame) (*chat.Message, error) {
	if frame.ConversationID == 0 || strings.TrimSpace(frame.Content) == "" {
		return nil, chat.ErrMissingFields
	}
	if frame.MessageType == "" {
		frame.MessageType = chat.MessageTypeText
	}

	conv, err := s.participantConversation(ctx, frame.ConversationID, senderID)
	if err != nil {
		return nil, err
	}

	msg := &chat.Message{
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        frame.Content,
		MessageType:    frame.MessageType,
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}

	s.fanOut(ctx, conv, *msg)
	return msg, nil
}

// fanOut publishes msg to both participants. A broker failure is logged; the
// message is already stored and shows up on the next history load.
func (s *Service) fanOut(ctx context.Context, conv *chat.Conversation, msg chat.Message) {
	payload, err := chat.EncodeNewMessage(msg)
	if err != nil {
		s.log.Errorf("encode message %d: %v", msg.ID, err)
		return
	}
	env := Envelope{TargetIDs: []int{conv.PatientID, conv.DoctorID}, Payload: payload}
	if err := s.broker.Publish(ctx, env); err != nil {
		s.log.Errorf("publish message %d: %v", msg.ID, err)
	}
}

// History returns one page of the conversation, newest first.
func (s *Service) History(ctx context.Context, conversationID, userID, limit, offset int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset %d: %w", offset, chat.ErrInvalidInput)
	}
	if _, err := s.participantConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conversationID, limit, offset)
}

func (s *Service) MarkRead(ctx context.Context, conversationID, userID int) error {
	if _, err := s.participantConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	n, err := s.store.MarkRead(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	s.log.Debugf("user %d read %d messages in conversation %d", userID, n, conversationID)
	return nil
}

func (s *Service) Conversations(ctx context.Context, userID int) ([]chat.Conversation, error) {
	return s.store.ListConversations(ctx, userID)
}

func (s *Service) CreateOrGetConversation(ctx context.Context, patientID, doctorID int) (int, bool, error) {
	if patientID <= 0 || doctorID <= 0 || patientID == doctorID {
		return 0, false, fmt.Errorf("patient %d doctor %d: %w", patientID, doctorID, chat.ErrInvalidInput)
	}
	return s.store.FindOrCreateConversation(ctx, patientID, doctorID)
}

// UploadAttachment stores the file, records it as an image or document
// message and pushes that message like any other.
func (s *Service) UploadAttachment(ctx context.Context, up Upload) (*chat.UploadResult, error) {
	if up.Size > s.maxUpload {
		return nil, fmt.Errorf("%s is %d bytes: %w", up.Filename, up.Size, chat.ErrTooLarge)
	}
	if up.Filename == "" {
		return nil, fmt.Errorf("missing filename: %w", chat.ErrInvalidInput)
	}
	conv, err := s.participantConversation(ctx, up.ConversationID, up.SenderID)
	if err != nil {
		return nil, err
	}

	msgType := chat.MessageTypeDocument
	if strings.HasPrefix(up.ContentType, "image/") {
		msgType = chat.MessageTypeImage
	}

	key := storage.NewKey(up.Filename)
	if err := s.files.Put(ctx, key, up.ContentType, up.Body, up.Size); err != nil {
		return nil, fmt.Errorf("store attachment: %w", err)
	}

	msg := &chat.Message{
		ConversationID: conv.ID,
		SenderID:       up.SenderID,
		Content:        up.Filename,
		MessageType:    msgType,
		FileURL:        downloadPrefix + key,
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		if delErr := s.files.Delete(ctx, key); delErr != nil {
			s.log.Warnf("orphaned attachment %s: %v", key, delErr)
		}
		return nil, fmt.Errorf("save attachment message: %w", err)
	}

	s.fanOut(ctx, conv, *msg)
	return &chat.UploadResult{
		Success: true,
		Message: *msg,
		FileInfo: chat.FileInfo{
			Filename:     key,
			OriginalName: up.Filename,
			URL:          msg.FileURL,
			Size:         up.Size,
		},
	}, nil
}

func (s *Service) Download(ctx context.Context, filename string) (*storage.Object, error) {
	if err := storage.ValidKey(filename); err != nil {
		return nil, err
	}
	return s.files.Get(ctx, filename)
}

// DeleteAttachment removes the message and its stored file. Only the sender
// may do so.
func (s *Service) DeleteAttachment(ctx context.Context, messageID, userID int) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return fmt.Errorf("message %d: %w", messageID, chat.ErrForbidden)
	}

	if msg.FileURL != "" {
		key := path.Base(msg.FileURL)
		if err := s.files.Delete(ctx, key); err != nil {
			s.log.Warnf("delete attachment %s: %v", key, err)
		}
	}
	return s.store.DeleteMessage(ctx, messageID)
}
