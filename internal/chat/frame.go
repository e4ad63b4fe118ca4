package chat

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------
// Wire Frames
// ---------------------------------------------

const (
	FrameNewMessage = "new_message"
	FrameError      = "error"
)

// ClientFrame is the JSON a client sends over the socket. The server fills in
// id, sender and timestamp.
type ClientFrame struct {
	ConversationID int         `json:"conversation_id"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"message_type"`
}

// ServerFrame is a decoded server push. Message is set for new_message,
// Error for error; any other Type is left for the caller to ignore.
type ServerFrame struct {
	Type    string
	Message *Message
	Error   string
}

type rawServerFrame struct {
	Type    *string         `json:"type"`
	Message json.RawMessage `json:"message"`
}

// rawMessage mirrors Message with pointers so absent fields can be told apart
// from zero values.
type rawMessage struct {
	ID             *int         `json:"id"`
	ConversationID *int         `json:"conversation_id"`
	SenderID       *int         `json:"sender_id"`
	SenderName     *string      `json:"sender_name"`
	Content        *string      `json:"content"`
	MessageType    *MessageType `json:"message_type"`
	FileURL        *string      `json:"file_url"`
	CreatedAt      *string      `json:"created_at"`
	IsRead         *bool        `json:"is_read"`
}

// DecodeServerFrame parses one inbound text frame.
func DecodeServerFrame(data []byte) (ServerFrame, error) {
	var raw rawServerFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return ServerFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if raw.Type == nil {
		return ServerFrame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	frame := ServerFrame{Type: *raw.Type}
	switch frame.Type {
	case FrameNewMessage:
		msg, err := decodeMessage(raw.Message)
		if err != nil {
			return ServerFrame{}, err
		}
		frame.Message = msg
	case FrameError:
		var text string
		if err := json.Unmarshal(raw.Message, &text); err != nil {
			return ServerFrame{}, fmt.Errorf("%w: error frame without message text", ErrMalformedFrame)
		}
		frame.Error = text
	}
	return frame, nil
}

func decodeMessage(data json.RawMessage) (*Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: new_message without message", ErrMalformedFrame)
	}
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch {
	case raw.ID == nil:
		return nil, fmt.Errorf("%w: message.id missing", ErrMalformedFrame)
	case raw.ConversationID == nil:
		return nil, fmt.Errorf("%w: message.conversation_id missing", ErrMalformedFrame)
	case raw.SenderID == nil:
		return nil, fmt.Errorf("%w: message.sender_id missing", ErrMalformedFrame)
	case raw.Content == nil:
		return nil, fmt.Errorf("%w: message.content missing", ErrMalformedFrame)
	case raw.MessageType == nil:
		return nil, fmt.Errorf("%w: message.message_type missing", ErrMalformedFrame)
	case raw.CreatedAt == nil:
		return nil, fmt.Errorf("%w: message.created_at missing", ErrMalformedFrame)
	case raw.IsRead == nil:
		return nil, fmt.Errorf("%w: message.is_read missing", ErrMalformedFrame)
	}

	msg := &Message{
		ID:             *raw.ID,
		ConversationID: *raw.ConversationID,
		SenderID:       *raw.SenderID,
		Content:        *raw.Content,
		MessageType:    *raw.MessageType,
		CreatedAt:      *raw.CreatedAt,
		IsRead:         *raw.IsRead,
	}
	if raw.SenderName != nil {
		msg.SenderName = *raw.SenderName
	}
	if raw.FileURL != nil {
		msg.FileURL = *raw.FileURL
	}
	return msg, nil
}

// EncodeNewMessage builds a new_message push frame.
func EncodeNewMessage(msg Message) ([]byte, error) {
	return json.Marshal(struct {
		Type    string  `json:"type"`
		Message Message `json:"message"`
	}{Type: FrameNewMessage, Message: msg})
}

// EncodeError builds an error push frame.
func EncodeError(text string) ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{Type: FrameError, Message: text})
}

// EncodeClientFrame builds the frame a client sends to post a message.
func EncodeClientFrame(conversationID int, content string, messageType MessageType) ([]byte, error) {
	if messageType == "" {
		messageType = MessageTypeText
	}
	return json.Marshal(ClientFrame{
		ConversationID: conversationID,
		Content:        content,
		MessageType:    messageType,
	})
}

// DecodeClientFrame parses a frame received by the gateway. conversation_id
// and content are required; message_type defaults to text.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var raw struct {
		ConversationID *int         `json:"conversation_id"`
		Content        *string      `json:"content"`
		MessageType    *MessageType `json:"message_type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return ClientFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if raw.ConversationID == nil || raw.Content == nil {
		return ClientFrame{}, ErrMissingFields
	}

	frame := ClientFrame{
		ConversationID: *raw.ConversationID,
		Content:        *raw.Content,
		MessageType:    MessageTypeText,
	}
	if raw.MessageType != nil && *raw.MessageType != "" {
		frame.MessageType = *raw.MessageType
	}
	if !frame.MessageType.Valid() {
		return ClientFrame{}, fmt.Errorf("%w: unknown message_type %q", ErrInvalidInput, frame.MessageType)
	}
	return frame, nil
}
