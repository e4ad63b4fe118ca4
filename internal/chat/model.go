package chat

import "time"

// ---------------------------------------------
// Database & API Models
// ---------------------------------------------

type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeDocument MessageType = "document"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeDocument:
		return true
	}
	return false
}

// HasAttachment reports whether messages of this type carry a file URL.
func (t MessageType) HasAttachment() bool {
	return t == MessageTypeImage || t == MessageTypeDocument
}

// Conversation is a 1:1 thread between one patient and one doctor.
type Conversation struct {
	ID            int     `json:"id"`
	PatientID     int     `json:"patient_id"`
	DoctorID      int     `json:"medecin_id"`
	PatientName   string  `json:"patient_name"`
	DoctorName    string  `json:"medecin_name"`
	LastMessage   *string `json:"last_message"`
	LastMessageAt *string `json:"last_message_at"`
	UnreadCount   int     `json:"unread_count"`
}

// HasParticipant reports whether userID is the patient or the doctor.
func (c *Conversation) HasParticipant(userID int) bool {
	return c.PatientID == userID || c.DoctorID == userID
}

// Counterpart returns the other participant of the conversation.
func (c *Conversation) Counterpart(userID int) int {
	if userID == c.PatientID {
		return c.DoctorID
	}
	return c.PatientID
}

// Message is one chat message. CreatedAt stays in its ISO-8601 wire form;
// use Timestamp to compare.
type Message struct {
	ID             int         `json:"id"`
	ConversationID int         `json:"conversation_id"`
	SenderID       int         `json:"sender_id"`
	SenderName     string      `json:"sender_name,omitempty"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"message_type"`
	FileURL        string      `json:"file_url,omitempty"`
	CreatedAt      string      `json:"created_at"`
	IsRead         bool        `json:"is_read"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp parses CreatedAt. Zone-less values are read as UTC.
func (m *Message) Timestamp() (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, m.CreatedAt)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// FormatTimestamp renders t the way CreatedAt is sent on the wire.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// FileInfo describes a stored attachment.
type FileInfo struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"original_name"`
	URL          string `json:"url"`
	Size         int64  `json:"size"`
}

// UploadResult is the response of the attachment upload endpoint.
type UploadResult struct {
	Success  bool     `json:"success"`
	Message  Message  `json:"message"`
	FileInfo FileInfo `json:"file_info"`
}
