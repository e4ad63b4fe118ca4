package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rdv-chat/internal/chat"
)

// Repository is the Postgres implementation of Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetConversation(ctx context.Context, id int) (*chat.Conversation, error) {
	c := &chat.Conversation{}
	query := `
		SELECT c.id, c.patient_id, c.medecin_id, p.name, d.name
		FROM conversations c
		JOIN users p ON p.id = c.patient_id
		JOIN users d ON d.id = c.medecin_id
		WHERE c.id = $1`

	err := r.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.PatientID, &c.DoctorID, &c.PatientName, &c.DoctorName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %d: %w", id, chat.ErrNotFound)
		}
		return nil, err
	}
	return c, nil
}

// ListConversations returns the user's conversations, most recently active first.
func (r *Repository) ListConversations(ctx context.Context, userID int) ([]chat.Conversation, error) {
	query := `
		SELECT c.id, c.patient_id, c.medecin_id, p.name, d.name,
			(SELECT m.content FROM messages m
			 WHERE m.conversation_id = c.id
			 ORDER BY m.created_at DESC, m.id DESC LIMIT 1),
			c.last_message_at,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.conversation_id = c.id AND m.sender_id <> $1 AND NOT m.is_read)
		FROM conversations c
		JOIN users p ON p.id = c.patient_id
		JOIN users d ON d.id = c.medecin_id
		WHERE c.patient_id = $1 OR c.medecin_id = $1
		ORDER BY c.last_message_at DESC NULLS LAST, c.id DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := []chat.Conversation{}
	for rows.Next() {
		var (
			c        chat.Conversation
			lastMsg  sql.NullString
			lastTime sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.PatientID, &c.DoctorID, &c.PatientName, &c.DoctorName, &lastMsg, &lastTime, &c.UnreadCount); err != nil {
			return nil, err
		}
		if lastMsg.Valid {
			c.LastMessage = &lastMsg.String
		}
		if lastTime.Valid {
			ts := chat.FormatTimestamp(lastTime.Time)
			c.LastMessageAt = &ts
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// FindOrCreateConversation returns the conversation between the two users,
// creating it if needed. created reports whether a row was inserted.
func (r *Repository) FindOrCreateConversation(ctx context.Context, patientID, doctorID int) (int, bool, error) {
	var id int
	err := r.db.QueryRowContext(ctx,
		"SELECT id FROM conversations WHERE patient_id = $1 AND medecin_id = $2",
		patientID, doctorID).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}

	// A concurrent insert of the same pair lands on the unique constraint;
	// the update is a no-op that still returns the existing id.
	query := `
		INSERT INTO conversations (patient_id, medecin_id) VALUES ($1, $2)
		ON CONFLICT (patient_id, medecin_id) DO UPDATE SET patient_id = EXCLUDED.patient_id
		RETURNING id, (xmax = 0)`
	var created bool
	if err := r.db.QueryRowContext(ctx, query, patientID, doctorID).Scan(&id, &created); err != nil {
		return 0, false, err
	}
	return id, created, nil
}

// SaveMessage inserts msg, filling in its id, timestamp and sender name, and
// bumps the conversation's last activity.
func (r *Repository) SaveMessage(ctx context.Context, msg *chat.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		fileURL   sql.NullString
		createdAt time.Time
	)
	if msg.FileURL != "" {
		fileURL = sql.NullString{String: msg.FileURL, Valid: true}
	}

	query := `
		INSERT INTO messages (conversation_id, sender_id, content, message_type, file_url)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, is_read, COALESCE((SELECT name FROM users WHERE id = $2), '')`
	err = tx.QueryRowContext(ctx, query, msg.ConversationID, msg.SenderID, msg.Content, string(msg.MessageType), fileURL).
		Scan(&msg.ID, &createdAt, &msg.IsRead, &msg.SenderName)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET last_message_at = $1 WHERE id = $2",
		createdAt, msg.ConversationID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	msg.CreatedAt = chat.FormatTimestamp(createdAt)
	return nil
}

// ListMessages returns one page of a conversation, newest first.
func (r *Repository) ListMessages(ctx context.Context, conversationID, limit, offset int) ([]chat.Message, error) {
	query := `
		SELECT m.id, m.conversation_id, m.sender_id, COALESCE(u.name, ''), m.content,
			m.message_type, m.file_url, m.created_at, m.is_read
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = $1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []chat.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

func (r *Repository) GetMessage(ctx context.Context, id int) (*chat.Message, error) {
	query := `
		SELECT m.id, m.conversation_id, m.sender_id, COALESCE(u.name, ''), m.content,
			m.message_type, m.file_url, m.created_at, m.is_read
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.id = $1`

	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %d: %w", id, chat.ErrNotFound)
		}
		return nil, err
	}
	return msg, nil
}

// MarkRead flags every message the reader did not send as read.
func (r *Repository) MarkRead(ctx context.Context, conversationID, readerID int) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE messages SET is_read = TRUE WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read",
		conversationID, readerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) DeleteMessage(ctx context.Context, id int) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM messages WHERE id = $1", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %d: %w", id, chat.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*chat.Message, error) {
	var (
		msg       chat.Message
		msgType   string
		fileURL   sql.NullString
		createdAt time.Time
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SenderName, &msg.Content,
		&msgType, &fileURL, &createdAt, &msg.IsRead)
	if err != nil {
		return nil, err
	}
	msg.MessageType = chat.MessageType(msgType)
	msg.FileURL = fileURL.String
	msg.CreatedAt = chat.FormatTimestamp(createdAt)
	return &msg, nil
}
