package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pyrexxbook/chat-service/internal/models"
)

type chatRepository struct {
	db         *sql.DB
	driverName string
}

func NewChatRepository(db *sql.DB, driverName string) ChatRepository {
	return &chatRepository{
		db:         db,
		driverName: driverName,
	}
}

func (r *chatRepository) q(query string) string {
	return rebind(r.driverName, query)
}

func (r *chatRepository) InitializeTables(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		username TEXT NOT NULL UNIQUE,
		avatar TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL DEFAULT '',
		last_seen TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id1 TEXT NOT NULL,
		user_id2 TEXT NOT NULL,
		last_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(user_id1, user_id2)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		text TEXT NOT NULL,
		status TEXT NOT NULL,
		client_id TEXT,
		created_at TIMESTAMP NOT NULL,
		delivered_at TIMESTAMP,
		seen_at TIMESTAMP,
		UNIQUE(conversation_id, sender_id, client_id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_user1 ON conversations(user_id1);
	CREATE INDEX IF NOT EXISTS idx_conversations_user2 ON conversations(user_id2);
	`

	_, err := r.db.ExecContext(ctx, query)
	return err
}

func (r *chatRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *chatRepository) Close() error {
	return r.db.Close()
}

const conversationColumns = `id, user_id1, user_id2, last_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var conv models.Conversation
	var userID1, userID2 string
	if err := row.Scan(&conv.ID, &userID1, &userID2, &conv.LastMessage, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}
	conv.Members = []string{userID1, userID2}
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.UpdatedAt = conv.UpdatedAt.UTC()
	return &conv, nil
}

// GetOrCreateConversation relies on UNIQUE(user_id1, user_id2) over the
// sorted pair; the no-op update makes RETURNING yield the existing row's id.
func (r *chatRepository) GetOrCreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	if len(conv.Members) != 2 {
		return nil, fmt.Errorf("conversation needs exactly two members, got %d", len(conv.Members))
	}
	a, b := conv.Members[0], conv.Members[1]
	if b < a {
		a, b = b, a
	}

	query := r.q(`
	INSERT INTO conversations (id, user_id1, user_id2, last_message, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (user_id1, user_id2) DO UPDATE SET user_id1 = excluded.user_id1
	RETURNING id
	`)

	var id string
	err := r.db.QueryRowContext(ctx, query,
		conv.ID, a, b, conv.LastMessage, conv.CreatedAt.UTC(), conv.UpdatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return r.GetConversationByMembers(ctx, a, b)
		}
		return nil, err
	}
	return r.GetConversationByID(ctx, id)
}

func (r *chatRepository) GetConversationByID(ctx context.Context, id string) (*models.Conversation, error) {
	query := r.q(`SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`)

	var conv *models.Conversation
	err := retryRead(ctx, func() error {
		var err error
		conv, err = scanConversation(r.db.QueryRowContext(ctx, query, id))
		return err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return conv, nil
}

func (r *chatRepository) GetConversationByMembers(ctx context.Context, userID1, userID2 string) (*models.Conversation, error) {
	if userID2 < userID1 {
		userID1, userID2 = userID2, userID1
	}
	query := r.q(`SELECT ` + conversationColumns + ` FROM conversations WHERE user_id1 = ? AND user_id2 = ?`)

	var conv *models.Conversation
	err := retryRead(ctx, func() error {
		var err error
		conv, err = scanConversation(r.db.QueryRowContext(ctx, query, userID1, userID2))
		return err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation between %s and %s: %w", userID1, userID2, ErrNotFound)
		}
		return nil, err
	}
	return conv, nil
}

func (r *chatRepository) GetUserConversations(ctx context.Context, userID string) ([]*models.Conversation, error) {
	query := r.q(`
	SELECT ` + conversationColumns + `
	FROM conversations
	WHERE user_id1 = ? OR user_id2 = ?
	ORDER BY updated_at DESC, id DESC
	`)

	var convs []*models.Conversation
	err := retryRead(ctx, func() error {
		convs = nil
		rows, err := r.db.QueryContext(ctx, query, userID, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			conv, err := scanConversation(rows)
			if err != nil {
				return err
			}
			convs = append(convs, conv)
		}
		return rows.Err()
	})
	return convs, err
}

const messageColumns = `id, conversation_id, sender_id, receiver_id, text, status, client_id, created_at, delivered_at, seen_at`

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var status string
	var clientID sql.NullString
	var deliveredAt, seenAt sql.NullTime
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.ReceiverID, &msg.Text,
		&status, &clientID, &msg.CreatedAt, &deliveredAt, &seenAt,
	)
	if err != nil {
		return nil, err
	}
	msg.Status = models.MessageStatus(status)
	msg.ClientID = clientID.String
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.DeliveredAt = timePtr(deliveredAt)
	msg.SeenAt = timePtr(seenAt)
	return &msg, nil
}

func (r *chatRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	insert := r.q(`
	INSERT INTO messages (` + messageColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = tx.ExecContext(ctx, insert,
		msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID, msg.Text,
		string(msg.Status), nullString(msg.ClientID), msg.CreatedAt.UTC(),
		nullTime(msg.DeliveredAt), nullTime(msg.SeenAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("message %s: %w", msg.ID, ErrConflict)
		}
		return err
	}

	touch := r.q(`UPDATE conversations SET last_message = ?, updated_at = ? WHERE id = ?`)
	result, err := tx.ExecContext(ctx, touch, msg.Text, msg.CreatedAt.UTC(), msg.ConversationID)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("conversation %s: %w", msg.ConversationID, ErrNotFound)
	}

	return tx.Commit()
}

func (r *chatRepository) GetMessageByID(ctx context.Context, id string) (*models.Message, error) {
	query := r.q(`SELECT ` + messageColumns + ` FROM messages WHERE id = ?`)

	var msg *models.Message
	err := retryRead(ctx, func() error {
		var err error
		msg, err = scanMessage(r.db.QueryRowContext(ctx, query, id))
		return err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return msg, nil
}

func (r *chatRepository) GetMessageByClientID(ctx context.Context, conversationID, senderID, clientID string) (*models.Message, error) {
	query := r.q(`
	SELECT ` + messageColumns + `
	FROM messages
	WHERE conversation_id = ? AND sender_id = ? AND client_id = ?
	`)

	var msg *models.Message
	err := retryRead(ctx, func() error {
		var err error
		msg, err = scanMessage(r.db.QueryRowContext(ctx, query, conversationID, senderID, clientID))
		return err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message with client id %s: %w", clientID, ErrNotFound)
		}
		return nil, err
	}
	return msg, nil
}

func (r *chatRepository) queryMessages(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	var messages []*models.Message
	err := retryRead(ctx, func() error {
		messages = nil
		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return rows.Err()
	})
	return messages, err
}

// GetConversationMessages returns messages oldest first. With limit > 0 only
// the newest limit messages (before beforeMessageID, if set) are returned.
func (r *chatRepository) GetConversationMessages(ctx context.Context, conversationID string, limit int, beforeMessageID string) ([]*models.Message, error) {
	where := `WHERE conversation_id = ?`
	args := []any{conversationID}
	if beforeMessageID != "" {
		where += ` AND created_at < (SELECT created_at FROM messages WHERE id = ? AND conversation_id = ?)`
		args = append(args, beforeMessageID, conversationID)
	}

	if limit <= 0 {
		return r.queryMessages(ctx, r.q(`SELECT `+messageColumns+` FROM messages `+where+` ORDER BY created_at ASC, id ASC`), args...)
	}

	args = append(args, limit)
	messages, err := r.queryMessages(ctx, r.q(`SELECT `+messageColumns+` FROM messages `+where+` ORDER BY created_at DESC, id DESC LIMIT ?`), args...)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *chatRepository) GetUnseenMessages(ctx context.Context, conversationID, receiverID string) ([]*models.Message, error) {
	query := r.q(`
	SELECT ` + messageColumns + `
	FROM messages
	WHERE conversation_id = ? AND receiver_id = ? AND status <> ?
	ORDER BY created_at ASC, id ASC
	`)
	return r.queryMessages(ctx, query, conversationID, receiverID, string(models.StatusSeen))
}

func (r *chatRepository) AdvanceMessageStatus(ctx context.Context, id string, status models.MessageStatus, at time.Time) (bool, error) {
	from := predecessors(status)
	if len(from) == 0 {
		return false, fmt.Errorf("cannot advance message to status %q", status)
	}

	at = at.UTC()
	set := `status = ?, delivered_at = COALESCE(delivered_at, ?)`
	args := []any{string(status), at}
	if status == models.StatusSeen {
		set += `, seen_at = ?`
		args = append(args, at)
	}
	args = append(args, id)
	for _, s := range from {
		args = append(args, string(s))
	}

	query := r.q(`UPDATE messages SET ` + set + ` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`)
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}
