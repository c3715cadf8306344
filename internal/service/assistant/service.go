package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"geminichat/internal/models"
)

// Service persists conversations and their transcripts.
type Service struct {
	db *sql.DB
}

// NewService builds a new assistant service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// CreateConversation inserts a conversation record without messages.
func (s *Service) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" || conv.UserID == "" {
		return errors.New("conversation id and user id are required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, preview, created_at, last_active) VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.Preview, conv.CreatedAt.UTC(), conv.LastActive.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// ListConversations returns every conversation of the user, most recent first, with transcripts.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, preview, created_at, last_active FROM conversations WHERE user_id = ? ORDER BY last_active DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var (
		convs []*models.Conversation
		byID  = make(map[string]*models.Conversation)
	)
	for rows.Next() {
		conv := &models.Conversation{Status: models.StatusIdle}
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Preview, &conv.CreatedAt, &conv.LastActive); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
		byID[conv.ID] = conv
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(convs) == 0 {
		return convs, nil
	}

	msgRows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, type, content, created_at FROM messages WHERE user_id = ? ORDER BY seq ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		var msg models.Message
		if err := msgRows.Scan(&msg.ID, &msg.ConversationID, &msg.Type, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if conv, ok := byID[msg.ConversationID]; ok {
			conv.Messages = append(conv.Messages, msg)
		}
	}
	return convs, msgRows.Err()
}

// AddMessage stores a transcript entry and touches the conversation.
// The pending-reply placeholder is never persisted.
func (s *Service) AddMessage(ctx context.Context, userID string, msg models.Message) error {
	if msg.IsPlaceholder() {
		return errors.New("placeholder messages are not persisted")
	}
	if msg.ConversationID == "" || msg.ID == "" {
		return errors.New("conversation_id and id are required")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return errors.New("content cannot be empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ? AND user_id = ?)`,
		msg.ConversationID, userID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("verify conversation: %w", err)
	}
	if !exists {
		return sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, user_id, type, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, userID, string(msg.Type), msg.Content, msg.Timestamp.UTC(),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if msg.Type == models.MessageTypeUser {
		_, err = tx.ExecContext(ctx, `UPDATE conversations SET last_active = ?, preview = ? WHERE id = ?`,
			msg.Timestamp.UTC(), msg.Content, msg.ConversationID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE conversations SET last_active = ? WHERE id = ?`,
			msg.Timestamp.UTC(), msg.ConversationID)
	}
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

// UpdateConversation writes title, preview and activity time.
func (s *Service) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return errors.New("invalid conversation")
	}
	title := strings.TrimSpace(conv.Title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, preview = ?, last_active = ? WHERE id = ? AND user_id = ?`,
		title, conv.Preview, conv.LastActive.UTC(), conv.ID, conv.UserID,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteConversation removes a conversation and its messages.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if conversationID == "" {
		return errors.New("invalid conversation id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND user_id = ?`, conversationID, userID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}
