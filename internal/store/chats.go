package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/whisper/livechat/internal/apperr"
	"github.com/whisper/livechat/internal/chat"
)

// pq error code for foreign_key_violation.
const codeForeignKeyViolation = "23503"

// ChatStore manages chats, chat membership and messages in PostgreSQL.
type ChatStore struct {
	db *sql.DB
}

// NewChatStore creates a chat store backed by the given database handle.
func NewChatStore(db *sql.DB) *ChatStore {
	return &ChatStore{db: db}
}

// CreateChat inserts an empty chat and returns its id.
func (s *ChatStore) CreateChat(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO chats (name) VALUES ($1) RETURNING id`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: create chat: %w", err)
	}
	return id, nil
}

// FindChatMembers returns the member ids of a chat. An unknown chat is
// apperr.KindNotFound; a chat without members yields an empty slice.
func (s *ChatStore) FindChatMembers(ctx context.Context, chatID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.user_id
		   FROM chats c
		   LEFT JOIN chat_members m ON m.chat_id = c.id
		  WHERE c.id = $1
		  ORDER BY m.joined_at`, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: find members chat=%d: %w", chatID, err)
	}
	defer rows.Close()

	found := false
	members := []int64{}
	for rows.Next() {
		found = true
		var userID sql.NullInt64
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("store: scan member chat=%d: %w", chatID, err)
		}
		if userID.Valid {
			members = append(members, userID.Int64)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: find members chat=%d: %w", chatID, err)
	}
	if !found {
		return nil, apperr.NotFound("chat not found")
	}
	return members, nil
}

// AddMember adds userID to the chat. It is a no-op for existing members.
func (s *ChatStore) AddMember(ctx context.Context, chatID, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (chat_id, user_id) DO NOTHING`, chatID, userID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, apperr.Wrap(apperr.KindNotFound, err, "chat not found")
		}
		return false, fmt.Errorf("store: add member chat=%d user=%d: %w", chatID, userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: add member rows: %w", err)
	}
	return n == 1, nil
}

// RemoveMember removes userID from the chat and reports whether it was a
// member.
func (s *ChatStore) RemoveMember(ctx context.Context, chatID, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_members WHERE chat_id = $1 AND user_id = $2`, chatID, userID)
	if err != nil {
		return false, fmt.Errorf("store: remove member chat=%d user=%d: %w", chatID, userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: remove member rows: %w", err)
	}
	return n == 1, nil
}

// DeleteChatIfEmpty deletes the chat, cascading to its messages, if it has
// no members. The check and the delete are one statement.
func (s *ChatStore) DeleteChatIfEmpty(ctx context.Context, chatID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chats c
		  WHERE c.id = $1
		    AND NOT EXISTS (SELECT 1 FROM chat_members m WHERE m.chat_id = c.id)`, chatID)
	if err != nil {
		return false, fmt.Errorf("store: delete chat=%d: %w", chatID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: delete chat rows: %w", err)
	}
	return n == 1, nil
}

// SaveMessage inserts a message and returns it with its id and the
// database timestamp.
func (s *ChatStore) SaveMessage(ctx context.Context, msg chat.ChatMessage) (chat.ChatMessage, error) {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (chat_id, author_id, text, sent_at)
		 VALUES ($1, $2, $3, COALESCE($4, now()))
		 RETURNING id, sent_at`,
		msg.ChatID, msg.AuthorID, msg.Text, nullTime(msg.SentAt),
	).Scan(&msg.ID, &msg.SentAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return chat.ChatMessage{}, apperr.Wrap(apperr.KindNotFound, err, "chat not found")
		}
		return chat.ChatMessage{}, fmt.Errorf("store: save message chat=%d: %w", msg.ChatID, err)
	}
	msg.SentAt = msg.SentAt.UTC()
	return msg, nil
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == codeForeignKeyViolation
}
