package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation is one bounded message history, keyed by
// (agent_id, sender_id, channel). For group chats the group id stands in
// for the sender id, so a group shares one conversation per agent.
type Conversation struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Channel    string    `json:"channel"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Message is one turn in a conversation.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// ErrConversationNotFound is returned when a conversation id has no row.
var ErrConversationNotFound = errors.New("conversation not found")

const conversationColumns = `id, agent_id, sender_id, sender_name, channel, created_at, updated_at`

func scanConversation(scan func(dest ...any) error, c *Conversation) error {
	return scan(&c.ID, &c.AgentID, &c.SenderID, &c.SenderName, &c.Channel, &c.CreatedAt, &c.UpdatedAt)
}

// GetOrCreateConversation finds the conversation for the key, creating it
// on first contact. Concurrent callers converge on the same row via the
// unique key constraint.
func (s *Store) GetOrCreateConversation(ctx context.Context, agentID, senderID, senderName, channel string) (Conversation, error) {
	var c Conversation
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversations (id, agent_id, sender_id, sender_name, channel)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(agent_id, sender_id, channel) DO NOTHING;
		`, uuid.NewString(), agentID, senderID, senderName, channel)
		if err != nil {
			return err
		}
		row := s.db.QueryRowContext(ctx, `
			SELECT `+conversationColumns+` FROM conversations
			WHERE agent_id = ? AND sender_id = ? AND channel = ?;
		`, agentID, senderID, channel)
		return scanConversation(row.Scan, &c)
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("get or create conversation: %w", err)
	}
	return c, nil
}

// GetConversation fetches one conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?;`, id)
	if err := scanConversation(row.Scan, &c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrConversationNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns an agent's conversations, most recently
// touched first. An empty agentID lists all.
func (s *Store) ListConversations(ctx context.Context, agentID string) ([]Conversation, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if agentID != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+conversationColumns+` FROM conversations
			WHERE agent_id = ? ORDER BY updated_at DESC;
		`, agentID)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+conversationColumns+` FROM conversations ORDER BY updated_at DESC;
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := scanConversation(rows.Scan, &c); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendMessage adds one turn to a conversation and bumps its timestamp.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string) (Message, error) {
	switch role {
	case "user", "assistant":
	default:
		return Message{}, fmt.Errorf("invalid message role %q", role)
	}

	var m Message
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, role, content) VALUES (?, ?, ?);
		`, conversationID, role, content)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, conversationID); err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}

		row := tx.QueryRowContext(ctx, `
			SELECT id, conversation_id, role, content, created_at FROM messages WHERE id = ?;
		`, id)
		if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return fmt.Errorf("reload message: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// RecentMessages returns the most recent limit messages in chronological
// order. This is the memory window handed to the model; the table itself
// keeps full history.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY id DESC
		LIMIT ?;
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	// Reverse into oldest-first order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ConversationMessages returns the full history, oldest first.
func (s *Store) ConversationMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY id ASC;
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query conversation messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PruneMessages deletes messages older than the cutoff. Returns the
// number of rows removed.
func (s *Store) PruneMessages(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC()
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?;`, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return affected, nil
}
