package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"scuffedchat/models"
)

const messageColumns = `id, sender_id, receiver_id, content, is_read, created_at`

func scanMessage(row interface{ Scan(dest ...any) error }) (*models.Message, error) {
	var msg models.Message
	if err := row.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &msg.Read, &msg.CreatedAt); err != nil {
		return nil, err
	}
	return &msg, nil
}

// CreateMessage persists a new message and returns it with its generated id
// and timestamp.
func (s *Store) CreateMessage(ctx context.Context, senderID, receiverID int64, content string) (*models.Message, error) {
	msg := &models.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}
	err := s.queryRow(ctx, s.conn,
		`INSERT INTO messages (sender_id, receiver_id, content, is_read, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`,
		senderID, receiverID, content, false, msg.CreatedAt,
	).Scan(&msg.ID)
	if err != nil {
		return nil, storeErr(err)
	}
	return msg, nil
}

// GetMessagesBetweenUsers returns every message exchanged by the pair in
// creation order, ties broken by id.
func (s *Store) GetMessagesBetweenUsers(ctx context.Context, userID, otherUserID int64) ([]models.Message, error) {
	return s.listMessages(ctx, s.conn, userID, otherUserID)
}

// History returns the conversation between userID and otherUserID and marks
// every unread otherUserID -> userID message as read, in one transaction.
// Messages are returned as they were before the update. The second result is
// the number of messages that flipped to read.
func (s *Store) History(ctx context.Context, userID, otherUserID int64) ([]models.Message, int64, error) {
	var (
		messages []models.Message
		marked   int64
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		messages, err = s.listMessages(ctx, tx, userID, otherUserID)
		if err != nil {
			return err
		}
		marked, err = s.markRead(ctx, tx, otherUserID, userID)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return messages, marked, nil
}

func (s *Store) listMessages(ctx context.Context, q querier, a, b int64) ([]models.Message, error) {
	rows, err := s.query(ctx, q,
		`SELECT `+messageColumns+` FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at ASC, id ASC`,
		a, b, b, a)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		messages = append(messages, *msg)
	}
	return messages, storeErr(rows.Err())
}

// MarkMessagesAsRead marks all unread messages from sender to receiver as
// read and reports how many changed.
func (s *Store) MarkMessagesAsRead(ctx context.Context, senderID, receiverID int64) (int64, error) {
	return s.markRead(ctx, s.conn, senderID, receiverID)
}

func (s *Store) markRead(ctx context.Context, q querier, senderID, receiverID int64) (int64, error) {
	result, err := s.exec(ctx, q,
		`UPDATE messages SET is_read = ? WHERE sender_id = ? AND receiver_id = ? AND is_read = ?`,
		true, senderID, receiverID, false)
	if err != nil {
		return 0, storeErr(err)
	}
	n, err := result.RowsAffected()
	return n, storeErr(err)
}

// GetConversations lists every user userID has exchanged messages with,
// most recent conversation first, with the last message and unread count.
func (s *Store) GetConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	rows, err := s.query(ctx, s.conn,
		`SELECT other_id, MAX(id) FROM (
			SELECT CASE WHEN sender_id = ? THEN receiver_id ELSE sender_id END AS other_id, id
			FROM messages
			WHERE sender_id = ? OR receiver_id = ?
		) pairs
		GROUP BY other_id
		ORDER BY MAX(id) DESC`,
		userID, userID, userID)
	if err != nil {
		return nil, storeErr(err)
	}

	type convRef struct{ otherID, lastID int64 }
	var refs []convRef
	for rows.Next() {
		var ref convRef
		if err := rows.Scan(&ref.otherID, &ref.lastID); err != nil {
			rows.Close()
			return nil, storeErr(err)
		}
		refs = append(refs, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}

	conversations := make([]models.Conversation, 0, len(refs))
	for _, ref := range refs {
		user, err := s.GetUserByID(ctx, ref.otherID)
		if err != nil {
			return nil, err
		}

		last, err := scanMessage(s.queryRow(ctx, s.conn,
			`SELECT `+messageColumns+` FROM messages WHERE id = ?`, ref.lastID))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, storeErr(err)
		}

		var unread int
		err = s.queryRow(ctx, s.conn,
			`SELECT COUNT(*) FROM messages WHERE sender_id = ? AND receiver_id = ? AND is_read = ?`,
			ref.otherID, userID, false).Scan(&unread)
		if err != nil {
			return nil, storeErr(err)
		}

		conversations = append(conversations, models.Conversation{
			User:        user.ToResponse(),
			LastMessage: last,
			UnreadCount: unread,
		})
	}
	return conversations, nil
}
