package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"ChatGateway/tools/ids"
)

// PgStore is the pgx-backed MessageStore against the chat API schema
// (messages / message_reads / conversation_participants).
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &PgStore{pool: pool}, nil
}

func (s *PgStore) SaveMessage(ctx context.Context, conversationID, senderID, content, attachment string) (*Message, error) {
	m := &Message{
		ID:             ids.GenerateString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Attachment:     attachment,
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, attachment, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), now())
		 RETURNING created_at`,
		m.ID, conversationID, senderID, content, attachment)
	if err := row.Scan(&m.CreatedAt); err != nil {
		return nil, errors.Wrap(err, "insert message")
	}

	// conversation recency drives the inbox ordering
	if _, err := s.pool.Exec(ctx,
		`UPDATE conversations SET updated_at = now() WHERE id = $1`, conversationID); err != nil {
		return nil, errors.Wrap(err, "touch conversation")
	}
	return m, nil
}

func (s *PgStore) MarkRead(ctx context.Context, messageID, userID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO message_reads (message_id, user_id, read_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		messageID, userID)
	return errors.Wrap(err, "mark read")
}

func (s *PgStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM conversation_participants
		   WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID).Scan(&ok)
	if err != nil {
		return false, errors.Wrap(err, "check participant")
	}
	return ok, nil
}

func (s *PgStore) Close() {
	s.pool.Close()
}
