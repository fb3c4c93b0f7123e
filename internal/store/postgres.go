package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/chatkit/relay/internal/types"
	"github.com/teris-io/shortid"
)

type PgRepository struct {
	conn *sql.DB
}

func NewPgRepository(dsn string) (*PgRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgRepository{conn: db}, nil
}

// DB exposes the underlying pool so the process can share it with the
// pub/sub publisher.
func (db *PgRepository) DB() *sql.DB {
	return db.conn
}

func (db *PgRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *PgRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgRepository) CreateMessage(params CreateMessageParams) (types.Message, error) {
	sid, err := shortid.Generate()
	if err != nil {
		return types.Message{}, fmt.Errorf("generate message id: %w", err)
	}

	res := db.conn.QueryRow(
		"INSERT INTO messages (id, conversation_id, author_id, content, type, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, conversation_id, author_id, content, type, created_at",
		sid,
		params.ConversationId,
		params.AuthorId,
		params.Content,
		params.Type,
		time.Now().UTC(),
	)

	var m types.Message
	err = res.Scan(
		&m.Id,
		&m.ConversationId,
		&m.AuthorId,
		&m.Content,
		&m.Type,
		&m.CreatedAt,
	)

	return m, err
}

func (db *PgRepository) TouchConversation(conversationId string, at time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE conversations SET last_message_at = $2 WHERE id = $1",
		conversationId,
		at,
	)

	return err
}

func (db *PgRepository) GetMessageAuthor(messageId string) (string, error) {
	row := db.conn.QueryRow(
		"SELECT author_id FROM messages WHERE id = $1 LIMIT 1",
		messageId,
	)

	var authorId string
	err := row.Scan(&authorId)

	return authorId, err
}

func (db *PgRepository) GetParticipants(conversationId string) ([]string, error) {
	rows, err := db.conn.Query(
		"SELECT user_id FROM conversation_participants WHERE conversation_id = $1",
		conversationId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []string
	for rows.Next() {
		var userId string
		if err := rows.Scan(&userId); err != nil {
			return nil, err
		}
		participants = append(participants, userId)
	}

	return participants, rows.Err()
}

// UpsertReaction inserts the reaction triple, treating an existing row
// as success.
func (db *PgRepository) UpsertReaction(r types.Reaction) error {
	_, err := db.conn.Exec(
		"INSERT INTO reactions (message_id, user_id, emoji, created_at) VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (message_id, user_id, emoji) DO NOTHING",
		r.MessageId,
		r.UserId,
		r.Emoji,
		time.Now().UTC(),
	)

	return err
}

func (db *PgRepository) DeleteReaction(r types.Reaction) error {
	_, err := db.conn.Exec(
		"DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3",
		r.MessageId,
		r.UserId,
		r.Emoji,
	)

	return err
}

func (db *PgRepository) MarkMessageDeleted(messageId string) (types.Message, error) {
	return db.markMessage(messageId, "deleted_at")
}

func (db *PgRepository) MarkMessageHidden(messageId string) (types.Message, error) {
	return db.markMessage(messageId, "hidden_at")
}

func (db *PgRepository) markMessage(messageId, column string) (types.Message, error) {
	// column is one of two compile-time constants, never user input
	res := db.conn.QueryRow(
		"UPDATE messages SET "+column+" = $2 WHERE id = $1 "+
			"RETURNING id, conversation_id, author_id, content, type, created_at",
		messageId,
		time.Now().UTC(),
	)

	var m types.Message
	err := res.Scan(
		&m.Id,
		&m.ConversationId,
		&m.AuthorId,
		&m.Content,
		&m.Type,
		&m.CreatedAt,
	)

	return m, err
}
