package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Repository is the Postgres-backed Store. Uniqueness and foreign-key
// enforcement live in the schema; concurrent joins racing on the composite
// participant key surface here as ErrConflict.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

// pgUniqueViolation is the SQLSTATE for unique constraint failures.
const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// CreateConversation persists a conversation together with its initial
// participant rows in one transaction.
func (r *Repository) CreateConversation(ctx context.Context, name, ctype string, participants []*Participant) (*Conversation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	conv := &Conversation{Name: name, Type: ctype}
	err = tx.QueryRowContext(ctx,
		"INSERT INTO conversations (name, type) VALUES ($1, $2) RETURNING id, created_at",
		name, ctype,
	).Scan(&conv.ID, &conv.CreatedAt)
	if err != nil {
		return nil, err
	}

	for _, p := range participants {
		p.ConversationID = conv.ID
		err := tx.QueryRowContext(ctx,
			"INSERT INTO participants (conversation_id, user_id, role) VALUES ($1, $2, $3) RETURNING joined_at",
			conv.ID, p.UserID, p.Role,
		).Scan(&p.JoinedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: duplicate participant %d", ErrConflict, p.UserID)
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return conv, nil
}

func (r *Repository) GetConversation(ctx context.Context, id int) (*Conversation, error) {
	conv := &Conversation{}
	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, type, created_at FROM conversations WHERE id = $1",
		id,
	).Scan(&conv.ID, &conv.Name, &conv.Type, &conv.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: conversation %d", ErrNotFound, id)
		}
		return nil, err
	}
	return conv, nil
}

func (r *Repository) ListParticipants(ctx context.Context, conversationID int) ([]*Participant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.conversation_id, p.user_id, u.username, p.role, p.muted, p.banned, p.joined_at
		FROM participants p
		JOIN users u ON p.user_id = u.id
		WHERE p.conversation_id = $1
		ORDER BY p.joined_at, p.user_id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []*Participant
	for rows.Next() {
		p := &Participant{}
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.Username, &p.Role, &p.Muted, &p.Banned, &p.JoinedAt); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (r *Repository) GetParticipant(ctx context.Context, conversationID, userID int) (*Participant, error) {
	p := &Participant{}
	err := r.db.QueryRowContext(ctx, `
		SELECT conversation_id, user_id, role, muted, banned, joined_at
		FROM participants
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID).Scan(&p.ConversationID, &p.UserID, &p.Role, &p.Muted, &p.Banned, &p.JoinedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: participant %d in conversation %d", ErrNotFound, userID, conversationID)
		}
		return nil, err
	}
	return p, nil
}

func (r *Repository) AddParticipant(ctx context.Context, p *Participant) error {
	err := r.db.QueryRowContext(ctx,
		"INSERT INTO participants (conversation_id, user_id, role) VALUES ($1, $2, $3) RETURNING joined_at",
		p.ConversationID, p.UserID, p.Role,
	).Scan(&p.JoinedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: participant %d in conversation %d", ErrConflict, p.UserID, p.ConversationID)
		}
		return err
	}
	return nil
}

func (r *Repository) RemoveParticipant(ctx context.Context, conversationID, userID int) error {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM participants WHERE conversation_id = $1 AND user_id = $2",
		conversationID, userID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: participant %d in conversation %d", ErrNotFound, userID, conversationID)
	}
	return nil
}

func (r *Repository) SetParticipantMuted(ctx context.Context, conversationID, userID int, muted bool) (*Participant, error) {
	return r.updateParticipant(ctx, conversationID, userID,
		"UPDATE participants SET muted = $3 WHERE conversation_id = $1 AND user_id = $2 RETURNING role, muted, banned, joined_at", muted)
}

func (r *Repository) SetParticipantBanned(ctx context.Context, conversationID, userID int, banned bool) (*Participant, error) {
	return r.updateParticipant(ctx, conversationID, userID,
		"UPDATE participants SET banned = $3 WHERE conversation_id = $1 AND user_id = $2 RETURNING role, muted, banned, joined_at", banned)
}

func (r *Repository) SetParticipantRole(ctx context.Context, conversationID, userID int, role string) (*Participant, error) {
	return r.updateParticipant(ctx, conversationID, userID,
		"UPDATE participants SET role = $3 WHERE conversation_id = $1 AND user_id = $2 RETURNING role, muted, banned, joined_at", role)
}

func (r *Repository) updateParticipant(ctx context.Context, conversationID, userID int, query string, arg any) (*Participant, error) {
	p := &Participant{ConversationID: conversationID, UserID: userID}
	err := r.db.QueryRowContext(ctx, query, conversationID, userID, arg).
		Scan(&p.Role, &p.Muted, &p.Banned, &p.JoinedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: participant %d in conversation %d", ErrNotFound, userID, conversationID)
		}
		return nil, err
	}
	return p, nil
}

// SaveMessage persists a message and returns it with the store-assigned id,
// timestamp and the sender's username joined in.
func (r *Repository) SaveMessage(ctx context.Context, m *Message) (*Message, error) {
	err := r.db.QueryRowContext(ctx, `
		WITH ins AS (
			INSERT INTO messages (conversation_id, sender_id, content)
			VALUES ($1, $2, $3)
			RETURNING id, created_at, sender_id
		)
		SELECT ins.id, ins.created_at, u.username
		FROM ins
		JOIN users u ON ins.sender_id = u.id
	`, m.ConversationID, m.SenderID, m.Content).Scan(&m.ID, &m.CreatedAt, &m.Username)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns the conversation's messages in creation order, ties
// broken by id so the order is total.
func (r *Repository) ListMessages(ctx context.Context, conversationID int) ([]*Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.sender_id, u.username, m.content, m.created_at
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.conversation_id = $1
		ORDER BY m.created_at ASC, m.id ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Username, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
