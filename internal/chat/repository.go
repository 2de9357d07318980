package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"chat-relay/internal/apperr"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/lo"
)

const foreignKeyViolation = "23503"

// Repository is the Postgres Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Reader sets come back as a JSON array so database/sql needs no array support.
const messageColumns = `
	m.id, m.conversation_id, m.sender_id, m.body,
	m.file_url, m.file_name, m.file_type, m.file_size, m.created_at,
	COALESCE((
		SELECT json_agg(r.user_id ORDER BY r.read_at, r.user_id)
		FROM message_reads r WHERE r.message_id = m.id
	), '[]'::json)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m                        Message
		fileURL, fileName, ftype sql.NullString
		fileSize                 sql.NullInt64
		readBy                   []byte
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body,
		&fileURL, &fileName, &ftype, &fileSize, &m.CreatedAt, &readBy)
	if err != nil {
		return m, err
	}
	if fileURL.Valid {
		m.File = &Attachment{URL: fileURL.String, Name: fileName.String, Type: ftype.String, Size: fileSize.Int64}
	}
	if err := json.Unmarshal(readBy, &m.ReadBy); err != nil {
		return m, fmt.Errorf("decode readers: %w", err)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ---------------------------------------------
// Conversations
// ---------------------------------------------

func (r *Repository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, topic, product_id, last_message_at, last_message_id, created_at
		FROM conversations WHERE id = $1`

	c, err := scanConversation(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("Conversation not found")
	}
	if err != nil {
		return nil, err
	}

	participants, err := r.participants(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	c.Participants = participants[id]
	return c, nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c                       Conversation
		topic, product, lastMsg sql.NullString
	)
	if err := row.Scan(&c.ID, &topic, &product, &c.LastMessageAt, &lastMsg, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Topic = nullString(topic)
	c.ProductID = nullString(product)
	c.LastMessageID = nullString(lastMsg)
	c.LastMessageAt = c.LastMessageAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

// participants loads the member lists of several conversations at once,
// each in the order the members were added.
func (r *Repository) participants(ctx context.Context, conversationIDs []string) (map[string][]Participant, error) {
	query := `
		SELECT conversation_id, user_id, role
		FROM conversation_participants
		WHERE conversation_id = ANY($1::text[]::uuid[])
		ORDER BY conversation_id, position`

	rows, err := r.db.QueryContext(ctx, query, conversationIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]Participant, len(conversationIDs))
	for rows.Next() {
		var (
			convID string
			p      Participant
		)
		if err := rows.Scan(&convID, &p.UserID, &p.Role); err != nil {
			return nil, err
		}
		out[convID] = append(out[convID], p)
	}
	return out, rows.Err()
}

func (r *Repository) FindConversation(ctx context.Context, participantIDs []string, topic *string) (*Conversation, error) {
	// Same member set: every member is one of ours and there are as many.
	query := `
		SELECT p.conversation_id
		FROM conversation_participants p
		JOIN conversations c ON c.id = p.conversation_id
		WHERE c.topic IS NOT DISTINCT FROM $2
		GROUP BY p.conversation_id, c.last_message_at
		HAVING COUNT(*) = $3
		   AND COUNT(*) FILTER (WHERE p.user_id::text = ANY($1::text[])) = $3
		ORDER BY c.last_message_at DESC
		LIMIT 1`

	var id string
	err := r.db.QueryRowContext(ctx, query, participantIDs, topic, len(participantIDs)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.GetConversation(ctx, id)
}

func (r *Repository) CreateConversation(ctx context.Context, c *Conversation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, topic, product_id, last_message_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Topic, c.ProductID, c.LastMessageAt, c.CreatedAt)
	if err != nil {
		return err
	}

	for i, p := range c.Participants {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, role, position)
			VALUES ($1, $2, $3, $4)`,
			c.ID, p.UserID, string(p.Role), i)
		if isForeignKeyViolation(err) {
			return apperr.NotFound("User not found")
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Repository) ListConversations(ctx context.Context, userID string, offset, limit int) ([]ConversationSummary, int, error) {
	var total int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_participants WHERE user_id = $1`, userID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := `
		SELECT c.id, c.topic, c.product_id, c.last_message_at, c.last_message_id, c.created_at,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.conversation_id = c.id
			   AND NOT EXISTS (
				SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = $1
			   )) AS unread
		FROM conversations c
		JOIN conversation_participants me ON me.conversation_id = c.id AND me.user_id = $1
		ORDER BY c.last_message_at DESC, c.id
		OFFSET $2 LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, userID, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	summaries := []ConversationSummary{}
	for rows.Next() {
		var (
			s                       ConversationSummary
			topic, product, lastMsg sql.NullString
		)
		if err := rows.Scan(&s.ID, &topic, &product, &s.LastMessageAt, &lastMsg, &s.CreatedAt, &s.UnreadCount); err != nil {
			return nil, 0, err
		}
		s.Topic = nullString(topic)
		s.ProductID = nullString(product)
		s.LastMessageID = nullString(lastMsg)
		s.LastMessageAt = s.LastMessageAt.UTC()
		s.CreatedAt = s.CreatedAt.UTC()
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(summaries) == 0 {
		return summaries, total, nil
	}

	ids := lo.Map(summaries, func(s ConversationSummary, _ int) string { return s.ID })
	participants, err := r.participants(ctx, ids)
	if err != nil {
		return nil, 0, err
	}

	lastIDs := lo.FilterMap(summaries, func(s ConversationSummary, _ int) (string, bool) {
		return lo.FromPtr(s.LastMessageID), s.LastMessageID != nil
	})
	last, err := r.messagesByID(ctx, lastIDs)
	if err != nil {
		return nil, 0, err
	}

	for i := range summaries {
		summaries[i].Participants = participants[summaries[i].ID]
		if id := summaries[i].LastMessageID; id != nil {
			if m, ok := last[*id]; ok {
				summaries[i].LastMessage = &m
			}
		}
	}
	return summaries, total, nil
}

func (r *Repository) messagesByID(ctx context.Context, ids []string) (map[string]Message, error) {
	if len(ids) == 0 {
		return map[string]Message{}, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages m WHERE m.id = ANY($1::text[]::uuid[])`, ids)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	return lo.KeyBy(msgs, func(m Message) string { return m.ID }), nil
}

// DeleteConversation removes the conversation; messages, readers and
// participants go with it by cascade.
func (r *Repository) DeleteConversation(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("Conversation not found")
	}
	return nil
}

// ---------------------------------------------
// Messages
// ---------------------------------------------

func (r *Repository) CreateMessage(ctx context.Context, m *Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		fileURL, fileName, ftype sql.NullString
		fileSize                 sql.NullInt64
	)
	if m.File != nil {
		fileURL = sql.NullString{String: m.File.URL, Valid: true}
		fileName = sql.NullString{String: m.File.Name, Valid: true}
		ftype = sql.NullString{String: m.File.Type, Valid: true}
		fileSize = sql.NullInt64{Int64: m.File.Size, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, body, file_url, file_name, file_type, file_size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.ConversationID, m.SenderID, m.Body, fileURL, fileName, ftype, fileSize, m.CreatedAt)
	if isForeignKeyViolation(err) {
		// The conversation was deleted after the participant check.
		return apperr.NotFound("Conversation not found")
	}
	if err != nil {
		return err
	}

	for _, reader := range m.ReadBy {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO message_reads (message_id, user_id, read_at) VALUES ($1, $2, $3)
			ON CONFLICT (message_id, user_id) DO NOTHING`,
			m.ID, reader, m.CreatedAt)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_at = $2, last_message_id = $3 WHERE id = $1`,
		m.ConversationID, m.CreatedAt, m.ID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// MarkRead is a single additive insert, so concurrent calls for the same
// user and conversation commute.
func (r *Repository) MarkRead(ctx context.Context, conversationID, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO message_reads (message_id, user_id)
		SELECT m.id, $2 FROM messages m WHERE m.conversation_id = $1
		ON CONFLICT (message_id, user_id) DO NOTHING`,
		conversationID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]Message, int, error) {
	var total int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.conversation_id = $1
		ORDER BY m.created_at DESC, m.id DESC
		OFFSET $2 LIMIT $3`,
		conversationID, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	return lo.Reverse(msgs), total, nil
}

func (r *Repository) AllMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.conversation_id = $1
		ORDER BY m.created_at, m.id`,
		conversationID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}

// compile-time check
var _ Store = (*Repository)(nil)
