package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/campuscreators/chatfeed/internal/db"
	"github.com/campuscreators/chatfeed/internal/feed"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const uniqueViolation = "23505"

// Repository is the PostgreSQL Store. Writes are announced through the
// Hub so live queries on every instance re-read their window.
type Repository struct {
	db     *sql.DB
	hub    *Hub
	resync time.Duration
}

func NewRepository(conn *sql.DB, hub *Hub, resync time.Duration) *Repository {
	return &Repository{db: conn, hub: hub, resync: resync}
}

const selectMessages = `
	SELECT m.id, m.conv_kind, m.conv_id, m.sender_id, m.sender_name, m.text,
	       m.reply_to, m.everyone, m.mentions, m.local_sent_at, m.sent_at,
	       COALESCE((
	           SELECT json_agg(json_build_array(r.emoji, r.user_id) ORDER BY r.created_at)
	           FROM message_reactions r
	           WHERE r.message_id = m.id
	       ), '[]'::json)
	FROM messages m`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m         Message
		kind, id  string
		replyJSON []byte
		mentions  []byte
		localSent sql.NullTime
		reactions []byte
	)
	if err := row.Scan(&m.ID, &kind, &id, &m.SenderID, &m.SenderDisplayName, &m.Text,
		&replyJSON, &m.Everyone, &mentions, &localSent, &m.SentAt, &reactions); err != nil {
		return nil, err
	}
	m.Conversation = Ref{Kind: Kind(kind), ID: id}
	m.SentAt = m.SentAt.UTC()
	if localSent.Valid {
		t := localSent.Time.UTC()
		m.LocalSentAt = &t
	}
	if len(replyJSON) > 0 && string(replyJSON) != "null" {
		m.ReplyTo = &ReplySnapshot{}
		if err := json.Unmarshal(replyJSON, m.ReplyTo); err != nil {
			return nil, errors.Wrapf(err, "decode reply_to of %s", m.ID)
		}
	}
	if len(mentions) > 0 {
		if err := json.Unmarshal(mentions, &m.Mentions); err != nil {
			return nil, errors.Wrapf(err, "decode mentions of %s", m.ID)
		}
	}
	var pairs [][2]string
	if err := json.Unmarshal(reactions, &pairs); err != nil {
		return nil, errors.Wrapf(err, "decode reactions of %s", m.ID)
	}
	m.Reactions = make(map[string][]string, len(pairs))
	for _, p := range pairs {
		m.Reactions[p[0]] = append(m.Reactions[p[0]], p[1])
	}
	m.normalize()
	return &m, nil
}

func (r *Repository) Subscribe(ctx context.Context, ref Ref, limit int) (feed.Subscription[*Message], error) {
	signal, release, err := r.hub.Listen(ctx, ref)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", ref)
	}
	query := func(ctx context.Context) ([]*Message, error) {
		return r.FetchBefore(ctx, ref, feed.Cursor{}, limit)
	}
	return newSnapshotSubscription(ctx, signal, r.resync, query, release), nil
}

func (r *Repository) WatchBlocks(ctx context.Context) (<-chan struct{}, func(), error) {
	signal, release, err := r.hub.listen(ctx, blocksKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "listen on blocked sets")
	}
	return signal, release, nil
}

func (r *Repository) AnnounceBlocks(ctx context.Context) error {
	return r.hub.publish(ctx, blocksKey)
}

func (r *Repository) FetchBefore(ctx context.Context, ref Ref, cursor feed.Cursor, limit int) ([]*Message, error) {
	return fillPage(ref, cursor, limit, func(cursor feed.Cursor, limit int) ([]*Message, error) {
		return r.fetchRows(ctx, ref, cursor, limit)
	})
}

// fillPage reads rows through fetch until it holds limit valid messages or
// the conversation runs out. Malformed rows are skipped and replaced with
// older ones, so a short page still means there is no more history.
func fillPage(ref Ref, cursor feed.Cursor, limit int, fetch func(feed.Cursor, int) ([]*Message, error)) ([]*Message, error) {
	page := make([]*Message, 0, max(limit, 0))
	for want := limit; want > 0; want = limit - len(page) {
		rows, err := fetch(cursor, want)
		if err != nil {
			return nil, err
		}
		for _, m := range rows {
			if err := m.validate(); err != nil {
				jww.WARN.Printf("[CHAT] skipping malformed message in %s: %v", ref, err)
				continue
			}
			page = append(page, m)
		}
		if len(rows) < want {
			break
		}
		next := feed.CursorOf(rows[len(rows)-1])
		if next.IsZero() || (!cursor.IsZero() && !next.Less(cursor)) {
			// cannot page past a row without a usable key
			break
		}
		cursor = next
	}
	return page, nil
}

func (r *Repository) fetchRows(ctx context.Context, ref Ref, cursor feed.Cursor, limit int) ([]*Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor.IsZero() {
		rows, err = r.db.QueryContext(ctx, selectMessages+`
			WHERE m.conv_kind = $1 AND m.conv_id = $2
			ORDER BY m.sent_at DESC, m.id DESC
			LIMIT $3`, string(ref.Kind), ref.ID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, selectMessages+`
			WHERE m.conv_kind = $1 AND m.conv_id = $2 AND (m.sent_at, m.id) < ($3, $4)
			ORDER BY m.sent_at DESC, m.id DESC
			LIMIT $5`, string(ref.Kind), ref.ID, cursor.Time, cursor.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]*Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *Repository) InsertMessage(ctx context.Context, m *Message) error {
	m.ID = uuid.NewString()
	m.normalize()

	var reply []byte
	if m.ReplyTo != nil {
		b, err := json.Marshal(m.ReplyTo)
		if err != nil {
			return err
		}
		reply = b
	}
	mentions, err := json.Marshal(append([]string{}, m.Mentions...))
	if err != nil {
		return err
	}
	var localSent sql.NullTime
	if m.LocalSentAt != nil {
		localSent = sql.NullTime{Time: *m.LocalSentAt, Valid: true}
	}

	query := `
		INSERT INTO messages (id, conv_kind, conv_id, sender_id, sender_name, text, reply_to, everyone, mentions, local_sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING sent_at`
	err = r.db.QueryRowContext(ctx, query, m.ID, string(m.Conversation.Kind), m.Conversation.ID,
		m.SenderID, m.SenderDisplayName, m.Text, reply, m.Everyone, mentions, localSent).Scan(&m.SentAt)
	if err != nil {
		return err
	}
	m.SentAt = m.SentAt.UTC()
	r.hub.announce(ctx, m.Conversation)
	return nil
}

func (r *Repository) GetMessage(ctx context.Context, ref Ref, id string) (*Message, error) {
	row := r.db.QueryRowContext(ctx, selectMessages+`
		WHERE m.conv_kind = $1 AND m.conv_id = $2 AND m.id = $3`, string(ref.Kind), ref.ID, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "message %s", id)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Repository) DeleteMessage(ctx context.Context, ref Ref, id string) error {
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pinned_messages WHERE conv_kind = $1 AND conv_id = $2 AND message_id = $3`,
			string(ref.Kind), ref.ID, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE conv_kind = $1 AND conv_id = $2 AND id = $3`,
			string(ref.Kind), ref.ID, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Wrapf(ErrNotFound, "message %s", id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.hub.announce(ctx, ref)
	return nil
}

func (r *Repository) AddReaction(ctx context.Context, ref Ref, messageID, emoji, userID string) error {
	query := `
		INSERT INTO message_reactions (message_id, emoji, user_id)
		SELECT id, $4, $5 FROM messages WHERE conv_kind = $1 AND conv_id = $2 AND id = $3
		ON CONFLICT (message_id, emoji, user_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, string(ref.Kind), ref.ID, messageID, emoji, userID); err != nil {
		return err
	}
	r.hub.announce(ctx, ref)
	return nil
}

func (r *Repository) RemoveReaction(ctx context.Context, ref Ref, messageID, emoji, userID string) error {
	query := `DELETE FROM message_reactions WHERE message_id = $1 AND emoji = $2 AND user_id = $3`
	if _, err := r.db.ExecContext(ctx, query, messageID, emoji, userID); err != nil {
		return err
	}
	r.hub.announce(ctx, ref)
	return nil
}

func (r *Repository) GetPin(ctx context.Context, ref Ref) (*Pin, error) {
	pin := &Pin{Conversation: ref}
	err := r.db.QueryRowContext(ctx,
		`SELECT message_id, pinned_by, pinned_at FROM pinned_messages WHERE conv_kind = $1 AND conv_id = $2`,
		string(ref.Kind), ref.ID).Scan(&pin.MessageID, &pin.PinnedBy, &pin.PinnedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pin, nil
}

func (r *Repository) SetPin(ctx context.Context, pin Pin) error {
	query := `
		INSERT INTO pinned_messages (conv_kind, conv_id, message_id, pinned_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conv_kind, conv_id)
		DO UPDATE SET message_id = EXCLUDED.message_id, pinned_by = EXCLUDED.pinned_by, pinned_at = now()`
	if _, err := r.db.ExecContext(ctx, query, string(pin.Conversation.Kind), pin.Conversation.ID, pin.MessageID, pin.PinnedBy); err != nil {
		return err
	}
	r.hub.announce(ctx, pin.Conversation)
	return nil
}

func (r *Repository) ClearPin(ctx context.Context, ref Ref) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM pinned_messages WHERE conv_kind = $1 AND conv_id = $2`, string(ref.Kind), ref.ID); err != nil {
		return err
	}
	r.hub.announce(ctx, ref)
	return nil
}

func (r *Repository) InsertReport(ctx context.Context, rep *Report) error {
	rep.ID = uuid.NewString()
	query := `
		INSERT INTO message_reports (id, conv_kind, conv_id, message_id, message_text, sender_id, reporter_id, reason, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`
	return r.db.QueryRowContext(ctx, query, rep.ID, string(rep.Conversation.Kind), rep.Conversation.ID,
		rep.MessageID, rep.MessageText, rep.SenderID, rep.ReporterID, string(rep.Reason), rep.Details).Scan(&rep.CreatedAt)
}

func (r *Repository) CreateConversation(ctx context.Context, c *Conversation) error {
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO conversations (kind, id, title, created_by) VALUES ($1, $2, $3, $4) RETURNING created_at`,
			string(c.Ref.Kind), c.Ref.ID, c.Title, c.CreatedBy).Scan(&c.CreatedAt)
		if err != nil {
			return err
		}
		return addMembers(ctx, tx, c.Ref, c.Members)
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errors.Wrapf(ErrValidation, "conversation %s already exists", c.Ref)
	}
	return err
}

func addMembers(ctx context.Context, tx *sql.Tx, ref Ref, userIDs []string) error {
	for _, id := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_members (conv_kind, conv_id, user_id) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`, string(ref.Kind), ref.ID, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) GetConversation(ctx context.Context, ref Ref) (*Conversation, error) {
	c := &Conversation{Ref: ref}
	err := r.db.QueryRowContext(ctx,
		`SELECT title, created_by, created_at FROM conversations WHERE kind = $1 AND id = $2`,
		string(ref.Kind), ref.ID).Scan(&c.Title, &c.CreatedBy, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "conversation %s", ref)
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_members WHERE conv_kind = $1 AND conv_id = $2 ORDER BY joined_at`,
		string(ref.Kind), ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		c.Members = append(c.Members, id)
	}
	return c, rows.Err()
}

func (r *Repository) AddMembers(ctx context.Context, ref Ref, userIDs ...string) error {
	if _, err := r.GetConversation(ctx, ref); err != nil {
		return err
	}
	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		return addMembers(ctx, tx, ref, userIDs)
	})
}

func (r *Repository) RemoveMember(ctx context.Context, ref Ref, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM conversation_members WHERE conv_kind = $1 AND conv_id = $2 AND user_id = $3`,
		string(ref.Kind), ref.ID, userID)
	return err
}

func (r *Repository) DeleteConversation(ctx context.Context, ref Ref) error {
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM pinned_messages WHERE conv_kind = $1 AND conv_id = $2`,
			`DELETE FROM messages WHERE conv_kind = $1 AND conv_id = $2`,
			`DELETE FROM conversation_members WHERE conv_kind = $1 AND conv_id = $2`,
		} {
			if _, err := tx.ExecContext(ctx, q, string(ref.Kind), ref.ID); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE kind = $1 AND id = $2`, string(ref.Kind), ref.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Wrapf(ErrNotFound, "conversation %s", ref)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.hub.announce(ctx, ref)
	return nil
}
