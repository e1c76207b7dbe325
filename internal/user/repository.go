package user

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/campuscreators/chatfeed/internal/chat"
	"github.com/campuscreators/chatfeed/internal/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateUser stores user. Users that are blocked by an admin at this point
// start out blocked for the new user too.
func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	user.ID = uuid.NewString()
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		query := `
			INSERT INTO users (id, username, display_name, password, is_admin)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at`
		err := tx.QueryRowContext(ctx, query, user.ID, user.Username, user.DisplayName, user.Password, user.IsAdmin).
			Scan(&user.CreatedAt)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO blocked_users (user_id, blocked_id, scope)
			SELECT $1, user_id, 'admin' FROM admin_blocks WHERE user_id <> $1
			ON CONFLICT DO NOTHING`, user.ID)
		return err
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return nil, errors.Wrap(ErrUserExists, user.Username)
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u := &User{}
	query := "SELECT id, username, display_name, password, is_admin, created_at FROM users WHERE username = $1"

	err := r.db.QueryRowContext(ctx, query, username).
		Scan(&u.ID, &u.Username, &u.DisplayName, &u.Password, &u.IsAdmin, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(ErrUserNotFound, username)
		}
		return nil, err
	}

	return u, nil
}

func (r *Repository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	// We limit to 10 to keep it fast
	q := `SELECT id, username, display_name, is_admin FROM users
	      WHERE username ILIKE $1 OR display_name ILIKE $1
	      ORDER BY username LIMIT 10`
	rows, err := r.db.QueryContext(ctx, q, "%"+query+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.IsAdmin); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// All returns every profile with its blocked set, oldest account first.
func (r *Repository) All(ctx context.Context) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.display_name, u.is_admin, u.created_at,
		       COALESCE((SELECT json_agg(b.blocked_id ORDER BY b.blocked_id)
		                 FROM blocked_users b WHERE b.user_id = u.id), '[]'::json)
		FROM users u
		ORDER BY u.created_at, u.username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var (
			u       User
			blocked []byte
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.IsAdmin, &u.CreatedAt, &blocked); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(blocked, &u.Blocked); err != nil {
			return nil, errors.Wrapf(err, "decode blocked set of %s", u.ID)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ---------------------------------------------
// 🚫 Blocked sets (chat.Users)
// ---------------------------------------------

func (r *Repository) BlockedSet(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT blocked_id FROM blocked_users WHERE user_id = $1 ORDER BY blocked_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) AddBlocked(ctx context.Context, userID, target string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO blocked_users (user_id, blocked_id, scope) VALUES ($1, $2, 'self')
		ON CONFLICT (user_id, blocked_id) DO NOTHING`, userID, target)
	return err
}

func (r *Repository) RemoveBlocked(ctx context.Context, userID, target string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM blocked_users WHERE user_id = $1 AND blocked_id = $2`, userID, target)
	return err
}

func (r *Repository) AdminBlock(ctx context.Context, target, by string) error {
	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO admin_blocks (user_id, blocked_by) VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET blocked_by = EXCLUDED.blocked_by`, target, by); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO blocked_users (user_id, blocked_id, scope)
			SELECT id, $1, 'admin' FROM users WHERE id <> $1
			ON CONFLICT (user_id, blocked_id) DO NOTHING`, target)
		return err
	})
}

// AdminUnblock removes the admin-sourced entries only; blocks users placed
// themselves stay.
func (r *Repository) AdminUnblock(ctx context.Context, target string) error {
	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM blocked_users WHERE blocked_id = $1 AND scope = 'admin'`, target); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM admin_blocks WHERE user_id = $1`, target)
		return err
	})
}

func (r *Repository) IsAdminBlocked(ctx context.Context, target string) (bool, error) {
	var blocked bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM admin_blocks WHERE user_id = $1)`, target).Scan(&blocked)
	return blocked, err
}

// Directory maps the mention handle of every display name and username to
// its user id. Usernames win over display names.
func (r *Repository) Directory(ctx context.Context) (map[string]string, error) {
	users, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	return directory(users), nil
}

func directory(users []User) map[string]string {
	dir := make(map[string]string, len(users)*2)
	for _, u := range users {
		if h := chat.Handle(u.DisplayName); h != "" {
			dir[h] = u.ID
		}
	}
	for _, u := range users {
		if h := chat.Handle(u.Username); h != "" {
			dir[h] = u.ID
		}
	}
	return dir
}

func (r *Repository) AdminIDs(ctx context.Context) ([]string, error) {
	return r.ids(ctx, `SELECT id FROM users WHERE is_admin ORDER BY id`)
}

func (r *Repository) UserIDs(ctx context.Context) ([]string, error) {
	return r.ids(ctx, `SELECT id FROM users ORDER BY id`)
}

func (r *Repository) ids(ctx context.Context, query string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
