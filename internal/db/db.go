package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

func (d *Database) AutoMigrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            display_name VARCHAR(100) NOT NULL,
            password VARCHAR(255) NOT NULL,
            is_admin BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		`CREATE TABLE IF NOT EXISTS blocked_users (
            user_id TEXT REFERENCES users(id) ON DELETE CASCADE,
            blocked_id TEXT NOT NULL,
            scope VARCHAR(10) CHECK (scope IN ('self', 'admin')) DEFAULT 'self',
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            PRIMARY KEY (user_id, blocked_id)
        )`,

		`CREATE TABLE IF NOT EXISTS admin_blocks (
            user_id TEXT PRIMARY KEY,
            blocked_by TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		`CREATE TABLE IF NOT EXISTS conversations (
            kind VARCHAR(10) CHECK (kind IN ('subchat', 'campaign')),
            id TEXT NOT NULL,
            title TEXT NOT NULL DEFAULT '',
            created_by TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            PRIMARY KEY (kind, id)
        )`,

		`CREATE TABLE IF NOT EXISTS conversation_members (
            conv_kind VARCHAR(10) NOT NULL,
            conv_id TEXT NOT NULL,
            user_id TEXT NOT NULL,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            PRIMARY KEY (conv_kind, conv_id, user_id),
            FOREIGN KEY (conv_kind, conv_id) REFERENCES conversations(kind, id) ON DELETE CASCADE
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            conv_kind VARCHAR(10) NOT NULL,
            conv_id TEXT NOT NULL,
            sender_id TEXT NOT NULL,
            sender_name TEXT NOT NULL,
            text TEXT NOT NULL,
            reply_to JSONB,
            everyone BOOLEAN NOT NULL DEFAULT FALSE,
            mentions JSONB NOT NULL DEFAULT '[]',
            local_sent_at TIMESTAMPTZ,
            sent_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
        )`,

		`CREATE INDEX IF NOT EXISTS messages_conversation_order
            ON messages (conv_kind, conv_id, sent_at DESC, id DESC)`,

		`CREATE TABLE IF NOT EXISTS message_reactions (
            message_id TEXT REFERENCES messages(id) ON DELETE CASCADE,
            emoji TEXT NOT NULL,
            user_id TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            PRIMARY KEY (message_id, emoji, user_id)
        )`,

		`CREATE TABLE IF NOT EXISTS pinned_messages (
            conv_kind VARCHAR(10) NOT NULL,
            conv_id TEXT NOT NULL,
            message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
            pinned_by TEXT NOT NULL,
            pinned_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            PRIMARY KEY (conv_kind, conv_id)
        )`,

		`CREATE TABLE IF NOT EXISTS message_reports (
            id TEXT PRIMARY KEY,
            conv_kind VARCHAR(10) NOT NULL,
            conv_id TEXT NOT NULL,
            message_id TEXT NOT NULL,
            message_text TEXT NOT NULL,
            sender_id TEXT NOT NULL,
            reporter_id TEXT NOT NULL,
            reason VARCHAR(50) NOT NULL,
            details TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,
	}

	for _, query := range queries {
		_, err := d.Conn.Exec(query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// WithTx runs fn in one transaction: every write in fn commits or none
// does.
func WithTx(ctx context.Context, conn *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
