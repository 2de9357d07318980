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

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
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

// schema is applied in order; every statement must be idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		name VARCHAR(120) NOT NULL,
		email VARCHAR(190) UNIQUE NOT NULL,
		password VARCHAR(255) NOT NULL,
		role VARCHAR(16) NOT NULL DEFAULT 'customer'
			CHECK (role IN ('admin', 'agent', 'customer', 'designer', 'merchant')),
		refresh_token TEXT,
		online_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id UUID PRIMARY KEY,
		topic TEXT,
		product_id TEXT,
		last_message_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_message_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS conversations_last_message_at_idx ON conversations (last_message_at DESC)`,

	`CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id UUID REFERENCES conversations(id) ON DELETE CASCADE,
		user_id UUID REFERENCES users(id) ON DELETE CASCADE,
		role VARCHAR(16) NOT NULL,
		position INT NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS conversation_participants_user_idx ON conversation_participants (user_id)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		body TEXT NOT NULL DEFAULT '',
		file_url TEXT,
		file_name TEXT,
		file_type TEXT,
		file_size BIGINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_created_idx ON messages (conversation_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS message_reads (
		message_id UUID REFERENCES messages(id) ON DELETE CASCADE,
		user_id UUID REFERENCES users(id) ON DELETE CASCADE,
		read_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (message_id, user_id)
	)`,
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	for _, query := range schema {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
