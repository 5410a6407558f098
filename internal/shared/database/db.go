package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/mrmushfiq/codeassist-gateway/internal/shared/models"
)

type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// EnsureSchema creates the request log table if it does not exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, createRequestLogsTable)
	if err != nil {
		return fmt.Errorf("create request_logs: %w", err)
	}
	return nil
}

const createRequestLogsTable = `
	CREATE TABLE IF NOT EXISTS request_logs (
		id                BIGSERIAL PRIMARY KEY,
		requested_model   TEXT NOT NULL,
		resolved_model    TEXT NOT NULL,
		mode              TEXT NOT NULL,
		project_id        TEXT NOT NULL DEFAULT '',
		stream            BOOLEAN NOT NULL,
		prompt_tokens     INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens      INTEGER NOT NULL DEFAULT 0,
		latency_ms        INTEGER NOT NULL,
		status_code       INTEGER NOT NULL,
		cooldown_armed    BOOLEAN NOT NULL DEFAULT FALSE,
		error_message     TEXT,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

// LogRequest logs a gateway request
func (db *DB) LogRequest(ctx context.Context, entry *models.RequestLog) error {
	query := `
		INSERT INTO request_logs (
			requested_model, resolved_model, mode, project_id, stream,
			prompt_tokens, completion_tokens, total_tokens, latency_ms,
			status_code, cooldown_armed, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		entry.RequestedModel,
		entry.ResolvedModel,
		string(entry.Mode),
		entry.ProjectID,
		entry.Stream,
		entry.PromptTokens,
		entry.CompletionTokens,
		entry.TotalTokens,
		entry.LatencyMs,
		entry.StatusCode,
		entry.CooldownArmed,
		entry.ErrorMessage,
	)

	return err
}
