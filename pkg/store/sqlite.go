package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/coworkhq/imgateway/pkg/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteStore is the production Store, matching the persistence schema of
// spec §6 (one row per conversation mapping, an ordered message log keyed
// by agent_session_id, and a generic im_config key/value table for
// GatewayManager's persisted configuration).
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path and applies
// any pending migrations.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	dbDriver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("constructing migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	logger.InfoCF("store", "schema up to date", nil)
	return nil
}

func (s *SQLiteStore) GetMapping(ctx context.Context, platform, conversationID string) (SessionMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT im_conversation_id, platform, agent_session_id, created_at, last_active_at
		FROM session_mappings WHERE platform = ? AND im_conversation_id = ?`,
		platform, conversationID)

	var m SessionMapping
	var createdAt, lastActiveAt int64
	if err := row.Scan(&m.IMConversationID, &m.Platform, &m.AgentSessionID, &createdAt, &lastActiveAt); err != nil {
		if err == sql.ErrNoRows {
			return SessionMapping{}, ErrNotFound
		}
		return SessionMapping{}, fmt.Errorf("querying session mapping: %w", err)
	}
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.LastActiveAt = time.UnixMilli(lastActiveAt).UTC()
	return m, nil
}

func (s *SQLiteStore) CreateMapping(ctx context.Context, m SessionMapping) error {
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.LastActiveAt.IsZero() {
		m.LastActiveAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_mappings (im_conversation_id, platform, agent_session_id, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(im_conversation_id, platform) DO UPDATE SET
			agent_session_id = excluded.agent_session_id,
			last_active_at = excluded.last_active_at`,
		m.IMConversationID, m.Platform, m.AgentSessionID, m.CreatedAt.UnixMilli(), m.LastActiveAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("inserting session mapping: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TouchMapping(ctx context.Context, platform, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE session_mappings SET last_active_at = ? WHERE platform = ? AND im_conversation_id = ?`,
		time.Now().UnixMilli(), platform, conversationID)
	if err != nil {
		return fmt.Errorf("touching session mapping: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteMapping(ctx context.Context, platform, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM session_mappings WHERE platform = ? AND im_conversation_id = ?`,
		platform, conversationID)
	if err != nil {
		return fmt.Errorf("deleting session mapping: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, rec MessageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, agent_session_id, type, content, tool_name, tool_use_id, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentSessionID, rec.Type, rec.Content, rec.ToolName, rec.ToolUseID, rec.IsError, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, agentSessionID string) ([]MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_session_id, type, content, tool_name, tool_use_id, is_error, created_at
		FROM messages WHERE agent_session_id = ? ORDER BY created_at ASC, rowid ASC`, agentSessionID)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		var toolName, toolUseID sql.NullString
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.AgentSessionID, &rec.Type, &rec.Content, &toolName, &toolUseID, &rec.IsError, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		rec.ToolName = toolName.String
		rec.ToolUseID = toolUseID.String
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, agentSessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE agent_session_id = ?`, agentSessionID)
	if err != nil {
		return fmt.Errorf("deleting session messages: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SetConfigValue / GetConfigValue back GatewayManager.SetConfig's durable
// persistence of per-platform transport config (spec §4.3, §6).
func (s *SQLiteStore) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO im_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("writing config value: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConfigValue(ctx context.Context, key string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM im_config WHERE key = ?`, key)
	var v string
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("reading config value: %w", err)
	}
	return v, nil
}
