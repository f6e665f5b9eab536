// Package store implements the MessageStore external collaborator
// (spec §2.1, §6): persistence for conversation→session mappings and the
// ordered per-session message log. The core (agent, multiplexer) depends
// only on the Store interface; SQLiteStore is the concrete adapter.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

// SessionMapping is the persisted (platform, conversation) → agent
// session association (spec §3, §6).
type SessionMapping struct {
	IMConversationID string
	Platform         string
	AgentSessionID   string
	CreatedAt        time.Time
	LastActiveAt     time.Time
}

// MessageRecord is one persisted message of an agent session's message log.
// It mirrors the fields of agent.Message that matter once a turn has
// completed; AgentRunner is the only writer, Multiplexer only reads.
type MessageRecord struct {
	ID           string
	AgentSessionID string
	Type         string // user, assistant, tool_use, tool_result, system
	Content      string
	ToolName     string
	ToolUseID    string
	IsError      bool
	CreatedAt    time.Time
}

// Store is the persistence boundary the core depends on.
type Store interface {
	// GetMapping returns the SessionMapping for (platform, conversationID),
	// or ErrNotFound.
	GetMapping(ctx context.Context, platform, conversationID string) (SessionMapping, error)

	// CreateMapping persists a mapping. If one already exists for the same
	// (platform, conversationID), its AgentSessionID and LastActiveAt are
	// overwritten.
	CreateMapping(ctx context.Context, m SessionMapping) error

	// TouchMapping updates LastActiveAt to now.
	TouchMapping(ctx context.Context, platform, conversationID string) error

	// DeleteMapping removes a mapping (used by /new and staleness repair).
	DeleteMapping(ctx context.Context, platform, conversationID string) error

	// AppendMessage appends one message to a session's ordered log.
	AppendMessage(ctx context.Context, rec MessageRecord) error

	// History returns a session's ordered message log.
	History(ctx context.Context, agentSessionID string) ([]MessageRecord, error)

	// DeleteSession removes all persisted state for an agent session.
	DeleteSession(ctx context.Context, agentSessionID string) error

	// SetConfigValue / GetConfigValue persist GatewayManager's per-platform
	// transport configuration as opaque JSON blobs (spec §4.3, §6).
	SetConfigValue(ctx context.Context, key, value string) error
	GetConfigValue(ctx context.Context, key string) (string, error)

	Close() error
}
