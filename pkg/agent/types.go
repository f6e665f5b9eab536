// Package agent implements the AgentRunner: it drives a per-session child
// agent process (local subprocess or sandbox VM), fans its stream events
// into a well-typed internal event stream, enforces tool-safety policy,
// and tracks session lifecycle (spec §4.2). It is deliberately ignorant of
// IM platforms; the Multiplexer layer owns that translation.
package agent

import (
	"context"
	"sync"
	"time"
)

// ExecutionMode selects how a session's agent process is hosted.
type ExecutionMode string

const (
	ModeLocal   ExecutionMode = "local"
	ModeSandbox ExecutionMode = "sandbox"
	ModeAuto    ExecutionMode = "auto"
)

// ConfirmationMode selects how AskUserQuestion and destructive-tool
// approval are surfaced. IM conversations always use text.
type ConfirmationMode string

const (
	ConfirmationText  ConfirmationMode = "text"
	ConfirmationModal ConfirmationMode = "modal"
)

// Status is the AgentSession lifecycle state (spec §4.2 state machine).
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// MessageType enumerates AgentMessage.Type values (spec §3).
type MessageType string

const (
	MessageUser       MessageType = "user"
	MessageAssistant  MessageType = "assistant"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageSystem     MessageType = "system"
)

// Message is one entry of an AgentSession's ordered message log (spec
// §3's AgentMessage). Assistant messages may be mutated in place while
// IsStreaming, then sealed.
type Message struct {
	ID           string
	SessionID    string
	Type         MessageType
	Content      string
	IsThinking   bool
	IsStreaming  bool
	IsFinal      bool
	IsError      bool
	ToolName     string
	ToolInput    map[string]any
	ToolUseID    string
	SkillIDs     []string
	CreatedAt    time.Time
}

// Clone returns a shallow copy safe to hand to an event subscriber
// without racing the runner's subsequent in-place mutation.
func (m Message) Clone() Message {
	c := m
	if m.ToolInput != nil {
		c.ToolInput = make(map[string]any, len(m.ToolInput))
		for k, v := range m.ToolInput {
			c.ToolInput[k] = v
		}
	}
	if m.SkillIDs != nil {
		c.SkillIDs = append([]string(nil), m.SkillIDs...)
	}
	return c
}

// PermissionRequest is raised when the child agent wants to use a tool
// that requires approval (spec §3).
type PermissionRequest struct {
	RequestID string
	SessionID string
	ToolName  string
	ToolInput map[string]any
}

// PermissionResult answers a PermissionRequest.
type PermissionResult struct {
	Behavior     string // "allow" or "deny"
	UpdatedInput map[string]any
	Message      string
}

// StartOptions configures startSession/continueSession (spec §4.2).
type StartOptions struct {
	WorkspaceRoot          string
	ConfirmationMode       ConfirmationMode
	SystemPrompt           string
	SkillIDs               []string
	AutoApprove            bool
	SkipInitialUserMessage bool
}

// AgentSession is the per-conversation persistent conversational context
// with the agent runtime (spec §3).
type AgentSession struct {
	mu sync.Mutex

	ID               string
	WorkspaceRoot    string
	Cwd              string
	SystemPrompt     string
	ClaudeSessionID  string // opaque external continuation token
	ExecutionMode    ExecutionMode
	ConfirmationMode ConfirmationMode
	Status           Status
	AutoApprove      bool

	messages []Message

	cancel context.CancelFunc
	stopped bool

	// hasAssistantTextOutput / hasAssistantThinkingOutput track, per
	// current turn, whether streaming already produced text/thinking for
	// this session so the aggregated assistant.message.content event does
	// not duplicate it (spec §4.2 event-stream interpretation, step 2).
	hasAssistantTextOutput     bool
	hasAssistantThinkingOutput bool
}

func newAgentSession(id, workspaceRoot, systemPrompt string, mode ExecutionMode) *AgentSession {
	return &AgentSession{
		ID:            id,
		WorkspaceRoot: workspaceRoot,
		Cwd:           workspaceRoot,
		SystemPrompt:  systemPrompt,
		ExecutionMode: mode,
		Status:        StatusIdle,
	}
}

// Messages returns a snapshot of the ordered message log.
func (s *AgentSession) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// Events are the five named channels an observer subscribes to (spec §9:
// "observer registration surface with five named channels").
type Events struct {
	Message           chan Message
	MessageUpdate     chan MessageUpdate
	PermissionRequest chan PermissionRequest
	Complete          chan Complete
	Error             chan Error
}

// MessageUpdate reports an in-place content replacement for an
// already-appended streaming message.
type MessageUpdate struct {
	SessionID string
	MessageID string
	Content   string
}

// Complete signals a turn finished successfully; the subscriber (the
// Multiplexer's Accumulator) computes its own reply text from the
// message log.
type Complete struct {
	SessionID string
}

// Error carries a fatal per-turn error.
type Error struct {
	SessionID string
	Err       error
}

func newEvents(buffer int) *Events {
	return &Events{
		Message:           make(chan Message, buffer),
		MessageUpdate:     make(chan MessageUpdate, buffer),
		PermissionRequest: make(chan PermissionRequest, buffer),
		Complete:          make(chan Complete, buffer),
		Error:             make(chan Error, buffer),
	}
}
