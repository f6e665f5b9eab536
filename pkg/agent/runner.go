package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coworkhq/imgateway/pkg/constants"
	"github.com/coworkhq/imgateway/pkg/logger"
	"github.com/coworkhq/imgateway/pkg/store"
)

// RunnerConfig configures the AgentRunner's process-hosting defaults.
type RunnerConfig struct {
	BinaryPath      string
	Model           string
	DefaultMode     ExecutionMode
	PermissionTTL   time.Duration
	SandboxEnabled  bool
}

// pendingPermission tracks one outstanding PermissionRequest awaiting a
// PermissionResult (spec §3, §4.2). Resolution is exactly once, enforced
// by the once guard.
type pendingPermission struct {
	sessionID string
	once      sync.Once
	resolve   chan PermissionResult
	timer     *time.Timer
}

// Runner is the AgentRunner (spec §4.2): it owns per-session child
// processes, fans their output into the shared Events channels, enforces
// tool-safety policy, and tracks session lifecycle. One Runner instance
// is shared across every AgentSession; subscribers filter by session id
// (spec §9: "observer registration surface with five named channels").
type Runner struct {
	cfg   RunnerConfig
	store store.Store
	events *Events

	mu       sync.RWMutex
	sessions map[string]*AgentSession
	turnLock map[string]*sync.Mutex // per-session serialization (spec §5)
	turnDone map[string]chan struct{}
	procs    map[string]*localProcess
	vms      map[string]*sandboxVM

	pendingMu  sync.Mutex
	pending    map[string]*pendingPermission
	stopped    map[string]bool

	hostTools HostToolHandler
}

// SetHostToolHandler registers the handler for sandbox-VM host-tool
// bridge requests (spec §4.2). Optional: unset handlers reply with an error.
func (r *Runner) SetHostToolHandler(h HostToolHandler) {
	r.hostTools = h
}

// NewRunner constructs an AgentRunner backed by st for message
// persistence (spec §5: "AgentRunner writes, Multiplexer only reads").
func NewRunner(cfg RunnerConfig, st store.Store) *Runner {
	if cfg.PermissionTTL == 0 {
		cfg.PermissionTTL = constants.PermissionTimeout
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = ModeLocal
	}
	return &Runner{
		cfg:      cfg,
		store:    st,
		events:   newEvents(64),
		sessions: make(map[string]*AgentSession),
		turnLock: make(map[string]*sync.Mutex),
		turnDone: make(map[string]chan struct{}),
		procs:    make(map[string]*localProcess),
		vms:      make(map[string]*sandboxVM),
		pending:  make(map[string]*pendingPermission),
		stopped:  make(map[string]bool),
	}
}

// Events exposes the shared observer channels.
func (r *Runner) Events() *Events { return r.events }

// CreateSession creates a brand-new AgentSession (spec §4.1 step 1: the
// Multiplexer calls this when a SessionMapping is missing or dangling).
func (r *Runner) CreateSession(workspaceRoot, systemPrompt string, mode ExecutionMode) *AgentSession {
	id := uuid.NewString()
	s := newAgentSession(id, workspaceRoot, systemPrompt, mode)
	r.mu.Lock()
	r.sessions[id] = s
	r.turnLock[id] = &sync.Mutex{}
	r.mu.Unlock()
	return s
}

// Session looks up an AgentSession by id.
func (r *Runner) Session(id string) (*AgentSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// DeleteSession tears down a session's process/VM and forgets it (spec
// §4.1 clearSessionForConversation).
func (r *Runner) DeleteSession(id string) {
	r.StopSession(id)
	r.mu.Lock()
	delete(r.sessions, id)
	delete(r.turnLock, id)
	delete(r.turnDone, id)
	delete(r.procs, id)
	delete(r.vms, id)
	r.mu.Unlock()
}

// IsSessionActive reports whether a session has a running local process
// or sandbox VM (spec §4.1 step 5's "currently active" check).
func (r *Runner) IsSessionActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.procs[id]; ok && p.alive() {
		return true
	}
	if v, ok := r.vms[id]; ok && v.alive() {
		return true
	}
	return false
}

// StartSession transitions the session to running, appends the user
// message (unless skipped), and runs one turn (spec §4.2).
func (r *Runner) StartSession(ctx context.Context, sessionID, prompt string, opts StartOptions) error {
	s, ok := r.Session(sessionID)
	if !ok {
		return fmt.Errorf("agent: session %s not found", sessionID)
	}
	return r.runTurn(ctx, s, prompt, opts, true)
}

// ContinueSession reuses the active process if any; otherwise behaves
// like StartSession (spec §4.2).
func (r *Runner) ContinueSession(ctx context.Context, sessionID, prompt string, opts StartOptions) error {
	s, ok := r.Session(sessionID)
	if !ok {
		return fmt.Errorf("agent: session %s not found", sessionID)
	}
	return r.runTurn(ctx, s, prompt, opts, false)
}

func (r *Runner) runTurn(ctx context.Context, s *AgentSession, prompt string, opts StartOptions, fresh bool) error {
	r.mu.RLock()
	lock := r.turnLock[s.ID]
	r.mu.RUnlock()
	if lock == nil {
		return fmt.Errorf("agent: session %s not found", s.ID)
	}

	// Two turns on the same session never interleave (spec §5): acquire
	// the per-session turn lock, which blocks until any in-flight turn's
	// Complete/Error has fired.
	lock.Lock()
	defer lock.Unlock()

	if r.isStopped(s.ID) {
		return fmt.Errorf("agent: session %s stopped", s.ID)
	}

	s.mu.Lock()
	if opts.SystemPrompt != "" && opts.SystemPrompt != s.SystemPrompt {
		// claudeSessionId MUST be cleared whenever the effective system
		// prompt changes, to force a fresh continuation (spec §3 invariant).
		s.SystemPrompt = opts.SystemPrompt
		s.ClaudeSessionID = ""
	}
	if opts.ConfirmationMode != "" {
		s.ConfirmationMode = opts.ConfirmationMode
	}
	s.AutoApprove = opts.AutoApprove
	s.Status = StatusRunning
	s.hasAssistantTextOutput = false
	s.hasAssistantThinkingOutput = false
	s.mu.Unlock()

	done := make(chan struct{})
	r.mu.Lock()
	r.turnDone[s.ID] = done
	r.mu.Unlock()
	defer close(done)

	if !opts.SkipInitialUserMessage {
		r.appendMessage(s, Message{ID: uuid.NewString(), Type: MessageUser, Content: prompt, CreatedAt: time.Now()})
	}

	var err error
	switch s.ExecutionMode {
	case ModeSandbox:
		err = r.runSandboxTurn(ctx, s, prompt, opts)
	case ModeAuto:
		err = r.runSandboxTurn(ctx, s, prompt, opts)
		if err != nil {
			// auto mode only: spawn/IPC failure falls back to local
			// execution for the same turn (spec §4.2 failure semantics,
			// §8 scenario 6), rather than surfacing the sandbox error.
			logger.WarnCF("agent", "sandbox turn failed, falling back to local", map[string]any{"session": s.ID, "error": err.Error()})
			r.appendMessage(s, Message{ID: uuid.NewString(), Type: MessageSystem, Content: "Sandbox VM is unavailable. Falling back to local execution.", CreatedAt: time.Now()})
			s.mu.Lock()
			s.ExecutionMode = ModeLocal
			s.mu.Unlock()
			err = r.runLocalTurn(ctx, s, prompt, fresh)
		}
	default:
		err = r.runLocalTurn(ctx, s, prompt, fresh)
	}

	if err != nil {
		s.mu.Lock()
		s.Status = StatusError
		s.mu.Unlock()
		r.emitError(s.ID, err)
		return err
	}

	s.mu.Lock()
	if s.Status == StatusRunning {
		s.Status = StatusCompleted
	}
	s.mu.Unlock()
	r.emitComplete(s.ID)
	return nil
}

// StopSession marks the session stop-requested, aborts the underlying
// process/VM, resolves all its pending permissions as deny("aborted"),
// and sets status idle. Idempotent (spec §4.2, §8).
func (r *Runner) StopSession(sessionID string) {
	r.mu.Lock()
	alreadyStopped := r.stopped[sessionID]
	r.stopped[sessionID] = true
	proc := r.procs[sessionID]
	vm := r.vms[sessionID]
	r.mu.Unlock()
	if alreadyStopped {
		return
	}

	if proc != nil {
		proc.stop()
	}
	if vm != nil {
		vm.stop()
	}

	r.pendingMu.Lock()
	for id, p := range r.pending {
		if p.sessionID == sessionID {
			r.resolvePendingLocked(id, p, PermissionResult{Behavior: "deny", Message: "aborted"})
		}
	}
	r.pendingMu.Unlock()

	if s, ok := r.Session(sessionID); ok {
		s.mu.Lock()
		s.Status = StatusIdle
		s.mu.Unlock()
	}
}

func (r *Runner) isStopped(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stopped[sessionID]
}

// RespondToPermission delivers a PermissionResult; at most one delivery
// is effective (spec §4.2).
func (r *Runner) RespondToPermission(requestID string, result PermissionResult) error {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	p, ok := r.pending[requestID]
	if !ok {
		return fmt.Errorf("agent: permission %s not found", requestID)
	}
	r.resolvePendingLocked(requestID, p, result)
	return nil
}

// resolvePendingLocked resolves p exactly once and removes it from the
// table. Caller must hold r.pendingMu.
func (r *Runner) resolvePendingLocked(requestID string, p *pendingPermission, result PermissionResult) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		select {
		case p.resolve <- result:
		default:
		}
	})
	delete(r.pending, requestID)
}

// awaitPermission registers requestID, arms the 60s timeout, emits the
// PermissionRequest event, and blocks until resolution, abort, or ctx
// cancellation (spec §4.2 "Permission waiting").
func (r *Runner) awaitPermission(ctx context.Context, sessionID, toolName string, toolInput map[string]any) PermissionResult {
	requestID := uuid.NewString()
	resolve := make(chan PermissionResult, 1)
	p := &pendingPermission{sessionID: sessionID, resolve: resolve}

	r.pendingMu.Lock()
	// A new permission request on the same session does not auto-deny a
	// prior one at the AgentRunner layer (that per-conversation
	// supersession lives in the Multiplexer's PendingIMPermission); here
	// each requestId is independent.
	p.timer = time.AfterFunc(r.cfg.PermissionTTL, func() {
		r.pendingMu.Lock()
		defer r.pendingMu.Unlock()
		if cur, ok := r.pending[requestID]; ok && cur == p {
			r.resolvePendingLocked(requestID, p, PermissionResult{Behavior: "deny", Message: fmt.Sprintf("Permission request timed out after %ds", int(r.cfg.PermissionTTL.Seconds()))})
		}
	})
	r.pending[requestID] = p
	r.pendingMu.Unlock()

	sanitizedInput, _ := Sanitize(toolInput).(map[string]any)
	r.emitPermissionRequest(PermissionRequest{
		RequestID: requestID,
		SessionID: sessionID,
		ToolName:  toolName,
		ToolInput: sanitizedInput,
	})

	select {
	case res := <-resolve:
		return res
	case <-ctx.Done():
		r.pendingMu.Lock()
		if cur, ok := r.pending[requestID]; ok && cur == p {
			r.resolvePendingLocked(requestID, p, PermissionResult{Behavior: "deny", Message: "aborted"})
		}
		r.pendingMu.Unlock()
		return PermissionResult{Behavior: "deny", Message: "aborted"}
	}
}

// appendMessage appends a message to the session log, persists it, and
// emits the message event — all in that order so the emitted sequence is
// always a prefix of, or equal to, the persisted log (spec §8).
func (r *Runner) appendMessage(s *AgentSession, m Message) {
	if r.isStopped(s.ID) {
		return
	}
	m.SessionID = s.ID
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()

	if r.store != nil {
		rec := store.MessageRecord{
			ID:             m.ID,
			AgentSessionID: s.ID,
			Type:           string(m.Type),
			Content:        m.Content,
			ToolName:       m.ToolName,
			ToolUseID:      m.ToolUseID,
			IsError:        m.IsError,
			CreatedAt:      m.CreatedAt,
		}
		if err := r.store.AppendMessage(context.Background(), rec); err != nil {
			logger.ErrorCF("agent", "failed to persist message", map[string]any{"session": s.ID, "error": err.Error()})
		}
	}

	r.emitMessage(m.Clone())
}

// updateMessage replaces in-place the content of the matching message by
// id (spec §4.1 messageUpdate semantics); if absent, it is ignored.
func (r *Runner) updateMessage(s *AgentSession, id, content string) {
	if r.isStopped(s.ID) {
		return
	}
	s.mu.Lock()
	found := false
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Content = content
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return
	}
	r.emitMessageUpdate(MessageUpdate{SessionID: s.ID, MessageID: id, Content: content})
}

// sealMessage marks a message no longer streaming, optionally marking it
// final, and replacing its content if provided.
func (r *Runner) sealMessage(s *AgentSession, id string, content string, replace bool, final bool) {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			if replace {
				s.messages[i].Content = content
			}
			s.messages[i].IsStreaming = false
			if final {
				s.messages[i].IsFinal = true
			}
			break
		}
	}
	s.mu.Unlock()
}

// upsertFinalResult implements the result.subtype=success upsert rule
// (spec §4.2 step 3): prefer keeping an already-nonempty streaming
// message, replace an empty streaming placeholder, upsert into the last
// assistant message if identical-after-trim, or append a brand-new final
// assistant message. Each branch goes through appendMessage/sealMessage
// so persistence and event emission stay in lockstep with the message
// log (spec §8).
func (r *Runner) upsertFinalResult(s *AgentSession, result string) {
	s.mu.Lock()
	var target *Message
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := &s.messages[i]
		if m.Type == MessageAssistant && m.IsStreaming && !m.IsThinking {
			target = m
			break
		}
	}
	if target != nil {
		id := target.ID
		nonEmpty := target.Content != ""
		s.mu.Unlock()
		if nonEmpty {
			r.sealMessage(s, id, "", false, true)
		} else {
			r.sealMessage(s, id, result, true, true)
			r.updateMessage(s, id, result)
		}
		return
	}

	for i := len(s.messages) - 1; i >= 0; i-- {
		m := &s.messages[i]
		if m.Type == MessageAssistant && !m.IsThinking {
			if strings.TrimSpace(m.Content) == strings.TrimSpace(result) {
				id := m.ID
				s.mu.Unlock()
				r.sealMessage(s, id, "", false, true)
				return
			}
			break
		}
	}
	s.mu.Unlock()

	r.appendMessage(s, Message{ID: uuid.NewString(), Type: MessageAssistant, Content: result, IsFinal: true, CreatedAt: time.Now()})
}

// writePermissionResponse delivers a gate decision back to the child
// process for one tool_use (local mode: stdin control_response; sandbox
// mode: IPC response file plus bridge, per spec §4.2).
func (r *Runner) writePermissionResponse(s *AgentSession, toolUseID string, result PermissionResult) error {
	r.mu.RLock()
	proc := r.procs[s.ID]
	vm := r.vms[s.ID]
	r.mu.RUnlock()
	if proc != nil {
		return proc.sendControlResponse(toolUseID, result)
	}
	if vm != nil {
		return vm.sendControlResponse(toolUseID, result)
	}
	return fmt.Errorf("agent: no active process for session %s", s.ID)
}

func (r *Runner) emitMessage(m Message) {
	select {
	case r.events.Message <- m:
	default:
		logger.WarnCF("agent", "message event dropped, subscriber too slow", map[string]any{"session": m.SessionID})
	}
}

func (r *Runner) emitMessageUpdate(u MessageUpdate) {
	select {
	case r.events.MessageUpdate <- u:
	default:
	}
}

// emitPermissionRequest blocks rather than drops: a permission request
// that never reaches the Multiplexer would leave its PendingIMPermission
// never created and the agent waiting forever on a timeout it cannot
// itself resolve any faster, so this send must not be lossy.
func (r *Runner) emitPermissionRequest(req PermissionRequest) {
	r.events.PermissionRequest <- req
}

func (r *Runner) emitComplete(sessionID string) {
	select {
	case r.events.Complete <- Complete{SessionID: sessionID}:
	default:
		logger.WarnCF("agent", "complete event dropped, subscriber too slow", map[string]any{"session": sessionID})
	}
}

func (r *Runner) emitError(sessionID string, err error) {
	select {
	case r.events.Error <- Error{SessionID: sessionID, Err: err}:
	default:
		logger.WarnCF("agent", "error event dropped, subscriber too slow", map[string]any{"session": sessionID})
	}
}
