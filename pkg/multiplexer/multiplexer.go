// Package multiplexer implements the IMSessionMultiplexer (spec §4.1):
// it adapts Transport/bus events to the AgentRunner, accumulates a
// turn's streamed output into a single reply string, and mediates the
// plain-chat permission confirmation protocol.
package multiplexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coworkhq/imgateway/pkg/agent"
	"github.com/coworkhq/imgateway/pkg/bus"
	"github.com/coworkhq/imgateway/pkg/constants"
	"github.com/coworkhq/imgateway/pkg/logger"
	"github.com/coworkhq/imgateway/pkg/store"
)

// Config configures the Multiplexer's turn defaults.
type Config struct {
	WorkspaceRoot string
	SystemPrompt  string
	ExecutionMode agent.ExecutionMode
	TurnTimeout   time.Duration
	// SkillsPrompt optionally returns a skills-auto-routing block
	// prepended to SystemPrompt (spec §4.1 step 3); nil disables it.
	SkillsPrompt func() string
}

// Multiplexer is the IMSessionMultiplexer (spec §4.1).
type Multiplexer struct {
	runner *agent.Runner
	store  store.Store
	cfg    Config

	mu            sync.Mutex
	owned         map[string]bool                        // imSessionIds: sessions this Multiplexer subscribes to
	sessionToConv map[string]bus.ConversationKey          // sessionConversationMap
	accumulators  map[string]*accumulator                 // messageAccumulators, keyed by sessionID
	pendingByConv map[bus.ConversationKey]*pendingPermission
	pendingByReq  map[string]*pendingPermission

	stopCh chan struct{}
}

// New constructs a Multiplexer bound to runner and st, and starts its
// event-dispatch loop.
func New(runner *agent.Runner, st store.Store, cfg Config) *Multiplexer {
	if cfg.TurnTimeout == 0 {
		cfg.TurnTimeout = constants.DefaultTurnTimeout
	}
	if cfg.ExecutionMode == "" {
		cfg.ExecutionMode = agent.ModeLocal
	}
	m := &Multiplexer{
		runner:        runner,
		store:         st,
		cfg:           cfg,
		owned:         make(map[string]bool),
		sessionToConv: make(map[string]bus.ConversationKey),
		accumulators:  make(map[string]*accumulator),
		pendingByConv: make(map[bus.ConversationKey]*pendingPermission),
		pendingByReq:  make(map[string]*pendingPermission),
		stopCh:        make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

func (mx *Multiplexer) isOwnedIMSession(sessionID string) bool {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	return mx.owned[sessionID]
}

// dispatchLoop subscribes to the AgentRunner's five named event channels
// and routes each one to the owning session's accumulator, filtering by
// isOwnedIMSession so cross-talk with non-IM sessions is impossible
// (spec §4.1 "Filtering").
func (mx *Multiplexer) dispatchLoop() {
	ev := mx.runner.Events()
	for {
		select {
		case <-mx.stopCh:
			return
		case msg := <-ev.Message:
			if !mx.isOwnedIMSession(msg.SessionID) {
				continue
			}
			if a := mx.accumulatorFor(msg.SessionID); a != nil {
				a.append(msg)
			}
		case upd := <-ev.MessageUpdate:
			if !mx.isOwnedIMSession(upd.SessionID) {
				continue
			}
			if a := mx.accumulatorFor(upd.SessionID); a != nil {
				a.update(upd.MessageID, upd.Content)
			}
		case c := <-ev.Complete:
			if !mx.isOwnedIMSession(c.SessionID) {
				continue
			}
			if a := mx.accumulatorFor(c.SessionID); a != nil {
				reply := a.format()
				if reply == "" {
					reply = noReplyMessage
				}
				a.resolve(reply)
			}
		case e := <-ev.Error:
			if !mx.isOwnedIMSession(e.SessionID) {
				continue
			}
			if a := mx.accumulatorFor(e.SessionID); a != nil {
				a.reject(e.Err)
			}
		case req := <-ev.PermissionRequest:
			if !mx.isOwnedIMSession(req.SessionID) {
				continue
			}
			mx.handlePermissionRequest(req)
		}
	}
}

func (mx *Multiplexer) accumulatorFor(sessionID string) *accumulator {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	return mx.accumulators[sessionID]
}

// handlePermissionRequest creates/refreshes a pendingPermission and
// immediately resolves the current accumulator with the confirmation
// prompt (spec §4.1 Accumulator protocol, permissionRequest branch). If
// the accumulator is already resolved (spec §9 open question (b)), the
// permission is still registered but nothing further happens here — the
// request's own 60s timeout in AgentRunner will auto-deny it.
func (mx *Multiplexer) handlePermissionRequest(req agent.PermissionRequest) {
	mx.mu.Lock()
	key, ok := mx.sessionToConv[req.SessionID]
	mx.mu.Unlock()
	if !ok {
		return
	}

	pp := &pendingPermission{key: key, sessionID: req.SessionID, requestID: req.RequestID, toolName: req.ToolName, toolInput: req.ToolInput, createdAt: time.Now()}
	pp.timer = time.AfterFunc(constants.PermissionTimeout, func() {
		mx.mu.Lock()
		cur, ok := mx.pendingByConv[key]
		if ok && cur == pp {
			delete(mx.pendingByConv, key)
			delete(mx.pendingByReq, req.RequestID)
		}
		mx.mu.Unlock()
	})

	mx.mu.Lock()
	mx.pendingByConv[key] = pp
	mx.pendingByReq[req.RequestID] = pp
	mx.mu.Unlock()

	if a := mx.accumulatorFor(req.SessionID); a != nil {
		a.resolve(confirmationPrompt(req))
	}
}

// ProcessMessage translates one inbound IMMessage into either a response
// to an outstanding permission confirmation or a new agent turn (spec
// §4.1's processMessage). A message that is exactly "/new" (surrounding
// whitespace ignored) clears the conversation's session instead.
func (mx *Multiplexer) ProcessMessage(ctx context.Context, m bus.IMMessage) (string, error) {
	key := m.Key()

	if strings.TrimSpace(m.Content) == "/new" {
		if err := mx.ClearSessionForConversation(ctx, key.Platform, key.ConversationID); err != nil {
			return "", err
		}
		return "Started a new conversation.", nil
	}

	mx.mu.Lock()
	pp, hasPending := mx.pendingByConv[key]
	mx.mu.Unlock()

	if hasPending {
		return mx.handlePendingReply(ctx, key, pp, m)
	}
	return mx.dispatchTurn(ctx, m, false)
}

// handlePendingReply implements the pending-permission pre-check (spec
// §4.1 steps 1-6).
func (mx *Multiplexer) handlePendingReply(ctx context.Context, key bus.ConversationKey, pp *pendingPermission, m bus.IMMessage) (string, error) {
	trimmed := trimForMatch(m.Content)

	if trimmed == "" {
		return reminderMessage, nil
	}

	if !mx.runner.IsSessionActive(pp.sessionID) {
		mx.clearPending(key, pp)
		return expiredMessage, nil
	}

	if matchDeny(trimmed) {
		mx.clearPending(key, pp)
		_ = mx.runner.RespondToPermission(pp.requestID, agent.PermissionResult{Behavior: "deny", Message: "denied by IM user"})
		return deniedMessage, nil
	}

	if matchAllow(trimmed) {
		req := agent.PermissionRequest{RequestID: pp.requestID, SessionID: pp.sessionID, ToolName: pp.toolName, ToolInput: pp.toolInput}
		mx.clearPending(key, pp)

		result := agent.PermissionResult{Behavior: "allow"}
		if strings.EqualFold(req.ToolName, "AskUserQuestion") {
			result.UpdatedInput = synthesizeAnswers(req)
		}

		sessionID := pp.sessionID
		a := mx.installAccumulator(sessionID)
		if err := mx.runner.RespondToPermission(pp.requestID, result); err != nil {
			mx.removeAccumulator(sessionID, a)
			return "", err
		}
		return mx.await(a)
	}

	return reminderMessage, nil
}

func (mx *Multiplexer) clearPending(key bus.ConversationKey, pp *pendingPermission) {
	pp.timer.Stop()
	mx.mu.Lock()
	if cur, ok := mx.pendingByConv[key]; ok && cur == pp {
		delete(mx.pendingByConv, key)
	}
	delete(mx.pendingByReq, pp.requestID)
	mx.mu.Unlock()
}

// dispatchTurn resolves the agent session, formats the prompt, installs
// a fresh accumulator, and starts or continues the turn (spec §4.1 Turn
// dispatch, steps 1-6).
func (mx *Multiplexer) dispatchTurn(ctx context.Context, m bus.IMMessage, forceNewSession bool) (string, error) {
	key := m.Key()

	mapping, sessionID, err := mx.resolveSession(ctx, key, forceNewSession)
	if err != nil {
		return "", err
	}

	prompt := formatPrompt(m.Content, m.Attachments)
	systemPrompt := mx.effectiveSystemPrompt()

	if _, ok := mx.runner.Session(sessionID); !ok {
		// Dangling mapping: the session disappeared between resolveSession
		// and here. Staleness recovery (spec §4.1) retries once.
		if !forceNewSession {
			if derr := mx.store.DeleteMapping(ctx, key.Platform, key.ConversationID); derr != nil {
				logger.WarnCF("multiplexer", "failed to delete dangling mapping", map[string]any{"error": derr.Error()})
			}
			return mx.dispatchTurn(ctx, m, true)
		}
		return "", fmt.Errorf("multiplexer: session %s not found", sessionID)
	}

	opts := agent.StartOptions{
		WorkspaceRoot:    mapping.workspaceRoot,
		ConfirmationMode: agent.ConfirmationText,
		SystemPrompt:     systemPrompt,
	}

	a := mx.installAccumulator(sessionID)

	var startErr error
	if mx.runner.IsSessionActive(sessionID) {
		startErr = mx.runner.ContinueSession(ctx, sessionID, prompt, opts)
	} else {
		startErr = mx.runner.StartSession(ctx, sessionID, prompt, opts)
	}

	if startErr != nil {
		mx.removeAccumulator(sessionID, a)
		if isSessionNotFound(startErr) && !forceNewSession {
			if derr := mx.store.DeleteMapping(ctx, key.Platform, key.ConversationID); derr != nil {
				logger.WarnCF("multiplexer", "failed to delete stale mapping", map[string]any{"error": derr.Error()})
			}
			return mx.dispatchTurn(ctx, m, true)
		}
		return "", startErr
	}

	if err := mx.store.TouchMapping(ctx, key.Platform, key.ConversationID); err != nil {
		logger.WarnCF("multiplexer", "failed to touch mapping", map[string]any{"error": err.Error()})
	}

	return mx.await(a)
}

func isSessionNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not found")
}

type sessionMappingInfo struct {
	workspaceRoot string
}

// resolveSession looks up or creates the SessionMapping→AgentSession for
// key (spec §4.1 step 1). If forceNewSession, any existing mapping is
// torn down first.
func (mx *Multiplexer) resolveSession(ctx context.Context, key bus.ConversationKey, forceNewSession bool) (sessionMappingInfo, string, error) {
	if forceNewSession {
		if mapping, err := mx.store.GetMapping(ctx, key.Platform, key.ConversationID); err == nil {
			mx.runner.DeleteSession(mapping.AgentSessionID)
			mx.forget(mapping.AgentSessionID)
			_ = mx.store.DeleteMapping(ctx, key.Platform, key.ConversationID)
		}
	}

	mapping, err := mx.store.GetMapping(ctx, key.Platform, key.ConversationID)
	if err == nil {
		if _, ok := mx.runner.Session(mapping.AgentSessionID); ok {
			return sessionMappingInfo{workspaceRoot: mx.cfg.WorkspaceRoot}, mapping.AgentSessionID, nil
		}
		// Dangling mapping (spec §3 invariant): repair by creating a new
		// session but reusing the mapping row via CreateMapping's upsert.
	} else if err != store.ErrNotFound {
		return sessionMappingInfo{}, "", err
	}

	root, verr := validateWorkspaceRoot(mx.cfg.WorkspaceRoot, key)
	if verr != nil {
		return sessionMappingInfo{}, "", verr
	}

	sess := mx.runner.CreateSession(root, mx.effectiveSystemPrompt(), mx.cfg.ExecutionMode)
	mx.adopt(sess.ID, key)

	if cerr := mx.store.CreateMapping(ctx, store.SessionMapping{
		IMConversationID: key.ConversationID,
		Platform:         key.Platform,
		AgentSessionID:   sess.ID,
	}); cerr != nil {
		return sessionMappingInfo{}, "", fmt.Errorf("persisting session mapping: %w", cerr)
	}

	return sessionMappingInfo{workspaceRoot: root}, sess.ID, nil
}

// validateWorkspaceRoot ensures the configured root is absolute and
// exists (spec §4.1 step 1), returning a per-conversation subdirectory
// so concurrent conversations never share a cwd.
func validateWorkspaceRoot(root string, key bus.ConversationKey) (string, error) {
	if !filepath.IsAbs(root) {
		return "", fmt.Errorf("multiplexer: workspace root %q is not absolute", root)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return "", fmt.Errorf("multiplexer: workspace root %q does not exist", root)
	}
	dir := filepath.Join(root, key.Platform, sanitizeForPath(key.ConversationID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("multiplexer: creating conversation workspace: %w", err)
	}
	return dir, nil
}

func sanitizeForPath(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == '\x00' {
			return '_'
		}
		return r
	}, s)
}

// effectiveSystemPrompt composes the skills-auto-routing block (if
// available) with the configured system prompt (spec §4.1 step 3).
func (mx *Multiplexer) effectiveSystemPrompt() string {
	if mx.cfg.SkillsPrompt == nil {
		return mx.cfg.SystemPrompt
	}
	block := mx.cfg.SkillsPrompt()
	if block == "" {
		return mx.cfg.SystemPrompt
	}
	return block + "\n\n" + mx.cfg.SystemPrompt
}

// installAccumulator installs a fresh accumulator on the session,
// rejecting any prior one with ErrReplaced (spec §3 invariant, §4.1 step 4).
func (mx *Multiplexer) installAccumulator(sessionID string) *accumulator {
	var a *accumulator
	a = newAccumulator(sessionID, mx.cfg.TurnTimeout, func() {
		mx.removeAccumulator(sessionID, a)
	})
	mx.mu.Lock()
	prev := mx.accumulators[sessionID]
	mx.accumulators[sessionID] = a
	mx.mu.Unlock()
	if prev != nil {
		prev.reject(ErrReplaced)
	}
	return a
}

func (mx *Multiplexer) removeAccumulator(sessionID string, expect *accumulator) {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	if expect == nil || mx.accumulators[sessionID] == expect {
		delete(mx.accumulators, sessionID)
	}
}

func (mx *Multiplexer) await(a *accumulator) (string, error) {
	reply, err := a.await()
	mx.removeAccumulator(a.sessionID, a)
	return reply, err
}

func (mx *Multiplexer) adopt(sessionID string, key bus.ConversationKey) {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	mx.owned[sessionID] = true
	mx.sessionToConv[sessionID] = key
}

func (mx *Multiplexer) forget(sessionID string) {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	delete(mx.owned, sessionID)
	delete(mx.sessionToConv, sessionID)
	delete(mx.accumulators, sessionID)
}

// ClearSessionForConversation detaches the mapping, drops in-memory
// state, and stops the underlying agent session. Idempotent (spec §4.1).
func (mx *Multiplexer) ClearSessionForConversation(ctx context.Context, platform, conversationID string) error {
	key := bus.ConversationKey{Platform: platform, ConversationID: conversationID}
	mapping, err := mx.store.GetMapping(ctx, platform, conversationID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	mx.runner.StopSession(mapping.AgentSessionID)
	mx.runner.DeleteSession(mapping.AgentSessionID)
	mx.forget(mapping.AgentSessionID)

	mx.mu.Lock()
	if pp, ok := mx.pendingByConv[key]; ok {
		pp.timer.Stop()
		delete(mx.pendingByConv, key)
		delete(mx.pendingByReq, pp.requestID)
	}
	mx.mu.Unlock()

	if err := mx.store.DeleteSession(ctx, mapping.AgentSessionID); err != nil {
		logger.WarnCF("multiplexer", "failed to delete session messages", map[string]any{"error": err.Error()})
	}
	return mx.store.DeleteMapping(ctx, platform, conversationID)
}

// Stop ends the dispatch loop.
func (mx *Multiplexer) Stop() {
	close(mx.stopCh)
}
