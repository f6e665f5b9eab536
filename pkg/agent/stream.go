package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coworkhq/imgateway/pkg/bus"
	"github.com/coworkhq/imgateway/pkg/constants"
)

// sdkEnvelope is one NDJSON line emitted by the child agent process
// (spec §4.2's "upstream SDK"): stream_event wrapping partial-message
// deltas, the aggregated assistant/user message events, and the
// terminal system.init/result events.
type sdkEnvelope struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type streamSubEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index"`
	ContentBlock *contentBlock `json:"content_block,omitempty"`
	Delta        *blockDelta   `json:"delta,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"` // "thinking", "text", "tool_use"
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type blockDelta struct {
	Type        string `json:"type"` // "thinking_delta", "text_delta", "input_json_delta"
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type aggregatedMessage struct {
	Content []aggregatedBlock `json:"content"`
}

type aggregatedBlock struct {
	Type      string          `json:"type"` // "text", "thinking", "tool_use", "tool_result"
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// openBlock tracks one content_block_start..content_block_stop span
// (spec §4.2: "treat interleaving as legal and handle it" — blocks are
// tracked by SDK content index, not by assumed ordering).
type openBlock struct {
	messageID  string
	isThinking bool
	notifier   *bus.BlockNotifier
	capHit     bool
}

// turnInterpreter holds the per-turn state needed to interpret a single
// child process's NDJSON stream into Runner events (spec §4.2).
type turnInterpreter struct {
	r       *Runner
	s       *AgentSession
	ctx     context.Context
	cancel  context.CancelFunc
	opts    StartOptions
	blocks  map[int]*openBlock
	lastAssistantMessageID string
}

func newTurnInterpreter(ctx context.Context, r *Runner, s *AgentSession, opts StartOptions) *turnInterpreter {
	tctx, cancel := context.WithCancel(ctx)
	return &turnInterpreter{r: r, s: s, ctx: tctx, cancel: cancel, opts: opts, blocks: make(map[int]*openBlock)}
}

// handle decodes and interprets one NDJSON line. A returned error is
// fatal to the turn (spec §4.2 "result.subtype!=success raises an error").
func (ti *turnInterpreter) handle(line []byte) error {
	var env sdkEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil // non-JSON noise (e.g. a stray stdout line); ignore
	}

	switch env.Type {
	case "stream_event":
		return ti.handleStreamEvent(env.Event)
	case "assistant", "user":
		return ti.handleAggregated(env.Message, env.Type)
	case "system":
		if env.Subtype == "init" {
			ti.s.mu.Lock()
			ti.s.ClaudeSessionID = env.SessionID
			ti.s.mu.Unlock()
		}
		return nil
	case "result":
		if env.Subtype != "success" {
			return fmt.Errorf("agent: turn failed: %s", env.Result)
		}
		ti.handleResult(env.Result)
		return nil
	case "control_request":
		return ti.handleControlRequest(env.Event)
	default:
		return nil
	}
}

func (ti *turnInterpreter) handleStreamEvent(raw json.RawMessage) error {
	var ev streamSubEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil
	}

	switch ev.Type {
	case "content_block_start":
		if ev.ContentBlock == nil {
			return nil
		}
		if ev.ContentBlock.Type != "thinking" && ev.ContentBlock.Type != "text" {
			return nil // tool_use blocks surface via the aggregated assistant event
		}
		isThinking := ev.ContentBlock.Type == "thinking"
		id := uuid.NewString()
		ob := &openBlock{messageID: id, isThinking: isThinking}
		msgID := id
		ob.notifier = bus.NewBlockNotifier(constants.StreamThrottle, func(content string) {
			ti.r.updateMessage(ti.s, msgID, content)
		})
		ti.blocks[ev.Index] = ob
		ti.r.appendMessage(ti.s, Message{
			ID: id, Type: MessageAssistant, IsStreaming: true, IsThinking: isThinking, CreatedAt: time.Now(),
		})
		ti.s.mu.Lock()
		if isThinking {
			ti.s.hasAssistantThinkingOutput = true
		} else {
			ti.s.hasAssistantTextOutput = true
		}
		ti.s.mu.Unlock()

	case "content_block_delta":
		ob, ok := ti.blocks[ev.Index]
		if !ok || ev.Delta == nil {
			return nil
		}
		var text string
		var cap int
		switch ev.Delta.Type {
		case "text_delta":
			text = ev.Delta.Text
			cap = constants.TruncateTextBlockLen
		case "thinking_delta":
			text = ev.Delta.Thinking
			cap = constants.TruncateThinkingBlockLen
		default:
			return nil // input_json_delta belongs to a tool_use block, handled via the aggregated event
		}
		if ob.capHit {
			return nil
		}
		content, truncated := TruncateBlock(ob.notifier.Content()+text, cap)
		if truncated {
			ob.capHit = true
			ob.notifier.Append(content[len(ob.notifier.Content()):])
			ob.notifier.ForceFlush()
			return nil
		}
		ob.notifier.Append(text)

	case "content_block_stop":
		ob, ok := ti.blocks[ev.Index]
		if !ok {
			return nil
		}
		ob.notifier.Seal()
		ti.r.sealMessage(ti.s, ob.messageID, ob.notifier.Content(), true, false)
		delete(ti.blocks, ev.Index)

	case "message_stop":
		for idx, ob := range ti.blocks {
			ob.notifier.Seal()
			ti.r.sealMessage(ti.s, ob.messageID, ob.notifier.Content(), true, false)
			delete(ti.blocks, idx)
		}
	}
	return nil
}

// handleAggregated interprets the assistant.message.content[]/user event
// that arrives after streaming for the same turn (spec §4.2 step 2): text
// and thinking blocks are skipped if streaming already produced output of
// that kind this turn; tool_use and tool_result are always appended.
func (ti *turnInterpreter) handleAggregated(raw json.RawMessage, kind string) error {
	var am aggregatedMessage
	if err := json.Unmarshal(raw, &am); err != nil {
		return nil
	}

	ti.s.mu.Lock()
	skipText := ti.s.hasAssistantTextOutput
	skipThinking := ti.s.hasAssistantThinkingOutput
	ti.s.mu.Unlock()

	for _, b := range am.Content {
		switch b.Type {
		case "text":
			if skipText {
				continue
			}
			ti.r.appendMessage(ti.s, Message{ID: uuid.NewString(), Type: MessageAssistant, Content: b.Text, IsFinal: true, CreatedAt: time.Now()})
		case "thinking":
			if skipThinking {
				continue
			}
			ti.r.appendMessage(ti.s, Message{ID: uuid.NewString(), Type: MessageAssistant, Content: b.Thinking, IsThinking: true, IsFinal: true, CreatedAt: time.Now()})
		case "tool_use":
			var input map[string]any
			_ = json.Unmarshal(b.Input, &input)
			if err := ti.gateToolUse(b.Name, b.ID, input); err != nil {
				return err
			}
		case "tool_result":
			content := string(b.Content)
			var s string
			if json.Unmarshal(b.Content, &s) == nil {
				content = s
			}
			content = truncateString(content, constants.TruncateToolResultLen)
			ti.r.appendMessage(ti.s, Message{
				ID: uuid.NewString(), Type: MessageToolResult, Content: content,
				ToolUseID: b.ToolUseID, IsError: b.IsError, CreatedAt: time.Now(),
			})
		}
	}
	return nil
}

// gateToolUse runs the tool-safety policy for one tool_use block,
// appends the AgentMessage, and — if approval is required — blocks on
// awaitPermission before the turn can see the result (spec §4.2).
func (ti *turnInterpreter) gateToolUse(name, toolUseID string, input map[string]any) error {
	sanitized, _ := Sanitize(input).(map[string]any)
	ti.r.appendMessage(ti.s, Message{
		ID: uuid.NewString(), Type: MessageToolUse, ToolName: name, ToolInput: sanitized,
		ToolUseID: toolUseID, CreatedAt: time.Now(),
	})

	ti.s.mu.Lock()
	confirmationMode := ti.s.ConfirmationMode
	autoApprove := ti.s.AutoApprove
	ti.s.mu.Unlock()

	decision, detail := evaluatePolicy(name, input, confirmationMode, autoApprove)
	switch decision {
	case decisionAllow:
		return nil
	case decisionDenyPolicy:
		return ti.sendPolicyDenial(toolUseID, detail)
	case decisionRequireApproval:
		requestToolName := name
		toolInputForRequest := input
		if detail != "" {
			// A destructive command: gate with a synthetic AskUserQuestion so
			// the Multiplexer's PendingIMPermission formatting (which keys
			// off toolName=="AskUserQuestion") picks up the question text
			// (spec §4.2, §8 scenario 2).
			requestToolName = "AskUserQuestion"
			toolInputForRequest = syntheticAskUserQuestion(detail)
		}
		result := ti.r.awaitPermission(ti.ctx, ti.s.ID, requestToolName, toolInputForRequest)
		if detail != "" { // synthetic destructive-command gate
			if !approvalGranted(result) {
				return ti.sendPolicyDenial(toolUseID, "Delete operation denied by user.")
			}
			return ti.sendToolProcess(toolUseID)
		}
		return ti.deliverRealPermission(toolUseID, result)
	}
	return nil
}

func (ti *turnInterpreter) sendPolicyDenial(toolUseID, message string) error {
	return ti.r.writePermissionResponse(ti.s, toolUseID, PermissionResult{Behavior: "deny", Message: message})
}

func (ti *turnInterpreter) sendToolProcess(toolUseID string) error {
	return ti.r.writePermissionResponse(ti.s, toolUseID, PermissionResult{Behavior: "allow"})
}

func (ti *turnInterpreter) deliverRealPermission(toolUseID string, result PermissionResult) error {
	if result.Behavior == "allow" && result.UpdatedInput == nil {
		return fmt.Errorf("agent: AskUserQuestion allow requires updatedInput.answers")
	}
	return ti.r.writePermissionResponse(ti.s, toolUseID, result)
}

// handleControlRequest answers a permission-prompt-tool control_request
// emitted by the child process for a tool_use still in flight, when the
// process (rather than the aggregated event ordering above) is the one
// soliciting approval. The child-process wire contract is documented at
// the local.go/sandbox.go layer; here we only need the requestId
// correlation (spec §9: "request/response correlation by requestId").
func (ti *turnInterpreter) handleControlRequest(raw json.RawMessage) error {
	var req struct {
		RequestID string          `json:"request_id"`
		ToolName  string          `json:"tool_name"`
		ToolInput json.RawMessage `json:"tool_input"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil
	}
	var input map[string]any
	_ = json.Unmarshal(req.ToolInput, &input)
	return ti.gateToolUse(req.ToolName, req.RequestID, input)
}

// handleResult upserts the final assistant message from result.result
// (spec §4.2 step 3).
func (ti *turnInterpreter) handleResult(result string) {
	result = truncateString(result, constants.TruncateFinalResultLen)
	ti.r.upsertFinalResult(ti.s, result)
}
