package agent

import (
	"encoding/json"
	"fmt"
	"sync"
)

// ipcCorrelator matches asynchronous sandbox IPC responses back to their
// requests by requestId, since the VM may reorder responses (spec §9:
// "use request/response correlation by requestId, never positional").
type ipcCorrelator struct {
	mu      sync.Mutex
	waiters map[string]chan json.RawMessage
}

func newIPCCorrelator() *ipcCorrelator {
	return &ipcCorrelator{waiters: make(map[string]chan json.RawMessage)}
}

// register allocates a response slot for requestID. The returned channel
// receives exactly one value once deliver(requestID, ...) is called.
func (c *ipcCorrelator) register(requestID string) chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.waiters[requestID] = ch
	c.mu.Unlock()
	return ch
}

// deliver routes an IPC response to its waiter, if any is still
// registered. Responses for unknown/already-delivered requestIds are
// dropped (the VM may resend after our own timeout already fired).
func (c *ipcCorrelator) deliver(requestID string, payload json.RawMessage) {
	c.mu.Lock()
	ch, ok := c.waiters[requestID]
	if ok {
		delete(c.waiters, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- payload:
	default:
	}
}

func (c *ipcCorrelator) cancel(requestID string) {
	c.mu.Lock()
	delete(c.waiters, requestID)
	c.mu.Unlock()
}

// hostToolRequest is an IPC message the VM sends to invoke a
// host-resident tool (spec §4.2's host-tool bridge): history search,
// recent-chats, memory edits. Their semantics are documented only at
// interface level; HostToolHandler lets the gateway wire concrete
// implementations in without agent.Runner depending on them.
type hostToolRequest struct {
	RequestID string          `json:"request_id"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
}

// HostToolHandler executes a host-resident tool invoked from the VM and
// returns its result payload.
type HostToolHandler func(toolName string, input json.RawMessage) (json.RawMessage, error)

func (r *Runner) handleHostToolRequest(v *sandboxVM, req hostToolRequest) {
	if r.hostTools == nil {
		v.replyHostTool(req.RequestID, nil, fmt.Errorf("agent: no host tool handler registered"))
		return
	}
	result, err := r.hostTools(req.ToolName, req.ToolInput)
	v.replyHostTool(req.RequestID, result, err)
}
