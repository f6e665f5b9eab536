package multiplexer

import (
	"errors"
	"sync"
	"time"

	"github.com/coworkhq/imgateway/pkg/agent"
)

// ErrReplaced is returned to a superseded Accumulator when a newer IM
// turn arrives on the same agent session (spec §3, §8 scenario 4).
var ErrReplaced = errors.New("multiplexer: replaced by a newer IM request")

// ErrSessionAborted is returned when stopSession tears down the turn.
var ErrSessionAborted = errors.New("multiplexer: session aborted")

// ErrTimeout is returned when a turn exceeds its deadline.
var ErrTimeout = errors.New("multiplexer: turn timed out")

// accumulator is the per-turn buffer that becomes the IM reply (spec
// §3's Accumulator, glossary). Exactly one exists per agent session at
// any time; installing a new one rejects the previous with ErrReplaced.
type accumulator struct {
	sessionID string
	messages  []agent.Message // ordered, indexed by position; id->index kept for O(1) update

	mu       sync.Mutex
	byID     map[string]int
	done     chan struct{}
	result   string
	err      error
	resolved bool

	timeout *time.Timer
}

func newAccumulator(sessionID string, turnTimeout time.Duration, onTimeout func()) *accumulator {
	a := &accumulator{
		sessionID: sessionID,
		byID:      make(map[string]int),
		done:      make(chan struct{}),
	}
	a.timeout = time.AfterFunc(turnTimeout, func() {
		if onTimeout != nil {
			onTimeout()
		}
		a.rejectWith(ErrTimeout)
	})
	return a
}

// append adds a freshly emitted AgentMessage to the ordered list (spec
// §4.1 Accumulator protocol: "message: append to the ordered list").
func (a *accumulator) append(m agent.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resolved {
		return
	}
	a.byID[m.ID] = len(a.messages)
	a.messages = append(a.messages, m)
}

// update replaces in-place the content of the matching accumulated
// message by id; if absent, it is ignored (spec §4.1).
func (a *accumulator) update(id, content string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resolved {
		return
	}
	idx, ok := a.byID[id]
	if !ok {
		return
	}
	a.messages[idx].Content = content
}

// resolve finalises the accumulator with the given reply text (spec
// §4.1: "complete: resolve with format(messages)").
func (a *accumulator) resolve(reply string) {
	a.mu.Lock()
	if a.resolved {
		a.mu.Unlock()
		return
	}
	a.resolved = true
	a.result = reply
	a.timeout.Stop()
	a.mu.Unlock()
	close(a.done)
}

// reject fails the accumulator with err (spec §4.1 error event, and the
// supersession/abort/timeout paths).
func (a *accumulator) reject(err error) {
	a.rejectWith(err)
}

func (a *accumulator) rejectWith(err error) {
	a.mu.Lock()
	if a.resolved {
		a.mu.Unlock()
		return
	}
	a.resolved = true
	a.err = err
	a.timeout.Stop()
	a.mu.Unlock()
	close(a.done)
}

// await blocks until the accumulator resolves or rejects.
func (a *accumulator) await() (string, error) {
	<-a.done
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result, a.err
}

// format concatenates, separated by blank lines, the content of
// assistant messages whose IsThinking is not set and whose content is
// non-empty (spec §4.1 complete handling).
func (a *accumulator) format() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var parts []string
	for _, m := range a.messages {
		if m.Type != agent.MessageAssistant || m.IsThinking {
			continue
		}
		if m.Content == "" {
			continue
		}
		parts = append(parts, m.Content)
	}
	if len(parts) == 0 {
		return ""
	}
	joined := parts[0]
	for _, p := range parts[1:] {
		joined += "\n\n" + p
	}
	return joined
}
