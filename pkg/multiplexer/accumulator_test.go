package multiplexer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coworkhq/imgateway/pkg/agent"
)

func TestAccumulatorFormatJoinsNonThinkingAssistantMessages(t *testing.T) {
	a := newAccumulator("sess1", time.Minute, nil)
	a.append(agent.Message{ID: "1", Type: agent.MessageAssistant, Content: "thinking...", IsThinking: true})
	a.append(agent.Message{ID: "2", Type: agent.MessageToolUse, Content: "ignored"})
	a.append(agent.Message{ID: "3", Type: agent.MessageAssistant, Content: "first part"})
	a.append(agent.Message{ID: "4", Type: agent.MessageAssistant, Content: ""})
	a.append(agent.Message{ID: "5", Type: agent.MessageAssistant, Content: "second part"})

	assert.Equal(t, "first part\n\nsecond part", a.format())
}

func TestAccumulatorUpdateMutatesInPlace(t *testing.T) {
	a := newAccumulator("sess1", time.Minute, nil)
	a.append(agent.Message{ID: "1", Type: agent.MessageAssistant, Content: "draft"})
	a.update("1", "final")
	assert.Equal(t, "final", a.format())
}

func TestAccumulatorUpdateUnknownIDIgnored(t *testing.T) {
	a := newAccumulator("sess1", time.Minute, nil)
	a.append(agent.Message{ID: "1", Type: agent.MessageAssistant, Content: "draft"})
	a.update("missing", "should not appear")
	assert.Equal(t, "draft", a.format())
}

func TestAccumulatorResolveUnblocksAwait(t *testing.T) {
	a := newAccumulator("sess1", time.Minute, nil)
	go a.resolve("done")

	result, err := a.await()
	require.NoError(t, err)
	assert.Equal(t, "done", result)
}

func TestAccumulatorResolveIsIdempotent(t *testing.T) {
	a := newAccumulator("sess1", time.Minute, nil)
	a.resolve("first")
	a.resolve("second")

	result, err := a.await()
	require.NoError(t, err)
	assert.Equal(t, "first", result)
}

func TestAccumulatorRejectUnblocksAwaitWithError(t *testing.T) {
	a := newAccumulator("sess1", time.Minute, nil)
	a.reject(ErrReplaced)

	result, err := a.await()
	assert.Equal(t, ErrReplaced, err)
	assert.Empty(t, result)
}

func TestAccumulatorAppendAfterResolveIsNoOp(t *testing.T) {
	a := newAccumulator("sess1", time.Minute, nil)
	a.resolve("done")
	a.append(agent.Message{ID: "1", Type: agent.MessageAssistant, Content: "too late"})
	assert.Empty(t, a.format())
}

func TestAccumulatorTimeoutFiresOnTeout(t *testing.T) {
	var onTimeoutCalled bool
	a := newAccumulator("sess1", 5*time.Millisecond, func() { onTimeoutCalled = true })

	result, err := a.await()
	assert.Equal(t, ErrTimeout, err)
	assert.Empty(t, result)
	assert.True(t, onTimeoutCalled)
}
