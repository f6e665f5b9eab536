package transport

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestChunkNoSplitUnderLimit(t *testing.T) {
	out := chunk("short", 100)
	assert.Equal(t, []string{"short"}, out)
}

func TestChunkSplitsOnNewlineBoundary(t *testing.T) {
	text := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	out := chunk(text, 10)
	require.Len(t, out, 2)
	assert.True(t, strings.HasSuffix(out[0], "\n"))
	assert.Equal(t, strings.Repeat("b", 6), out[1])
}

func TestChunkFallsBackToHardCutWithoutNewline(t *testing.T) {
	text := strings.Repeat("x", 25)
	out := chunk(text, 10)
	require.Len(t, out, 3)
	assert.Equal(t, 10, len(out[0]))
	assert.Equal(t, 10, len(out[1]))
	assert.Equal(t, 5, len(out[2]))
}

func TestChunkFallsBackToLastSpaceWithoutNewline(t *testing.T) {
	text := strings.Repeat("a", 6) + " " + strings.Repeat("b", 6)
	out := chunk(text, 10)
	require.Len(t, out, 2)
	assert.Equal(t, strings.Repeat("a", 6)+" ", out[0])
	assert.Equal(t, strings.Repeat("b", 6), out[1])
}

func TestChunkPrefersNewlineOverSpaceWhenBothPresent(t *testing.T) {
	text := strings.Repeat("a", 4) + " " + strings.Repeat("a", 2) + "\n" + strings.Repeat("b", 6)
	out := chunk(text, 10)
	require.Len(t, out, 2)
	assert.True(t, strings.HasSuffix(out[0], "\n"))
}

func TestLastNewline(t *testing.T) {
	assert.Equal(t, 3, lastNewline("abc\ndef"))
	assert.Equal(t, -1, lastNewline("abcdef"))
}

func TestLastSpace(t *testing.T) {
	assert.Equal(t, 3, lastSpace("abc def"))
	assert.Equal(t, -1, lastSpace("abcdef"))
}

func TestSafeSendInvokesSenderPerChunk(t *testing.T) {
	var got []string
	send := func(ctx context.Context, chatID, text string) error {
		got = append(got, text)
		return nil
	}

	text := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	err := SafeSend(context.Background(), "telegram", "chat1", text, 10, send, nil, nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSafeSendWaitsOnLimiterBetweenChunks(t *testing.T) {
	var calls int32
	send := func(ctx context.Context, chatID, text string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	limiter := rate.NewLimiter(rate.Limit(1000), 1)
	text := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	err := SafeSend(context.Background(), "telegram", "chat1", text, 10, send, nil, limiter)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSafeSendPropagatesLimiterCancellation(t *testing.T) {
	limiter := rate.NewLimiter(rate.Limit(0.001), 1)
	require.True(t, limiter.Allow()) // take the only token so Wait has to block
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(10*time.Millisecond, cancel)

	err := SafeSend(ctx, "telegram", "chat1", "hello", 100, func(ctx context.Context, chatID, text string) error {
		return nil
	}, nil, limiter)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSafeSendRetriesThenFails(t *testing.T) {
	attempts := 0
	send := func(ctx context.Context, chatID, text string) error {
		attempts++
		return errors.New("delivery failed")
	}

	err := SafeSend(context.Background(), "telegram", "chat1", "hello", 100, send, nil, nil)
	assert.Error(t, err)
	assert.Equal(t, sendRetries+1, attempts)
}

func TestRenderSafeReturnsPlainTextUnchanged(t *testing.T) {
	out := renderSafe("wecom", "plain text with no markdown")
	assert.Equal(t, "plain text with no markdown", out)
}
