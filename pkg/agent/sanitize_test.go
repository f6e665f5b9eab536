package agent

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coworkhq/imgateway/pkg/constants"
)

func TestSanitizeFixedPoint(t *testing.T) {
	overflowArray := make([]any, constants.SanitizeMaxArrayItems+7)
	for i := range overflowArray {
		overflowArray[i] = i
	}
	overflowMap := make(map[string]any, constants.SanitizeMaxKeys+7)
	for i := 0; i < constants.SanitizeMaxKeys+7; i++ {
		overflowMap[fmt.Sprintf("key%d", i)] = i
	}

	cases := []any{
		"short string",
		strings.Repeat("x", constants.SanitizeMaxStringLen+500),
		map[string]any{"a": 1, "b": []any{"x", "y", map[string]any{"deep": true}}},
		[]any{1, 2, 3},
		overflowArray,
		overflowMap,
		nil,
	}
	for _, v := range cases {
		once := Sanitize(v)
		twice := Sanitize(once)
		assert.Equal(t, once, twice, "Sanitize must be idempotent for %v", v)
	}
}

func TestSanitizeTruncatesLongStrings(t *testing.T) {
	long := strings.Repeat("a", constants.SanitizeMaxStringLen+100)
	out := Sanitize(long).(string)
	assert.LessOrEqual(t, len(out), constants.SanitizeMaxStringLen+len(constants.TruncationSentinel))
	assert.True(t, strings.HasSuffix(out, constants.TruncationSentinel))
}

func TestSanitizeBoundsArrayAndMapSize(t *testing.T) {
	big := make([]any, constants.SanitizeMaxArrayItems+10)
	for i := range big {
		big[i] = i
	}
	out := Sanitize(big).([]any)
	assert.Equal(t, constants.SanitizeMaxArrayItems+1, len(out)) // +1 for the "+N more items" marker

	m := make(map[string]any, constants.SanitizeMaxKeys+5)
	for i := 0; i < constants.SanitizeMaxKeys+5; i++ {
		m[fmt.Sprintf("key%d", i)] = i
	}
	outMap := Sanitize(m).(map[string]any)
	assert.LessOrEqual(t, len(outMap), constants.SanitizeMaxKeys+1)
}

func TestSanitizeMaxDepth(t *testing.T) {
	var v any = "leaf"
	for i := 0; i < constants.SanitizeMaxDepth+3; i++ {
		v = map[string]any{"nest": v}
	}
	out := Sanitize(v)
	require.NotNil(t, out)
}

func TestTruncateBlockAppliesSentinelOnce(t *testing.T) {
	content := strings.Repeat("z", 50)
	result, truncated := TruncateBlock(content, 10)
	require.True(t, truncated)
	assert.Equal(t, 1, strings.Count(result, constants.TruncationSentinel))

	result2, truncated2 := TruncateBlock(result, 10)
	require.True(t, truncated2)
	assert.Equal(t, 1, strings.Count(result2, constants.TruncationSentinel))
}

func TestTruncateTailKeepsSuffix(t *testing.T) {
	s := "0123456789"
	out := TruncateTail(s, 4)
	assert.True(t, strings.HasSuffix(out, "6789"))
}
