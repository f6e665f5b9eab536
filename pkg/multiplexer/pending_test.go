package multiplexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrimForMatchStripsTrailingPunctuation(t *testing.T) {
	cases := map[string]string{
		"yes.":   "yes",
		" yes ":  "yes",
		"允许！":   "允许",
		"no,,,":  "no",
		"同意。。":  "同意",
		"y":      "y",
	}
	for in, want := range cases {
		assert.Equal(t, want, trimForMatch(in), "input %q", in)
	}
}

func TestMatchAllowDeny(t *testing.T) {
	assert.True(t, matchAllow("yes"))
	assert.True(t, matchAllow("YES"))
	assert.True(t, matchAllow("允许"))
	assert.False(t, matchAllow("no"))

	assert.True(t, matchDeny("no"))
	assert.True(t, matchDeny("拒绝"))
	assert.False(t, matchDeny("yes"))
}

func TestMatchAllowDenyRequireWholeMessage(t *testing.T) {
	assert.False(t, matchAllow("yes please"))
	assert.False(t, matchDeny("no thanks"))
}
