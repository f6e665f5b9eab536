package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coworkhq/imgateway/pkg/constants"
)

func TestEvaluatePolicyWebToolsDenied(t *testing.T) {
	for _, name := range []string{"WebSearch", "web-fetch", "WEB_SEARCH"} {
		decision, msg := evaluatePolicy(name, nil, ConfirmationModal, false)
		assert.Equal(t, decisionDenyPolicy, decision, name)
		assert.NotEmpty(t, msg)
	}
}

func TestEvaluatePolicyAutoApproveAllowsDestructive(t *testing.T) {
	decision, _ := evaluatePolicy("Bash", map[string]any{"command": "rm -rf /tmp/x"}, ConfirmationModal, true)
	assert.Equal(t, decisionAllow, decision)
}

func TestEvaluatePolicyDestructiveRequiresApproval(t *testing.T) {
	cases := []struct {
		tool string
		cmd  string
	}{
		{"Bash", "rm -rf build"},
		{"Bash", "find . -name '*.tmp' -delete"},
		{"Bash", "git clean -fdx"},
		{"delete_file", ""},
	}
	for _, c := range cases {
		input := map[string]any{}
		if c.cmd != "" {
			input["command"] = c.cmd
		}
		decision, msg := evaluatePolicy(c.tool, input, ConfirmationModal, false)
		assert.Equal(t, decisionRequireApproval, decision, c.tool)
		assert.NotEmpty(t, msg)
	}
}

func TestEvaluatePolicySafeToolAllowed(t *testing.T) {
	decision, _ := evaluatePolicy("Read", map[string]any{"file_path": "main.go"}, ConfirmationModal, false)
	assert.Equal(t, decisionAllow, decision)
}

func TestSummariseDestructiveTruncatesAt120(t *testing.T) {
	longCmd := ""
	for len(longCmd) < 200 {
		longCmd += "x"
	}
	out := summariseDestructive("Bash", map[string]any{"command": longCmd})
	assert.LessOrEqual(t, len(out), 120)
}

func TestApprovalGrantedRequiresCanonicalAllowLabel(t *testing.T) {
	granted := PermissionResult{
		Behavior: "allow",
		UpdatedInput: map[string]any{
			"answers": []any{constants.CanonicalAllowLabel},
		},
	}
	assert.True(t, approvalGranted(granted))

	denied := PermissionResult{
		Behavior: "allow",
		UpdatedInput: map[string]any{
			"answers": []any{constants.CanonicalDenyLabel},
		},
	}
	assert.False(t, approvalGranted(denied))

	notAllowed := PermissionResult{Behavior: "deny"}
	assert.False(t, approvalGranted(notAllowed))
}
