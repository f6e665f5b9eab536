package agent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/coworkhq/imgateway/pkg/constants"
)

// webTools matches WebSearch/WebFetch in any capitalisation/separator
// variant (spec §4.2 tool-safety table).
var webTools = regexp.MustCompile(`(?i)^web[-_ ]?(search|fetch)$`)

// destructiveCommand matches a shell command invoking a delete-equivalent
// (spec §4.2): rm/rmdir/unlink/del/erase/remove-item as whole words, a
// find ... -delete pipeline, or git clean.
var destructiveCommand = regexp.MustCompile(`(?i)\b(rm|rmdir|unlink|del|erase|remove-item)\b|find\b.*-delete|git\s+clean`)

// destructiveToolName matches tool names that are themselves a delete
// operation regardless of arguments (spec §4.2: "delete/remove/unlink/rmdir").
var destructiveToolName = regexp.MustCompile(`(?i)(delete|remove|unlink|rmdir)`)

// gateDecision is the result of evaluating the tool-safety policy for one
// tool_use request, before any human-in-the-loop round trip.
type gateDecision int

const (
	decisionAllow gateDecision = iota
	decisionDenyPolicy
	decisionRequireApproval
)

// evaluatePolicy is the synchronous gate run before every tool use (spec
// §4.2). It never blocks; decisionRequireApproval means the caller must
// raise a PermissionRequest (real AskUserQuestion in modal mode, or a
// synthetic one for destructive commands) and wait.
func evaluatePolicy(toolName string, toolInput map[string]any, confirmationMode ConfirmationMode, autoApprove bool) (gateDecision, string) {
	if webTools.MatchString(toolName) {
		return decisionDenyPolicy, "web search and web fetch tools are disabled by policy"
	}

	if strings.EqualFold(toolName, "AskUserQuestion") {
		if confirmationMode == ConfirmationText {
			// Same decision as modal mode; in text mode the resulting
			// PermissionRequest is answered through the Multiplexer's
			// text-confirmation sub-protocol instead of a modal prompt.
			return decisionRequireApproval, ""
		}
		return decisionRequireApproval, ""
	}

	if autoApprove {
		return decisionAllow, ""
	}

	if isDestructive(toolName, toolInput) {
		return decisionRequireApproval, summariseDestructive(toolName, toolInput)
	}

	return decisionAllow, ""
}

func isDestructive(toolName string, toolInput map[string]any) bool {
	if destructiveToolName.MatchString(toolName) {
		return true
	}
	if cmd, ok := toolInput["command"].(string); ok && destructiveCommand.MatchString(cmd) {
		return true
	}
	return false
}

// summariseDestructive builds the question text for the synthetic
// AskUserQuestion gating a destructive tool call, truncated to 120 chars
// (spec §8 scenario 2).
func summariseDestructive(toolName string, toolInput map[string]any) string {
	detail := toolName
	if cmd, ok := toolInput["command"].(string); ok && cmd != "" {
		detail = cmd
	}
	if len(detail) > 120 {
		detail = detail[:120]
	}
	return detail
}

// syntheticAskUserQuestion builds the AskUserQuestion-shaped toolInput
// for a destructive-command approval gate: two options, allow-once and
// deny, with the canonical labels (spec §4.2, §4.3's allow/deny tokens).
func syntheticAskUserQuestion(question string) map[string]any {
	return map[string]any{
		"questions": []any{
			map[string]any{
				"question": fmt.Sprintf("This action requires approval: %s", question),
				"options": []any{
					map[string]any{"label": constants.CanonicalAllowLabel},
					map[string]any{"label": constants.CanonicalDenyLabel},
				},
			},
		},
	}
}

// approvalGranted reports whether a PermissionResult answering a
// synthetic destructive-command AskUserQuestion represents approval: the
// chosen label must equal the canonical allow label (spec §4.2).
func approvalGranted(result PermissionResult) bool {
	if result.Behavior != "allow" {
		return false
	}
	answers, _ := result.UpdatedInput["answers"].([]any)
	for _, a := range answers {
		if label, ok := a.(string); ok && label == constants.CanonicalAllowLabel {
			return true
		}
		if m, ok := a.(map[string]any); ok {
			if label, _ := m["label"].(string); label == constants.CanonicalAllowLabel {
				return true
			}
		}
	}
	return false
}
