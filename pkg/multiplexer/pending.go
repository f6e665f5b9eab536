package multiplexer

import (
	"strings"
	"time"

	"github.com/coworkhq/imgateway/pkg/bus"
	"github.com/coworkhq/imgateway/pkg/constants"
)

// pendingPermission is the state that the human owes an allow/deny
// answer in chat (spec §3's PendingIMPermission, glossary). It exists
// only between a permissionRequest event and its resolution.
type pendingPermission struct {
	key       bus.ConversationKey
	sessionID string
	requestID string
	toolName  string
	toolInput map[string]any
	createdAt time.Time
	timer     *time.Timer
}

// trimForMatch strips surrounding whitespace and trailing punctuation
// from the set `.!?,;。，！？:：；` before matching against the allow/deny
// token sets (spec §4.1 step 1).
func trimForMatch(content string) string {
	s := strings.TrimSpace(content)
	for len(s) > 0 {
		trimmed := strings.TrimRight(s, constants.TrailingPunctuation)
		if trimmed == s {
			break
		}
		s = strings.TrimSpace(trimmed)
	}
	return s
}

// matchAllow / matchDeny apply the case-insensitive, whole-message match
// against the token sets (spec §4.1, §6).
func matchAllow(trimmed string) bool {
	return constants.AllowTokens[strings.ToLower(trimmed)]
}

func matchDeny(trimmed string) bool {
	return constants.DenyTokens[strings.ToLower(trimmed)]
}
