// Package constants holds small fixed sets shared by the core packages:
// internal channel names, timeouts, and the text-confirmation token sets
// used by the permission sub-protocol (spec §6).
package constants

import "time"

// Internal pseudo-channels never correspond to a real IM platform and
// never surface a reply to an end user.
var internalChannels = map[string]bool{
	"system":   true,
	"cli":      true,
	"subagent": true,
	"direct":   true,
}

func IsInternalChannel(channel string) bool {
	return internalChannels[channel]
}

const (
	// DefaultTurnTimeout is the per-turn Accumulator deadline (spec §3, §5).
	DefaultTurnTimeout = 300 * time.Second

	// PermissionTimeout is the hard deadline for a PermissionRequest (spec §3).
	PermissionTimeout = 60 * time.Second

	// StreamThrottle bounds how often messageUpdate is emitted per block (spec §5).
	StreamThrottle = 90 * time.Millisecond

	// SandboxReadinessPoll / SandboxReadinessCap govern VM heartbeat polling (spec §4.2, §5).
	SandboxReadinessPoll = 100 * time.Millisecond
	SandboxReadinessCap  = 60 * time.Second

	// SandboxStopGrace is how long stopSession waits after SIGTERM before SIGKILL.
	SandboxStopGrace = 1 * time.Second

	// MediaGCStaleness is the age after which orphaned media under a session
	// workspace is eligible for the daily GC sweep.
	MediaGCStaleness = 7 * 24 * time.Hour
)

// Sanitisation bounds (spec §4.2).
const (
	SanitizeMaxDepth      = 5
	SanitizeMaxKeys       = 60
	SanitizeMaxArrayItems = 30
	SanitizeMaxStringLen  = 4000

	TruncateToolResultLen = 120_000
	TruncateFinalResultLen = 120_000
	TruncateStderrTailLen  = 24_000
	TruncateTextBlockLen     = 120_000
	TruncateThinkingBlockLen = 60_000
)

// TruncationSentinel is appended whenever content is cut at one of the
// bounds above, so a reader (human or the agent itself) can tell the
// content was clipped rather than naturally short.
const TruncationSentinel = "\n...[truncated]"

// Allow/deny token sets for the plain-chat permission confirmation
// protocol (spec §6). Matching is case-insensitive and anchored against
// the whole trimmed message after stripping trailing punctuation.
var (
	AllowTokens = map[string]bool{
		"允许": true, "同意": true, "yes": true, "y": true,
	}
	DenyTokens = map[string]bool{
		"拒绝": true, "不同意": true, "no": true, "n": true,
	}
)

// CanonicalAllowLabel / CanonicalDenyLabel are the option labels used for
// the synthetic AskUserQuestion generated to gate destructive tool calls
// (spec §4.2, scenario 2).
const (
	CanonicalAllowLabel = "允许本次操作"
	CanonicalDenyLabel  = "拒绝本次操作"
)

// TrailingPunctuation is the set of trailing punctuation characters
// trimmed from a reply before matching it against the allow/deny sets.
const TrailingPunctuation = ".!?,;。，！？:：；"
