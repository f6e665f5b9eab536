// Package gateway implements the GatewayManager (spec §4.3): it owns one
// Transport per platform, wires them all to a single Multiplexer
// instance, and performs connectivity self-tests.
package gateway

import (
	"context"
	"encoding/json"
)

// Transport is the external collaborator contract spec §2 item 2
// describes at interface level: platform-specific bot transports are
// out of scope for the core, but GatewayManager depends on this shape.
type Transport interface {
	Platform() string

	// Start begins polling/listening for inbound messages, publishing
	// each as a bus.IMMessage (spec §6 Transport inbound contract).
	Start(ctx context.Context) error

	// Stop shuts the transport down; idempotent.
	Stop(ctx context.Context) error

	IsConnected() bool

	// SendNotification delivers a gateway-initiated message outside any
	// Reply closure (spec §4.3 sendNotification).
	SendNotification(ctx context.Context, conversationID, text string) error

	// TestConnectivity runs this platform's connectivity self-test (spec
	// §4.3, §6): credential presence, an auth probe, and (where the
	// transport tracks one) the live connection state, with hints in the
	// check messages. The activity-threshold checks are not part of it;
	// Manager.TestGateway appends them. override, when
	// non-nil, is a candidate config blob (the same shape SetConfig
	// accepts) to dry-run the probe against instead of the transport's
	// already-configured credentials, without mutating live state (spec
	// §4.3 testGateway(platform, override?)).
	TestConnectivity(ctx context.Context, override json.RawMessage) TestResult

	// LastInboundAt / LastOutboundAt back the 2-minute activity
	// thresholds that Manager.TestGateway adds to TestConnectivity's
	// checks (spec §4.3).
	LastInboundAt() (ok bool, unixMS int64)
	LastOutboundAt() (ok bool, unixMS int64)
}

// CheckLevel is one connectivity-test check's outcome.
type CheckLevel string

const (
	LevelPass CheckLevel = "pass"
	LevelWarn CheckLevel = "warn"
	LevelFail CheckLevel = "fail"
)

// Check is one step of a platform's connectivity self-test.
type Check struct {
	Name    string
	Level   CheckLevel
	Message string
}

// TestResult is the outcome of TestGateway for one platform (spec §4.3).
type TestResult struct {
	Platform string
	Checks   []Check
	Verdict  CheckLevel
}
