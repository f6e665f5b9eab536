package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coworkhq/imgateway/pkg/bus"
	"github.com/coworkhq/imgateway/pkg/logger"
	"github.com/coworkhq/imgateway/pkg/multiplexer"
	"github.com/coworkhq/imgateway/pkg/store"
)

// Manager is the GatewayManager (spec §4.3): owns one Transport per
// platform, wires them all to a single Multiplexer (the "cowork
// handler"), and performs connectivity self-tests.
type Manager struct {
	mx      *multiplexer.Multiplexer
	store   store.Store
	metrics *Metrics

	mu         sync.RWMutex
	transports map[string]Transport
	configs    map[string]json.RawMessage
}

// New constructs a Manager bound to mx. Transports register themselves
// via RegisterTransport before Start/StartAllEnabled is called.
func New(mx *multiplexer.Multiplexer, st store.Store, metrics *Metrics) *Manager {
	return &Manager{
		mx:         mx,
		store:      st,
		metrics:    metrics,
		transports: make(map[string]Transport),
		configs:    make(map[string]json.RawMessage),
	}
}

// RegisterTransport adds a platform's Transport instance.
func (m *Manager) RegisterTransport(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports[t.Platform()] = t
}

func (m *Manager) transport(platform string) (Transport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transports[platform]
	if !ok {
		return nil, fmt.Errorf("gateway: unknown platform %q", platform)
	}
	return t, nil
}

// GetConfig returns the persisted configuration blob for platform (spec
// §4.3 getConfig).
func (m *Manager) GetConfig(ctx context.Context, platform string) (json.RawMessage, error) {
	v, err := m.store.GetConfigValue(ctx, configKey(platform))
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(v), nil
}

// SetConfig merges a partial configuration update and persists it (spec
// §4.3 setConfig "partial").
func (m *Manager) SetConfig(ctx context.Context, platform string, partial json.RawMessage) error {
	current, err := m.GetConfig(ctx, platform)
	if err != nil {
		return err
	}

	merged := map[string]any{}
	if len(current) > 0 {
		if err := json.Unmarshal(current, &merged); err != nil {
			return fmt.Errorf("gateway: decoding stored config for %s: %w", platform, err)
		}
	}
	var update map[string]any
	if err := json.Unmarshal(partial, &update); err != nil {
		return fmt.Errorf("gateway: decoding config update for %s: %w", platform, err)
	}
	for k, v := range update {
		merged[k] = v
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	return m.store.SetConfigValue(ctx, configKey(platform), string(data))
}

func configKey(platform string) string {
	return "transport." + platform
}

// Start starts one platform's transport (spec §4.3 start(platform)).
func (m *Manager) Start(ctx context.Context, platform string) error {
	t, err := m.transport(platform)
	if err != nil {
		return err
	}
	if err := t.Start(ctx); err != nil {
		return fmt.Errorf("gateway: starting %s: %w", platform, err)
	}
	if m.metrics != nil {
		m.metrics.Connected.WithLabelValues(platform).Set(1)
	}
	return nil
}

// Stop stops one platform's transport (spec §4.3 stop(platform)).
func (m *Manager) Stop(ctx context.Context, platform string) error {
	t, err := m.transport(platform)
	if err != nil {
		return err
	}
	if err := t.Stop(ctx); err != nil {
		return fmt.Errorf("gateway: stopping %s: %w", platform, err)
	}
	if m.metrics != nil {
		m.metrics.Connected.WithLabelValues(platform).Set(0)
	}
	return nil
}

// StartAllEnabled starts every registered transport concurrently,
// collecting (not short-circuiting on) individual errors (spec §4.3
// startAllEnabled) — one platform's slow handshake never delays another's.
func (m *Manager) StartAllEnabled(ctx context.Context) map[string]error {
	m.mu.RLock()
	platforms := make([]string, 0, len(m.transports))
	for p := range m.transports {
		platforms = append(platforms, p)
	}
	m.mu.RUnlock()

	return m.startFanIn(ctx, platforms)
}

// ReconnectAllDisconnected restarts every transport currently reporting
// disconnected, concurrently (spec §4.3 reconnectAllDisconnected).
func (m *Manager) ReconnectAllDisconnected(ctx context.Context) map[string]error {
	m.mu.RLock()
	var toReconnect []string
	for p, t := range m.transports {
		if !t.IsConnected() {
			toReconnect = append(toReconnect, p)
		}
	}
	m.mu.RUnlock()

	return m.startFanIn(ctx, toReconnect)
}

// startFanIn runs Start(platform) for every entry in platforms
// concurrently via errgroup, fanning the per-platform errors back into a
// single results map under a mutex (errgroup itself only tracks the
// first error, which would lose every platform but one).
func (m *Manager) startFanIn(ctx context.Context, platforms []string) map[string]error {
	results := make(map[string]error)
	var mu sync.Mutex

	// A plain Group, not WithContext: its derived context is cancelled when
	// Wait returns, and transports keep the ctx they are started with.
	var g errgroup.Group
	for _, p := range platforms {
		p := p
		g.Go(func() error {
			if err := m.Start(ctx, p); err != nil {
				logger.ErrorCF("gateway", "failed to start platform", map[string]any{"platform": p, "error": err.Error()})
				mu.Lock()
				results[p] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// IsConnected reports platform's connection state (spec §4.3).
func (m *Manager) IsConnected(platform string) (bool, error) {
	t, err := m.transport(platform)
	if err != nil {
		return false, err
	}
	return t.IsConnected(), nil
}

// SendNotification delivers a gateway-initiated message (spec §4.3).
func (m *Manager) SendNotification(ctx context.Context, platform, conversationID, text string) error {
	t, err := m.transport(platform)
	if err != nil {
		return err
	}
	if err := t.SendNotification(ctx, conversationID, text); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.OutboundActivity.WithLabelValues(platform).Set(float64(time.Now().Unix()))
	}
	return nil
}

// TestGateway runs platform's connectivity self-test (spec §4.3
// testGateway). override, if non-nil, replaces the credential-presence
// check's config source (used by admin tooling to dry-run a config
// change before SetConfig persists it).
func (m *Manager) TestGateway(ctx context.Context, platform string, override json.RawMessage) TestResult {
	t, err := m.transport(platform)
	if err != nil {
		return TestResult{Platform: platform, Verdict: LevelFail, Checks: []Check{{Name: "lookup", Level: LevelFail, Message: err.Error()}}}
	}
	result := t.TestConnectivity(ctx, override)

	okIn, inMS := t.LastInboundAt()
	okOut, outMS := t.LastOutboundAt()
	result.Checks = append(result.Checks, activityCheck("inbound_activity", okIn, inMS), activityCheck("outbound_activity", okOut, outMS))
	result.Verdict = computeVerdict(result.Checks)
	result.Platform = platform
	return result
}

// ForwardLoop consumes inbound bus messages and drives them through the
// Multiplexer, invoking each message's Reply closure with the resulting
// text (spec §2 "Data flow per turn"). Transports publish into the same
// bus.MessageBus that this loop drains; call it once per Manager.
func (m *Manager) ForwardLoop(ctx context.Context, b *bus.MessageBus) {
	for {
		msg, ok := b.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if m.metrics != nil {
			m.metrics.InboundActivity.WithLabelValues(msg.Platform).Set(float64(time.Now().Unix()))
		}
		go m.handleInbound(ctx, msg)
	}
}

func (m *Manager) handleInbound(ctx context.Context, msg bus.IMMessage) {
	reply, err := m.mx.ProcessMessage(ctx, msg)
	outcome := "success"
	if err != nil {
		logger.ErrorCF("gateway", "turn failed", map[string]any{"platform": msg.Platform, "error": err.Error()})
		reply = "Sorry, something went wrong processing that."
		outcome = "error"
	}
	if m.metrics != nil {
		m.metrics.TurnsTotal.WithLabelValues(msg.Platform, outcome).Inc()
	}
	if msg.Reply == nil {
		return
	}
	if err := msg.Reply(ctx, reply); err != nil {
		logger.ErrorCF("gateway", "failed to deliver reply", map[string]any{"platform": msg.Platform, "error": err.Error()})
	}
}
