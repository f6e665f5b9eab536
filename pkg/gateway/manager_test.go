package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coworkhq/imgateway/pkg/gateway"
	"github.com/coworkhq/imgateway/pkg/store"
)

// fakeStore is a minimal in-memory store.Store, enough to exercise
// GatewayManager's config persistence without a real SQLite file.
type fakeStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeStore() *fakeStore { return &fakeStore{values: make(map[string]string)} }

func (f *fakeStore) GetMapping(ctx context.Context, platform, conversationID string) (store.SessionMapping, error) {
	return store.SessionMapping{}, store.ErrNotFound
}
func (f *fakeStore) CreateMapping(ctx context.Context, m store.SessionMapping) error { return nil }
func (f *fakeStore) TouchMapping(ctx context.Context, platform, conversationID string) error {
	return nil
}
func (f *fakeStore) DeleteMapping(ctx context.Context, platform, conversationID string) error {
	return nil
}
func (f *fakeStore) AppendMessage(ctx context.Context, rec store.MessageRecord) error { return nil }
func (f *fakeStore) History(ctx context.Context, agentSessionID string) ([]store.MessageRecord, error) {
	return nil, nil
}
func (f *fakeStore) DeleteSession(ctx context.Context, agentSessionID string) error { return nil }

func (f *fakeStore) SetConfigValue(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeStore) GetConfigValue(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (f *fakeStore) Close() error { return nil }

// fakeTransport is a minimal gateway.Transport for testing Manager
// without a real platform SDK.
type fakeTransport struct {
	platform     string
	startDone    chan struct{}
	startErr     error
	connected    bool
	lastOverride json.RawMessage
}

func newFakeTransport(platform string) *fakeTransport {
	return &fakeTransport{platform: platform, startDone: make(chan struct{}, 1)}
}

func (f *fakeTransport) Platform() string { return f.platform }
func (f *fakeTransport) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.connected = true
	select {
	case f.startDone <- struct{}{}:
	default:
	}
	return nil
}
func (f *fakeTransport) Stop(ctx context.Context) error { f.connected = false; return nil }
func (f *fakeTransport) IsConnected() bool              { return f.connected }
func (f *fakeTransport) SendNotification(ctx context.Context, conversationID, text string) error {
	return nil
}
func (f *fakeTransport) TestConnectivity(ctx context.Context, override json.RawMessage) gateway.TestResult {
	f.lastOverride = override
	return gateway.TestResult{Checks: []gateway.Check{{Name: "ok", Level: gateway.LevelPass}}}
}
func (f *fakeTransport) LastInboundAt() (bool, int64)  { return false, 0 }
func (f *fakeTransport) LastOutboundAt() (bool, int64) { return false, 0 }

func TestManagerSetConfigMergesPartialUpdates(t *testing.T) {
	st := newFakeStore()
	mgr := gateway.New(nil, st, nil)
	ctx := context.Background()

	require.NoError(t, mgr.SetConfig(ctx, "telegram", json.RawMessage(`{"bot_token":"abc"}`)))
	require.NoError(t, mgr.SetConfig(ctx, "telegram", json.RawMessage(`{"enabled":true}`)))

	got, err := mgr.GetConfig(ctx, "telegram")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(got, &decoded))
	assert.Equal(t, "abc", decoded["bot_token"])
	assert.Equal(t, true, decoded["enabled"])
}

func TestManagerGetConfigUnsetPlatformReturnsNil(t *testing.T) {
	mgr := gateway.New(nil, newFakeStore(), nil)
	got, err := mgr.GetConfig(context.Background(), "discord")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestManagerStartAllEnabledCollectsEveryError(t *testing.T) {
	mgr := gateway.New(nil, newFakeStore(), nil)

	ok := newFakeTransport("telegram")
	failing := newFakeTransport("discord")
	failing.startErr = errors.New("boom")

	mgr.RegisterTransport(ok)
	mgr.RegisterTransport(failing)

	results := mgr.StartAllEnabled(context.Background())
	require.Len(t, results, 1)
	assert.EqualError(t, results["discord"], "gateway: starting discord: boom")

	connected, err := mgr.IsConnected("telegram")
	require.NoError(t, err)
	assert.True(t, connected)
}

func TestManagerStartAllEnabledStartsEveryTransport(t *testing.T) {
	mgr := gateway.New(nil, newFakeStore(), nil)
	const n = 5
	transports := make([]*fakeTransport, n)
	for i := range transports {
		transports[i] = newFakeTransport(string(rune('a' + i)))
		mgr.RegisterTransport(transports[i])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	results := mgr.StartAllEnabled(ctx)
	assert.Empty(t, results)
	for _, tr := range transports {
		assert.True(t, tr.IsConnected())
	}
}

func TestManagerTestGatewayForwardsOverrideToTransport(t *testing.T) {
	mgr := gateway.New(nil, newFakeStore(), nil)
	ft := newFakeTransport("telegram")
	mgr.RegisterTransport(ft)

	override := json.RawMessage(`{"bot_token":"candidate-token"}`)
	result := mgr.TestGateway(context.Background(), "telegram", override)

	assert.Equal(t, "telegram", result.Platform)
	assert.JSONEq(t, string(override), string(ft.lastOverride))
}

func TestManagerSendNotificationUnknownPlatform(t *testing.T) {
	mgr := gateway.New(nil, newFakeStore(), nil)
	err := mgr.SendNotification(context.Background(), "nope", "conv", "hi")
	assert.Error(t, err)
}
