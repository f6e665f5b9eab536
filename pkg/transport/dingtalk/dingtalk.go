// Package dingtalk implements the gateway.Transport contract over
// DingTalk's stream-mode robot API (no public webhook needed). The
// callback-routing/bot-struct shape follows vanducng-goclaw's channel
// packages; bot-info lookups and signing conventions follow
// 88lin-divinesense's dingtalk channel.
package dingtalk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"
	"golang.org/x/time/rate"

	"github.com/coworkhq/imgateway/pkg/bus"
	"github.com/coworkhq/imgateway/pkg/gateway"
	"github.com/coworkhq/imgateway/pkg/logger"
	"github.com/coworkhq/imgateway/pkg/transport"
)

const chunkLimit = 4000

// Transport is the DingTalk gateway.Transport implementation, connected
// over the stream-mode WebSocket rather than an inbound webhook.
type Transport struct {
	clientID, clientSecret string
	cli                    *client.StreamClient
	replier                *chatbot.ChatBotReplier
	b                      *bus.MessageBus
	limiter                *rate.Limiter

	mu           sync.RWMutex
	connected    bool
	lastInbound  int64
	lastOutbound int64
	webhooks     map[string]string // conversationID -> last session webhook, for SendNotification
}

// New constructs a DingTalk stream transport from app credentials.
func New(clientID, clientSecret string, b *bus.MessageBus) *Transport {
	return &Transport{
		clientID:     clientID,
		clientSecret: clientSecret,
		b:            b,
		replier:      chatbot.NewChatBotReplier(),
		webhooks:     make(map[string]string),
		limiter:      transport.NewPlatformLimiter(),
	}
}

func (t *Transport) Platform() string { return "dingtalk" }

func (t *Transport) Start(ctx context.Context) error {
	cli := client.NewStreamClient(client.WithAppCredential(client.NewAppCredentialConfig(t.clientID, t.clientSecret)))
	cli.RegisterChatBotCallbackRouter(chatbot.NewDefaultChatBotFrameHandler(t.handleCallback))

	if err := cli.Start(ctx); err != nil {
		return fmt.Errorf("dingtalk: starting stream client: %w", err)
	}
	t.cli = cli

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	logger.InfoCF("transport.dingtalk", "started", nil)
	return nil
}

func (t *Transport) Stop(_ context.Context) error {
	if t.cli != nil {
		t.cli.Close()
	}
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *Transport) handleCallback(ctx context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
	t.mu.Lock()
	t.lastInbound = time.Now().UnixMilli()
	t.webhooks[data.ConversationId] = data.SessionWebhook
	t.mu.Unlock()

	t.b.PublishInbound(bus.IMMessage{
		Platform:       t.Platform(),
		ConversationID: data.ConversationId,
		MessageID:      data.MsgId,
		SenderID:       data.SenderStaffId,
		Content:        data.Text.Content,
		TimestampMS:    time.Now().UnixMilli(),
		Reply: func(ctx context.Context, text string) error {
			return t.replyVia(ctx, data.SessionWebhook, text)
		},
	})

	return []byte(""), nil
}

func (t *Transport) replyVia(ctx context.Context, webhook, text string) error {
	send := transport.Sender(func(ctx context.Context, _ string, chunk string) error {
		return t.replier.SimpleReplyText(ctx, webhook, []byte(chunk))
	})
	err := transport.SafeSend(ctx, t.Platform(), webhook, text, chunkLimit, send, nil, t.limiter)
	if err == nil {
		t.mu.Lock()
		t.lastOutbound = time.Now().UnixMilli()
		t.mu.Unlock()
	}
	return err
}

// SendNotification replies on the most recently seen session webhook for
// conversationID; DingTalk's stream mode has no independent push path,
// so a notification before any inbound message from that conversation
// is not deliverable (spec §6's stream-mode limitation).
func (t *Transport) SendNotification(ctx context.Context, conversationID, text string) error {
	t.mu.RLock()
	webhook, ok := t.webhooks[conversationID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("dingtalk: no session webhook on file for conversation %q yet", conversationID)
	}
	return t.replyVia(ctx, webhook, text)
}

func (t *Transport) LastInboundAt() (bool, int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastInbound != 0, t.lastInbound
}

func (t *Transport) LastOutboundAt() (bool, int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastOutbound != 0, t.lastOutbound
}

// dingtalkOverride mirrors config.DingTalkConfig's credential fields.
type dingtalkOverride struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// TestConnectivity checks credential presence (against override, if
// given, else the configured credentials) and the live stream connection
// state. DingTalk's stream-mode client can't be probed without opening a
// full WebSocket session, so an override can't be auth-probed here the
// way Telegram/Discord/Feishu can — the stream_connection check always
// reflects the persisted config, not override.
func (t *Transport) TestConnectivity(_ context.Context, override json.RawMessage) gateway.TestResult {
	clientID, clientSecret := t.clientID, t.clientSecret
	if len(override) > 0 {
		var o dingtalkOverride
		if err := json.Unmarshal(override, &o); err != nil {
			return gateway.TestResult{Checks: []gateway.Check{{Name: "override", Level: gateway.LevelFail, Message: "invalid override: " + err.Error()}}}
		}
		if o.ClientID != "" {
			clientID = o.ClientID
		}
		if o.ClientSecret != "" {
			clientSecret = o.ClientSecret
		}
	}

	var checks []gateway.Check
	if clientID == "" || clientSecret == "" {
		checks = append(checks, gateway.Check{Name: "credentials", Level: gateway.LevelFail, Message: "client_id/client_secret missing"})
	} else {
		checks = append(checks, gateway.Check{Name: "credentials", Level: gateway.LevelPass})
	}
	if t.IsConnected() {
		checks = append(checks, gateway.Check{Name: "stream_connection", Level: gateway.LevelPass})
	} else {
		checks = append(checks, gateway.Check{Name: "stream_connection", Level: gateway.LevelFail, Message: "stream client not connected"})
	}
	return gateway.TestResult{Checks: checks}
}
