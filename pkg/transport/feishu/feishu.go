// Package feishu implements the gateway.Transport contract over
// Feishu/Lark using the official larksuite/oapi-sdk-go/v3 SDK (long
// connection mode). The channel-struct shape (wrapping a client,
// Start/Stop/Send/handleMessageEvent) follows vanducng-goclaw's native
// feishu channel; that package's own HTTP client is replaced here with
// the SDK since it is in the wired dependency set.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
	"golang.org/x/time/rate"

	"github.com/coworkhq/imgateway/pkg/bus"
	"github.com/coworkhq/imgateway/pkg/gateway"
	"github.com/coworkhq/imgateway/pkg/logger"
	"github.com/coworkhq/imgateway/pkg/transport"
)

const chunkLimit = 4000

// Transport is the Feishu/Lark gateway.Transport implementation.
type Transport struct {
	appID, appSecret string
	client           *lark.Client
	wsClient         *larkws.Client
	b                *bus.MessageBus
	limiter          *rate.Limiter

	mu           sync.RWMutex
	connected    bool
	lastInbound  int64
	lastOutbound int64
}

// New constructs a Feishu transport from app credentials.
func New(appID, appSecret string, b *bus.MessageBus) *Transport {
	return &Transport{
		appID:     appID,
		appSecret: appSecret,
		client:    lark.NewClient(appID, appSecret),
		b:         b,
		limiter:   transport.NewPlatformLimiter(),
	}
}

func (t *Transport) Platform() string { return "feishu" }

func (t *Transport) Start(ctx context.Context) error {
	dispatcher := larkevent.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(func(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
			t.handleMessageEvent(event)
			return nil
		})

	t.wsClient = larkws.NewClient(t.appID, t.appSecret,
		larkws.WithEventHandler(dispatcher),
		larkws.WithLogLevel(larkcore.LogLevelInfo),
	)

	go func() {
		if err := t.wsClient.Start(ctx); err != nil {
			logger.ErrorCF("transport.feishu", "websocket client stopped", map[string]any{"error": err.Error()})
			t.mu.Lock()
			t.connected = false
			t.mu.Unlock()
		}
	}()

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	logger.InfoCF("transport.feishu", "started", nil)
	return nil
}

func (t *Transport) Stop(_ context.Context) error {
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

func (t *Transport) handleMessageEvent(event *larkim.P2MessageReceiveV1) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return
	}
	msg := event.Event.Message

	t.mu.Lock()
	t.lastInbound = time.Now().UnixMilli()
	t.mu.Unlock()

	content := extractText(msg.MessageType, msg.Content)

	var senderID string
	if event.Event.Sender != nil && event.Event.Sender.SenderId != nil {
		senderID = stringOrEmpty(event.Event.Sender.SenderId.OpenId)
	}

	t.b.PublishInbound(bus.IMMessage{
		Platform:       t.Platform(),
		ConversationID: stringOrEmpty(msg.ChatId),
		MessageID:      stringOrEmpty(msg.MessageId),
		SenderID:       senderID,
		Content:        content,
		TimestampMS:    time.Now().UnixMilli(),
		Reply: func(ctx context.Context, text string) error {
			return t.reply(ctx, stringOrEmpty(msg.ChatId), text)
		},
	})
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// extractText decodes the handful of message types worth forwarding as
// plain content; others are summarized so the turn still has something
// to reason about.
func extractText(msgType *string, content *string) string {
	if content == nil {
		return ""
	}
	mt := ""
	if msgType != nil {
		mt = *msgType
	}
	if mt != "text" {
		return "[" + mt + " message]"
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(*content), &body); err != nil {
		return *content
	}
	return body.Text
}

func (t *Transport) reply(ctx context.Context, chatID, text string) error {
	send := transport.Sender(func(ctx context.Context, _ string, chunk string) error {
		body, err := json.Marshal(map[string]string{"text": chunk})
		if err != nil {
			return err
		}
		req := larkim.NewCreateMessageReqBuilder().
			ReceiveIdType("chat_id").
			Body(larkim.NewCreateMessageReqBodyBuilder().
				ReceiveId(chatID).
				MsgType("text").
				Content(string(body)).
				Build()).
			Build()

		resp, err := t.client.Im.Message.Create(ctx, req)
		if err != nil {
			return fmt.Errorf("feishu: send message: %w", err)
		}
		if !resp.Success() {
			return fmt.Errorf("feishu: send message: code=%d msg=%s", resp.Code, resp.Msg)
		}
		return nil
	})
	err := transport.SafeSend(ctx, t.Platform(), chatID, text, chunkLimit, send, nil, t.limiter)
	if err == nil {
		t.mu.Lock()
		t.lastOutbound = time.Now().UnixMilli()
		t.mu.Unlock()
	}
	return err
}

func (t *Transport) SendNotification(ctx context.Context, conversationID, text string) error {
	return t.reply(ctx, conversationID, text)
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

// feishuOverride mirrors config.FeishuConfig's credential fields.
type feishuOverride struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
}

// TestConnectivity runs Feishu's connectivity self-test: credential
// presence plus an auth probe. When override carries app_id/app_secret,
// the probe runs against a throwaway client built from them instead of
// t.client.
func (t *Transport) TestConnectivity(ctx context.Context, override json.RawMessage) gateway.TestResult {
	appID, appSecret := t.appID, t.appSecret
	if len(override) > 0 {
		var o feishuOverride
		if err := json.Unmarshal(override, &o); err != nil {
			return gateway.TestResult{Checks: []gateway.Check{{Name: "override", Level: gateway.LevelFail, Message: "invalid override: " + err.Error()}}}
		}
		if o.AppID != "" {
			appID = o.AppID
		}
		if o.AppSecret != "" {
			appSecret = o.AppSecret
		}
	}

	var checks []gateway.Check
	if appID == "" || appSecret == "" {
		checks = append(checks, gateway.Check{Name: "credentials", Level: gateway.LevelFail, Message: "app_id/app_secret missing"})
		return gateway.TestResult{Checks: checks}
	}
	checks = append(checks, gateway.Check{Name: "credentials", Level: gateway.LevelPass})

	client := t.client
	if appID != t.appID || appSecret != t.appSecret {
		client = lark.NewClient(appID, appSecret)
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	resp, err := client.Im.Message.Create(probeCtx, larkim.NewCreateMessageReqBuilder().Build())
	if err != nil {
		checks = append(checks, gateway.Check{Name: "auth_probe", Level: gateway.LevelWarn, Message: "probe request failed: " + err.Error()})
	} else if resp != nil && resp.Code == 99991663 {
		checks = append(checks, gateway.Check{Name: "auth_probe", Level: gateway.LevelFail, Message: "app token rejected (check app_id/app_secret)"})
	} else {
		checks = append(checks, gateway.Check{Name: "auth_probe", Level: gateway.LevelPass})
	}

	if t.IsConnected() {
		checks = append(checks, gateway.Check{Name: "ws_connection", Level: gateway.LevelPass})
	} else {
		checks = append(checks, gateway.Check{Name: "ws_connection", Level: gateway.LevelWarn, Message: "long connection not started"})
	}
	return gateway.TestResult{Checks: checks}
}
