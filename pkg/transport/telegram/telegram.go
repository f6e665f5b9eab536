// Package telegram implements the gateway.Transport contract for Telegram
// using telego's long-polling bot API (teacher: pkg/tools/telegram.go uses
// telego as a tool client; this package promotes it to a full transport in
// the shape vanducng-goclaw's discord/feishu channels use — a struct
// wrapping the platform SDK with Start/Stop/Send/handle*).
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/coworkhq/imgateway/pkg/bus"
	"github.com/coworkhq/imgateway/pkg/gateway"
	"github.com/coworkhq/imgateway/pkg/logger"
	"github.com/coworkhq/imgateway/pkg/media"
	"github.com/coworkhq/imgateway/pkg/transport"
)

const chunkLimit = 4096 // Telegram's hard per-message character cap.

// Transport is the Telegram gateway.Transport implementation.
type Transport struct {
	bot     *telego.Bot
	token   string
	b       *bus.MessageBus
	cancel  context.CancelFunc
	limiter *rate.Limiter

	mu          sync.RWMutex
	connected   bool
	lastInbound int64
	lastOutbound int64
}

// New constructs a Telegram transport from a bot token. b receives every
// inbound message as a bus.IMMessage.
func New(token string, b *bus.MessageBus) (*Transport, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: creating bot: %w", err)
	}
	return &Transport{bot: bot, token: token, b: b, limiter: transport.NewPlatformLimiter()}, nil
}

func (t *Transport) Platform() string { return "telegram" }

// Start opens a long-polling update stream and begins publishing inbound
// messages to the bus (spec §6 Transport inbound contract).
func (t *Transport) Start(ctx context.Context) error {
	if _, err := t.bot.GetMe(ctx); err != nil {
		return fmt.Errorf("telegram: auth probe failed: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	updates, err := t.bot.UpdatesViaLongPolling(runCtx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: starting long polling: %w", err)
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	go t.pump(runCtx, updates)
	logger.InfoCF("transport.telegram", "started", nil)
	return nil
}

func (t *Transport) Stop(_ context.Context) error {
	if t.cancel != nil {
		t.cancel()
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

func (t *Transport) pump(ctx context.Context, updates <-chan telego.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				t.mu.Lock()
				t.connected = false
				t.mu.Unlock()
				return
			}
			if upd.Message != nil {
				t.handleMessage(upd.Message)
			}
		}
	}
}

func (t *Transport) handleMessage(m *telego.Message) {
	t.mu.Lock()
	t.lastInbound = time.Now().UnixMilli()
	t.mu.Unlock()

	content := m.Text
	var attachments []media.Attachment
	switch {
	case len(m.Photo) > 0:
		largest := m.Photo[len(m.Photo)-1]
		attachments = append(attachments, media.Attachment{Type: "image", LocalPath: largest.FileID, Width: largest.Width, Height: largest.Height})
	case m.Document != nil:
		attachments = append(attachments, media.Attachment{Type: "file", LocalPath: m.Document.FileID, Name: m.Document.FileName, MIME: m.Document.MimeType})
	case m.Voice != nil:
		attachments = append(attachments, media.Attachment{Type: "audio", LocalPath: m.Voice.FileID, DurationS: float64(m.Voice.Duration)})
	case m.Video != nil:
		attachments = append(attachments, media.Attachment{Type: "video", LocalPath: m.Video.FileID, Width: m.Video.Width, Height: m.Video.Height, DurationS: float64(m.Video.Duration)})
	}
	if content == "" && m.Caption != "" {
		content = m.Caption
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	threadID := ""
	if m.IsTopicMessage {
		threadID = strconv.Itoa(m.MessageThreadID)
	}

	t.b.PublishInbound(bus.IMMessage{
		Platform:       t.Platform(),
		ConversationID: chatID,
		MessageID:      strconv.Itoa(m.MessageID),
		SenderID:       strconv.FormatInt(senderID(m), 10),
		Content:        content,
		Attachments:    attachments,
		ThreadID:       threadID,
		TimestampMS:    int64(m.Date) * 1000,
		Reply: func(ctx context.Context, text string) error {
			return t.reply(ctx, m.Chat.ID, m.MessageThreadID, text)
		},
	})
}

func senderID(m *telego.Message) int64 {
	if m.From != nil {
		return m.From.ID
	}
	return 0
}

func (t *Transport) reply(ctx context.Context, chatID int64, threadID int, text string) error {
	send := transport.Sender(func(ctx context.Context, _ string, chunk string) error {
		params := tu.Message(tu.ID(chatID), chunk)
		if threadID != 0 {
			params.MessageThreadID = threadID
		}
		_, err := t.bot.SendMessage(ctx, params)
		return err
	})
	err := transport.SafeSend(ctx, t.Platform(), strconv.FormatInt(chatID, 10), text, chunkLimit, send, nil, t.limiter)
	if err == nil {
		t.mu.Lock()
		t.lastOutbound = time.Now().UnixMilli()
		t.mu.Unlock()
	}
	return err
}

// SendNotification delivers a gateway-initiated message (spec §4.3).
func (t *Transport) SendNotification(ctx context.Context, conversationID, text string) error {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid conversation id %q: %w", conversationID, err)
	}
	return t.reply(ctx, chatID, 0, text)
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

// telegramOverride mirrors config.TelegramConfig's credential field, the
// only piece of an override TestConnectivity needs.
type telegramOverride struct {
	BotToken string `json:"bot_token"`
}

// TestConnectivity runs Telegram's connectivity self-test: credential
// presence plus a getMe auth probe (spec §4.3, §6). When override carries
// a bot_token, the probe runs against it instead of the configured token,
// without mutating this transport's live client.
func (t *Transport) TestConnectivity(ctx context.Context, override json.RawMessage) gateway.TestResult {
	checks := []gateway.Check{}

	token := t.token
	if len(override) > 0 {
		var o telegramOverride
		if err := json.Unmarshal(override, &o); err != nil {
			return gateway.TestResult{Checks: []gateway.Check{{Name: "override", Level: gateway.LevelFail, Message: "invalid override: " + err.Error()}}}
		}
		if o.BotToken != "" {
			token = o.BotToken
		}
	}

	if token == "" {
		checks = append(checks, gateway.Check{Name: "credentials", Level: gateway.LevelFail, Message: "bot_token missing"})
		return gateway.TestResult{Checks: checks}
	}
	checks = append(checks, gateway.Check{Name: "credentials", Level: gateway.LevelPass})

	bot := t.bot
	if token != t.token {
		var err error
		bot, err = telego.NewBot(token)
		if err != nil {
			checks = append(checks, gateway.Check{Name: "auth_probe", Level: gateway.LevelFail, Message: "creating bot with override token: " + err.Error()})
			return gateway.TestResult{Checks: checks}
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	me, err := bot.GetMe(probeCtx)
	if err != nil {
		checks = append(checks, gateway.Check{Name: "auth_probe", Level: gateway.LevelFail, Message: "getMe failed: " + err.Error() + " (check bot_token)"})
	} else {
		checks = append(checks, gateway.Check{Name: "auth_probe", Level: gateway.LevelPass, Message: "authenticated as @" + me.Username})
	}

	if t.IsConnected() {
		checks = append(checks, gateway.Check{Name: "connected", Level: gateway.LevelPass})
	} else {
		checks = append(checks, gateway.Check{Name: "connected", Level: gateway.LevelWarn, Message: "long-polling not started"})
	}

	return gateway.TestResult{Checks: checks}
}
