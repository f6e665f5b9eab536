// Package discord implements the gateway.Transport contract using
// discordgo's gateway-event API, adapted from vanducng-goclaw's Discord
// channel (internal/channels/discord/discord.go): a struct wrapping the
// session with AddHandler/Open/Close and a chunked Send path.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/coworkhq/imgateway/pkg/bus"
	"github.com/coworkhq/imgateway/pkg/gateway"
	"github.com/coworkhq/imgateway/pkg/logger"
	"github.com/coworkhq/imgateway/pkg/media"
	"github.com/coworkhq/imgateway/pkg/transport"
)

const chunkLimit = 2000 // Discord's hard per-message character cap.

// Transport is the Discord gateway.Transport implementation.
type Transport struct {
	session   *discordgo.Session
	token     string
	b         *bus.MessageBus
	botUserID string
	limiter   *rate.Limiter

	mu           sync.RWMutex
	connected    bool
	lastInbound  int64
	lastOutbound int64
}

// New constructs a Discord transport from a bot token.
func New(token string, b *bus.MessageBus) (*Transport, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	return &Transport{session: session, token: token, b: b, limiter: transport.NewPlatformLimiter()}, nil
}

func (t *Transport) Platform() string { return "discord" }

func (t *Transport) Start(_ context.Context) error {
	t.session.AddHandler(t.handleMessage)
	if err := t.session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway session: %w", err)
	}
	user, err := t.session.User("@me")
	if err != nil {
		t.session.Close()
		return fmt.Errorf("discord: fetching bot identity: %w", err)
	}
	t.botUserID = user.ID

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	logger.InfoCF("transport.discord", "started", map[string]any{"username": user.Username})
	return nil
}

func (t *Transport) Stop(_ context.Context) error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return t.session.Close()
}

func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *Transport) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == t.botUserID || m.Author.Bot {
		return
	}

	t.mu.Lock()
	t.lastInbound = time.Now().UnixMilli()
	t.mu.Unlock()

	content := m.Content
	var attachments []media.Attachment
	for _, a := range m.Attachments {
		attachments = append(attachments, media.Attachment{
			Type: attachmentKind(a.ContentType), LocalPath: a.URL, Name: a.Filename,
			MIME: a.ContentType, SizeBytes: int64(a.Size), Width: a.Width, Height: a.Height,
		})
	}

	t.b.PublishInbound(bus.IMMessage{
		Platform:       t.Platform(),
		ConversationID: m.ChannelID,
		MessageID:      m.ID,
		SenderID:       m.Author.ID,
		Content:        content,
		Attachments:    attachments,
		TimestampMS:    m.Timestamp.UnixMilli(),
		Reply: func(ctx context.Context, text string) error {
			return t.reply(ctx, m.ChannelID, text)
		},
	})
}

func attachmentKind(contentType string) string {
	switch {
	case len(contentType) >= 5 && contentType[:5] == "image":
		return "image"
	case len(contentType) >= 5 && contentType[:5] == "video":
		return "video"
	case len(contentType) >= 5 && contentType[:5] == "audio":
		return "audio"
	default:
		return "file"
	}
}

func (t *Transport) reply(ctx context.Context, channelID, text string) error {
	send := transport.Sender(func(ctx context.Context, _ string, chunk string) error {
		_, err := t.session.ChannelMessageSend(channelID, chunk)
		return err
	})
	err := transport.SafeSend(ctx, t.Platform(), channelID, text, chunkLimit, send, nil, t.limiter)
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

// discordOverride mirrors config.DiscordConfig's credential field.
type discordOverride struct {
	BotToken string `json:"bot_token"`
}

// TestConnectivity runs Discord's connectivity self-test: credential
// presence, a REST auth probe (fetching "@me" never opens the gateway
// socket), and the live gateway session state. When override carries a
// bot_token, the auth probe runs against it via a throwaway session
// instead of mutating t.session.
func (t *Transport) TestConnectivity(ctx context.Context, override json.RawMessage) gateway.TestResult {
	var checks []gateway.Check

	token := t.token
	if len(override) > 0 {
		var o discordOverride
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

	session := t.session
	if token != t.token {
		var err error
		session, err = discordgo.New("Bot " + token)
		if err != nil {
			checks = append(checks, gateway.Check{Name: "auth_probe", Level: gateway.LevelFail, Message: "creating session with override token: " + err.Error()})
			return gateway.TestResult{Checks: checks}
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if user, err := session.User("@me", discordgo.WithContext(probeCtx)); err != nil {
		checks = append(checks, gateway.Check{Name: "auth_probe", Level: gateway.LevelFail, Message: "fetching bot identity failed: " + err.Error() + " (check bot_token)"})
	} else {
		checks = append(checks, gateway.Check{Name: "auth_probe", Level: gateway.LevelPass, Message: "authenticated as " + user.Username})
	}

	if t.IsConnected() {
		checks = append(checks, gateway.Check{Name: "gateway_session", Level: gateway.LevelPass})
	} else {
		checks = append(checks, gateway.Check{Name: "gateway_session", Level: gateway.LevelWarn, Message: "gateway session not open"})
	}
	return gateway.TestResult{Checks: checks}
}
