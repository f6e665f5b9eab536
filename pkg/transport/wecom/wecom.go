// Package wecom implements the gateway.Transport contract for WeCom
// (Enterprise WeChat). WeCom has no officially supported Go SDK, so
// inbound delivery is an HTTP relay endpoint (spec §6's "remote relay")
// and outbound delivery is a small hand-rolled REST client with
// access-token caching, following the same get-token-then-call shape as
// vanducng-goclaw's Feishu LarkClient (internal/channels/feishu/larkclient.go).
package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/coworkhq/imgateway/pkg/bus"
	"github.com/coworkhq/imgateway/pkg/gateway"
	"github.com/coworkhq/imgateway/pkg/logger"
	"github.com/coworkhq/imgateway/pkg/transport"
)

const (
	apiBase          = "https://qyapi.weixin.qq.com/cgi-bin"
	tokenExpiryBuffer = 5 * time.Minute
	chunkLimit        = 2000
)

// Transport is the WeCom gateway.Transport implementation.
type Transport struct {
	corpID, secret, token, encodingAESKey, agentID, callbackURL string

	httpClient *http.Client
	server     *http.Server
	b          *bus.MessageBus
	limiter    *rate.Limiter

	mu           sync.Mutex
	accessToken  string
	tokenExp     time.Time
	connected    bool
	lastInbound  int64
	lastOutbound int64
}

// Config mirrors config.WeComConfig without importing pkg/config, so this
// package stays independent of the config layer's shape.
type Config struct {
	CorpID, Secret, Token, EncodingAESKey, AgentID, CallbackURL string
}

// New constructs a WeCom transport.
func New(cfg Config, b *bus.MessageBus) *Transport {
	return &Transport{
		corpID:         cfg.CorpID,
		secret:         cfg.Secret,
		token:          cfg.Token,
		encodingAESKey: cfg.EncodingAESKey,
		agentID:        cfg.AgentID,
		callbackURL:    cfg.CallbackURL,
		httpClient:     &http.Client{Timeout: 15 * time.Second},
		b:              b,
		limiter:        transport.NewPlatformLimiter(),
	}
}

func (t *Transport) Platform() string { return "wecom" }

// Start serves relay-forwarded JSON envelopes on every path of an HTTP
// listener whose address is callbackURL (":8099" when empty) (spec §6
// "WeCom callback framing"). The relay, not this process, owns
// the actual public HTTPS endpoint WeCom calls.
func (t *Transport) Start(_ context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleRelay)

	addr := t.callbackURL
	if addr == "" {
		addr = ":8099"
	}
	t.server = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("transport.wecom", "relay server stopped", map[string]any{"error": err.Error()})
		}
	}()

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	logger.InfoCF("transport.wecom", "started", map[string]any{"addr": addr})
	return nil
}

func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	if t.server == nil {
		return nil
	}
	return t.server.Shutdown(ctx)
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// relayEnvelope is the JSON shape the relay forwards (spec §6): type is
// one of "verify", "callback", or "message".
type relayEnvelope struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
	EchoStr   string `json:"echostr"`
	Encrypt   string `json:"encrypt"`
}

func (t *Transport) handleRelay(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var env relayEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "invalid envelope", http.StatusBadRequest)
		return
	}

	switch env.Type {
	case "verify":
		t.handleVerify(w, env)
	case "callback", "message":
		t.handleCallback(w, env)
	default:
		http.Error(w, "unknown envelope type", http.StatusBadRequest)
	}
}

func (t *Transport) handleVerify(w http.ResponseWriter, env relayEnvelope) {
	resp := map[string]any{"type": "verifyResult", "requestId": env.RequestID}
	if !verifySignature(t.token, env.Timestamp, env.Nonce, env.EchoStr, env.Signature) {
		resp["error"] = "signature mismatch"
		writeJSON(w, resp)
		return
	}
	plain, err := decryptCallback(t.encodingAESKey, env.EchoStr)
	if err != nil {
		resp["error"] = err.Error()
		writeJSON(w, resp)
		return
	}
	resp["echostr"] = string(plain)
	writeJSON(w, resp)
}

// calloutXML is the decrypted WeCom callback payload (spec §6 field list).
type calloutXML struct {
	MsgType      string `xml:"MsgType"`
	Content      string `xml:"Content"`
	FromUserName string `xml:"FromUserName"`
	MsgId        string `xml:"MsgId"`
	ChatId       string `xml:"ChatId"`
	CreateTime   int64  `xml:"CreateTime"`
}

func (t *Transport) handleCallback(w http.ResponseWriter, env relayEnvelope) {
	if !verifySignature(t.token, env.Timestamp, env.Nonce, env.Encrypt, env.Signature) {
		http.Error(w, "signature mismatch", http.StatusForbidden)
		return
	}

	plainXML, err := decryptCallback(t.encodingAESKey, env.Encrypt)
	if err != nil {
		logger.WarnCF("transport.wecom", "callback decryption failed, dropping", map[string]any{"error": err.Error()})
		http.Error(w, "decrypt failed", http.StatusBadRequest)
		return
	}

	msg, err := parseCalloutXML(plainXML)
	if err != nil {
		logger.WarnCF("transport.wecom", "callback XML parse failed, dropping", map[string]any{"error": err.Error()})
		http.Error(w, "parse failed", http.StatusBadRequest)
		return
	}

	if msg.MsgType != "text" {
		w.WriteHeader(http.StatusOK)
		return
	}

	t.mu.Lock()
	t.lastInbound = time.Now().UnixMilli()
	t.mu.Unlock()

	chatType := "direct"
	if msg.ChatId != "" {
		chatType = "group"
	}
	conversationID := msg.ChatId
	if conversationID == "" {
		conversationID = msg.FromUserName
	}

	t.b.PublishInbound(bus.IMMessage{
		Platform:       t.Platform(),
		ConversationID: conversationID,
		MessageID:      msg.MsgId,
		SenderID:       msg.FromUserName,
		Content:        msg.Content,
		TimestampMS:    msg.CreateTime * 1000,
		Reply: func(ctx context.Context, text string) error {
			return t.replyTo(ctx, chatType, conversationID, text)
		},
	})

	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (t *Transport) replyTo(ctx context.Context, chatType, conversationID, text string) error {
	send := transport.Sender(func(ctx context.Context, _ string, chunk string) error {
		return t.sendMessage(ctx, chatType, conversationID, chunk)
	})
	err := transport.SafeSend(ctx, t.Platform(), conversationID, text, chunkLimit, send, nil, t.limiter)
	if err == nil {
		t.mu.Lock()
		t.lastOutbound = time.Now().UnixMilli()
		t.mu.Unlock()
	}
	return err
}

func (t *Transport) SendNotification(ctx context.Context, conversationID, text string) error {
	chatType := "direct"
	return t.replyTo(ctx, chatType, conversationID, text)
}

func (t *Transport) LastInboundAt() (bool, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastInbound != 0, t.lastInbound
}

func (t *Transport) LastOutboundAt() (bool, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastOutbound != 0, t.lastOutbound
}

// wecomOverride mirrors config.WeComConfig's credential fields.
type wecomOverride struct {
	CorpID      string `json:"corp_id"`
	Secret      string `json:"secret"`
	Token       string `json:"token"`
	CallbackURL string `json:"callback_url"`
}

// TestConnectivity checks credential presence plus an access-token fetch
// probe. When override carries corp_id/secret, the probe fetches a fresh
// token against them via fetchAccessToken directly rather than
// getAccessToken's cache, so a candidate config never clobbers the live
// cached token.
func (t *Transport) TestConnectivity(ctx context.Context, override json.RawMessage) gateway.TestResult {
	corpID, secret, token, callbackURL := t.corpID, t.secret, t.token, t.callbackURL
	if len(override) > 0 {
		var o wecomOverride
		if err := json.Unmarshal(override, &o); err != nil {
			return gateway.TestResult{Checks: []gateway.Check{{Name: "override", Level: gateway.LevelFail, Message: "invalid override: " + err.Error()}}}
		}
		if o.CorpID != "" {
			corpID = o.CorpID
		}
		if o.Secret != "" {
			secret = o.Secret
		}
		if o.Token != "" {
			token = o.Token
		}
		if o.CallbackURL != "" {
			callbackURL = o.CallbackURL
		}
	}

	var checks []gateway.Check
	if callbackURL == "" || token == "" {
		checks = append(checks, gateway.Check{Name: "credentials", Level: gateway.LevelFail, Message: "callback_url/token missing"})
		return gateway.TestResult{Checks: checks}
	}
	checks = append(checks, gateway.Check{Name: "credentials", Level: gateway.LevelPass})

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, _, err := t.fetchAccessToken(probeCtx, corpID, secret); err != nil {
		checks = append(checks, gateway.Check{Name: "relay_contract", Level: gateway.LevelFail, Message: "access token fetch failed: " + err.Error()})
	} else {
		checks = append(checks, gateway.Check{Name: "relay_contract", Level: gateway.LevelPass})
	}
	return gateway.TestResult{Checks: checks}
}

// --- outbound REST client ---

func (t *Transport) getAccessToken(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.accessToken != "" && time.Now().Before(t.tokenExp) {
		tok := t.accessToken
		t.mu.Unlock()
		return tok, nil
	}
	t.mu.Unlock()

	accessToken, expiresIn, err := t.fetchAccessToken(ctx, t.corpID, t.secret)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.accessToken = accessToken
	t.tokenExp = time.Now().Add(time.Duration(expiresIn)*time.Second - tokenExpiryBuffer)
	t.mu.Unlock()
	return accessToken, nil
}

// fetchAccessToken calls WeCom's gettoken endpoint for corpID/secret
// without touching the cached live token, so a testGateway override probe
// never clobbers the transport's own credentials (spec §4.3
// testGateway(platform, override?)).
func (t *Transport) fetchAccessToken(ctx context.Context, corpID, secret string) (string, int, error) {
	url := fmt.Sprintf("%s/gettoken?corpid=%s&corpsecret=%s", apiBase, corpID, secret)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("wecom: token request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", 0, fmt.Errorf("wecom: decoding token response: %w", err)
	}
	if result.ErrCode != 0 {
		return "", 0, fmt.Errorf("wecom: token error %d: %s", result.ErrCode, result.ErrMsg)
	}
	return result.AccessToken, result.ExpiresIn, nil
}

func (t *Transport) sendMessage(ctx context.Context, chatType, conversationID, text string) error {
	token, err := t.getAccessToken(ctx)
	if err != nil {
		return err
	}

	body := map[string]any{
		"msgtype": "text",
		"agentid": t.agentID,
		"text":    map[string]string{"content": text},
	}
	if chatType == "group" {
		body["chatid"] = conversationID
	} else {
		body["touser"] = conversationID
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	endpoint := "message/send"
	if chatType == "group" {
		endpoint = "appchat/send"
	}
	url := fmt.Sprintf("%s/%s?access_token=%s", apiBase, endpoint, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wecom: send message: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("wecom: decoding send response: %w", err)
	}
	if result.ErrCode != 0 {
		return fmt.Errorf("wecom: send error %d: %s", result.ErrCode, result.ErrMsg)
	}
	return nil
}

func parseCalloutXML(data []byte) (*calloutXML, error) {
	var msg calloutXML
	if err := xml.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
