// Package config assembles gateway configuration from a YAML file (via
// viper) overlaid with environment variables (via caarlos0/env), matching
// the layered precedence the gateway's ambient stack uses everywhere else:
// a human-editable base plus an operational override surface for secrets.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"
)

// AgentConfig configures the default AgentRunner execution parameters
// (spec §4.2).
type AgentConfig struct {
	Mode           string        `mapstructure:"mode" env:"AGENT_MODE" envDefault:"local"` // "local", "sandbox" or "auto"
	Model          string        `mapstructure:"model" env:"AGENT_MODEL" envDefault:"claude-sonnet-4-5"`
	WorkspaceRoot  string        `mapstructure:"workspace_root" env:"AGENT_WORKSPACE_ROOT" envDefault:"./workspaces"`
	BinaryPath     string        `mapstructure:"binary_path" env:"AGENT_BINARY_PATH" envDefault:"claude"`
	TurnTimeout    time.Duration `mapstructure:"turn_timeout" env:"AGENT_TURN_TIMEOUT" envDefault:"300s"`
	PermissionTTL  time.Duration `mapstructure:"permission_timeout" env:"AGENT_PERMISSION_TIMEOUT" envDefault:"60s"`
	AutoApprove    bool          `mapstructure:"auto_approve" env:"AGENT_AUTO_APPROVE" envDefault:"false"`
	AnthropicAPIKey string       `mapstructure:"anthropic_api_key" env:"ANTHROPIC_API_KEY"`
}

// TelegramConfig holds telego credentials.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled" env:"TELEGRAM_ENABLED" envDefault:"false"`
	BotToken string `mapstructure:"bot_token" env:"TELEGRAM_BOT_TOKEN"`
}

// DiscordConfig holds discordgo credentials.
type DiscordConfig struct {
	Enabled  bool   `mapstructure:"enabled" env:"DISCORD_ENABLED" envDefault:"false"`
	BotToken string `mapstructure:"bot_token" env:"DISCORD_BOT_TOKEN"`
}

// DingTalkConfig holds dingtalk-stream-sdk-go credentials (stream mode
// needs no public callback URL).
type DingTalkConfig struct {
	Enabled      bool   `mapstructure:"enabled" env:"DINGTALK_ENABLED" envDefault:"false"`
	ClientID     string `mapstructure:"client_id" env:"DINGTALK_CLIENT_ID"`
	ClientSecret string `mapstructure:"client_secret" env:"DINGTALK_CLIENT_SECRET"`
}

// FeishuConfig holds oapi-sdk-go/v3 credentials.
type FeishuConfig struct {
	Enabled           bool   `mapstructure:"enabled" env:"FEISHU_ENABLED" envDefault:"false"`
	AppID             string `mapstructure:"app_id" env:"FEISHU_APP_ID"`
	AppSecret         string `mapstructure:"app_secret" env:"FEISHU_APP_SECRET"`
	VerificationToken string `mapstructure:"verification_token" env:"FEISHU_VERIFICATION_TOKEN"`
	EncryptKey        string `mapstructure:"encrypt_key" env:"FEISHU_ENCRYPT_KEY"`
}

// WeComConfig holds the fields needed to validate and decrypt WeCom
// callback payloads (spec §6: AES-256-CBC, no SDK exists so this is
// hand-rolled against crypto/aes + crypto/sha1).
type WeComConfig struct {
	Enabled        bool   `mapstructure:"enabled" env:"WECOM_ENABLED" envDefault:"false"`
	CorpID         string `mapstructure:"corp_id" env:"WECOM_CORP_ID"`
	Secret         string `mapstructure:"secret" env:"WECOM_SECRET"`
	Token          string `mapstructure:"token" env:"WECOM_TOKEN"`
	EncodingAESKey string `mapstructure:"encoding_aes_key" env:"WECOM_ENCODING_AES_KEY"`
	AgentID        string `mapstructure:"agent_id" env:"WECOM_AGENT_ID"`
	CallbackURL    string `mapstructure:"callback_url" env:"WECOM_CALLBACK_URL"`
}

// StoreConfig configures the SQLite-backed MessageStore.
type StoreConfig struct {
	DSN string `mapstructure:"dsn" env:"STORE_DSN" envDefault:"./data/gateway.db"`
}

// MetricsConfig configures the prometheus exporter (spec §4.3 connectivity
// and activity gauges).
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" env:"METRICS_ENABLED" envDefault:"true"`
	Addr    string `mapstructure:"addr" env:"METRICS_ADDR" envDefault:":9090"`
}

// Config is the fully assembled gateway configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level" env:"LOG_LEVEL" envDefault:"info"`

	Agent    AgentConfig    `mapstructure:"agent"`
	Store    StoreConfig    `mapstructure:"store"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	DingTalk DingTalkConfig `mapstructure:"dingtalk"`
	Feishu   FeishuConfig   `mapstructure:"feishu"`
	WeCom    WeComConfig    `mapstructure:"wecom"`
}

// Load reads configPath (if non-empty and present) via viper, then
// overlays environment variables via caarlos0/env. Env always wins, so
// secrets never need to live in the config file.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
			}
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overlay: %w", err)
	}

	return cfg, nil
}

// EnabledPlatforms returns the platform names with Enabled set, in a
// stable order, for GatewayManager.StartAllEnabled (spec §4.3).
func (c *Config) EnabledPlatforms() []string {
	var out []string
	if c.Telegram.Enabled {
		out = append(out, "telegram")
	}
	if c.Discord.Enabled {
		out = append(out, "discord")
	}
	if c.DingTalk.Enabled {
		out = append(out, "dingtalk")
	}
	if c.Feishu.Enabled {
		out = append(out, "feishu")
	}
	if c.WeCom.Enabled {
		out = append(out, "wecom")
	}
	return out
}
