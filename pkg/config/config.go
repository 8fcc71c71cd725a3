// MobaiGate - channel gateway for local AI assistants
// License: MIT
//
// Copyright (c) 2026 MobaiGate contributors

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zhaopengme/mobaigate/pkg/errs"
)

const EnvPrefix = "MOBAIGATE_"

type Config struct {
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway" envPrefix:"GATEWAY_"`
	Engine   EngineConfig   `json:"engine" yaml:"engine" envPrefix:"ENGINE_"`
	Channels ChannelsConfig `json:"channels" yaml:"channels"`
}

type GatewayConfig struct {
	LogLevel         string `json:"log_level" yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat        string `json:"log_format" yaml:"log_format" env:"LOG_FORMAT"`
	TokenMargin      int    `json:"token_margin" yaml:"token_margin" env:"TOKEN_MARGIN"` // seconds
	TokenRefreshCron string `json:"token_refresh_cron" yaml:"token_refresh_cron" env:"TOKEN_REFRESH_CRON"`
	InboundBuffer    int    `json:"inbound_buffer" yaml:"inbound_buffer" env:"INBOUND_BUFFER"`
}

type EngineConfig struct {
	Provider  string `json:"provider" yaml:"provider" env:"PROVIDER"` // echo, openai, anthropic
	Model     string `json:"model" yaml:"model" env:"MODEL"`
	APIKey    string `json:"api_key" yaml:"api_key" env:"API_KEY"`
	APIBase   string `json:"api_base" yaml:"api_base" env:"API_BASE"`
	MaxTokens int    `json:"max_tokens" yaml:"max_tokens" env:"MAX_TOKENS"`
	Timeout   int    `json:"timeout" yaml:"timeout" env:"TIMEOUT"` // seconds
}

type ChannelsConfig struct {
	DingTalk []DingTalkConfig `json:"dingtalk" yaml:"dingtalk"`
	WeCom    []WeComConfig    `json:"wecom" yaml:"wecom"`
}

// DingTalkConfig configures one DingTalk Stream robot. Durations are in seconds.
type DingTalkConfig struct {
	ID                     string   `json:"id" yaml:"id"`
	Enabled                bool     `json:"enabled" yaml:"enabled"`
	ClientID               string   `json:"client_id" yaml:"client_id"`
	ClientSecret           string   `json:"client_secret" yaml:"client_secret"`
	AllowFrom              []string `json:"allow_from" yaml:"allow_from"`
	APIBase                string   `json:"api_base" yaml:"api_base"`
	OAPIBase               string   `json:"oapi_base" yaml:"oapi_base"`
	HandshakeTimeout       int      `json:"handshake_timeout" yaml:"handshake_timeout"`
	HeartbeatInterval      int      `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout       int      `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	ReplyWindow            int      `json:"reply_window" yaml:"reply_window"`
	BackoffInitial         int      `json:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax             int      `json:"backoff_max" yaml:"backoff_max"`
	MaxAuthRetries         int      `json:"max_auth_retries" yaml:"max_auth_retries"`
	SessionWebhookFallback bool     `json:"session_webhook_fallback" yaml:"session_webhook_fallback"`
}

// WeComConfig configures one WeCom self-built app receiving callbacks.
type WeComConfig struct {
	ID             string   `json:"id" yaml:"id"`
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	CorpID         string   `json:"corp_id" yaml:"corp_id"`
	CorpSecret     string   `json:"corp_secret" yaml:"corp_secret"`
	AgentID        int64    `json:"agent_id" yaml:"agent_id"`
	Token          string   `json:"token" yaml:"token"`
	EncodingAESKey string   `json:"encoding_aes_key" yaml:"encoding_aes_key"`
	WebhookHost    string   `json:"webhook_host" yaml:"webhook_host"`
	WebhookPort    int      `json:"webhook_port" yaml:"webhook_port"`
	WebhookPath    string   `json:"webhook_path" yaml:"webhook_path"`
	AllowFrom      []string `json:"allow_from" yaml:"allow_from"`
	APIBase        string   `json:"api_base" yaml:"api_base"`
	ReplyTimeout   int      `json:"reply_timeout" yaml:"reply_timeout"`
	ShutdownGrace  int      `json:"shutdown_grace" yaml:"shutdown_grace"`
	EncryptedAck   bool     `json:"encrypted_ack" yaml:"encrypted_ack"`
}

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			LogLevel:         "info",
			LogFormat:        "text",
			TokenMargin:      60,
			TokenRefreshCron: "*/5 * * * *",
			InboundBuffer:    100,
		},
		Engine: EngineConfig{
			Provider:  "echo",
			MaxTokens: 2048,
			Timeout:   120,
		},
	}
}

// Seconds converts a config value in seconds to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c DingTalkConfig) WithDefaults() DingTalkConfig {
	if c.ID == "" {
		c.ID = "dingtalk"
	}
	if c.APIBase == "" {
		c.APIBase = "https://api.dingtalk.com"
	}
	if c.OAPIBase == "" {
		c.OAPIBase = "https://oapi.dingtalk.com"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.ReplyWindow <= 0 {
		c.ReplyWindow = 30
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 1
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.MaxAuthRetries <= 0 {
		c.MaxAuthRetries = 5
	}
	return c
}

func (c DingTalkConfig) Validate() error {
	var problems []string
	if c.ClientID == "" {
		problems = append(problems, "client_id is required")
	}
	if c.ClientSecret == "" {
		problems = append(problems, "client_secret is required")
	}
	if len(problems) > 0 {
		return errs.New(errs.ErrConfig, c.ID, "validate", errors.New(strings.Join(problems, "; ")))
	}
	return nil
}

func (c WeComConfig) WithDefaults() WeComConfig {
	if c.ID == "" {
		c.ID = "wecom"
	}
	if c.WebhookPort == 0 {
		c.WebhookPort = 18790
	}
	if c.WebhookPath == "" {
		c.WebhookPath = "/webhook/" + c.ID
	}
	if c.APIBase == "" {
		c.APIBase = "https://qyapi.weixin.qq.com"
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 5
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5
	}
	return c
}

func (c WeComConfig) Validate() error {
	var problems []string
	if c.CorpID == "" {
		problems = append(problems, "corp_id is required")
	}
	if c.CorpSecret == "" {
		problems = append(problems, "corp_secret is required")
	}
	if c.AgentID == 0 {
		problems = append(problems, "agent_id is required")
	}
	if c.Token == "" {
		problems = append(problems, "token is required")
	}
	if len(c.EncodingAESKey) != 43 {
		problems = append(problems, "encoding_aes_key must be 43 characters")
	}
	if !strings.HasPrefix(c.WebhookPath, "/") {
		problems = append(problems, "webhook_path must start with /")
	}
	if len(problems) > 0 {
		return errs.New(errs.ErrConfig, c.ID, "validate", errors.New(strings.Join(problems, "; ")))
	}
	return nil
}

// ApplyDefaults fills unset gateway, engine and per-channel values.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.Gateway.LogLevel == "" {
		c.Gateway.LogLevel = def.Gateway.LogLevel
	}
	if c.Gateway.LogFormat == "" {
		c.Gateway.LogFormat = def.Gateway.LogFormat
	}
	if c.Gateway.TokenMargin <= 0 {
		c.Gateway.TokenMargin = def.Gateway.TokenMargin
	}
	if c.Gateway.InboundBuffer <= 0 {
		c.Gateway.InboundBuffer = def.Gateway.InboundBuffer
	}
	if c.Engine.Provider == "" {
		c.Engine.Provider = def.Engine.Provider
	}
	if c.Engine.MaxTokens <= 0 {
		c.Engine.MaxTokens = def.Engine.MaxTokens
	}
	if c.Engine.Timeout <= 0 {
		c.Engine.Timeout = def.Engine.Timeout
	}
	for i := range c.Channels.DingTalk {
		c.Channels.DingTalk[i] = c.Channels.DingTalk[i].WithDefaults()
	}
	for i := range c.Channels.WeCom {
		c.Channels.WeCom[i] = c.Channels.WeCom[i].WithDefaults()
	}
}

// Validate checks every channel and reports one ConfigError per bad channel.
// Duplicate channel ids are reported against the later occurrence.
func (c *Config) Validate() error {
	var all []error
	seen := make(map[string]bool)
	check := func(id string, err error) {
		if seen[id] {
			all = append(all, errs.New(errs.ErrConfig, id, "validate", errors.New("duplicate channel id")))
			return
		}
		seen[id] = true
		if err != nil {
			all = append(all, err)
		}
	}
	for _, d := range c.Channels.DingTalk {
		check(d.ID, d.Validate())
	}
	for _, w := range c.Channels.WeCom {
		check(w.ID, w.Validate())
	}
	return errors.Join(all...)
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvRefs replaces ${VAR} references. Bare $ signs are left alone so
// secrets containing them survive.
func expandEnvRefs(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func loadEnvFiles(dir string) {
	for _, name := range []string{".env", ".env.local"} {
		// godotenv.Load does not overwrite variables that are already set.
		_ = godotenv.Load(filepath.Join(dir, name))
	}
}

// LoadConfig reads a JSON or YAML file (by extension), then applies
// MOBAIGATE_* environment overrides and defaults. A missing file yields the
// defaults plus environment overrides.
func LoadConfig(path string) (*Config, error) {
	loadEnvFiles(filepath.Dir(path))

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		data = expandEnvRefs(data)
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errs.New(errs.ErrConfig, "", "parse", err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, errs.New(errs.ErrConfig, "", "parse", err)
			}
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, errs.New(errs.ErrConfig, "", "env", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
