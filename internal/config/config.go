// Package config loads meshdash settings using Viper.
//
// Priority: flags bound by the caller > environment (MESHDASH_ prefix) > config
// file > defaults.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ModeMultiAgent = "multi-agent"
	ModeSimple     = "simple"

	DefaultBaseURL      = "http://localhost:8000"
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = 2 * time.Second
	DefaultChatAgentID  = "default_agent"
)

// DefaultAgents is the tracked agent set when none is configured.
var DefaultAgents = []string{"coordinator", "researcher", "coder"}

type Config struct {
	API  API
	Poll Poll
	Chat Chat
	Log  Log
	Mock Mock

	// Agents is the fixed set of identities the status panel tracks.
	Agents []string
}

type API struct {
	BaseURL string
	Timeout time.Duration
}

type Poll struct {
	Interval time.Duration
}

type Chat struct {
	Mode           string
	AgentID        string
	ForceAllAgents bool
}

type Log struct {
	Enabled bool
	Level   string
	File    string
}

type Mock struct {
	Addr string
}

// New returns a Viper instance with defaults and environment bindings applied.
// Callers may bind flags onto it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MESHDASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unprefixed names kept for parity with the web client's environment.
	_ = v.BindEnv("api.base_url", "MESHDASH_API_BASE_URL", "API_BASE_URL")
	_ = v.BindEnv("log.enabled", "MESHDASH_LOG_ENABLED", "ENABLE_LOGGING")
	return v
}

// Load reads the optional config file and decodes v into a validated Config.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	cfg := &Config{
		API: API{
			BaseURL: strings.TrimSpace(v.GetString("api.base_url")),
			Timeout: v.GetDuration("api.timeout"),
		},
		Poll: Poll{
			Interval: v.GetDuration("poll.interval"),
		},
		Chat: Chat{
			Mode:           strings.ToLower(strings.TrimSpace(v.GetString("chat.mode"))),
			AgentID:        strings.TrimSpace(v.GetString("chat.agent_id")),
			ForceAllAgents: v.GetBool("chat.force_all_agents"),
		},
		Log: Log{
			Enabled: v.GetBool("log.enabled"),
			Level:   strings.ToLower(strings.TrimSpace(v.GetString("log.level"))),
			File:    strings.TrimSpace(v.GetString("log.file")),
		},
		Mock: Mock{
			Addr: strings.TrimSpace(v.GetString("mock.addr")),
		},
		Agents: NormalizeAgents(v.GetStringSlice("agents")),
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and clamps durations into their allowed range.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	cfg.API.BaseURL = strings.TrimRight(cfg.API.BaseURL, "/")
	parsed, err := url.Parse(cfg.API.BaseURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("api.base_url must be an absolute http(s) URL, got %q", cfg.API.BaseURL)
	}

	cfg.API.Timeout = clampDuration(cfg.API.Timeout, time.Second, 120*time.Second)
	cfg.Poll.Interval = clampDuration(cfg.Poll.Interval, time.Second, 60*time.Second)

	switch cfg.Chat.Mode {
	case ModeMultiAgent, ModeSimple:
	case "multi", "multi_agent":
		cfg.Chat.Mode = ModeMultiAgent
	default:
		return fmt.Errorf("chat.mode must be %q or %q, got %q", ModeMultiAgent, ModeSimple, cfg.Chat.Mode)
	}
	if cfg.Chat.AgentID == "" {
		cfg.Chat.AgentID = DefaultChatAgentID
	}

	if len(cfg.Agents) == 0 {
		return fmt.Errorf("agents must list at least one agent id")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	case "":
		cfg.Log.Level = "info"
	default:
		return fmt.Errorf("log.level %q is not one of debug|info|warn|error", cfg.Log.Level)
	}
	return nil
}

// NormalizeAgents lowercases, trims and de-duplicates agent ids, preserving order.
// A single comma-separated element (as produced by an env var) is split.
func NormalizeAgents(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			id := strings.ToLower(strings.TrimSpace(part))
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", DefaultBaseURL)
	v.SetDefault("api.timeout", DefaultTimeout)

	v.SetDefault("poll.interval", DefaultPollInterval)

	v.SetDefault("chat.mode", ModeMultiAgent)
	v.SetDefault("chat.agent_id", DefaultChatAgentID)
	v.SetDefault("chat.force_all_agents", false)

	v.SetDefault("log.enabled", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "meshdash.log")

	v.SetDefault("mock.addr", ":8000")

	v.SetDefault("agents", DefaultAgents)
}

func clampDuration(value, min, max time.Duration) time.Duration {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
