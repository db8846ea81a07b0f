// Package config handles daemon configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level daemon configuration.
type Config struct {
	Node     NodeConfig      `json:"node"`
	Redis    RedisConfig     `json:"redis"`
	Telegram TelegramConfig  `json:"telegram"`
	HTTP     HTTPConfig      `json:"http"`
	Bridge   BridgeConfig    `json:"bridge"`
	Poll     PollConfig      `json:"poll"`
	People   []PersonConfig  `json:"people,omitempty"`
	Profiles []ProfileConfig `json:"profiles,omitempty"`
}

// NodeConfig identifies this node on the mesh and sets global limits.
type NodeConfig struct {
	ComputerName      string   `json:"computer_name"`
	StateDir          string   `json:"state_dir,omitempty"`
	SocketPath        string   `json:"socket_path,omitempty"`
	MaxSessions       int      `json:"max_sessions,omitempty"`
	HeartbeatInterval Duration `json:"heartbeat_interval,omitempty"`
	Interests         []string `json:"interests,omitempty"`
	HelpDeskPath      string   `json:"help_desk_path,omitempty"`
	LogLevel          string   `json:"log_level,omitempty"`
}

// RedisConfig defines the shared stream store connection.
type RedisConfig struct {
	Addr        string   `json:"addr"`
	Password    string   `json:"password,omitempty"`
	DB          int      `json:"db,omitempty"`
	StreamTTL   Duration `json:"stream_ttl,omitempty"`   // idle TTL on output streams
	InboxMaxLen int64    `json:"inbox_maxlen,omitempty"` // approximate trim cap
}

// TelegramConfig defines the chat supergroup surface.
type TelegramConfig struct {
	Enabled        bool   `json:"enabled"`
	Token          string `json:"token,omitempty"`
	SupergroupID   int64  `json:"supergroup_id,omitempty"`
	ControlTopicID int64  `json:"control_topic_id,omitempty"`
	LiveMessages   int    `json:"live_messages,omitempty"` // edited messages per session
}

// HTTPConfig defines the local HTTP/WebSocket observer surface.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

// BridgeConfig defines terminal multiplexer behavior.
type BridgeConfig struct {
	TmuxBinary    string   `json:"tmux_binary,omitempty"`
	DefaultWidth  int      `json:"default_width,omitempty"`
	DefaultHeight int      `json:"default_height,omitempty"`
	WarmupWindow  Duration `json:"warmup_window,omitempty"`
	MaxRetries    int      `json:"max_retries,omitempty"`
}

// PollConfig defines the output polling loop.
type PollConfig struct {
	Interval      Duration `json:"interval,omitempty"`
	IdleThreshold Duration `json:"idle_threshold,omitempty"`
	HeadlessAfter int      `json:"headless_after,omitempty"` // consecutive failed polls
	SummaryTail   int      `json:"summary_tail,omitempty"`   // chars kept in summary
}

// PersonConfig binds a human identity to a home path and agent profile.
type PersonConfig struct {
	Name           string `json:"name"`
	Email          string `json:"email,omitempty"`
	TelegramUserID int64  `json:"telegram_user_id,omitempty"`
	Home           string `json:"home"`
	Profile        string `json:"profile,omitempty"` // defaults to "default"
}

// ProfileConfig is a named bundle of CLI flags and directory permissions
// selected at session start.
type ProfileConfig struct {
	Name         string   `json:"name"`
	Args         []string `json:"args,omitempty"`
	AllowedPaths []string `json:"allowed_paths,omitempty"`
	Jailed       bool     `json:"jailed,omitempty"`
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Node.ComputerName == "" {
		return fmt.Errorf("node.computer_name is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Telegram.Enabled {
		if c.Telegram.Token == "" {
			return fmt.Errorf("telegram.token is required when telegram is enabled")
		}
		if c.Telegram.SupergroupID == 0 {
			return fmt.Errorf("telegram.supergroup_id is required when telegram is enabled")
		}
	}
	seen := make(map[string]bool)
	for i, p := range c.People {
		if p.Name == "" {
			return fmt.Errorf("people[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate person: %s", p.Name)
		}
		seen[p.Name] = true
		if p.Home == "" {
			return fmt.Errorf("people[%d].home is required", i)
		}
	}
	profiles := make(map[string]bool)
	for i, p := range c.Profiles {
		if p.Name == "" {
			return fmt.Errorf("profiles[%d].name is required", i)
		}
		if profiles[p.Name] {
			return fmt.Errorf("duplicate profile: %s", p.Name)
		}
		profiles[p.Name] = true
	}
	for i, p := range c.People {
		if p.Profile != "" && len(c.Profiles) > 0 && !profiles[p.Profile] {
			return fmt.Errorf("people[%d].profile %q is not defined", i, p.Profile)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Node.StateDir == "" {
		c.Node.StateDir = defaultStateDir()
	}
	if c.Node.SocketPath == "" {
		c.Node.SocketPath = filepath.Join(c.Node.StateDir, "teleclaude.sock")
	}
	if c.Node.MaxSessions == 0 {
		c.Node.MaxSessions = 32
	}
	if c.Node.HeartbeatInterval.Duration == 0 {
		c.Node.HeartbeatInterval.Duration = 30 * time.Second
	}
	if len(c.Node.Interests) == 0 {
		c.Node.Interests = []string{"sessions"}
	}
	if c.Node.HelpDeskPath == "" {
		c.Node.HelpDeskPath = filepath.Join(c.Node.StateDir, "help-desk")
	}
	if c.Node.LogLevel == "" {
		c.Node.LogLevel = "info"
	}
	if c.Redis.StreamTTL.Duration == 0 {
		c.Redis.StreamTTL.Duration = time.Hour
	}
	if c.Redis.InboxMaxLen == 0 {
		c.Redis.InboxMaxLen = 10000
	}
	if c.Telegram.LiveMessages == 0 {
		c.Telegram.LiveMessages = 3
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8799"
	}
	if c.Bridge.TmuxBinary == "" {
		c.Bridge.TmuxBinary = "tmux"
	}
	if c.Bridge.DefaultWidth == 0 {
		c.Bridge.DefaultWidth = 200
	}
	if c.Bridge.DefaultHeight == 0 {
		c.Bridge.DefaultHeight = 50
	}
	if c.Bridge.WarmupWindow.Duration == 0 {
		c.Bridge.WarmupWindow.Duration = 2 * time.Second
	}
	if c.Bridge.MaxRetries == 0 {
		c.Bridge.MaxRetries = 3
	}
	if c.Poll.Interval.Duration == 0 {
		c.Poll.Interval.Duration = 100 * time.Millisecond
	}
	if c.Poll.IdleThreshold.Duration == 0 {
		c.Poll.IdleThreshold.Duration = 30 * time.Second
	}
	if c.Poll.HeadlessAfter == 0 {
		c.Poll.HeadlessAfter = 5
	}
	if c.Poll.SummaryTail == 0 {
		c.Poll.SummaryTail = 200
	}
	// The default and restricted profiles always exist, even when the
	// operator defines a custom list: unknown users must never fall back
	// to an unjailed profile because "restricted" was left out.
	if _, ok := c.profileByName("default"); !ok {
		c.Profiles = append(c.Profiles, ProfileConfig{Name: "default"})
	}
	if _, ok := c.profileByName("restricted"); !ok {
		c.Profiles = append(c.Profiles, ProfileConfig{Name: "restricted", Jailed: true})
	}
}

func (c *Config) profileByName(name string) (ProfileConfig, bool) {
	for _, p := range c.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return ProfileConfig{}, false
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./teleclaude-state"
	}
	return filepath.Join(home, ".teleclaude")
}

// Profile returns the named profile, falling back to "default".
func (c *Config) Profile(name string) ProfileConfig {
	for _, p := range c.Profiles {
		if p.Name == name {
			return p
		}
	}
	for _, p := range c.Profiles {
		if p.Name == "default" {
			return p
		}
	}
	return ProfileConfig{Name: "default"}
}
