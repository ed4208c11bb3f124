// Package config loads foreman's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/steveyegge/foreman/internal/provider"
)

// FileName is the config file inside the home directory.
const FileName = "config.toml"

// DefaultListen is where `fm serve` listens and clients connect.
const DefaultListen = "127.0.0.1:7420"

// Duration is a time.Duration written as a string ("1.5s") in TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the whole configuration file.
type Config struct {
	DataDir   string `toml:"data_dir"`
	Listen    string `toml:"listen"`
	Shell     string `toml:"shell"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	Agents    AgentsConfig              `toml:"agents"`
	Kanban    KanbanConfig              `toml:"kanban"`
	Providers map[string]ProviderConfig `toml:"providers"`
	Local     LocalConfig               `toml:"local"`
	Telemetry TelemetryConfig           `toml:"telemetry"`
	Notify    NotifyConfig              `toml:"notify"`
}

// AgentsConfig tunes the agent registry.
type AgentsConfig struct {
	StopGrace       Duration `toml:"stop_grace"`
	Settle          Duration `toml:"settle"`
	ProviderSettle  Duration `toml:"provider_settle"`
	OutputChunks    int      `toml:"output_chunks"`
	OutputBytes     int      `toml:"output_bytes"`
	DefaultProvider string   `toml:"default_provider"`
	Worktrees       bool     `toml:"worktrees"`
}

// KanbanConfig tunes the board automation.
type KanbanConfig struct {
	PlannedDelay Duration `toml:"planned_delay"`
}

// ProviderConfig overrides a provider's table entry.
type ProviderConfig struct {
	Binary       string   `toml:"binary"`
	Models       []string `toml:"models"`
	DefaultModel string   `toml:"default_model"`
}

// LocalConfig points the local provider at a model server.
type LocalConfig struct {
	BaseURL   string `toml:"base_url"`
	AuthToken string `toml:"auth_token"`
	Model     string `toml:"model"`
}

// TelemetryConfig enables OTLP push.
type TelemetryConfig struct {
	MetricsURL string `toml:"metrics_url"`
	LogsURL    string `toml:"logs_url"`
}

// NotifyConfig runs an external command for notifications.
type NotifyConfig struct {
	// Command is run with the title and message appended, e.g.
	// ["notify-send"] or ["terminal-notifier", "-message"].
	Command []string `toml:"command"`
	// Kinds limits the command to these notification kinds. Empty means
	// all kinds.
	Kinds []string `toml:"kinds"`
}

// Default returns the built-in configuration rooted at home.
func Default(home string) *Config {
	return &Config{
		DataDir:   home,
		Listen:    DefaultListen,
		LogLevel:  "info",
		LogFormat: "text",
		Agents: AgentsConfig{
			StopGrace:       Duration(3 * time.Second),
			Settle:          Duration(1500 * time.Millisecond),
			ProviderSettle:  Duration(500 * time.Millisecond),
			OutputChunks:    200,
			OutputBytes:     256 * 1024,
			DefaultProvider: string(provider.Default),
		},
		Kanban: KanbanConfig{
			PlannedDelay: Duration(time.Second),
		},
	}
}

// Home returns $FM_HOME, or ~/.foreman.
func Home() string {
	if h := os.Getenv("FM_HOME"); h != "" {
		return h
	}
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".foreman")
	}
	return filepath.Join(os.TempDir(), "foreman")
}

// Load reads the config file in home, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(home string) (*Config, error) {
	cfg := Default(home)
	path := filepath.Join(home, FileName)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config: %w", err)
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FM_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("FM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("FM_OTEL_METRICS_URL"); v != "" {
		c.Telemetry.MetricsURL = v
	}
	if v := os.Getenv("FM_OTEL_LOGS_URL"); v != "" {
		c.Telemetry.LogsURL = v
	}
}

// Validate rejects values the services cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir is empty")
	}
	if c.Listen == "" {
		return errors.New("config: listen is empty")
	}
	if _, err := provider.Parse(c.Agents.DefaultProvider); err != nil {
		return fmt.Errorf("config: agents.default_provider: %w", err)
	}
	for id := range c.Providers {
		if _, err := provider.Parse(id); err != nil {
			return fmt.Errorf("config: providers.%s: %w", id, err)
		}
	}
	for name, d := range map[string]Duration{
		"agents.stop_grace":      c.Agents.StopGrace,
		"agents.settle":          c.Agents.Settle,
		"agents.provider_settle": c.Agents.ProviderSettle,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	if c.Kanban.PlannedDelay < 0 {
		return errors.New("config: kanban.planned_delay must not be negative")
	}
	if c.Agents.OutputChunks <= 0 || c.Agents.OutputBytes <= 0 {
		return errors.New("config: agents output limits must be positive")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log_format %q", c.LogFormat)
	}
	return nil
}

// ParseLevel maps a log_level string to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return l, nil
}

// ProviderSettings converts [providers.*] into catalog settings.
func (c *Config) ProviderSettings() map[provider.ID]provider.Settings {
	out := make(map[provider.ID]provider.Settings, len(c.Providers))
	for id, p := range c.Providers {
		pid, err := provider.Parse(id)
		if err != nil {
			continue
		}
		out[pid] = provider.Settings{Binary: p.Binary, Models: p.Models, DefaultModel: p.DefaultModel}
	}
	return out
}

// LocalEndpoint converts [local] for the provider catalog.
func (c *Config) LocalEndpoint() provider.LocalEndpoint {
	return provider.LocalEndpoint{BaseURL: c.Local.BaseURL, AuthToken: c.Local.AuthToken, Model: c.Local.Model}
}

// AgentsFile is where agent records are stored.
func (c *Config) AgentsFile() string { return filepath.Join(c.DataDir, "agents.json") }

// TasksFile is where the board is stored.
func (c *Config) TasksFile() string { return filepath.Join(c.DataDir, "tasks.json") }

// LockFile guards against two servers sharing a data directory.
func (c *Config) LockFile() string { return filepath.Join(c.DataDir, "daemon.lock") }

// ServerURL is the base URL clients and agents use to reach the server.
func (c *Config) ServerURL() string {
	if v := os.Getenv("FM_URL"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://" + c.Listen
}
