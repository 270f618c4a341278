// Package config provides configuration types, defaults, and persistence for whs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"whs/internal/log"
)

// ProjectConfig describes one project tracker the dispatcher polls for ready work.
type ProjectConfig struct {
	Name       string `mapstructure:"name" json:"name"`
	RepoPath   string `mapstructure:"repo_path" json:"repo_path"`
	BaseBranch string `mapstructure:"base_branch" json:"base_branch"`
	AgentsPath string `mapstructure:"agents_path" json:"agents_path"`
	BeadsMode  string `mapstructure:"beads_mode" json:"beads_mode"`
}

// applyDefaults fills zero-valued fields with their documented defaults.
func (p *ProjectConfig) applyDefaults() {
	if p.BaseBranch == "" {
		p.BaseBranch = "main"
	}
	if p.AgentsPath == "" {
		p.AgentsPath = "docs/llm/agents"
	}
	if p.BeadsMode == "" {
		p.BeadsMode = "committed"
	}
}

// Validate checks that required fields are present.
func (p ProjectConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("project: name is required")
	}
	if p.RepoPath == "" {
		return fmt.Errorf("project %q: repo_path is required", p.Name)
	}
	return nil
}

// ConcurrencyConfig bounds how many workflows the dispatcher runs at once.
type ConcurrencyConfig struct {
	MaxTotal      int `mapstructure:"max_total" json:"max_total"`
	MaxPerProject int `mapstructure:"max_per_project" json:"max_per_project"`
}

// NotifierConfig selects and configures the notification transport.
// WHS ships no transport implementations itself; this only
// carries the operator's choice of transport and its settings through
// to whatever Notifier the caller wires up.
type NotifierConfig struct {
	Type    string         `mapstructure:"type" json:"type"`
	Options map[string]any `mapstructure:"options" json:"options,omitempty"`
}

// TracingConfig controls whether dispatcher/agent spans are exported.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
	Exporter string `mapstructure:"exporter" json:"exporter"` // "none", "file", "stdout"
	FilePath string `mapstructure:"file_path" json:"file_path,omitempty"`
}

// TimeoutsConfig holds timeout settings for the dispatcher's slower operations.
type TimeoutsConfig struct {
	// WorktreeCreation is the timeout for `wt switch --create`.
	WorktreeCreation time.Duration `mapstructure:"worktree_creation" json:"worktree_creation"`
	// VCSHostQuery is the timeout for Doctor's gh CLI calls.
	VCSHostQuery time.Duration `mapstructure:"vcs_host_query" json:"vcs_host_query"`
	// GracefulShutdown bounds how long requestShutdown waits for running launches.
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown" json:"graceful_shutdown"`
}

// DefaultTimeoutsConfig returns the default timeout configuration.
func DefaultTimeoutsConfig() TimeoutsConfig {
	return TimeoutsConfig{
		WorktreeCreation: 30 * time.Second,
		VCSHostQuery:     15 * time.Second,
		GracefulShutdown: 5 * time.Minute,
	}
}

// Config holds all configuration for a WHS dispatcher process.
type Config struct {
	Projects        []ProjectConfig   `mapstructure:"projects" json:"projects"`
	OrchestratorPath string           `mapstructure:"orchestrator_path" json:"orchestrator_path"`
	Concurrency     ConcurrencyConfig `mapstructure:"concurrency" json:"concurrency"`
	Notifier        NotifierConfig    `mapstructure:"notifier" json:"notifier"`
	Tracing         TracingConfig     `mapstructure:"tracing" json:"tracing"`
	Timeouts        TimeoutsConfig    `mapstructure:"timeouts" json:"timeouts"`
	RunnerType      string            `mapstructure:"runner_type" json:"runner_type"`
	TickInterval    time.Duration     `mapstructure:"tick_interval" json:"tick_interval"`
}

// PointerConfig is the `{orchestratorPath}` document a project directory
// may hold so that walking-up lookups can find its orchestrator.
type PointerConfig struct {
	OrchestratorPath string `json:"orchestratorPath"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Concurrency: ConcurrencyConfig{
			MaxTotal:      3,
			MaxPerProject: 1,
		},
		Tracing:      TracingConfig{Enabled: false, Exporter: "file"},
		Timeouts:     DefaultTimeoutsConfig(),
		RunnerType:   "claude",
		TickInterval: 5 * time.Second,
	}
}

// Validate checks mandatory configuration.
func (c *Config) Validate() error {
	if c.OrchestratorPath == "" {
		return fmt.Errorf("orchestrator_path is required")
	}
	if len(c.Projects) == 0 {
		return fmt.Errorf("at least one project is required")
	}
	for i := range c.Projects {
		c.Projects[i].applyDefaults()
		if err := c.Projects[i].Validate(); err != nil {
			return err
		}
	}
	if c.Concurrency.MaxTotal <= 0 {
		return fmt.Errorf("concurrency.max_total must be positive")
	}
	if c.Concurrency.MaxPerProject <= 0 {
		return fmt.Errorf("concurrency.max_per_project must be positive")
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	return nil
}

// DefaultConfigPath resolves the conventional config file location:
// `.whs/config.json` under the current directory, falling back to the
// user's home config directory.
func DefaultConfigPath() string {
	if _, err := os.Stat(".whs"); err == nil {
		return filepath.Join(".whs", "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".whs", "config.json")
	}
	return filepath.Join(home, ".config", "whs", "config.json")
}

// WriteDefaultConfig creates a config file at the given path with default settings.
func WriteDefaultConfig(configPath string, cfg Config) error {
	log.Debug(log.CatConfig, "writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := SaveConfig(configPath, cfg); err != nil {
		return err
	}

	log.Info(log.CatConfig, "created default config", "path", configPath)
	return nil
}
