// Package config loads parley's YAML configuration and the builtin agent
// registry.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the parsed contents of ~/.parley/config.yaml.
type Config struct {
	// Agents maps short agent names onto run commands, merged over the
	// builtin registry.
	Agents map[string]*AgentConfig `yaml:"agents"`
	Shell  ShellConfig             `yaml:"shell"`
	// RPCTimeout bounds control calls to the agent (initialize, set_mode
	// and the like; never session/prompt). Zero means no timeout.
	RPCTimeout Duration `yaml:"rpc_timeout"`
	// WireLog enables the JSONL activity log under the runtime directory.
	WireLog bool `yaml:"wire_log"`
}

// Duration is a time.Duration that unmarshals from YAML scalars like
// "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// AgentConfig describes how to launch one agent.
type AgentConfig struct {
	// Run is the full command line, split with shell quoting rules.
	Run string `yaml:"run"`
	// Description is shown by `parley agents`.
	Description string `yaml:"description,omitempty"`
}

// ShellConfig configures the interactive shell panel.
type ShellConfig struct {
	// Program overrides $SHELL.
	Program string `yaml:"program,omitempty"`
	// Start is a script run when the shell comes up.
	Start string `yaml:"start,omitempty"`
	// HideStart suppresses the start script's output. Defaults to true.
	HideStart *bool `yaml:"hide_start,omitempty"`
}

// HideStartOutput reports whether start-script output should be hidden.
func (s ShellConfig) HideStartOutput() bool {
	return s.HideStart == nil || *s.HideStart
}

// builtinAgents are the agents parley knows how to launch out of the box.
// Config entries with the same name take precedence.
func builtinAgents() map[string]*AgentConfig {
	return map[string]*AgentConfig{
		"gemini": {
			Run:         "gemini --experimental-acp",
			Description: "Google Gemini CLI",
		},
		"claude": {
			Run:         "claude-code-acp",
			Description: "Claude Code (ACP adapter)",
		},
	}
}

// ConfigDir returns the parley configuration directory (~/.parley/).
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".parley")
	}
	return filepath.Join(home, ".parley")
}

// Load reads the config from ~/.parley/config.yaml.
// If the file does not exist, it returns a config holding only the
// builtin agents, with no error.
func Load() (*Config, error) {
	return LoadFrom(filepath.Join(ConfigDir(), "config.yaml"))
}

// LoadFrom reads the config from the given path.
// If the file does not exist, it returns a config holding only the
// builtin agents, with no error.
func LoadFrom(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return &cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	merged := builtinAgents()
	for name, agent := range c.Agents {
		merged[name] = agent
	}
	c.Agents = merged
}

// Agent resolves a short agent name to its run command.
func (c *Config) Agent(name string) (*AgentConfig, error) {
	agent, ok := c.Agents[name]
	if !ok || agent == nil {
		return nil, fmt.Errorf("unknown agent %q (run `parley agents` for the registry)", name)
	}
	return agent, nil
}

// AgentNames returns the registry's names, sorted.
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var agentNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func (c *Config) validate() error {
	for name, agent := range c.Agents {
		if !agentNameRe.MatchString(name) {
			return fmt.Errorf("agents: invalid agent name %q (must match [a-zA-Z0-9_-]+)", name)
		}
		if agent == nil || agent.Run == "" {
			return fmt.Errorf("agents: %s: run command is required", name)
		}
	}
	if c.RPCTimeout < 0 {
		return fmt.Errorf("rpc_timeout must not be negative")
	}
	return nil
}
