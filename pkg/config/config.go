package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Default configuration values exported for documentation and validation
const (
	DefaultEngineKind     = EngineKindClaude
	DefaultEngineBinary   = "claude"
	DefaultMCPServerName  = "conductor"
	DefaultCompletionTool = "complete_setup"
	DefaultLogLevel       = "info"
	DefaultSubjectPrefix  = "conductor"
)

// Engine kinds.
const (
	EngineKindClaude = "claude"
	EngineKindScript = "script"
)

// Config represents the complete conductor configuration
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Approval    ApprovalConfig    `yaml:"approval"`
	Session     SessionConfig     `yaml:"session"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	UI          UIConfig          `yaml:"ui"`
}

// EngineConfig selects and parameterises the agent engine.
type EngineConfig struct {
	Kind         string   `yaml:"kind"`
	Binary       string   `yaml:"binary"`
	Model        string   `yaml:"model"`
	ExtraArgs    []string `yaml:"extra_args"`
	AllowedTools []string `yaml:"allowed_tools"`
	// Script is the YAML script driving the scripted engine.
	Script string `yaml:"script"`
	// StderrLinesPerSecond caps how much engine stderr reaches the log.
	StderrLinesPerSecond float64 `yaml:"stderr_lines_per_second"`
}

// ApprovalConfig controls which tool calls bypass the human.
type ApprovalConfig struct {
	AlwaysAllow    []string `yaml:"always_allow"`
	ShellTools     []string `yaml:"shell_tools"`
	AllowCommands  []string `yaml:"allow_commands"`
	WebSearchTools []string `yaml:"web_search_tools"`
	// AllowedDomains scopes web searches. An explicitly empty list leaves
	// searches unscoped.
	AllowedDomains []string `yaml:"allowed_domains"`
	QuestionTool   string   `yaml:"question_tool"`
	PlanTool       string   `yaml:"plan_tool"`
	// WatchConfig reloads allow_commands when a config file changes.
	WatchConfig bool `yaml:"watch_config"`
}

// SessionConfig controls the session loop.
type SessionConfig struct {
	MCPServerName    string   `yaml:"mcp_server_name"`
	CompletionTool   string   `yaml:"completion_tool"`
	InternalTools    []string `yaml:"internal_tools"`
	InterruptMarkers []string `yaml:"interrupt_markers"`
}

// StorageConfig controls the resumable token store.
type StorageConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// LoggingConfig controls the JSONL event logs.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// TelemetryConfig controls tracing and external notifications.
type TelemetryConfig struct {
	Tracing       bool          `yaml:"tracing"`
	TraceFile     string        `yaml:"trace_file"`
	NATSURL       string        `yaml:"nats_url"`
	NATSTimeout   time.Duration `yaml:"nats_timeout"`
	SubjectPrefix string        `yaml:"subject_prefix"`
}

// DiagnosticsConfig controls the local diagnostics HTTP server.
type DiagnosticsConfig struct {
	// Bind is the listen address; empty disables the server.
	Bind string `yaml:"bind"`
}

// UIConfig defines UI behavior
type UIConfig struct {
	NoColor  bool `yaml:"no_color"`
	Markdown bool `yaml:"markdown"`
}

// CompletionToolName is the name the engine sees for the completion tool.
func (c *Config) CompletionToolName() string {
	return MCPToolName(c.Session.MCPServerName, c.Session.CompletionTool)
}

// MCPToolName returns the engine-facing name of an MCP-served tool.
func MCPToolName(server, tool string) string {
	return "mcp__" + server + "__" + tool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	home := userHome()
	return &Config{
		Engine: EngineConfig{
			Kind:                 DefaultEngineKind,
			Binary:               DefaultEngineBinary,
			StderrLinesPerSecond: 5,
		},
		Approval: ApprovalConfig{
			AlwaysAllow:    []string{"EnterPlanMode"},
			ShellTools:     []string{"Bash"},
			AllowCommands:  defaultAllowCommands(),
			WebSearchTools: []string{"WebSearch"},
			AllowedDomains: defaultSearchDomains(),
			QuestionTool:   "AskUserQuestion",
			PlanTool:       "ExitPlanMode",
		},
		Session: SessionConfig{
			MCPServerName:  DefaultMCPServerName,
			CompletionTool: DefaultCompletionTool,
			InternalTools:  []string{"TodoWrite", "TodoRead", "ListMcpResourcesTool", "ReadMcpResourceTool"},
			InterruptMarkers: []string{
				"interrupted",
				"aborted",
				"request was aborted",
				"operation was canceled",
			},
		},
		Storage: StorageConfig{
			Path: filepath.Join(home, ".conductor", "sessions.db"),
		},
		Logging: LoggingConfig{
			Dir:   filepath.Join(home, ".conductor", "logs"),
			Level: DefaultLogLevel,
		},
		Telemetry: TelemetryConfig{
			TraceFile:     filepath.Join(home, ".conductor", "traces.jsonl"),
			NATSTimeout:   5 * time.Second,
			SubjectPrefix: DefaultSubjectPrefix,
		},
		UI: UIConfig{
			Markdown: true,
		},
	}
}

func defaultAllowCommands() []string {
	return []string{
		"ls*", "cat *", "head *", "tail *", "wc *", "pwd",
		"git status*", "git log*", "git diff*", "git branch*",
		"npm install*", "npm ls*", "npm view*",
		"yarn install*", "yarn add*", "pnpm install*", "pnpm add*", "bun install*", "bun add*",
		"pip install*", "pip show*", "pip list*", "poetry add*",
		"go get*", "go mod tidy", "go list*",
		"node --version", "npm --version", "python --version", "python3 --version", "go version",
	}
}

// Package registries and reference docs an SDK setup needs.
func defaultSearchDomains() []string {
	return []string{
		"github.com", "docs.github.com",
		"npmjs.com", "pypi.org", "pkg.go.dev", "crates.io", "rubygems.org",
		"developer.mozilla.org", "docs.python.org", "nodejs.org",
		"stackoverflow.com",
	}
}

// Load loads configuration from default locations with proper precedence:
// defaults, then ~/.conductor/config.yaml, then ./.conductor/config.yaml,
// then CONDUCTOR_* environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range DefaultPaths() {
		if err := overlayFile(cfg, path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := overlayFile(cfg, expandHomeDir(path)); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// DefaultPaths lists the user and project config files in merge order.
func DefaultPaths() []string {
	var paths []string
	if home := userHome(); home != "" {
		paths = append(paths, filepath.Join(home, ".conductor", "config.yaml"))
	}
	return append(paths, filepath.Join(".", ".conductor", "config.yaml"))
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONDUCTOR_ENGINE"); v != "" {
		cfg.Engine.Kind = v
	}
	if v := os.Getenv("CONDUCTOR_ENGINE_BINARY"); v != "" {
		cfg.Engine.Binary = v
	}
	if v := os.Getenv("CONDUCTOR_MODEL"); v != "" {
		cfg.Engine.Model = v
	}
	if v := os.Getenv("CONDUCTOR_SCRIPT"); v != "" {
		cfg.Engine.Script = v
	}
	if v := os.Getenv("CONDUCTOR_ALLOW_COMMANDS"); v != "" {
		cfg.Approval.AllowCommands = splitCommaList(v)
	}
	if v := os.Getenv("CONDUCTOR_ALLOWED_DOMAINS"); v != "" {
		cfg.Approval.AllowedDomains = splitCommaList(v)
	}
	if v := os.Getenv("CONDUCTOR_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CONDUCTOR_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CONDUCTOR_NATS_URL"); v != "" {
		cfg.Telemetry.NATSURL = v
	}
	if v := os.Getenv("CONDUCTOR_DIAGNOSTICS_BIND"); v != "" {
		cfg.Diagnostics.Bind = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_STDERR_LINES_PER_SECOND")); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n >= 0 {
			cfg.Engine.StderrLinesPerSecond = n
		}
	}
	if val, ok := envBool("CONDUCTOR_TRACING"); ok {
		cfg.Telemetry.Tracing = val
	}
	if val, ok := envBool("CONDUCTOR_NO_STORAGE"); ok {
		cfg.Storage.Disabled = val
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		cfg.UI.NoColor = true
	}
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// Validate checks the configuration for values the runtime cannot use.
func (c *Config) Validate() error {
	switch c.Engine.Kind {
	case EngineKindClaude:
		if strings.TrimSpace(c.Engine.Binary) == "" {
			return fmt.Errorf("engine.binary is required for the %s engine", EngineKindClaude)
		}
	case EngineKindScript:
		if strings.TrimSpace(c.Engine.Script) == "" {
			return fmt.Errorf("engine.script is required for the %s engine", EngineKindScript)
		}
	default:
		return fmt.Errorf("invalid engine kind: %s (valid: %s, %s)", c.Engine.Kind, EngineKindClaude, EngineKindScript)
	}
	if c.Engine.StderrLinesPerSecond < 0 {
		return fmt.Errorf("engine.stderr_lines_per_second must be >= 0")
	}

	if strings.TrimSpace(c.Session.MCPServerName) == "" || strings.TrimSpace(c.Session.CompletionTool) == "" {
		return fmt.Errorf("session.mcp_server_name and session.completion_tool are required")
	}
	if strings.Contains(c.Session.MCPServerName, "__") {
		return fmt.Errorf("session.mcp_server_name must not contain %q", "__")
	}

	for _, pattern := range c.Approval.AllowCommands {
		p := strings.TrimSpace(pattern)
		if p == "" || p == "*" || p == "**" {
			return fmt.Errorf("approval.allow_commands: pattern %q would allow every command", pattern)
		}
	}
	for _, domain := range c.Approval.AllowedDomains {
		if strings.Contains(domain, "/") || strings.TrimSpace(domain) == "" {
			return fmt.Errorf("approval.allowed_domains: %q is not a bare domain", domain)
		}
	}

	if c.Diagnostics.Bind != "" && !isLoopbackBindAddress(c.Diagnostics.Bind) {
		return fmt.Errorf("diagnostics.bind must be a loopback address, got %s", c.Diagnostics.Bind)
	}
	if c.Telemetry.NATSTimeout < 0 {
		return fmt.Errorf("telemetry.nats_timeout must be >= 0")
	}
	return nil
}

func isLoopbackBindAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.HasPrefix(host, "127.")
}
