// Package config loads the runtime configuration.
package config

import (
	"encoding/json"
	"time"

	"github.com/harun/ranya-runtime/pkg/agent"
	"github.com/harun/ranya-runtime/pkg/hooks"
	"github.com/harun/ranya-runtime/pkg/permission"
	"github.com/harun/ranya-runtime/pkg/toolexecutor"
)

// Config represents the runtime configuration
type Config struct {
	Runtime     RuntimeConfig     `json:"runtime" mapstructure:"runtime"`
	Tools       ToolsConfig       `json:"tools" mapstructure:"tools"`
	Permissions PermissionsConfig `json:"permissions" mapstructure:"permissions"`
	Reasoner    ReasonerConfig    `json:"reasoner" mapstructure:"reasoner"`
	Gateway     GatewayConfig     `json:"gateway" mapstructure:"gateway"`
	Sessions    SessionsConfig    `json:"sessions" mapstructure:"sessions"`
	Memory      MemoryConfig      `json:"memory" mapstructure:"memory"`
	Workspace   WorkspaceConfig   `json:"workspace" mapstructure:"workspace"`
	Hooks       HooksConfig       `json:"hooks" mapstructure:"hooks"`
	Voice       VoiceConfig       `json:"voice" mapstructure:"voice"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Telemetry   TelemetryConfig   `json:"telemetry" mapstructure:"telemetry"`

	// DataDir anchors every relative default path
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// RuntimeConfig holds queue and loop settings
type RuntimeConfig struct {
	QueueMaxSize      int           `json:"queue_max_size" mapstructure:"queue_max_size"`
	MaxSteps          int           `json:"max_steps" mapstructure:"max_steps"`
	ToolResultTimeout time.Duration `json:"tool_result_timeout" mapstructure:"tool_result_timeout"`
	DecideTimeout     time.Duration `json:"decide_timeout" mapstructure:"decide_timeout"`
	LatencyBudgetMs   int           `json:"latency_budget_ms" mapstructure:"latency_budget_ms"`
	PassthroughTopics []string      `json:"passthrough_topics" mapstructure:"passthrough_topics"`
	DebugBus          bool          `json:"debug_bus" mapstructure:"debug_bus"`
	BasePrompt        string        `json:"base_prompt" mapstructure:"base_prompt"`
}

// ToolsConfig holds tool policy and execution limits
type ToolsConfig struct {
	Allow          []string                           `json:"allow" mapstructure:"allow"`
	Deny           []string                           `json:"deny" mapstructure:"deny"`
	ByProvider     map[string]toolexecutor.ToolPolicy `json:"by_provider" mapstructure:"by_provider"`
	ExecTimeout    time.Duration                      `json:"exec_timeout" mapstructure:"exec_timeout"`
	MaxOutputBytes int                                `json:"max_output_bytes" mapstructure:"max_output_bytes"`
}

// Policy returns the executor policy described by the tools section
func (t ToolsConfig) Policy() toolexecutor.PolicyConfig {
	return toolexecutor.PolicyConfig{
		ToolPolicy: toolexecutor.ToolPolicy{Allow: t.Allow, Deny: t.Deny},
		ByProvider: t.ByProvider,
	}
}

// PermissionsConfig holds the capability map per permission level
type PermissionsConfig struct {
	DefaultLevel string               `json:"default_level" mapstructure:"default_level"`
	ShellBins    permission.ShellBins `json:"shell_bins" mapstructure:"shell_bins"`
	MemoryRead   map[string]bool      `json:"memory_read" mapstructure:"memory_read"`
	MemoryWrite  map[string]bool      `json:"memory_write" mapstructure:"memory_write"`
}

// Policy returns the permission policy
func (p PermissionsConfig) Policy() permission.Policy {
	return permission.Policy{
		ShellBins:   p.ShellBins,
		MemoryRead:  p.MemoryRead,
		MemoryWrite: p.MemoryWrite,
	}
}

// ReasonerConfig holds LLM provider profiles
type ReasonerConfig struct {
	Profiles    []agent.AuthProfile `json:"profiles" mapstructure:"profiles"`
	MaxRetries  int                 `json:"max_retries" mapstructure:"max_retries"`
	Temperature float64             `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int                 `json:"max_tokens" mapstructure:"max_tokens"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// SessionsConfig holds transcript persistence settings
type SessionsConfig struct {
	Dir           string        `json:"dir" mapstructure:"dir"`
	HistoryLimit  int           `json:"history_limit" mapstructure:"history_limit"`
	PruneSchedule string        `json:"prune_schedule" mapstructure:"prune_schedule"`
	MaxAge        time.Duration `json:"max_age" mapstructure:"max_age"`
	MaxEntries    int           `json:"max_entries" mapstructure:"max_entries"`
}

// MemoryConfig holds the key/value memory store location
type MemoryConfig struct {
	DBPath string `json:"db_path" mapstructure:"db_path"`
}

// WorkspaceConfig holds persona and skills settings
type WorkspaceConfig struct {
	Path      string `json:"path" mapstructure:"path"`
	Watch     bool   `json:"watch" mapstructure:"watch"`
	MaxSkills int    `json:"max_skills" mapstructure:"max_skills"`
}

// HooksConfig holds lifecycle script hooks
type HooksConfig struct {
	Enabled bool         `json:"enabled" mapstructure:"enabled"`
	Entries []hooks.Hook `json:"entries" mapstructure:"entries"`
}

// VoiceConfig holds the external transcriber settings
type VoiceConfig struct {
	TranscriberCommand string        `json:"transcriber_command" mapstructure:"transcriber_command"`
	TranscriberTimeout time.Duration `json:"transcriber_timeout" mapstructure:"transcriber_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file" mapstructure:"file"`
	MaxSize    int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`   // days
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
	Redaction  bool   `json:"redaction" mapstructure:"redaction"`
	Console    bool   `json:"console" mapstructure:"console"`
	Pretty     bool   `json:"pretty" mapstructure:"pretty"`
}

// TelemetryConfig holds tracing settings
type TelemetryConfig struct {
	Tracing     bool    `json:"tracing" mapstructure:"tracing"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	Endpoint    string  `json:"otlp_endpoint" mapstructure:"otlp_endpoint"` // OTLP/gRPC collector, empty keeps spans in-process
	Insecure    bool    `json:"otlp_insecure" mapstructure:"otlp_insecure"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	perms := permission.DefaultPolicy()

	return &Config{
		Runtime: RuntimeConfig{
			QueueMaxSize:      2000,
			MaxSteps:          8,
			ToolResultTimeout: 10 * time.Second,
			DecideTimeout:     120 * time.Second,
			LatencyBudgetMs:   1200,
			PassthroughTopics: append([]string(nil), agent.DefaultPassthroughTopics...),
		},
		Tools: ToolsConfig{
			Allow:          []string{"*"},
			Deny:           []string{},
			ByProvider:     map[string]toolexecutor.ToolPolicy{},
			ExecTimeout:    30 * time.Second,
			MaxOutputBytes: 64 * 1024,
		},
		Permissions: PermissionsConfig{
			DefaultLevel: string(permission.Low),
			ShellBins:    perms.ShellBins,
			MemoryRead:   perms.MemoryRead,
			MemoryWrite:  perms.MemoryWrite,
		},
		Reasoner: ReasonerConfig{
			Profiles:    []agent.AuthProfile{},
			MaxRetries:  3,
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8765,
		},
		Sessions: SessionsConfig{
			HistoryLimit:  20,
			PruneSchedule: "0 3 * * *",
			MaxAge:        30 * 24 * time.Hour,
		},
		Workspace: WorkspaceConfig{
			Watch:     true,
			MaxSkills: 5,
		},
		Voice: VoiceConfig{
			TranscriberTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 5,
			Compress:   true,
			Redaction:  true,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "ranya-runtime",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
