package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/harun/ranya-runtime/pkg/hooks"
	"github.com/harun/ranya-runtime/pkg/permission"
	"github.com/robfig/cron/v3"
)

var (
	validLogLevels = []string{"debug", "info", "warn", "error"}
	validProviders = []string{"anthropic", "openai"}
)

// Validate checks the configuration and reports every problem found
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Runtime.QueueMaxSize <= 0 {
		add("runtime.queue_max_size must be positive")
	}
	if c.Runtime.MaxSteps <= 0 {
		add("runtime.max_steps must be positive")
	}
	if c.Runtime.ToolResultTimeout <= 0 {
		add("runtime.tool_result_timeout must be positive")
	}
	if c.Runtime.DecideTimeout < 0 {
		add("runtime.decide_timeout must be >= 0")
	}
	if c.Tools.ExecTimeout < 0 {
		add("tools.exec_timeout must be >= 0")
	}
	if c.Tools.MaxOutputBytes < 0 {
		add("tools.max_output_bytes must be >= 0")
	}

	if _, err := permission.Parse(c.Permissions.DefaultLevel); err != nil {
		add("permissions.default_level: %w", err)
	}
	for _, gate := range []map[string]bool{c.Permissions.MemoryRead, c.Permissions.MemoryWrite} {
		for level := range gate {
			if !permission.Level(level).Valid() {
				add("permissions: unknown level %q in memory gate", level)
			}
		}
	}

	if err := validateProfiles(c.Reasoner); err != nil {
		errs = append(errs, err)
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		add("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}

	if c.Sessions.HistoryLimit < 0 {
		add("sessions.history_limit must be >= 0")
	}
	if c.Sessions.PruneSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Sessions.PruneSchedule); err != nil {
			add("sessions.prune_schedule: %w", err)
		}
	}

	if c.Hooks.Enabled {
		for i, hook := range c.Hooks.Entries {
			event := strings.TrimSpace(hook.Event)
			if event != hooks.EventRunStart && event != hooks.EventRunFinal {
				add("hook %d: event must be %s or %s", i, hooks.EventRunStart, hooks.EventRunFinal)
			}
			if strings.TrimSpace(hook.Script) == "" {
				add("hook %d: script is required", i)
			}
		}
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		add("telemetry.sample_ratio must be between 0 and 1, got %g", c.Telemetry.SampleRatio)
	}

	if !contains(validLogLevels, c.Logging.Level) {
		add("invalid log level: %s (must be one of: %s)", c.Logging.Level, strings.Join(validLogLevels, ", "))
	}

	return errors.Join(errs...)
}

func validateProfiles(rc ReasonerConfig) error {
	if len(rc.Profiles) == 0 {
		return errors.New("no reasoner credentials configured: at least one reasoner profile is required")
	}

	var errs []error
	seen := make(map[string]bool, len(rc.Profiles))
	for i, profile := range rc.Profiles {
		if profile.ID == "" {
			errs = append(errs, fmt.Errorf("reasoner profile %d: id is required", i))
			continue
		}
		if seen[profile.ID] {
			errs = append(errs, fmt.Errorf("reasoner profile %s: duplicate id", profile.ID))
		}
		seen[profile.ID] = true

		if !contains(validProviders, profile.Provider) {
			errs = append(errs, fmt.Errorf("reasoner profile %s: invalid provider %q (must be: %s)",
				profile.ID, profile.Provider, strings.Join(validProviders, ", ")))
		}
		if profile.APIKey == "" {
			errs = append(errs, fmt.Errorf("reasoner profile %s: api_key is required", profile.ID))
		}
	}

	if rc.Temperature < 0 || rc.Temperature > 2 {
		errs = append(errs, fmt.Errorf("reasoner.temperature must be between 0 and 2, got %g", rc.Temperature))
	}
	if rc.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("reasoner.max_tokens must be >= 0"))
	}
	return errors.Join(errs...)
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
