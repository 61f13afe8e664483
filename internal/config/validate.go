package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "config validation failed"
	}
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

// CronParser parses prune schedules. Descriptors such as "@every 1h" are
// accepted.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the configuration and returns a *ValidationError or a
// *VersionError.
func (c *Config) Validate() error {
	if err := checkVersion(c.Version); err != nil {
		return err
	}

	var issues []string
	seen := make(map[string]bool, len(c.Servers))
	for i, server := range c.Servers {
		if server == nil {
			issues = append(issues, fmt.Sprintf("servers[%d] is empty", i))
			continue
		}
		if err := server.Validate(); err != nil {
			issues = append(issues, fmt.Sprintf("servers[%d]: %v", i, err))
		}
		if server.ID != "" && seen[server.ID] {
			issues = append(issues, fmt.Sprintf("servers[%d]: duplicate server id %q", i, server.ID))
		}
		seen[server.ID] = true
	}

	switch c.LLM.DefaultProvider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		issues = append(issues, fmt.Sprintf("llm.default_provider %q must be %q or %q", c.LLM.DefaultProvider, ProviderOpenAI, ProviderAnthropic))
	}
	for name := range c.LLM.Providers {
		if name != ProviderOpenAI && name != ProviderAnthropic {
			issues = append(issues, fmt.Sprintf("llm.providers.%s is not a supported provider", name))
		}
	}
	if c.LLM.MaxAttempts < 1 {
		issues = append(issues, "llm.max_attempts must be at least 1")
	}

	if c.Agent.MaxSteps < 1 {
		issues = append(issues, "agent.max_steps must be at least 1")
	}
	if c.Agent.ObservationLimit < 1 {
		issues = append(issues, "agent.observation_limit must be positive")
	}
	if c.Agent.MaxOutputTokens < 1 {
		issues = append(issues, "agent.max_output_tokens must be positive")
	}

	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		issues = append(issues, fmt.Sprintf("store.driver %q must be memory or sqlite", c.Store.Driver))
	}
	if c.Store.Retention < 0 {
		issues = append(issues, "store.retention must not be negative")
	}
	if spec := strings.TrimSpace(c.Store.PruneSchedule); spec != "" {
		if _, err := CronParser.Parse(spec); err != nil {
			issues = append(issues, fmt.Sprintf("store.prune_schedule: %v", err))
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q is not a level", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}

	if rate := c.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		issues = append(issues, "observability.tracing.sampling_rate must be within [0, 1]")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
