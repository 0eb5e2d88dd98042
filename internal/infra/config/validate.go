package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a
// *ValidationError when one or more problems are found, allowing callers to
// see all issues at once.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateStorage(cfg, ve)
	validateAgents(cfg, ve)
	validateEngine(cfg, ve)
	validateProcess(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch cfg.Logger.Level {
	case "debug", "info", "warn", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json":
	default:
		ve.Add("logger.format %q is not one of text, json", cfg.Logger.Format)
	}
}

func validateStorage(cfg *Config, ve *ValidationError) {
	if cfg.Storage.DBPath == "" {
		ve.Add("storage.db_path must not be empty")
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	seen := map[string]bool{}
	for i, a := range cfg.Agents {
		if a.ID == "" {
			ve.Add("agents[%d].id must not be empty", i)
			continue
		}
		if seen[a.ID] {
			ve.Add("agents[%d].id %q is duplicated", i, a.ID)
		}
		seen[a.ID] = true
		if a.Command == "" {
			ve.Add("agents[%d] (%s): command must not be empty", i, a.ID)
		}
		switch a.PromptSyntax {
		case "", "stdin", "arg":
		default:
			ve.Add("agents[%d] (%s): prompt_syntax %q is not one of stdin, arg", i, a.ID, a.PromptSyntax)
		}
		if a.SupportsResume && len(a.ResumeArgs) == 0 {
			ve.Add("agents[%d] (%s): supports_resume requires resume_args", i, a.ID)
		}
	}
}

func validateEngine(cfg *Config, ve *ValidationError) {
	if cfg.Engine.RespawnPerMinute <= 0 {
		ve.Add("engine.respawn_per_minute must be > 0")
	}
	if cfg.Engine.TokenBudget <= 0 {
		ve.Add("engine.token_budget must be > 0")
	}
}

func validateProcess(cfg *Config, ve *ValidationError) {
	if cfg.Process.MaxProcesses <= 0 {
		ve.Add("process.max_processes must be > 0")
	}
	if cfg.Process.OutputBufferMax <= 0 {
		ve.Add("process.output_buffer_max must be > 0")
	}
	for field, v := range map[string]string{
		"process.session_ttl":      cfg.Process.SessionTTL,
		"process.cleanup_interval": cfg.Process.CleanupInterval,
		"process.breaker_timeout":  cfg.Process.BreakerTimeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			ve.Add("%s %q is not a valid duration", field, v)
		}
	}
}
