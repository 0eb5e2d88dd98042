package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stderr, stdout, or a file path
}

// StorageConfig holds persistence paths.
type StorageConfig struct {
	DataDir     string `yaml:"data_dir"`
	DBPath      string `yaml:"db_path"`
	SessionFile string `yaml:"session_file"`
}

// AgentConfig defines one agent type the engine can spawn.
type AgentConfig struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Command        string   `yaml:"command"`
	BaseArgs       []string `yaml:"base_args"`
	SupportsResume bool     `yaml:"supports_resume"`
	ResumeArgs     []string `yaml:"resume_args"`
	PromptSyntax   string   `yaml:"prompt_syntax"` // stdin, arg
}

// EngineConfig holds round orchestration settings.
type EngineConfig struct {
	RespawnPerMinute int `yaml:"respawn_per_minute"`
	TokenBudget      int `yaml:"token_budget"`
}

// ProcessConfig holds process manager settings. Durations are strings,
// e.g. "30m".
type ProcessConfig struct {
	MaxProcesses    int    `yaml:"max_processes"`
	OutputBufferMax int    `yaml:"output_buffer_max"`
	SessionTTL      string `yaml:"session_ttl"`
	CleanupInterval string `yaml:"cleanup_interval"`
	BreakerFailures uint32 `yaml:"breaker_failures"`
	BreakerTimeout  string `yaml:"breaker_timeout"`
}

// Config is the top-level application configuration.
type Config struct {
	Logger  LoggerConfig  `yaml:"logger"`
	Storage StorageConfig `yaml:"storage"`
	Agents  []AgentConfig `yaml:"agents"`
	Engine  EngineConfig  `yaml:"engine"`
	Process ProcessConfig `yaml:"process"`
}

// defaultDataDir returns the persistent data directory under $HOME/.huddle.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".huddle")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Storage: StorageConfig{
			DataDir:     dataDir,
			DBPath:      filepath.Join(dataDir, "huddle.db"),
			SessionFile: filepath.Join(dataDir, "sessions.yaml"),
		},
		Engine: EngineConfig{
			RespawnPerMinute: 6,
			TokenBudget:      8000,
		},
		Process: ProcessConfig{
			MaxProcesses:    16,
			OutputBufferMax: 1024 * 1024,
			SessionTTL:      "30m",
			CleanupInterval: "1m",
			BreakerFailures: 3,
			BreakerTimeout:  "30s",
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps HUDDLE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HUDDLE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("HUDDLE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("HUDDLE_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("HUDDLE_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
		cfg.Storage.DBPath = filepath.Join(v, "huddle.db")
		cfg.Storage.SessionFile = filepath.Join(v, "sessions.yaml")
	}
	if v := os.Getenv("HUDDLE_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("HUDDLE_SESSION_FILE"); v != "" {
		cfg.Storage.SessionFile = v
	}
	if v := os.Getenv("HUDDLE_ENGINE_RESPAWN_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.RespawnPerMinute = n
		}
	}
	if v := os.Getenv("HUDDLE_ENGINE_TOKEN_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.TokenBudget = n
		}
	}
	if v := os.Getenv("HUDDLE_PROCESS_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Process.MaxProcesses = n
		}
	}
	if v := os.Getenv("HUDDLE_PROCESS_SESSION_TTL"); v != "" {
		cfg.Process.SessionTTL = v
	}
}

// ParseDuration parses a config duration string, falling back when empty or
// malformed.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
