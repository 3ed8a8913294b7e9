package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

// Config holds the full sessionhub configuration.
type Config struct {
	// AgentCommand is the agent binary and its arguments.
	AgentCommand []string `json:"agentCommand"`
	// SessionPath is the canonical session log the subprocess appends to.
	SessionPath string `json:"sessionPath"`
	// WorkDir is the working directory the subprocess runs in.
	WorkDir string `json:"workDir"`
	// ArchiveDir is where timestamped session snapshots are written.
	ArchiveDir string `json:"archiveDir"`
	// LockPath is the ownership marker shared with the external TUI.
	LockPath string `json:"lockPath"`
	// Listen is the host:port the subscriber server binds.
	Listen string `json:"listen"`
	// PollIntervalMS is the ownership poll interval in milliseconds.
	PollIntervalMS int `json:"pollIntervalMS"`
	// RestartDelayMS is the delay before restarting a crashed subprocess.
	RestartDelayMS int `json:"restartDelayMS"`
	// LogLevel is DEBUG|INFO|WARN|ERROR|FATAL.
	LogLevel string `json:"logLevel"`
}

// Load loads configuration from multiple sources (priority order):
//  1. Global config (~/.config/sessionhub/)
//  2. Project config (<directory>/sessionhub.json[c])
//  3. SESSIONHUB_CONFIG file
//  4. Environment variables
func Load(directory string) (*Config, error) {
	config := &Config{}

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)

	loadOnce := func(path string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config) == nil {
			loaded[absPath] = true
		}
	}

	// 1. Global config
	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "sessionhub.json"))
	loadOnce(filepath.Join(globalPath, "sessionhub.jsonc"))

	// 2. Project config
	if directory != "" {
		loadOnce(filepath.Join(directory, "sessionhub.json"))
		loadOnce(filepath.Join(directory, "sessionhub.jsonc"))
	}

	// 3. SESSIONHUB_CONFIG file override
	if configPath := os.Getenv("SESSIONHUB_CONFIG"); configPath != "" {
		loadOnce(configPath)
	}

	// 4. Environment variables (highest priority)
	applyEnvOverrides(config)

	applyDefaults(config, directory)

	return config, nil
}

// LoadDotenv loads <directory>/.env into the process environment.
// A missing file is not an error.
func LoadDotenv(directory string) error {
	path := filepath.Join(directory, ".env")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

// loadConfigFile loads a single jsonc config file on top of config.
func loadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonc.ToJSON(data), config)
}

// applyEnvOverrides applies SESSIONHUB_* environment variables.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("SESSIONHUB_AGENT_CMD"); v != "" {
		config.AgentCommand = strings.Fields(v)
	}
	if v := os.Getenv("SESSIONHUB_SESSION_PATH"); v != "" {
		config.SessionPath = v
	}
	if v := os.Getenv("SESSIONHUB_WORK_DIR"); v != "" {
		config.WorkDir = v
	}
	if v := os.Getenv("SESSIONHUB_ARCHIVE_DIR"); v != "" {
		config.ArchiveDir = v
	}
	if v := os.Getenv("SESSIONHUB_LOCK_PATH"); v != "" {
		config.LockPath = v
	}
	if v := os.Getenv("SESSIONHUB_LISTEN"); v != "" {
		config.Listen = v
	}
	if v := os.Getenv("SESSIONHUB_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.PollIntervalMS = n
		}
	}
	if v := os.Getenv("SESSIONHUB_LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
}

// applyDefaults fills fields not set by any source.
func applyDefaults(config *Config, directory string) {
	if config.WorkDir == "" {
		config.WorkDir = directory
	}
	if config.ArchiveDir == "" && config.SessionPath != "" {
		config.ArchiveDir = GetPaths().ArchivePath()
	}
	if config.LockPath == "" && config.SessionPath != "" {
		config.LockPath = filepath.Join(filepath.Dir(config.SessionPath), "tui.lock")
	}
	if config.Listen == "" {
		config.Listen = "127.0.0.1:8199"
	}
	if config.PollIntervalMS <= 0 {
		config.PollIntervalMS = 2000
	}
	if config.RestartDelayMS <= 0 {
		config.RestartDelayMS = 1000
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
	}
}

// PollInterval returns the ownership poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// RestartDelay returns the crash restart delay.
func (c *Config) RestartDelay() time.Duration {
	return time.Duration(c.RestartDelayMS) * time.Millisecond
}

// Validate checks that required fields are set.
func (c *Config) Validate() error {
	if len(c.AgentCommand) == 0 {
		return errors.New("agentCommand is required")
	}
	if c.SessionPath == "" {
		return errors.New("sessionPath is required")
	}
	if !filepath.IsAbs(c.SessionPath) {
		return fmt.Errorf("sessionPath must be absolute: %s", c.SessionPath)
	}
	return nil
}
