// Package config loads mpsync configuration from an optional
// mpsync.yaml file and MPSYNC_* environment variables. Environment
// variables win over the file; the file wins over built-in defaults.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is looked up in the working directory when no
// explicit config path is given.
const DefaultConfigFile = "mpsync.yaml"

// Config holds all configuration for mpsync.
type Config struct {
	// Folder is the local directory to mirror onto the board. Required.
	Folder string `env:"MPSYNC_FOLDER" yaml:"folder"`

	// Port is the serial device of the board, e.g. /dev/ttyUSB0.
	// Exactly one of Port or WebREPLURL must be set.
	Port string `env:"MPSYNC_PORT" yaml:"port"`

	// Baud is the serial line speed.
	Baud int `env:"MPSYNC_BAUD" yaml:"baud"`

	// WebREPLURL connects over WebREPL instead of serial,
	// e.g. ws://192.168.4.1:8266.
	WebREPLURL string `env:"MPSYNC_WEBREPL_URL" yaml:"webrepl_url"`

	// WebREPLPassword authenticates the WebREPL session.
	WebREPLPassword string `env:"MPSYNC_WEBREPL_PASSWORD" yaml:"webrepl_password"`

	// RemoteRoot is the board directory the folder maps to.
	RemoteRoot string `env:"MPSYNC_REMOTE_ROOT" yaml:"remote_root"`

	// DebounceWindow is how long a change may settle before it is
	// pushed to the board.
	DebounceWindow time.Duration `env:"MPSYNC_DEBOUNCE_WINDOW" yaml:"debounce_window"`

	// IgnoreGlobs are extra ignore patterns on top of the built-in
	// defaults and the folder's .mpsyncignore file.
	IgnoreGlobs []string `env:"MPSYNC_IGNORE" envSeparator:"," yaml:"ignore"`

	// SyncOnStart uploads local files the board is missing or holds
	// stale before watching begins. Board-only files are never deleted.
	SyncOnStart bool `env:"MPSYNC_SYNC_ON_START" yaml:"sync_on_start"`

	// ResetOnIdle soft-reboots the board after a batch of changes has
	// been uploaded, so the new code starts running.
	ResetOnIdle bool `env:"MPSYNC_RESET_ON_IDLE" yaml:"reset_on_idle"`

	// StatePath overrides the fingerprint cache location. Empty uses
	// ~/.mpsync/state.db.
	StatePath string `env:"MPSYNC_STATE_PATH" yaml:"state_path"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" yaml:"environment"`

	// Verbose enables debug logging.
	Verbose bool `env:"MPSYNC_VERBOSE" yaml:"verbose"`
}

func defaults() *Config {
	return &Config{
		Baud:           115200,
		RemoteRoot:     "/",
		DebounceWindow: 500 * time.Millisecond,
		Environment:    "development",
	}
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. Group or world readable files risk
// exposing the WebREPL password to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration. configPath names an explicit yaml file; an
// empty path falls back to ./mpsync.yaml when that exists. A .env file
// is honored before environment variables are parsed.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := defaults()

	explicit := configPath != ""
	if !explicit {
		configPath = DefaultConfigFile
	}

	if err := loadFile(cfg, configPath, explicit); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Downstream path mapping relies on an absolute folder path.
	absFolder, err := filepath.Abs(cfg.Folder)
	if err != nil {
		return nil, fmt.Errorf("resolving folder to absolute path: %w", err)
	}
	cfg.Folder = absFolder

	return cfg, nil
}

// loadFile merges a yaml config file into cfg. A missing file is only
// an error when it was named explicitly.
func loadFile(cfg *Config, path string, explicit bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	return nil
}

func (c *Config) validate() error {
	if c.Folder == "" {
		return fmt.Errorf("MPSYNC_FOLDER (or folder in mpsync.yaml) is required")
	}

	info, err := os.Stat(c.Folder)
	if err != nil {
		return fmt.Errorf("folder %q: %w", c.Folder, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("folder %q is not a directory", c.Folder)
	}

	if c.Port == "" && c.WebREPLURL == "" {
		return fmt.Errorf("one of MPSYNC_PORT or MPSYNC_WEBREPL_URL is required")
	}
	if c.Port != "" && c.WebREPLURL != "" {
		return fmt.Errorf("MPSYNC_PORT and MPSYNC_WEBREPL_URL are mutually exclusive")
	}

	if c.Port != "" && c.Baud <= 0 {
		return fmt.Errorf("MPSYNC_BAUD must be positive, got %d", c.Baud)
	}

	if c.DebounceWindow < 0 {
		return fmt.Errorf("MPSYNC_DEBOUNCE_WINDOW must not be negative")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
