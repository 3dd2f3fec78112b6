package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	folder := t.TempDir()
	t.Setenv("MPSYNC_FOLDER", folder)
	t.Setenv("MPSYNC_PORT", "/dev/ttyUSB0")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, folder, cfg.Folder)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Port)
	assert.Equal(t, 115200, cfg.Baud)
	assert.Equal(t, "/", cfg.RemoteRoot)
	assert.Equal(t, 500*time.Millisecond, cfg.DebounceWindow)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.IsProduction())
}

func TestLoadYAMLFile(t *testing.T) {
	t.Chdir(t.TempDir())

	folder := t.TempDir()
	configPath := filepath.Join(t.TempDir(), "mpsync.yaml")

	yml := `
folder: ` + folder + `
port: /dev/ttyACM0
baud: 9600
remote_root: /flash
debounce_window: 1s
ignore:
  - "**/*.log"
sync_on_start: true
`
	require.NoError(t, os.WriteFile(configPath, []byte(yml), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM0", cfg.Port)
	assert.Equal(t, 9600, cfg.Baud)
	assert.Equal(t, "/flash", cfg.RemoteRoot)
	assert.Equal(t, time.Second, cfg.DebounceWindow)
	assert.Equal(t, []string{"**/*.log"}, cfg.IgnoreGlobs)
	assert.True(t, cfg.SyncOnStart)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Chdir(t.TempDir())

	folder := t.TempDir()
	configPath := filepath.Join(t.TempDir(), "mpsync.yaml")

	yml := "folder: " + folder + "\nport: /dev/ttyACM0\nbaud: 9600\n"
	require.NoError(t, os.WriteFile(configPath, []byte(yml), 0o644))

	t.Setenv("MPSYNC_BAUD", "460800")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM0", cfg.Port)
	assert.Equal(t, 460800, cfg.Baud)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidation(t *testing.T) {
	folder := t.TempDir()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing folder",
			mutate:  func(c *Config) { c.Folder = "" },
			wantErr: "MPSYNC_FOLDER",
		},
		{
			name:    "folder does not exist",
			mutate:  func(c *Config) { c.Folder = filepath.Join(folder, "missing") },
			wantErr: "folder",
		},
		{
			name:    "no transport",
			mutate:  func(c *Config) { c.Port = "" },
			wantErr: "one of MPSYNC_PORT or MPSYNC_WEBREPL_URL",
		},
		{
			name:    "both transports",
			mutate:  func(c *Config) { c.WebREPLURL = "ws://192.168.4.1:8266" },
			wantErr: "mutually exclusive",
		},
		{
			name:    "bad baud",
			mutate:  func(c *Config) { c.Baud = 0 },
			wantErr: "MPSYNC_BAUD",
		},
		{
			name:    "negative debounce",
			mutate:  func(c *Config) { c.DebounceWindow = -time.Second },
			wantErr: "MPSYNC_DEBOUNCE_WINDOW",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			cfg.Folder = folder
			cfg.Port = "/dev/ttyUSB0"
			tt.mutate(cfg)

			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidationAllowsWebREPLOnly(t *testing.T) {
	cfg := defaults()
	cfg.Folder = t.TempDir()
	cfg.WebREPLURL = "ws://192.168.4.1:8266"
	cfg.WebREPLPassword = "secret"
	cfg.Baud = 0

	require.NoError(t, cfg.validate())
}
