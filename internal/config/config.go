// Package config loads and persists the schemafreeze workspace
// configuration at .schemafreeze/config.yaml. Every value has a derivable
// default; the file exists so that each one can be pinned explicitly.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all schemafreeze configuration.
type Config struct {
	// Fixtures is the fixture store root, relative to the workspace.
	Fixtures string `yaml:"fixtures"`

	// Tests is the user-owned verification scaffold directory.
	Tests string `yaml:"tests"`

	// Export configures the dead-drop extraction channel.
	Export ExportConfig `yaml:"export"`

	// Sandbox configures the execution sandbox.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Build configures the external toolchain invocation.
	Build BuildConfig `yaml:"build"`

	// Logging configures the category file logger.
	Logging LoggingConfig `yaml:"logging"`
}

// ExportConfig configures the extraction channel.
type ExportConfig struct {
	// Dir is the dead-drop root. Empty means the well-known default
	// (SCHEMAFREEZE_EXPORT_DIR, then <tmp>/schemafreeze/export; in docker
	// mode .schemafreeze/export inside the workspace, since the container
	// can only reach the host through the project mount).
	Dir string `yaml:"dir"`

	// WaitSeconds is the grace period the collector waits for artifacts
	// that land marginally after execution returns.
	WaitSeconds int `yaml:"wait_seconds"`
}

// SandboxConfig configures the execution sandbox.
type SandboxConfig struct {
	// Mode is "none" (host execution) or "docker".
	Mode string `yaml:"mode"`

	// Name is the sandbox container name. Empty means the conventions
	// resolver's derived default.
	Name string `yaml:"name"`

	// Workdir is the path the project is mounted at inside the sandbox.
	// Host paths under the project root are rewritten to it on exec.
	Workdir string `yaml:"workdir"`
}

// BuildConfig configures toolchain invocations.
type BuildConfig struct {
	// GoFlags are extra flags appended to go test invocations.
	GoFlags []string `yaml:"go_flags,omitempty"`

	// EnvVars are additional environment variables for builds.
	EnvVars map[string]string `yaml:"env_vars,omitempty"`

	// TimeoutSeconds bounds one combined build-and-execute invocation.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories,omitempty"`
	Level      string          `yaml:"level"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Fixtures: "Fixtures",
		Tests:    "Tests",
		Export: ExportConfig{
			WaitSeconds: 5,
		},
		Sandbox: SandboxConfig{
			Mode:    "none",
			Workdir: "/workspace",
		},
		Build: BuildConfig{
			TimeoutSeconds: 600,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Path returns the config file location for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, ".schemafreeze", "config.yaml")
}

// Load reads the workspace config, falling back to defaults for a missing
// file and for any unset field.
func Load(workspace string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", Path(workspace), err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the config file, creating the .schemafreeze directory.
func Save(workspace string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(Path(workspace)), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(Path(workspace), data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// applyDefaults fills zero values after a partial file load.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Fixtures == "" {
		c.Fixtures = def.Fixtures
	}
	if c.Tests == "" {
		c.Tests = def.Tests
	}
	if c.Export.WaitSeconds == 0 {
		c.Export.WaitSeconds = def.Export.WaitSeconds
	}
	if c.Sandbox.Mode == "" {
		c.Sandbox.Mode = def.Sandbox.Mode
	}
	if c.Sandbox.Workdir == "" {
		c.Sandbox.Workdir = def.Sandbox.Workdir
	}
	if c.Build.TimeoutSeconds == 0 {
		c.Build.TimeoutSeconds = def.Build.TimeoutSeconds
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}
