package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattjoyce/scriptbatch/internal/engine"
)

// Config is the root of a scriptbatch configuration file.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`
	Engine  EngineConfig  `yaml:"engine"`
	Task    TaskConfig    `yaml:"task"`
	API     APIConfig     `yaml:"api"`

	// Path is the absolute path the configuration was loaded from.
	Path string `yaml:"-"`
}

// ServiceConfig contains process-wide settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StateConfig locates the incremental state database.
type StateConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig selects and tunes the JavaScript engine.
type EngineConfig struct {
	Type             string        `yaml:"type"`
	Command          string        `yaml:"command"`
	ModulePaths      []string      `yaml:"module_paths"`
	Parallelism      int           `yaml:"parallelism"`
	TimeoutPerSource time.Duration `yaml:"timeout_per_source"`
	TerminationGrace time.Duration `yaml:"termination_grace"`
}

// Variant returns the parsed engine type.
func (e EngineConfig) Variant() (engine.Variant, error) {
	return engine.ParseVariant(e.Type)
}

// LaunchSpec resolves the engine into a launch description.
func (e EngineConfig) LaunchSpec() (engine.LaunchSpec, error) {
	v, err := e.Variant()
	if err != nil {
		return engine.LaunchSpec{}, err
	}
	return engine.Configure(v, engine.Environment{ModulePaths: e.ModulePaths, Command: e.Command}), nil
}

// TaskConfig describes what the script runs over.
type TaskConfig struct {
	Name      string         `yaml:"name"`
	Script    string         `yaml:"script"`
	SourceDir string         `yaml:"source_dir"`
	Include   []string       `yaml:"include"`
	Exclude   []string       `yaml:"exclude"`
	TargetDir string         `yaml:"target_dir"`
	Options   map[string]any `yaml:"options"`
}

// OptionsJSON encodes the task options as the JSON object handed to the
// script. No options encode as {}.
func (t TaskConfig) OptionsJSON() (string, error) {
	if len(t.Options) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(t.Options)
	if err != nil {
		return "", fmt.Errorf("task.options: %w", err)
	}
	return string(b), nil
}

// APIConfig configures the HTTP trigger server.
type APIConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Listen      string        `yaml:"listen"`
	Auth        APIAuthConfig `yaml:"auth"`
	CORSOrigins []string      `yaml:"cors_origins"`
	Webhook     WebhookConfig `yaml:"webhook"`
}

// WebhookConfig enables an HMAC-signed run trigger when Secret is set.
type WebhookConfig struct {
	Path            string `yaml:"path"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	// MaxBodySize accepts sizes such as "1MiB" or "65536".
	MaxBodySize string `yaml:"max_body_size"`
}

// APIAuthConfig holds the bearer key for mutating endpoints.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// Defaults returns a Config with every optional field filled in.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "scriptbatch",
			LogLevel: "info",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		Engine: EngineConfig{
			Type:             engine.Node.String(),
			Parallelism:      4,
			TimeoutPerSource: 30 * time.Second,
			TerminationGrace: 5 * time.Second,
		},
		Task: TaskConfig{
			Name:    "default",
			Include: []string{"*.js"},
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
