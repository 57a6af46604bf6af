package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/scriptbatch/internal/engine"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults, verifies and validates the configuration
// at configPath. A directory is taken to contain config.yaml. Relative paths in
// the file are resolved against the file's directory.
func Load(configPath string) (*Config, error) {
	return load(configPath, true)
}

// LoadUnverified is Load without checksum verification, for re-locking a
// configuration that was edited on purpose.
func LoadUnverified(configPath string) (*Config, error) {
	return load(configPath, false)
}

func load(configPath string, verify bool) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Defaults()
	dec := yaml.NewDecoder(strings.NewReader(interpolateEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", absPath, err)
	}
	cfg.Path = absPath

	applyDefaults(cfg)
	resolvePaths(cfg, filepath.Dir(absPath))

	if verify {
		if err := VerifyChecksums(cfg); err != nil {
			return nil, err
		}
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyDefaults refills fields an explicit empty value in the file cleared.
func applyDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.Engine.Type == "" {
		cfg.Engine.Type = defaults.Engine.Type
	}
	if cfg.Engine.TerminationGrace == 0 {
		cfg.Engine.TerminationGrace = defaults.Engine.TerminationGrace
	}
	if cfg.Task.Name == "" {
		cfg.Task.Name = defaults.Task.Name
	}
	if len(cfg.Task.Include) == 0 {
		cfg.Task.Include = defaults.Task.Include
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
}

func resolvePaths(cfg *Config, base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	cfg.State.Path = abs(cfg.State.Path)
	cfg.Task.Script = abs(cfg.Task.Script)
	cfg.Task.SourceDir = abs(cfg.Task.SourceDir)
	cfg.Task.TargetDir = abs(cfg.Task.TargetDir)
	cfg.Engine.ModulePaths = engine.AbsModulePaths(base, cfg.Engine.ModulePaths)
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if _, err := cfg.Engine.Variant(); err != nil {
		return fmt.Errorf("engine.type: %w", err)
	}
	if cfg.Engine.Parallelism < 1 {
		return fmt.Errorf("engine.parallelism must be at least 1 (got %d)", cfg.Engine.Parallelism)
	}
	if cfg.Engine.TimeoutPerSource <= 0 {
		return fmt.Errorf("engine.timeout_per_source must be positive")
	}
	if cfg.Engine.TerminationGrace < 0 {
		return fmt.Errorf("engine.termination_grace must not be negative")
	}

	if cfg.Task.Script == "" {
		return fmt.Errorf("task.script is required")
	}
	if cfg.Task.SourceDir == "" {
		return fmt.Errorf("task.source_dir is required")
	}
	if cfg.Task.TargetDir == "" {
		return fmt.Errorf("task.target_dir is required")
	}
	if _, err := cfg.Task.OptionsJSON(); err != nil {
		return err
	}

	for field, value := range map[string]string{
		"engine.command": cfg.Engine.Command,
		"task.script":    cfg.Task.Script,
		"task.name":      cfg.Task.Name,
	} {
		if err := checkUnresolved(field, value); err != nil {
			return err
		}
	}
	if err := checkUnresolvedOptions("task.options", cfg.Task.Options); err != nil {
		return err
	}

	if cfg.API.Enabled {
		if cfg.API.Auth.APIKey == "" {
			return fmt.Errorf("api.auth.api_key is required when the API is enabled")
		}
		if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		if err := checkUnresolved("api.webhook.secret", cfg.API.Webhook.Secret); err != nil {
			return err
		}
		if p := cfg.API.Webhook.Path; p != "" && !strings.HasPrefix(p, "/") {
			return fmt.Errorf("api.webhook.path must start with / (got %q)", p)
		}
	}
	return nil
}

func checkUnresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); m != nil {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

// checkUnresolvedOptions recursively checks option values for ${VAR}
// placeholders.
func checkUnresolvedOptions(prefix string, value any) error {
	switch v := value.(type) {
	case string:
		return checkUnresolved(prefix, v)
	case map[string]any:
		for key, inner := range v {
			if err := checkUnresolvedOptions(prefix+"."+key, inner); err != nil {
				return err
			}
		}
	case []any:
		for i, inner := range v {
			if err := checkUnresolvedOptions(fmt.Sprintf("%s[%d]", prefix, i), inner); err != nil {
				return err
			}
		}
	}
	return nil
}
