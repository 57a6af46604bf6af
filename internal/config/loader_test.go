package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalTask = `
task:
  script: scripts/compile.js
  source_dir: src
  target_dir: build
`

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config, dir string)
	}{
		{
			name: "minimal valid config gets defaults",
			yaml: minimalTask,
			checkFn: func(t *testing.T, cfg *Config, dir string) {
				if cfg.Service.Name != "scriptbatch" || cfg.Service.LogLevel != "info" {
					t.Errorf("service defaults not applied: %+v", cfg.Service)
				}
				if cfg.Engine.Type != "node" || cfg.Engine.Parallelism != 4 {
					t.Errorf("engine defaults not applied: %+v", cfg.Engine)
				}
				if cfg.Engine.TimeoutPerSource != 30*time.Second || cfg.Engine.TerminationGrace != 5*time.Second {
					t.Errorf("timeout defaults not applied: %+v", cfg.Engine)
				}
				if got, want := cfg.Task.Script, filepath.Join(dir, "scripts", "compile.js"); got != want {
					t.Errorf("task.script = %q, want %q", got, want)
				}
				if got, want := cfg.State.Path, filepath.Join(dir, "data", "state.db"); got != want {
					t.Errorf("state.path = %q, want %q", got, want)
				}
				if len(cfg.Task.Include) != 1 || cfg.Task.Include[0] != "*.js" {
					t.Errorf("task.include default not applied: %v", cfg.Task.Include)
				}
				if cfg.Path != filepath.Join(dir, "config.yaml") {
					t.Errorf("Path = %q", cfg.Path)
				}
			},
		},
		{
			name: "full config with env interpolation",
			yaml: `
service:
  name: assets
  log_level: DEBUG
state:
  path: /var/lib/scriptbatch/state.db
engine:
  type: phantomjs
  command: /opt/phantom/bin/phantomjs
  module_paths: [node_modules]
  parallelism: 2
  timeout_per_source: 2s
  termination_grace: 500ms
task:
  name: minify
  script: ${SCRIPT_DIR}/minify.js
  source_dir: src
  include: ["*.js", "*.mjs"]
  exclude: ["vendor/*"]
  target_dir: build
  options:
    mangle: true
    banner: "${BANNER}"
api:
  enabled: true
  listen: 0.0.0.0:9090
  auth:
    api_key: ${API_KEY}
  cors_origins: ["https://ci.example.com"]
  webhook:
    path: /hooks/git
    secret: ${HOOK_SECRET}
    max_body_size: 256KiB
`,
			env: map[string]string{"SCRIPT_DIR": "/scripts", "BANNER": "v1", "API_KEY": "secret", "HOOK_SECRET": "hook"},
			checkFn: func(t *testing.T, cfg *Config, dir string) {
				if cfg.Service.LogLevel != "debug" {
					t.Errorf("log level not normalised: %q", cfg.Service.LogLevel)
				}
				if cfg.Task.Script != "/scripts/minify.js" {
					t.Errorf("task.script = %q", cfg.Task.Script)
				}
				if cfg.API.Auth.APIKey != "secret" {
					t.Errorf("api key not interpolated")
				}
				if w := cfg.API.Webhook; w.Secret != "hook" || w.Path != "/hooks/git" || w.MaxBodySize != "256KiB" {
					t.Errorf("webhook not loaded: %+v", w)
				}
				if cfg.Engine.TimeoutPerSource != 2*time.Second || cfg.Engine.TerminationGrace != 500*time.Millisecond {
					t.Errorf("durations not parsed: %+v", cfg.Engine)
				}
				if got := cfg.Engine.ModulePaths; len(got) != 1 || got[0] != filepath.Join(dir, "node_modules") {
					t.Errorf("module_paths = %v", got)
				}
				opts, err := cfg.Task.OptionsJSON()
				if err != nil {
					t.Fatalf("OptionsJSON: %v", err)
				}
				if opts != `{"banner":"v1","mangle":true}` {
					t.Errorf("options = %s", opts)
				}
				spec, err := cfg.Engine.LaunchSpec()
				if err != nil {
					t.Fatalf("LaunchSpec: %v", err)
				}
				if spec.Command != "/opt/phantom/bin/phantomjs" {
					t.Errorf("command override not applied: %+v", spec)
				}
			},
		},
		{
			name:    "unknown engine type",
			yaml:    minimalTask + "engine:\n  type: spidermonkey\n",
			wantErr: "engine.type",
		},
		{
			name:    "zero parallelism",
			yaml:    minimalTask + "engine:\n  parallelism: 0\n",
			wantErr: "engine.parallelism",
		},
		{
			name:    "missing script",
			yaml:    "task:\n  source_dir: src\n  target_dir: build\n",
			wantErr: "task.script is required",
		},
		{
			name:    "bad log level",
			yaml:    minimalTask + "service:\n  log_level: verbose\n",
			wantErr: "service.log_level",
		},
		{
			name:    "unset env var in options",
			yaml:    minimalTask + "  options:\n    nested:\n      token: ${SCRIPTBATCH_UNSET_VAR}\n",
			wantErr: "task.options.nested.token: environment variable ${SCRIPTBATCH_UNSET_VAR} is not set",
		},
		{
			name:    "api without key",
			yaml:    minimalTask + "api:\n  enabled: true\n",
			wantErr: "api.auth.api_key is required",
		},
		{
			name:    "unresolved webhook secret",
			yaml:    minimalTask + "api:\n  enabled: true\n  auth:\n    api_key: k\n  webhook:\n    secret: ${NO_SUCH_HOOK_SECRET}\n",
			wantErr: "api.webhook.secret: environment variable ${NO_SUCH_HOOK_SECRET} is not set",
		},
		{
			name:    "relative webhook path",
			yaml:    minimalTask + "api:\n  enabled: true\n  auth:\n    api_key: k\n  webhook:\n    path: hooks\n    secret: s\n",
			wantErr: "api.webhook.path must start with /",
		},
		{
			name:    "unknown field",
			yaml:    minimalTask + "plugins_dir: ./plugins\n",
			wantErr: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			dir := t.TempDir()
			path := writeConfig(t, dir, tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.checkFn(t, cfg, dir)
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, minimalTask)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir) error = %v", err)
	}
	if cfg.Path != filepath.Join(dir, "config.yaml") {
		t.Fatalf("Path = %q", cfg.Path)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestInterpolateEnv(t *testing.T) {
	t.Setenv("SB_TEST_VAR", "value")
	got := interpolateEnv("a=${SB_TEST_VAR} b=${SB_TEST_UNSET} c=$SB_TEST_VAR")
	want := "a=value b=${SB_TEST_UNSET} c=$SB_TEST_VAR"
	if got != want {
		t.Fatalf("interpolateEnv() = %q, want %q", got, want)
	}
}
