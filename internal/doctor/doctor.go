// Package doctor checks a loaded configuration against the machine it will
// run on: engine on PATH, sources present, state on a local disk.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/mattjoyce/scriptbatch/internal/config"
	"github.com/mattjoyce/scriptbatch/internal/source"
	"github.com/mattjoyce/scriptbatch/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Sources  int     `json:"sources"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// reservedPaths are served by the API and cannot host the webhook.
var reservedPaths = []string{"/healthz", "/runs", "/runs/latest", "/events"}

// minSecretLen is the shortest webhook secret accepted without a warning.
const minSecretLen = 16

// Doctor validates a configuration against the local environment.
type Doctor struct {
	cfg        *config.Config
	lookPath   func(string) (string, error)
	checkLocal func(string) error
	numCPU     int
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:        cfg,
		lookPath:   exec.LookPath,
		checkLocal: storage.CheckLocal,
		numCPU:     runtime.NumCPU(),
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateEngine(r)
	d.validateTask(r)
	d.validateState(r)
	d.validateAPI(r)
	d.warnUnlocked(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateEngine(r *Result) {
	spec, err := d.cfg.Engine.LaunchSpec()
	if err != nil {
		d.addError(r, "engine", "engine.type", err.Error())
		return
	}
	if _, err := d.lookPath(spec.Command); err != nil {
		d.addError(r, "engine", "engine.command",
			fmt.Sprintf("%s engine executable %q not found: %v", spec.Variant, spec.Command, err))
	}

	if len(d.cfg.Engine.ModulePaths) > 0 {
		if !spec.Variant.SupportsModules() {
			d.addWarning(r, "engine", "engine.module_paths",
				fmt.Sprintf("%s does not load modules; module_paths is ignored", spec.Variant))
		}
		for _, p := range d.cfg.Engine.ModulePaths {
			if _, err := os.Stat(p); err != nil {
				d.addWarning(r, "engine", "engine.module_paths", fmt.Sprintf("module path %s: %v", p, err))
			}
		}
	}

	if d.numCPU > 0 && d.cfg.Engine.Parallelism > 2*d.numCPU {
		d.addWarning(r, "engine", "engine.parallelism",
			fmt.Sprintf("parallelism %d is more than twice the %d available CPUs", d.cfg.Engine.Parallelism, d.numCPU))
	}
}

func (d *Doctor) validateTask(r *Result) {
	task := d.cfg.Task

	if info, err := os.Stat(task.Script); err != nil {
		d.addError(r, "task", "task.script", fmt.Sprintf("script %s: %v", task.Script, err))
	} else if !info.Mode().IsRegular() {
		d.addError(r, "task", "task.script", fmt.Sprintf("script %s is not a regular file", task.Script))
	}

	info, err := os.Stat(task.SourceDir)
	switch {
	case err != nil:
		d.addError(r, "task", "task.source_dir", fmt.Sprintf("source dir %s: %v", task.SourceDir, err))
		return
	case !info.IsDir():
		d.addError(r, "task", "task.source_dir", fmt.Sprintf("source dir %s is not a directory", task.SourceDir))
		return
	}

	mappings, err := source.Discover(task.SourceDir, task.Include, task.Exclude)
	if err != nil {
		d.addError(r, "task", "task.include", err.Error())
		return
	}
	r.Sources = len(mappings)
	if len(mappings) == 0 {
		d.addWarning(r, "task", "task.include", "no sources match the include patterns")
	}

	// Outputs written inside the source tree are picked up as sources on the
	// next run unless excluded.
	if rel, err := filepath.Rel(task.SourceDir, task.TargetDir); err == nil && filepath.IsLocal(rel) {
		d.addWarning(r, "task", "task.target_dir",
			"target_dir is inside source_dir; exclude it so outputs are not reprocessed")
	}
}

func (d *Doctor) validateState(r *Result) {
	if err := d.checkLocal(d.cfg.State.Path); err != nil {
		var remote *storage.RemoteFilesystemError
		if errors.As(err, &remote) {
			d.addError(r, "state", "state.path", err.Error())
			return
		}
		d.addWarning(r, "state", "state.path", err.Error())
	}
}

func (d *Doctor) validateAPI(r *Result) {
	api := d.cfg.API
	if !api.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(api.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", api.Listen, err))
	} else if host == "" || host == "0.0.0.0" || host == "::" {
		d.addWarning(r, "api", "api.listen", "API listens on all interfaces")
	}

	hook := api.Webhook
	if hook.Secret == "" {
		return
	}
	path := hook.Path
	if path == "" {
		path = "/webhook"
	}
	for _, reserved := range reservedPaths {
		if strings.EqualFold(path, reserved) {
			d.addError(r, "webhook", "api.webhook.path", fmt.Sprintf("path %s is already served by the API", path))
		}
	}
	if len(hook.Secret) < minSecretLen {
		d.addWarning(r, "webhook", "api.webhook.secret",
			fmt.Sprintf("secret is shorter than %d characters", minSecretLen))
	}
}

func (d *Doctor) warnUnlocked(r *Result) {
	if d.cfg.Path == "" {
		return
	}
	if _, err := config.LoadChecksums(d.cfg); errors.Is(err, os.ErrNotExist) {
		d.addWarning(r, "integrity", "", "configuration is not locked; run 'scriptbatch config lock'")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		fmt.Fprintf(&b, "Configuration valid (%d sources).\n", r.Sources)
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d sources, %d warning(s))\n", r.Sources, len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, label string, is Issue) {
	if is.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, is.Category, is.Field, is.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, is.Category, is.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
