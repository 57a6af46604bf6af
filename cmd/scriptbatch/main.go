package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/scriptbatch/internal/api"
	"github.com/mattjoyce/scriptbatch/internal/config"
	"github.com/mattjoyce/scriptbatch/internal/doctor"
	"github.com/mattjoyce/scriptbatch/internal/engine"
	"github.com/mattjoyce/scriptbatch/internal/events"
	"github.com/mattjoyce/scriptbatch/internal/inspect"
	"github.com/mattjoyce/scriptbatch/internal/lock"
	"github.com/mattjoyce/scriptbatch/internal/log"
	"github.com/mattjoyce/scriptbatch/internal/report"
	"github.com/mattjoyce/scriptbatch/internal/runner"
	"github.com/mattjoyce/scriptbatch/internal/state"
	"github.com/mattjoyce/scriptbatch/internal/storage"
	"github.com/mattjoyce/scriptbatch/internal/webhook"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit codes. A run that finished but reported errors is distinguishable
// from one that could not finish.
const (
	exitOK       = 0
	exitFailure  = 1
	exitProblems = 2
)

const configEnv = "SCRIPTBATCH_CONFIG"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return exitFailure
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "run":
		if hasHelpFlag(args) {
			printRunHelp()
			return exitOK
		}
		return runRun(args)
	case "serve":
		if hasHelpFlag(args) {
			printServeHelp()
			return exitOK
		}
		return runServe(args)
	case "status":
		if hasHelpFlag(args) {
			printStatusHelp()
			return exitOK
		}
		return runStatus(args)
	case "inspect":
		if hasHelpFlag(args) {
			printInspectHelp()
			return exitOK
		}
		return runInspect(args)
	case "config":
		return runConfigNoun(args)
	case "engine":
		return runEngineNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return exitFailure
	}
}

// --- run ---

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Print the run summary as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	cfg, err := config.Load(resolveConfigPath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitFailure
	}
	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runLock, err := lock.Acquire(lock.PathFor(cfg.State.Path))
	if err != nil {
		logger.Error("failed to acquire run lock", "error", err)
		fmt.Fprintf(os.Stderr, "Cannot start run: %v\n", err)
		return exitFailure
	}
	defer runLock.Release()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return exitFailure
	}
	defer db.Close()

	res, err := runner.New(cfg, state.NewStore(db)).Run(ctx)
	if res != nil {
		if *jsonOut {
			printJSON(os.Stdout, runOutput{RunID: res.RunID, Status: statusFor(err), Summary: res.Summary})
		} else {
			fmt.Println(report.RenderSummary(res.Summary, report.DefaultTheme()))
		}
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, runner.ErrProblems):
		return exitProblems
	default:
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		return exitFailure
	}
}

type runOutput struct {
	RunID   string         `json:"run_id"`
	Status  string         `json:"status"`
	Summary report.Summary `json:"summary"`
}

func statusFor(err error) string {
	switch {
	case err == nil:
		return state.RunSucceeded
	case errors.Is(err, runner.ErrProblems):
		return state.RunProblems
	default:
		return state.RunFailed
	}
}

// --- serve ---

// lockedRunner holds the run lock for the duration of each run so the CLI
// and the server never write the same state concurrently.
type lockedRunner struct {
	runner   *runner.Runner
	lockPath string
}

func (l lockedRunner) RunAs(ctx context.Context, runID string) (*runner.Result, error) {
	runLock, err := lock.Acquire(l.lockPath)
	if err != nil {
		return nil, err
	}
	defer runLock.Release()
	return l.runner.RunAs(ctx, runID)
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	path := resolveConfigPath(*configPath)
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitFailure
	}
	if !cfg.API.Enabled {
		fmt.Fprintln(os.Stderr, "The API is disabled; set api.enabled: true to serve")
		return exitFailure
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("scriptbatch starting", "version", version, "config", cfg.Path, "task", cfg.Task.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return exitFailure
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	store := state.NewStore(db)
	hub := events.NewHub(256)
	r := runner.New(cfg, store,
		runner.WithEvents(hub),
		runner.WithReporter(report.Multi{
			report.LogReporter{Logger: log.WithComponent("report")},
			report.EventReporter{Events: hub},
		}),
	)

	apiConfig := api.Config{
		Listen:      cfg.API.Listen,
		APIKey:      cfg.API.Auth.APIKey,
		Task:        cfg.Task.Name,
		CORSOrigins: cfg.API.CORSOrigins,
	}
	hookConfig, hookEnabled, err := webhook.FromConfig(cfg.API.Webhook)
	if err != nil {
		logger.Error("failed to configure webhook", "error", err)
		return exitFailure
	}
	if hookEnabled {
		apiConfig.Webhook = &hookConfig
		logger.Info("webhook enabled", "path", hookConfig.Path, "max_body_size", humanize.IBytes(uint64(hookConfig.MaxBodySize)))
	}

	apiServer := api.New(apiConfig, lockedRunner{runner: r, lockPath: lock.PathFor(cfg.State.Path)}, store, hub, log.WithComponent("api"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
		close(errCh)
	}()
	logger.Info("scriptbatch serving (press Ctrl+C to stop)", "listen", cfg.API.Listen)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
		// Start returns once in-flight runs have been cancelled.
		if err, ok := <-errCh; ok && err != nil {
			logger.Error("shutdown failed", "error", err)
			return exitFailure
		}
	case err, ok := <-errCh:
		if ok && err != nil {
			logger.Error("component failed", "error", err)
			return exitFailure
		}
	}

	logger.Info("scriptbatch stopped")
	return exitOK
}

// --- status ---

type statusOutput struct {
	Task      string     `json:"task"`
	LockHeld  bool       `json:"lock_held"`
	LockPID   int        `json:"lock_pid,omitempty"`
	LatestRun *state.Run `json:"latest_run,omitempty"`
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	cfg, err := config.LoadUnverified(resolveConfigPath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitFailure
	}
	log.Setup("error")

	out := statusOutput{Task: cfg.Task.Name}
	lockPath := lock.PathFor(cfg.State.Path)
	if l, err := lock.Acquire(lockPath); err != nil {
		var held *lock.HeldError
		if !errors.As(err, &held) {
			fmt.Fprintf(os.Stderr, "Failed to inspect run lock: %v\n", err)
			return exitFailure
		}
		out.LockHeld = true
		out.LockPID = held.PID
	} else {
		_ = l.Release()
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return exitFailure
	}
	defer db.Close()

	out.LatestRun, err = state.NewStore(db).LatestRun(ctx, cfg.Task.Name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load latest run: %v\n", err)
		return exitFailure
	}

	if *jsonOut {
		printJSON(os.Stdout, out)
		return exitOK
	}

	fmt.Printf("task: %s\n", out.Task)
	switch {
	case out.LockHeld && out.LockPID > 0:
		fmt.Printf("lock: held by pid %d\n", out.LockPID)
	case out.LockHeld:
		fmt.Println("lock: held")
	default:
		fmt.Println("lock: free")
	}
	if out.LatestRun == nil {
		fmt.Println("latest run: none")
		return exitOK
	}
	run := out.LatestRun
	fmt.Printf("latest run: %s (%s, started %s)\n", run.ID, run.Status, humanize.Time(run.StartedAt))
	fmt.Printf("  sources %s, changed %s, removed %s, problems %s (%s errors), output files %s\n",
		humanize.Comma(int64(run.Sources)), humanize.Comma(int64(run.Changed)), humanize.Comma(int64(run.Removed)),
		humanize.Comma(int64(run.Problems)), humanize.Comma(int64(run.Errors)), humanize.Comma(int64(run.OutputFiles)))
	if run.CompletedAt != nil {
		fmt.Printf("  took %s\n", run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	if run.LastError != "" {
		fmt.Printf("  error: %s\n", run.LastError)
	}
	return exitOK
}

// --- inspect ---

func runInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	flags, positionals := splitFlagsAndPositionals(args, map[string]bool{"config": true})
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}
	positionals = append(positionals, fs.Args()...)
	if len(positionals) != 1 {
		printInspectHelp()
		return exitFailure
	}

	cfg, err := config.LoadUnverified(resolveConfigPath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitFailure
	}
	log.Setup("error")

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return exitFailure
	}
	defer db.Close()

	build := inspect.BuildReport
	if *jsonOut {
		build = inspect.BuildJSONReport
	}
	out, err := build(ctx, db, cfg.Task.Name, positionals[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return exitFailure
	}
	fmt.Println(strings.TrimRight(out, "\n"))
	return exitOK
}

// --- config ---

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return exitFailure
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return exitOK
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "lock":
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return exitFailure
	}
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	format := fs.String("format", "human", "Output format (human, json)")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}
	if *jsonOut {
		*format = "json"
	}

	cfg, err := config.Load(resolveConfigPath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration check FAILED: %v\n", err)
		return exitFailure
	}

	result := doctor.New(cfg).Validate()
	switch *format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return exitFailure
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return exitFailure
	}
	if *strict && len(result.Warnings) > 0 {
		return exitProblems
	}
	return exitOK
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	verbose := fs.Bool("verbose", false, "List every locked file")
	verboseShort := fs.Bool("v", false, "List every locked file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	// Locking is how a changed config gets authorised, so it must not
	// require the old checksums to match.
	cfg, err := config.LoadUnverified(resolveConfigPath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitFailure
	}

	rep, err := config.WriteChecksums(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return exitFailure
	}
	if *verbose || *verboseShort {
		for _, f := range rep.Files {
			fmt.Printf("  LOCK %s %s\n", f.Hash[:12], f.Key)
		}
	}
	fmt.Printf("Locked %d file(s) in %s\n", len(rep.Files), rep.ChecksumPath)
	return exitOK
}

// --- engine ---

func runEngineNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printEngineNounHelp(os.Stdout)
		if len(args) < 1 {
			return exitFailure
		}
		return exitOK
	}
	switch args[0] {
	case "list":
		for _, v := range engine.Variants() {
			spec := engine.Configure(v, engine.Environment{})
			modules := "no"
			if v.SupportsModules() {
				modules = "yes"
			}
			fmt.Printf("%-11s command=%-12s modules=%s\n", v, spec.Command, modules)
		}
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown engine action: %s\n", args[0])
		return exitFailure
	}
}

// --- version ---

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	info := currentVersionInfo()
	if *jsonOut {
		printJSON(os.Stdout, info)
		return exitOK
	}

	fmt.Printf("scriptbatch %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return exitOK
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

// --- helpers ---

// resolveConfigPath picks the flag value, then $SCRIPTBATCH_CONFIG, then
// config.yaml in the working directory.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(configEnv); env != "" {
		return env
	}
	return "config.yaml"
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// splitFlagsAndPositionals lets positionals appear before flags. takesValue
// names the flags that consume the following argument.
func splitFlagsAndPositionals(args []string, takesValue map[string]bool) ([]string, []string) {
	var flags, positionals []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") || a == "-" {
			positionals = append(positionals, a)
			continue
		}
		flags = append(flags, a)
		name := strings.TrimLeft(a, "-")
		if !strings.Contains(name, "=") && takesValue[name] && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return flags, positionals
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" {
			return true
		}
	}
	return false
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `scriptbatch - incremental batch runner for JavaScript engine scripts

Usage:
  scriptbatch <command> [flags]

Commands:
  run              Run the configured task once over changed sources
  serve            Serve the HTTP API (trigger runs, stream events)
  status           Show the latest recorded run and the run lock
  inspect <src>    Show the stored hash, outcome and output files of a source
  config check     Validate configuration against this machine (--strict, --json)
  config lock      Authorize current config and script (update checksums)
  engine list      Show supported engine types
  version          Show version information
  help             Show this help message

Every command accepts --config <path>; the default is $SCRIPTBATCH_CONFIG,
then ./config.yaml.
`)
}

func printRunHelp() {
	fmt.Print(`Usage: scriptbatch run [--config PATH] [--json]

Exit status is 0 when the run succeeded, 2 when the script reported errors,
and 1 when the run could not complete.
`)
}

func printServeHelp() {
	fmt.Print(`Usage: scriptbatch serve [--config PATH]

Endpoints:
  GET  /healthz        liveness, no auth
  POST /runs           start a run (?wait=true to block for the outcome)
  GET  /runs/latest    latest recorded run
  GET  /events         server-sent run events (honours Last-Event-ID)
`)
}

func printInspectHelp() {
	fmt.Println("Usage: scriptbatch inspect <source|target> [--config PATH] [--json]")
}

func printStatusHelp() {
	fmt.Println("Usage: scriptbatch status [--config PATH] [--json]")
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: scriptbatch config <action> [--config PATH]

Actions:
  check    Validate configuration against this machine (--strict, --json)
  lock     Write checksums for the config file and task script (-v lists them)
`)
}

func printEngineNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: scriptbatch engine list")
}
