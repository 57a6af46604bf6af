package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/scriptbatch/internal/config"
	"github.com/mattjoyce/scriptbatch/internal/lock"
	"github.com/mattjoyce/scriptbatch/internal/state"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	// Drain concurrently so large outputs cannot fill the pipe buffers.
	outCh := make(chan []byte, 1)
	errCh := make(chan []byte, 1)
	go func() { b, _ := io.ReadAll(stdoutR); outCh <- b }()
	go func() { b, _ := io.ReadAll(stderrR); errCh <- b }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes := <-outCh
	stderrBytes := <-errCh
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCLICaptured(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion, origCommit, origBuildDate := version, gitCommit, buildDate
	version, gitCommit, buildDate = v, commit, built
	t.Cleanup(func() {
		version, gitCommit, buildDate = origVersion, origCommit, origBuildDate
	})
}

// copyScript copies every source to the target dir and reports an error for
// sources containing FAIL.
const copyScript = `target="$2"
list=$(printf '%s' "$1" | tr -d '[]"')
results=""
problems=""
IFS=','
set -- $list
unset IFS
while [ $# -ge 2 ]; do
  src="$1"; rel="$2"; shift 2
  if grep -q FAIL "$src"; then
    entry="{\"result\":null,\"source\":[\"$src\",\"$rel\"]}"
    problems="${problems:+$problems,}{\"message\":\"cannot compile\",\"severity\":\"error\",\"lineNumber\":1,\"source\":\"$src\"}"
  else
    mkdir -p "$target/$(dirname "$rel")"
    cp "$src" "$target/$rel"
    entry="{\"result\":{\"filesWritten\":[\"$target/$rel\"]},\"source\":[\"$src\",\"$rel\"]}"
  fi
  results="${results:+$results,}$entry"
done
printf '\020{"results":[%s],"problems":[%s]}\n' "$results" "$problems"
`

// writeProject lays out a config directory with an sh "engine" and returns
// the config path.
func writeProject(t *testing.T, sources map[string]string) string {
	t.Helper()
	dir := t.TempDir()

	mustWrite := func(rel, body string) {
		t.Helper()
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}

	mustWrite("build.sh", copyScript)
	for name, body := range sources {
		mustWrite(filepath.Join("src", name), body)
	}
	mustWrite("config.yaml", `service:
  log_level: error
state:
  path: data/state.db
engine:
  type: node
  command: sh
  parallelism: 2
  timeout_per_source: 10s
  termination_grace: 200ms
task:
  name: build
  script: build.sh
  source_dir: src
  target_dir: out
`)
	return filepath.Join(dir, "config.yaml")
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := runCLICaptured(t, "frobnicate")
	if code != exitFailure {
		t.Fatalf("exit code = %d, want %d", code, exitFailure)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("stderr missing unknown command: %q", stderr)
	}
}

func TestPrintUsageListsCommands(t *testing.T) {
	code, stdout, _ := runCLICaptured(t, "help")
	if code != exitOK {
		t.Fatalf("exit code = %d", code)
	}
	for _, want := range []string{"run", "serve", "status", "config check", "config lock", "engine list"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("usage missing %q", want)
		}
	}
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef0123", "2026-02-01T10:20:30+10:00")

	code, stdout, _ := runCLICaptured(t, "version", "--json")
	if code != exitOK {
		t.Fatalf("exit code = %d", code)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("version output is not JSON: %v (%s)", err, stdout)
	}
	if info.Version != "1.2.3" || info.Commit != "0123456789ab" || info.BuildTime != "2026-02-01T00:20:30Z" {
		t.Fatalf("unexpected version info: %+v", info)
	}
}

func TestRunCLIRootVersionFlag(t *testing.T) {
	setVersionMetadataForTest(t, "9.9.9", "abc", "unknown")
	code, stdout, _ := runCLICaptured(t, "--version")
	if code != exitOK || !strings.HasPrefix(stdout, "scriptbatch 9.9.9\n") {
		t.Fatalf("code=%d stdout=%q", code, stdout)
	}
}

func TestEngineList(t *testing.T) {
	code, stdout, _ := runCLICaptured(t, "engine", "list")
	if code != exitOK {
		t.Fatalf("exit code = %d", code)
	}
	for _, want := range []string{"node", "commonnode", "phantomjs", "rhino", "trireme"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("engine list missing %q:\n%s", want, stdout)
		}
	}
}

func TestConfigLockThenCheck(t *testing.T) {
	cfgPath := writeProject(t, map[string]string{"a.js": "a"})

	code, stdout, stderr := runCLICaptured(t, "config", "lock", "--config", cfgPath, "-v")
	if code != exitOK {
		t.Fatalf("lock exit code = %d, stderr=%s", code, stderr)
	}
	if !strings.Contains(stdout, "Locked 2 file(s)") || !strings.Contains(stdout, "build.sh") {
		t.Fatalf("unexpected lock output:\n%s", stdout)
	}

	code, stdout, stderr = runCLICaptured(t, "config", "check", "--config", cfgPath)
	if code != exitOK {
		t.Fatalf("check exit code = %d, stderr=%s", code, stderr)
	}
	if !strings.Contains(stdout, "Configuration valid (1 sources).") {
		t.Fatalf("unexpected check output:\n%s", stdout)
	}

	// Tampering with the locked script fails the check.
	script := filepath.Join(filepath.Dir(cfgPath), "build.sh")
	if err := os.WriteFile(script, []byte("exit 0\n"), 0o644); err != nil {
		t.Fatalf("rewrite script: %v", err)
	}
	code, _, stderr = runCLICaptured(t, "config", "check", "--config", cfgPath)
	if code != exitFailure || !strings.Contains(stderr, "FAILED") {
		t.Fatalf("tampered check: code=%d stderr=%q", code, stderr)
	}
}

func TestConfigCheckUsesEnvironmentPath(t *testing.T) {
	cfgPath := writeProject(t, map[string]string{"a.js": "a"})
	t.Setenv(configEnv, cfgPath)

	code, stdout, stderr := runCLICaptured(t, "config", "check")
	if code != exitOK {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr)
	}
	if !strings.Contains(stdout, "WARN  [integrity]") {
		t.Fatalf("unexpected check output:\n%s", stdout)
	}

	code, stdout, _ = runCLICaptured(t, "config", "check", "--strict", "--json")
	if code != exitProblems {
		t.Fatalf("strict exit code = %d, want %d", code, exitProblems)
	}
	if !strings.Contains(stdout, `"valid": true`) {
		t.Fatalf("unexpected JSON output:\n%s", stdout)
	}
}

func TestRunThenStatus(t *testing.T) {
	cfgPath := writeProject(t, map[string]string{"a.js": "a", "b.js": "b", "lib/c.js": "c"})

	code, stdout, stderr := runCLICaptured(t, "run", "--config", cfgPath, "--json")
	if code != exitOK {
		t.Fatalf("run exit code = %d, stderr=%s", code, stderr)
	}
	var out runOutput
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("run output is not JSON: %v (%s)", err, stdout)
	}
	if out.Status != state.RunSucceeded || out.Summary.Changed != 3 || out.Summary.OutputFiles != 3 {
		t.Fatalf("unexpected run output: %+v", out)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(cfgPath), "out", "lib", "c.js")); err != nil {
		t.Fatalf("output file not written: %v", err)
	}

	code, stdout, _ = runCLICaptured(t, "run", "--config", cfgPath, "--json")
	if code != exitOK {
		t.Fatalf("second run exit code = %d", code)
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Summary.Changed != 0 || out.Summary.Unchanged != 3 {
		t.Fatalf("second run should be a no-op: %+v", out.Summary)
	}

	code, stdout, _ = runCLICaptured(t, "status", "--config", cfgPath, "--json")
	if code != exitOK {
		t.Fatalf("status exit code = %d", code)
	}
	var st statusOutput
	if err := json.Unmarshal([]byte(stdout), &st); err != nil {
		t.Fatalf("status output is not JSON: %v (%s)", err, stdout)
	}
	if st.LockHeld || st.LatestRun == nil || st.LatestRun.ID != out.RunID || st.LatestRun.Unchanged != 3 {
		t.Fatalf("unexpected status: %+v", st)
	}

	code, stdout, _ = runCLICaptured(t, "status", "--config", cfgPath)
	if code != exitOK || !strings.Contains(stdout, "latest run: "+out.RunID) || !strings.Contains(stdout, "lock: free") {
		t.Fatalf("human status: code=%d\n%s", code, stdout)
	}
}

func TestInspectAfterRun(t *testing.T) {
	cfgPath := writeProject(t, map[string]string{"a.js": "a"})

	if code, _, stderr := runCLICaptured(t, "run", "--config", cfgPath); code != exitOK {
		t.Fatalf("run exit code = %d, stderr=%s", code, stderr)
	}

	code, stdout, stderr := runCLICaptured(t, "inspect", "a.js", "--config", cfgPath)
	if code != exitOK {
		t.Fatalf("inspect exit code = %d, stderr=%s", code, stderr)
	}
	for _, want := range []string{"Source Report", "Matches     : 1", "succeeded"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("inspect output missing %q:\n%s", want, stdout)
		}
	}

	code, _, stderr = runCLICaptured(t, "inspect", "--config", cfgPath, "nope.js")
	if code != exitFailure || !strings.Contains(stderr, "no stored state matches") {
		t.Fatalf("missing source: code=%d stderr=%s", code, stderr)
	}
}

func TestRunReportsProblemsWithExitCode(t *testing.T) {
	cfgPath := writeProject(t, map[string]string{"good.js": "ok", "bad.js": "FAIL here"})

	code, stdout, _ := runCLICaptured(t, "run", "--config", cfgPath)
	if code != exitProblems {
		t.Fatalf("exit code = %d, want %d", code, exitProblems)
	}
	if !strings.Contains(stdout, "1 error") {
		t.Fatalf("summary should count the error:\n%s", stdout)
	}
}

func TestRunRefusesWhenLockHeld(t *testing.T) {
	cfgPath := writeProject(t, map[string]string{"a.js": "a"})
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	held, err := lock.Acquire(lock.PathFor(cfg.State.Path))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release()

	code, _, stderr := runCLICaptured(t, "run", "--config", cfgPath)
	if code != exitFailure || !strings.Contains(stderr, "another run holds") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}

	code, stdout, _ := runCLICaptured(t, "status", "--config", cfgPath, "--json")
	if code != exitOK {
		t.Fatalf("status exit code = %d", code)
	}
	var st statusOutput
	if err := json.Unmarshal([]byte(stdout), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.LockHeld || st.LockPID != os.Getpid() || st.LatestRun != nil {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestServeRequiresEnabledAPI(t *testing.T) {
	cfgPath := writeProject(t, map[string]string{"a.js": "a"})
	code, _, stderr := runCLICaptured(t, "serve", "--config", cfgPath)
	if code != exitFailure || !strings.Contains(stderr, "api.enabled") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}
