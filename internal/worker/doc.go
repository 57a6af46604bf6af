// Package worker runs engine scripts in isolated subprocesses.
//
// A Registry owns every worker handle created during one run. Handles are
// addressed by a caller-chosen name and torn down explicitly; nothing is kept
// in package-level state.
//
// Lifecycle of a handle:
//   - Launch resolves the engine executable and registers the handle
//   - Execute spawns the engine with the script and its arguments and captures
//     stdout, stderr and the exit code
//   - Shutdown terminates anything still running and removes the handle
//
// Timeout handling:
//   - Each Execute carries its own timeout
//   - When it expires the process group gets SIGTERM
//   - After the registry's grace period SIGKILL is sent
//   - Execute returns *TimeoutError
//
// A non-zero exit status is not an error at this layer; it is reported in
// RawResult.ExitCode and interpreted by the protocol parser.
package worker
