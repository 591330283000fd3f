// Package check forks check and heal scripts with a bounded timeout,
// captures their merged output, and maps their exit code to a verdict. This
// mirrors the exec pattern in hashicorp/nomad's consul script checks
// (command/agent/consul/script.go): reset environment per call, log merged
// output line-by-line, and fail open on timeout.
package check

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/flickr/apollo/internal/apollostatus"
)

// HardTimeout is the ceiling imposed on every check or heal invocation.
const HardTimeout = 10 * time.Minute

// Result is the outcome of running one script.
type Result struct {
	Verdict  apollostatus.Verdict
	FastHeal bool
	Output   string

	// TimedOut is true if the hard timeout fired; the caller still sees
	// Verdict == OK per the fail-open rule.
	TimedOut bool
}

// Run forks command (already split on whitespace, argv[0] first) with env,
// waits up to HardTimeout, and maps its exit code to a Result.
//
// If argv[0] is not an executable file, Run returns WARN without forking.
func Run(ctx context.Context, argv []string, env map[string]string, log hclog.Logger) Result {
	if len(argv) == 0 {
		return Result{Verdict: apollostatus.WARN, Output: "empty command"}
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		log.Warn("script not executable", "script", argv[0], "error", err)
		return Result{Verdict: apollostatus.WARN, Output: err.Error()}
	}

	runCtx, cancel := context.WithTimeout(ctx, HardTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path, argv[1:]...)
	cmd.Env = envSlice(env)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()
	logOutput(log, argv[0], buf.String())

	if runCtx.Err() == context.DeadlineExceeded {
		log.Warn("script timed out, failing open", "script", argv[0], "timeout", HardTimeout)
		return Result{Verdict: apollostatus.OK, Output: buf.String(), TimedOut: true}
	}

	exitCode := exitCodeOf(runErr)
	verdict, fastHeal := apollostatus.Decompose(exitCode)
	return Result{Verdict: verdict, FastHeal: fastHeal, Output: buf.String()}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	// Could not even start, or killed by signal: treat as UNKNOWN.
	return int(apollostatus.UNKNOWN)
}

func logOutput(log hclog.Logger, script, output string) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		log.Debug("script output", "script", script, "line", scanner.Text())
	}
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
