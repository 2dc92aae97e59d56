package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultTimeout bounds an execution when the request does not carry
	// its own deadline.
	DefaultTimeout = 30 * time.Second

	maxStdoutBytes = 1 << 20 // 1MB
	maxStderrBytes = 256 << 10
)

// DirectExecutor runs source in a short-lived interpreter process on the
// host. No filesystem, network or memory restrictions apply; it is the
// low-latency path for trusted callers. Every call spawns a fresh process,
// so concurrent calls share nothing.
type DirectExecutor struct {
	interpreter string
	args        []string
}

// NewDirectExecutor builds an executor around the default python3
// interpreter. Unbuffered mode keeps partial output observable when a
// deadline fires mid-stream.
func NewDirectExecutor() *DirectExecutor {
	return &DirectExecutor{interpreter: "python3", args: []string{"-u", "-c"}}
}

// NewDirectExecutorWith runs source through an arbitrary interpreter
// invocation; the source is appended as the final argument.
func NewDirectExecutorWith(interpreter string, args ...string) *DirectExecutor {
	return &DirectExecutor{interpreter: interpreter, args: args}
}

// Run executes source and blocks until it finishes or the deadline fires.
// The returned result is always fully populated; Run itself never returns
// an error as a value because every failure mode maps to a result kind.
func (d *DirectExecutor) Run(ctx context.Context, source string, timeout time.Duration) ExecutionResult {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := make([]string, 0, len(d.args)+1)
	args = append(args, d.args...)
	args = append(args, source)

	cmd := exec.CommandContext(ctx, d.interpreter, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := ExecutionResult{
		Output:   truncate(stdout.String(), maxStdoutBytes),
		Duration: elapsed,
	}

	switch {
	case err == nil:
		result.Success = true
	case ctx.Err() == context.DeadlineExceeded:
		result.Kind = KindTimeout
		result.ExitCode = -1
		result.Error = "execution timed out after " + timeout.String()
		log.Warn().Dur("timeout", timeout).Msg("direct execution timed out")
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.Kind = KindRuntime
			result.ExitCode = exitErr.ExitCode()
			result.Error = truncate(stderr.String(), maxStderrBytes)
			if strings.TrimSpace(result.Error) == "" {
				result.Error = err.Error()
			}
		} else {
			result.Kind = KindInternal
			result.ExitCode = -1
			result.Error = "failed to start interpreter: " + err.Error()
			log.Error().Err(err).Str("interpreter", d.interpreter).Msg("direct execution failed to start")
		}
	}

	return result
}

// truncate caps s at limit bytes, appending a marker when output was cut.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... [output truncated]"
}
