// Package plan runs `terraform plan` against a materialized state file and
// decides, as early as possible, whether the workspace has drifted.
package plan

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/yairfalse/terradrift/internal/telemetry"
)

const (
	// EnvStatePath carries the materialized state path to terraform.
	EnvStatePath = "TERRADRIFT_STATE_PATH"

	stderrTail       = 8 << 10
	defaultWaitDelay = 5 * time.Second
)

// Phase is the runner's lifecycle stage.
type Phase int

const (
	PhaseStarting Phase = iota
	PhaseStreaming
	PhaseDeciding
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseStreaming:
		return "streaming"
	case PhaseDeciding:
		return "deciding"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Request describes one plan invocation.
type Request struct {
	Binary     string
	StatePath  string
	WorkingDir string
	Workspace  string
}

// Result is the interpreted outcome of a plan.
type Result struct {
	Drift            bool
	ChangedResources int
	// ExitCode is -1 when the process was terminated by a signal,
	// including the runner's own early kill.
	ExitCode  int
	EarlyExit bool
	Records   int
	Skipped   int
	Duration  time.Duration
}

// ExitError reports a plan that failed without showing any change.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("terraform plan exited with code %d", e.Code)
	if tail := strings.TrimSpace(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// Runner executes terraform plan processes. It holds no per-plan state and
// is safe for concurrent use.
type Runner struct {
	waitDelay time.Duration
	logger    *telemetry.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithWaitDelay bounds how long Wait blocks on output pipes held open by
// orphaned grandchildren after the terraform process itself has exited.
func WithWaitDelay(d time.Duration) RunnerOption {
	return func(r *Runner) { r.waitDelay = d }
}

// NewRunner creates a Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		waitDelay: defaultWaitDelay,
		logger:    telemetry.NewLogger("plan"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Args returns the terraform arguments for req.
func Args(req Request) []string {
	args := make([]string, 0, 10)
	if req.WorkingDir != "" {
		args = append(args, "-chdir="+req.WorkingDir)
	}
	return append(args,
		"plan",
		"-input=false",
		"-no-color",
		"-refresh=true",
		"-json",
		"-detailed-exitcode",
		"-lock=false",
		"-state="+req.StatePath,
	)
}

// Run plans req and returns as soon as drift is known. The process is killed
// after the first change record is seen.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	logger := r.logger.With("workspace", req.Workspace).WithContext(ctx)
	logger.Debug().Stringer("phase", PhaseStarting).Str("binary", req.Binary).Msg("launching plan")

	cmd := exec.CommandContext(ctx, req.Binary, Args(req)...) // #nosec G204 -- binary comes from the runtime manager
	cmd.Env = append(os.Environ(),
		EnvStatePath+"="+req.StatePath,
		"TF_IN_AUTOMATION=1",
	)
	cmd.WaitDelay = r.waitDelay

	stderr := newTailBuffer(stderrTail)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe plan output: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start terraform: %w", err)
	}

	// grandchildren may keep stdout open after a cancelled terraform dies
	streamed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = stdout.Close()
		case <-streamed:
		}
	}()

	res := &Result{}
	logger.Debug().Stringer("phase", PhaseStreaming).Msg("reading plan output")
	r.stream(bufio.NewReader(stdout), res)
	close(streamed)

	if res.ChangedResources > 0 {
		logger.Debug().Stringer("phase", PhaseDeciding).Int("records", res.Records).Msg("change observed, stopping plan")
		if err := cmd.Process.Kill(); err == nil {
			res.EarlyExit = true
		}
	}

	waitErr := cmd.Wait()
	res.Duration = time.Since(start)
	if cmd.ProcessState == nil {
		return nil, fmt.Errorf("wait terraform: %w", waitErr)
	}
	res.ExitCode = cmd.ProcessState.ExitCode()
	res.Drift = res.ExitCode == 2 || res.ChangedResources > 0

	logger.Debug().
		Stringer("phase", PhaseTerminated).
		Int("exit_code", res.ExitCode).
		Bool("drift", res.Drift).
		Bool("early_exit", res.EarlyExit).
		Int("skipped", res.Skipped).
		Dur("duration", res.Duration).
		Msg("plan finished")

	if res.Drift {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("plan interrupted: %w", ctx.Err())
	}
	if res.ExitCode != 0 {
		return nil, &ExitError{Code: res.ExitCode, Stderr: stderr.String()}
	}
	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return nil, fmt.Errorf("wait terraform: %w", waitErr)
	}
	return res, nil
}

// stream consumes plan output until the first change or end of stream.
func (r *Runner) stream(rd *bufio.Reader, res *Result) {
	for {
		line, readErr := rd.ReadBytes('\n')
		if len(line) > 0 {
			n, err := CountChanges(line)
			switch {
			case errors.Is(err, errEmptyLine):
			case err != nil:
				res.Skipped++
			default:
				res.Records++
				res.ChangedResources += n
			}
			if res.ChangedResources > 0 {
				return
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				r.logger.Debug().Err(readErr).Msg("plan output closed")
			}
			return
		}
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
