package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/sift-analytics/sift/internal/domain"
	"github.com/sift-analytics/sift/internal/runner"
)

// Runner entrypoint scripts baked into the runner image.
const (
	sqlRunnerScript    = "/opt/runner/runner_sql.py"
	pythonRunnerScript = "/opt/runner/runner_python.py"
)

// timeoutGrace is added on top of the request timeout before the
// orchestrator gives up on the sandbox and synthesizes RUNNER_TIMEOUT.
const timeoutGrace = 5 * time.Second

// LocalConfig configures the local-container backend.
type LocalConfig struct {
	Image       string
	DatasetsDir string

	// Resource limits per container.
	MemoryMB  int     // default 512
	CPUs      float64 // default 0.5
	PidsLimit int     // default 64
	TmpfsMB   int     // default 64
}

func (c *LocalConfig) applyDefaults() {
	if c.MemoryMB <= 0 {
		c.MemoryMB = 512
	}
	if c.CPUs <= 0 {
		c.CPUs = 0.5
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = 64
	}
	if c.TmpfsMB <= 0 {
		c.TmpfsMB = 64
	}
}

// Local runs each submission in a short-lived hardened container: no
// network, read-only rootfs, dropped capabilities, non-root UID, and a
// small noexec tmpfs as the only writable region. The request document
// goes in over stdin; the result comes back on stdout.
type Local struct {
	cfg  LocalConfig
	bin  string
	runs *tracker

	// runCommand executes the container process; replaced in tests.
	runCommand func(ctx context.Context, name string, args []string, stdin []byte) (stdout, stderr []byte, err error)
}

// NewLocal creates the local-container executor.
func NewLocal(cfg LocalConfig) *Local {
	cfg.applyDefaults()
	e := &Local{cfg: cfg, bin: "docker", runs: newTracker()}
	e.runCommand = e.execCommand
	return e
}

func (e *Local) Name() string { return "local" }

func (e *Local) Execute(ctx context.Context, req *runner.Request) (*runner.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal runner request: %w", err)
	}

	deadline := time.Duration(req.TimeoutSeconds)*time.Second + timeoutGrace
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	e.runs.start(runID, cancel)

	args := e.buildArgs(runID, req.QueryType)
	start := time.Now()
	stdout, stderr, runErr := e.runCommand(runCtx, e.bin, args, payload)

	res := e.classify(runCtx, req, runID, stdout, stderr, runErr, start)
	runner.Shape(res, req.MaxRows, req.MaxOutputBytes)
	e.runs.finish(runID, res)
	return res, nil
}

// classify normalizes every container outcome into a runner result.
func (e *Local) classify(ctx context.Context, req *runner.Request, runID string, stdout, stderr []byte, runErr error, start time.Time) *runner.Result {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		e.kill(runID)
		slog.Warn("local run timed out", "run_id", runID, "timeout_seconds", req.TimeoutSeconds)
		return runner.TimeoutResult(req.TimeoutSeconds)
	case e.runs.cancelled(runID):
		return runner.ErrorResult(domain.ErrRunnerInternal, "run cancelled")
	}

	res, err := runner.ParseResult(stdout)
	if err != nil {
		msg := fmt.Sprintf("no result document from container: %v", err)
		if runErr != nil {
			msg = fmt.Sprintf("container failed: %v", runErr)
		}
		slog.Error("local run produced no result", "run_id", runID, "error", msg,
			"stderr", runner.CapString(string(stderr), 512))
		out := runner.ErrorResult(domain.ErrRunnerInternal, msg)
		out.StderrTrunc = string(stderr)
		out.ExecTimeMS = time.Since(start).Milliseconds()
		return out
	}
	if res.ExecTimeMS == 0 {
		res.ExecTimeMS = time.Since(start).Milliseconds()
	}
	return res
}

// buildArgs assembles the docker run invocation with the hardened flags.
func (e *Local) buildArgs(runID, queryType string) []string {
	script := sqlRunnerScript
	if queryType == runner.QueryTypePython {
		script = pythonRunnerScript
	}
	return []string{
		"run", "--rm", "-i",
		"--name", containerName(runID),
		"--network", "none",
		"--read-only",
		"--tmpfs", fmt.Sprintf("/tmp:rw,noexec,nosuid,size=%dm", e.cfg.TmpfsMB),
		"-v", e.cfg.DatasetsDir + ":/data:ro",
		"--memory", fmt.Sprintf("%dm", e.cfg.MemoryMB),
		"--cpus", fmt.Sprintf("%g", e.cfg.CPUs),
		"--pids-limit", fmt.Sprintf("%d", e.cfg.PidsLimit),
		"--user", "65534:65534",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--entrypoint", "python3",
		e.cfg.Image,
		script,
	}
}

func containerName(runID string) string { return "sift-run-" + runID }

func (e *Local) execCommand(ctx context.Context, name string, args []string, stdin []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// kill force-removes the named container. Best-effort; --rm normally
// removes it already.
func (e *Local) kill(runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _, _ = e.runCommand(ctx, e.bin, []string{"rm", "-f", containerName(runID)}, nil)
}

func (e *Local) Status(runID string) domain.RunStatus { return e.runs.getStatus(runID) }
func (e *Local) Result(runID string) *runner.Result   { return e.runs.getResult(runID) }

func (e *Local) Cancel(_ context.Context, runID string) error {
	e.runs.cancel(runID)
	e.kill(runID)
	return nil
}

func (e *Local) Cleanup(runID string) { e.runs.cleanup(runID) }
