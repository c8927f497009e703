package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/sift-analytics/sift/internal/domain"
	"github.com/sift-analytics/sift/internal/runner"
)

// RemoteConfig configures the remote-sandbox backend.
type RemoteConfig struct {
	URL       string
	Token     string
	Namespace string
	Image     string
	MemoryMB  int
	CPUs      float64

	// StartAttempts bounds retries for sandbox.start/sandbox.stop.
	// Exec is never retried: user-visible work is not idempotent.
	StartAttempts int           // default 3
	BackoffBase   time.Duration // default 500ms

	// CLIFallback enables the explicit local-CLI fallback used only when
	// start fails with a retryable startup error. Off in production
	// profiles.
	CLIFallback bool
	CLIBin      string // default "msb"
}

func (c *RemoteConfig) applyDefaults() {
	if c.StartAttempts <= 0 {
		c.StartAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.CLIBin == "" {
		c.CLIBin = "msb"
	}
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 512
	}
	if c.CPUs <= 0 {
		c.CPUs = 1
	}
}

// Remote drives a sandbox service over JSON-RPC 2.0 with a three-call
// lifecycle per submission: start (create the named sandbox), run
// (invoke the interpreter with the request on stdin), stop (destroy).
type Remote struct {
	cfg    RemoteConfig
	client *http.Client
	runs   *tracker

	// runCLI executes the fallback binary; replaced in tests.
	runCLI func(ctx context.Context, bin string, args []string, stdin []byte) ([]byte, []byte, error)
}

// NewRemote creates the remote-sandbox executor.
func NewRemote(cfg RemoteConfig) *Remote {
	cfg.applyDefaults()
	e := &Remote{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		runs:   newTracker(),
	}
	e.runCLI = runCLICommand
	return e
}

func (e *Remote) Name() string { return "remote" }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type sandboxRunResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

func (e *Remote) Execute(ctx context.Context, req *runner.Request) (*runner.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	sandbox := "sift-run-" + runID

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal runner request: %w", err)
	}

	deadline := time.Duration(req.TimeoutSeconds)*time.Second + timeoutGrace
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	e.runs.start(runID, cancel)

	res := e.run(runCtx, req, sandbox, payload)
	runner.Shape(res, req.MaxRows, req.MaxOutputBytes)
	e.runs.finish(runID, res)
	return res, nil
}

func (e *Remote) run(ctx context.Context, req *runner.Request, sandbox string, payload []byte) *runner.Result {
	script := sqlRunnerScript
	if req.QueryType == runner.QueryTypePython {
		script = pythonRunnerScript
	}

	if err := e.callWithRetry(ctx, "sandbox.start", map[string]any{
		"namespace": e.cfg.Namespace,
		"sandbox":   sandbox,
		"config": map[string]any{
			"image":   e.cfg.Image,
			"memory":  e.cfg.MemoryMB,
			"cpus":    e.cfg.CPUs,
			"volumes": []string{"datasets:/data:ro"},
		},
	}, nil); err != nil {
		if e.cfg.CLIFallback && retryableStartError(err) {
			slog.Warn("remote sandbox start failed, using CLI fallback", "sandbox", sandbox, "error", err)
			return e.fallback(ctx, req, script, payload)
		}
		return runner.ErrorResult(domain.ErrBackendUnavailable,
			fmt.Sprintf("sandbox start failed: %v", err))
	}
	defer e.stop(sandbox)

	// Exec exactly once.
	var out sandboxRunResult
	start := time.Now()
	err := e.call(ctx, "sandbox.run", map[string]any{
		"namespace": e.cfg.Namespace,
		"sandbox":   sandbox,
		"command":   []string{"python3", script},
		"stdin":     string(payload),
	}, &out)
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return runner.TimeoutResult(req.TimeoutSeconds)
	case err != nil:
		return runner.ErrorResult(domain.ErrRunnerInternal,
			fmt.Sprintf("sandbox exec failed: %v", err))
	}

	res, perr := runner.ParseResult([]byte(out.Stdout))
	if perr != nil {
		r := runner.ErrorResult(domain.ErrRunnerInternal,
			fmt.Sprintf("sandbox produced no result document: %v", perr))
		r.StderrTrunc = out.Stderr
		return r
	}
	if res.ExecTimeMS == 0 {
		res.ExecTimeMS = time.Since(start).Milliseconds()
	}
	return res
}

// fallback runs the submission through the local sandbox CLI. It
// installs nothing and exists only for classified startup failures.
func (e *Remote) fallback(ctx context.Context, req *runner.Request, script string, payload []byte) *runner.Result {
	args := []string{"exe", "--image", e.cfg.Image, "--", "python3", script}
	stdout, stderr, err := e.runCLI(ctx, e.cfg.CLIBin, args, payload)
	if ctx.Err() == context.DeadlineExceeded {
		return runner.TimeoutResult(req.TimeoutSeconds)
	}
	if err != nil {
		return runner.ErrorResult(domain.ErrBackendUnavailable,
			fmt.Sprintf("CLI fallback failed: %v", err))
	}
	res, perr := runner.ParseResult(stdout)
	if perr != nil {
		r := runner.ErrorResult(domain.ErrRunnerInternal,
			fmt.Sprintf("CLI fallback produced no result document: %v", perr))
		r.StderrTrunc = string(stderr)
		return r
	}
	return res
}

func (e *Remote) stop(sandbox string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.callWithRetry(ctx, "sandbox.stop", map[string]any{
		"namespace": e.cfg.Namespace,
		"sandbox":   sandbox,
	}, nil); err != nil {
		slog.Warn("sandbox stop failed", "sandbox", sandbox, "error", err)
	}
}

// call performs one JSON-RPC request.
func (e *Remote) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL+"/api/v1/rpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.cfg.Token)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &rpcError{Code: -32000, Message: fmt.Sprintf("server status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode rpc result: %w", err)
		}
	}
	return nil
}

// callWithRetry retries start/stop calls with exponential backoff and
// jitter. Only transport-level and server-side failures are retried.
func (e *Remote) callWithRetry(ctx context.Context, method string, params any, result any) error {
	var lastErr error
	backoff := e.cfg.BackoffBase
	for attempt := 1; attempt <= e.cfg.StartAttempts; attempt++ {
		lastErr = e.call(ctx, method, params, result)
		if lastErr == nil {
			return nil
		}
		if !retryableStartError(lastErr) || attempt == e.cfg.StartAttempts {
			return lastErr
		}
		jitter := time.Duration(rand.Int64N(int64(backoff) / 2))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
	}
	return lastErr
}

// retryableStartError classifies failures worth retrying: transport
// errors and server-side RPC failures. Application-level RPC errors
// (bad params, auth) are terminal.
func retryableStartError(err error) bool {
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code <= -32000
	}
	// transport error
	return true
}

func runCLICommand(ctx context.Context, bin string, args []string, stdin []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func (e *Remote) Status(runID string) domain.RunStatus { return e.runs.getStatus(runID) }
func (e *Remote) Result(runID string) *runner.Result   { return e.runs.getResult(runID) }

func (e *Remote) Cancel(_ context.Context, runID string) error {
	e.runs.cancel(runID)
	e.stop("sift-run-" + runID)
	return nil
}

func (e *Remote) Cleanup(runID string) { e.runs.cleanup(runID) }
