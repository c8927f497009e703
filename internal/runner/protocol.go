// Package runner defines the JSON protocol spoken between siftd and the
// interpreter process inside a sandbox. The runner reads exactly one
// request document from stdin and writes exactly one result document to
// stdout; stderr carries diagnostics. Exit code is always 0 — transport
// failure is inferred from the absence of a valid stdout document.
package runner

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/sift-analytics/sift/internal/domain"
)

// Query types carried in Request.QueryType.
const (
	QueryTypeSQL    = "sql"
	QueryTypePython = "python"
)

// Runner result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// File is one dataset file visible inside the sandbox. Path is the
// in-sandbox absolute path, always rooted at /data.
type File struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Request is the document delivered to the runner on stdin. Exactly one
// of SQL / PythonCode is set, matching QueryType.
type Request struct {
	RunID          string `json:"-"`
	DatasetID      string `json:"dataset_id"`
	Files          []File `json:"files"`
	QueryType      string `json:"query_type"`
	SQL            string `json:"sql,omitempty"`
	PythonCode     string `json:"python_code,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRows        int    `json:"max_rows"`
	MaxOutputBytes int    `json:"max_output_bytes"`
}

// Validate checks the request shape before submission.
func (r *Request) Validate() error {
	if r.DatasetID == "" {
		return domain.NewRunError(domain.ErrValidation, "dataset_id is required")
	}
	switch r.QueryType {
	case QueryTypeSQL:
		if r.SQL == "" {
			return domain.NewRunError(domain.ErrValidation, "sql is required for query_type sql")
		}
	case QueryTypePython:
		if r.PythonCode == "" {
			return domain.NewRunError(domain.ErrValidation, "python_code is required for query_type python")
		}
	default:
		return domain.NewRunError(domain.ErrValidation, "unknown query_type %q", r.QueryType)
	}
	if r.TimeoutSeconds <= 0 {
		return domain.NewRunError(domain.ErrValidation, "timeout_seconds must be positive")
	}
	return nil
}

// ErrorInfo is the error object inside a runner result.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Result is the document the runner writes to stdout, and the normalized
// shape every executor backend returns regardless of outcome.
type Result struct {
	Status      string     `json:"status"`
	Columns     []string   `json:"columns"`
	Rows        [][]any    `json:"rows"`
	RowCount    int        `json:"row_count"`
	ExecTimeMS  int64      `json:"exec_time_ms"`
	StdoutTrunc string     `json:"stdout_trunc"`
	StderrTrunc string     `json:"stderr_trunc"`
	Error       *ErrorInfo `json:"error"`
	Truncated   bool       `json:"truncated,omitempty"`
}

// RunStatus maps the runner-level status to a capsule status.
func (r *Result) RunStatus() domain.RunStatus {
	switch r.Status {
	case StatusSuccess:
		return domain.RunStatusSucceeded
	case StatusTimeout:
		return domain.RunStatusTimedOut
	default:
		return domain.RunStatusFailed
	}
}

// TimeoutResult synthesizes the result used when the sandbox did not
// produce a valid stdout document within the deadline.
func TimeoutResult(timeoutSeconds int) *Result {
	return &Result{
		Status:     StatusTimeout,
		Columns:    []string{},
		Rows:       [][]any{},
		ExecTimeMS: int64(timeoutSeconds) * 1000,
		Error: &ErrorInfo{
			Type:    string(domain.ErrRunnerTimeout),
			Message: fmt.Sprintf("run exceeded %d second limit", timeoutSeconds),
		},
	}
}

// ErrorResult synthesizes a failed result with the given error kind.
func ErrorResult(kind domain.ErrorKind, message string) *Result {
	return &Result{
		Status:  StatusError,
		Columns: []string{},
		Rows:    [][]any{},
		Error:   &ErrorInfo{Type: string(kind), Message: message},
	}
}

// ParseResult extracts the runner result from raw sandbox output. The
// output may interleave diagnostics with the result document (cluster
// pod logs do), so it scans lines from the end and returns the last
// valid JSON object carrying a "status" key.
func ParseResult(output []byte) (*Result, error) {
	lines := bytes.Split(bytes.TrimSpace(output), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var res Result
		if err := json.Unmarshal(line, &res); err != nil {
			continue
		}
		if res.Status == "" {
			continue
		}
		return &res, nil
	}
	return nil, fmt.Errorf("no runner result document in %d bytes of output", len(output))
}

// Shape enforces the output bounds on a result in place. Rows are capped
// at maxRows, then — while the serialized document still exceeds
// maxOutputBytes — the row set is halved from the tail and re-measured.
// Any reduction sets Truncated; status is left untouched. Stdout/stderr
// captures are each capped at maxOutputBytes from the tail.
func Shape(res *Result, maxRows, maxOutputBytes int) {
	if maxRows > 0 && len(res.Rows) > maxRows {
		res.Rows = res.Rows[:maxRows]
		res.Truncated = true
	}
	res.StdoutTrunc = CapString(res.StdoutTrunc, maxOutputBytes)
	res.StderrTrunc = CapString(res.StderrTrunc, maxOutputBytes)
	if maxOutputBytes <= 0 {
		return
	}
	for len(res.Rows) > 0 {
		b, err := json.Marshal(res)
		if err != nil || len(b) <= maxOutputBytes {
			return
		}
		res.Rows = res.Rows[:len(res.Rows)/2]
		res.Truncated = true
	}
}

// CapString truncates s to at most max bytes, dropping from the tail and
// marking the cut. Strings within the budget pass through unchanged.
func CapString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	const marker = "...[truncated]"
	if max <= len(marker) {
		return s[:max]
	}
	return s[:max-len(marker)] + marker
}
