// Package domain holds the core types shared across siftd: datasets,
// run capsules, thread messages, statuses, and the error taxonomy.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a sandbox run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusRejected  RunStatus = "rejected"
	RunStatusTimedOut  RunStatus = "timed_out"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusRejected, RunStatusTimedOut, RunStatusCancelled:
		return true
	}
	return false
}

// QueryMode describes how a capsule's query was produced.
type QueryMode string

const (
	QueryModeSQL    QueryMode = "sql"
	QueryModePlan   QueryMode = "plan"
	QueryModePython QueryMode = "python"
	QueryModeChat   QueryMode = "chat"
)

// ErrorKind classifies run failures. Kinds are stable machine-readable
// strings recorded in capsules and surfaced to clients.
type ErrorKind string

const (
	ErrValidation            ErrorKind = "VALIDATION_ERROR"
	ErrPlanValidation        ErrorKind = "PLAN_VALIDATION_ERROR"
	ErrSQLPolicyViolation    ErrorKind = "SQL_POLICY_VIOLATION"
	ErrPythonPolicyViolation ErrorKind = "PYTHON_POLICY_VIOLATION"
	ErrExfilHeuristic        ErrorKind = "EXFIL_HEURISTIC"
	ErrRunnerTimeout         ErrorKind = "RUNNER_TIMEOUT"
	ErrRunnerResource        ErrorKind = "RUNNER_RESOURCE_EXCEEDED"
	ErrPythonExecution       ErrorKind = "PYTHON_EXECUTION_ERROR"
	ErrRunnerInternal        ErrorKind = "RUNNER_INTERNAL_ERROR"
	ErrFeatureDisabled       ErrorKind = "FEATURE_DISABLED"
	ErrBudgetExceeded        ErrorKind = "BUDGET_EXCEEDED"
	ErrBackendUnavailable    ErrorKind = "BACKEND_UNAVAILABLE"
)

// RunError is a classified error produced anywhere in the run pipeline.
// Policy gates, executors, and the agent loop all report failures as
// RunErrors so the capsule can record a machine-readable kind.
type RunError struct {
	Kind    ErrorKind `json:"type"`
	Message string    `json:"message"`
}

// NewRunError builds a RunError with a formatted message.
func NewRunError(kind ErrorKind, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ColumnSchema is one column of a dataset file.
type ColumnSchema struct {
	Column string `json:"column"`
	Type   string `json:"type"`
}

// DatasetFile is a single CSV file of a dataset. Path is the host path;
// sandboxes see the file under /data.
type DatasetFile struct {
	Name   string         `json:"name"`
	Path   string         `json:"path"`
	Schema []ColumnSchema `json:"schema"`
}

// Dataset describes one registered dataset. Immutable after registry load.
type Dataset struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Files          []DatasetFile `json:"files"`
	VersionHash    string        `json:"version_hash"`
	ExamplePrompts []string      `json:"example_prompts,omitempty"`
}

// Capsule is the immutable audit record of one submission. Created once
// per accepted submission, never mutated.
type Capsule struct {
	RunID              string          `json:"run_id"`
	ThreadID           string          `json:"thread_id"`
	CreatedAt          time.Time       `json:"created_at"`
	DatasetID          string          `json:"dataset_id"`
	DatasetVersionHash string          `json:"dataset_version_hash,omitempty"`
	Question           string          `json:"question"`
	QueryMode          QueryMode       `json:"query_mode"`
	PlanJSON           json.RawMessage `json:"plan_json,omitempty"`
	CompiledSQL        string          `json:"compiled_sql,omitempty"`
	PythonCode         string          `json:"python_code,omitempty"`
	Status             RunStatus       `json:"status"`
	ResultJSON         json.RawMessage `json:"result_json,omitempty"`
	ErrorJSON          json.RawMessage `json:"error_json,omitempty"`
	ExecTimeMS         int64           `json:"exec_time_ms"`
}

// ThreadMessage is one persisted user/assistant message in a thread.
// Tool and tool-result messages are ephemeral to a turn and are not
// stored here; they live in the capsule.
type ThreadMessage struct {
	ID        int64     `json:"id,omitempty"`
	ThreadID  string    `json:"thread_id"`
	TS        time.Time `json:"ts"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	DatasetID string    `json:"dataset_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
