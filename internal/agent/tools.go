package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/sift-analytics/sift/internal/domain"
	"github.com/sift-analytics/sift/internal/executor"
	"github.com/sift-analytics/sift/internal/llm"
	"github.com/sift-analytics/sift/internal/plan"
	"github.com/sift-analytics/sift/internal/policy"
	"github.com/sift-analytics/sift/internal/registry"
	"github.com/sift-analytics/sift/internal/runner"
)

// Tool names offered to the planner.
const (
	toolListDatasets     = "list_datasets"
	toolGetDatasetSchema = "get_dataset_schema"
	toolExecuteSQL       = "execute_sql"
	toolExecuteQueryPlan = "execute_query_plan"
	toolExecutePython    = "execute_python"
)

// execRecord captures one execution-tool invocation. The last record of
// a turn determines the capsule's query mode and artifacts.
type execRecord struct {
	RunID       string
	Mode        domain.QueryMode
	CompiledSQL string
	PlanJSON    string
	PythonCode  string
	Result      *runner.Result
	Err         *domain.RunError
}

// toolbox dispatches planner tool calls against the runtime
// dependencies of a single turn.
type toolbox struct {
	registry *registry.Registry
	exec     executor.Executor
	compiler *plan.Compiler
	cfg      Config
}

// definitions returns the tool schemas offered to the planner.
func (tb *toolbox) definitions() []llm.ToolDefinition {
	datasetProp := `"dataset_id": {"type": "string", "description": "Registered dataset id"}`
	return []llm.ToolDefinition{
		{
			Name:        toolListDatasets,
			Description: "List the available datasets with their ids and names.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        toolGetDatasetSchema,
			Description: "Get the table schemas and a few sample rows for a dataset.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {` + datasetProp + `}, "required": ["dataset_id"]}`),
		},
		{
			Name:        toolExecuteSQL,
			Description: "Run a single read-only SELECT statement against the dataset tables. No DDL, DML, or semicolons.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {` + datasetProp + `, "sql": {"type": "string"}}, "required": ["dataset_id", "sql"]}`),
		},
		{
			Name:        toolExecuteQueryPlan,
			Description: "Compile a structured query plan to SQL and run it. Preferred over raw SQL for aggregations.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {` + datasetProp + `, "plan": {"type": "object"}}, "required": ["dataset_id", "plan"]}`),
		},
		{
			Name:        toolExecutePython,
			Description: "Run a short pandas script against the dataset CSVs. Assign the answer to a variable named result.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {` + datasetProp + `, "python_code": {"type": "string"}}, "required": ["dataset_id", "python_code"]}`),
		},
	}
}

// dispatch runs one tool call. The returned string is fed back to the
// planner verbatim; rec is non-nil only for execution tools.
func (tb *toolbox) dispatch(ctx context.Context, call llm.ToolCall) (string, *execRecord) {
	var args struct {
		DatasetID  string          `json:"dataset_id"`
		SQL        string          `json:"sql"`
		Plan       json.RawMessage `json:"plan"`
		PythonCode string          `json:"python_code"`
	}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return errString(domain.NewRunError(domain.ErrValidation, "invalid tool arguments: %v", err)), nil
		}
	}

	switch call.Name {
	case toolListDatasets:
		return tb.listDatasets(), nil
	case toolGetDatasetSchema:
		return tb.datasetSchema(args.DatasetID), nil
	case toolExecuteSQL:
		return tb.executeSQL(ctx, args.DatasetID, args.SQL)
	case toolExecuteQueryPlan:
		return tb.executePlan(ctx, args.DatasetID, args.Plan)
	case toolExecutePython:
		return tb.executePython(ctx, args.DatasetID, args.PythonCode)
	default:
		return errString(domain.NewRunError(domain.ErrValidation, "unknown tool %q", call.Name)), nil
	}
}

func (tb *toolbox) listDatasets() string {
	type entry struct {
		ID             string   `json:"id"`
		Name           string   `json:"name"`
		ExamplePrompts []string `json:"example_prompts,omitempty"`
	}
	var out []entry
	for _, ds := range tb.registry.List() {
		out = append(out, entry{ID: ds.ID, Name: ds.Name, ExamplePrompts: ds.ExamplePrompts})
	}
	raw, _ := json.Marshal(out)
	return string(raw)
}

func (tb *toolbox) datasetSchema(datasetID string) string {
	ds := tb.registry.Get(datasetID)
	if ds == nil {
		return errString(domain.NewRunError(domain.ErrValidation, "unknown dataset %q", datasetID))
	}
	out := tb.registry.SchemaSummary(datasetID)
	for _, f := range ds.Files {
		rows, err := tb.registry.SampleRows(datasetID, f.Name, 3)
		if err != nil || len(rows) == 0 {
			continue
		}
		out += fmt.Sprintf("\nsample rows of %s:", plan.TableName(f.Name))
		for _, row := range rows {
			raw, _ := json.Marshal(row)
			out += "\n  " + string(raw)
		}
	}
	return out
}

// executeSQL normalizes dataset-qualified references, applies the SQL
// policy, and submits to the sandbox.
func (tb *toolbox) executeSQL(ctx context.Context, datasetID, sql string) (string, *execRecord) {
	rec := &execRecord{RunID: uuid.New().String(), Mode: domain.QueryModeSQL}

	if tb.registry.Get(datasetID) == nil {
		rec.Err = domain.NewRunError(domain.ErrValidation, "unknown dataset %q", datasetID)
		return errString(rec.Err), rec
	}

	normalized := policy.NormalizeDatasetRefs(sql, datasetID)
	rec.CompiledSQL = normalized
	if err := policy.ValidateSQL(normalized); err != nil {
		rec.Err = asRunError(err)
		return errString(rec.Err), rec
	}
	return tb.submit(ctx, rec, &runner.Request{
		RunID:     rec.RunID,
		DatasetID: datasetID,
		QueryType: runner.QueryTypeSQL,
		SQL:       normalized,
	})
}

// executePlan parses and compiles the structured plan, then runs the
// emitted SQL through the normal SQL path guarantees.
func (tb *toolbox) executePlan(ctx context.Context, datasetID string, rawPlan json.RawMessage) (string, *execRecord) {
	rec := &execRecord{RunID: uuid.New().String(), Mode: domain.QueryModePlan, PlanJSON: string(rawPlan)}

	ds := tb.registry.Get(datasetID)
	if ds == nil {
		rec.Err = domain.NewRunError(domain.ErrValidation, "unknown dataset %q", datasetID)
		return errString(rec.Err), rec
	}

	p, err := plan.Parse(rawPlan)
	if err != nil {
		rec.Err = asRunError(err)
		return errString(rec.Err), rec
	}
	sql, err := tb.compiler.Compile(p, ds)
	if err != nil {
		rec.Err = asRunError(err)
		return errString(rec.Err), rec
	}
	rec.CompiledSQL = sql
	return tb.submit(ctx, rec, &runner.Request{
		RunID:     rec.RunID,
		DatasetID: datasetID,
		QueryType: runner.QueryTypeSQL,
		SQL:       sql,
	})
}

// executePython gates on configuration, applies the AST policy, and
// submits. The sandbox is never started for rejected code.
func (tb *toolbox) executePython(ctx context.Context, datasetID, code string) (string, *execRecord) {
	rec := &execRecord{RunID: uuid.New().String(), Mode: domain.QueryModePython, PythonCode: code}

	if !tb.cfg.EnablePython {
		rec.Err = domain.NewRunError(domain.ErrFeatureDisabled, "python execution is disabled")
		return errString(rec.Err), rec
	}
	if ds := tb.registry.Get(datasetID); ds == nil {
		rec.Err = domain.NewRunError(domain.ErrValidation, "unknown dataset %q", datasetID)
		return errString(rec.Err), rec
	}
	if err := policy.ValidatePython(ctx, code); err != nil {
		rec.Err = asRunError(err)
		return errString(rec.Err), rec
	}
	return tb.submit(ctx, rec, &runner.Request{
		RunID:      rec.RunID,
		DatasetID:  datasetID,
		QueryType:  runner.QueryTypePython,
		PythonCode: code,
	})
}

// submit fills the shared request bounds and runs the sandbox.
func (tb *toolbox) submit(ctx context.Context, rec *execRecord, req *runner.Request) (string, *execRecord) {
	req.Files = tb.registry.RunnerFiles(req.DatasetID)
	req.TimeoutSeconds = tb.cfg.RunTimeoutSeconds
	req.MaxRows = tb.cfg.MaxRows
	req.MaxOutputBytes = tb.cfg.MaxOutputBytes

	res, err := tb.exec.Execute(ctx, req)
	if err != nil {
		rec.Err = asRunError(err)
		return errString(rec.Err), rec
	}
	rec.Result = res
	if res.Error != nil {
		rec.Err = &domain.RunError{Kind: domain.ErrorKind(res.Error.Type), Message: res.Error.Message}
	}
	raw, _ := json.Marshal(res)
	return string(raw), rec
}

// errString serializes a policy or validation failure for the planner.
// The structure lets the model distinguish error kinds and retry.
func errString(err *domain.RunError) string {
	raw, _ := json.Marshal(map[string]any{"error": err})
	return string(raw)
}

func asRunError(err error) *domain.RunError {
	var re *domain.RunError
	if errors.As(err, &re) {
		return re
	}
	return domain.NewRunError(domain.ErrRunnerInternal, "%v", err)
}
