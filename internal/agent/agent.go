package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sift-analytics/sift/internal/domain"
	"github.com/sift-analytics/sift/internal/executor"
	"github.com/sift-analytics/sift/internal/llm"
	"github.com/sift-analytics/sift/internal/plan"
	"github.com/sift-analytics/sift/internal/registry"
	"github.com/sift-analytics/sift/internal/runner"
	"github.com/sift-analytics/sift/internal/store"
)

// ErrDatasetNotFound is returned by Run/Stream for an unregistered
// dataset id, before any turn state is created.
var ErrDatasetNotFound = fmt.Errorf("dataset not found")

// Config bounds one turn of the loop.
type Config struct {
	RunTimeoutSeconds int
	MaxRows           int
	MaxOutputBytes    int
	EnablePython      bool

	// HistoryWindow is the number of prior thread messages loaded into
	// the planner context.
	HistoryWindow int

	// MaxToolCalls bounds planner tool dispatches per turn. Exceeding it
	// terminates the turn with BUDGET_EXCEEDED.
	MaxToolCalls int
}

func (c *Config) applyDefaults() {
	if c.RunTimeoutSeconds <= 0 {
		c.RunTimeoutSeconds = 30
	}
	if c.MaxRows <= 0 {
		c.MaxRows = 1000
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 1 << 20
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 10
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = 6
	}
}

// Planner is the completion client consumed by the loop.
type Planner interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// TurnRequest is one user submission.
type TurnRequest struct {
	DatasetID string `json:"dataset_id"`
	Message   string `json:"message"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// Details carries the capsule artifacts of the turn's execution.
type Details struct {
	DatasetID   string `json:"dataset_id"`
	QueryMode   string `json:"query_mode"`
	PlanJSON    string `json:"plan_json,omitempty"`
	CompiledSQL string `json:"compiled_sql,omitempty"`
	PythonCode  string `json:"python_code,omitempty"`
}

// TurnResponse is the terminal outcome of a turn.
type TurnResponse struct {
	AssistantMessage string         `json:"assistant_message"`
	RunID            string         `json:"run_id"`
	ThreadID         string         `json:"thread_id"`
	Status           string         `json:"status"`
	Result           *runner.Result `json:"result"`
	Details          Details        `json:"details"`
}

// Agent owns the per-deployment dependencies of the loop.
type Agent struct {
	planner  Planner
	exec     executor.Executor
	registry *registry.Registry
	capsules store.CapsuleStore
	messages store.MessageStore
	cfg      Config
	logger   *slog.Logger
}

// Deps wires an Agent.
type Deps struct {
	Planner  Planner
	Executor executor.Executor
	Registry *registry.Registry
	Capsules store.CapsuleStore
	Messages store.MessageStore
	Config   Config
	Logger   *slog.Logger
}

// New creates the agent.
func New(deps Deps) *Agent {
	deps.Config.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		planner:  deps.Planner,
		exec:     deps.Executor,
		registry: deps.Registry,
		capsules: deps.Capsules,
		messages: deps.Messages,
		cfg:      deps.Config,
		logger:   logger,
	}
}

// Run executes one turn synchronously, draining the stream.
func (a *Agent) Run(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	events, err := a.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	var resp *TurnResponse
	var turnErr *domain.RunError
	for ev := range events {
		switch ev.Type {
		case EventResult:
			resp = ev.Response
		case EventError:
			turnErr = ev.Error
		}
	}
	if resp == nil {
		if turnErr != nil {
			return nil, turnErr
		}
		return nil, fmt.Errorf("turn produced no result")
	}
	return resp, nil
}

// Stream executes one turn, emitting events as it progresses. The
// channel is closed after the done event. Unknown datasets fail fast
// with ErrDatasetNotFound before the stream starts.
func (a *Agent) Stream(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, domain.NewRunError(domain.ErrValidation, "message is required")
	}
	if a.registry.Get(req.DatasetID) == nil {
		return nil, fmt.Errorf("%w: %q", ErrDatasetNotFound, req.DatasetID)
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}

	events := make(chan Event, 32)
	go func() {
		defer close(events)
		a.turn(ctx, req, threadID, events)
	}()
	return events, nil
}

// turn drives one submission to a terminal state with a capsule.
func (a *Agent) turn(ctx context.Context, req TurnRequest, threadID string, events chan<- Event) {
	emit := func(ev Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	if err := a.messages.Append(ctx, &domain.ThreadMessage{
		ThreadID:  threadID,
		TS:        time.Now().UTC(),
		Role:      domain.RoleUser,
		Content:   req.Message,
		DatasetID: req.DatasetID,
	}); err != nil {
		emit(Event{Type: EventError, Error: domain.NewRunError(domain.ErrRunnerInternal, "append message: %v", err)})
		emit(Event{Type: EventDone})
		return
	}

	tb := &toolbox{registry: a.registry, exec: a.exec, compiler: plan.NewCompiler(), cfg: a.cfg}

	var resp *TurnResponse
	if code, mode, ok := fastPath(req.Message); ok {
		resp = a.runFastPath(ctx, req, threadID, tb, code, mode, emit)
	} else {
		resp = a.runPlanner(ctx, req, threadID, tb, emit)
	}

	if err := a.messages.Append(ctx, &domain.ThreadMessage{
		ThreadID:  threadID,
		TS:        time.Now().UTC(),
		Role:      domain.RoleAssistant,
		Content:   resp.AssistantMessage,
		DatasetID: req.DatasetID,
		RunID:     resp.RunID,
	}); err != nil {
		a.logger.Warn("append assistant message failed", "thread_id", threadID, "error", err)
	}

	emit(Event{Type: EventResult, Response: resp})
	emit(Event{Type: EventDone})
}

// fastPath detects the SQL:/PYTHON: bypass prefixes.
func fastPath(message string) (code string, mode domain.QueryMode, ok bool) {
	trimmed := strings.TrimSpace(message)
	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "SQL:"):
		return strings.TrimSpace(trimmed[len("SQL:"):]), domain.QueryModeSQL, true
	case strings.HasPrefix(upper, "PYTHON:"):
		return strings.TrimSpace(trimmed[len("PYTHON:"):]), domain.QueryModePython, true
	}
	return "", "", false
}

// runFastPath executes literal code with no model involvement. Events:
// tool_call, tool_result, then result/done from the caller.
func (a *Agent) runFastPath(ctx context.Context, req TurnRequest, threadID string, tb *toolbox, code string, mode domain.QueryMode, emit func(Event)) *TurnResponse {
	tool := toolExecuteSQL
	argsRaw, _ := json.Marshal(map[string]string{"dataset_id": req.DatasetID, "sql": code})
	if mode == domain.QueryModePython {
		tool = toolExecutePython
		argsRaw, _ = json.Marshal(map[string]string{"dataset_id": req.DatasetID, "python_code": code})
	}
	emit(Event{Type: EventToolCall, Tool: tool, Input: argsRaw})

	var output string
	var rec *execRecord
	if mode == domain.QueryModePython {
		output, rec = tb.executePython(ctx, req.DatasetID, code)
	} else {
		output, rec = tb.executeSQL(ctx, req.DatasetID, code)
	}
	emit(Event{Type: EventToolResult, Tool: tool, Output: output})

	capsule := a.buildCapsule(req, threadID, rec)
	a.persistCapsule(ctx, capsule)
	a.exec.Cleanup(rec.RunID)

	return a.buildResponse(req, threadID, capsule, assistantText(capsule, rec))
}

// runPlanner drives the bounded ReAct loop.
func (a *Agent) runPlanner(ctx context.Context, req TurnRequest, threadID string, tb *toolbox, emit func(Event)) *TurnResponse {
	messages := a.loadHistory(ctx, threadID)
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("[dataset: %s] %s", req.DatasetID, req.Message),
	})

	var lastExec *execRecord
	var finalText string
	toolCalls := 0

planning:
	for {
		resp, err := a.planner.Complete(ctx, llm.Request{
			System:   a.systemPrompt(ctx, req, threadID),
			Messages: messages,
			Tools:    tb.definitions(),
		})
		if err != nil {
			rec := lastExec
			if rec == nil {
				rec = &execRecord{RunID: uuid.New().String(), Mode: domain.QueryModeChat}
			}
			rec.Err = domain.NewRunError(domain.ErrRunnerInternal, "planner unavailable: %v", err)
			capsule := a.buildCapsule(req, threadID, rec)
			a.persistCapsule(ctx, capsule)
			return a.buildResponse(req, threadID, capsule,
				"I could not reach the planning model. Please try again.")
		}

		if resp.Content != "" {
			emit(Event{Type: EventToken, Text: resp.Content})
		}
		if len(resp.ToolCalls) == 0 {
			finalText = resp.Content
			break
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			if toolCalls >= a.cfg.MaxToolCalls {
				rec := &execRecord{RunID: uuid.New().String(), Mode: domain.QueryModeChat}
				if lastExec != nil {
					rec = lastExec
				}
				rec.Err = domain.NewRunError(domain.ErrBudgetExceeded,
					"tool-call budget of %d exhausted", a.cfg.MaxToolCalls)
				rec.Result = nil
				capsule := a.buildCapsule(req, threadID, rec)
				a.persistCapsule(ctx, capsule)
				a.exec.Cleanup(rec.RunID)
				return a.buildResponse(req, threadID, capsule,
					fmt.Sprintf("I ran out of budget after %d tool calls without a final answer.", a.cfg.MaxToolCalls))
			}
			toolCalls++

			emit(Event{Type: EventToolCall, Tool: call.Name, Input: call.Arguments})
			output, rec := tb.dispatch(ctx, call)
			emit(Event{Type: EventToolResult, Tool: call.Name, Output: output})
			if rec != nil {
				if lastExec != nil {
					a.exec.Cleanup(lastExec.RunID)
				}
				lastExec = rec
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Content:    output,
			})

			if ctx.Err() != nil {
				break planning
			}
		}
	}

	if lastExec == nil {
		lastExec = &execRecord{RunID: uuid.New().String(), Mode: domain.QueryModeChat}
	}
	if ctx.Err() != nil && finalText == "" {
		lastExec.Err = domain.NewRunError(domain.ErrBudgetExceeded, "turn deadline exceeded")
	}

	capsule := a.buildCapsule(req, threadID, lastExec)
	a.persistCapsule(ctx, capsule)
	a.exec.Cleanup(lastExec.RunID)

	if finalText == "" {
		finalText = assistantText(capsule, lastExec)
	}
	return a.buildResponse(req, threadID, capsule, finalText)
}

// systemPrompt describes the tools and safety rules, plus a short hint
// about the thread's previous successful run when one exists.
func (a *Agent) systemPrompt(ctx context.Context, req TurnRequest, threadID string) string {
	var b strings.Builder
	b.WriteString("You are a data analyst answering questions about registered CSV datasets. ")
	b.WriteString("Use the tools to inspect schemas and run queries; never invent numbers. ")
	b.WriteString("SQL must be a single read-only SELECT. Prefer execute_query_plan for aggregations. ")
	b.WriteString("When you have the answer, reply with a short plain-language summary.")

	if prev, err := a.capsules.LatestSuccessful(ctx, threadID, req.DatasetID); err == nil && prev != nil {
		var res runner.Result
		if json.Unmarshal([]byte(prev.ResultJSON), &res) == nil {
			b.WriteString(fmt.Sprintf("\nPrevious successful run on this dataset: mode=%s, %d rows, columns %v.",
				prev.QueryMode, res.RowCount, res.Columns))
		}
	}
	return b.String()
}

func (a *Agent) loadHistory(ctx context.Context, threadID string) []llm.Message {
	history, err := a.messages.ListRecent(ctx, threadID, a.cfg.HistoryWindow)
	if err != nil {
		a.logger.Warn("load thread history failed", "thread_id", threadID, "error", err)
		return nil
	}
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == domain.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

// buildCapsule assembles the audit record from the turn's last
// execution record.
func (a *Agent) buildCapsule(req TurnRequest, threadID string, rec *execRecord) *domain.Capsule {
	ds := a.registry.Get(req.DatasetID)
	c := &domain.Capsule{
		RunID:       rec.RunID,
		ThreadID:    threadID,
		CreatedAt:   time.Now().UTC(),
		DatasetID:   req.DatasetID,
		Question:    req.Message,
		QueryMode:   rec.Mode,
		PlanJSON:    json.RawMessage(rec.PlanJSON),
		CompiledSQL: rec.CompiledSQL,
		PythonCode:  rec.PythonCode,
	}
	if ds != nil {
		c.DatasetVersionHash = ds.VersionHash
	}

	switch {
	case rec.Result != nil:
		c.Status = rec.Result.RunStatus()
		raw, _ := json.Marshal(rec.Result)
		c.ResultJSON = raw
		c.ExecTimeMS = rec.Result.ExecTimeMS
	case rec.Err != nil:
		c.Status = statusForError(rec.Err.Kind)
		empty, _ := json.Marshal(runner.ErrorResult(rec.Err.Kind, rec.Err.Message))
		c.ResultJSON = empty
	default:
		c.Status = domain.RunStatusSucceeded
	}
	if rec.Err != nil {
		raw, _ := json.Marshal(rec.Err)
		c.ErrorJSON = raw
	}
	return c
}

// statusForError maps an error kind to the capsule status. Policy and
// validation rejections never reached a sandbox.
func statusForError(kind domain.ErrorKind) domain.RunStatus {
	switch kind {
	case domain.ErrValidation, domain.ErrPlanValidation, domain.ErrSQLPolicyViolation,
		domain.ErrPythonPolicyViolation, domain.ErrExfilHeuristic, domain.ErrFeatureDisabled:
		return domain.RunStatusRejected
	case domain.ErrRunnerTimeout:
		return domain.RunStatusTimedOut
	default:
		return domain.RunStatusFailed
	}
}

// persistCapsule writes the audit record. A turn never returns without
// attempting this write.
func (a *Agent) persistCapsule(ctx context.Context, c *domain.Capsule) {
	if err := a.capsules.Put(ctx, c); err != nil {
		a.logger.Error("capsule write failed", "run_id", c.RunID, "error", err)
	}
}

func (a *Agent) buildResponse(req TurnRequest, threadID string, c *domain.Capsule, text string) *TurnResponse {
	var res *runner.Result
	if len(c.ResultJSON) > 0 {
		res = &runner.Result{}
		if json.Unmarshal(c.ResultJSON, res) != nil {
			res = nil
		}
	}
	return &TurnResponse{
		AssistantMessage: text,
		RunID:            c.RunID,
		ThreadID:         threadID,
		Status:           string(c.Status),
		Result:           res,
		Details: Details{
			DatasetID:   req.DatasetID,
			QueryMode:   string(c.QueryMode),
			PlanJSON:    string(c.PlanJSON),
			CompiledSQL: c.CompiledSQL,
			PythonCode:  c.PythonCode,
		},
	}
}

// assistantText produces the human-readable message for turns that end
// without planner prose: fast-path runs and error terminations.
func assistantText(c *domain.Capsule, rec *execRecord) string {
	if rec.Err != nil {
		return fmt.Sprintf("The request was not executed (%s): %s.", rec.Err.Kind, rec.Err.Message)
	}
	if rec.Result != nil {
		return Summarize(rec.Result)
	}
	return "Done."
}
