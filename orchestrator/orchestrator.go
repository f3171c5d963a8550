// Package orchestrator drives workflows: it loads a validated todo list,
// executes tasks in dependency order through the agent registry, retries
// per-task budgets, ingests repair branches published by the debugger and
// exposes read-only status snapshots.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeloop/forgeloop/agents"
	"github.com/forgeloop/forgeloop/bus"
	"github.com/forgeloop/forgeloop/workflow"
)

// ErrNotFound is returned for unknown workflow ids.
var ErrNotFound = errors.New("workflow not found")

// retryDelay spaces task retry attempts.
const retryDelay = 2 * time.Second

// runtime is the mutable execution record for one workflow. All access goes
// through the orchestrator mutex.
type runtime struct {
	state     *workflow.WorkflowState
	list      *workflow.TodoList
	graph     *workflow.DependencyGraph
	contracts map[string]string // task id -> contract path produced by it
	branches  []workflow.TodoItem
	cancel    context.CancelFunc
	root      string
}

// Orchestrator owns workflow runtimes. One instance can run many workflows,
// each sequentially.
type Orchestrator struct {
	mu        sync.Mutex
	registry  *agents.Registry
	bus       bus.Bus
	logger    *slog.Logger
	root      string
	workflows map[string]*runtime
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New creates an orchestrator rooted at the workspace directory. It
// subscribes to the debugger-request and workflow-event channels so repair
// requests and branch insertions flow back in without direct coupling to
// the tester or debugger.
func New(registry *agents.Registry, b bus.Bus, root string, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		registry:  registry,
		bus:       b,
		logger:    slog.Default(),
		root:      root,
		workflows: make(map[string]*runtime),
	}
	for _, opt := range opts {
		opt(o)
	}
	if b != nil {
		b.Subscribe(bus.ChannelDebuggerRequests, o.onDebuggerRequest)
		b.Subscribe(bus.ChannelWorkflowEvents, o.onWorkflowEvent)
	}
	return o, nil
}

// CreateWorkflow loads and validates a todo list file and registers a new
// workflow in the created state.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, listPath string) (string, error) {
	list, err := workflow.LoadTodoList(listPath)
	if err != nil {
		return "", err
	}
	return o.CreateWorkflowFromList(ctx, list)
}

// CreateWorkflowFromList registers a workflow for an already-validated list.
func (o *Orchestrator) CreateWorkflowFromList(ctx context.Context, list *workflow.TodoList) (string, error) {
	graph, err := workflow.NewDependencyGraph(list)
	if err != nil {
		return "", err
	}

	workflowID := "wf_" + uuid.New().String()[:8]
	state := &workflow.WorkflowState{
		WorkflowID:    workflowID,
		TodoListID:    list.TodoListID,
		CorrelationID: uuid.New().String(),
		Status:        workflow.WorkflowCreated,
		CreatedAt:     time.Now().UTC(),
		Tasks:         make(map[string]*workflow.TaskState, len(list.Items)),
	}
	for _, item := range list.Items {
		state.Tasks[item.ID] = &workflow.TaskState{TaskID: item.ID, Status: workflow.TaskPending}
	}

	o.mu.Lock()
	o.workflows[workflowID] = &runtime{
		state:     state,
		list:      list,
		graph:     graph,
		contracts: make(map[string]string),
		root:      o.root,
	}
	o.mu.Unlock()

	workflowsTotal.WithLabelValues(string(workflow.WorkflowCreated)).Inc()
	o.publish(ctx, bus.ChannelWorkflowEvents, state, "", bus.WorkflowCreatedData{
		WorkflowID: workflowID,
		TodoListID: list.TodoListID,
	})
	o.logger.Info("workflow created", "workflow_id", workflowID, "tasks", len(list.Items))
	return workflowID, nil
}

// Execute runs the workflow to completion, failure or cancellation. It is
// synchronous; callers wanting background execution run it in a goroutine.
func (o *Orchestrator) Execute(ctx context.Context, workflowID string) error {
	o.mu.Lock()
	rt, ok := o.workflows[workflowID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	if rt.state.Status != workflow.WorkflowCreated {
		o.mu.Unlock()
		return fmt.Errorf("workflow %s is %s, not created", workflowID, rt.state.Status)
	}
	o.mu.Unlock()
	return o.run(ctx, rt)
}

// ExecutePending re-enters the task loop for a workflow that already ran.
// Completed tasks stand; pending ones, typically appended by AppendTasks
// between loop iterations, execute in dependency order.
func (o *Orchestrator) ExecutePending(ctx context.Context, workflowID string) error {
	o.mu.Lock()
	rt, ok := o.workflows[workflowID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	if rt.state.Status == workflow.WorkflowRunning {
		o.mu.Unlock()
		return fmt.Errorf("workflow %s is already running", workflowID)
	}
	o.mu.Unlock()
	return o.run(ctx, rt)
}

func (o *Orchestrator) run(ctx context.Context, rt *runtime) error {
	o.mu.Lock()
	runCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	now := time.Now().UTC()
	rt.state.Status = workflow.WorkflowRunning
	if rt.state.StartedAt == nil {
		rt.state.StartedAt = &now
	}
	rt.state.CompletedAt = nil
	rt.state.Error = ""
	workflowID := rt.state.WorkflowID
	o.mu.Unlock()
	defer cancel()

	logger := o.logger.With("workflow_id", workflowID)
	logger.Info("workflow started")

	for {
		if err := runCtx.Err(); err != nil {
			o.finish(ctx, rt, workflow.WorkflowCancelled, "cancelled")
			return err
		}
		o.ingestBranches(ctx, rt)

		item := o.nextRunnable(rt)
		if item == nil {
			break
		}
		o.runTask(runCtx, rt, item)
	}

	o.mu.Lock()
	failed := firstFailedTask(rt)
	o.mu.Unlock()
	if failed != nil {
		o.finish(ctx, rt, workflow.WorkflowFailed, failed.Error)
		o.publish(ctx, bus.ChannelWorkflowEvents, rt.state, failed.TaskID, bus.WorkflowFailedData{
			WorkflowID:   workflowID,
			FailedTaskID: failed.TaskID,
			Error:        failed.Error,
		})
		return fmt.Errorf("workflow %s failed at task %s: %s", workflowID, failed.TaskID, failed.Error)
	}

	o.finish(ctx, rt, workflow.WorkflowCompleted, "")
	o.publish(ctx, bus.ChannelWorkflowEvents, rt.state, "", bus.WorkflowCompletedData{
		WorkflowID: workflowID,
		TaskCount:  len(rt.state.Tasks),
	})
	logger.Info("workflow completed", "tasks", len(rt.state.Tasks))
	return nil
}

// nextRunnable picks the first pending task in topological order whose
// dependencies are all completed. Tasks downstream of a failed dependency
// are marked failed instead of waiting forever.
func (o *Orchestrator) nextRunnable(rt *runtime) *workflow.TodoItem {
	o.mu.Lock()
	defer o.mu.Unlock()

	order, err := rt.graph.TopologicalOrder()
	if err != nil {
		return nil
	}
	for _, item := range order {
		ts := rt.state.Tasks[item.ID]
		if ts == nil || ts.Status != workflow.TaskPending {
			continue
		}
		if blocked, dep := o.dependencyFailed(rt, item); blocked {
			ts.Status = workflow.TaskFailed
			ts.Error = "dependency " + dep + " failed"
			continue
		}
		if rt.state.DependenciesCompleted(item) {
			return item
		}
	}
	return nil
}

func (o *Orchestrator) dependencyFailed(rt *runtime, item *workflow.TodoItem) (bool, string) {
	for _, dep := range item.Dependencies {
		if ts := rt.state.Tasks[dep]; ts != nil && ts.Status == workflow.TaskFailed {
			return true, dep
		}
	}
	return false, ""
}

// runTask dispatches one task through the registry, honouring its retry
// budget. Completion of a temporary repair task also repairs its parent.
func (o *Orchestrator) runTask(ctx context.Context, rt *runtime, item *workflow.TodoItem) {
	o.mu.Lock()
	ts := rt.state.Tasks[item.ID]
	o.mu.Unlock()
	logger := o.logger.With("workflow_id", rt.state.WorkflowID, "task_id", item.ID, "role", item.AgentRole)

	o.mu.Lock()
	_ = ts.Transition(workflow.TaskReady)
	o.mu.Unlock()
	for {
		o.mu.Lock()
		_ = ts.Transition(workflow.TaskDispatched)
		o.mu.Unlock()
		req := o.buildRequest(rt, item)
		tasksDispatched.WithLabelValues(string(item.AgentRole)).Inc()
		o.publish(ctx, bus.ChannelAgentRequests, rt.state, item.ID, bus.TaskDispatchedData{Request: req})

		o.mu.Lock()
		_ = ts.Transition(workflow.TaskRunning)
		o.mu.Unlock()
		result, err := o.dispatch(ctx, rt, item, req)
		if err == nil && result.Status != agents.StatusFailed {
			if missing := o.missingOutput(rt, item, result); missing != "" {
				result.Status = agents.StatusFailed
				result.Error = fmt.Sprintf("declared output artifact %s was not produced", missing)
			} else {
				o.completeTask(ctx, rt, item, ts, result)
				return
			}
		}

		errText := dispatchError(result, err)
		o.mu.Lock()
		ts.Error = errText
		exhausted := ts.RetryCount >= item.MaxRetries
		if exhausted || ctx.Err() != nil {
			_ = ts.Transition(workflow.TaskFailed)
			retries := ts.RetryCount
			o.mu.Unlock()
			tasksFailed.WithLabelValues(string(item.AgentRole)).Inc()
			o.publish(ctx, bus.ChannelAgentResults, rt.state, item.ID, bus.TaskFailedData{Result: result})
			logger.Warn("task failed", "retries", retries, "error", errText)
			return
		}
		ts.RetryCount++
		_ = ts.Transition(workflow.TaskRetrying)
		attempt := ts.RetryCount
		o.mu.Unlock()
		logger.Info("task retrying", "attempt", attempt, "error", errText)
		select {
		case <-ctx.Done():
		case <-time.After(retryDelay):
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, rt *runtime, item *workflow.TodoItem, req bus.TaskRequest) (bus.TaskResult, error) {
	taskCtx := ctx
	if item.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, time.Duration(item.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	return o.registry.Dispatch(taskCtx, req)
}

// missingOutput returns the first declared output artifact that cannot be
// found on disk, or "" when all exist. Declared names may be absolute,
// relative to the workspace root, or the base name of a produced artifact;
// agents slug real paths, so a base-name match against the reported
// artifacts is accepted.
func (o *Orchestrator) missingOutput(rt *runtime, item *workflow.TodoItem, result bus.TaskResult) string {
	for _, declared := range item.OutputArtifacts {
		if !outputExists(rt.root, declared, result.Artifacts) {
			return declared
		}
	}
	return ""
}

func outputExists(root, declared string, produced []bus.Artifact) bool {
	if filepath.IsAbs(declared) {
		return fileExists(declared)
	}
	if fileExists(filepath.Join(root, declared)) {
		return true
	}
	base := filepath.Base(declared)
	for _, a := range produced {
		if filepath.Base(a.Path) == base && fileExists(a.Path) {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dispatchError(result bus.TaskResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if result.Error != "" {
		return result.Error
	}
	return "task reported failure"
}

func (o *Orchestrator) completeTask(ctx context.Context, rt *runtime, item *workflow.TodoItem, ts *workflow.TaskState, result bus.TaskResult) {
	o.mu.Lock()
	_ = ts.Transition(workflow.TaskCompleted)
	ts.Error = ""
	for _, a := range result.Artifacts {
		ts.Artifacts = append(ts.Artifacts, a.Path)
	}
	if path, ok := result.Metadata["contract_path"].(string); ok && path != "" {
		rt.contracts[item.ID] = path
	}
	if path, ok := result.Metadata["report_path"].(string); ok {
		ts.TestReportID = path
	}
	rt.graph.MarkCompleted(item.ID)

	// A finished repair branch clears its parent's failure so downstream
	// tasks unblock.
	if item.IsTemporary && item.ParentID != "" {
		if parent := rt.state.Tasks[item.ParentID]; parent != nil && parent.Status == workflow.TaskFailed {
			parent.Status = workflow.TaskCompleted
			parent.Error = ""
			rt.graph.MarkCompleted(item.ParentID)
			o.logger.Info("parent task repaired", "task_id", item.ParentID, "branch", item.ID)
		}
	}
	o.mu.Unlock()

	o.publish(ctx, bus.ChannelAgentResults, rt.state, item.ID, bus.TaskCompletedData{Result: result})
}

// buildRequest shapes the dispatch message, resolving the contract path
// from the task itself or the nearest dependency that produced one.
func (o *Orchestrator) buildRequest(rt *runtime, item *workflow.TodoItem) bus.TaskRequest {
	o.mu.Lock()
	defer o.mu.Unlock()

	contractPath := item.ContractPath
	if contractPath == "" {
		for _, dep := range item.Dependencies {
			if path, ok := rt.contracts[dep]; ok {
				contractPath = path
				break
			}
		}
	}
	if contractPath == "" && item.ParentID != "" {
		if path, ok := rt.contracts[item.ParentID]; ok {
			contractPath = path
		}
	}

	inputs := append([]string(nil), item.InputArtifacts...)
	for _, dep := range item.Dependencies {
		if ts := rt.state.Tasks[dep]; ts != nil {
			inputs = append(inputs, ts.Artifacts...)
		}
	}

	return bus.TaskRequest{
		TaskID:          item.ID,
		TaskTitle:       item.Title,
		TaskDescription: item.Description,
		AgentRole:       item.AgentRole,
		CorrelationID:   rt.state.CorrelationID,
		WorkflowID:      rt.state.WorkflowID,
		Acceptance:      item.Acceptance,
		ContractPath:    contractPath,
		InputArtifacts:  inputs,
		OutputArtifacts: append([]string(nil), item.OutputArtifacts...),
		FailureRouting:  item.FailureRouting,
		Metadata:        item.Metadata,
	}
}

func (o *Orchestrator) finish(ctx context.Context, rt *runtime, status workflow.WorkflowStatus, errText string) {
	o.mu.Lock()
	if rt.state.Status == workflow.WorkflowRunning {
		now := time.Now().UTC()
		rt.state.Status = status
		rt.state.CompletedAt = &now
		rt.state.Error = errText
		workflowsTotal.WithLabelValues(string(status)).Inc()
	}
	o.mu.Unlock()
}

// firstFailedTask returns the failed task earliest in topological order, so
// the reported failure is the root cause rather than a cascade casualty.
// Caller holds the mutex.
func firstFailedTask(rt *runtime) *workflow.TaskState {
	if order, err := rt.graph.TopologicalOrder(); err == nil {
		for _, item := range order {
			if ts := rt.state.Tasks[item.ID]; ts != nil && ts.Status == workflow.TaskFailed {
				return ts
			}
		}
	}
	for _, ts := range rt.state.Tasks {
		if ts.Status == workflow.TaskFailed {
			return ts
		}
	}
	return nil
}

// Cancel stops a running workflow at the next task boundary.
func (o *Orchestrator) Cancel(workflowID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rt, ok := o.workflows[workflowID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	if rt.cancel == nil || rt.state.Status != workflow.WorkflowRunning {
		return fmt.Errorf("workflow %s is not running", workflowID)
	}
	rt.cancel()
	return nil
}

// Status returns a deep-copied snapshot of a workflow's state.
func (o *Orchestrator) Status(workflowID string) (*workflow.WorkflowState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rt, ok := o.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	return rt.state.Clone(), nil
}

// List returns snapshots of every known workflow.
func (o *Orchestrator) List() []*workflow.WorkflowState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*workflow.WorkflowState, 0, len(o.workflows))
	for _, rt := range o.workflows {
		out = append(out, rt.state.Clone())
	}
	return out
}
