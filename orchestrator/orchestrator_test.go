package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeloop/forgeloop/agents"
	"github.com/forgeloop/forgeloop/bus"
	"github.com/forgeloop/forgeloop/workflow"
)

// scriptedHandler returns canned results per task id and records requests.
// When root is set, successful handling also writes the request's declared
// output artifacts there, the way a real agent leaves files behind.
type scriptedHandler struct {
	mu       sync.Mutex
	role     workflow.AgentRole
	results  map[string][]bus.TaskResult // consumed in order per task
	fallback bus.TaskResult
	requests []bus.TaskRequest
	delay    time.Duration
	root     string
	onHandle func(ctx context.Context, req bus.TaskRequest)
}

func (s *scriptedHandler) Role() workflow.AgentRole { return s.role }

func (s *scriptedHandler) Handle(ctx context.Context, req bus.TaskRequest) bus.TaskResult {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(s.delay):
		}
	}
	if s.onHandle != nil {
		s.onHandle(ctx, req)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.fallback
	if queue := s.results[req.TaskID]; len(queue) > 0 {
		res = queue[0]
		s.results[req.TaskID] = queue[1:]
	}
	res.TaskID = req.TaskID
	if res.Status == "" {
		res.Status = agents.StatusCompleted
		res.Validation = bus.Validation{Success: true}
	}
	s.requests = append(s.requests, req)
	if s.root != "" && res.Status != agents.StatusFailed {
		s.materialize(req)
	}
	return res
}

func (s *scriptedHandler) materialize(req bus.TaskRequest) {
	for _, out := range req.OutputArtifacts {
		path := out
		if !filepath.IsAbs(path) {
			path = filepath.Join(s.root, out)
		}
		_ = os.MkdirAll(filepath.Dir(path), 0o755)
		_ = os.WriteFile(path, []byte("generated\n"), 0o644)
	}
}

func completed() bus.TaskResult {
	return bus.TaskResult{Status: agents.StatusCompleted, Validation: bus.Validation{Success: true}}
}

func failed(msg string) bus.TaskResult {
	return bus.TaskResult{Status: agents.StatusFailed, Error: msg, Validation: bus.Validation{Success: false, Errors: []string{msg}}}
}

func pipelineList() *workflow.TodoList {
	return &workflow.TodoList{
		TodoListID:   "list-1",
		WorkflowName: "rsi strategy",
		Items: []workflow.TodoItem{
			{ID: "task_design", Title: "Design", Description: "d", AgentRole: workflow.RoleArchitect, Priority: 1, OutputArtifacts: []string{"contracts/c1.json"}},
			{ID: "task_build", Title: "Build", Description: "d", AgentRole: workflow.RoleCoder, Priority: 2, Dependencies: []string{"task_design"}, OutputArtifacts: []string{"code/rsi.py"}},
			{ID: "task_verify", Title: "Verify", Description: "d", AgentRole: workflow.RoleTester, Priority: 3, Dependencies: []string{"task_build"}},
		},
	}
}

func newTestOrchestrator(t *testing.T, b bus.Bus, handlers ...agents.Handler) *Orchestrator {
	t.Helper()
	root := t.TempDir()
	registry := agents.NewRegistry()
	for _, h := range handlers {
		if sh, ok := h.(*scriptedHandler); ok {
			sh.root = root
		}
		registry.Register(h)
	}
	o, err := New(registry, b, root)
	require.NoError(t, err)
	return o
}

func TestExecuteRunsTasksInDependencyOrder(t *testing.T) {
	b := bus.NewInProcess(nil)
	architect := &scriptedHandler{
		role: workflow.RoleArchitect,
		results: map[string][]bus.TaskResult{
			"task_design": {{
				Status:     agents.StatusCompleted,
				Validation: bus.Validation{Success: true},
				Metadata:   map[string]any{"contract_path": "/ws/contracts/generated/c1.json"},
				Artifacts:  []bus.Artifact{{Path: "/ws/contracts/generated/c1.json", Type: "contract"}},
			}},
		},
	}
	coder := &scriptedHandler{role: workflow.RoleCoder}
	tester := &scriptedHandler{role: workflow.RoleTester}
	o := newTestOrchestrator(t, b, architect, coder, tester)

	var completedTasks []string
	b.Subscribe(bus.ChannelAgentResults, func(_ context.Context, evt bus.Event) error {
		if data, ok := evt.Data.(bus.TaskCompletedData); ok {
			completedTasks = append(completedTasks, data.Result.TaskID)
		}
		return nil
	})

	ctx := context.Background()
	id, err := o.CreateWorkflowFromList(ctx, pipelineList())
	require.NoError(t, err)
	require.NoError(t, o.Execute(ctx, id))

	assert.Equal(t, []string{"task_design", "task_build", "task_verify"}, completedTasks)

	state, err := o.Status(id)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, state.Status)
	require.NotNil(t, state.CompletedAt)
	for _, ts := range state.Tasks {
		assert.Equal(t, workflow.TaskCompleted, ts.Status, ts.TaskID)
	}

	// The contract produced upstream reaches the dependent task.
	require.Len(t, coder.requests, 1)
	assert.Equal(t, "/ws/contracts/generated/c1.json", coder.requests[0].ContractPath)
	// Dependency artifacts flow into the tester's inputs.
	require.Len(t, tester.requests, 1)
	assert.NotEmpty(t, tester.requests[0].CorrelationID)
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	coder := &scriptedHandler{
		role: workflow.RoleCoder,
		results: map[string][]bus.TaskResult{
			"task_build": {failed("transient"), completed()},
		},
	}
	o := newTestOrchestrator(t, nil, coder)

	list := &workflow.TodoList{
		TodoListID:   "list-1",
		WorkflowName: "w",
		Items: []workflow.TodoItem{
			{ID: "task_build", Title: "Build", Description: "d", AgentRole: workflow.RoleCoder, Priority: 1, MaxRetries: 2},
		},
	}
	ctx := context.Background()
	id, err := o.CreateWorkflowFromList(ctx, list)
	require.NoError(t, err)
	require.NoError(t, o.Execute(ctx, id))

	assert.Len(t, coder.requests, 2)
	state, _ := o.Status(id)
	assert.Equal(t, workflow.WorkflowCompleted, state.Status)
	assert.Equal(t, 1, state.Tasks["task_build"].RetryCount)
}

func TestExecuteFailureCascadesToDependents(t *testing.T) {
	coder := &scriptedHandler{
		role:     workflow.RoleCoder,
		fallback: failed("syntax error"),
	}
	tester := &scriptedHandler{role: workflow.RoleTester}
	o := newTestOrchestrator(t, nil, coder, tester)

	list := &workflow.TodoList{
		TodoListID:   "list-1",
		WorkflowName: "w",
		Items: []workflow.TodoItem{
			{ID: "task_build", Title: "Build", Description: "d", AgentRole: workflow.RoleCoder, Priority: 1},
			{ID: "task_verify", Title: "Verify", Description: "d", AgentRole: workflow.RoleTester, Priority: 2, Dependencies: []string{"task_build"}},
		},
	}
	ctx := context.Background()
	id, err := o.CreateWorkflowFromList(ctx, list)
	require.NoError(t, err)

	err = o.Execute(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")

	state, _ := o.Status(id)
	assert.Equal(t, workflow.WorkflowFailed, state.Status)
	assert.Equal(t, workflow.TaskFailed, state.Tasks["task_build"].Status)
	assert.Equal(t, workflow.TaskFailed, state.Tasks["task_verify"].Status)
	assert.Equal(t, "dependency task_build failed", state.Tasks["task_verify"].Error)
	// The dependent was never dispatched.
	assert.Empty(t, tester.requests)
}

func TestExecuteBranchRepairsParent(t *testing.T) {
	b := bus.NewInProcess(nil)

	// The coder fails once; its handler announces a repair branch the way
	// the debugger would. The repair task runs under the debugger role and
	// succeeds, which clears the parent failure.
	var o *Orchestrator
	coder := &scriptedHandler{
		role: workflow.RoleCoder,
		results: map[string][]bus.TaskResult{
			"task_build": {failed("AssertionError")},
		},
		onHandle: func(ctx context.Context, req bus.TaskRequest) {
			if req.TaskID != "task_build" {
				return
			}
			evt := bus.NewEvent("debugger", req.CorrelationID, bus.WorkflowBranchCreatedData{
				WorkflowID:   req.WorkflowID,
				ParentTaskID: req.TaskID,
				Reason:       "implementation_bug",
				Item: workflow.TodoItem{
					ID:          "task_fix_build",
					Title:       "Fix build",
					Description: "rewrite the failing function",
					AgentRole:   workflow.RoleDebugger,
					Priority:    1,
					ParentID:    "task_build",
					IsTemporary: true,
				},
			})
			_ = b.Publish(ctx, bus.ChannelWorkflowEvents, evt)
		},
	}
	repair := &scriptedHandler{role: workflow.RoleDebugger}
	tester := &scriptedHandler{role: workflow.RoleTester}

	root := t.TempDir()
	coder.root = root
	repair.root = root
	tester.root = root
	registry := agents.NewRegistry()
	registry.Register(coder)
	registry.Register(repair)
	registry.Register(tester)
	var err error
	o, err = New(registry, b, root)
	require.NoError(t, err)

	list := &workflow.TodoList{
		TodoListID:   "list-1",
		WorkflowName: "w",
		Items: []workflow.TodoItem{
			{ID: "task_build", Title: "Build", Description: "d", AgentRole: workflow.RoleCoder, Priority: 1, OutputArtifacts: []string{"code/build.py"}},
			{ID: "task_verify", Title: "Verify", Description: "d", AgentRole: workflow.RoleTester, Priority: 2, Dependencies: []string{"task_build"}},
		},
	}
	ctx := context.Background()
	id, err := o.CreateWorkflowFromList(ctx, list)
	require.NoError(t, err)
	require.NoError(t, o.Execute(ctx, id))

	state, _ := o.Status(id)
	assert.Equal(t, workflow.WorkflowCompleted, state.Status)
	assert.Equal(t, workflow.TaskCompleted, state.Tasks["task_build"].Status, "parent is repaired")
	assert.Equal(t, workflow.TaskCompleted, state.Tasks["task_fix_build"].Status)
	assert.Equal(t, workflow.TaskCompleted, state.Tasks["task_verify"].Status)
	require.Len(t, repair.requests, 1)
	assert.Equal(t, "task_fix_build", repair.requests[0].TaskID)
	// The tester ran only after the repair landed.
	require.Len(t, tester.requests, 1)
}

func TestBranchRejectedBeyondDepthCap(t *testing.T) {
	o := newTestOrchestrator(t, nil, &scriptedHandler{role: workflow.RoleCoder})

	list := &workflow.TodoList{
		TodoListID:   "list-1",
		WorkflowName: "w",
		Metadata:     map[string]any{"max_branch_depth": 1},
		Items: []workflow.TodoItem{
			{ID: "task_build", Title: "Build", Description: "d", AgentRole: workflow.RoleCoder, Priority: 1, OutputArtifacts: []string{"code/build.py"}},
			{ID: "task_fix_1", Title: "Fix", Description: "d", AgentRole: workflow.RoleCoder, Priority: 1, ParentID: "task_build", IsTemporary: true},
		},
	}
	ctx := context.Background()
	id, err := o.CreateWorkflowFromList(ctx, list)
	require.NoError(t, err)

	o.mu.Lock()
	rt := o.workflows[id]
	o.mu.Unlock()

	// Depth 2 exceeds the cap of 1.
	err = o.insertBranch(rt, workflow.TodoItem{
		ID: "task_fix_2", Title: "Fix deeper", Description: "d", AgentRole: workflow.RoleCoder,
		Priority: 1, ParentID: "task_fix_1", IsTemporary: true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depth")

	// Duplicates and unknown parents are rejected too.
	err = o.insertBranch(rt, workflow.TodoItem{
		ID: "task_fix_1", Title: "Fix", Description: "d", AgentRole: workflow.RoleCoder, Priority: 1, ParentID: "task_build",
	})
	require.Error(t, err)

	err = o.insertBranch(rt, workflow.TodoItem{
		ID: "task_fix_3", Title: "Fix", Description: "d", AgentRole: workflow.RoleCoder, Priority: 1, ParentID: "task_ghost",
	})
	require.Error(t, err)
}

func TestExecuteCancel(t *testing.T) {
	coder := &scriptedHandler{role: workflow.RoleCoder, delay: 100 * time.Millisecond}
	o := newTestOrchestrator(t, nil, coder)

	list := &workflow.TodoList{
		TodoListID:   "list-1",
		WorkflowName: "w",
		Items: []workflow.TodoItem{
			{ID: "task_a", Title: "A", Description: "d", AgentRole: workflow.RoleCoder, Priority: 1},
			{ID: "task_b", Title: "B", Description: "d", AgentRole: workflow.RoleCoder, Priority: 2, Dependencies: []string{"task_a"}},
			{ID: "task_c", Title: "C", Description: "d", AgentRole: workflow.RoleCoder, Priority: 3, Dependencies: []string{"task_b"}},
		},
	}
	ctx := context.Background()
	id, err := o.CreateWorkflowFromList(ctx, list)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- o.Execute(ctx, id) }()

	require.Eventually(t, func() bool {
		state, err := o.Status(id)
		return err == nil && state.Status == workflow.WorkflowRunning
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, o.Cancel(id))

	err = <-done
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	state, _ := o.Status(id)
	assert.Equal(t, workflow.WorkflowCancelled, state.Status)
}

func TestExecuteUnknownAndDoubleStart(t *testing.T) {
	o := newTestOrchestrator(t, nil, &scriptedHandler{role: workflow.RoleCoder})
	ctx := context.Background()

	err := o.Execute(ctx, "wf_missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = o.Status("wf_missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	list := &workflow.TodoList{
		TodoListID:   "list-1",
		WorkflowName: "w",
		Items: []workflow.TodoItem{
			{ID: "task_a", Title: "A", Description: "d", AgentRole: workflow.RoleCoder, Priority: 1},
		},
	}
	id, err := o.CreateWorkflowFromList(ctx, list)
	require.NoError(t, err)
	require.NoError(t, o.Execute(ctx, id))

	// A finished workflow cannot be executed again.
	err = o.Execute(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not created")
}

func TestCreateWorkflowFromFileAndReload(t *testing.T) {
	coder := &scriptedHandler{role: workflow.RoleCoder}
	o := newTestOrchestrator(t, nil, coder)
	ctx := context.Background()

	root := t.TempDir()
	list := &workflow.TodoList{
		TodoListID:   "list-1",
		WorkflowName: "w",
		Items: []workflow.TodoItem{
			{ID: "task_a", Title: "A", Description: "d", AgentRole: workflow.RoleCoder, Priority: 1, OutputArtifacts: []string{"code/a.py"}},
		},
	}
	path, err := workflow.SaveTodoList(root, list)
	require.NoError(t, err)

	id, err := o.CreateWorkflow(ctx, path)
	require.NoError(t, err)

	// Append a task to the persisted list and reload it into the workflow.
	list.Append(workflow.TodoItem{
		ID: "task_b", Title: "B", Description: "d", AgentRole: workflow.RoleCoder,
		Priority: 2, Dependencies: []string{"task_a"}, OutputArtifacts: []string{"code/b.py"},
	})
	path, err = workflow.SaveTodoList(root, list)
	require.NoError(t, err)

	added, err := o.ReloadTasks(ctx, id, path)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	require.NoError(t, o.Execute(ctx, id))
	state, _ := o.Status(id)
	assert.Equal(t, workflow.WorkflowCompleted, state.Status)
	assert.Len(t, state.Tasks, 2)
	assert.Len(t, coder.requests, 2)
}

func TestExecuteReportsRootCauseFailure(t *testing.T) {
	b := bus.NewInProcess(nil)
	coder := &scriptedHandler{role: workflow.RoleCoder, fallback: failed("syntax error")}
	tester := &scriptedHandler{role: workflow.RoleTester}
	o := newTestOrchestrator(t, b, coder, tester)

	var failedTaskID string
	b.Subscribe(bus.ChannelWorkflowEvents, func(_ context.Context, evt bus.Event) error {
		if data, ok := evt.Data.(bus.WorkflowFailedData); ok {
			failedTaskID = data.FailedTaskID
		}
		return nil
	})

	// One root failure fans out to three cascade casualties; the reported
	// failing task must be the root, not whichever casualty a map walk
	// happens to visit first.
	list := &workflow.TodoList{
		TodoListID:   "list-1",
		WorkflowName: "w",
		Items: []workflow.TodoItem{
			{ID: "task_build", Title: "Build", Description: "d", AgentRole: workflow.RoleCoder, Priority: 1},
			{ID: "task_check_a", Title: "A", Description: "d", AgentRole: workflow.RoleTester, Priority: 2, Dependencies: []string{"task_build"}},
			{ID: "task_check_b", Title: "B", Description: "d", AgentRole: workflow.RoleTester, Priority: 3, Dependencies: []string{"task_build"}},
			{ID: "task_check_c", Title: "C", Description: "d", AgentRole: workflow.RoleTester, Priority: 4, Dependencies: []string{"task_build"}},
		},
	}
	ctx := context.Background()
	id, err := o.CreateWorkflowFromList(ctx, list)
	require.NoError(t, err)

	err = o.Execute(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed at task task_build")
	assert.Equal(t, "task_build", failedTaskID)

	state, _ := o.Status(id)
	assert.Equal(t, "syntax error", state.Error)
}

func TestExecuteFailsWhenDeclaredOutputMissing(t *testing.T) {
	// The handler reports success but writes nothing to disk: no root is
	// set, so declared outputs are never materialized.
	coder := &scriptedHandler{role: workflow.RoleCoder}
	registry := agents.NewRegistry()
	registry.Register(coder)
	o, err := New(registry, nil, t.TempDir())
	require.NoError(t, err)

	list := &workflow.TodoList{
		TodoListID:   "list-1",
		WorkflowName: "w",
		Items: []workflow.TodoItem{
			{ID: "task_a", Title: "A", Description: "d", AgentRole: workflow.RoleCoder, Priority: 1, OutputArtifacts: []string{"code/ghost.py"}},
		},
	}
	ctx := context.Background()
	id, err := o.CreateWorkflowFromList(ctx, list)
	require.NoError(t, err)

	err = o.Execute(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declared output artifact")

	state, _ := o.Status(id)
	assert.Equal(t, workflow.WorkflowFailed, state.Status)
	assert.Equal(t, workflow.TaskFailed, state.Tasks["task_a"].Status)
}

func TestAppendTasksThenExecutePending(t *testing.T) {
	coder := &scriptedHandler{role: workflow.RoleCoder}
	o := newTestOrchestrator(t, nil, coder)
	ctx := context.Background()

	list := &workflow.TodoList{
		TodoListID:   "list-1",
		WorkflowName: "w",
		Items: []workflow.TodoItem{
			{ID: "task_a", Title: "A", Description: "d", AgentRole: workflow.RoleCoder, Priority: 1, OutputArtifacts: []string{"code/a.py"}},
		},
	}
	id, err := o.CreateWorkflowFromList(ctx, list)
	require.NoError(t, err)
	require.NoError(t, o.Execute(ctx, id))

	added, err := o.AppendTasks(ctx, id, workflow.TodoItem{
		ID: "task_loopfix_1", Title: "Fix a", Description: "d", AgentRole: workflow.RoleCoder,
		Priority: 1, MaxRetries: 1, OutputArtifacts: []string{"code/a.py"},
		Metadata: map[string]any{"target_file": "code/a.py"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	// The extended plan is persisted before it is reloaded.
	data, err := os.ReadFile(filepath.Join(o.root, "workflows", "list-1_todolist.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "task_loopfix_1")

	require.NoError(t, o.ExecutePending(ctx, id))
	state, _ := o.Status(id)
	assert.Equal(t, workflow.WorkflowCompleted, state.Status)
	assert.Equal(t, workflow.TaskCompleted, state.Tasks["task_loopfix_1"].Status)
	assert.Len(t, coder.requests, 2)

	// Unknown workflows are rejected on both paths.
	_, err = o.AppendTasks(ctx, "wf_ghost", workflow.TodoItem{ID: "task_x", Title: "x", AgentRole: workflow.RoleCoder, Priority: 1})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(o.ExecutePending(ctx, "wf_ghost"), ErrNotFound))
}

func TestList(t *testing.T) {
	o := newTestOrchestrator(t, nil, &scriptedHandler{role: workflow.RoleCoder})
	ctx := context.Background()
	assert.Empty(t, o.List())

	for i := 0; i < 2; i++ {
		_, err := o.CreateWorkflowFromList(ctx, &workflow.TodoList{
			TodoListID:   "list-1",
			WorkflowName: "w",
			Items: []workflow.TodoItem{
				{ID: "task_a", Title: "A", Description: "d", AgentRole: workflow.RoleCoder, Priority: 1},
			},
		})
		require.NoError(t, err)
	}
	assert.Len(t, o.List(), 2)
}
