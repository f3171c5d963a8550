package orchestrator

import (
	"context"
	"fmt"

	"github.com/forgeloop/forgeloop/bus"
	"github.com/forgeloop/forgeloop/workflow"
)

// onDebuggerRequest dispatches a repair request synchronously. The debugger
// responds by publishing a branch event; the insertion itself happens in
// ingestBranches at the next task boundary.
func (o *Orchestrator) onDebuggerRequest(ctx context.Context, evt bus.Event) error {
	data, ok := evt.Data.(*bus.TaskDispatchedData)
	if !ok {
		if d, ok2 := evt.Data.(bus.TaskDispatchedData); ok2 {
			data = &d
		} else {
			return fmt.Errorf("unexpected payload on %s: %T", bus.ChannelDebuggerRequests, evt.Data)
		}
	}
	result, err := o.registry.Dispatch(ctx, data.Request)
	if err != nil {
		o.logger.Warn("debugger dispatch failed", "task_id", data.Request.TaskID, "error", err)
		return nil
	}
	o.logger.Info("debugger handled failure", "task_id", result.TaskID, "status", result.Status)
	return nil
}

// onWorkflowEvent queues branch insertions announced by the debugger.
func (o *Orchestrator) onWorkflowEvent(_ context.Context, evt bus.Event) error {
	if evt.EventType != bus.EventWorkflowBranchCreated {
		return nil
	}
	// The orchestrator re-announces accepted branches on the same channel;
	// only the debugger's original event triggers insertion.
	if evt.Source == "orchestrator" {
		return nil
	}
	var data *bus.WorkflowBranchCreatedData
	switch d := evt.Data.(type) {
	case *bus.WorkflowBranchCreatedData:
		data = d
	case bus.WorkflowBranchCreatedData:
		data = &d
	default:
		return fmt.Errorf("unexpected branch payload: %T", evt.Data)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	rt, ok := o.workflows[data.WorkflowID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, data.WorkflowID)
	}
	rt.branches = append(rt.branches, data.Item)
	return nil
}

// ingestBranches merges queued repair tasks into the live plan, enforcing
// the branch depth cap and re-validating the merged list before the graph
// is rebuilt. Rejected branches are logged and dropped; the parent task
// stays failed.
func (o *Orchestrator) ingestBranches(ctx context.Context, rt *runtime) {
	o.mu.Lock()
	queued := rt.branches
	rt.branches = nil
	o.mu.Unlock()
	if len(queued) == 0 {
		return
	}

	for _, item := range queued {
		if err := o.insertBranch(rt, item); err != nil {
			branchesTotal.WithLabelValues("rejected").Inc()
			o.logger.Warn("branch rejected", "task_id", item.ID, "parent", item.ParentID, "error", err)
			continue
		}
		branchesTotal.WithLabelValues("accepted").Inc()
		o.logger.Info("branch inserted", "task_id", item.ID, "parent", item.ParentID, "role", item.AgentRole)
		o.publish(ctx, bus.ChannelWorkflowEvents, rt.state, item.ParentID, bus.WorkflowBranchCreatedData{
			WorkflowID:   rt.state.WorkflowID,
			ParentTaskID: item.ParentID,
			Item:         item,
			Reason:       item.BranchReason,
		})
	}

	o.mu.Lock()
	if _, err := workflow.SaveTodoList(rt.root, rt.list); err != nil {
		o.logger.Warn("todo list persist failed", "error", err)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) insertBranch(rt *runtime, item workflow.TodoItem) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if rt.list.Item(item.ID) != nil {
		return fmt.Errorf("duplicate branch task id %s", item.ID)
	}
	if item.ParentID == "" || rt.list.Item(item.ParentID) == nil {
		return fmt.Errorf("branch parent %q not in plan", item.ParentID)
	}

	candidate := *rt.list
	candidate.Items = append(append([]workflow.TodoItem(nil), rt.list.Items...), item)
	if depth := candidate.BranchDepth(item.ID); depth > rt.list.MaxBranchDepth() {
		return fmt.Errorf("branch depth %d exceeds cap %d", depth, rt.list.MaxBranchDepth())
	}
	if err := workflow.Validate(&candidate); err != nil {
		return err
	}

	rt.list.Append(item)
	rt.state.Tasks[item.ID] = &workflow.TaskState{TaskID: item.ID, Status: workflow.TaskPending}
	graph, err := workflow.NewDependencyGraph(remainingList(rt))
	if err != nil {
		return err
	}
	rt.graph = graph
	return nil
}

// remainingList projects the plan onto not-yet-completed tasks so a rebuilt
// graph never resurrects finished work. Dependencies on completed tasks are
// dropped from the projection; DependenciesCompleted still checks them.
func remainingList(rt *runtime) *workflow.TodoList {
	projected := &workflow.TodoList{
		TodoListID:   rt.list.TodoListID,
		WorkflowName: rt.list.WorkflowName,
		CreatedAt:    rt.list.CreatedAt,
		Metadata:     rt.list.Metadata,
	}
	done := func(id string) bool {
		ts := rt.state.Tasks[id]
		return ts != nil && ts.Status == workflow.TaskCompleted
	}
	for _, item := range rt.list.Items {
		if done(item.ID) {
			continue
		}
		cp := item
		cp.Dependencies = nil
		for _, dep := range item.Dependencies {
			if !done(dep) {
				cp.Dependencies = append(cp.Dependencies, dep)
			}
		}
		projected.Items = append(projected.Items, cp)
	}
	return projected
}

// AppendTasks validates new tasks against the live plan, persists the
// extended todo list, then reloads it into the runtime. The iterative loop
// uses this to queue repair work between iterations; going through the
// persisted file keeps the on-disk plan the source of truth.
func (o *Orchestrator) AppendTasks(ctx context.Context, workflowID string, items ...workflow.TodoItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	o.mu.Lock()
	rt, ok := o.workflows[workflowID]
	if !ok {
		o.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	candidate := *rt.list
	candidate.Items = append(append([]workflow.TodoItem(nil), rt.list.Items...), items...)
	root := rt.root
	o.mu.Unlock()

	if err := workflow.Validate(&candidate); err != nil {
		return 0, err
	}
	path, err := workflow.SaveTodoList(root, &candidate)
	if err != nil {
		return 0, fmt.Errorf("persist extended todo list: %w", err)
	}
	return o.ReloadTasks(ctx, workflowID, path)
}

// ReloadTasks re-reads the persisted todo list and inserts tasks appended
// since the workflow started. Existing tasks are left untouched; edits to
// them are ignored.
func (o *Orchestrator) ReloadTasks(ctx context.Context, workflowID, listPath string) (int, error) {
	fresh, err := workflow.LoadTodoList(listPath)
	if err != nil {
		return 0, err
	}

	o.mu.Lock()
	rt, ok := o.workflows[workflowID]
	o.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}

	added := 0
	for _, item := range fresh.Items {
		o.mu.Lock()
		known := rt.list.Item(item.ID) != nil
		o.mu.Unlock()
		if known {
			continue
		}
		if err := o.insertBranch(rt, item); err != nil {
			// Non-branch additions have no parent; insert them directly.
			if insertErr := o.insertNewTask(rt, item); insertErr != nil {
				o.logger.Warn("reloaded task rejected", "task_id", item.ID, "error", insertErr)
				continue
			}
		}
		added++
	}
	o.logger.Info("tasks reloaded", "workflow_id", workflowID, "added", added)
	return added, nil
}

func (o *Orchestrator) insertNewTask(rt *runtime, item workflow.TodoItem) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if rt.list.Item(item.ID) != nil {
		return fmt.Errorf("duplicate task id %s", item.ID)
	}
	candidate := *rt.list
	candidate.Items = append(append([]workflow.TodoItem(nil), rt.list.Items...), item)
	if err := workflow.Validate(&candidate); err != nil {
		return err
	}
	rt.list.Append(item)
	rt.state.Tasks[item.ID] = &workflow.TaskState{TaskID: item.ID, Status: workflow.TaskPending}
	graph, err := workflow.NewDependencyGraph(remainingList(rt))
	if err != nil {
		return err
	}
	rt.graph = graph
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, channel bus.Channel, state *workflow.WorkflowState, taskID string, data bus.EventData) {
	if o.bus == nil {
		return
	}
	evt := bus.NewEvent("orchestrator", state.CorrelationID, data)
	evt.WorkflowID = state.WorkflowID
	evt.TaskID = taskID
	if err := o.bus.Publish(ctx, channel, evt); err != nil {
		o.logger.Warn("event publish failed", "channel", channel, "error", err)
	}
}
