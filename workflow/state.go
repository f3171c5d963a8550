package workflow

import (
	"fmt"
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowCreated   WorkflowStatus = "created"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// TaskStatus is the lifecycle state of a single task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskReady      TaskStatus = "ready"
	TaskDispatched TaskStatus = "dispatched"
	TaskRunning    TaskStatus = "running"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskRetrying   TaskStatus = "retrying"
)

// taskTransitions enumerates the legal task state machine edges.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskReady},
	TaskReady:      {TaskDispatched},
	TaskDispatched: {TaskRunning, TaskFailed},
	TaskRunning:    {TaskCompleted, TaskFailed, TaskRetrying},
	TaskRetrying:   {TaskDispatched, TaskFailed},
	TaskFailed:     {TaskRetrying},
}

// CanTransition reports whether moving from to next is a legal task edge.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskState is the orchestrator-owned runtime record for one task.
type TaskState struct {
	TaskID       string     `json:"task_id"`
	Status       TaskStatus `json:"status"`
	RetryCount   int        `json:"retry_count"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Error        string     `json:"error,omitempty"`
	Artifacts    []string   `json:"artifacts,omitempty"`
	TestReportID string     `json:"test_report_id,omitempty"`
}

// Transition moves the task to next, enforcing the state machine.
func (t *TaskState) Transition(to TaskStatus) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("illegal task transition %s -> %s for %s", t.Status, to, t.TaskID)
	}
	now := time.Now().UTC()
	switch to {
	case TaskRunning:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case TaskCompleted, TaskFailed:
		t.CompletedAt = &now
	}
	t.Status = to
	return nil
}

// WorkflowState is the runtime value owned by one orchestrator instance.
// External readers get snapshots via Orchestrator.Status, never the live
// value.
type WorkflowState struct {
	WorkflowID    string                `json:"workflow_id"`
	TodoListID    string                `json:"todo_list_id"`
	CorrelationID string                `json:"correlation_id"`
	Status        WorkflowStatus        `json:"status"`
	CreatedAt     time.Time             `json:"created_at"`
	StartedAt     *time.Time            `json:"started_at,omitempty"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
	Tasks         map[string]*TaskState `json:"tasks"`
	Error         string                `json:"error,omitempty"`
}

// Clone returns a deep copy suitable for handing to external readers.
func (w *WorkflowState) Clone() *WorkflowState {
	cp := *w
	cp.Tasks = make(map[string]*TaskState, len(w.Tasks))
	for id, ts := range w.Tasks {
		t := *ts
		t.Artifacts = append([]string(nil), ts.Artifacts...)
		cp.Tasks[id] = &t
	}
	return &cp
}

// DependenciesCompleted reports whether every dependency of the item is in
// the Completed state.
func (w *WorkflowState) DependenciesCompleted(item *TodoItem) bool {
	for _, dep := range item.Dependencies {
		ts, ok := w.Tasks[dep]
		if !ok || ts.Status != TaskCompleted {
			return false
		}
	}
	return true
}
