// Package workflow defines the todo-list plan model and the runtime state
// machines for workflows and their tasks.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// TaskIDPattern is the required format for todo item identifiers.
var TaskIDPattern = regexp.MustCompile(`^task_[A-Za-z0-9_-]+$`)

// AgentRole selects which agent handler consumes a dispatched task.
type AgentRole string

// Closed set of agent roles. Dispatch is a switch on role.
const (
	RoleArchitect AgentRole = "architect"
	RoleCoder     AgentRole = "coder"
	RoleTester    AgentRole = "tester"
	RoleDebugger  AgentRole = "debugger"
	RoleOptimizer AgentRole = "optimizer"
)

// Valid reports whether the role is one of the known agent roles.
func (r AgentRole) Valid() bool {
	switch r {
	case RoleArchitect, RoleCoder, RoleTester, RoleDebugger, RoleOptimizer:
		return true
	}
	return false
}

// producesFiles reports whether a role is expected to write artifacts to
// disk. Testers and debuggers report findings; the rest produce files.
func producesFiles(r AgentRole) bool {
	switch r {
	case RoleArchitect, RoleCoder, RoleOptimizer:
		return true
	}
	return false
}

// FailureKind classifies why a test or task failed. The debugger and the
// iterative loop share this taxonomy; failure_routing maps kinds to roles.
type FailureKind string

const (
	FailureTimeout           FailureKind = "timeout"
	FailureMissingDependency FailureKind = "missing_dependency"
	FailureSpecMismatch      FailureKind = "spec_mismatch"
	FailureImplementationBug FailureKind = "implementation_bug"
	FailureFlakyTest         FailureKind = "flaky_test"
)

// TestSpec is a single acceptance test command.
type TestSpec struct {
	Cmd              string `json:"cmd"`
	TimeoutSeconds   int    `json:"timeout_seconds,omitempty"`
	Fixture          string `json:"fixture,omitempty"`
	ExpectedExitCode int    `json:"expected_exit_code,omitempty"`
}

// AcceptanceCriteria lists the tests a task must pass.
type AcceptanceCriteria struct {
	Tests []TestSpec `json:"tests,omitempty"`
}

// TodoItem is a unit of work in a plan.
type TodoItem struct {
	ID              string             `json:"id"`
	Title           string             `json:"title"`
	Description     string             `json:"description"`
	AgentRole       AgentRole          `json:"agent_role"`
	Priority        int                `json:"priority"`
	Dependencies    []string           `json:"dependencies,omitempty"`
	MaxRetries      int                `json:"max_retries"`
	TimeoutSeconds  int                `json:"timeout_seconds,omitempty"`
	Acceptance      AcceptanceCriteria `json:"acceptance_criteria,omitempty"`
	InputArtifacts  []string           `json:"input_artifacts,omitempty"`
	OutputArtifacts []string           `json:"output_artifacts,omitempty"`
	// FailureRouting maps a failure kind to the role that should repair it.
	FailureRouting map[FailureKind]AgentRole `json:"failure_routing,omitempty"`
	ContractPath   string                    `json:"contract_path,omitempty"`
	Metadata       map[string]any            `json:"metadata,omitempty"`

	// Branch fields, set only on repair tasks spawned after a failure.
	ParentID         string `json:"parent_id,omitempty"`
	BranchReason     string `json:"branch_reason,omitempty"`
	IsTemporary      bool   `json:"is_temporary,omitempty"`
	MaxDebugAttempts int    `json:"max_debug_attempts,omitempty"`
}

// TodoList is the root plan artifact produced by the planner.
type TodoList struct {
	TodoListID   string         `json:"todo_list_id"`
	WorkflowName string         `json:"workflow_name"`
	CreatedAt    time.Time      `json:"created_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Items        []TodoItem     `json:"items"`
}

// Item returns the item with the given id, or nil.
func (l *TodoList) Item(id string) *TodoItem {
	for i := range l.Items {
		if l.Items[i].ID == id {
			return &l.Items[i]
		}
	}
	return nil
}

// Append adds items to the list. The caller is expected to re-validate and
// persist afterwards; branch insertion goes through here.
func (l *TodoList) Append(items ...TodoItem) {
	l.Items = append(l.Items, items...)
}

// MaxBranchDepth returns the configured branch depth cap from list metadata,
// defaulting to 2.
func (l *TodoList) MaxBranchDepth() int {
	if l.Metadata != nil {
		if v, ok := l.Metadata["max_branch_depth"]; ok {
			switch n := v.(type) {
			case float64:
				return int(n)
			case int:
				return n
			}
		}
	}
	return 2
}

// BranchDepth returns how many parent links sit above the given item.
func (l *TodoList) BranchDepth(id string) int {
	depth := 0
	seen := map[string]bool{}
	for item := l.Item(id); item != nil && item.ParentID != "" && !seen[item.ID]; item = l.Item(item.ParentID) {
		seen[item.ID] = true
		depth++
	}
	return depth
}

// Marshal serializes the list as indented JSON.
func (l *TodoList) Marshal() ([]byte, error) {
	return json.MarshalIndent(l, "", "  ")
}

// LoadTodoList reads and validates a todo list from a JSON file.
func LoadTodoList(path string) (*TodoList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read todo list: %w", err)
	}
	return ParseTodoList(data)
}

// ParseTodoList parses and validates a todo list from JSON bytes.
func ParseTodoList(data []byte) (*TodoList, error) {
	var list TodoList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse todo list: %w", err)
	}
	if err := Validate(&list); err != nil {
		return nil, err
	}
	return &list, nil
}

// SaveTodoList writes the list to workflows/<todo_list_id>_todolist.json
// under root, overwriting any previous version.
func SaveTodoList(root string, list *TodoList) (string, error) {
	dir := filepath.Join(root, "workflows")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workflows dir: %w", err)
	}
	data, err := list.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal todo list: %w", err)
	}
	path := filepath.Join(dir, list.TodoListID+"_todolist.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write todo list: %w", err)
	}
	return path, nil
}
