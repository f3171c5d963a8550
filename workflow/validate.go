package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// todoListSchema is the JSON Schema every plan must satisfy before graph
// validation runs. Kept in source so planner error echoes can quote it.
const todoListSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["todo_list_id", "workflow_name", "items"],
  "properties": {
    "todo_list_id": {"type": "string", "minLength": 1},
    "workflow_name": {"type": "string", "minLength": 1},
    "metadata": {"type": "object"},
    "items": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "title", "description", "agent_role", "priority"],
        "properties": {
          "id": {"type": "string", "pattern": "^task_[A-Za-z0-9_-]+$"},
          "title": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "agent_role": {"enum": ["architect", "coder", "tester", "debugger", "optimizer"]},
          "priority": {"type": "integer", "minimum": 1, "maximum": 10},
          "dependencies": {"type": "array", "items": {"type": "string"}},
          "max_retries": {"type": "integer", "minimum": 0, "maximum": 10},
          "timeout_seconds": {"type": "integer", "minimum": 0},
          "acceptance_criteria": {
            "type": "object",
            "properties": {
              "tests": {
                "type": "array",
                "items": {
                  "type": "object",
                  "required": ["cmd"],
                  "properties": {
                    "cmd": {"type": "string", "minLength": 1},
                    "timeout_seconds": {"type": "integer", "minimum": 0},
                    "fixture": {"type": "string"},
                    "expected_exit_code": {"type": "integer"}
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(todoListSchema)))
		if err != nil {
			schemaErr = fmt.Errorf("parse todo list schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("todolist.json", doc); err != nil {
			schemaErr = fmt.Errorf("register todo list schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("todolist.json")
	})
	return compiledSchema, schemaErr
}

// SchemaError reports that a plan failed schema validation.
type SchemaError struct {
	Detail string
}

func (e *SchemaError) Error() string {
	return "todo list schema invalid: " + e.Detail
}

// GraphError reports a dependency graph problem (cycle or unknown edge).
type GraphError struct {
	Kind   string // "cycle", "unknown_dependency", "self_dependency", "duplicate_id", "parent_cycle"
	TaskID string
	Detail string
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("todo list graph invalid (%s) at %s: %s", e.Kind, e.TaskID, e.Detail)
}

// ValidateSchema checks a raw JSON plan against the todo list schema.
func ValidateSchema(data []byte) error {
	sch, err := schema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &SchemaError{Detail: err.Error()}
	}
	if err := sch.Validate(doc); err != nil {
		return &SchemaError{Detail: err.Error()}
	}
	return nil
}

// Validate checks the structural invariants of a parsed list: schema-level
// field constraints, unique ids, known dependencies, no self edges, an
// acyclic item graph, and no repair task listed as a dependency of its own
// parent.
func Validate(list *TodoList) error {
	if list.TodoListID == "" {
		return &SchemaError{Detail: "todo_list_id is required"}
	}
	if len(list.Items) == 0 {
		return &SchemaError{Detail: "items must contain at least one task"}
	}

	ids := make(map[string]bool, len(list.Items))
	for i := range list.Items {
		item := &list.Items[i]
		if !TaskIDPattern.MatchString(item.ID) {
			return &SchemaError{Detail: fmt.Sprintf("task id %q does not match %s", item.ID, TaskIDPattern)}
		}
		if ids[item.ID] {
			return &GraphError{Kind: "duplicate_id", TaskID: item.ID, Detail: "task id appears more than once"}
		}
		ids[item.ID] = true
		if !item.AgentRole.Valid() {
			return &SchemaError{Detail: fmt.Sprintf("task %s has unknown agent_role %q", item.ID, item.AgentRole)}
		}
		if item.Priority < 1 || item.Priority > 10 {
			return &SchemaError{Detail: fmt.Sprintf("task %s priority %d outside [1,10]", item.ID, item.Priority)}
		}
		if item.MaxRetries < 0 || item.MaxRetries > 10 {
			return &SchemaError{Detail: fmt.Sprintf("task %s max_retries %d outside [0,10]", item.ID, item.MaxRetries)}
		}
		// Producing roles must declare what they write. Temporary repair
		// branches are exempt; they usually rewrite files that already exist.
		if producesFiles(item.AgentRole) && !item.IsTemporary && len(item.OutputArtifacts) == 0 {
			return &SchemaError{Detail: fmt.Sprintf("task %s (%s) must declare output_artifacts", item.ID, item.AgentRole)}
		}
	}

	for i := range list.Items {
		item := &list.Items[i]
		for _, dep := range item.Dependencies {
			if dep == item.ID {
				return &GraphError{Kind: "self_dependency", TaskID: item.ID, Detail: "task depends on itself"}
			}
			if !ids[dep] {
				return &GraphError{Kind: "unknown_dependency", TaskID: item.ID, Detail: fmt.Sprintf("depends on unknown task %s", dep)}
			}
		}
		// A repair task must never be a dependency of its parent; that
		// would close a wait cycle between the two.
		if item.ParentID != "" {
			if parent := list.Item(item.ParentID); parent != nil {
				for _, dep := range parent.Dependencies {
					if dep == item.ID {
						return &GraphError{Kind: "parent_cycle", TaskID: item.ID, Detail: fmt.Sprintf("parent %s depends on its own repair task", item.ParentID)}
					}
				}
			}
		}
	}

	if err := detectCycle(list); err != nil {
		return err
	}
	return nil
}

// detectCycle runs Kahn's algorithm; any unprocessed remainder is a cycle.
func detectCycle(list *TodoList) error {
	inDegree := make(map[string]int, len(list.Items))
	dependents := make(map[string][]string, len(list.Items))
	for i := range list.Items {
		inDegree[list.Items[i].ID] = 0
	}
	for i := range list.Items {
		item := &list.Items[i]
		for _, dep := range item.Dependencies {
			inDegree[item.ID]++
			dependents[dep] = append(dependents[dep], item.ID)
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed != len(list.Items) {
		for id, deg := range inDegree {
			if deg > 0 {
				return &GraphError{Kind: "cycle", TaskID: id, Detail: fmt.Sprintf("%d tasks could not be ordered", len(list.Items)-processed)}
			}
		}
	}
	return nil
}
