// Package bus provides the typed publish/subscribe channels that connect the
// orchestrator, agents, tester and debugger. The reference implementation
// delivers synchronously in process; a NATS-backed implementation preserves
// per-channel ordering for deployments that want a broker.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgeloop/forgeloop/workflow"
	"github.com/google/uuid"
)

// Channel names the fixed set of bus channels.
type Channel string

const (
	ChannelWorkflowEvents   Channel = "workflow.events"
	ChannelAgentRequests    Channel = "agent.requests"
	ChannelAgentResults     Channel = "agent.results"
	ChannelTestResults      Channel = "test.results"
	ChannelDebuggerRequests Channel = "debugger.requests"
)

// EventType identifies the payload kind of an event.
type EventType string

const (
	EventWorkflowCreated       EventType = "WORKFLOW_CREATED"
	EventWorkflowCompleted     EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed        EventType = "WORKFLOW_FAILED"
	EventWorkflowBranchCreated EventType = "WORKFLOW_BRANCH_CREATED"
	EventTaskDispatched        EventType = "TASK_DISPATCHED"
	EventTaskCompleted         EventType = "TASK_COMPLETED"
	EventTaskFailed            EventType = "TASK_FAILED"
	EventTestStarted           EventType = "TEST_STARTED"
	EventTestPassed            EventType = "TEST_PASSED"
	EventTestFailed            EventType = "TEST_FAILED"
)

// EventData is implemented by every typed payload.
type EventData interface {
	EventKind() EventType
}

// Event is the bus envelope. Data is a concrete payload matching EventType.
type Event struct {
	EventID       string    `json:"event_id"`
	EventType     EventType `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlation_id"`
	WorkflowID    string    `json:"workflow_id,omitempty"`
	TaskID        string    `json:"task_id,omitempty"`
	Data          EventData `json:"data,omitempty"`
}

// NewEvent builds an envelope around a payload with a fresh event id.
func NewEvent(source, correlationID string, data EventData) Event {
	return Event{
		EventID:       uuid.New().String(),
		EventType:     data.EventKind(),
		Timestamp:     time.Now().UTC(),
		Source:        source,
		CorrelationID: correlationID,
		Data:          data,
	}
}

// TaskRequest is the dispatch protocol message consumed by agent handlers.
type TaskRequest struct {
	TaskID          string                                      `json:"task_id"`
	TaskTitle       string                                      `json:"task_title"`
	TaskDescription string                                      `json:"task_description"`
	AgentRole       workflow.AgentRole                          `json:"agent_role"`
	CorrelationID   string                                      `json:"correlation_id"`
	WorkflowID      string                                      `json:"workflow_id"`
	Acceptance      workflow.AcceptanceCriteria                 `json:"acceptance_criteria,omitempty"`
	ContractPath    string                                      `json:"contract_path,omitempty"`
	FixturePaths    []string                                    `json:"fixture_paths,omitempty"`
	InputArtifacts  []string                                    `json:"input_artifacts,omitempty"`
	OutputArtifacts []string                                    `json:"output_artifacts,omitempty"`
	FailureRouting  map[workflow.FailureKind]workflow.AgentRole `json:"failure_routing,omitempty"`
	Metadata        map[string]any                              `json:"metadata,omitempty"`
}

// Artifact describes one file produced by an agent.
type Artifact struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

// Validation captures static-check outcomes attached to a task result.
type Validation struct {
	Success  bool     `json:"success"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// TaskResult is what agents report back after handling a request.
type TaskResult struct {
	TaskID          string         `json:"task_id"`
	AgentID         string         `json:"agent_id"`
	Status          string         `json:"status"` // "completed", "ready", or "failed"
	Artifacts       []Artifact     `json:"artifacts,omitempty"`
	Validation      Validation     `json:"validation"`
	DurationSeconds float64        `json:"duration_seconds"`
	Error           string         `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// TestFailure is one failed check inside a test report.
type TestFailure struct {
	Check   string               `json:"check"`
	Message string               `json:"message"`
	Trace   string               `json:"trace,omitempty"`
	Kind    workflow.FailureKind `json:"kind,omitempty"`
	File    string               `json:"file,omitempty"`
}

// Payloads, one per event type.

type WorkflowCreatedData struct {
	WorkflowID string `json:"workflow_id"`
	TodoListID string `json:"todo_list_id"`
}

func (WorkflowCreatedData) EventKind() EventType { return EventWorkflowCreated }

type WorkflowCompletedData struct {
	WorkflowID string `json:"workflow_id"`
	TaskCount  int    `json:"task_count"`
}

func (WorkflowCompletedData) EventKind() EventType { return EventWorkflowCompleted }

type WorkflowFailedData struct {
	WorkflowID   string `json:"workflow_id"`
	FailedTaskID string `json:"failed_task_id"`
	Error        string `json:"error"`
}

func (WorkflowFailedData) EventKind() EventType { return EventWorkflowFailed }

type WorkflowBranchCreatedData struct {
	WorkflowID   string            `json:"workflow_id"`
	ParentTaskID string            `json:"parent_task_id"`
	Item         workflow.TodoItem `json:"item"`
	Reason       string            `json:"reason"`
}

func (WorkflowBranchCreatedData) EventKind() EventType { return EventWorkflowBranchCreated }

type TaskDispatchedData struct {
	Request TaskRequest `json:"request"`
}

func (TaskDispatchedData) EventKind() EventType { return EventTaskDispatched }

type TaskCompletedData struct {
	Result TaskResult `json:"result"`
}

func (TaskCompletedData) EventKind() EventType { return EventTaskCompleted }

type TaskFailedData struct {
	Result TaskResult `json:"result"`
}

func (TaskFailedData) EventKind() EventType { return EventTaskFailed }

type TestStartedData struct {
	TaskID string   `json:"task_id"`
	Files  []string `json:"files,omitempty"`
}

func (TestStartedData) EventKind() EventType { return EventTestStarted }

type TestPassedData struct {
	TaskID   string             `json:"task_id"`
	ReportID string             `json:"report_id"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
}

func (TestPassedData) EventKind() EventType { return EventTestPassed }

type TestFailedData struct {
	TaskID   string        `json:"task_id"`
	ReportID string        `json:"report_id,omitempty"`
	Failures []TestFailure `json:"failures"`
}

func (TestFailedData) EventKind() EventType { return EventTestFailed }

// payloadFactories maps event types to empty payload values for decoding.
var payloadFactories = map[EventType]func() EventData{
	EventWorkflowCreated:       func() EventData { return &WorkflowCreatedData{} },
	EventWorkflowCompleted:     func() EventData { return &WorkflowCompletedData{} },
	EventWorkflowFailed:        func() EventData { return &WorkflowFailedData{} },
	EventWorkflowBranchCreated: func() EventData { return &WorkflowBranchCreatedData{} },
	EventTaskDispatched:        func() EventData { return &TaskDispatchedData{} },
	EventTaskCompleted:         func() EventData { return &TaskCompletedData{} },
	EventTaskFailed:            func() EventData { return &TaskFailedData{} },
	EventTestStarted:           func() EventData { return &TestStartedData{} },
	EventTestPassed:            func() EventData { return &TestPassedData{} },
	EventTestFailed:            func() EventData { return &TestFailedData{} },
}

// UnmarshalJSON decodes the envelope and then the payload using the factory
// registered for the event type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		EventID       string          `json:"event_id"`
		EventType     EventType       `json:"event_type"`
		Timestamp     time.Time       `json:"timestamp"`
		Source        string          `json:"source"`
		CorrelationID string          `json:"correlation_id"`
		WorkflowID    string          `json:"workflow_id"`
		TaskID        string          `json:"task_id"`
		Data          json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.EventID = raw.EventID
	e.EventType = raw.EventType
	e.Timestamp = raw.Timestamp
	e.Source = raw.Source
	e.CorrelationID = raw.CorrelationID
	e.WorkflowID = raw.WorkflowID
	e.TaskID = raw.TaskID
	e.Data = nil

	if len(raw.Data) == 0 || string(raw.Data) == "null" {
		return nil
	}
	factory, ok := payloadFactories[raw.EventType]
	if !ok {
		return fmt.Errorf("unknown event type %q", raw.EventType)
	}
	payload := factory()
	if err := json.Unmarshal(raw.Data, payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", raw.EventType, err)
	}
	e.Data = payload
	return nil
}
