package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgeloop/forgeloop/bus"
	"github.com/forgeloop/forgeloop/llm"
	"github.com/forgeloop/forgeloop/workflow"
)

// debuggerTemperature keeps diagnosis output focused.
const debuggerTemperature = 0.3

// branchDebugAttempts caps how often a repair task may itself be retried.
const branchDebugAttempts = 3

// Debugger classifies test failures and spawns a temporary repair task
// branched off the failing one.
type Debugger struct {
	deps Deps
}

// NewDebugger creates the debugger handler.
func NewDebugger(deps Deps) *Debugger {
	return &Debugger{deps: deps}
}

// Role returns the handled agent role.
func (d *Debugger) Role() workflow.AgentRole { return workflow.RoleDebugger }

// Handle reads the failure set off the request, classifies the dominant
// failure, asks the router for concrete repair instructions and publishes a
// WORKFLOW_BRANCH_CREATED event carrying the repair task. The orchestrator
// ingests the branch; the debugger itself never mutates the plan.
func (d *Debugger) Handle(ctx context.Context, req bus.TaskRequest) bus.TaskResult {
	start := time.Now()
	logger := d.deps.logger().With("agent", "debugger", "task_id", req.TaskID)

	failures, err := decodeFailures(req)
	if err != nil {
		return failedResult(req, "debugger", err)
	}
	if len(failures) == 0 {
		return failedResult(req, "debugger", fmt.Errorf("repair request for %s carries no failures", req.TaskID))
	}

	cls := dominantClassification(failures)
	role := RepairRole(req.FailureRouting, cls.Kind)
	logger.Info("failure classified", "kind", cls.Kind, "confidence", cls.Confidence, "repair_role", role)

	instructions, err := d.diagnose(ctx, req, failures, cls)
	if err != nil {
		// Diagnosis is advisory. The branch still carries the raw
		// failure text when the router cannot help.
		logger.Warn("diagnosis unavailable", "error", err)
		instructions = summarizeFailures(failures)
	}

	item := d.buildBranchItem(req, cls, role, instructions, failures)
	d.publishBranch(ctx, req, item, cls)

	return bus.TaskResult{
		TaskID:          req.TaskID,
		AgentID:         "debugger",
		Status:          StatusCompleted,
		Validation:      bus.Validation{Success: true},
		DurationSeconds: time.Since(start).Seconds(),
		Metadata: map[string]any{
			"failure_kind":   string(cls.Kind),
			"confidence":     cls.Confidence,
			"repair_role":    string(role),
			"branch_task_id": item.ID,
		},
	}
}

// decodeFailures reads the failure set the tester attached to the request.
func decodeFailures(req bus.TaskRequest) ([]bus.TestFailure, error) {
	raw, ok := req.Metadata["failures"].(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("repair request for %s has no failures metadata", req.TaskID)
	}
	var failures []bus.TestFailure
	if err := json.Unmarshal([]byte(raw), &failures); err != nil {
		return nil, fmt.Errorf("decode failures: %w", err)
	}
	return failures, nil
}

// dominantClassification picks the highest-confidence classification across
// the failure set, re-classifying entries the tester left unkinded.
func dominantClassification(failures []bus.TestFailure) Classification {
	best := Classification{Kind: workflow.FailureImplementationBug, Confidence: 0}
	for _, f := range failures {
		cls := Classification{Kind: f.Kind, Confidence: 0.8, Evidence: f.Message}
		if f.Kind == "" {
			cls = ClassifyFailure(f.Message, f.Trace)
		}
		if cls.Confidence > best.Confidence {
			best = cls
		}
	}
	return best
}

// diagnose asks the router for repair instructions grounded in the
// truncated tracebacks.
func (d *Debugger) diagnose(ctx context.Context, req bus.TaskRequest, failures []bus.TestFailure, cls Classification) (string, error) {
	temp := debuggerTemperature
	result, err := d.deps.Router.Chat(ctx, llm.ChatInput{
		ConversationID:           conversationID("debugger", req),
		Prompt:                   buildDiagnosisPrompt(req, failures, cls),
		SystemPrompt:             debuggerSystemPrompt,
		Temperature:              &temp,
		MaxOutputTokens:          2048,
		ExpectedCompletionTokens: 1024,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(result.Content)
	if text == "" {
		return "", fmt.Errorf("empty diagnosis")
	}
	return text, nil
}

func buildDiagnosisPrompt(req bus.TaskRequest, failures []bus.TestFailure, cls Classification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %q failed its test pipeline. Likely failure kind: %s.\n\nFAILURES:\n", req.TaskTitle, cls.Kind)
	for _, f := range failures {
		fmt.Fprintf(&b, "- [%s] %s\n", f.Check, f.Message)
		if f.Trace != "" {
			fmt.Fprintf(&b, "  trace:\n%s\n", TruncateTrace(f.Trace, 1500))
		}
	}
	b.WriteString("\nWrite concrete repair instructions for the agent that will fix this.")
	return b.String()
}

func summarizeFailures(failures []bus.TestFailure) string {
	lines := make([]string, 0, len(failures))
	for _, f := range failures {
		lines = append(lines, fmt.Sprintf("%s: %s", f.Check, f.Message))
	}
	return "Fix the following failures:\n" + strings.Join(lines, "\n")
}

// buildBranchItem shapes the temporary repair task inserted into the plan.
func (d *Debugger) buildBranchItem(req bus.TaskRequest, cls Classification, role workflow.AgentRole, instructions string, failures []bus.TestFailure) workflow.TodoItem {
	targetFile := ""
	for _, f := range failures {
		if f.File != "" {
			targetFile = f.File
			break
		}
	}
	item := workflow.TodoItem{
		ID:               fmt.Sprintf("task_fix_%s_%s", req.TaskID, uuid.New().String()[:8]),
		Title:            "Fix " + string(cls.Kind) + " in " + req.TaskTitle,
		Description:      instructions,
		AgentRole:        role,
		Priority:         1,
		MaxRetries:       1,
		ContractPath:     req.ContractPath,
		InputArtifacts:   req.InputArtifacts,
		FailureRouting:   req.FailureRouting,
		ParentID:         req.TaskID,
		BranchReason:     string(cls.Kind),
		IsTemporary:      true,
		MaxDebugAttempts: branchDebugAttempts,
		Metadata: map[string]any{
			"failure_kind": string(cls.Kind),
			"confidence":   cls.Confidence,
		},
	}
	if targetFile != "" {
		item.Metadata["target_file"] = targetFile
		item.OutputArtifacts = []string{targetFile}
	}
	return item
}

func (d *Debugger) publishBranch(ctx context.Context, req bus.TaskRequest, item workflow.TodoItem, cls Classification) {
	if d.deps.Bus == nil {
		return
	}
	evt := bus.NewEvent("debugger", req.CorrelationID, bus.WorkflowBranchCreatedData{
		WorkflowID:   req.WorkflowID,
		ParentTaskID: req.TaskID,
		Item:         item,
		Reason:       string(cls.Kind),
	})
	evt.WorkflowID = req.WorkflowID
	evt.TaskID = req.TaskID
	if err := d.deps.Bus.Publish(ctx, bus.ChannelWorkflowEvents, evt); err != nil {
		d.deps.logger().Warn("branch publish failed", "error", err)
	}
}

const debuggerSystemPrompt = `You are a debugging agent. Given test pipeline
failures with tracebacks, identify the root cause and write repair
instructions another agent can follow directly. Name the failing function,
the exact symptom and the change to make. Plain text, no markdown.`
