package agents

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeloop/forgeloop/bus"
	"github.com/forgeloop/forgeloop/workflow"
)

func failuresMetadata(t *testing.T, failures []bus.TestFailure) map[string]any {
	t.Helper()
	raw, err := json.Marshal(failures)
	require.NoError(t, err)
	return map[string]any{"failures": string(raw)}
}

func TestDebuggerHandlePublishesBranch(t *testing.T) {
	router := &chatScript{replies: []string{"Rewrite compute_rsi to seed the window before averaging."}}
	b := bus.NewInProcess(nil)
	deps := testDeps(t, router, b)
	dbg := NewDebugger(deps)

	var branches []bus.WorkflowBranchCreatedData
	b.Subscribe(bus.ChannelWorkflowEvents, func(_ context.Context, evt bus.Event) error {
		if data, ok := evt.Data.(bus.WorkflowBranchCreatedData); ok {
			branches = append(branches, data)
		}
		return nil
	})

	req := bus.TaskRequest{
		TaskID:        "task_build",
		TaskTitle:     "Implement RSI",
		AgentRole:     workflow.RoleDebugger,
		WorkflowID:    "wf_1",
		CorrelationID: "corr-1",
		ContractPath:  "/tmp/contract.json",
		Metadata: failuresMetadata(t, []bus.TestFailure{
			{Check: "unit_tests", Message: "AssertionError: 0.3 != 0.5", Kind: workflow.FailureSpecMismatch, File: "/ws/code/rsi.py"},
		}),
	}

	res := dbg.Handle(context.Background(), req)
	require.Equal(t, StatusCompleted, res.Status, "error: %s", res.Error)
	assert.Equal(t, string(workflow.FailureSpecMismatch), res.Metadata["failure_kind"])
	assert.Equal(t, string(workflow.RoleArchitect), res.Metadata["repair_role"])

	require.Len(t, branches, 1)
	branch := branches[0]
	assert.Equal(t, "wf_1", branch.WorkflowID)
	assert.Equal(t, "task_build", branch.ParentTaskID)
	assert.Equal(t, string(workflow.FailureSpecMismatch), branch.Reason)

	item := branch.Item
	assert.Equal(t, res.Metadata["branch_task_id"], item.ID)
	assert.Contains(t, item.ID, "task_fix_task_build_")
	assert.Equal(t, workflow.RoleArchitect, item.AgentRole)
	assert.Equal(t, 1, item.Priority)
	assert.Equal(t, "task_build", item.ParentID)
	assert.True(t, item.IsTemporary)
	assert.Equal(t, 3, item.MaxDebugAttempts)
	assert.Equal(t, "/tmp/contract.json", item.ContractPath)
	assert.Equal(t, "/ws/code/rsi.py", item.Metadata["target_file"])
	assert.Equal(t, []string{"/ws/code/rsi.py"}, item.OutputArtifacts)
	assert.Contains(t, item.Description, "seed the window")
}

func TestDebuggerHandleDiagnosisErrorStillBranches(t *testing.T) {
	router := &chatScript{err: context.DeadlineExceeded}
	b := bus.NewInProcess(nil)
	deps := testDeps(t, router, b)
	dbg := NewDebugger(deps)

	var branches int
	var description string
	b.Subscribe(bus.ChannelWorkflowEvents, func(_ context.Context, evt bus.Event) error {
		if data, ok := evt.Data.(bus.WorkflowBranchCreatedData); ok {
			branches++
			description = data.Item.Description
		}
		return nil
	})

	req := bus.TaskRequest{
		TaskID:     "task_build",
		WorkflowID: "wf_1",
		Metadata: failuresMetadata(t, []bus.TestFailure{
			{Check: "unit_tests", Message: "boom"},
		}),
	}

	res := dbg.Handle(context.Background(), req)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, branches)
	assert.Contains(t, description, "unit_tests: boom")
}

func TestDebuggerHandleRejectsEmptyFailures(t *testing.T) {
	dbg := NewDebugger(testDeps(t, &chatScript{replies: []string{"x"}}, nil))

	res := dbg.Handle(context.Background(), bus.TaskRequest{TaskID: "task_build"})
	assert.Equal(t, StatusFailed, res.Status)

	res = dbg.Handle(context.Background(), bus.TaskRequest{
		TaskID:   "task_build",
		Metadata: failuresMetadata(t, []bus.TestFailure{}),
	})
	assert.Equal(t, StatusFailed, res.Status)
}

func TestDecodeFailures(t *testing.T) {
	failures := []bus.TestFailure{{Check: "unit_tests", Message: "m", Kind: workflow.FailureTimeout}}
	req := bus.TaskRequest{TaskID: "task_a", Metadata: failuresMetadata(t, failures)}

	got, err := decodeFailures(req)
	require.NoError(t, err)
	assert.Equal(t, failures, got)

	_, err = decodeFailures(bus.TaskRequest{TaskID: "task_a"})
	require.Error(t, err)

	_, err = decodeFailures(bus.TaskRequest{TaskID: "task_a", Metadata: map[string]any{"failures": "not json"}})
	require.Error(t, err)
}

func TestDominantClassification(t *testing.T) {
	// Kinded failures carry fixed confidence and outrank a weak reclassification.
	cls := dominantClassification([]bus.TestFailure{
		{Message: "exit code 1"}, // reclassified, 0.5
		{Message: "slow", Kind: workflow.FailureTimeout},
	})
	assert.Equal(t, workflow.FailureTimeout, cls.Kind)
	assert.InDelta(t, 0.8, cls.Confidence, 0.001)

	// Unkinded entries go through the classifier.
	cls = dominantClassification([]bus.TestFailure{
		{Message: "ModuleNotFoundError: No module named 'numpy'"},
	})
	assert.Equal(t, workflow.FailureMissingDependency, cls.Kind)
	assert.InDelta(t, 0.9, cls.Confidence, 0.001)
}
