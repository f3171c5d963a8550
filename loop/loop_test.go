package loop

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeloop/forgeloop/artifacts"
	"github.com/forgeloop/forgeloop/sandbox"
	"github.com/forgeloop/forgeloop/workflow"
)

// fakeDriver records what the loop asks of the orchestrator.
type fakeDriver struct {
	mu        sync.Mutex
	executed  int
	appended  []workflow.TodoItem
	execErr   error
	appendErr error
}

func (d *fakeDriver) ExecutePending(_ context.Context, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executed++
	return d.execErr
}

func (d *fakeDriver) AppendTasks(_ context.Context, _ string, items ...workflow.TodoItem) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.appendErr != nil {
		return 0, d.appendErr
	}
	d.appended = append(d.appended, items...)
	return len(items), nil
}

func newTestLoop(t *testing.T, opts ...Option) (*Loop, *artifacts.Store, *fakeDriver) {
	t.Helper()
	root := t.TempDir()
	store, err := artifacts.NewStore(root)
	require.NoError(t, err)

	driver := &fakeDriver{}
	return New(store, sandbox.NewRunner(root, nil), driver, opts...), store, driver
}

func TestRunGreenWithNothingToTest(t *testing.T) {
	l, store, driver := newTestLoop(t)

	report, err := l.Run(context.Background(), "wf_1", time.Now())
	require.NoError(t, err)
	assert.True(t, report.Green)
	require.Len(t, report.Iterations, 1)
	assert.Equal(t, 0, report.Iterations[0].TestedFiles)
	assert.Equal(t, 1, driver.executed, "pending tasks run even when nothing needs testing")
	assert.Empty(t, driver.appended)

	// The run history is persisted under the workflow's report directory.
	dir, err := store.ReportDirFor("wf_1", "loop")
	require.NoError(t, err)
	data, err := os.ReadFile(dir + "/loop_report.json")
	require.NoError(t, err)
	var persisted Report
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, "wf_1", persisted.WorkflowID)
	assert.True(t, persisted.Green)
}

func TestRunQueuesRepairThenConverges(t *testing.T) {
	l, store, driver := newTestLoop(t)

	// A code file whose paired test module does not exist fails its test
	// run whichever way the toolchain is installed.
	codePath := store.CodePath("broken_module")
	require.NoError(t, store.WriteFile(codePath, []byte("def f():\n    return 1\n")))

	report, err := l.Run(context.Background(), "wf_1", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	require.Len(t, report.Iterations, 2)
	first := report.Iterations[0]
	assert.Equal(t, 1, first.TestedFiles)
	require.Len(t, first.Failures, 1)
	failure := first.Failures[0]
	assert.Equal(t, codePath, failure.File)
	assert.Equal(t, store.PairedTest(codePath), failure.TestFile)
	assert.True(t, failure.RepairAttempted)
	assert.True(t, strings.HasPrefix(failure.RepairTaskID, "task_loopfix_"))

	// The repair never ran a real agent, so the second iteration sees no
	// file newer than its cutoff and the loop converges.
	assert.True(t, report.Green)
	assert.Equal(t, 0, report.Iterations[1].TestedFiles)
	assert.Equal(t, 2, driver.executed)

	require.Len(t, driver.appended, 1)
	item := driver.appended[0]
	assert.Equal(t, failure.RepairTaskID, item.ID)
	assert.Equal(t, codePath, item.Metadata["target_file"])
	assert.Equal(t, 1, item.Metadata["iteration"])
	assert.Equal(t, []string{codePath}, item.InputArtifacts)
	assert.Equal(t, []string{codePath}, item.OutputArtifacts)
	assert.Contains(t, item.Description, "fails its tests")
}

func TestRunSingleIterationNeverQueuesRepairs(t *testing.T) {
	l, store, driver := newTestLoop(t, WithMaxIterations(1))

	codePath := store.CodePath("broken_module")
	require.NoError(t, store.WriteFile(codePath, []byte("def f():\n    return 1\n")))

	report, err := l.Run(context.Background(), "wf_1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, report.Green)
	require.Len(t, report.Iterations, 1)
	require.Len(t, report.Iterations[0].Failures, 1)

	// One execute-and-test cycle only: nothing will run a repair task, so
	// none is synthesized.
	assert.Empty(t, driver.appended)
	assert.False(t, report.Iterations[0].Failures[0].RepairAttempted)
	assert.Equal(t, 1, driver.executed)
}

func TestRunUnknownWorkflowAttemptsNoRepairs(t *testing.T) {
	l, store, driver := newTestLoop(t)
	driver.execErr = errors.New("workflow not found: wf_ghost")
	driver.appendErr = errors.New("workflow not found: wf_ghost")

	codePath := store.CodePath("broken_module")
	require.NoError(t, store.WriteFile(codePath, []byte("def f():\n    return 1\n")))

	report, err := l.Run(context.Background(), "wf_ghost", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	require.NotEmpty(t, report.Iterations)
	require.Len(t, report.Iterations[0].Failures, 1)
	assert.False(t, report.Iterations[0].Failures[0].RepairAttempted)
	assert.Empty(t, driver.appended)
}

func TestRunBudgetOverridesCap(t *testing.T) {
	l, store, driver := newTestLoop(t, WithMaxIterations(5))

	codePath := store.CodePath("broken_module")
	require.NoError(t, store.WriteFile(codePath, []byte("def f():\n    return 1\n")))

	report, err := l.RunBudget(context.Background(), "wf_1", time.Now().Add(-time.Minute), 1)
	require.NoError(t, err)
	assert.False(t, report.Green)
	assert.Len(t, report.Iterations, 1)
	assert.Empty(t, driver.appended)

	// A zero budget falls back to the configured cap.
	report, err = l.RunBudget(context.Background(), "wf_2", time.Now(), 0)
	require.NoError(t, err)
	assert.True(t, report.Green)
}

func TestRunHonoursContextCancel(t *testing.T) {
	l, _, _ := newTestLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Run(ctx, "wf_1", time.Now())
	require.Error(t, err)
}

func TestRepairPriority(t *testing.T) {
	tests := []struct {
		kind workflow.FailureKind
		want int
	}{
		{workflow.FailureMissingDependency, 1},
		{workflow.FailureSpecMismatch, 1},
		{workflow.FailureImplementationBug, 2},
		{workflow.FailureTimeout, 3},
		{workflow.FailureFlakyTest, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, repairPriority(tt.kind), "kind %s", tt.kind)
	}
}
