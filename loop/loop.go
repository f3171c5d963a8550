// Package loop implements the iterative test-and-fix cycle: run the test
// suite over freshly generated code, turn failures into prioritized repair
// tasks appended to the workflow plan, execute them and repeat until green
// or the iteration cap.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/forgeloop/forgeloop/agents"
	"github.com/forgeloop/forgeloop/artifacts"
	"github.com/forgeloop/forgeloop/sandbox"
	"github.com/forgeloop/forgeloop/workflow"
)

// DefaultMaxIterations caps the fix cycle when the caller sets no limit.
const DefaultMaxIterations = 5

// testTimeout bounds one pytest invocation inside the loop.
const testTimeout = 120 * time.Second

// traceLimit bounds tracebacks embedded in repair task metadata.
const traceLimit = 2000

// Driver is the orchestrator surface the loop drives: execute whatever
// tasks are pending and accept repair tasks appended between iterations.
type Driver interface {
	ExecutePending(ctx context.Context, workflowID string) error
	AppendTasks(ctx context.Context, workflowID string, items ...workflow.TodoItem) (int, error)
}

// FileFailure is one failing code file with its classified cause.
type FileFailure struct {
	File            string               `json:"file"`
	TestFile        string               `json:"test_file"`
	Kind            workflow.FailureKind `json:"kind"`
	Message         string               `json:"message"`
	Trace           string               `json:"trace,omitempty"`
	RepairTaskID    string               `json:"repair_task_id,omitempty"`
	RepairAttempted bool                 `json:"repair_attempted"`
}

// IterationRecord is the history entry for one cycle.
type IterationRecord struct {
	Iteration       int           `json:"iteration"`
	StartedAt       time.Time     `json:"started_at"`
	DurationSeconds float64       `json:"duration_seconds"`
	TestedFiles     int           `json:"tested_files"`
	Failures        []FileFailure `json:"failures,omitempty"`
}

// Report is the final outcome of a loop run.
type Report struct {
	WorkflowID string            `json:"workflow_id"`
	Green      bool              `json:"green"`
	Iterations []IterationRecord `json:"iterations"`
	ReportPath string            `json:"-"`
}

// Loop drives the cycle. Repairs are appended to the workflow's todo list
// through the driver and executed by the next iteration; the coder rewrites
// the failing file in place when told the target via metadata.
type Loop struct {
	store         *artifacts.Store
	runner        *sandbox.Runner
	driver        Driver
	logger        *slog.Logger
	maxIterations int
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithMaxIterations overrides the iteration cap.
func WithMaxIterations(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxIterations = n
		}
	}
}

// New creates a loop over the given workspace, sandbox and driver.
func New(store *artifacts.Store, runner *sandbox.Runner, driver Driver, opts ...Option) *Loop {
	l := &Loop{
		store:         store,
		runner:        runner,
		driver:        driver,
		logger:        slog.Default(),
		maxIterations: DefaultMaxIterations,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes the cycle with the configured iteration cap.
func (l *Loop) Run(ctx context.Context, workflowID string, since time.Time) (*Report, error) {
	return l.RunBudget(ctx, workflowID, since, l.maxIterations)
}

// RunBudget executes the cycle over code files generated at or after since,
// with an explicit iteration budget (values below one fall back to the
// configured cap). Each iteration first executes pending plan tasks,
// repairs queued by the previous iteration included, then re-tests files
// touched since the previous iteration began, so a repaired file is
// retested and an untouched green file is not.
func (l *Loop) RunBudget(ctx context.Context, workflowID string, since time.Time, budget int) (*Report, error) {
	if budget < 1 {
		budget = l.maxIterations
	}
	report := &Report{WorkflowID: workflowID}
	cutoff := since

	for i := 1; i <= budget; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		iterStart := time.Now()

		if err := l.driver.ExecutePending(ctx, workflowID); err != nil {
			l.logger.Warn("pending task execution failed", "workflow_id", workflowID, "error", err)
		}

		files, err := l.store.CodeFilesSince(cutoff)
		if err != nil {
			return report, err
		}
		cutoff = iterStart

		record := IterationRecord{Iteration: i, StartedAt: iterStart.UTC(), TestedFiles: len(files)}
		for _, file := range files {
			if failure := l.testFile(ctx, file); failure != nil {
				record.Failures = append(record.Failures, *failure)
			}
		}

		if len(record.Failures) == 0 {
			record.DurationSeconds = time.Since(iterStart).Seconds()
			report.Iterations = append(report.Iterations, record)
			report.Green = true
			l.logger.Info("loop converged", "workflow_id", workflowID, "iteration", i)
			break
		}

		l.logger.Info("iteration found failures",
			"workflow_id", workflowID, "iteration", i, "failures", len(record.Failures))
		// The final iteration only observes: a repair task nothing will
		// execute is wasted agent work.
		if i < budget {
			l.queueRepairs(ctx, workflowID, i, record.Failures)
		}
		record.DurationSeconds = time.Since(iterStart).Seconds()
		report.Iterations = append(report.Iterations, record)
	}

	if err := l.persist(workflowID, report); err != nil {
		l.logger.Warn("loop report persist failed", "error", err)
	}
	if !report.Green {
		l.logger.Warn("loop exhausted iterations", "workflow_id", workflowID, "iterations", len(report.Iterations))
	}
	return report, nil
}

// testFile runs the paired pytest module for one code file and classifies
// any failure. A missing test pair is itself a failure: every generated
// implementation must ship tests.
func (l *Loop) testFile(ctx context.Context, file string) *FileFailure {
	testFile := l.store.PairedTest(file)
	cmd := fmt.Sprintf("python3 -m pytest -q %q", testFile)
	res, err := l.runner.Run(ctx, cmd, testTimeout)
	if err != nil {
		return &FileFailure{
			File:     file,
			TestFile: testFile,
			Kind:     workflow.FailureMissingDependency,
			Message:  err.Error(),
		}
	}
	if res.TimedOut {
		return &FileFailure{
			File:     file,
			TestFile: testFile,
			Kind:     workflow.FailureTimeout,
			Message:  "test run timed out",
			Trace:    agents.TruncateTrace(res.Stderr, traceLimit),
		}
	}
	if res.ExitCode == 0 {
		return nil
	}
	cls := agents.ClassifyFailure(res.Stdout, res.Stderr)
	return &FileFailure{
		File:     file,
		TestFile: testFile,
		Kind:     cls.Kind,
		Message:  fmt.Sprintf("pytest exited %d", res.ExitCode),
		Trace:    agents.TruncateTrace(res.Stdout+res.Stderr, traceLimit),
	}
}

// queueRepairs appends one prioritized repair task per failure to the
// workflow's todo list. The driver persists the extended plan; the next
// iteration executes it.
func (l *Loop) queueRepairs(ctx context.Context, workflowID string, iteration int, failures []FileFailure) {
	items := make([]workflow.TodoItem, 0, len(failures))
	for idx := range failures {
		failure := &failures[idx]
		taskID := fmt.Sprintf("task_loopfix_%s", uuid.New().String()[:8])
		failure.RepairTaskID = taskID
		items = append(items, workflow.TodoItem{
			ID:              taskID,
			Title:           "Fix " + filepath.Base(failure.File),
			Description:     repairDescription(failure),
			AgentRole:       agents.SuggestedRole(failure.Kind),
			Priority:        repairPriority(failure.Kind),
			MaxRetries:      1,
			InputArtifacts:  []string{failure.File},
			OutputArtifacts: []string{failure.File},
			Metadata: map[string]any{
				"target_file": failure.File,
				"iteration":   iteration,
				"trace":       failure.Trace,
			},
		})
	}

	added, err := l.driver.AppendTasks(ctx, workflowID, items...)
	if err != nil {
		l.logger.Warn("repair tasks rejected", "workflow_id", workflowID, "error", err)
		return
	}
	for idx := range failures {
		failures[idx].RepairAttempted = true
	}
	l.logger.Info("repair tasks queued",
		"workflow_id", workflowID, "iteration", iteration, "queued", added)
}

func repairDescription(failure *FileFailure) string {
	return fmt.Sprintf(`The file %s fails its tests in %s.

Failure kind: %s
Symptom: %s

Traceback:
%s

Rewrite the implementation so the existing tests pass. Do not weaken or
delete tests.`, failure.File, failure.TestFile, failure.Kind, failure.Message, failure.Trace)
}

// repairPriority ranks fixes: structural breakage first, logic second,
// everything else last.
func repairPriority(kind workflow.FailureKind) int {
	switch kind {
	case workflow.FailureMissingDependency, workflow.FailureSpecMismatch:
		return 1
	case workflow.FailureImplementationBug:
		return 2
	default:
		return 3
	}
}

// persist writes the loop history next to the other run artifacts.
func (l *Loop) persist(workflowID string, report *Report) error {
	dir, err := l.store.ReportDirFor(workflowID, "loop")
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	report.ReportPath = filepath.Join(dir, "loop_report.json")
	return l.store.WriteFile(report.ReportPath, data)
}
