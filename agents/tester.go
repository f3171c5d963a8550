package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgeloop/forgeloop/bus"
	"github.com/forgeloop/forgeloop/sandbox"
	"github.com/forgeloop/forgeloop/workflow"
)

// checkTimeout bounds the auxiliary type/style/security passes.
const checkTimeout = 60 * time.Second

// requiredReportFiles is what a complete backtest run leaves behind.
var requiredReportFiles = []string{"test_report.json", "trades.csv", "equity_curve.csv", "events.log"}

// Tester runs the acceptance pipeline against generated artifacts: unit
// tests first, then type check, style and security lint, then a secret
// scan over everything the run printed.
type Tester struct {
	deps Deps
}

// NewTester creates the tester handler.
func NewTester(deps Deps) *Tester {
	return &Tester{deps: deps}
}

// Role returns the handled agent role.
func (t *Tester) Role() workflow.AgentRole { return workflow.RoleTester }

// Handle executes the pipeline and publishes TEST_STARTED plus one of
// TEST_PASSED or TEST_FAILED. A failed run also posts a repair request on
// the debugger channel so the orchestrator can branch the workflow.
func (t *Tester) Handle(ctx context.Context, req bus.TaskRequest) bus.TaskResult {
	start := time.Now()
	logger := t.deps.logger().With("agent", "tester", "task_id", req.TaskID)

	t.publish(ctx, bus.ChannelTestResults, req, bus.TestStartedData{
		TaskID: req.TaskID,
		Files:  req.InputArtifacts,
	})

	reportDir, err := t.deps.Store.ReportDirFor(req.CorrelationID, req.TaskID)
	if err != nil {
		return failedResult(req, "tester", err)
	}

	var transcript strings.Builder
	failures := t.runPipeline(ctx, req, &transcript)

	// Generated code must never echo key material; a hit fails the run
	// even when every test passed.
	for _, hit := range sandbox.ScanForSecrets(transcript.String()) {
		failures = append(failures, bus.TestFailure{
			Check:   "secret_scan",
			Message: "credential-shaped string in test output: " + hit.String(),
			Kind:    workflow.FailureImplementationBug,
		})
	}

	failures = append(failures, validateArtifacts(req, reportDir)...)

	report := testReport{
		TaskID:     req.TaskID,
		WorkflowID: req.WorkflowID,
		StartedAt:  start.UTC(),
		Duration:   time.Since(start).Seconds(),
		Passed:     len(failures) == 0,
		Failures:   failures,
	}
	reportPath := filepath.Join(reportDir, "test_report.json")
	if data, err := json.MarshalIndent(report, "", "  "); err == nil {
		if err := t.deps.Store.WriteFile(reportPath, data); err != nil {
			logger.Warn("report write failed", "error", err)
		}
	}
	logPath := filepath.Join(reportDir, "events.log")
	if err := t.deps.Store.WriteFile(logPath, []byte(transcript.String())); err != nil {
		logger.Warn("transcript write failed", "error", err)
	}

	out := collectReportArtifacts(reportDir)

	if len(failures) == 0 {
		logger.Info("pipeline passed", "report", reportPath)
		t.publish(ctx, bus.ChannelTestResults, req, bus.TestPassedData{
			TaskID:   req.TaskID,
			ReportID: reportDir,
		})
		return bus.TaskResult{
			TaskID:          req.TaskID,
			AgentID:         "tester",
			Status:          StatusCompleted,
			Artifacts:       out,
			Validation:      bus.Validation{Success: true},
			DurationSeconds: time.Since(start).Seconds(),
			Metadata:        map[string]any{"report_path": reportPath},
		}
	}

	logger.Info("pipeline failed", "failures", len(failures))
	t.publish(ctx, bus.ChannelTestResults, req, bus.TestFailedData{
		TaskID:   req.TaskID,
		ReportID: reportDir,
		Failures: failures,
	})
	t.requestDebugger(ctx, req, failures)

	msgs := make([]string, 0, len(failures))
	for _, f := range failures {
		msgs = append(msgs, f.Check+": "+f.Message)
	}
	return bus.TaskResult{
		TaskID:          req.TaskID,
		AgentID:         "tester",
		Status:          StatusFailed,
		Artifacts:       out,
		Validation:      bus.Validation{Success: false, Errors: msgs},
		DurationSeconds: time.Since(start).Seconds(),
		Error:           fmt.Sprintf("%d pipeline check(s) failed", len(failures)),
		Metadata:        map[string]any{"report_path": reportPath},
	}
}

// runPipeline executes acceptance tests and the auxiliary checks, appending
// all captured output to the transcript. Later stages still run after a
// failure so one report covers everything.
func (t *Tester) runPipeline(ctx context.Context, req bus.TaskRequest, transcript *strings.Builder) []bus.TestFailure {
	var failures []bus.TestFailure

	specs := req.Acceptance.Tests
	if len(specs) == 0 {
		specs = t.defaultSpecs(req)
	}
	for _, spec := range specs {
		timeout := time.Duration(spec.TimeoutSeconds) * time.Second
		res, err := t.deps.Runner.Run(ctx, spec.Cmd, timeout)
		if err != nil {
			failures = append(failures, bus.TestFailure{
				Check:   "unit_tests",
				Message: err.Error(),
				Kind:    workflow.FailureMissingDependency,
			})
			continue
		}
		record(transcript, res)
		switch {
		case res.TimedOut:
			failures = append(failures, bus.TestFailure{
				Check:   "unit_tests",
				Message: fmt.Sprintf("%q timed out", spec.Cmd),
				Trace:   TruncateTrace(res.Stderr, 2000),
				Kind:    workflow.FailureTimeout,
			})
		case res.ExitCode != spec.ExpectedExitCode:
			cls := ClassifyFailure(res.Stdout, res.Stderr)
			failures = append(failures, bus.TestFailure{
				Check:   "unit_tests",
				Message: fmt.Sprintf("%q exited %d, want %d", spec.Cmd, res.ExitCode, spec.ExpectedExitCode),
				Trace:   TruncateTrace(res.Stdout+res.Stderr, 2000),
				Kind:    cls.Kind,
			})
		}
	}

	for _, file := range req.InputArtifacts {
		failures = append(failures, t.auxChecks(ctx, file, transcript)...)
	}
	return failures
}

// defaultSpecs derives pytest invocations from the paired tests of the
// task's input artifacts when the task declares no acceptance tests.
func (t *Tester) defaultSpecs(req bus.TaskRequest) []workflow.TestSpec {
	var specs []workflow.TestSpec
	for _, file := range req.InputArtifacts {
		testPath := t.deps.Store.PairedTest(file)
		specs = append(specs, workflow.TestSpec{
			Cmd:            fmt.Sprintf("python3 -m pytest -q %q", testPath),
			TimeoutSeconds: 120,
		})
	}
	return specs
}

// auxChecks runs the type, style and security passes for one file. Missing
// tools are skipped silently here; the coder already surfaced them as
// warnings at generation time.
func (t *Tester) auxChecks(ctx context.Context, file string, transcript *strings.Builder) []bus.TestFailure {
	var failures []bus.TestFailure

	checks := []struct {
		name     string
		cmd      string
		blocking bool
		kind     workflow.FailureKind
	}{
		{"type_check", fmt.Sprintf("python3 -m mypy --ignore-missing-imports %q", file), true, workflow.FailureImplementationBug},
		{"style", fmt.Sprintf("ruff check --quiet %q", file), false, workflow.FailureImplementationBug},
		{"security_lint", fmt.Sprintf("bandit -q -ll %q", file), true, workflow.FailureImplementationBug},
	}
	for _, check := range checks {
		res, err := t.deps.Runner.Run(ctx, check.cmd, checkTimeout)
		if err != nil || res.ExitCode == 127 || strings.Contains(res.Stderr, "No module named") {
			continue
		}
		record(transcript, res)
		if res.ExitCode != 0 && check.blocking {
			failures = append(failures, bus.TestFailure{
				Check:   check.name,
				Message: fmt.Sprintf("%s findings in %s", check.name, filepath.Base(file)),
				Trace:   TruncateTrace(res.Stdout+res.Stderr, 2000),
				Kind:    check.kind,
				File:    file,
			})
		}
	}
	return failures
}

// requestDebugger posts a repair request carrying the failure set so the
// debugger can classify and branch.
func (t *Tester) requestDebugger(ctx context.Context, req bus.TaskRequest, failures []bus.TestFailure) {
	encoded, err := json.Marshal(failures)
	if err != nil {
		return
	}
	repair := bus.TaskRequest{
		TaskID:          req.TaskID,
		TaskTitle:       "Diagnose failures of " + req.TaskTitle,
		TaskDescription: req.TaskDescription,
		AgentRole:       workflow.RoleDebugger,
		CorrelationID:   req.CorrelationID,
		WorkflowID:      req.WorkflowID,
		ContractPath:    req.ContractPath,
		InputArtifacts:  req.InputArtifacts,
		FailureRouting:  req.FailureRouting,
		Metadata:        map[string]any{"failures": string(encoded)},
	}
	t.publish(ctx, bus.ChannelDebuggerRequests, req, bus.TaskDispatchedData{Request: repair})
}

func (t *Tester) publish(ctx context.Context, channel bus.Channel, req bus.TaskRequest, data bus.EventData) {
	if t.deps.Bus == nil {
		return
	}
	evt := bus.NewEvent("tester", req.CorrelationID, data)
	evt.WorkflowID = req.WorkflowID
	evt.TaskID = req.TaskID
	if err := t.deps.Bus.Publish(ctx, channel, evt); err != nil {
		t.deps.logger().Warn("event publish failed", "channel", channel, "error", err)
	}
}

// csvHeaders maps backtest CSV artifacts to their required leading columns.
var csvHeaders = map[string][]string{
	"trades.csv":       {"timestamp", "symbol", "side", "quantity", "price"},
	"equity_curve.csv": {"timestamp", "equity"},
}

// validateArtifacts checks every artifact the task declared: the file must
// exist and be non-empty, JSON must parse as an object, and known CSV files
// must carry their expected header columns. Relative names resolve against
// the run's report directory; files the tester itself writes afterwards
// (test_report.json, events.log) are skipped.
func validateArtifacts(req bus.TaskRequest, reportDir string) []bus.TestFailure {
	var failures []bus.TestFailure
	for _, declared := range req.OutputArtifacts {
		base := filepath.Base(declared)
		if base == "test_report.json" || base == "events.log" {
			continue
		}
		path := declared
		if !filepath.IsAbs(path) {
			path = filepath.Join(reportDir, declared)
		}
		if fail := checkArtifact(path, base); fail != nil {
			failures = append(failures, *fail)
		}
	}
	return failures
}

func checkArtifact(path, base string) *bus.TestFailure {
	artifactFailure := func(msg string, args ...any) *bus.TestFailure {
		return &bus.TestFailure{
			Check:   "artifacts",
			Message: fmt.Sprintf(msg, args...),
			Kind:    workflow.FailureSpecMismatch,
			File:    path,
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return artifactFailure("declared artifact %s is missing", base)
	}
	if info.Size() == 0 {
		return artifactFailure("declared artifact %s is empty", base)
	}

	switch {
	case strings.HasSuffix(base, ".json"):
		data, err := os.ReadFile(path)
		if err != nil {
			return artifactFailure("declared artifact %s is unreadable: %v", base, err)
		}
		var doc map[string]any
		if json.Unmarshal(data, &doc) != nil {
			return artifactFailure("declared artifact %s is not a JSON object", base)
		}
	case csvHeaders[base] != nil:
		data, err := os.ReadFile(path)
		if err != nil {
			return artifactFailure("declared artifact %s is unreadable: %v", base, err)
		}
		header := strings.Split(strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0]), ",")
		want := csvHeaders[base]
		if len(header) < len(want) {
			return artifactFailure("declared artifact %s header has %d columns, want %d", base, len(header), len(want))
		}
		for i, col := range want {
			if strings.TrimSpace(header[i]) != col {
				return artifactFailure("declared artifact %s header column %d is %q, want %q", base, i, strings.TrimSpace(header[i]), col)
			}
		}
	}
	return nil
}

// collectReportArtifacts lists the standard report files a run leaves in
// its report directory, skipping ones the run never produced.
func collectReportArtifacts(reportDir string) []bus.Artifact {
	var out []bus.Artifact
	for _, name := range requiredReportFiles {
		path := filepath.Join(reportDir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		kind := "report"
		if strings.HasSuffix(name, ".log") {
			kind = "log"
		}
		out = append(out, bus.Artifact{Path: path, Type: kind})
	}
	return out
}

func record(transcript *strings.Builder, res *sandbox.Result) {
	fmt.Fprintf(transcript, "$ %s (exit %d, %.2fs)\n", res.Cmd, res.ExitCode, res.Duration.Seconds())
	if res.Stdout != "" {
		transcript.WriteString(res.Stdout)
		transcript.WriteString("\n")
	}
	if res.Stderr != "" {
		transcript.WriteString(res.Stderr)
		transcript.WriteString("\n")
	}
}

// testReport is the persisted shape of one pipeline run.
type testReport struct {
	TaskID     string            `json:"task_id"`
	WorkflowID string            `json:"workflow_id"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   float64           `json:"duration_seconds"`
	Passed     bool              `json:"passed"`
	Failures   []bus.TestFailure `json:"failures,omitempty"`
}
