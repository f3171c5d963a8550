package agents

import (
	"regexp"
	"strings"

	"github.com/forgeloop/forgeloop/workflow"
)

// Classification is the debugger's read of a failure.
type Classification struct {
	Kind       workflow.FailureKind `json:"kind"`
	Confidence float64              `json:"confidence"`
	Evidence   string               `json:"evidence,omitempty"`
}

var (
	timeoutMarkers   = regexp.MustCompile(`(?i)\b(timed? ?out|deadline exceeded|TimeoutError)\b`)
	importMarkers    = regexp.MustCompile(`(?i)(ModuleNotFoundError|ImportError|No module named|cannot import name)`)
	assertionMarkers = regexp.MustCompile(`(?i)(AssertionError|assert .+ ==|expected .+ (but )?got|mismatch)`)
	flakeMarkers     = regexp.MustCompile(`(?i)(flaky|intermittent|race condition)`)
)

// ClassifyFailure maps error text and traceback onto the failure taxonomy.
// implementation_bug is the default when nothing else matches; its
// confidence reflects that.
func ClassifyFailure(message, trace string) Classification {
	text := message + "\n" + trace

	switch {
	case timeoutMarkers.MatchString(text):
		return Classification{Kind: workflow.FailureTimeout, Confidence: 0.9, Evidence: firstMatch(timeoutMarkers, text)}
	case importMarkers.MatchString(text):
		return Classification{Kind: workflow.FailureMissingDependency, Confidence: 0.9, Evidence: firstMatch(importMarkers, text)}
	case assertionMarkers.MatchString(text):
		return Classification{Kind: workflow.FailureSpecMismatch, Confidence: 0.75, Evidence: firstMatch(assertionMarkers, text)}
	case flakeMarkers.MatchString(text):
		return Classification{Kind: workflow.FailureFlakyTest, Confidence: 0.6, Evidence: firstMatch(flakeMarkers, text)}
	default:
		return Classification{Kind: workflow.FailureImplementationBug, Confidence: 0.5}
	}
}

func firstMatch(re *regexp.Regexp, text string) string {
	m := re.FindString(text)
	if len(m) > 80 {
		m = m[:80]
	}
	return strings.TrimSpace(m)
}

// SuggestedRole proposes which agent should repair a failure kind when the
// failing task carries no explicit routing for it.
func SuggestedRole(kind workflow.FailureKind) workflow.AgentRole {
	switch kind {
	case workflow.FailureSpecMismatch:
		return workflow.RoleArchitect
	case workflow.FailureMissingDependency, workflow.FailureImplementationBug, workflow.FailureTimeout:
		return workflow.RoleCoder
	case workflow.FailureFlakyTest:
		return workflow.RoleTester
	default:
		return workflow.RoleCoder
	}
}

// RepairRole resolves the repair target from the failing task's routing
// table, falling back to the classifier's suggestion.
func RepairRole(routing map[workflow.FailureKind]workflow.AgentRole, kind workflow.FailureKind) workflow.AgentRole {
	if role, ok := routing[kind]; ok && role.Valid() {
		return role
	}
	return SuggestedRole(kind)
}

// TruncateTrace bounds a traceback for embedding in prompts and metadata.
func TruncateTrace(trace string, max int) string {
	if max <= 0 || len(trace) <= max {
		return trace
	}
	// Keep the tail: Python tracebacks put the failing frame last.
	return "..." + trace[len(trace)-max:]
}
