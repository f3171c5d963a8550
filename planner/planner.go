// Package planner turns a free-form request into a validated todo list by
// prompting an LLM for structured JSON and repairing format errors through
// re-prompts.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/forgeloop/forgeloop/llm"
	"github.com/forgeloop/forgeloop/workflow"
	"github.com/google/uuid"
)

// maxPlanAttempts is the total number of LLM calls when the response fails
// schema or graph validation. Each retry feeds the validation error back to
// the model as a correction prompt.
const maxPlanAttempts = 3

// planTemperature keeps plan structure stable across runs.
const planTemperature = 0.3

// chatRouter is the subset of the request router the planner uses.
// Extracted as an interface to enable testing with scripted responses.
type chatRouter interface {
	Chat(ctx context.Context, in llm.ChatInput) (*llm.ChatResult, error)
}

// PlanError reports that no valid plan could be produced within the
// attempt budget.
type PlanError struct {
	Attempts int
	LastErr  error
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("planning failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *PlanError) Unwrap() error { return e.LastErr }

// Planner produces todo lists. It never executes anything; side effects
// such as file writes belong to the CLI glue.
type Planner struct {
	router chatRouter
	logger *slog.Logger

	// lastAttempts exposes the attempt count of the most recent Plan call
	// for tests and status reporting.
	lastAttempts int
}

// New creates a planner over the given router.
func New(router chatRouter, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{router: router, logger: logger}
}

// LastAttempts returns how many LLM calls the most recent Plan call used.
func (p *Planner) LastAttempts() int { return p.lastAttempts }

// Plan converts a user request plus optional context notes into a
// validated todo list.
func (p *Planner) Plan(ctx context.Context, userRequest string, contextNotes map[string]string) (*workflow.TodoList, error) {
	if strings.TrimSpace(userRequest) == "" {
		return nil, fmt.Errorf("user request is required")
	}

	convID := "planner-" + uuid.New().String()
	prompt := buildUserPrompt(userRequest, contextNotes)
	temp := planTemperature

	var lastErr error
	for attempt := 1; attempt <= maxPlanAttempts; attempt++ {
		p.lastAttempts = attempt

		result, err := p.router.Chat(ctx, llm.ChatInput{
			ConversationID:           convID,
			Prompt:                   prompt,
			SystemPrompt:             systemPrompt,
			Temperature:              &temp,
			MaxOutputTokens:          4096,
			ExpectedCompletionTokens: 2048,
		})
		if err != nil {
			return nil, fmt.Errorf("planner llm call: %w", err)
		}

		list, err := parsePlan(result.Content)
		if err == nil {
			p.logger.Info("plan generated",
				"todo_list_id", list.TodoListID,
				"tasks", len(list.Items),
				"attempts", attempt)
			return list, nil
		}

		lastErr = err
		p.logger.Warn("plan rejected, re-prompting with validation error",
			"attempt", attempt, "error", err)
		prompt = fmt.Sprintf(
			"Your previous response was rejected:\n\n%v\n\nEmit a corrected todo list as JSON only. No prose, no markdown fences.",
			err)
	}

	return nil, &PlanError{Attempts: maxPlanAttempts, LastErr: lastErr}
}

// parsePlan extracts, schema-checks and graph-checks one model response.
func parsePlan(content string) (*workflow.TodoList, error) {
	raw := llm.ExtractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("response contains no JSON object")
	}
	if err := workflow.ValidateSchema([]byte(raw)); err != nil {
		return nil, err
	}
	list, err := workflow.ParseTodoList([]byte(raw))
	if err != nil {
		return nil, err
	}
	if list.CreatedAt.IsZero() {
		list.CreatedAt = time.Now().UTC()
	}
	return list, nil
}

// buildUserPrompt embeds the request and any derived hints as a structured
// context block.
func buildUserPrompt(userRequest string, notes map[string]string) string {
	var b strings.Builder
	b.WriteString("Produce a todo list for this request.\n\nREQUEST:\n")
	b.WriteString(userRequest)
	b.WriteString("\n")

	hints := deriveHints(userRequest)
	for k, v := range notes {
		hints = append(hints, k+": "+v)
	}
	if len(hints) > 0 {
		b.WriteString("\nCONTEXT:\n")
		for _, h := range hints {
			b.WriteString("- " + h + "\n")
		}
	}
	return b.String()
}

// deriveHints scans the request for domain phrasing the model should carry
// into task descriptions: indicator names, entry/exit language, numeric
// stop-loss / take-profit levels.
func deriveHints(request string) []string {
	lower := strings.ToLower(request)
	var hints []string
	for _, ind := range []string{"rsi", "macd", "ema", "sma", "bollinger", "atr", "vwap", "stochastic"} {
		if strings.Contains(lower, ind) {
			hints = append(hints, "indicator mentioned: "+strings.ToUpper(ind))
		}
	}
	if strings.Contains(lower, "entry") || strings.Contains(lower, "enter") {
		hints = append(hints, "request specifies entry conditions")
	}
	if strings.Contains(lower, "exit") || strings.Contains(lower, "close position") {
		hints = append(hints, "request specifies exit conditions")
	}
	if strings.Contains(lower, "stop loss") || strings.Contains(lower, "stop-loss") || strings.Contains(lower, " sl ") {
		hints = append(hints, "request specifies a stop-loss level")
	}
	if strings.Contains(lower, "take profit") || strings.Contains(lower, "take-profit") || strings.Contains(lower, " tp ") {
		hints = append(hints, "request specifies a take-profit level")
	}
	return hints
}

// systemPrompt declares the output schema and forbids prose. Kept in one
// string so rejection echoes can reference the same rules the model saw.
const systemPrompt = `You are a planning agent for a code-generation pipeline.
Convert the user's request into a todo list of tasks for specialized agents.

Respond with a single JSON object and nothing else. Schema rules:
- top level: {"todo_list_id", "workflow_name", "metadata", "items"}
- todo_list_id: short unique string
- items: array of at least one task, ordered
- each task: {"id", "title", "description", "agent_role", "priority",
  "dependencies", "max_retries", "timeout_seconds", "acceptance_criteria",
  "input_artifacts", "output_artifacts", "failure_routing"}
- id must match ^task_[A-Za-z0-9_-]+$ and be unique
- agent_role is one of: architect, coder, tester, debugger, optimizer
- priority is an integer from 1 (highest) to 10 (lowest)
- max_retries is an integer from 0 to 10
- dependencies lists ids of earlier tasks only; no cycles, no self references
- acceptance_criteria is {"tests": [{"cmd", "timeout_seconds",
  "expected_exit_code"}]}
- agents that produce files must list them in output_artifacts

Typical shape: an architect task producing a contract, a coder task
depending on it, a tester task depending on the coder.

Output raw JSON. Do not wrap it in markdown fences.`
