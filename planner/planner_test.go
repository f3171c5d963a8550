package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeloop/forgeloop/llm"
)

// scriptedRouter replays canned responses and records prompts.
type scriptedRouter struct {
	responses []string
	err       error
	prompts   []string
}

func (s *scriptedRouter) Chat(_ context.Context, in llm.ChatInput) (*llm.ChatResult, error) {
	s.prompts = append(s.prompts, in.Prompt)
	if s.err != nil {
		return nil, s.err
	}
	idx := len(s.prompts) - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return &llm.ChatResult{Content: s.responses[idx]}, nil
}

const validPlanJSON = `{
	"todo_list_id": "plan-1",
	"workflow_name": "rsi strategy",
	"items": [
		{"id": "task_design", "title": "Design contract", "description": "d", "agent_role": "architect", "priority": 1, "output_artifacts": ["contracts/rsi.json"]},
		{"id": "task_build", "title": "Implement", "description": "d", "agent_role": "coder", "priority": 2, "dependencies": ["task_design"], "output_artifacts": ["code/rsi.py"]},
		{"id": "task_verify", "title": "Test", "description": "d", "agent_role": "tester", "priority": 3, "dependencies": ["task_build"]}
	]
}`

func TestPlanFirstAttemptSucceeds(t *testing.T) {
	router := &scriptedRouter{responses: []string{validPlanJSON}}
	p := New(router, nil)

	list, err := p.Plan(context.Background(), "build an RSI strategy", nil)
	require.NoError(t, err)
	assert.Equal(t, "plan-1", list.TodoListID)
	assert.Len(t, list.Items, 3)
	assert.Equal(t, 1, p.LastAttempts())
	assert.False(t, list.CreatedAt.IsZero())
}

func TestPlanAcceptsFencedResponse(t *testing.T) {
	router := &scriptedRouter{responses: []string{"Here is the plan:\n```json\n" + validPlanJSON + "\n```"}}
	p := New(router, nil)

	list, err := p.Plan(context.Background(), "build it", nil)
	require.NoError(t, err)
	assert.Len(t, list.Items, 3)
}

func TestPlanRetriesWithValidationErrorEcho(t *testing.T) {
	router := &scriptedRouter{responses: []string{
		`{"todo_list_id": "plan-1", "items": []}`, // fails schema
		validPlanJSON,
	}}
	p := New(router, nil)

	_, err := p.Plan(context.Background(), "build it", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, p.LastAttempts())
	require.Len(t, router.prompts, 2)
	assert.Contains(t, router.prompts[1], "rejected", "retry prompt must echo the rejection")
}

func TestPlanFailsAfterBudget(t *testing.T) {
	router := &scriptedRouter{responses: []string{"no json here at all"}}
	p := New(router, nil)

	_, err := p.Plan(context.Background(), "build it", nil)
	var planErr *PlanError
	require.True(t, errors.As(err, &planErr), "got %v", err)
	assert.Equal(t, 3, planErr.Attempts)
	assert.Equal(t, 3, p.LastAttempts())
}

func TestPlanPropagatesRouterError(t *testing.T) {
	router := &scriptedRouter{err: errors.New("pool exhausted")}
	p := New(router, nil)

	_, err := p.Plan(context.Background(), "build it", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool exhausted")
	assert.Equal(t, 1, p.LastAttempts())
}

func TestPlanRejectsEmptyRequest(t *testing.T) {
	p := New(&scriptedRouter{}, nil)
	_, err := p.Plan(context.Background(), "   ", nil)
	require.Error(t, err)
}

func TestBuildUserPromptCarriesHints(t *testing.T) {
	prompt := buildUserPrompt("Buy when RSI crosses 30, exit at take profit", map[string]string{"universe": "BTC"})
	assert.Contains(t, prompt, "indicator mentioned: RSI")
	assert.Contains(t, prompt, "exit conditions")
	assert.Contains(t, prompt, "take-profit")
	assert.Contains(t, prompt, "universe: BTC")
	assert.True(t, strings.HasPrefix(prompt, "Produce a todo list"))
}
