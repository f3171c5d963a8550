package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgeloop/forgeloop/bus"
	"github.com/forgeloop/forgeloop/contract"
	"github.com/forgeloop/forgeloop/keys"
	"github.com/forgeloop/forgeloop/llm"
	"github.com/forgeloop/forgeloop/workflow"
)

// architectTemperature keeps contract structure stable.
const architectTemperature = 0.2

// Architect turns a task description into a machine-readable contract the
// coder implements against.
type Architect struct {
	deps Deps
}

// NewArchitect creates the architect handler.
func NewArchitect(deps Deps) *Architect {
	return &Architect{deps: deps}
}

// Role returns the handled agent role.
func (a *Architect) Role() workflow.AgentRole { return workflow.RoleArchitect }

// Handle renders a contract prompt, parses the reply and persists the
// contract plus any fixtures it declares. Safety blocks are retried once
// on the heavy tier before giving up; the router's own escalation ladder
// runs inside each call.
func (a *Architect) Handle(ctx context.Context, req bus.TaskRequest) bus.TaskResult {
	start := time.Now()
	logger := a.deps.logger().With("agent", "architect", "task_id", req.TaskID)

	temp := architectTemperature
	input := llm.ChatInput{
		ConversationID:           conversationID("architect", req),
		Prompt:                   a.buildPrompt(req),
		SystemPrompt:             architectSystemPrompt,
		Temperature:              &temp,
		MaxOutputTokens:          4096,
		ExpectedCompletionTokens: 2048,
		Workload:                 keys.WorkloadMedium,
	}

	result, err := a.deps.Router.Chat(ctx, input)
	if err != nil && llm.IsSafetyBlock(err) {
		logger.Warn("contract generation safety-blocked, forcing heavy tier")
		input.Workload = keys.WorkloadHeavy
		result, err = a.deps.Router.Chat(ctx, input)
	}
	if err != nil {
		return failedResult(req, "architect", fmt.Errorf("contract generation: %w", err))
	}

	c, err := a.parseContract(result.Content, req)
	if err != nil {
		return failedResult(req, "architect", err)
	}

	path, err := contract.Save(a.deps.Store.Root(), c)
	if err != nil {
		return failedResult(req, "architect", err)
	}

	out := []bus.Artifact{{Path: path, Type: "contract"}}
	for _, fixture := range c.Fixtures {
		fixturePath, err := a.writeFixture(fixture)
		if err != nil {
			logger.Warn("fixture write failed", "fixture", fixture.Name, "error", err)
			continue
		}
		out = append(out, bus.Artifact{Path: fixturePath, Type: "fixture"})
	}

	logger.Info("contract persisted", "contract_id", c.ContractID, "path", path)
	return bus.TaskResult{
		TaskID:          req.TaskID,
		AgentID:         "architect",
		Status:          StatusCompleted,
		Artifacts:       out,
		Validation:      bus.Validation{Success: true},
		DurationSeconds: time.Since(start).Seconds(),
		Metadata:        map[string]any{"contract_path": path},
	}
}

func (a *Architect) buildPrompt(req bus.TaskRequest) string {
	return fmt.Sprintf(`Design a contract for this task.

TITLE: %s

DESCRIPTION:
%s

Produce the JSON contract now.`, req.TaskTitle, req.TaskDescription)
}

// parseContract extracts and validates the contract, stamping ids from the
// request when the model omitted them.
func (a *Architect) parseContract(content string, req bus.TaskRequest) (*contract.Contract, error) {
	raw := llm.ExtractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("contract response contains no JSON object")
	}
	var c contract.Contract
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("parse contract JSON: %w", err)
	}
	if c.ContractID == "" {
		c.ContractID = req.WorkflowID + "_" + req.TaskID
	}
	c.TaskID = req.TaskID
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// writeFixture materializes a declared fixture as a deterministic stub file
// when the architect referenced one that does not exist yet.
func (a *Architect) writeFixture(f contract.Fixture) (string, error) {
	path := a.deps.Store.FixturePath(f.Name)
	content := fmt.Sprintf("# fixture: %s\n# %s\n", f.Name, f.Description)
	if err := a.deps.Store.WriteFile(path, []byte(content)); err != nil {
		return "", err
	}
	return path, nil
}

const architectSystemPrompt = `You are a software architect in a code-generation
pipeline. Given a task, emit a machine-readable contract as a single JSON
object with this shape:

{
  "contract_id": "short unique string",
  "interfaces": [{"name", "description", "signature", "returns", "raises"}],
  "data_models": [{"name", "description", "fields": {"field": "type"}}],
  "examples": [{"interface", "input", "output", "notes"}],
  "test_skeleton": "python test module source as a string",
  "fixtures": [{"name", "path", "description"}]
}

Rules:
- at least one interface with a concrete Python signature
- at least two examples per interface covering a normal case and an edge case
- the test skeleton must be runnable pytest code exercising every example
- output raw JSON, no markdown fences, no prose`
