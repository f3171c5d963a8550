package agents

import (
	"context"

	"github.com/forgeloop/forgeloop/bus"
	"github.com/forgeloop/forgeloop/workflow"
)

// Optimizer is a coder variant that rewrites an existing implementation for
// performance while keeping the contract intact. It shares the coder's
// generation and static-check path.
type Optimizer struct {
	coder *Coder
}

// NewOptimizer creates the optimizer handler.
func NewOptimizer(deps Deps) *Optimizer {
	return &Optimizer{coder: NewCoder(deps)}
}

// Role returns the handled agent role.
func (o *Optimizer) Role() workflow.AgentRole { return workflow.RoleOptimizer }

// Handle prefixes the task with optimization constraints and runs the
// standard generation pipeline.
func (o *Optimizer) Handle(ctx context.Context, req bus.TaskRequest) bus.TaskResult {
	req.TaskDescription = optimizerPreamble + req.TaskDescription
	result := o.coder.Handle(ctx, req)
	result.AgentID = "optimizer"
	return result
}

const optimizerPreamble = `Optimize the existing implementation of this task
for runtime and memory without changing its contract. Vectorize loops with
numpy or pandas where the data is columnar, avoid per-row Python iteration,
and keep every existing test passing. Behavioural changes are a failure.

`
