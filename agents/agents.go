// Package agents implements the task handlers behind each agent role:
// architect, coder, tester, debugger and optimizer. Agents share only the
// request-to-result shape; dispatch is a switch on the closed role set.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/forgeloop/forgeloop/artifacts"
	"github.com/forgeloop/forgeloop/bus"
	"github.com/forgeloop/forgeloop/llm"
	"github.com/forgeloop/forgeloop/sandbox"
	"github.com/forgeloop/forgeloop/workflow"
)

// Result statuses agents report.
const (
	StatusCompleted = "completed"
	StatusReady     = "ready"
	StatusFailed    = "failed"
)

// ChatRouter is the subset of the request router agents use. An interface
// so tests can script responses.
type ChatRouter interface {
	Chat(ctx context.Context, in llm.ChatInput) (*llm.ChatResult, error)
}

// Deps bundles the collaborators injected into every agent.
type Deps struct {
	Router ChatRouter
	Bus    bus.Bus
	Store  *artifacts.Store
	Runner *sandbox.Runner
	Logger *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Handler consumes one dispatched task.
type Handler interface {
	Role() workflow.AgentRole
	Handle(ctx context.Context, req bus.TaskRequest) bus.TaskResult
}

// Registry maps roles to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[workflow.AgentRole]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[workflow.AgentRole]Handler)}
}

// Register adds a handler for its role.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Role()] = h
}

// Dispatch routes a request to the handler for its role.
func (r *Registry) Dispatch(ctx context.Context, req bus.TaskRequest) (bus.TaskResult, error) {
	r.mu.RLock()
	h, ok := r.handlers[req.AgentRole]
	r.mu.RUnlock()
	if !ok {
		return bus.TaskResult{}, fmt.Errorf("no handler registered for role %q", req.AgentRole)
	}
	return h.Handle(ctx, req), nil
}

// Roles returns the registered roles.
func (r *Registry) Roles() []workflow.AgentRole {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]workflow.AgentRole, 0, len(r.handlers))
	for role := range r.handlers {
		roles = append(roles, role)
	}
	return roles
}

// failedResult builds a uniform failure result.
func failedResult(req bus.TaskRequest, agentID string, err error) bus.TaskResult {
	return bus.TaskResult{
		TaskID:  req.TaskID,
		AgentID: agentID,
		Status:  StatusFailed,
		Validation: bus.Validation{
			Success: false,
			Errors:  []string{err.Error()},
		},
		Error: err.Error(),
	}
}

// conversationID namespaces agent conversations by workflow and task so
// concurrent workflows never share history.
func conversationID(agent string, req bus.TaskRequest) string {
	return fmt.Sprintf("%s-%s-%s", agent, req.WorkflowID, req.TaskID)
}
