package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workflowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeloop_workflows_total",
		Help: "Workflows entering each terminal or initial status.",
	}, []string{"status"})

	tasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeloop_tasks_dispatched_total",
		Help: "Tasks dispatched to agents by role.",
	}, []string{"role"})

	tasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeloop_tasks_failed_total",
		Help: "Tasks that exhausted their retry budget, by role.",
	}, []string{"role"})

	branchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeloop_branches_total",
		Help: "Repair branches by ingestion outcome.",
	}, []string{"outcome"})
)
