package executor

import (
	"context"

	"github.com/tosin2013/openshift-coordination-engine/engine/store"
)

// Result is the outcome an executor reports back for one action.
type Result struct {
	ActionID string `json:"action_id"`
	Success  bool   `json:"success"`
	Reason   string `json:"reason,omitempty"`
}

// Callback delivers an executor result back into the engine. The engine
// wires this to UpdateActionStatus; executors never touch the registry.
type Callback func(ctx context.Context, res Result)

// Executor is the boundary to the external remediation system (Kubernetes
// API client, ML inference client). Execute hands off a Running action and
// returns immediately; the outcome arrives later through the callback or
// the result endpoint. The engine enforces the execution timeout, not the
// executor.
type Executor interface {
	// Execute asynchronously hands off a running action.
	Execute(ctx context.Context, a *store.Action)

	// Abort best-effort signals the executor to stop an in-flight action.
	// Used for operator cancellation and conflict preemption.
	Abort(id string)
}
