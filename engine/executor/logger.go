package executor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tosin2013/openshift-coordination-engine/engine/store"
)

// LogExecutor is the standalone-mode executor: it logs each hand-off and
// reports success after a short simulated execution delay. Used when no
// remote executor is configured, and by tests that need callback control.
type LogExecutor struct {
	callback Callback
	delay    time.Duration

	mu      sync.Mutex
	aborted map[string]bool
}

// NewLogExecutor creates a LogExecutor reporting through cb.
func NewLogExecutor(cb Callback, delay time.Duration) *LogExecutor {
	return &LogExecutor{
		callback: cb,
		delay:    delay,
		aborted:  make(map[string]bool),
	}
}

func (e *LogExecutor) Execute(ctx context.Context, a *store.Action) {
	log.Printf("executor: executing action %s (type=%s target=%s)", a.ID, a.Type, a.Target)

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.delay):
		}

		e.mu.Lock()
		aborted := e.aborted[a.ID]
		delete(e.aborted, a.ID)
		e.mu.Unlock()
		if aborted {
			log.Printf("executor: action %s aborted before completion", a.ID)
			return
		}

		e.callback(context.Background(), Result{ActionID: a.ID, Success: true})
	}()
}

func (e *LogExecutor) Abort(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborted[id] = true
}
