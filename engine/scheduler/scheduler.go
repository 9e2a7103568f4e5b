package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tosin2013/openshift-coordination-engine/engine/executor"
	"github.com/tosin2013/openshift-coordination-engine/engine/observability"
	"github.com/tosin2013/openshift-coordination-engine/engine/resolver"
	"github.com/tosin2013/openshift-coordination-engine/engine/store"
)

// Scheduler owns admission control (dedup, rate limiting, conflict
// resolution, capacity) and the dispatch of winning actions to the
// executor. Submission never blocks on execution: admitted actions go
// through the bounded queue and an internal work channel.
type Scheduler struct {
	store    store.Store
	resolver *resolver.Resolver
	executor executor.Executor
	queue    *Queue
	limiter  *TargetLimiter
	config   Config

	// work decouples the dispatch loop from executor hand-off.
	work chan *store.Action
}

// New creates a Scheduler. The executor is set via SetExecutor before
// Start, since the executor callback needs the scheduler first.
func New(s store.Store, r *resolver.Resolver, cfg Config) *Scheduler {
	return &Scheduler{
		store:    s,
		resolver: r,
		queue:    NewQueue(),
		limiter:  NewTargetLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		config:   cfg,
		work:     make(chan *store.Action, cfg.MaxActiveActions),
	}
}

// SetExecutor wires the remediation executor.
func (s *Scheduler) SetExecutor(e executor.Executor) {
	s.executor = e
}

// admissionLog is the structured decision record for one submission.
type admissionLog struct {
	Component string `json:"component"`
	Decision  string `json:"decision"` // ADMITTED, DEDUPLICATED, RATE_LIMITED, REJECTED
	ActionID  string `json:"action_id,omitempty"`
	Target    string `json:"target"`
	Rule      string `json:"rule,omitempty"`
	WinnerID  string `json:"winner_id,omitempty"`
}

func logAdmission(entry admissionLog) {
	entry.Component = "scheduler"
	data, _ := json.Marshal(entry)
	log.Println(string(data))
}

// Submit runs the full admission sequence for a normalized action:
// dedup, rate limit, registration, conflict resolution, enqueue. The
// whole sequence holds the resolver's arena locks for the action's target
// so two conflicting concurrent submissions can never both be admitted.
func (s *Scheduler) Submit(ctx context.Context, a *store.Action) (SubmitResult, error) {
	if err := a.Validate(); err != nil {
		return SubmitResult{}, err
	}
	a.Target = store.NormalizeTarget(a.Target)

	unlock := s.resolver.LockSubmission(a)
	defer unlock()

	// Dedup: coalesce into an identical active action instead of
	// creating a new one.
	existing, err := s.store.FindActiveDuplicate(ctx, a.Type, a.Target, a.Source)
	if err != nil {
		return SubmitResult{}, err
	}
	if existing != nil {
		count, err := s.store.IncrementDuplicateCount(ctx, existing.ID)
		if err != nil {
			return SubmitResult{}, err
		}
		logAdmission(admissionLog{Decision: "DEDUPLICATED", ActionID: existing.ID, Target: a.Target})
		return SubmitResult{
			ID:             existing.ID,
			Status:         string(existing.Status),
			Priority:       existing.Priority,
			Deduplicated:   true,
			DuplicateCount: count,
		}, nil
	}

	if !s.limiter.Allow(a.Target) {
		observability.Rejections.WithLabelValues("rate_limited").Inc()
		logAdmission(admissionLog{Decision: "RATE_LIMITED", Target: a.Target})
		return SubmitResult{}, ErrRateLimited
	}

	a.ID = uuid.NewString()
	a.Status = store.StatusPending
	a.CreatedAt = time.Now()
	if err := s.store.RegisterAction(ctx, a); err != nil {
		return SubmitResult{}, err
	}
	observability.ActionsTotal.WithLabelValues(string(a.Type), string(a.Source)).Inc()

	decision, preempted, err := s.resolver.Resolve(ctx, a)
	if err != nil {
		// Never strand the registered candidate: a Pending action outside
		// the queue would sit forever and soak up future dedup matches.
		if uerr := s.store.UpdateActionStatus(ctx, a.ID, store.StatusRejected, "resolution_error", ""); uerr != nil {
			log.Printf("scheduler: failed to reject candidate %s after resolve error: %v", a.ID, uerr)
		}
		return SubmitResult{}, err
	}
	// Conflict losers that were already executing get a best-effort abort.
	for _, id := range preempted {
		if s.executor != nil {
			s.executor.Abort(id)
		}
	}

	if !decision.Admitted {
		logAdmission(admissionLog{
			Decision: "REJECTED", ActionID: a.ID, Target: a.Target,
			Rule: decision.Rule, WinnerID: decision.WinnerID,
		})
		return SubmitResult{
			ID:       a.ID,
			Status:   string(store.StatusRejected),
			Priority: a.Priority,
			Rule:     decision.Rule,
			WinnerID: decision.WinnerID,
		}, nil
	}

	s.queue.Push(a)
	logAdmission(admissionLog{Decision: "ADMITTED", ActionID: a.ID, Target: a.Target})
	return SubmitResult{
		ID:       a.ID,
		Status:   string(store.StatusPending),
		Priority: a.Priority,
	}, nil
}

// Start launches the dispatch loop and the execution-timeout monitor.
func (s *Scheduler) Start(ctx context.Context) {
	go s.dispatchLoop(ctx)
	go s.executeLoop(ctx)
	go s.timeoutLoop(ctx)
}

// dispatchLoop moves Pending winners to Running while capacity allows.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			s.dispatchTick(ctx)
			observability.DispatchLoopDuration.Observe(time.Since(start).Seconds())
			observability.QueueDepth.Set(float64(s.queue.Len()))
		}
	}
}

func (s *Scheduler) dispatchTick(ctx context.Context) {
	running, err := s.store.CountActionsByStatus(ctx, store.StatusRunning)
	if err != nil {
		log.Printf("scheduler: failed to count running actions: %v", err)
		return
	}
	observability.ActiveActions.Set(float64(running))

	for running < s.config.MaxActiveActions {
		a := s.queue.Pop()
		if a == nil {
			return
		}

		// The Pending -> Running flip must not interleave with a Resolve
		// that listed this action in its active set, so it happens under
		// the same arena locks a submission for this target would hold.
		unlock := s.resolver.LockSubmission(a)

		// The action may have lost a conflict or been cancelled while
		// queued; only Pending actions may start.
		current, err := s.store.GetAction(ctx, a.ID)
		if err != nil {
			unlock()
			log.Printf("scheduler: queued action %s vanished: %v", a.ID, err)
			continue
		}
		if current.Status != store.StatusPending {
			unlock()
			continue
		}

		if err := s.store.UpdateActionStatus(ctx, a.ID, store.StatusRunning, "", ""); err != nil {
			unlock()
			// Lost a race with cancellation; defect if anything else.
			log.Printf("scheduler: cannot start action %s: %v", a.ID, err)
			continue
		}
		unlock()
		current.Status = store.StatusRunning
		running++
		observability.ActiveActions.Set(float64(running))

		select {
		case s.work <- current:
		case <-ctx.Done():
			return
		}
	}
}

// executeLoop consumes the work channel and hands actions to the executor.
func (s *Scheduler) executeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-s.work:
			if s.executor == nil {
				log.Printf("scheduler: no executor configured, action %s stuck running", a.ID)
				continue
			}
			s.executor.Execute(ctx, a)
		}
	}
}

// timeoutLoop fails Running actions whose executor never called back.
func (s *Scheduler) timeoutLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepTimeouts(ctx)
		}
	}
}

func (s *Scheduler) sweepTimeouts(ctx context.Context) {
	running, err := s.store.ListActions(ctx, store.Filter{Status: store.StatusRunning})
	if err != nil {
		log.Printf("scheduler: timeout sweep list failed: %v", err)
		return
	}

	cutoff := time.Now().Add(-s.config.ExecutionTimeout)
	for _, a := range running {
		if a.StartedAt == nil || a.StartedAt.After(cutoff) {
			continue
		}
		if err := s.store.UpdateActionStatus(ctx, a.ID, store.StatusFailed, "execution_timeout", ""); err != nil {
			log.Printf("scheduler: failed to time out action %s: %v", a.ID, err)
			continue
		}
		observability.ExecutionTimeouts.Inc()
		log.Printf("scheduler: action %s failed with execution_timeout (started %s)", a.ID, a.StartedAt.Format(time.RFC3339))
		if s.executor != nil {
			s.executor.Abort(a.ID)
		}
	}
}

// HandleResult is the executor callback: it commits the reported outcome.
// Late callbacks after a timeout or cancel return ErrInvalidTransition; the
// transition table already decided, so callers report it and move on.
func (s *Scheduler) HandleResult(ctx context.Context, res executor.Result) error {
	status := store.StatusCompleted
	if !res.Success {
		status = store.StatusFailed
	}
	if err := s.store.UpdateActionStatus(ctx, res.ActionID, status, res.Reason, ""); err != nil {
		log.Printf("scheduler: result for action %s not applied: %v", res.ActionID, err)
		return err
	}
	return nil
}

// Cancel is the operator override: Pending or Running directly to
// Cancelled, bypassing normal resolution, with a best-effort executor abort.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	a, err := s.store.GetAction(ctx, id)
	if err != nil {
		return err
	}
	wasRunning := a.Status == store.StatusRunning

	if err := s.store.UpdateActionStatus(ctx, id, store.StatusCancelled, "operator_cancel", ""); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			log.Printf("scheduler: cancel of %s refused in state %s", id, a.Status)
		}
		return err
	}
	if wasRunning && s.executor != nil {
		s.executor.Abort(id)
	}
	return nil
}

// Stats aggregates engine status for the API layer.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	pending, err := s.store.CountActionsByStatus(ctx, store.StatusPending)
	if err != nil {
		return Stats{}, err
	}
	running, err := s.store.CountActionsByStatus(ctx, store.StatusRunning)
	if err != nil {
		return Stats{}, err
	}
	midnight := time.Now().Truncate(24 * time.Hour)
	conflicts, err := s.store.CountConflictsSince(ctx, midnight)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		QueueDepth:     s.queue.Len(),
		PendingCount:   pending,
		RunningCount:   running,
		MaxActive:      s.config.MaxActiveActions,
		ConflictsToday: conflicts,
	}, nil
}
