package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/tosin2013/openshift-coordination-engine/engine/store"
)

func setup(t *testing.T) (*Resolver, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	return New(s, DefaultConfig()), s
}

func register(t *testing.T, s store.Store, a *store.Action) *store.Action {
	t.Helper()
	if err := s.RegisterAction(context.Background(), a); err != nil {
		t.Fatalf("register %s failed: %v", a.ID, err)
	}
	return a
}

func TestSourcePrecedence(t *testing.T) {
	r, s := setup(t)
	ctx := context.Background()

	register(t, s, &store.Action{
		ID: "ai-1", Type: store.TypeResourceScaling, Source: store.SourceAIDriven,
		Target: "worker-1", Priority: 2, Confidence: 0.95,
		CreatedAt: time.Now().Add(-time.Second),
	})
	det := register(t, s, &store.Action{
		ID: "det-1", Type: store.TypeNodeRemediation, Source: store.SourceDeterministic,
		Target: "worker-1", Priority: 5,
	})

	unlock := r.LockSubmission(det)
	decision, preempted, err := r.Resolve(ctx, det)
	unlock()
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !decision.Admitted {
		t.Fatalf("expected deterministic candidate admitted, got %+v", decision)
	}
	if len(preempted) != 0 {
		t.Errorf("pending loser must not be preempted, got %v", preempted)
	}

	loser, _ := s.GetAction(ctx, "ai-1")
	if loser.Status != store.StatusRejected {
		t.Errorf("expected ai-1 rejected, got %s", loser.Status)
	}
	if loser.Reason != RuleSourcePrecedence {
		t.Errorf("expected reason %s, got %s", RuleSourcePrecedence, loser.Reason)
	}
	if loser.WinnerID != "det-1" {
		t.Errorf("expected winner det-1, got %s", loser.WinnerID)
	}
}

func TestSourcePrecedenceCandidateLoses(t *testing.T) {
	r, s := setup(t)
	ctx := context.Background()

	register(t, s, &store.Action{
		ID: "det-1", Type: store.TypeNodeRemediation, Source: store.SourceDeterministic,
		Target: "worker-1", Priority: 5,
		CreatedAt: time.Now().Add(-time.Second),
	})
	ai := register(t, s, &store.Action{
		ID: "ai-1", Type: store.TypeResourceScaling, Source: store.SourceAIDriven,
		Target: "worker-1", Priority: 1, Confidence: 0.99,
	})

	unlock := r.LockSubmission(ai)
	decision, _, err := r.Resolve(ctx, ai)
	unlock()
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if decision.Admitted {
		t.Fatal("expected AI candidate rejected against deterministic incumbent")
	}
	if decision.Rule != RuleSourcePrecedence {
		t.Errorf("expected rule %s, got %s", RuleSourcePrecedence, decision.Rule)
	}
	if decision.WinnerID != "det-1" {
		t.Errorf("expected winner det-1, got %s", decision.WinnerID)
	}
}

func TestPriorityRule(t *testing.T) {
	r, s := setup(t)
	ctx := context.Background()

	register(t, s, &store.Action{
		ID: "a-low", Type: store.TypeNodeRemediation, Source: store.SourceDeterministic,
		Target: "worker-1", Priority: 4,
		CreatedAt: time.Now().Add(-time.Second),
	})
	candidate := register(t, s, &store.Action{
		ID: "a-high", Type: store.TypeNodeRemediation, Source: store.SourceDeterministic,
		Target: "worker-1", Priority: 1,
	})

	unlock := r.LockSubmission(candidate)
	decision, _, err := r.Resolve(ctx, candidate)
	unlock()
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !decision.Admitted {
		t.Fatalf("expected priority 1 candidate admitted, got %+v", decision)
	}

	loser, _ := s.GetAction(ctx, "a-low")
	if loser.Status != store.StatusRejected || loser.Reason != RulePriority {
		t.Errorf("expected a-low rejected by priority, got %s/%s", loser.Status, loser.Reason)
	}
}

func TestConfidenceThreshold(t *testing.T) {
	r, s := setup(t)
	ctx := context.Background()

	register(t, s, &store.Action{
		ID: "ai-low", Type: store.TypeModelInference, Source: store.SourceAIDriven,
		Target: "worker-1", Priority: 3, Confidence: 0.55,
		CreatedAt: time.Now().Add(-time.Second),
	})
	candidate := register(t, s, &store.Action{
		ID: "ai-high", Type: store.TypeModelInference, Source: store.SourceAIDriven,
		Target: "worker-1", Priority: 3, Confidence: 0.88,
	})

	unlock := r.LockSubmission(candidate)
	decision, _, err := r.Resolve(ctx, candidate)
	unlock()
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !decision.Admitted {
		t.Fatalf("expected above-threshold candidate admitted, got %+v", decision)
	}

	loser, _ := s.GetAction(ctx, "ai-low")
	if loser.Status != store.StatusRejected || loser.Reason != RuleConfidenceThreshold {
		t.Errorf("expected ai-low rejected by confidence, got %s/%s", loser.Status, loser.Reason)
	}
}

func TestFailSafeRejectsBoth(t *testing.T) {
	r, s := setup(t)
	ctx := context.Background()

	register(t, s, &store.Action{
		ID: "ai-a", Type: store.TypeModelInference, Source: store.SourceAIDriven,
		Target: "worker-1", Priority: 3, Confidence: 0.4,
		CreatedAt: time.Now().Add(-time.Second),
	})
	candidate := register(t, s, &store.Action{
		ID: "ai-b", Type: store.TypeModelInference, Source: store.SourceAIDriven,
		Target: "worker-1", Priority: 3, Confidence: 0.5,
	})

	unlock := r.LockSubmission(candidate)
	decision, _, err := r.Resolve(ctx, candidate)
	unlock()
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if decision.Admitted {
		t.Fatal("expected low-confidence candidate rejected")
	}
	if decision.Rule != RuleFailSafe {
		t.Errorf("expected rule %s, got %s", RuleFailSafe, decision.Rule)
	}
	if decision.WinnerID != "" {
		t.Errorf("fail-safe has no winner, got %s", decision.WinnerID)
	}

	for _, id := range []string{"ai-a", "ai-b"} {
		a, _ := s.GetAction(ctx, id)
		if a.Status != store.StatusRejected {
			t.Errorf("expected %s rejected under fail-safe, got %s", id, a.Status)
		}
	}
}

func TestTieBreakOldestWins(t *testing.T) {
	r, s := setup(t)
	ctx := context.Background()

	register(t, s, &store.Action{
		ID: "a-old", Type: store.TypeNodeRemediation, Source: store.SourceDeterministic,
		Target: "worker-1", Priority: 2,
		CreatedAt: time.Now().Add(-time.Minute),
	})
	candidate := register(t, s, &store.Action{
		ID: "a-new", Type: store.TypeNodeRemediation, Source: store.SourceDeterministic,
		Target: "worker-1", Priority: 2,
	})

	unlock := r.LockSubmission(candidate)
	decision, _, err := r.Resolve(ctx, candidate)
	unlock()
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if decision.Admitted {
		t.Fatal("expected newer candidate to lose the tie-break")
	}
	if decision.Rule != RuleTieBreak {
		t.Errorf("expected rule %s, got %s", RuleTieBreak, decision.Rule)
	}
	if decision.WinnerID != "a-old" {
		t.Errorf("expected winner a-old, got %s", decision.WinnerID)
	}
}

func TestCrossTargetExclusiveTypes(t *testing.T) {
	r, s := setup(t)
	ctx := context.Background()

	// node_remediation and resource_scaling exclude each other even on
	// different targets.
	register(t, s, &store.Action{
		ID: "scale-1", Type: store.TypeResourceScaling, Source: store.SourceDeterministic,
		Target: "worker-2", Priority: 3,
		CreatedAt: time.Now().Add(-time.Second),
	})
	candidate := register(t, s, &store.Action{
		ID: "node-1", Type: store.TypeNodeRemediation, Source: store.SourceDeterministic,
		Target: "worker-1", Priority: 1,
	})

	unlock := r.LockSubmission(candidate)
	decision, _, err := r.Resolve(ctx, candidate)
	unlock()
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !decision.Admitted {
		t.Fatalf("expected priority 1 candidate admitted, got %+v", decision)
	}
	if decision.Evaluated != 1 {
		t.Errorf("expected 1 conflict evaluated, got %d", decision.Evaluated)
	}

	loser, _ := s.GetAction(ctx, "scale-1")
	if loser.Status != store.StatusRejected {
		t.Errorf("expected cross-target loser rejected, got %s", loser.Status)
	}

	recs, _ := s.ConflictsSince(ctx, time.Now().Add(-time.Minute))
	if len(recs) != 1 || recs[0].ConflictType != store.ConflictExclusiveTypes {
		t.Errorf("expected one mutually_exclusive_type record, got %v", recs)
	}
}

func TestNoConflictBetweenUnrelatedActions(t *testing.T) {
	r, s := setup(t)
	ctx := context.Background()

	register(t, s, &store.Action{
		ID: "corr-1", Type: store.TypeAlertCorrelation, Source: store.SourceDeterministic,
		Target: "worker-2", Priority: 3,
		CreatedAt: time.Now().Add(-time.Second),
	})
	candidate := register(t, s, &store.Action{
		ID: "node-1", Type: store.TypeNodeRemediation, Source: store.SourceDeterministic,
		Target: "worker-1", Priority: 3,
	})

	unlock := r.LockSubmission(candidate)
	decision, _, err := r.Resolve(ctx, candidate)
	unlock()
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !decision.Admitted || decision.Evaluated != 0 {
		t.Errorf("expected admission with no conflicts, got %+v", decision)
	}

	incumbent, _ := s.GetAction(ctx, "corr-1")
	if incumbent.Status != store.StatusPending {
		t.Errorf("expected unrelated incumbent untouched, got %s", incumbent.Status)
	}
}

func TestRunningLoserIsPreempted(t *testing.T) {
	r, s := setup(t)
	ctx := context.Background()

	register(t, s, &store.Action{
		ID: "ai-1", Type: store.TypeResourceScaling, Source: store.SourceAIDriven,
		Target: "worker-1", Priority: 2, Confidence: 0.9,
		CreatedAt: time.Now().Add(-time.Second),
	})
	if err := s.UpdateActionStatus(ctx, "ai-1", store.StatusRunning, "", ""); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	det := register(t, s, &store.Action{
		ID: "det-1", Type: store.TypeNodeRemediation, Source: store.SourceDeterministic,
		Target: "worker-1", Priority: 2,
	})

	unlock := r.LockSubmission(det)
	decision, preempted, err := r.Resolve(ctx, det)
	unlock()
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !decision.Admitted {
		t.Fatalf("expected deterministic candidate admitted, got %+v", decision)
	}
	if len(preempted) != 1 || preempted[0] != "ai-1" {
		t.Fatalf("expected ai-1 preempted, got %v", preempted)
	}

	loser, _ := s.GetAction(ctx, "ai-1")
	if loser.Status != store.StatusCancelled {
		t.Errorf("running loser must be cancelled not rejected, got %s", loser.Status)
	}
}

func TestCommitLoserAfterConcurrentStart(t *testing.T) {
	r, s := setup(t)
	ctx := context.Background()

	register(t, s, &store.Action{
		ID: "a-1", Type: store.TypeNodeRemediation, Source: store.SourceDeterministic,
		Target: "worker-1", Priority: 3,
	})
	stale, _ := s.GetAction(ctx, "a-1") // still Pending in this snapshot

	// The action starts between the active-set read and the commit.
	if err := s.UpdateActionStatus(ctx, "a-1", store.StatusRunning, "", ""); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	preempted, err := r.commitLoser(ctx, stale, RulePriority, "winner-1")
	if err != nil {
		t.Fatalf("expected commit to recover from the stale snapshot: %v", err)
	}
	if !preempted {
		t.Error("expected preemption flag for a loser caught running")
	}

	a, _ := s.GetAction(ctx, "a-1")
	if a.Status != store.StatusCancelled {
		t.Errorf("expected running loser cancelled, got %s", a.Status)
	}
	if a.Reason != RulePriority || a.WinnerID != "winner-1" {
		t.Errorf("expected rule/winner annotation, got %s/%s", a.Reason, a.WinnerID)
	}
}

func TestCommitLoserAlreadyTerminal(t *testing.T) {
	r, s := setup(t)
	ctx := context.Background()

	register(t, s, &store.Action{
		ID: "a-1", Type: store.TypeNodeRemediation, Source: store.SourceDeterministic,
		Target: "worker-1", Priority: 3,
	})
	stale, _ := s.GetAction(ctx, "a-1")

	// Cancelled concurrently (operator override) before the commit lands.
	if err := s.UpdateActionStatus(ctx, "a-1", store.StatusCancelled, "operator_cancel", ""); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	preempted, err := r.commitLoser(ctx, stale, RulePriority, "winner-1")
	if err != nil {
		t.Fatalf("terminal loser must not error the resolution: %v", err)
	}
	if preempted {
		t.Error("terminal loser must not request an abort")
	}

	a, _ := s.GetAction(ctx, "a-1")
	if a.Status != store.StatusCancelled || a.Reason != "operator_cancel" {
		t.Errorf("terminal state must be untouched, got %s/%s", a.Status, a.Reason)
	}
}

func TestLockSubmissionSerializesSameTarget(t *testing.T) {
	r, _ := setup(t)

	a := &store.Action{ID: "a-1", Type: store.TypeAlertCorrelation, Target: "Worker-1"}
	b := &store.Action{ID: "a-2", Type: store.TypeAlertCorrelation, Target: "worker-1 "}

	unlockA := r.LockSubmission(a)
	acquired := make(chan struct{})
	go func() {
		unlockB := r.LockSubmission(b)
		close(acquired)
		unlockB()
	}()

	select {
	case <-acquired:
		t.Fatal("second submission acquired the target lock while the first held it")
	case <-time.After(50 * time.Millisecond):
	}

	unlockA()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second submission never acquired the lock after release")
	}
}
