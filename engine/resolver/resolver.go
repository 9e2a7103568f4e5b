package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/tosin2013/openshift-coordination-engine/engine/observability"
	"github.com/tosin2013/openshift-coordination-engine/engine/store"
)

// Rule names recorded on conflict records and rejected actions.
const (
	RuleSourcePrecedence    = "source_precedence"
	RulePriority            = "priority"
	RuleConfidenceThreshold = "confidence_threshold"
	RuleFailSafe            = "fail_safe_low_confidence"
	RuleTieBreak            = "tie_break_oldest"
)

// Config holds the arbitration policy knobs.
type Config struct {
	// ConfidenceThreshold is the minimum AI confidence required to be
	// eligible to win a conflict.
	ConfidenceThreshold float64

	// ExclusivePairs are type pairs that may never execute concurrently,
	// checked in both orderings.
	ExclusivePairs [][2]store.ActionType
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.7,
		ExclusivePairs: [][2]store.ActionType{
			{store.TypeNodeRemediation, store.TypeResourceScaling},
			{store.TypeModelInference, store.TypeAlertCorrelation},
		},
	}
}

// Decision is the admission outcome for a submitted action.
type Decision struct {
	Admitted  bool   `json:"admitted"`
	Rule      string `json:"rule,omitempty"`      // rule that rejected the candidate
	WinnerID  string `json:"winner_id,omitempty"` // action that beat the candidate
	Evaluated int    `json:"evaluated"`           // conflicts evaluated this pass
}

// Resolver arbitrates between a newly registered action and the set of
// currently active actions. Detection, rule evaluation and status commit
// run under the lock arena so that concurrently submitted conflicting
// actions can never both be admitted.
type Resolver struct {
	store  store.Store
	config Config

	// lock arena keyed by normalized target (and exclusivity class)
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Resolver over the given registry.
func New(s store.Store, cfg Config) *Resolver {
	return &Resolver{
		store:  s,
		config: cfg,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (r *Resolver) lock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.locks[key]
	if !ok {
		m = &sync.Mutex{}
		r.locks[key] = m
	}
	return m
}

// lockKeys returns every arena key the action's admission must hold: its
// normalized target, plus one key per mutually-exclusive class its type
// belongs to. Class keys serialize cross-target type-pair conflicts.
func (r *Resolver) lockKeys(a *store.Action) []string {
	keys := []string{"target:" + store.NormalizeTarget(a.Target)}
	for _, pair := range r.config.ExclusivePairs {
		if a.Type == pair[0] || a.Type == pair[1] {
			keys = append(keys, fmt.Sprintf("pair:%s|%s", pair[0], pair[1]))
		}
	}
	return keys
}

// LockSubmission acquires the arena locks for an action's admission critical
// section. Keys are locked in sorted order so concurrent submissions cannot
// deadlock. The returned function releases them in reverse order.
func (r *Resolver) LockSubmission(a *store.Action) func() {
	keys := r.lockKeys(a)
	sort.Strings(keys)

	held := make([]*sync.Mutex, 0, len(keys))
	for _, key := range keys {
		m := r.lock(key)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// conflictType reports how two actions conflict, or "" when they don't.
func (r *Resolver) conflictType(a, b *store.Action) store.ConflictType {
	if a.Target == b.Target {
		return store.ConflictSameTarget
	}
	for _, pair := range r.config.ExclusivePairs {
		if (a.Type == pair[0] && b.Type == pair[1]) || (a.Type == pair[1] && b.Type == pair[0]) {
			return store.ConflictExclusiveTypes
		}
	}
	return ""
}

// verdict is the outcome of one pairwise rule evaluation.
type verdict struct {
	rule     string
	winner   *store.Action // nil when both sides lost
	losers   []*store.Action
	tieBreak bool
}

// arbitrate runs the rule chain for candidate vs existing. The first rule
// producing a decisive winner stops the chain.
func (r *Resolver) arbitrate(candidate, existing *store.Action) verdict {
	// Rule 1: source precedence. Deterministic procedures are
	// operationally proven; they win unconditionally.
	if candidate.Source != existing.Source {
		if candidate.Source == store.SourceDeterministic {
			return verdict{rule: RuleSourcePrecedence, winner: candidate, losers: []*store.Action{existing}}
		}
		return verdict{rule: RuleSourcePrecedence, winner: existing, losers: []*store.Action{candidate}}
	}

	// Rule 2: priority, lower integer wins.
	if candidate.Priority != existing.Priority {
		if candidate.Priority < existing.Priority {
			return verdict{rule: RulePriority, winner: candidate, losers: []*store.Action{existing}}
		}
		return verdict{rule: RulePriority, winner: existing, losers: []*store.Action{candidate}}
	}

	// Rule 3: confidence threshold. Only meaningful for AI sides.
	if candidate.Source == store.SourceAIDriven {
		candidateLow := candidate.Confidence < r.config.ConfidenceThreshold
		existingLow := existing.Confidence < r.config.ConfidenceThreshold
		switch {
		case candidateLow && existingLow:
			// Fail-safe: act on neither of two low-confidence signals.
			return verdict{rule: RuleFailSafe, losers: []*store.Action{candidate, existing}}
		case candidateLow:
			return verdict{rule: RuleConfidenceThreshold, winner: existing, losers: []*store.Action{candidate}}
		case existingLow:
			return verdict{rule: RuleConfidenceThreshold, winner: candidate, losers: []*store.Action{existing}}
		}
		if candidate.Confidence != existing.Confidence {
			if candidate.Confidence > existing.Confidence {
				return verdict{rule: RuleConfidenceThreshold, winner: candidate, losers: []*store.Action{existing}}
			}
			return verdict{rule: RuleConfidenceThreshold, winner: existing, losers: []*store.Action{candidate}}
		}
	}

	// Rule 4: tie-break. The older action wins.
	if existing.CreatedAt.After(candidate.CreatedAt) {
		return verdict{rule: RuleTieBreak, winner: candidate, losers: []*store.Action{existing}, tieBreak: true}
	}
	return verdict{rule: RuleTieBreak, winner: existing, losers: []*store.Action{candidate}, tieBreak: true}
}

// commitLoser transitions a losing action out of the active set. Pending
// losers are rejected. A Running loser cannot re-enter Rejected, so it is
// preempted to Cancelled. Returns whether the loser was preempted out of
// Running, so the caller can signal the executor to abort.
//
// The loser's status may have moved since ListActive (a dispatch start or
// an operator cancel can land first), so an InvalidTransition triggers one
// re-read and a commit against the current state.
func (r *Resolver) commitLoser(ctx context.Context, loser *store.Action, rule string, winnerID string) (bool, error) {
	status := loser.Status
	for {
		target := store.StatusRejected
		if status == store.StatusRunning {
			target = store.StatusCancelled
		}
		err := r.store.UpdateActionStatus(ctx, loser.ID, target, rule, winnerID)
		if err == nil {
			return status == store.StatusRunning, nil
		}
		if !errors.Is(err, store.ErrInvalidTransition) {
			log.Printf("resolver: failed to commit loser %s (%s -> %s): %v", loser.ID, status, target, err)
			return false, err
		}

		current, getErr := r.store.GetAction(ctx, loser.ID)
		if getErr != nil {
			return false, getErr
		}
		if current.Status.IsTerminal() {
			// Already left the active set on its own (cancelled or failed
			// concurrently); nothing to commit.
			return false, nil
		}
		if current.Status == status {
			// Same state twice means the transition table itself refused
			// the move. Defect signal, never swallowed.
			log.Printf("resolver: failed to commit loser %s (%s -> %s): %v", loser.ID, status, target, err)
			return false, err
		}
		status = current.Status
	}
}

// resolutionLog is the structured decision record emitted per conflict.
type resolutionLog struct {
	Component    string             `json:"component"`
	ConflictType store.ConflictType `json:"conflict_type"`
	Rule         string             `json:"rule"`
	Candidate    string             `json:"candidate"`
	Existing     string             `json:"existing"`
	WinnerID     string             `json:"winner_id,omitempty"`
	TieBreak     bool               `json:"tie_break,omitempty"`
}

func logResolution(entry resolutionLog) {
	entry.Component = "resolver"
	data, _ := json.Marshal(entry)
	log.Println(string(data))
}

// Preempted collects Running losers so the scheduler can signal executor aborts.
type Preempted []string

// Resolve runs conflict detection and the rule chain for a freshly
// registered Pending candidate. Must be called with LockSubmission held
// for the candidate. Losers are committed before return.
func (r *Resolver) Resolve(ctx context.Context, candidate *store.Action) (Decision, Preempted, error) {
	start := time.Now()
	var preempted Preempted

	active, err := r.store.ListActive(ctx)
	if err != nil {
		return Decision{}, nil, err
	}
	// Deterministic evaluation order regardless of backend iteration.
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })

	decision := Decision{Admitted: true}
	for _, existing := range active {
		if existing.ID == candidate.ID {
			continue
		}
		ct := r.conflictType(candidate, existing)
		if ct == "" {
			continue
		}

		v := r.arbitrate(candidate, existing)
		decision.Evaluated++

		observability.ConflictsTotal.WithLabelValues(string(ct)).Inc()
		if v.tieBreak {
			observability.UnresolvedTies.Inc()
		}

		winnerID := ""
		if v.winner != nil {
			winnerID = v.winner.ID
		}
		rec := &store.ConflictRecord{
			ActionA:      candidate.ID,
			ActionB:      existing.ID,
			ConflictType: ct,
			Rule:         v.rule,
			WinnerID:     winnerID,
			Timestamp:    time.Now(),
			Latency:      time.Since(start),
		}
		if err := r.store.AppendConflict(ctx, rec); err != nil {
			return Decision{}, nil, err
		}
		logResolution(resolutionLog{
			ConflictType: ct,
			Rule:         v.rule,
			Candidate:    candidate.ID,
			Existing:     existing.ID,
			WinnerID:     winnerID,
			TieBreak:     v.tieBreak,
		})

		candidateLost := false
		for _, loser := range v.losers {
			if loser.ID == candidate.ID {
				candidateLost = true
				continue
			}
			wasRunning, err := r.commitLoser(ctx, loser, v.rule, winnerID)
			if err != nil {
				return Decision{}, nil, err
			}
			if wasRunning {
				preempted = append(preempted, loser.ID)
			}
		}
		if candidateLost {
			if _, err := r.commitLoser(ctx, candidate, v.rule, winnerID); err != nil {
				return Decision{}, nil, err
			}
			reason := "conflict_loss"
			if v.rule == RuleFailSafe {
				reason = "fail_safe"
			}
			observability.Rejections.WithLabelValues(reason).Inc()
			decision.Admitted = false
			decision.Rule = v.rule
			decision.WinnerID = winnerID
			break
		}
	}

	observability.ResolutionTime.Observe(time.Since(start).Seconds())
	return decision, preempted, nil
}
