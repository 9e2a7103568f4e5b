package store

import (
	"strings"
	"time"
)

// ActionType classifies the remediation procedure an action performs.
type ActionType string

const (
	TypeNodeRemediation  ActionType = "node_remediation"
	TypeResourceScaling  ActionType = "resource_scaling"
	TypeModelInference   ActionType = "model_inference"
	TypeAlertCorrelation ActionType = "alert_correlation"
)

// ActionSource identifies which layer authored the action.
type ActionSource string

const (
	SourceDeterministic ActionSource = "deterministic"
	SourceAIDriven      ActionSource = "ai_driven"
)

// ActionStatus is the lifecycle state of an action.
type ActionStatus string

const (
	StatusPending   ActionStatus = "pending"
	StatusRunning   ActionStatus = "running"
	StatusCompleted ActionStatus = "completed"
	StatusFailed    ActionStatus = "failed"
	StatusRejected  ActionStatus = "rejected"
	StatusCancelled ActionStatus = "cancelled"
)

// Action is a unit of remediation work targeting one cluster resource.
type Action struct {
	ID             string       `json:"id" db:"id"`
	Type           ActionType   `json:"type" db:"type"`
	Source         ActionSource `json:"source" db:"source"`
	Target         string       `json:"target" db:"target"`
	Priority       int          `json:"priority" db:"priority"` // 1 (highest) to 5 (lowest)
	Confidence     float64      `json:"confidence,omitempty" db:"confidence"`
	Status         ActionStatus `json:"status" db:"status"`
	Reason         string       `json:"reason,omitempty" db:"reason"`
	WinnerID       string       `json:"winner_id,omitempty" db:"winner_id"`
	DuplicateCount int          `json:"duplicate_count,omitempty" db:"duplicate_count"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
}

// ConflictType classifies why two actions cannot run together.
type ConflictType string

const (
	ConflictSameTarget     ConflictType = "same_target"
	ConflictExclusiveTypes ConflictType = "mutually_exclusive_type"
)

// ConflictRecord is an immutable audit entry for one resolution.
// Records are append-only; nothing mutates them after AppendConflict.
type ConflictRecord struct {
	ActionA      string       `json:"action_a" db:"action_a"`
	ActionB      string       `json:"action_b" db:"action_b"`
	ConflictType ConflictType `json:"conflict_type" db:"conflict_type"`
	Rule         string       `json:"rule" db:"rule"`
	WinnerID     string       `json:"winner_id,omitempty" db:"winner_id"` // empty when both sides lost
	Timestamp    time.Time    `json:"timestamp" db:"timestamp"`
	Latency      time.Duration `json:"latency_ns" db:"latency_ns"`
}

// NormalizeTarget canonicalizes a resource identifier so that equality
// comparisons across submissions are reliable.
func NormalizeTarget(target string) string {
	return strings.ToLower(strings.TrimSpace(target))
}

// IsTerminal reports whether the status permits no further transitions.
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// legalTransitions is the full status transition table. Terminal states
// have no entries: once reached they are frozen.
var legalTransitions = map[ActionStatus][]ActionStatus{
	StatusPending: {StatusRunning, StatusRejected, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to ActionStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidType reports whether t is a known action type.
func ValidType(t ActionType) bool {
	switch t {
	case TypeNodeRemediation, TypeResourceScaling, TypeModelInference, TypeAlertCorrelation:
		return true
	}
	return false
}

// ValidSource reports whether s is a known action source.
func ValidSource(s ActionSource) bool {
	return s == SourceDeterministic || s == SourceAIDriven
}

// Validate checks an action before registration. It returns a
// *ValidationError naming the offending field, or nil.
func (a *Action) Validate() error {
	if !ValidType(a.Type) {
		return &ValidationError{Field: "type", Message: "unknown action type"}
	}
	if !ValidSource(a.Source) {
		return &ValidationError{Field: "source", Message: "unknown action source"}
	}
	if NormalizeTarget(a.Target) == "" {
		return &ValidationError{Field: "target", Message: "target must be non-empty"}
	}
	if a.Priority < 1 || a.Priority > 5 {
		return &ValidationError{Field: "priority", Message: "priority must be between 1 and 5"}
	}
	if a.Source == SourceAIDriven && (a.Confidence < 0.0 || a.Confidence > 1.0) {
		return &ValidationError{Field: "confidence", Message: "confidence must be within [0.0, 1.0]"}
	}
	return nil
}

// Filter selects actions in List operations. Zero fields match everything.
type Filter struct {
	Status ActionStatus
	Source ActionSource
	Target string // matched against the normalized target
}

// Matches reports whether the action passes the filter.
func (f Filter) Matches(a *Action) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Source != "" && a.Source != f.Source {
		return false
	}
	if f.Target != "" && a.Target != NormalizeTarget(f.Target) {
		return false
	}
	return true
}
