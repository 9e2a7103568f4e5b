package scheduler

import (
	"errors"
	"time"
)

// ErrRateLimited is returned when a target exceeds its admission budget
// inside the sliding window. Guards against action storms from a flapping
// detector; the caller maps it to HTTP 429.
var ErrRateLimited = errors.New("rate limit exceeded for target")

// Config holds the admission and dispatch knobs.
type Config struct {
	// MaxActiveActions caps concurrently Running actions. An admitted
	// action waits Pending until a slot frees.
	MaxActiveActions int // Default: 10, scaled by deployment size

	// ExecutionTimeout is how long a Running action may wait for an
	// executor callback before being failed and its slot reclaimed.
	ExecutionTimeout time.Duration // Default: 10 minutes

	// DispatchInterval is the dispatch loop tick.
	DispatchInterval time.Duration // Default: 100ms

	// SweepInterval is the execution-timeout monitor tick.
	SweepInterval time.Duration // Default: 30s

	// RateLimitMax admissions per target within RateLimitWindow.
	RateLimitMax    int           // Default: 3
	RateLimitWindow time.Duration // Default: 5 minutes
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxActiveActions: 10,
		ExecutionTimeout: 10 * time.Minute,
		DispatchInterval: 100 * time.Millisecond,
		SweepInterval:    30 * time.Second,
		RateLimitMax:     3,
		RateLimitWindow:  5 * time.Minute,
	}
}

// SubmitResult reports the admission outcome to the API layer.
type SubmitResult struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Priority       int    `json:"priority"`
	Deduplicated   bool   `json:"deduplicated,omitempty"`
	DuplicateCount int    `json:"duplicate_count,omitempty"`
	Rule           string `json:"rule,omitempty"`
	WinnerID       string `json:"winner_id,omitempty"`
}

// Stats is the aggregate engine status exposed by /api/v1/status.
type Stats struct {
	QueueDepth     int `json:"queue_depth"`
	PendingCount   int `json:"pending_count"`
	RunningCount   int `json:"running_count"`
	MaxActive      int `json:"max_active"`
	ConflictsToday int `json:"conflicts_today"`
}
