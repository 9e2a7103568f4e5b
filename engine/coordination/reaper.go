package coordination

import (
	"context"
	"log"
	"time"

	"github.com/tosin2013/openshift-coordination-engine/engine/observability"
	"github.com/tosin2013/openshift-coordination-engine/engine/store"
)

// Reaper purges terminal actions once the retention window elapses.
// Actions are never deleted on completion; they stay visible for audit
// and metrics until this background sweep retires them.
type Reaper struct {
	store     store.Store
	retention time.Duration
	interval  time.Duration
}

// NewReaper creates a Reaper purging terminal actions older than retention,
// checking every interval.
func NewReaper(s store.Store, retention, interval time.Duration) *Reaper {
	return &Reaper{
		store:     s,
		retention: retention,
		interval:  interval,
	}
}

// Start launches the background loop.
func (r *Reaper) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Reaper) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.retention)
	purged, err := r.store.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		log.Printf("reaper: purge failed: %v", err)
		return
	}
	if purged > 0 {
		observability.ReaperPurged.Add(float64(purged))
		log.Printf("reaper: purged %d expired actions (retention %s)", purged, r.retention)
	}
}
