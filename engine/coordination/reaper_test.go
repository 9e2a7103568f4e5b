package coordination

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tosin2013/openshift-coordination-engine/engine/store"
)

func TestReaperSweep(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	expired := &store.Action{
		ID: "a-old", Type: store.TypeNodeRemediation, Source: store.SourceDeterministic,
		Target: "worker-1", Priority: 1,
	}
	if err := s.RegisterAction(ctx, expired); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	s.UpdateActionStatus(ctx, "a-old", store.StatusRejected, "conflict_loss", "")

	// Terminal for longer than the retention window.
	time.Sleep(20 * time.Millisecond)

	kept := &store.Action{
		ID: "a-pending", Type: store.TypeResourceScaling, Source: store.SourceDeterministic,
		Target: "worker-2", Priority: 2,
	}
	s.RegisterAction(ctx, kept)

	r := NewReaper(s, 10*time.Millisecond, time.Hour)
	r.sweep(ctx)

	if _, err := s.GetAction(ctx, "a-old"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected expired terminal action purged, got %v", err)
	}
	// Non-terminal actions survive regardless of age.
	if _, err := s.GetAction(ctx, "a-pending"); err != nil {
		t.Errorf("expected pending action retained: %v", err)
	}
}
