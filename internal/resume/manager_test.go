package resume

import (
	"testing"
	"time"

	"github.com/roundtable-ai/orchestrator/internal/domain"
)

func statusPtr(s domain.RecordStatus) *domain.RecordStatus { return &s }

func descriptor(threadID string, round, index int, age time.Duration) *domain.ResumptionDescriptor {
	return &domain.ResumptionDescriptor{
		ThreadID:         threadID,
		RoundNumber:      round,
		ParticipantIndex: index,
		State:            "active",
		CreatedAt:        time.Now().Add(-age),
	}
}

func TestDescriptorActionable(t *testing.T) {
	m := NewManager("th1", 2)

	if err := m.DescriptorActionable(descriptor("th1", 2, 1, 5*time.Minute)); err != nil {
		t.Fatalf("expected actionable descriptor: %v", err)
	}
	if err := m.DescriptorActionable(descriptor("other", 2, 1, 5*time.Minute)); err != ErrThreadMismatch {
		t.Fatalf("expected ErrThreadMismatch, got %v", err)
	}
	if err := m.DescriptorActionable(descriptor("th1", 2, 2, 5*time.Minute)); err != ErrIndexOutOfBounds {
		t.Fatalf("expected ErrIndexOutOfBounds, got %v", err)
	}
	if err := m.DescriptorActionable(descriptor("th1", 2, 1, time.Hour)); err != ErrStaleDescriptor {
		t.Fatalf("age >= 1h must invalidate, got %v", err)
	}
}

// Scenario C: reload mid-round-2 with a valid descriptor and a stale
// local optimistic user message; resumption proceeds at index 1.
func TestReconcileServerPrefillOverridesLocalEvidence(t *testing.T) {
	m := NewManager("th1", 2)

	plan, err := m.Reconcile(
		descriptor("th1", 2, 1, 10*time.Minute),
		Evidence{ServerPrefill: true, OptimisticUserMessage: true},
	)
	if err != nil {
		t.Fatalf("expected resumption: %v", err)
	}
	if plan.RoundNumber != 2 || plan.ParticipantIndex != 1 {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestReconcileCompletePreSearchCorroborates(t *testing.T) {
	m := NewManager("th1", 2)

	ev := Evidence{OptimisticUserMessage: true, PreSearchStatus: statusPtr(domain.RecordStatusComplete)}
	if _, err := m.Reconcile(descriptor("th1", 1, 0, time.Minute), ev); err != nil {
		t.Fatalf("complete pre-search must corroborate the submission: %v", err)
	}

	// A non-complete record is not corroboration.
	ev.PreSearchStatus = statusPtr(domain.RecordStatusStreaming)
	if _, err := m.Reconcile(descriptor("th1", 1, 0, time.Minute), ev); err != ErrActiveSubmission {
		t.Fatalf("expected ErrActiveSubmission, got %v", err)
	}
}

func TestReconcileRefusesWithoutEvidence(t *testing.T) {
	m := NewManager("th1", 2)

	if _, err := m.Reconcile(descriptor("th1", 1, 0, time.Minute), Evidence{QueuedMessage: true}); err != ErrActiveSubmission {
		t.Fatalf("queued message must refuse resumption, got %v", err)
	}
	if _, err := m.Reconcile(descriptor("th1", 1, 0, time.Minute), Evidence{}); err != ErrNoEvidence {
		t.Fatalf("no evidence must refuse conservatively, got %v", err)
	}
}

func TestHealStreamingFlag(t *testing.T) {
	if got, healed := HealStreamingFlag(true, true); got || !healed {
		t.Fatal("stuck local flag must yield to the idle transport report")
	}
	if got, healed := HealStreamingFlag(true, false); !got || healed {
		t.Fatal("genuinely streaming flag must be kept")
	}
	if got, healed := HealStreamingFlag(false, true); got || healed {
		t.Fatal("nothing to heal")
	}
}

func TestSendGuardDeferredRevalidation(t *testing.T) {
	var g SendGuard

	if !g.Claim(false) {
		t.Fatal("claim must succeed while input is allowed")
	}
	if g.Claim(false) {
		t.Fatal("second claim must fail while held")
	}

	// Busy flags changed before the deferred tick: send aborts and the
	// claim rolls back.
	if g.Confirm(true) {
		t.Fatal("confirm must abort when busy")
	}
	if g.Claimed() {
		t.Fatal("aborted send must roll the claim back")
	}

	// A subsequent attempt is not permanently blocked.
	if !g.Claim(false) || !g.Confirm(false) {
		t.Fatal("retry after rollback must proceed")
	}
	g.Release()
	if g.Claimed() {
		t.Fatal("release must clear the claim")
	}
}
