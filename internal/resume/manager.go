// Package resume reconciles local transient state with server evidence
// after a page reload and decides whether an incomplete round may be
// continued.
package resume

import (
	"errors"
	"time"

	"github.com/roundtable-ai/orchestrator/internal/domain"
)

var (
	// ErrThreadMismatch invalidates a descriptor for another thread.
	ErrThreadMismatch = errors.New("resumption descriptor thread mismatch")
	// ErrIndexOutOfBounds invalidates a participant index outside the
	// current enabled roster.
	ErrIndexOutOfBounds = errors.New("resumption participant index out of roster bounds")
	// ErrStaleDescriptor invalidates a descriptor at or past the
	// staleness threshold.
	ErrStaleDescriptor = errors.New("resumption descriptor too old")
	// ErrActiveSubmission refuses resumption while a fresh, still
	// in-flight submission owns the local state.
	ErrActiveSubmission = errors.New("local message is an active submission, not resumable leftovers")
	// ErrNoEvidence refuses resumption conservatively when neither the
	// server flag nor corroborating records exist.
	ErrNoEvidence = errors.New("no resumption evidence")
	// ErrDescriptorConflict invalidates a descriptor that disagrees
	// with the thread's actual round state.
	ErrDescriptorConflict = errors.New("resumption descriptor conflicts with thread state")
)

// Evidence is the combined local and server state consulted after a
// reload.
type Evidence struct {
	// ServerPrefill is the server-supplied flag marking that prefill
	// ran because an incomplete round was detected.
	ServerPrefill bool
	// QueuedMessage reports a locally-queued message.
	QueuedMessage bool
	// OptimisticUserMessage reports an optimistic, unsent-looking user
	// message for the current round.
	OptimisticUserMessage bool
	// PreSearchStatus is the pre-search record status for the current
	// round, keyed lookup, nil when absent.
	PreSearchStatus *domain.RecordStatus
}

// Manager evaluates resumption for one thread session.
type Manager struct {
	threadID   string
	rosterSize int
	now        func() time.Time
}

// NewManager builds a manager for the active thread and its current
// enabled roster size.
func NewManager(threadID string, rosterSize int) *Manager {
	return &Manager{threadID: threadID, rosterSize: rosterSize, now: time.Now}
}

// DescriptorActionable validates a server-issued descriptor: matching
// thread, participant index within roster bounds, and age below the
// one-hour staleness threshold.
func (m *Manager) DescriptorActionable(d *domain.ResumptionDescriptor) error {
	if d.ThreadID != m.threadID {
		return ErrThreadMismatch
	}
	if d.ParticipantIndex < 0 || d.ParticipantIndex >= m.rosterSize {
		return ErrIndexOutOfBounds
	}
	if m.now().Sub(d.CreatedAt) >= domain.ResumptionMaxAge {
		return ErrStaleDescriptor
	}
	return nil
}

// EvaluateEvidence applies the decision rules:
//   - the server prefill flag overrides any local queued/optimistic
//     message as blocking evidence;
//   - a Complete pre-search record for the current round corroborates
//     that the submission already reached the server;
//   - otherwise an optimistic/in-flight local message is an active
//     submission and resumption is refused;
//   - with no evidence at all the conservative answer is no.
func (m *Manager) EvaluateEvidence(ev Evidence) error {
	if ev.ServerPrefill {
		return nil
	}
	if ev.PreSearchStatus != nil && *ev.PreSearchStatus == domain.RecordStatusComplete {
		return nil
	}
	if ev.QueuedMessage || ev.OptimisticUserMessage {
		return ErrActiveSubmission
	}
	return ErrNoEvidence
}

// Plan is an actionable continuation point.
type Plan struct {
	RoundNumber      int
	ParticipantIndex int
}

// Reconcile combines descriptor validation with the evidence rules and
// returns the continuation plan, or the first refusal encountered.
func (m *Manager) Reconcile(d *domain.ResumptionDescriptor, ev Evidence) (*Plan, error) {
	if err := m.DescriptorActionable(d); err != nil {
		return nil, err
	}
	if err := m.EvaluateEvidence(ev); err != nil {
		return nil, err
	}
	return &Plan{RoundNumber: d.RoundNumber, ParticipantIndex: d.ParticipantIndex}, nil
}

// HealStreamingFlag resolves the contradiction of a locally-tracked
// "currently streaming" flag against an idle transport report. The
// transport-reported status is authoritative; the healed flag value is
// returned together with whether healing happened.
func HealStreamingFlag(localStreaming, transportIdle bool) (streaming bool, healed bool) {
	if localStreaming && transportIdle {
		return false, true
	}
	return localStreaming, false
}
