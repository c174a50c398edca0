// Package synthesis triggers and tracks the post-round moderator
// summary.
package synthesis

import (
	"time"

	"github.com/roundtable-ai/orchestrator/internal/domain"
)

// Controller tracks analysis records and the per-round idempotency
// marker preventing duplicate synthesis triggers from overlapping
// re-evaluations. Not safe for concurrent use; the owning session
// serializes access.
type Controller struct {
	threadID string
	records  map[int]*domain.AnalysisRecord
	created  map[int]bool // idempotency marker, set atomically with the claim
	creating map[int]bool // creation request in flight
}

// NewController rebuilds the controller from durable records.
func NewController(threadID string, existing []domain.AnalysisRecord) *Controller {
	c := &Controller{
		threadID: threadID,
		records:  make(map[int]*domain.AnalysisRecord),
		created:  make(map[int]bool),
		creating: make(map[int]bool),
	}
	for i := range existing {
		rec := existing[i]
		c.records[rec.RoundNumber] = &rec
		c.created[rec.RoundNumber] = true
	}
	return c
}

// Conditions is the evidence consulted before starting synthesis.
type Conditions struct {
	// TransportStreaming is the live transport-reported streaming state.
	TransportStreaming bool
	// RosterSize is the enabled roster size at round start.
	RosterSize int
	// RoundMessages are the round's messages.
	RoundMessages []domain.Message
}

// ShouldStart reports whether synthesis may start for the round:
// transport idle, every roster-at-start participant terminal, no
// analysis marked-created, and no creation already in progress.
func (c *Controller) ShouldStart(round int, cond Conditions) bool {
	if cond.TransportStreaming {
		return false
	}
	if c.created[round] || c.creating[round] {
		return false
	}
	if _, ok := c.records[round]; ok {
		return false
	}
	return participantsTerminal(round, cond.RosterSize, cond.RoundMessages)
}

// participantsTerminal checks that every roster position has a valid
// participant message in a terminal part-state. Messages failing the
// identity check are excluded.
func participantsTerminal(round, rosterSize int, msgs []domain.Message) bool {
	if rosterSize == 0 {
		return false
	}
	terminal := make(map[int]bool, rosterSize)
	for i := range msgs {
		m := &msgs[i]
		if m.Kind != domain.MessageKindParticipant || m.RoundNumber != round {
			continue
		}
		if !m.ValidParticipant() || !m.PartState.Terminal() {
			continue
		}
		terminal[m.ParticipantIndex] = true
	}
	for i := 0; i < rosterSize; i++ {
		if !terminal[i] {
			return false
		}
	}
	return true
}

// Claim sets the idempotency marker together with the
// creation-in-flight flag. It returns false when the round was already
// claimed, making overlapping triggers collapse to one.
func (c *Controller) Claim(round int) bool {
	if c.created[round] || c.creating[round] {
		return false
	}
	c.created[round] = true
	c.creating[round] = true
	return true
}

// Created records the analysis message creation; the record enters
// Streaming.
func (c *Controller) Created(round int) domain.AnalysisRecord {
	now := time.Now()
	rec := &domain.AnalysisRecord{
		ThreadID:    c.threadID,
		RoundNumber: round,
		Status:      domain.RecordStatusStreaming,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	c.records[round] = rec
	c.creating[round] = false
	return *rec
}

// Complete marks the round's analysis finished.
func (c *Controller) Complete(round int) bool {
	rec, ok := c.records[round]
	if !ok || rec.Status.Terminal() {
		return false
	}
	rec.Status = domain.RecordStatusComplete
	rec.UpdatedAt = time.Now()
	return true
}

// Fail records a synthesis failure. Retrying clears the idempotency
// marker via Reset and re-triggers.
func (c *Controller) Fail(round int, errText string) bool {
	c.creating[round] = false
	rec, ok := c.records[round]
	if !ok {
		// Creation itself failed; roll the claim back so a retry is
		// not permanently blocked.
		c.created[round] = false
		return false
	}
	if rec.Status.Terminal() {
		return false
	}
	rec.Status = domain.RecordStatusFailed
	rec.ErrorText = errText
	rec.UpdatedAt = time.Now()
	return true
}

// Reset clears the round's record and markers; used by synthesis retry
// and by regeneration.
func (c *Controller) Reset(round int) {
	delete(c.records, round)
	delete(c.created, round)
	delete(c.creating, round)
}

// Get returns the analysis record for the round, looked up by key.
func (c *Controller) Get(round int) (domain.AnalysisRecord, bool) {
	rec, ok := c.records[round]
	if !ok {
		return domain.AnalysisRecord{}, false
	}
	return *rec, true
}

// StatusFor returns the round's record status, nil when absent.
func (c *Controller) StatusFor(round int) *domain.RecordStatus {
	rec, ok := c.records[round]
	if !ok {
		return nil
	}
	s := rec.Status
	return &s
}

// CreationInFlight reports whether a creation request is outstanding
// for any round.
func (c *Controller) CreationInFlight() bool {
	for _, v := range c.creating {
		if v {
			return true
		}
	}
	return false
}

// AnyStreaming reports whether any analysis record is streaming.
func (c *Controller) AnyStreaming() bool {
	for _, rec := range c.records {
		if rec.Status == domain.RecordStatusStreaming {
			return true
		}
	}
	return false
}
