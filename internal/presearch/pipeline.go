// Package presearch tracks the per-round web-search sub-pipeline.
package presearch

import (
	"encoding/json"
	"time"

	"github.com/roundtable-ai/orchestrator/internal/domain"
)

// Pipeline holds a thread's pre-search records keyed by round number.
// Lookups are by key only; callers never scan an ordered list for the
// first match. The pipeline is not safe for concurrent use; the owning
// session serializes access.
type Pipeline struct {
	threadID string
	records  map[int]*domain.PreSearchRecord
}

// NewPipeline rebuilds the pipeline from durable records at load time.
func NewPipeline(threadID string, existing []domain.PreSearchRecord) *Pipeline {
	p := &Pipeline{threadID: threadID, records: make(map[int]*domain.PreSearchRecord)}
	for i := range existing {
		rec := existing[i]
		if _, ok := p.records[rec.RoundNumber]; ok {
			continue // at most one record per round; first write wins
		}
		p.records[rec.RoundNumber] = &rec
	}
	return p
}

// Begin creates the round's record in Pending status. Creating a
// record for a round that already has one is a no-op: the first write
// wins and the existing record is returned unchanged.
func (p *Pipeline) Begin(round int, query string) (domain.PreSearchRecord, bool) {
	if rec, ok := p.records[round]; ok {
		return *rec, false
	}
	now := time.Now()
	rec := &domain.PreSearchRecord{
		ThreadID:    p.threadID,
		RoundNumber: round,
		Status:      domain.RecordStatusPending,
		Query:       query,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	p.records[round] = rec
	return *rec, true
}

// MarkStreaming moves the round's record into Streaming.
func (p *Pipeline) MarkStreaming(round int) bool {
	rec, ok := p.records[round]
	if !ok || rec.Status.Terminal() {
		return false
	}
	rec.Status = domain.RecordStatusStreaming
	rec.UpdatedAt = time.Now()
	return true
}

// CompleteWithData stores the structured search data. The transition
// to Complete is implicit; no separate status-only call is required.
func (p *Pipeline) CompleteWithData(round int, results json.RawMessage) bool {
	rec, ok := p.records[round]
	if !ok || rec.Status.Terminal() {
		return false
	}
	rec.Status = domain.RecordStatusComplete
	rec.Results = results
	rec.UpdatedAt = time.Now()
	return true
}

// Fail marks the round's search as failed. Failure is graceful:
// participant streaming proceeds without search context.
func (p *Pipeline) Fail(round int, errText string) bool {
	rec, ok := p.records[round]
	if !ok || rec.Status.Terminal() {
		return false
	}
	rec.Status = domain.RecordStatusFailed
	rec.ErrorText = errText
	rec.UpdatedAt = time.Now()
	return true
}

// Get returns the record for the given round, looked up by key.
func (p *Pipeline) Get(round int) (domain.PreSearchRecord, bool) {
	rec, ok := p.records[round]
	if !ok {
		return domain.PreSearchRecord{}, false
	}
	return *rec, true
}

// StatusFor returns the round's record status, nil when absent.
func (p *Pipeline) StatusFor(round int) *domain.RecordStatus {
	rec, ok := p.records[round]
	if !ok {
		return nil
	}
	s := rec.Status
	return &s
}

// ActiveFor reports whether the round's search still occupies the round.
func (p *Pipeline) ActiveFor(round int) bool {
	rec, ok := p.records[round]
	return ok && rec.Status.Active()
}

// AnyActive reports whether any round's search is pending or streaming.
func (p *Pipeline) AnyActive() bool {
	for _, rec := range p.records {
		if rec.Status.Active() {
			return true
		}
	}
	return false
}

// Records returns a copy of all records. Iteration order is not
// guaranteed; callers must key by round number.
func (p *Pipeline) Records() []domain.PreSearchRecord {
	out := make([]domain.PreSearchRecord, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, *rec)
	}
	return out
}
