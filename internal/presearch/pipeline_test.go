package presearch

import (
	"encoding/json"
	"testing"

	"github.com/roundtable-ai/orchestrator/internal/domain"
)

func TestBeginFirstWriteWins(t *testing.T) {
	p := NewPipeline("th1", nil)

	rec, created := p.Begin(0, "climate policy")
	if !created || rec.Status != domain.RecordStatusPending {
		t.Fatalf("unexpected first begin: %+v created=%v", rec, created)
	}

	again, created := p.Begin(0, "different query")
	if created {
		t.Fatal("duplicate creation for an existing round must be a no-op")
	}
	if again.Query != "climate policy" {
		t.Fatalf("first write must win, got %q", again.Query)
	}
}

func TestCompleteWithDataImpliesStatus(t *testing.T) {
	p := NewPipeline("th1", nil)
	p.Begin(1, "q")
	p.MarkStreaming(1)

	data := json.RawMessage(`{"results":[{"url":"https://example.com"}]}`)
	if !p.CompleteWithData(1, data) {
		t.Fatal("CompleteWithData failed")
	}
	rec, ok := p.Get(1)
	if !ok || rec.Status != domain.RecordStatusComplete {
		t.Fatalf("expected Complete without a separate status call, got %+v", rec)
	}
	if string(rec.Results) != string(data) {
		t.Fatal("results not stored")
	}
}

func TestFailIsTerminal(t *testing.T) {
	p := NewPipeline("th1", nil)
	p.Begin(2, "q")
	if !p.Fail(2, "search backend unavailable") {
		t.Fatal("Fail failed")
	}
	if p.CompleteWithData(2, nil) {
		t.Fatal("terminal record must not transition again")
	}
	if p.ActiveFor(2) {
		t.Fatal("failed record is not active")
	}
}

// Scenario B shape: the round's own record is found by key, not by
// scanning for the first record in the map.
func TestStatusForKeyedLookup(t *testing.T) {
	p := NewPipeline("th1", []domain.PreSearchRecord{
		{ThreadID: "th1", RoundNumber: 0, Status: domain.RecordStatusComplete},
		{ThreadID: "th1", RoundNumber: 1, Status: domain.RecordStatusStreaming},
	})

	if s := p.StatusFor(1); s == nil || *s != domain.RecordStatusStreaming {
		t.Fatalf("round 1 lookup returned %v", s)
	}
	if s := p.StatusFor(0); s == nil || *s != domain.RecordStatusComplete {
		t.Fatalf("round 0 lookup returned %v", s)
	}
	if s := p.StatusFor(7); s != nil {
		t.Fatalf("missing round must return nil, got %v", s)
	}
	if !p.AnyActive() {
		t.Fatal("round 1 is streaming, AnyActive must be true")
	}
}

// Regeneration retains the round's search record; a re-run reuses the
// already-complete search context instead of creating a second record.
func TestBeginAfterCompleteReusesRecord(t *testing.T) {
	p := NewPipeline("th1", nil)
	p.Begin(3, "q")
	p.CompleteWithData(3, json.RawMessage(`{"results":[]}`))

	rec, created := p.Begin(3, "q")
	if created || rec.Status != domain.RecordStatusComplete {
		t.Fatalf("expected reuse of complete record, got %+v created=%v", rec, created)
	}
}
