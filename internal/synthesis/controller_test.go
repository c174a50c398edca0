package synthesis

import (
	"testing"

	"github.com/roundtable-ai/orchestrator/internal/domain"
)

func terminalParticipant(round, index int) domain.Message {
	return domain.Message{
		MessageID:        "msg_x",
		ThreadID:         "th1",
		Kind:             domain.MessageKindParticipant,
		RoundNumber:      round,
		ParticipantIndex: index,
		ModelID:          "model",
		PositionalID:     domain.ParticipantPositionalID("th1", round, index),
		PartState:        domain.PartStateDone,
	}
}

func TestShouldStartRequiresAllTerminal(t *testing.T) {
	c := NewController("th1", nil)

	cond := Conditions{RosterSize: 2, RoundMessages: []domain.Message{terminalParticipant(0, 0)}}
	if c.ShouldStart(0, cond) {
		t.Fatal("missing participant response must block synthesis")
	}

	cond.RoundMessages = append(cond.RoundMessages, terminalParticipant(0, 1))
	if !c.ShouldStart(0, cond) {
		t.Fatal("expected synthesis to start")
	}

	cond.TransportStreaming = true
	if c.ShouldStart(0, cond) {
		t.Fatal("active transport stream must block synthesis")
	}
}

func TestShouldStartExcludesStreamingAndCorruptMessages(t *testing.T) {
	c := NewController("th1", nil)

	streaming := terminalParticipant(0, 0)
	streaming.PartState = domain.PartStateStreaming

	corrupt := terminalParticipant(0, 1)
	corrupt.PositionalID = domain.ParticipantPositionalID("th1", 9, 1)

	cond := Conditions{RosterSize: 2, RoundMessages: []domain.Message{streaming, corrupt}}
	if c.ShouldStart(0, cond) {
		t.Fatal("streaming/corrupt messages must not count toward completeness")
	}
}

// The synthesis for a round is created at most once even under
// overlapping re-evaluations.
func TestClaimIsIdempotent(t *testing.T) {
	c := NewController("th1", nil)

	if !c.Claim(0) {
		t.Fatal("first claim must succeed")
	}
	if c.Claim(0) {
		t.Fatal("second claim for the same round must fail")
	}

	cond := Conditions{RosterSize: 1, RoundMessages: []domain.Message{terminalParticipant(0, 0)}}
	if c.ShouldStart(0, cond) {
		t.Fatal("claimed round must not start again")
	}

	c.Created(0)
	if rec, ok := c.Get(0); !ok || rec.Status != domain.RecordStatusStreaming {
		t.Fatalf("expected streaming record, got %+v ok=%v", rec, ok)
	}
	if c.CreationInFlight() {
		t.Fatal("creation flag must clear once the record exists")
	}
}

func TestExistingRecordBlocksRestart(t *testing.T) {
	c := NewController("th1", []domain.AnalysisRecord{
		{ThreadID: "th1", RoundNumber: 0, Status: domain.RecordStatusComplete},
	})
	cond := Conditions{RosterSize: 1, RoundMessages: []domain.Message{terminalParticipant(0, 0)}}
	if c.ShouldStart(0, cond) {
		t.Fatal("a round with an analysis record must never synthesize twice")
	}
	// The record for round 0 does not leak onto round 1.
	cond.RoundMessages = []domain.Message{terminalParticipant(1, 0)}
	if !c.ShouldStart(1, cond) {
		t.Fatal("round 1 must be judged by its own record")
	}
}

func TestFailureRetryPath(t *testing.T) {
	c := NewController("th1", nil)
	c.Claim(0)
	c.Created(0)
	c.Fail(0, "model unavailable")

	rec, _ := c.Get(0)
	if rec.Status != domain.RecordStatusFailed || rec.ErrorText == "" {
		t.Fatalf("expected failed record, got %+v", rec)
	}

	// Retry clears the marker and re-triggers.
	c.Reset(0)
	cond := Conditions{RosterSize: 1, RoundMessages: []domain.Message{terminalParticipant(0, 0)}}
	if !c.ShouldStart(0, cond) {
		t.Fatal("reset round must be triggerable again")
	}
}

func TestFailBeforeCreationRollsBackClaim(t *testing.T) {
	c := NewController("th1", nil)
	c.Claim(0)
	c.Fail(0, "creation request refused")
	if !c.Claim(0) {
		t.Fatal("failed creation must roll the claim back")
	}
}
