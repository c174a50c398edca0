package roster

import (
	"testing"

	"github.com/roundtable-ai/orchestrator/internal/domain"
)

func participant(id, modelID string, priority int, enabled bool) domain.Participant {
	return domain.Participant{
		ParticipantID: id,
		ThreadID:      "th1",
		ModelID:       modelID,
		Priority:      priority,
		Enabled:       enabled,
	}
}

func respondedMessage(round, index int, modelID string) domain.Message {
	return domain.Message{
		MessageID:        "msg_x",
		ThreadID:         "th1",
		Kind:             domain.MessageKindParticipant,
		RoundNumber:      round,
		ParticipantIndex: index,
		ModelID:          modelID,
		PositionalID:     domain.ParticipantPositionalID("th1", round, index),
		PartState:        domain.PartStateDone,
		FinishReason:     domain.FinishReasonStop,
	}
}

func TestBuildOrdersByPriorityAndFiltersDisabled(t *testing.T) {
	r := Build([]domain.Participant{
		participant("p1", "gpt", 2, true),
		participant("p2", "claude", 1, true),
		participant("p3", "gemini", 3, false),
	})
	if r.Size() != 2 {
		t.Fatalf("expected 2 enabled participants, got %d", r.Size())
	}
	first, _ := r.At(0)
	if first.ModelID != "claude" {
		t.Fatalf("expected claude first, got %s", first.ModelID)
	}
	if _, ok := r.At(2); ok {
		t.Fatal("expected out-of-bounds access to fail")
	}
}

// Scenario A: round 0 complete under roster [A,B], roster changed to [C].
func TestEvaluateConfigChanged(t *testing.T) {
	current := Build([]domain.Participant{participant("p3", "modelC", 1, true)})

	eval := current.Evaluate([]domain.Message{
		respondedMessage(0, 0, "modelA"),
		respondedMessage(0, 1, "modelB"),
	})
	if !eval.ConfigChanged {
		t.Fatal("expected configChanged=true")
	}
	if eval.Incomplete {
		t.Fatal("expected incomplete=false for config-changed round")
	}
	if eval.NextParticipantIndex != nil {
		t.Fatalf("expected nil next index, got %d", *eval.NextParticipantIndex)
	}
}

func TestEvaluateIncompleteContinuation(t *testing.T) {
	r := Build([]domain.Participant{
		participant("p1", "modelA", 1, true),
		participant("p2", "modelB", 2, true),
		participant("p3", "modelC", 3, true),
	})

	eval := r.Evaluate([]domain.Message{respondedMessage(1, 0, "modelA")})
	if eval.ConfigChanged {
		t.Fatal("unexpected configChanged")
	}
	if !eval.Incomplete || eval.NextParticipantIndex == nil || *eval.NextParticipantIndex != 1 {
		t.Fatalf("expected continuation at index 1, got %+v", eval)
	}
}

// Participants added with no removals: responded participants remain
// valid and the round continues against the grown roster.
func TestEvaluateAddedOnlyKeepsRoundInProgress(t *testing.T) {
	grown := Build([]domain.Participant{
		participant("p1", "modelA", 1, true),
		participant("p2", "modelB", 2, true),
	})

	eval := grown.Evaluate([]domain.Message{respondedMessage(0, 0, "modelA")})
	if eval.ConfigChanged {
		t.Fatal("adding participants must not flag config change")
	}
	if !eval.Incomplete || *eval.NextParticipantIndex != 1 {
		t.Fatalf("expected continuation at new participant, got %+v", eval)
	}
}

func TestEvaluateCompleteRound(t *testing.T) {
	r := Build([]domain.Participant{
		participant("p1", "modelA", 1, true),
		participant("p2", "modelB", 2, true),
	})
	eval := r.Evaluate([]domain.Message{
		respondedMessage(0, 0, "modelA"),
		respondedMessage(0, 1, "modelB"),
	})
	if eval.ConfigChanged || eval.Incomplete || eval.NextParticipantIndex != nil {
		t.Fatalf("expected complete round, got %+v", eval)
	}
}

func TestEvaluateIgnoresCorruptAndStreamingMessages(t *testing.T) {
	r := Build([]domain.Participant{
		participant("p1", "modelA", 1, true),
		participant("p2", "modelB", 2, true),
	})

	corrupt := respondedMessage(0, 1, "modelB")
	corrupt.RoundNumber = 0
	corrupt.PositionalID = domain.ParticipantPositionalID("th1", 4, 1) // identifier disagrees

	streaming := respondedMessage(0, 0, "modelA")
	streaming.PartState = domain.PartStateStreaming

	eval := r.Evaluate([]domain.Message{corrupt, streaming})
	if !eval.Incomplete || *eval.NextParticipantIndex != 0 {
		t.Fatalf("corrupt/streaming messages must not count as responses: %+v", eval)
	}
}
