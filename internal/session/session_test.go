package session

import (
	"errors"
	"testing"
	"time"

	"github.com/roundtable-ai/orchestrator/internal/domain"
	"github.com/roundtable-ai/orchestrator/internal/resume"
	"github.com/roundtable-ai/orchestrator/internal/round"
)

func newTestSession(t *testing.T, webSearch bool, models ...string) *Session {
	t.Helper()
	thread := &domain.Thread{
		ThreadID:         "th1",
		Mode:             domain.ThreadModeDiscussion,
		WebSearchEnabled: webSearch,
		Status:           domain.ThreadStatusActive,
		CreatedAt:        time.Now(),
	}
	participants := make([]domain.Participant, 0, len(models))
	for i, m := range models {
		participants = append(participants, domain.Participant{
			ParticipantID: "p" + m,
			ThreadID:      "th1",
			ModelID:       m,
			Priority:      i + 1,
			Enabled:       true,
		})
	}
	return New(thread, participants, nil, nil, nil, nil)
}

func onlyCommand(t *testing.T, cmds []round.Command) round.Command {
	t.Helper()
	if len(cmds) != 1 {
		t.Fatalf("expected exactly one command, got %+v", cmds)
	}
	return cmds[0]
}

func TestFullRoundWithoutSearch(t *testing.T) {
	s := newTestSession(t, false, "modelA", "modelB")

	userMsg, cmds, err := s.StartUserRound("what is consciousness?")
	if err != nil {
		t.Fatalf("StartUserRound failed: %v", err)
	}
	if userMsg.RoundNumber != 0 || userMsg.Kind != domain.MessageKindUser {
		t.Fatalf("unexpected user message: %+v", userMsg)
	}
	if cmd := onlyCommand(t, cmds); cmd != (round.CmdStartParticipant{Round: 0, Index: 0}) {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if !s.InputBlocked() {
		t.Fatal("input must block during the round")
	}

	msg0, p0, err := s.StartParticipant(0, 0)
	if err != nil || p0.ModelID != "modelA" {
		t.Fatalf("StartParticipant: %v %+v", err, p0)
	}
	if msg0.PositionalID != "th1_r0_p0" {
		t.Fatalf("identity contract violated: %s", msg0.PositionalID)
	}
	s.AppendDelta(msg0.MessageID, "I think ")
	s.AppendDelta(msg0.MessageID, "therefore I am.")

	finished, cmds := s.FinishParticipant(0, 0, domain.FinishReasonStop, "")
	if finished.Content != "I think therefore I am." || finished.PartState != domain.PartStateDone {
		t.Fatalf("unexpected finished message: %+v", finished)
	}
	if cmd := onlyCommand(t, cmds); cmd != (round.CmdStartParticipant{Round: 0, Index: 1}) {
		t.Fatalf("expected participant 1 next, got %+v", cmd)
	}

	if _, _, err := s.StartParticipant(0, 1); err != nil {
		t.Fatalf("StartParticipant failed: %v", err)
	}
	_, cmds = s.FinishParticipant(0, 1, domain.FinishReasonStop, "")
	if cmd := onlyCommand(t, cmds); cmd != (round.CmdCreateAnalysis{Round: 0}) {
		t.Fatalf("expected synthesis after last participant, got %+v", cmd)
	}

	if !s.ClaimSynthesis(0) {
		t.Fatal("synthesis claim must succeed")
	}
	if s.ClaimSynthesis(0) {
		t.Fatal("synthesis is created at most once per round")
	}

	modMsg, rec, _ := s.SynthesisCreated(0)
	if modMsg.Kind != domain.MessageKindModerator || rec.Status != domain.RecordStatusStreaming {
		t.Fatalf("unexpected synthesis state: %+v %+v", modMsg, rec)
	}
	if s.GetSnapshot().Status != domain.PhaseStreamingAnalysis {
		t.Fatalf("expected StreamingAnalysis, got %s", s.GetSnapshot().Status)
	}

	rec, cmds = s.FinishSynthesis(0, nil)
	if rec.Status != domain.RecordStatusComplete {
		t.Fatalf("expected complete analysis, got %+v", rec)
	}
	if cmd := onlyCommand(t, cmds); cmd != (round.CmdRoundDone{Round: 0}) {
		t.Fatalf("expected round done, got %+v", cmd)
	}

	snap := s.GetSnapshot()
	if snap.Status != domain.PhaseIdle || snap.InputBlocked || snap.CurrentRound != 0 {
		t.Fatalf("unexpected final snapshot: %+v", snap)
	}
}

func TestWebSearchRoundAndGate(t *testing.T) {
	s := newTestSession(t, true, "modelA")

	_, cmds, err := s.StartUserRound("latest fusion results?")
	if err != nil {
		t.Fatalf("StartUserRound failed: %v", err)
	}
	if cmd := onlyCommand(t, cmds); cmd != (round.CmdStartPreSearch{Round: 0}) {
		t.Fatalf("expected pre-search first, got %+v", cmd)
	}

	// Scenario B/D: a Pending or Streaming record blocks input by itself.
	s.BeginPreSearch(0, "latest fusion results?")
	if !s.Gate().PreSearchActive || !s.InputBlocked() {
		t.Fatal("pending pre-search must block input")
	}
	s.PreSearchStreaming(0)
	if !s.InputBlocked() {
		t.Fatal("streaming pre-search must block input")
	}

	rec, cmds := s.FinishPreSearch(0, []byte(`{"results":[]}`), nil)
	if rec.Status != domain.RecordStatusComplete {
		t.Fatalf("expected complete record, got %+v", rec)
	}
	if cmd := onlyCommand(t, cmds); cmd != (round.CmdStartParticipant{Round: 0, Index: 0}) {
		t.Fatalf("expected participant start after search, got %+v", cmd)
	}
	if s.Gate().PreSearchActive {
		t.Fatal("complete pre-search must release its gate flag")
	}
}

func TestPreSearchFailureDegrades(t *testing.T) {
	s := newTestSession(t, true, "modelA")
	s.StartUserRound("q")
	s.BeginPreSearch(0, "q")

	rec, cmds := s.FinishPreSearch(0, nil, errors.New("search backend down"))
	if rec.Status != domain.RecordStatusFailed {
		t.Fatalf("expected failed record, got %+v", rec)
	}
	if cmd := onlyCommand(t, cmds); cmd != (round.CmdStartParticipant{Round: 0, Index: 0}) {
		t.Fatal("participants must proceed without search context")
	}
}

func TestStopPreservesPartialContent(t *testing.T) {
	s := newTestSession(t, false, "modelA", "modelB")
	s.StartUserRound("q")
	msg, _, _ := s.StartParticipant(0, 0)
	s.AppendDelta(msg.MessageID, "partial answer")

	rn := s.Stop()
	if rn != 0 {
		t.Fatalf("expected round 0, got %d", rn)
	}
	snap := s.GetSnapshot()
	if snap.Status != domain.PhaseIdle || snap.InputBlocked {
		t.Fatalf("stop must idle and unblock: %+v", snap)
	}
	for _, m := range s.Messages() {
		if m.MessageID == msg.MessageID {
			if m.Content != "partial answer" || !m.Terminal() {
				t.Fatalf("partial content must survive a stop: %+v", m)
			}
		}
	}
}

func TestStopFinalizesActivePreSearch(t *testing.T) {
	s := newTestSession(t, true, "modelA")
	s.StartUserRound("q")
	s.BeginPreSearch(0, "q")
	s.PreSearchStreaming(0)

	s.Stop()
	rec, ok := s.PreSearchRecord(0)
	if !ok || rec.Status != domain.RecordStatusFailed {
		t.Fatalf("stop must drive the pre-search record terminal, got %+v", rec)
	}
	if s.InputBlocked() {
		t.Fatal("input must unblock after stop")
	}

	// The stopped round stays eligible for regeneration and the
	// restarted round must not park on the dead search.
	if _, err := s.BeginRegeneration(0); err != nil {
		t.Fatalf("BeginRegeneration failed: %v", err)
	}
	cmds := s.CompleteRegenerationPrep(0, true)
	if cmd := onlyCommand(t, cmds); cmd != (round.CmdStartParticipant{Round: 0, Index: 0}) {
		t.Fatalf("expected participant restart, got %+v", cmd)
	}
}

func TestStopFinalizesStreamingAnalysis(t *testing.T) {
	s := newTestSession(t, false, "modelA")
	s.StartUserRound("q")
	s.StartParticipant(0, 0)
	s.FinishParticipant(0, 0, domain.FinishReasonStop, "")
	s.ClaimSynthesis(0)
	s.SynthesisCreated(0)

	s.Stop()
	rec, ok := s.AnalysisRecord(0)
	if !ok || !rec.Status.Terminal() {
		t.Fatalf("stop must drive the analysis record terminal, got %+v", rec)
	}
	if s.InputBlocked() {
		t.Fatal("input must unblock after stop")
	}
}

func TestRegenerationFinalizesActivePreSearch(t *testing.T) {
	s := newTestSession(t, true, "modelA")
	s.StartUserRound("q")
	s.BeginPreSearch(0, "q")
	s.PreSearchStreaming(0)
	s.Stop()

	// Simulate a stale Streaming record surviving a reload.
	s2 := New(&domain.Thread{
		ThreadID: "th1", Mode: domain.ThreadModeDiscussion,
		WebSearchEnabled: true, Status: domain.ThreadStatusActive,
	}, []domain.Participant{
		{ParticipantID: "pA", ThreadID: "th1", ModelID: "modelA", Priority: 1, Enabled: true},
	}, s.Messages(), []domain.PreSearchRecord{
		{ThreadID: "th1", RoundNumber: 0, Status: domain.RecordStatusStreaming, Query: "q"},
	}, nil, nil)

	if _, err := s2.BeginRegeneration(0); err != nil {
		t.Fatalf("BeginRegeneration failed: %v", err)
	}
	rec, _ := s2.PreSearchRecord(0)
	if !rec.Status.Terminal() {
		t.Fatalf("regeneration must drive the stale record terminal, got %+v", rec)
	}
	cmds := s2.CompleteRegenerationPrep(0, true)
	if cmd := onlyCommand(t, cmds); cmd != (round.CmdStartParticipant{Round: 0, Index: 0}) {
		t.Fatalf("expected participant restart, got %+v", cmd)
	}
}

func TestResumeRejectsConflictingDescriptor(t *testing.T) {
	s := newTestSession(t, false, "modelA", "modelB")
	s.StartUserRound("q")
	s.StartParticipant(0, 0)
	s.FinishParticipant(0, 0, domain.FinishReasonStop, "")

	// A round the thread never had.
	d := &domain.ResumptionDescriptor{
		ThreadID: "th1", RoundNumber: 7, ParticipantIndex: 0,
		CreatedAt: time.Now(),
	}
	if _, err := s.Resume(d, resume.Evidence{ServerPrefill: true}, true); err != resume.ErrDescriptorConflict {
		t.Fatalf("expected ErrDescriptorConflict for a fabricated round, got %v", err)
	}

	// An index that already has a terminal response.
	d = &domain.ResumptionDescriptor{
		ThreadID: "th1", RoundNumber: 0, ParticipantIndex: 0,
		CreatedAt: time.Now(),
	}
	if _, err := s.Resume(d, resume.Evidence{ServerPrefill: true}, true); err != resume.ErrDescriptorConflict {
		t.Fatalf("expected ErrDescriptorConflict for a responded index, got %v", err)
	}

	// The actual continuation point still works.
	d = &domain.ResumptionDescriptor{
		ThreadID: "th1", RoundNumber: 0, ParticipantIndex: 1,
		CreatedAt: time.Now(),
	}
	cmds, err := s.Resume(d, resume.Evidence{ServerPrefill: true}, true)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if cmd := onlyCommand(t, cmds); cmd != (round.CmdStartParticipant{Round: 0, Index: 1}) {
		t.Fatalf("expected continuation at index 1, got %+v", cmd)
	}
}

func TestRegenerationScopedAndFreshIdentities(t *testing.T) {
	s := newTestSession(t, false, "modelA")

	// Round 0 runs to completion.
	s.StartUserRound("first question")
	s.StartParticipant(0, 0)
	s.FinishParticipant(0, 0, domain.FinishReasonStop, "")
	s.ClaimSynthesis(0)
	s.SynthesisCreated(0)
	s.FinishSynthesis(0, nil)

	// Round 1 runs to completion.
	userMsg, _, err := s.StartUserRound("second question")
	if err != nil {
		t.Fatalf("StartUserRound failed: %v", err)
	}
	firstAttempt, _, _ := s.StartParticipant(1, 0)
	s.FinishParticipant(1, 0, domain.FinishReasonStop, "")
	s.ClaimSynthesis(1)
	s.SynthesisCreated(1)
	s.FinishSynthesis(1, nil)

	// Only the latest round may regenerate.
	if _, err := s.BeginRegeneration(0); err == nil {
		t.Fatal("earlier rounds are immutable")
	}

	plan, err := s.BeginRegeneration(1)
	if err != nil {
		t.Fatalf("BeginRegeneration failed: %v", err)
	}
	if plan.UserMessage.MessageID != userMsg.MessageID {
		t.Fatal("the user message must be retained")
	}
	if plan.Roster.Size() != 1 {
		t.Fatalf("plan must carry the roster-at-start: %+v", plan.Roster)
	}
	if !s.Gate().Regenerating {
		t.Fatal("regeneration must block input")
	}

	var round0, round1AI int
	for _, m := range s.Messages() {
		if m.RoundNumber == 0 {
			round0++
		}
		if m.RoundNumber == 1 && m.Kind != domain.MessageKindUser {
			round1AI++
		}
	}
	if round0 != 3 || round1AI != 0 {
		t.Fatalf("regeneration scope violated: round0=%d round1AI=%d", round0, round1AI)
	}

	cmds := s.CompleteRegenerationPrep(1, false)
	if s.Gate().Regenerating {
		t.Fatal("completion must clear the regenerating flag")
	}
	if cmd := onlyCommand(t, cmds); cmd != (round.CmdStartParticipant{Round: 1, Index: 0}) {
		t.Fatalf("expected restart at participant 0, got %+v", cmd)
	}

	second, _, _ := s.StartParticipant(1, 0)
	if second.MessageID == firstAttempt.MessageID {
		t.Fatal("each attempt must mint new message identities")
	}
	if second.PositionalID != firstAttempt.PositionalID {
		t.Fatal("the positional contract is attempt-independent")
	}
}

// Scenario C: reload mid-round-2 with a valid descriptor and a stale
// optimistic user message; continuation resumes at participant 1.
func TestResumeAfterReload(t *testing.T) {
	s := newTestSession(t, false, "modelA", "modelB")

	// Rounds 0..1 complete, round 2 has participant 0 done only.
	for rn := 0; rn <= 1; rn++ {
		s.StartUserRound("q")
		for idx := 0; idx < 2; idx++ {
			s.StartParticipant(rn, idx)
			s.FinishParticipant(rn, idx, domain.FinishReasonStop, "")
		}
		s.ClaimSynthesis(rn)
		s.SynthesisCreated(rn)
		s.FinishSynthesis(rn, nil)
	}
	s.StartUserRound("q3")
	s.StartParticipant(2, 0)
	s.FinishParticipant(2, 0, domain.FinishReasonStop, "")

	d := &domain.ResumptionDescriptor{
		ThreadID:         "th1",
		RoundNumber:      2,
		ParticipantIndex: 1,
		State:            "active",
		CreatedAt:        time.Now().Add(-10 * time.Minute),
	}
	cmds, err := s.Resume(d, resume.Evidence{ServerPrefill: true, OptimisticUserMessage: true}, true)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if cmd := onlyCommand(t, cmds); cmd != (round.CmdStartParticipant{Round: 2, Index: 1}) {
		t.Fatalf("expected continuation at index 1, got %+v", cmd)
	}

	stale := &domain.ResumptionDescriptor{
		ThreadID:         "th1",
		RoundNumber:      2,
		ParticipantIndex: 1,
		CreatedAt:        time.Now().Add(-2 * time.Hour),
	}
	if _, err := s.Resume(stale, resume.Evidence{ServerPrefill: true}, true); err != resume.ErrStaleDescriptor {
		t.Fatalf("expected ErrStaleDescriptor, got %v", err)
	}
}

func TestConfigChangedRoundNotResumed(t *testing.T) {
	s := newTestSession(t, false, "modelA", "modelB")
	s.StartUserRound("q")
	s.StartParticipant(0, 0)
	s.FinishParticipant(0, 0, domain.FinishReasonStop, "")

	// Swap the roster: modelA no longer present.
	s.UpdateParticipants([]domain.Participant{
		{ParticipantID: "pC", ThreadID: "th1", ModelID: "modelC", Priority: 1, Enabled: true},
	})

	eval := s.EvaluateRound(0)
	if !eval.ConfigChanged || eval.Incomplete || eval.NextParticipantIndex != nil {
		t.Fatalf("expected config-changed evaluation, got %+v", eval)
	}

	d := &domain.ResumptionDescriptor{
		ThreadID: "th1", RoundNumber: 0, ParticipantIndex: 0,
		CreatedAt: time.Now(),
	}
	if _, err := s.Resume(d, resume.Evidence{ServerPrefill: true}, true); err == nil {
		t.Fatal("a config-changed round must never be continued")
	}
}

func TestStartUserRoundBlockedWhileBusy(t *testing.T) {
	s := newTestSession(t, false, "modelA")
	s.StartUserRound("q")
	s.StartParticipant(0, 0)

	if _, _, err := s.StartUserRound("too soon"); err != ErrInputBlocked {
		t.Fatalf("expected ErrInputBlocked, got %v", err)
	}
}

func TestDeferredSendGuard(t *testing.T) {
	s := newTestSession(t, false, "modelA")

	if !s.ClaimSend() {
		t.Fatal("claim must succeed while idle")
	}
	// The round got busy before the deferred tick.
	s.StartUserRound("q")
	s.StartParticipant(0, 0)
	if s.ConfirmSend() {
		t.Fatal("confirm must abort against fresh busy flags")
	}
	// The rolled-back claim does not block later sends.
	s.FinishParticipant(0, 0, domain.FinishReasonStop, "")
	s.ClaimSynthesis(0)
	s.SynthesisCreated(0)
	s.FinishSynthesis(0, nil)
	if !s.ClaimSend() || !s.ConfirmSend() {
		t.Fatal("subsequent attempt must not be permanently blocked")
	}
	s.ReleaseSend()
}
