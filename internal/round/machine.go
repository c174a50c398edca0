// Package round implements the per-thread round orchestration state
// machine as a pure transition function. All I/O lives in callers; the
// machine consumes a context snapshot and emits commands.
package round

import (
	"github.com/roundtable-ai/orchestrator/internal/domain"
)

// State is the authoritative orchestration state for a thread's
// current round.
type State struct {
	Phase             domain.Phase `json:"phase"`
	Round             int          `json:"round"`
	ActiveParticipant int          `json:"active_participant"`
	ErrorText         string       `json:"error,omitempty"`
}

// NewState returns the initial idle state before any round exists.
func NewState() State {
	return State{Phase: domain.PhaseIdle, Round: -1, ActiveParticipant: -1}
}

// Context is one consistent snapshot of the round's progress, built by
// the session under its lock. Records are looked up by round-number
// key; the machine never sees an unordered record list.
type Context struct {
	RoundNumber      int
	WebSearchEnabled bool
	RosterSize       int
	// Responded holds the participant indices with a valid terminal
	// message for RoundNumber.
	Responded map[int]bool
	// ConfigChanged is the roster evaluation outcome for RoundNumber.
	ConfigChanged bool
	// PreSearch and Analysis are the records keyed by RoundNumber, nil
	// when absent.
	PreSearch *domain.RecordStatus
	Analysis  *domain.RecordStatus
}

// nextParticipant returns the first roster position without a terminal
// response, or -1 when the round's participant phase is finished.
func (c Context) nextParticipant() int {
	if c.ConfigChanged {
		return -1
	}
	for i := 0; i < c.RosterSize; i++ {
		if !c.Responded[i] {
			return i
		}
	}
	return -1
}

// participantsComplete reports whether every roster position responded.
func (c Context) participantsComplete() bool {
	return !c.ConfigChanged && c.nextParticipant() == -1
}

// Event is the tagged union of machine inputs.
type Event interface{ isEvent() }

// EvUserMessage is fired when a round's user message is accepted.
type EvUserMessage struct {
	Round     int
	WebSearch bool
}

// EvPreSearchFinished is fired when the round's pre-search record
// reaches a terminal status. Failure degrades gracefully: participant
// streaming proceeds without search context.
type EvPreSearchFinished struct {
	Round  int
	Failed bool
}

// EvParticipantTerminal is fired when the transport reports a terminal
// part-state for a participant stream. A transport error is recorded
// on the message and does not halt progression.
type EvParticipantTerminal struct {
	Round  int
	Index  int
	Reason domain.FinishReason
}

// EvAnalysisCreated is fired once the synthesis message was created.
type EvAnalysisCreated struct{ Round int }

// EvAnalysisFinished is fired when the round's analysis record reaches
// a terminal status.
type EvAnalysisFinished struct {
	Round  int
	Failed bool
}

// EvStop is a user-triggered stop. Partial content is preserved and
// the round stays eligible for regeneration.
type EvStop struct{}

// EvRegenerationStarted marks the destructive phase of a regeneration.
type EvRegenerationStarted struct{ Round int }

// EvRegenerationPrepared is fired after the round's artifacts were
// cleared; the round re-executes from the top.
type EvRegenerationPrepared struct {
	Round     int
	WebSearch bool
}

// EvResume continues an incomplete round at a validated participant
// index after a reload.
type EvResume struct {
	Round int
	Index int
}

// EvRoundFailed is a round-level error. Already-received content is
// never deleted; the error is surfaced on the state.
type EvRoundFailed struct{ Reason string }

func (EvUserMessage) isEvent()          {}
func (EvPreSearchFinished) isEvent()    {}
func (EvParticipantTerminal) isEvent()  {}
func (EvAnalysisCreated) isEvent()      {}
func (EvAnalysisFinished) isEvent()     {}
func (EvStop) isEvent()                 {}
func (EvRegenerationStarted) isEvent()  {}
func (EvRegenerationPrepared) isEvent() {}
func (EvResume) isEvent()               {}
func (EvRoundFailed) isEvent()          {}

// Command is the tagged union of effects the caller must execute.
type Command interface{ isCommand() }

// CmdStartPreSearch starts the round's web-search sub-pipeline.
type CmdStartPreSearch struct{ Round int }

// CmdStartParticipant starts streaming the given roster position.
// Participants stream strictly in roster order, one at a time.
type CmdStartParticipant struct {
	Round int
	Index int
}

// CmdCreateAnalysis creates and streams the moderator synthesis.
type CmdCreateAnalysis struct{ Round int }

// CmdRoundDone signals the round reached its idle end state.
type CmdRoundDone struct{ Round int }

func (CmdStartPreSearch) isCommand()   {}
func (CmdStartParticipant) isCommand() {}
func (CmdCreateAnalysis) isCommand()   {}
func (CmdRoundDone) isCommand()        {}

// Transition is the single pure transition function. It never performs
// I/O and never mutates its inputs. Events referring to a round other
// than the context's are ignored; overlapping re-evaluations of the
// same condition therefore collapse to no-ops.
func Transition(st State, ev Event, ctx Context) (State, []Command) {
	switch e := ev.(type) {
	case EvUserMessage:
		st.Round = e.Round
		st.ErrorText = ""
		return enterRound(st, ctx, e.WebSearch)

	case EvPreSearchFinished:
		if e.Round != st.Round || st.Phase != domain.PhaseAwaitingPreSearch {
			return st, nil
		}
		return startParticipants(st, ctx)

	case EvParticipantTerminal:
		if e.Round != st.Round || st.Phase != domain.PhaseStreamingParticipants {
			return st, nil
		}
		st.ActiveParticipant = -1
		if ctx.ConfigChanged {
			// Continuing against a stale roster index would address a
			// participant that no longer exists.
			st.Phase = domain.PhaseIdle
			return st, []Command{CmdRoundDone{Round: st.Round}}
		}
		if next := ctx.nextParticipant(); next >= 0 {
			st.ActiveParticipant = next
			return st, []Command{CmdStartParticipant{Round: st.Round, Index: next}}
		}
		return maybeSynthesize(st, ctx)

	case EvAnalysisCreated:
		if e.Round != st.Round || st.Phase != domain.PhaseCreatingAnalysis {
			return st, nil
		}
		st.Phase = domain.PhaseStreamingAnalysis
		return st, nil

	case EvAnalysisFinished:
		if e.Round != st.Round {
			return st, nil
		}
		if st.Phase != domain.PhaseStreamingAnalysis && st.Phase != domain.PhaseCreatingAnalysis {
			return st, nil
		}
		st.Phase = domain.PhaseIdle
		st.ActiveParticipant = -1
		return st, []Command{CmdRoundDone{Round: st.Round}}

	case EvStop:
		st.Phase = domain.PhaseIdle
		st.ActiveParticipant = -1
		return st, nil

	case EvRegenerationStarted:
		if e.Round != st.Round {
			st.Round = e.Round
		}
		st.Phase = domain.PhaseRegenerating
		st.ActiveParticipant = -1
		st.ErrorText = ""
		return st, nil

	case EvRegenerationPrepared:
		if st.Phase != domain.PhaseRegenerating {
			return st, nil
		}
		st.Round = e.Round
		return enterRound(st, ctx, e.WebSearch)

	case EvResume:
		if !validResumeIndex(ctx, e.Index) || e.Round != ctx.RoundNumber {
			return st, nil
		}
		st.Round = e.Round
		st.Phase = domain.PhaseStreamingParticipants
		st.ActiveParticipant = e.Index
		st.ErrorText = ""
		return st, []Command{CmdStartParticipant{Round: e.Round, Index: e.Index}}

	case EvRoundFailed:
		st.Phase = domain.PhaseError
		st.ActiveParticipant = -1
		st.ErrorText = e.Reason
		return st, nil
	}
	return st, nil
}

// enterRound decides the first step of a (re)started round.
func enterRound(st State, ctx Context, webSearch bool) (State, []Command) {
	if webSearch && ctx.PreSearch == nil {
		st.Phase = domain.PhaseAwaitingPreSearch
		st.ActiveParticipant = -1
		return st, []Command{CmdStartPreSearch{Round: st.Round}}
	}
	if webSearch && ctx.PreSearch != nil && ctx.PreSearch.Active() {
		st.Phase = domain.PhaseAwaitingPreSearch
		st.ActiveParticipant = -1
		return st, nil
	}
	return startParticipants(st, ctx)
}

// startParticipants moves into participant streaming, or straight to
// synthesis when the roster already responded in full.
func startParticipants(st State, ctx Context) (State, []Command) {
	if next := ctx.nextParticipant(); next >= 0 {
		st.Phase = domain.PhaseStreamingParticipants
		st.ActiveParticipant = next
		return st, []Command{CmdStartParticipant{Round: st.Round, Index: next}}
	}
	return maybeSynthesize(st, ctx)
}

// maybeSynthesize starts synthesis only when participant completeness
// holds and the round's own analysis record does not yet exist.
func maybeSynthesize(st State, ctx Context) (State, []Command) {
	st.ActiveParticipant = -1
	if !ctx.participantsComplete() {
		st.Phase = domain.PhaseIdle
		return st, []Command{CmdRoundDone{Round: st.Round}}
	}
	if ctx.Analysis == nil {
		st.Phase = domain.PhaseCreatingAnalysis
		return st, []Command{CmdCreateAnalysis{Round: st.Round}}
	}
	if ctx.Analysis.Active() {
		st.Phase = domain.PhaseStreamingAnalysis
		return st, nil
	}
	st.Phase = domain.PhaseIdle
	return st, []Command{CmdRoundDone{Round: st.Round}}
}

func validResumeIndex(ctx Context, index int) bool {
	return index >= 0 && index < ctx.RosterSize
}
