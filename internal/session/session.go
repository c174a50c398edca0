// Package session holds the per-thread session context: one
// authoritative state object for the thread's current round, mutated
// only through the round state machine's transition function. A
// session is created when a thread is opened, disposed on navigation
// away, and passed explicitly to every collaborator.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roundtable-ai/orchestrator/internal/domain"
	"github.com/roundtable-ai/orchestrator/internal/presearch"
	"github.com/roundtable-ai/orchestrator/internal/regen"
	"github.com/roundtable-ai/orchestrator/internal/resume"
	"github.com/roundtable-ai/orchestrator/internal/roster"
	"github.com/roundtable-ai/orchestrator/internal/round"
	"github.com/roundtable-ai/orchestrator/internal/synthesis"
)

var (
	// ErrInputBlocked is returned while the input gate refuses new input.
	ErrInputBlocked = errors.New("input is blocked while the round is busy")
	// ErrNoActiveRound is returned when no round exists to act on.
	ErrNoActiveRound = errors.New("no active round")
	// ErrUnknownParticipant is returned for a roster index with no entry.
	ErrUnknownParticipant = errors.New("participant index not in roster")
)

// Snapshot is the read-only view exposed to presentation layers.
type Snapshot struct {
	CurrentRound int          `json:"current_round"`
	InputBlocked bool         `json:"input_blocked"`
	Status       domain.Phase `json:"status"`
	Error        string       `json:"error,omitempty"`
}

// RegenerationPlan is what re-executes after a round's artifacts were
// cleared: the retained user message and the roster and mode as they
// were when the round originally started.
type RegenerationPlan struct {
	RoundNumber int
	UserMessage domain.Message
	Roster      roster.Roster
	WebSearch   bool
}

// Session serializes every state mutation for one thread. All methods
// take the session lock; no two transitions interleave, and every
// reader observes one consistent snapshot per evaluation.
type Session struct {
	mu sync.Mutex

	threadID  string
	mode      domain.ThreadMode
	webSearch bool

	messages      []domain.Message
	currentRoster roster.Roster
	roundRosters  map[int]roster.Roster

	presearch *presearch.Pipeline
	synthesis *synthesis.Controller
	regen     regen.Controller
	guard     resume.SendGuard

	state round.State

	// Transient busy flags feeding the input gate.
	creatingThread       bool
	streamStarting       bool
	participantStreaming bool
	queuedMessage        bool
}

// New rebuilds a session from durable state at thread-open time.
func New(
	thread *domain.Thread,
	participants []domain.Participant,
	messages []domain.Message,
	presearchRecs []domain.PreSearchRecord,
	analysisRecs []domain.AnalysisRecord,
	roundRosters map[int][]domain.Participant,
) *Session {
	s := &Session{
		threadID:      thread.ThreadID,
		mode:          thread.Mode,
		webSearch:     thread.WebSearchEnabled,
		messages:      append([]domain.Message(nil), messages...),
		currentRoster: roster.Build(participants),
		roundRosters:  make(map[int]roster.Roster),
		presearch:     presearch.NewPipeline(thread.ThreadID, presearchRecs),
		synthesis:     synthesis.NewController(thread.ThreadID, analysisRecs),
		state:         round.NewState(),
	}
	for rn, parts := range roundRosters {
		s.roundRosters[rn] = roster.Build(parts)
	}
	if rn := domain.MaxRoundNumber(s.messages); rn >= 0 {
		s.state.Round = rn
	}
	return s
}

// ThreadID returns the owning thread's id.
func (s *Session) ThreadID() string { return s.threadID }

// Mode returns the thread's conversation mode.
func (s *Session) Mode() domain.ThreadMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// WebSearchEnabled reports the thread's search flag.
func (s *Session) WebSearchEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.webSearch
}

// currentRoundLocked derives the current round from the message list.
func (s *Session) currentRoundLocked() int {
	return domain.MaxRoundNumber(s.messages)
}

// rosterForRoundLocked returns the roster as it was when the round
// started, falling back to the current roster for rounds without a
// snapshot.
func (s *Session) rosterForRoundLocked(rn int) roster.Roster {
	if r, ok := s.roundRosters[rn]; ok {
		return r
	}
	return s.currentRoster
}

// roundMessagesLocked returns the messages of one round.
func (s *Session) roundMessagesLocked(rn int) []domain.Message {
	var out []domain.Message
	for i := range s.messages {
		if s.messages[i].RoundNumber == rn {
			out = append(out, s.messages[i])
		}
	}
	return out
}

// gateLocked assembles the busy flags for the input gate from one
// consistent snapshot.
func (s *Session) gateLocked() round.GateState {
	rn := s.currentRoundLocked()
	return round.GateState{
		ParticipantStreaming: s.participantStreaming,
		CreatingThread:       s.creatingThread,
		StreamStarting:       s.streamStarting,
		HasQueuedMessage:     s.queuedMessage,
		Regenerating:         s.regen.InFlight(),
		CreatingAnalysis:     s.synthesis.CreationInFlight(),
		AnalysisStreaming:    s.synthesis.AnyStreaming(),
		PreSearchActive:      s.presearch.AnyActive() && rn >= 0,
	}
}

// contextLocked builds the machine's context snapshot for a round.
// Records are looked up by round-number key.
func (s *Session) contextLocked(rn int) round.Context {
	current := s.currentRoster
	eval := current.Evaluate(s.roundMessagesLocked(rn))

	responded := make(map[int]bool)
	for _, m := range s.roundMessagesLocked(rn) {
		if m.Kind == domain.MessageKindParticipant && m.ValidParticipant() && m.PartState.Terminal() {
			responded[m.ParticipantIndex] = true
		}
	}

	return round.Context{
		RoundNumber:      rn,
		WebSearchEnabled: s.webSearch,
		RosterSize:       current.Size(),
		Responded:        responded,
		ConfigChanged:    eval.ConfigChanged,
		PreSearch:        s.presearch.StatusFor(rn),
		Analysis:         s.synthesis.StatusFor(rn),
	}
}

// applyLocked runs one serialized machine transition. A round that
// lands back in a terminal phase cannot have a stream about to start.
func (s *Session) applyLocked(ev round.Event, rn int) []round.Command {
	st, cmds := round.Transition(s.state, ev, s.contextLocked(rn))
	s.state = st
	if st.Phase == domain.PhaseIdle || st.Phase == domain.PhaseError {
		s.streamStarting = false
	}
	return cmds
}

// Gate returns the current gate state.
func (s *Session) Gate() round.GateState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gateLocked()
}

// InputBlocked evaluates the input gate against one snapshot.
func (s *Session) InputBlocked() bool {
	return s.Gate().InputBlocked()
}

// GetSnapshot returns the presentation-layer view.
func (s *Session) GetSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		CurrentRound: s.currentRoundLocked(),
		InputBlocked: s.gateLocked().InputBlocked(),
		Status:       s.state.Phase,
		Error:        s.state.ErrorText,
	}
}

// Messages returns a copy of the thread's messages.
func (s *Session) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// StartUserRound accepts a user message, creating the next round. The
// gate is checked synchronously; the claim is re-validated by callers
// that defer the send.
func (s *Session) StartUserRound(content string) (domain.Message, []round.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gateLocked().InputBlocked() {
		return domain.Message{}, nil, ErrInputBlocked
	}

	rn := s.currentRoundLocked() + 1
	msg := domain.Message{
		MessageID:   "msg_" + uuid.New().String()[:8],
		ThreadID:    s.threadID,
		Kind:        domain.MessageKindUser,
		RoundNumber: rn,
		Content:     content,
		CreatedAt:   time.Now(),
	}
	s.messages = append(s.messages, msg)
	// The roster for a round is fixed the moment the round starts.
	s.roundRosters[rn] = s.currentRoster

	// The gate must close before the emitted commands run; the first
	// participant stream clears this on start.
	s.streamStarting = true
	cmds := s.applyLocked(round.EvUserMessage{Round: rn, WebSearch: s.webSearch}, rn)
	return msg, cmds, nil
}

// ClaimSend performs the synchronous guard check for a deferred send.
func (s *Session) ClaimSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guard.Claim(s.gateLocked().InputBlocked())
}

// ConfirmSend re-validates a deferred send against the latest busy
// flags; an aborted send rolls its claim back.
func (s *Session) ConfirmSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guard.Confirm(s.gateLocked().InputBlocked())
}

// ReleaseSend clears the send claim.
func (s *Session) ReleaseSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guard.Release()
}

// BeginPreSearch creates the round's pre-search record (first write
// wins) and reports whether this call created it.
func (s *Session) BeginPreSearch(rn int, query string) (domain.PreSearchRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presearch.Begin(rn, query)
}

// PreSearchStreaming marks the round's search streaming.
func (s *Session) PreSearchStreaming(rn int) (domain.PreSearchRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.presearch.MarkStreaming(rn)
	rec, _ := s.presearch.Get(rn)
	return rec, ok
}

// FinishPreSearch records the terminal search outcome and advances the
// machine. Failure is graceful; the returned commands proceed to
// participant streaming either way.
func (s *Session) FinishPreSearch(rn int, results []byte, searchErr error) (domain.PreSearchRecord, []round.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := searchErr != nil
	if failed {
		s.presearch.Fail(rn, searchErr.Error())
	} else {
		s.presearch.CompleteWithData(rn, results)
	}
	rec, _ := s.presearch.Get(rn)
	cmds := s.applyLocked(round.EvPreSearchFinished{Round: rn, Failed: failed}, rn)
	return rec, cmds
}

// PreSearchRecord returns the round's record by key.
func (s *Session) PreSearchRecord(rn int) (domain.PreSearchRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presearch.Get(rn)
}

// StartParticipant mints the streaming message for a roster position.
// Identities are fresh per attempt; the positional id carries the
// round/index contract.
func (s *Session) StartParticipant(rn, index int) (domain.Message, domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.rosterForRoundLocked(rn).At(index)
	if !ok {
		// The roster may have grown since the round started; fall back
		// to the current roster for added participants.
		if p, ok = s.currentRoster.At(index); !ok {
			return domain.Message{}, domain.Participant{}, ErrUnknownParticipant
		}
	}

	msg := domain.Message{
		MessageID:        "msg_" + uuid.New().String()[:8],
		ThreadID:         s.threadID,
		Kind:             domain.MessageKindParticipant,
		RoundNumber:      rn,
		PositionalID:     domain.ParticipantPositionalID(s.threadID, rn, index),
		ParticipantIndex: index,
		ParticipantID:    p.ParticipantID,
		ModelID:          p.ModelID,
		PartState:        domain.PartStateStreaming,
		CreatedAt:        time.Now(),
	}
	s.messages = append(s.messages, msg)
	s.participantStreaming = true
	s.streamStarting = false
	return msg, p, nil
}

// MarkStreamStarting sets the transitional "stream about to start"
// flag consumed by the input gate.
func (s *Session) MarkStreamStarting(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamStarting = v
}

// AppendDelta appends streamed text to a message.
func (s *Session) AppendDelta(messageID, delta string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].MessageID == messageID {
			s.messages[i].Content += delta
			return s.messages[i], true
		}
	}
	return domain.Message{}, false
}

// FinishParticipant records the terminal part-state reported by the
// transport and advances the machine. A transport error is recorded on
// the message and is non-fatal for the round.
func (s *Session) FinishParticipant(rn, index int, reason domain.FinishReason, errText string) (domain.Message, []round.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finished domain.Message
	posID := domain.ParticipantPositionalID(s.threadID, rn, index)
	for i := range s.messages {
		if s.messages[i].Kind == domain.MessageKindParticipant && s.messages[i].PositionalID == posID {
			if reason == domain.FinishReasonError {
				s.messages[i].PartState = domain.PartStateError
				s.messages[i].ErrorText = errText
			} else {
				s.messages[i].PartState = domain.PartStateDone
			}
			s.messages[i].FinishReason = reason
			finished = s.messages[i]
		}
	}
	s.participantStreaming = false
	// The next stream (participant or analysis) is about to start;
	// applyLocked clears this again if the round is over instead.
	s.streamStarting = true

	cmds := s.applyLocked(round.EvParticipantTerminal{Round: rn, Index: index, Reason: reason}, rn)
	return finished, cmds
}

// ClaimSynthesis atomically checks the start conditions and sets the
// per-round idempotency marker. At most one caller wins per round.
func (s *Session) ClaimSynthesis(rn int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cond := synthesis.Conditions{
		TransportStreaming: s.participantStreaming,
		RosterSize:         s.rosterForRoundLocked(rn).Size(),
		RoundMessages:      s.roundMessagesLocked(rn),
	}
	if !s.synthesis.ShouldStart(rn, cond) {
		return false
	}
	return s.synthesis.Claim(rn)
}

// SynthesisCreated mints the moderator message, records the streaming
// analysis record, and advances the machine. The moderator message is
// ordered after all participant messages of its round.
func (s *Session) SynthesisCreated(rn int) (domain.Message, domain.AnalysisRecord, []round.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.synthesis.Created(rn)
	msg := domain.Message{
		MessageID:    "msg_" + uuid.New().String()[:8],
		ThreadID:     s.threadID,
		Kind:         domain.MessageKindModerator,
		RoundNumber:  rn,
		PositionalID: domain.ModeratorPositionalID(s.threadID, rn),
		PartState:    domain.PartStateStreaming,
		CreatedAt:    time.Now(),
	}
	s.messages = append(s.messages, msg)
	// The streaming analysis record now holds the gate.
	s.streamStarting = false
	cmds := s.applyLocked(round.EvAnalysisCreated{Round: rn}, rn)
	return msg, rec, cmds
}

// FinishSynthesis records the analysis outcome and advances the machine.
func (s *Session) FinishSynthesis(rn int, synthErr error) (domain.AnalysisRecord, []round.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if synthErr != nil {
		s.synthesis.Fail(rn, synthErr.Error())
	} else {
		s.synthesis.Complete(rn)
	}
	for i := range s.messages {
		if s.messages[i].Kind == domain.MessageKindModerator && s.messages[i].RoundNumber == rn {
			if synthErr != nil {
				s.messages[i].PartState = domain.PartStateError
				s.messages[i].ErrorText = synthErr.Error()
			} else {
				s.messages[i].PartState = domain.PartStateDone
			}
		}
	}
	rec, _ := s.synthesis.Get(rn)
	cmds := s.applyLocked(round.EvAnalysisFinished{Round: rn, Failed: synthErr != nil}, rn)
	return rec, cmds
}

// RetrySynthesis clears the round's idempotency marker so a failed
// synthesis can be re-triggered.
func (s *Session) RetrySynthesis(rn int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synthesis.Reset(rn)
	// The moderator message of the failed attempt is dropped; the retry
	// mints a fresh identity.
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.Kind == domain.MessageKindModerator && m.RoundNumber == rn {
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
}

// AnalysisRecord returns the round's record by key.
func (s *Session) AnalysisRecord(rn int) (domain.AnalysisRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synthesis.Get(rn)
}

// Stop terminates the round cooperatively: the machine goes idle, all
// transient flags clear, and every partial message keeps its content.
// The round stays eligible for regeneration.
func (s *Session) Stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	rn := s.currentRoundLocked()
	for i := range s.messages {
		if s.messages[i].RoundNumber == rn && !s.messages[i].Terminal() {
			s.messages[i].PartState = domain.PartStateDone
			s.messages[i].FinishReason = domain.FinishReasonUnknown
		}
	}
	// Sub-pipeline records must reach a terminal status too, or their
	// gate flags would outlive the round.
	if s.presearch.ActiveFor(rn) {
		s.presearch.Fail(rn, "stopped")
	}
	if rec, ok := s.synthesis.Get(rn); ok && !rec.Status.Terminal() {
		s.synthesis.Complete(rn)
	} else if !ok {
		// A claim whose creation was stopped mid-flight would keep the
		// creating flag set with no record to finish.
		s.synthesis.Reset(rn)
	}
	s.participantStreaming = false
	s.streamStarting = false
	s.applyLocked(round.EvStop{}, rn)
	return rn
}

// Fail surfaces a round-level error without deleting received content.
func (s *Session) Fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participantStreaming = false
	s.streamStarting = false
	s.applyLocked(round.EvRoundFailed{Reason: reason}, s.currentRoundLocked())
}

// BeginRegeneration validates eligibility, marks the round
// regenerating, clears its idempotency-backed state in memory, and
// returns the re-execution plan. The caller performs the matching
// durable deletions.
func (s *Session) BeginRegeneration(rn int) (RegenerationPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := s.currentRoundLocked()
	if err := s.regen.Begin(rn, latest); err != nil {
		return RegenerationPlan{}, err
	}

	var userMsg domain.Message
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.RoundNumber == rn {
			switch m.Kind {
			case domain.MessageKindParticipant, domain.MessageKindModerator:
				continue // discarded; the new attempt mints fresh identities
			case domain.MessageKindUser:
				userMsg = m
			}
		}
		kept = append(kept, m)
	}
	s.messages = kept
	s.synthesis.Reset(rn)
	// The pre-search record is retained across regeneration, but a
	// non-terminal one would park the restarted round forever.
	if s.presearch.ActiveFor(rn) {
		s.presearch.Fail(rn, "stopped")
	}
	s.participantStreaming = false
	s.streamStarting = false

	s.applyLocked(round.EvRegenerationStarted{Round: rn}, rn)

	// Re-execution uses the roster and mode as they were when the round
	// was created, never pending configuration edits.
	return RegenerationPlan{
		RoundNumber: rn,
		UserMessage: userMsg,
		Roster:      s.rosterForRoundLocked(rn),
		WebSearch:   s.webSearch,
	}, nil
}

// CompleteRegenerationPrep clears the regenerating flag and every
// transient streaming flag in one serialized step, then restarts the
// round.
func (s *Session) CompleteRegenerationPrep(rn int, webSearch bool) []round.Command {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.regen.Finish()
	s.participantStreaming = false
	s.queuedMessage = false
	s.streamStarting = true
	return s.applyLocked(round.EvRegenerationPrepared{Round: rn, WebSearch: webSearch}, rn)
}

// Resume reconciles post-reload evidence and, when actionable,
// continues the incomplete round at the descriptor's participant
// index. A stuck local streaming flag yields to the authoritative
// transport report before continuation is attempted.
func (s *Session) Resume(d *domain.ResumptionDescriptor, ev resume.Evidence, transportIdle bool) ([]round.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if healed, changed := resume.HealStreamingFlag(s.participantStreaming, transportIdle); changed {
		s.participantStreaming = healed
	}

	mgr := resume.NewManager(s.threadID, s.currentRoster.Size())
	plan, err := mgr.Reconcile(d, ev)
	if err != nil {
		return nil, err
	}

	// The descriptor must name the thread's actual current round and
	// its actual continuation point; anything else would fabricate a
	// round with no user message or mint a duplicate positional id.
	if plan.RoundNumber != s.currentRoundLocked() {
		return nil, resume.ErrDescriptorConflict
	}
	eval := s.currentRoster.Evaluate(s.roundMessagesLocked(plan.RoundNumber))
	// A config-changed round is never continued.
	if eval.ConfigChanged {
		return nil, resume.ErrNoEvidence
	}
	if !eval.Incomplete || eval.NextParticipantIndex == nil || *eval.NextParticipantIndex != plan.ParticipantIndex {
		return nil, resume.ErrDescriptorConflict
	}

	s.streamStarting = true
	cmds := s.applyLocked(round.EvResume{Round: plan.RoundNumber, Index: plan.ParticipantIndex}, plan.RoundNumber)
	return cmds, nil
}

// UpdateParticipants stages a new roster. The in-flight round, if any,
// keeps its roster-at-start snapshot.
func (s *Session) UpdateParticipants(participants []domain.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentRoster = roster.Build(participants)
}

// EvaluateRound judges a round against the current roster.
func (s *Session) EvaluateRound(rn int) roster.Evaluation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRoster.Evaluate(s.roundMessagesLocked(rn))
}

// SetQueuedMessage toggles the queued-message busy flag.
func (s *Session) SetQueuedMessage(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queuedMessage = v
}

// SetCreatingThread toggles the thread-creation busy flag.
func (s *Session) SetCreatingThread(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creatingThread = v
}

// CurrentRound derives the thread's current round number.
func (s *Session) CurrentRound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRoundLocked()
}

// CurrentRoster exposes the staged roster for the next round.
func (s *Session) CurrentRoster() roster.Roster {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRoster
}

// RosterForRound exposes the round's roster snapshot.
func (s *Session) RosterForRound(rn int) roster.Roster {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rosterForRoundLocked(rn)
}
