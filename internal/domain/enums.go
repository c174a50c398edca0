// Package domain defines the core domain models for the roundtable orchestrator.
package domain

// Phase represents the orchestration phase of a thread's current round.
type Phase string

const (
	PhaseIdle                  Phase = "IDLE"
	PhaseAwaitingPreSearch     Phase = "AWAITING_PRESEARCH"
	PhaseStreamingParticipants Phase = "STREAMING_PARTICIPANTS"
	PhaseCreatingAnalysis      Phase = "CREATING_ANALYSIS"
	PhaseStreamingAnalysis     Phase = "STREAMING_ANALYSIS"
	PhaseRegenerating          Phase = "REGENERATING"
	PhaseError                 Phase = "ERROR"
)

// ThreadStatus represents the lifecycle status of a thread.
type ThreadStatus string

const (
	ThreadStatusActive   ThreadStatus = "ACTIVE"
	ThreadStatusArchived ThreadStatus = "ARCHIVED"
)

// ThreadMode selects the conversation mode for a thread.
type ThreadMode string

const (
	ThreadModeDiscussion ThreadMode = "discussion"
	ThreadModeResearch   ThreadMode = "research"
)

// RecordStatus is the lifecycle of a per-round sub-pipeline record
// (pre-search, analysis).
type RecordStatus string

const (
	RecordStatusPending   RecordStatus = "PENDING"
	RecordStatusStreaming RecordStatus = "STREAMING"
	RecordStatusComplete  RecordStatus = "COMPLETE"
	RecordStatusFailed    RecordStatus = "FAILED"
)

// Terminal reports whether the record reached a final status.
func (s RecordStatus) Terminal() bool {
	return s == RecordStatusComplete || s == RecordStatusFailed
}

// Active reports whether the record still occupies the round.
func (s RecordStatus) Active() bool {
	return s == RecordStatusPending || s == RecordStatusStreaming
}

// PartState is the reported state of a streamed message part.
type PartState string

const (
	PartStatePending   PartState = "PENDING"
	PartStateStreaming PartState = "STREAMING"
	PartStateDone      PartState = "DONE"
	PartStateError     PartState = "ERROR"
)

// Terminal reports whether the part reached a non-streaming end state.
func (p PartState) Terminal() bool {
	return p == PartStateDone || p == PartStateError
}

// FinishReason is the terminal reason reported by the transport layer
// for a participant stream.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonError         FinishReason = "error"
	FinishReasonLength        FinishReason = "length"
	FinishReasonContentFilter FinishReason = "content_filter"
	FinishReasonUnknown       FinishReason = "unknown"
)

// ParseFinishReason maps a transport-reported reason onto the known
// vocabulary, collapsing anything unrecognized to unknown.
func ParseFinishReason(raw string) FinishReason {
	switch FinishReason(raw) {
	case FinishReasonStop, FinishReasonError, FinishReasonLength, FinishReasonContentFilter:
		return FinishReason(raw)
	}
	return FinishReasonUnknown
}

// FeedbackVote is the per-round user feedback value.
type FeedbackVote string

const (
	FeedbackNone    FeedbackVote = "none"
	FeedbackLike    FeedbackVote = "like"
	FeedbackDislike FeedbackVote = "dislike"
)

// EventType labels events pushed to clients over the hub.
type EventType string

const (
	EventTypeRoundStarted    EventType = "round_started"
	EventTypePreSearch       EventType = "presearch"
	EventTypeStreamDelta     EventType = "delta"
	EventTypeParticipantDone EventType = "participant_done"
	EventTypeAnalysis        EventType = "analysis"
	EventTypeRoundDone       EventType = "round_done"
	EventTypeRoundError      EventType = "round_error"
)
