package round

// GateState is the set of busy flags consumed by the input gate. Every
// transitional flag introduced anywhere in the system must be added
// here; omitting one is a known source of duplicate submissions.
type GateState struct {
	ParticipantStreaming bool `json:"participant_streaming"`
	CreatingThread       bool `json:"creating_thread"`
	StreamStarting       bool `json:"stream_starting"`
	HasQueuedMessage     bool `json:"has_queued_message"`
	Regenerating         bool `json:"regenerating"`
	CreatingAnalysis     bool `json:"creating_analysis"`
	AnalysisStreaming    bool `json:"analysis_streaming"`
	PreSearchActive      bool `json:"presearch_active"`
}

// InputBlocked is the single predicate deciding whether new user input
// is accepted: the logical OR of every busy flag, with no flag
// special-cased out. Input is permitted iff it returns false.
func (g GateState) InputBlocked() bool {
	return g.ParticipantStreaming ||
		g.CreatingThread ||
		g.StreamStarting ||
		g.HasQueuedMessage ||
		g.Regenerating ||
		g.CreatingAnalysis ||
		g.AnalysisStreaming ||
		g.PreSearchActive
}
