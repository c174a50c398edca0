package domain

import (
	"encoding/json"
	"time"
)

// Thread represents one roundtable conversation.
type Thread struct {
	ThreadID         string       `json:"thread_id"`
	Title            string       `json:"title,omitempty"`
	Mode             ThreadMode   `json:"mode"`
	WebSearchEnabled bool         `json:"web_search_enabled"`
	Status           ThreadStatus `json:"status"`
	CreatedAt        time.Time    `json:"created_at"`
}

// Participant is a configured AI model contributing one response per round.
// The enabled, priority-ordered subset forms the roster for a round.
type Participant struct {
	ParticipantID string `json:"participant_id"`
	ThreadID      string `json:"thread_id"`
	ModelID       string `json:"model_id"`
	Role          string `json:"role,omitempty"`
	Enabled       bool   `json:"enabled"`
	Priority      int    `json:"priority"`
}

// PreSearchRecord tracks the web-search sub-pipeline for one round.
// At most one record exists per (thread, round).
type PreSearchRecord struct {
	ThreadID    string          `json:"thread_id"`
	RoundNumber int             `json:"round_number"`
	Status      RecordStatus    `json:"status"`
	Query       string          `json:"query,omitempty"`
	Results     json.RawMessage `json:"results,omitempty"`
	ErrorText   string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AnalysisRecord tracks the moderator synthesis for one round.
type AnalysisRecord struct {
	ThreadID    string       `json:"thread_id"`
	RoundNumber int          `json:"round_number"`
	Status      RecordStatus `json:"status"`
	ErrorText   string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// FeedbackRecord holds the optional per-round user feedback.
type FeedbackRecord struct {
	ThreadID    string       `json:"thread_id"`
	RoundNumber int          `json:"round_number"`
	Vote        FeedbackVote `json:"vote"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// RoundMarkers are the per-round idempotency markers preventing
// duplicate triggering of one-shot actions.
type RoundMarkers struct {
	ThreadID           string `json:"thread_id"`
	RoundNumber        int    `json:"round_number"`
	PreSearchTriggered bool   `json:"presearch_triggered"`
	SynthesisCreated   bool   `json:"synthesis_created"`
}

// ResumptionDescriptor is server-issued, ephemeral evidence that a
// round was left incomplete at a prior session. It is derived at
// thread-load time and never persisted.
type ResumptionDescriptor struct {
	ThreadID         string    `json:"thread_id"`
	RoundNumber      int       `json:"round_number"`
	ParticipantIndex int       `json:"participant_index"`
	State            string    `json:"state"`
	CreatedAt        time.Time `json:"created_at"`
}

// ResumptionMaxAge is the staleness threshold beyond which a
// descriptor is no longer actionable.
const ResumptionMaxAge = time.Hour
