// Package roster maintains the ordered enabled-participant list for a
// thread and detects configuration drift between rounds.
package roster

import (
	"sort"

	"github.com/roundtable-ai/orchestrator/internal/domain"
)

// Roster is the enabled, priority-ordered participant list. The roster
// in effect at the moment a round starts is the roster for that round.
type Roster struct {
	participants []domain.Participant
}

// Build filters the enabled participants and orders them by priority.
// Ties keep configuration order (stable sort).
func Build(all []domain.Participant) Roster {
	enabled := make([]domain.Participant, 0, len(all))
	for _, p := range all {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Priority < enabled[j].Priority
	})
	return Roster{participants: enabled}
}

// Size returns the number of enabled participants.
func (r Roster) Size() int { return len(r.participants) }

// At returns the participant at the given streaming position.
func (r Roster) At(index int) (domain.Participant, bool) {
	if index < 0 || index >= len(r.participants) {
		return domain.Participant{}, false
	}
	return r.participants[index], true
}

// Participants returns a copy of the ordered list.
func (r Roster) Participants() []domain.Participant {
	out := make([]domain.Participant, len(r.participants))
	copy(out, r.participants)
	return out
}

// ContainsModel reports whether a model id is present in the roster.
func (r Roster) ContainsModel(modelID string) bool {
	for _, p := range r.participants {
		if p.ModelID == modelID {
			return true
		}
	}
	return false
}

// InBounds reports whether index addresses a roster position.
func (r Roster) InBounds(index int) bool {
	return index >= 0 && index < len(r.participants)
}

// Evaluation is the outcome of judging a round against the current
// roster.
type Evaluation struct {
	// ConfigChanged is true when a responded model id is no longer in
	// the roster. Such a round is reported not-incomplete so no next
	// participant index is ever computed against a stale position.
	ConfigChanged bool `json:"config_changed"`
	// Incomplete is true when the round can still be continued.
	Incomplete bool `json:"incomplete"`
	// NextParticipantIndex is the first roster position without a
	// terminal response, or nil.
	NextParticipantIndex *int `json:"next_participant_index"`
}

// Evaluate judges a round's responded participant messages against the
// current roster. Messages whose declared metadata disagrees with
// their positional identifier are treated as corrupt and ignored.
func (r Roster) Evaluate(roundMessages []domain.Message) Evaluation {
	respondedModels := make(map[string]bool)
	respondedIndices := make(map[int]bool)
	for i := range roundMessages {
		m := &roundMessages[i]
		if m.Kind != domain.MessageKindParticipant || !m.ValidParticipant() {
			continue
		}
		if !m.PartState.Terminal() {
			continue
		}
		respondedModels[m.ModelID] = true
		respondedIndices[m.ParticipantIndex] = true
	}

	for modelID := range respondedModels {
		if !r.ContainsModel(modelID) {
			return Evaluation{ConfigChanged: true}
		}
	}

	for i := range r.participants {
		if !respondedIndices[i] {
			next := i
			return Evaluation{Incomplete: true, NextParticipantIndex: &next}
		}
	}
	return Evaluation{}
}
