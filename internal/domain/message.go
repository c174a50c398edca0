package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MessageKind discriminates the message variants. Every consumption
// site switches exhaustively on it; there is no shape-sniffing.
type MessageKind string

const (
	MessageKindUser            MessageKind = "user"
	MessageKindParticipant     MessageKind = "participant"
	MessageKindModerator       MessageKind = "moderator"
	MessageKindPreSearchSystem MessageKind = "presearch_system"
)

// Message is the tagged union over all message variants of a round.
// MessageID is a surrogate id minted fresh for every attempt; the
// positional identity contract lives in PositionalID for participant
// messages.
type Message struct {
	MessageID   string      `json:"message_id"`
	ThreadID    string      `json:"thread_id"`
	Kind        MessageKind `json:"kind"`
	RoundNumber int         `json:"round_number"`
	Content     string      `json:"content"`
	CreatedAt   time.Time   `json:"created_at"`

	// Participant fields; only meaningful when Kind == participant.
	PositionalID     string       `json:"positional_id,omitempty"`
	ParticipantIndex int          `json:"participant_index,omitempty"`
	ParticipantID    string       `json:"participant_id,omitempty"`
	ModelID          string       `json:"model_id,omitempty"`
	PartState        PartState    `json:"part_state,omitempty"`
	FinishReason     FinishReason `json:"finish_reason,omitempty"`
	ErrorText        string       `json:"error,omitempty"`
}

// ParticipantPositionalID builds the positional identifier for a
// participant message: {threadId}_r{roundNumber}_p{participantIndex}.
// Consumers rely on this format bit-exactly.
func ParticipantPositionalID(threadID string, round, index int) string {
	return fmt.Sprintf("%s_r%d_p%d", threadID, round, index)
}

// ModeratorPositionalID builds the positional identifier for a round's
// moderator message. Ordering within a round comes from creation time,
// not from this identifier.
func ModeratorPositionalID(threadID string, round int) string {
	return fmt.Sprintf("%s_r%d_mod", threadID, round)
}

// ParsePositionalID extracts (threadID, round, index) from a
// participant positional identifier. The thread id may itself contain
// underscores, so parsing works from the right.
func ParsePositionalID(id string) (threadID string, round, index int, err error) {
	pi := strings.LastIndex(id, "_p")
	if pi < 0 {
		return "", 0, 0, fmt.Errorf("positional id %q: missing participant segment", id)
	}
	ri := strings.LastIndex(id[:pi], "_r")
	if ri < 0 {
		return "", 0, 0, fmt.Errorf("positional id %q: missing round segment", id)
	}
	round, err = strconv.Atoi(id[ri+2 : pi])
	if err != nil {
		return "", 0, 0, fmt.Errorf("positional id %q: bad round: %w", id, err)
	}
	index, err = strconv.Atoi(id[pi+2:])
	if err != nil {
		return "", 0, 0, fmt.Errorf("positional id %q: bad index: %w", id, err)
	}
	if round < 0 || index < 0 {
		return "", 0, 0, fmt.Errorf("positional id %q: negative position", id)
	}
	return id[:ri], round, index, nil
}

// ValidParticipant reports whether a participant message's declared
// metadata matches the positional identity encoded in its identifier.
// A mismatch indicates corruption; such messages must be excluded from
// completeness computations.
func (m *Message) ValidParticipant() bool {
	if m.Kind != MessageKindParticipant {
		return false
	}
	threadID, round, index, err := ParsePositionalID(m.PositionalID)
	if err != nil {
		return false
	}
	return threadID == m.ThreadID && round == m.RoundNumber && index == m.ParticipantIndex
}

// Terminal reports whether the message's stream reached a final state.
// Non-streamed variants are terminal by construction.
func (m *Message) Terminal() bool {
	switch m.Kind {
	case MessageKindParticipant, MessageKindModerator:
		return m.PartState.Terminal()
	case MessageKindUser, MessageKindPreSearchSystem:
		return true
	}
	return false
}

// MaxRoundNumber returns the highest round number present in msgs, or
// -1 when there are none. The current round of a thread is derived
// from this, never tracked separately.
func MaxRoundNumber(msgs []Message) int {
	max := -1
	for i := range msgs {
		if msgs[i].RoundNumber > max {
			max = msgs[i].RoundNumber
		}
	}
	return max
}
