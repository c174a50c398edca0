// Package store defines the storage interface and implementations.
package store

import (
	"context"

	"github.com/roundtable-ai/orchestrator/internal/domain"
)

// Store defines the interface for data persistence. On thread load it
// returns the durable message list and the per-round records the
// session rebuilds its state from.
type Store interface {
	// Thread operations
	CreateThread(ctx context.Context, thread *domain.Thread) error
	GetThread(ctx context.Context, threadID string) (*domain.Thread, error)

	// Participant configuration (the staged roster for the next round)
	ReplaceParticipants(ctx context.Context, threadID string, participants []domain.Participant) error
	GetParticipants(ctx context.Context, threadID string) ([]domain.Participant, error)

	// Roster snapshots as they were when a round started
	SaveRoundRoster(ctx context.Context, threadID string, round int, participants []domain.Participant) error
	GetRoundRoster(ctx context.Context, threadID string, round int) ([]domain.Participant, error)

	// Message operations
	CreateMessage(ctx context.Context, message *domain.Message) error
	UpdateMessageStream(ctx context.Context, messageID, content string, part domain.PartState, reason domain.FinishReason, errText string) error
	GetMessages(ctx context.Context, threadID string) ([]domain.Message, error)
	DeleteRoundAIMessages(ctx context.Context, threadID string, round int) error

	// Pre-search records, keyed by round number
	UpsertPreSearch(ctx context.Context, rec *domain.PreSearchRecord) error
	GetPreSearchRecords(ctx context.Context, threadID string) ([]domain.PreSearchRecord, error)

	// Analysis records, keyed by round number
	UpsertAnalysis(ctx context.Context, rec *domain.AnalysisRecord) error
	GetAnalysisRecords(ctx context.Context, threadID string) ([]domain.AnalysisRecord, error)
	DeleteAnalysis(ctx context.Context, threadID string, round int) error

	// Feedback
	SetFeedback(ctx context.Context, rec *domain.FeedbackRecord) error
	GetFeedback(ctx context.Context, threadID string) ([]domain.FeedbackRecord, error)
	DeleteFeedback(ctx context.Context, threadID string, round int) error

	// Per-round idempotency markers
	SetRoundMarkers(ctx context.Context, markers *domain.RoundMarkers) error
	GetRoundMarkers(ctx context.Context, threadID string, round int) (*domain.RoundMarkers, error)
	ClearRoundMarkers(ctx context.Context, threadID string, round int) error

	// Lifecycle
	Close() error
}
