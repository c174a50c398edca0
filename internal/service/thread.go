package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/roundtable-ai/orchestrator/internal/domain"
	"github.com/roundtable-ai/orchestrator/internal/session"
)

// ParticipantSpec is the caller-facing participant configuration.
type ParticipantSpec struct {
	ModelID  string `json:"model_id"`
	Role     string `json:"role,omitempty"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority"`
}

// CreateThreadRequest configures a new thread.
type CreateThreadRequest struct {
	Title            string            `json:"title,omitempty"`
	Mode             domain.ThreadMode `json:"mode"`
	WebSearchEnabled bool              `json:"web_search_enabled"`
	Participants     []ParticipantSpec `json:"participants"`
}

// ThreadView is the full thread state returned on open and snapshot.
type ThreadView struct {
	Thread       *domain.Thread               `json:"thread"`
	Participants []domain.Participant         `json:"participants"`
	Messages     []domain.Message             `json:"messages"`
	Snapshot     session.Snapshot             `json:"snapshot"`
	Resumption   *domain.ResumptionDescriptor `json:"resumption,omitempty"`
}

// CreateThread creates a thread with its participant configuration.
func (s *Service) CreateThread(ctx context.Context, req CreateThreadRequest) (*ThreadView, error) {
	if req.Mode == "" {
		req.Mode = domain.ThreadModeDiscussion
	}
	if req.Mode != domain.ThreadModeDiscussion && req.Mode != domain.ThreadModeResearch {
		return nil, fmt.Errorf("unknown thread mode %q", req.Mode)
	}

	thread := &domain.Thread{
		ThreadID:         "thr_" + uuid.New().String()[:8],
		Title:            req.Title,
		Mode:             req.Mode,
		WebSearchEnabled: req.WebSearchEnabled,
		Status:           domain.ThreadStatusActive,
		CreatedAt:        time.Now(),
	}
	if err := s.store.CreateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}

	participants := make([]domain.Participant, 0, len(req.Participants))
	for _, spec := range req.Participants {
		participants = append(participants, domain.Participant{
			ParticipantID: "part_" + uuid.New().String()[:8],
			ThreadID:      thread.ThreadID,
			ModelID:       spec.ModelID,
			Role:          spec.Role,
			Enabled:       spec.Enabled,
			Priority:      spec.Priority,
		})
	}
	if err := s.store.ReplaceParticipants(ctx, thread.ThreadID, participants); err != nil {
		return nil, fmt.Errorf("failed to save participants: %w", err)
	}

	sess := session.New(thread, participants, nil, nil, nil, nil)
	s.mu.Lock()
	s.sessions[thread.ThreadID] = sess
	s.mu.Unlock()

	return &ThreadView{
		Thread:       thread,
		Participants: participants,
		Messages:     []domain.Message{},
		Snapshot:     sess.GetSnapshot(),
	}, nil
}

// OpenThread loads a thread's durable state, rebuilds its session, and
// derives the resumption descriptor for an incomplete latest round.
func (s *Service) OpenThread(ctx context.Context, threadID string) (*ThreadView, error) {
	sess, err := s.sessionFor(ctx, threadID)
	if err != nil {
		return nil, err
	}

	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	participants, err := s.store.GetParticipants(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}

	return &ThreadView{
		Thread:       thread,
		Participants: participants,
		Messages:     sess.Messages(),
		Snapshot:     sess.GetSnapshot(),
		Resumption:   s.deriveResumption(sess),
	}, nil
}

// sessionFor returns the cached session for a thread, loading it from
// the store on first access.
func (s *Service) sessionFor(ctx context.Context, threadID string) (*session.Session, error) {
	s.mu.Lock()
	if sess, ok := s.sessions[threadID]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	sess, err := s.loadSession(ctx, threadID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another caller may have loaded it concurrently; first one wins.
	if existing, ok := s.sessions[threadID]; ok {
		return existing, nil
	}
	s.sessions[threadID] = sess
	return sess, nil
}

// loadSession rebuilds a session from durable state.
func (s *Service) loadSession(ctx context.Context, threadID string) (*session.Session, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	if thread == nil {
		return nil, ErrThreadNotFound
	}

	participants, err := s.store.GetParticipants(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	messages, err := s.store.GetMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	presearchRecs, err := s.store.GetPreSearchRecords(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get presearch records: %w", err)
	}
	analysisRecs, err := s.store.GetAnalysisRecords(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis records: %w", err)
	}

	roundRosters := make(map[int][]domain.Participant)
	for rn := 0; rn <= domain.MaxRoundNumber(messages); rn++ {
		snapshot, err := s.store.GetRoundRoster(ctx, threadID, rn)
		if err != nil {
			log.Printf("WARN: failed to get round %d roster: %v", rn, err)
			continue
		}
		if len(snapshot) > 0 {
			roundRosters[rn] = snapshot
		}
	}

	return session.New(thread, participants, messages, presearchRecs, analysisRecs, roundRosters), nil
}

// deriveResumption inspects the latest round and issues an ephemeral
// descriptor when it is incomplete against the current roster.
func (s *Service) deriveResumption(sess *session.Session) *domain.ResumptionDescriptor {
	rn := sess.CurrentRound()
	if rn < 0 {
		return nil
	}
	eval := sess.EvaluateRound(rn)
	if !eval.Incomplete || eval.NextParticipantIndex == nil {
		return nil
	}
	return &domain.ResumptionDescriptor{
		ThreadID:         sess.ThreadID(),
		RoundNumber:      rn,
		ParticipantIndex: *eval.NextParticipantIndex,
		State:            "incomplete",
		CreatedAt:        time.Now(),
	}
}

// UpdateParticipants replaces the thread's staged roster. An in-flight
// round keeps the roster it started with.
func (s *Service) UpdateParticipants(ctx context.Context, threadID string, specs []ParticipantSpec) ([]domain.Participant, error) {
	sess, err := s.sessionFor(ctx, threadID)
	if err != nil {
		return nil, err
	}

	participants := make([]domain.Participant, 0, len(specs))
	for _, spec := range specs {
		participants = append(participants, domain.Participant{
			ParticipantID: "part_" + uuid.New().String()[:8],
			ThreadID:      threadID,
			ModelID:       spec.ModelID,
			Role:          spec.Role,
			Enabled:       spec.Enabled,
			Priority:      spec.Priority,
		})
	}
	if err := s.store.ReplaceParticipants(ctx, threadID, participants); err != nil {
		return nil, fmt.Errorf("failed to replace participants: %w", err)
	}
	sess.UpdateParticipants(participants)
	return participants, nil
}

// SubmitFeedback records the per-round vote; "none" clears it.
func (s *Service) SubmitFeedback(ctx context.Context, threadID string, round int, vote domain.FeedbackVote) error {
	sess, err := s.sessionFor(ctx, threadID)
	if err != nil {
		return err
	}
	if round < 0 || round > sess.CurrentRound() {
		return fmt.Errorf("round %d does not exist", round)
	}

	switch vote {
	case domain.FeedbackNone:
		return s.store.DeleteFeedback(ctx, threadID, round)
	case domain.FeedbackLike, domain.FeedbackDislike:
		return s.store.SetFeedback(ctx, &domain.FeedbackRecord{
			ThreadID:    threadID,
			RoundNumber: round,
			Vote:        vote,
			UpdatedAt:   time.Now(),
		})
	}
	return fmt.Errorf("unknown feedback vote %q", vote)
}

// Snapshot returns the thread's current presentation view.
func (s *Service) Snapshot(ctx context.Context, threadID string) (*ThreadView, error) {
	return s.OpenThread(ctx, threadID)
}
