package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/roundtable-ai/orchestrator/internal/adapter/modelclient"
	"github.com/roundtable-ai/orchestrator/internal/adapter/search"
	"github.com/roundtable-ai/orchestrator/internal/domain"
	"github.com/roundtable-ai/orchestrator/internal/resume"
	"github.com/roundtable-ai/orchestrator/internal/round"
	"github.com/roundtable-ai/orchestrator/internal/session"
)

// StartRound accepts a user message and starts the next round. The
// admission policy is consulted first; the input gate refuses while the
// thread is busy.
func (s *Service) StartRound(ctx context.Context, threadID, content string) (*domain.Message, session.Snapshot, error) {
	sess, err := s.sessionFor(ctx, threadID)
	if err != nil {
		return nil, session.Snapshot{}, err
	}

	decision, reason, err := s.policyEngine.Evaluate(ctx, map[string]interface{}{
		"mode":           string(sess.Mode()),
		"roster_size":    sess.CurrentRoster().Size(),
		"web_search":     sess.WebSearchEnabled(),
		"round_number":   sess.CurrentRound() + 1,
		"content_length": len(content),
	})
	if err != nil {
		return nil, session.Snapshot{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if decision != "allow" {
		if reason != "" {
			return nil, session.Snapshot{}, fmt.Errorf("%w: %s", ErrPolicyBlocked, reason)
		}
		return nil, session.Snapshot{}, ErrPolicyBlocked
	}

	msg, cmds, err := sess.StartUserRound(content)
	if err != nil {
		return nil, session.Snapshot{}, err
	}
	rn := msg.RoundNumber

	if err := s.store.CreateMessage(ctx, &msg); err != nil {
		log.Printf("ERROR: failed to save user message: %v", err)
		// Continue anyway - storage failure shouldn't kill the round
	}
	if err := s.store.SaveRoundRoster(ctx, threadID, rn, sess.RosterForRound(rn).Participants()); err != nil {
		log.Printf("ERROR: failed to save round %d roster: %v", rn, err)
	}

	s.pushEvent(threadID, rn, domain.EventTypeRoundStarted, map[string]interface{}{
		"message_id": msg.MessageID,
	})

	runCtx := s.roundContext(threadID)
	go s.runCommands(runCtx, sess, cmds)

	return &msg, sess.GetSnapshot(), nil
}

// StopRound cancels the in-flight round. Partial content is preserved
// and the round stays eligible for regeneration.
func (s *Service) StopRound(ctx context.Context, threadID string) (session.Snapshot, error) {
	sess, err := s.sessionFor(ctx, threadID)
	if err != nil {
		return session.Snapshot{}, err
	}

	s.cancelRound(threadID)
	rn := sess.Stop()

	// Persist the terminal states the stop assigned.
	for _, m := range sess.Messages() {
		if m.RoundNumber != rn {
			continue
		}
		if m.Kind != domain.MessageKindParticipant && m.Kind != domain.MessageKindModerator {
			continue
		}
		if err := s.store.UpdateMessageStream(ctx, m.MessageID, m.Content, m.PartState, m.FinishReason, m.ErrorText); err != nil {
			log.Printf("ERROR: failed to persist stopped message %s: %v", m.MessageID, err)
		}
	}
	if rec, ok := sess.PreSearchRecord(rn); ok {
		if err := s.store.UpsertPreSearch(ctx, &rec); err != nil {
			log.Printf("ERROR: failed to persist presearch record: %v", err)
		}
	}
	if rec, ok := sess.AnalysisRecord(rn); ok {
		if err := s.store.UpsertAnalysis(ctx, &rec); err != nil {
			log.Printf("ERROR: failed to persist analysis record: %v", err)
		}
	}

	s.pushEvent(threadID, rn, domain.EventTypeRoundDone, map[string]interface{}{"stopped": true})
	return sess.GetSnapshot(), nil
}

// RegenerateRound discards the latest round's AI artifacts and re-runs
// it with the roster and mode the round originally started with.
func (s *Service) RegenerateRound(ctx context.Context, threadID string, rn int) (session.Snapshot, error) {
	sess, err := s.sessionFor(ctx, threadID)
	if err != nil {
		return session.Snapshot{}, err
	}

	s.cancelRound(threadID)

	plan, err := sess.BeginRegeneration(rn)
	if err != nil {
		return session.Snapshot{}, err
	}

	// Durable deletions mirror the in-memory clearing; the user message
	// and the pre-search record are retained.
	if err := s.store.DeleteRoundAIMessages(ctx, threadID, rn); err != nil {
		log.Printf("ERROR: failed to delete round %d AI messages: %v", rn, err)
	}
	if err := s.store.DeleteAnalysis(ctx, threadID, rn); err != nil {
		log.Printf("ERROR: failed to delete round %d analysis: %v", rn, err)
	}
	if err := s.store.DeleteFeedback(ctx, threadID, rn); err != nil {
		log.Printf("ERROR: failed to delete round %d feedback: %v", rn, err)
	}
	if err := s.store.ClearRoundMarkers(ctx, threadID, rn); err != nil {
		log.Printf("ERROR: failed to clear round %d markers: %v", rn, err)
	}
	// The retained pre-search record may have been driven terminal.
	if rec, ok := sess.PreSearchRecord(rn); ok {
		if err := s.store.UpsertPreSearch(ctx, &rec); err != nil {
			log.Printf("ERROR: failed to persist presearch record: %v", err)
		}
	}

	cmds := sess.CompleteRegenerationPrep(plan.RoundNumber, plan.WebSearch)

	s.pushEvent(threadID, rn, domain.EventTypeRoundStarted, map[string]interface{}{
		"regenerated": true,
	})

	runCtx := s.roundContext(threadID)
	go s.runCommands(runCtx, sess, cmds)

	return sess.GetSnapshot(), nil
}

// Resume continues an incomplete round after a reload, when the
// descriptor and evidence allow it.
func (s *Service) Resume(ctx context.Context, threadID string, d *domain.ResumptionDescriptor, ev resume.Evidence) (session.Snapshot, error) {
	sess, err := s.sessionFor(ctx, threadID)
	if err != nil {
		return session.Snapshot{}, err
	}

	if d != nil && ev.PreSearchStatus == nil {
		if rec, ok := sess.PreSearchRecord(d.RoundNumber); ok {
			status := rec.Status
			ev.PreSearchStatus = &status
		}
	}

	cmds, err := sess.Resume(d, ev, s.transportIdle(threadID))
	if err != nil {
		return session.Snapshot{}, err
	}

	runCtx := s.roundContext(threadID)
	go s.runCommands(runCtx, sess, cmds)

	return sess.GetSnapshot(), nil
}

// runCommands executes machine commands until the queue drains or the
// round context is cancelled.
func (s *Service) runCommands(ctx context.Context, sess *session.Session, cmds []round.Command) {
	queue := append([]round.Command(nil), cmds...)
	for len(queue) > 0 {
		if ctx.Err() != nil {
			return
		}
		cmd := queue[0]
		queue = queue[1:]

		var next []round.Command
		switch c := cmd.(type) {
		case round.CmdStartPreSearch:
			next = s.execPreSearch(ctx, sess, c.Round)
		case round.CmdStartParticipant:
			next = s.execParticipant(ctx, sess, c.Round, c.Index)
		case round.CmdCreateAnalysis:
			next = s.execAnalysis(ctx, sess, c.Round)
		case round.CmdRoundDone:
			s.finishRound(sess, c.Round)
		}
		queue = append(queue, next...)
	}
}

// execPreSearch runs the round's web-search sub-pipeline. Failure is
// graceful; the round proceeds without search context.
func (s *Service) execPreSearch(ctx context.Context, sess *session.Session, rn int) []round.Command {
	threadID := sess.ThreadID()
	query := userMessageContent(sess, rn)

	rec, created := sess.BeginPreSearch(rn, query)
	if created {
		s.markPreSearchTriggered(threadID, rn)
		if err := s.store.UpsertPreSearch(context.Background(), &rec); err != nil {
			log.Printf("ERROR: failed to save presearch record: %v", err)
		}
	}

	if rec, ok := sess.PreSearchStreaming(rn); ok {
		if err := s.store.UpsertPreSearch(context.Background(), &rec); err != nil {
			log.Printf("ERROR: failed to save presearch record: %v", err)
		}
	}
	s.pushEvent(threadID, rn, domain.EventTypePreSearch, map[string]interface{}{"status": "streaming"})

	searchCtx, cancel := context.WithTimeout(ctx, s.config.SearchTimeout)
	result, searchErr := s.search.Execute(searchCtx, &search.Request{
		ThreadID: threadID,
		Round:    rn,
		Query:    query,
	})
	cancel()

	var data []byte
	if searchErr == nil {
		data, searchErr = json.Marshal(result)
	}
	if ctx.Err() != nil {
		// The round was stopped; the stop path owns the state.
		return nil
	}

	rec, cmds := sess.FinishPreSearch(rn, data, searchErr)
	if err := s.store.UpsertPreSearch(context.Background(), &rec); err != nil {
		log.Printf("ERROR: failed to save presearch record: %v", err)
	}
	if searchErr != nil {
		log.Printf("WARN: presearch for round %d failed: %v", rn, searchErr)
		s.pushEvent(threadID, rn, domain.EventTypePreSearch, map[string]interface{}{"status": "failed"})
	} else {
		s.pushEvent(threadID, rn, domain.EventTypePreSearch, map[string]interface{}{"status": "complete"})
	}
	return cmds
}

// execParticipant streams one roster position. Backend errors are
// recorded on the message and are non-fatal for the round.
func (s *Service) execParticipant(ctx context.Context, sess *session.Session, rn, index int) []round.Command {
	threadID := sess.ThreadID()

	msg, p, err := sess.StartParticipant(rn, index)
	if err != nil {
		log.Printf("ERROR: failed to start participant %d: %v", index, err)
		sess.Fail(err.Error())
		s.pushEvent(threadID, rn, domain.EventTypeRoundError, map[string]interface{}{"message": err.Error()})
		return nil
	}
	if err := s.store.CreateMessage(context.Background(), &msg); err != nil {
		log.Printf("ERROR: failed to save participant message: %v", err)
	}

	col := &streamCollector{svc: s, sess: sess, threadID: threadID, round: rn, messageID: msg.MessageID}
	req := &modelclient.CompletionRequest{
		RequestID:     msg.MessageID,
		ThreadID:      threadID,
		Model:         p.ModelID,
		SystemPrompt:  participantPrompt(p),
		Messages:      buildHistory(sess, rn, s.config.HistoryLimit),
		SearchContext: searchContext(sess, rn),
	}

	streamCtx, cancel := context.WithTimeout(ctx, s.config.StreamTimeout)
	streamErr := s.models.Stream(streamCtx, s.config.ModelBackendURL, req, col)
	cancel()

	if ctx.Err() != nil {
		return nil
	}

	reason, errText := col.outcome(streamErr)
	finished, cmds := sess.FinishParticipant(rn, index, reason, errText)
	if finished.MessageID != "" {
		if err := s.store.UpdateMessageStream(context.Background(), finished.MessageID, finished.Content, finished.PartState, finished.FinishReason, finished.ErrorText); err != nil {
			log.Printf("ERROR: failed to persist participant message: %v", err)
		}
	}
	s.pushEvent(threadID, rn, domain.EventTypeParticipantDone, map[string]interface{}{
		"participant_index": index,
		"finish_reason":     string(reason),
	})
	return cmds
}

// execAnalysis creates and streams the moderator synthesis. The claim
// is atomic; duplicate triggers collapse to no-ops here.
func (s *Service) execAnalysis(ctx context.Context, sess *session.Session, rn int) []round.Command {
	threadID := sess.ThreadID()

	if !sess.ClaimSynthesis(rn) {
		return nil
	}
	s.markSynthesisCreated(threadID, rn)

	msg, rec, cmds := sess.SynthesisCreated(rn)
	if err := s.store.CreateMessage(context.Background(), &msg); err != nil {
		log.Printf("ERROR: failed to save moderator message: %v", err)
	}
	if err := s.store.UpsertAnalysis(context.Background(), &rec); err != nil {
		log.Printf("ERROR: failed to save analysis record: %v", err)
	}
	s.pushEvent(threadID, rn, domain.EventTypeAnalysis, map[string]interface{}{"status": "streaming"})

	col := &streamCollector{svc: s, sess: sess, threadID: threadID, round: rn, messageID: msg.MessageID}
	req := &modelclient.CompletionRequest{
		RequestID:    msg.MessageID,
		ThreadID:     threadID,
		Model:        s.config.ModeratorModel,
		SystemPrompt: moderatorPrompt(),
		Messages:     buildHistory(sess, rn, s.config.HistoryLimit),
	}

	streamCtx, cancel := context.WithTimeout(ctx, s.config.StreamTimeout)
	streamErr := s.models.Stream(streamCtx, s.config.ModelBackendURL, req, col)
	cancel()

	if ctx.Err() != nil {
		return cmds
	}

	var synthErr error
	if reason, errText := col.outcome(streamErr); reason == domain.FinishReasonError {
		synthErr = errors.New(errText)
	}

	rec, cmds2 := sess.FinishSynthesis(rn, synthErr)
	if final, ok := messageByID(sess, msg.MessageID); ok {
		if err := s.store.UpdateMessageStream(context.Background(), final.MessageID, final.Content, final.PartState, final.FinishReason, final.ErrorText); err != nil {
			log.Printf("ERROR: failed to persist moderator message: %v", err)
		}
	}
	if err := s.store.UpsertAnalysis(context.Background(), &rec); err != nil {
		log.Printf("ERROR: failed to save analysis record: %v", err)
	}

	if synthErr != nil {
		log.Printf("ERROR: synthesis for round %d failed: %v", rn, synthErr)
		s.pushEvent(threadID, rn, domain.EventTypeAnalysis, map[string]interface{}{"status": "failed"})
	} else {
		s.pushEvent(threadID, rn, domain.EventTypeAnalysis, map[string]interface{}{"status": "complete"})
	}
	return append(cmds, cmds2...)
}

// finishRound closes out the round's execution context.
func (s *Service) finishRound(sess *session.Session, rn int) {
	threadID := sess.ThreadID()
	s.mu.Lock()
	if cancel, ok := s.cancels[threadID]; ok {
		cancel()
		delete(s.cancels, threadID)
	}
	s.mu.Unlock()
	s.pushEvent(threadID, rn, domain.EventTypeRoundDone, nil)
}

// markPreSearchTriggered persists the round's presearch marker.
func (s *Service) markPreSearchTriggered(threadID string, rn int) {
	ctx := context.Background()
	markers, err := s.store.GetRoundMarkers(ctx, threadID, rn)
	if err != nil || markers == nil {
		markers = &domain.RoundMarkers{}
	}
	markers.ThreadID = threadID
	markers.RoundNumber = rn
	markers.PreSearchTriggered = true
	if err := s.store.SetRoundMarkers(ctx, markers); err != nil {
		log.Printf("ERROR: failed to save round markers: %v", err)
	}
}

// markSynthesisCreated persists the round's synthesis marker.
func (s *Service) markSynthesisCreated(threadID string, rn int) {
	ctx := context.Background()
	markers, err := s.store.GetRoundMarkers(ctx, threadID, rn)
	if err != nil || markers == nil {
		markers = &domain.RoundMarkers{}
	}
	markers.ThreadID = threadID
	markers.RoundNumber = rn
	markers.SynthesisCreated = true
	if err := s.store.SetRoundMarkers(ctx, markers); err != nil {
		log.Printf("ERROR: failed to save round markers: %v", err)
	}
}

// streamCollector adapts the backend stream onto the session: deltas
// append under the session lock and fan out to clients.
type streamCollector struct {
	svc       *Service
	sess      *session.Session
	threadID  string
	round     int
	messageID string

	reason  domain.FinishReason
	errText string
}

func (c *streamCollector) OnDelta(d modelclient.DeltaEvent) error {
	if _, ok := c.sess.AppendDelta(c.messageID, d.Content); !ok {
		return fmt.Errorf("message %s no longer exists", c.messageID)
	}
	c.svc.pushEvent(c.threadID, c.round, domain.EventTypeStreamDelta, map[string]interface{}{
		"message_id": c.messageID,
		"text":       d.Content,
	})
	return nil
}

func (c *streamCollector) OnDone(d modelclient.DoneEvent) error {
	c.reason = domain.ParseFinishReason(d.FinishReason)
	return nil
}

func (c *streamCollector) OnError(e modelclient.ErrorEvent) error {
	c.reason = domain.FinishReasonError
	c.errText = e.Message
	return fmt.Errorf("backend error: %s", e.Message)
}

// outcome folds the transport error and the collected events into the
// terminal (reason, error text) pair.
func (c *streamCollector) outcome(streamErr error) (domain.FinishReason, string) {
	if c.reason == domain.FinishReasonError {
		return c.reason, c.errText
	}
	if streamErr != nil {
		return domain.FinishReasonError, streamErr.Error()
	}
	if c.reason == "" {
		return domain.FinishReasonUnknown, ""
	}
	return c.reason, ""
}

// userMessageContent returns the round's user question.
func userMessageContent(sess *session.Session, rn int) string {
	for _, m := range sess.Messages() {
		if m.Kind == domain.MessageKindUser && m.RoundNumber == rn {
			return m.Content
		}
	}
	return ""
}

// messageByID looks a message up in the session's current list.
func messageByID(sess *session.Session, messageID string) (domain.Message, bool) {
	for _, m := range sess.Messages() {
		if m.MessageID == messageID {
			return m, true
		}
	}
	return domain.Message{}, false
}

// buildHistory converts the thread's messages into backend chat turns,
// keeping the most recent limit entries. Streaming messages and corrupt
// participant messages are excluded.
func buildHistory(sess *session.Session, rn, limit int) []modelclient.ChatMessage {
	var history []modelclient.ChatMessage
	for _, m := range sess.Messages() {
		if m.RoundNumber > rn {
			continue
		}
		switch m.Kind {
		case domain.MessageKindUser:
			history = append(history, modelclient.ChatMessage{Role: "user", Content: m.Content})
		case domain.MessageKindParticipant:
			if !m.ValidParticipant() || !m.PartState.Terminal() || m.Content == "" {
				continue
			}
			history = append(history, modelclient.ChatMessage{Role: "assistant", Content: m.Content})
		case domain.MessageKindModerator:
			if !m.PartState.Terminal() || m.Content == "" {
				continue
			}
			history = append(history, modelclient.ChatMessage{Role: "assistant", Content: m.Content})
		}
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

// searchContext renders the round's completed pre-search results for
// backend prompts, empty when absent or failed.
func searchContext(sess *session.Session, rn int) string {
	rec, ok := sess.PreSearchRecord(rn)
	if !ok || rec.Status != domain.RecordStatusComplete || len(rec.Results) == 0 {
		return ""
	}
	var result search.Result
	if err := json.Unmarshal(rec.Results, &result); err != nil {
		return string(rec.Results)
	}
	return result.ContextBlock()
}

func participantPrompt(p domain.Participant) string {
	base := "You are one voice at a roundtable of AI models. Give your own independent answer to the user's question; you may reference earlier answers in this round."
	if p.Role != "" {
		return base + " Your assigned role: " + p.Role + "."
	}
	return base
}

func moderatorPrompt() string {
	return "You are the roundtable moderator. Synthesize the participants' answers from this round into one balanced summary: where they agree, where they differ, and what the user should take away."
}
