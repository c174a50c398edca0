// Package service coordinates sessions, storage, policy, and the
// streaming backends for the roundtable orchestrator.
package service

import (
	"context"
	"errors"
	"sync"

	"github.com/roundtable-ai/orchestrator/internal/adapter/modelclient"
	"github.com/roundtable-ai/orchestrator/internal/adapter/search"
	"github.com/roundtable-ai/orchestrator/internal/config"
	"github.com/roundtable-ai/orchestrator/internal/domain"
	"github.com/roundtable-ai/orchestrator/internal/hub"
	"github.com/roundtable-ai/orchestrator/internal/policy"
	"github.com/roundtable-ai/orchestrator/internal/session"
	"github.com/roundtable-ai/orchestrator/internal/store"
)

var (
	// ErrThreadNotFound is returned for an unknown thread id.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrPolicyBlocked is returned when the admission policy refuses a round.
	ErrPolicyBlocked = errors.New("round blocked by policy")
)

type Service struct {
	store        store.Store
	models       modelclient.Streamer
	search       search.Executor
	eventHub     *hub.Hub
	config       *config.Config
	policyEngine *policy.Engine

	mu       sync.Mutex
	sessions map[string]*session.Session
	cancels  map[string]context.CancelFunc
}

func New(st store.Store, models modelclient.Streamer, searcher search.Executor, eventHub *hub.Hub, cfg *config.Config, policyEngine *policy.Engine) *Service {
	return &Service{
		store:        st,
		models:       models,
		search:       searcher,
		eventHub:     eventHub,
		config:       cfg,
		policyEngine: policyEngine,
		sessions:     make(map[string]*session.Session),
		cancels:      make(map[string]context.CancelFunc),
	}
}

// pushEvent forwards a round event to connected clients, when a hub is
// attached.
func (s *Service) pushEvent(threadID string, round int, typ domain.EventType, payload interface{}) {
	if s.eventHub == nil {
		return
	}
	s.eventHub.PushEvent(threadID, round, typ, payload)
}

// roundContext returns a cancellable context for a thread's round
// execution, replacing any previous one.
func (s *Service) roundContext(threadID string) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[threadID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[threadID] = cancel
	return ctx
}

// cancelRound cancels a thread's in-flight round execution, if any, and
// reports whether one was running.
func (s *Service) cancelRound(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.cancels[threadID]
	if ok {
		cancel()
		delete(s.cancels, threadID)
	}
	return ok
}

// transportIdle reports whether no round execution is in flight for the
// thread. Used as the authoritative stream status during resumption.
func (s *Service) transportIdle(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, running := s.cancels[threadID]
	return !running
}
