// Package store provides storage backends for TutorPipe.
//
// This file implements the in-memory store used by tests and development.
package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tutorpipe/tutorpipe/internal/models"
)

// InMemoryStore keeps all entities in process memory. Safe for concurrent
// use; contents are lost on restart.
type InMemoryStore struct {
	mu            sync.RWMutex
	activities    map[string]models.Activity
	steps         map[string][]models.Step // keyed by activity id
	conversations map[string]models.Conversation
	messages      map[string][]models.Message // keyed by conversation id, append order
	evaluators    map[string][]models.EvaluatorAssignment
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		activities:    make(map[string]models.Activity),
		steps:         make(map[string][]models.Step),
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string][]models.Message),
		evaluators:    make(map[string][]models.EvaluatorAssignment),
	}
}

func (s *InMemoryStore) CreateActivity(a models.Activity, steps []models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.activities[a.ID]; exists {
		return fmt.Errorf("activity %s already exists", a.ID)
	}
	s.activities[a.ID] = a
	owned := make([]models.Step, len(steps))
	copy(owned, steps)
	sort.Slice(owned, func(i, j int) bool { return owned[i].Number < owned[j].Number })
	s.steps[a.ID] = owned
	return nil
}

func (s *InMemoryStore) GetActivity(id string) (models.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.activities[id]
	if !ok {
		return models.Activity{}, fmt.Errorf("activity %s: %w", id, models.ErrActivityNotFound)
	}
	return a, nil
}

func (s *InMemoryStore) ListActivities(visibleOnly bool) ([]models.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Activity, 0, len(s.activities))
	for _, a := range s.activities {
		if visibleOnly && !a.Visible {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *InMemoryStore) UpdateActivityVisibility(id string, visible bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.activities[id]
	if !ok {
		return fmt.Errorf("activity %s: %w", id, models.ErrActivityNotFound)
	}
	a.Visible = visible
	s.activities[id] = a
	return nil
}

func (s *InMemoryStore) GetStep(activityID string, number int) (models.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.steps[activityID] {
		if st.Number == number {
			return st, nil
		}
	}
	return models.Step{}, fmt.Errorf("step %d of activity %s: %w", number, activityID, models.ErrStepNotFound)
}

func (s *InMemoryStore) ListSteps(activityID string) ([]models.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := s.steps[activityID]
	out := make([]models.Step, len(steps))
	copy(out, steps)
	return out, nil
}

func (s *InMemoryStore) CreateConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[c.ID]; exists {
		return fmt.Errorf("conversation %s already exists", c.ID)
	}
	s.conversations[c.ID] = c
	return nil
}

func (s *InMemoryStore) GetConversation(id string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, models.ErrConversationNotFound)
	}
	return c, nil
}

func (s *InMemoryStore) UpdateConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; !ok {
		return fmt.Errorf("conversation %s: %w", c.ID, models.ErrConversationNotFound)
	}
	s.conversations[c.ID] = c
	return nil
}

func (s *InMemoryStore) AddMessage(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[m.ConversationID]; !ok {
		return fmt.Errorf("conversation %s: %w", m.ConversationID, models.ErrConversationNotFound)
	}
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return nil
}

func (s *InMemoryStore) ListMessages(conversationID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *InMemoryStore) SetEvaluators(conversationID string, evaluators []models.EvaluatorAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	owned := make([]models.EvaluatorAssignment, len(evaluators))
	copy(owned, evaluators)
	s.evaluators[conversationID] = owned
	return nil
}

func (s *InMemoryStore) ListEvaluators(conversationID string) ([]models.EvaluatorAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.evaluators[conversationID]
	out := make([]models.EvaluatorAssignment, len(evs))
	copy(out, evs)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
