package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/contracts"
)

// MemoryStore is an EnvelopeStore that lives as long as the process. It is
// meant for tests and for running durable endpoints without a database.
type MemoryStore struct {
	envelopes   map[string]*contracts.Envelope
	deadLetters []DeadLetter
	closed      bool
	mu          sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		envelopes: make(map[string]*contracts.Envelope),
	}
}

// Persist implements EnvelopeStore
func (s *MemoryStore) Persist(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.envelopes[env.ID] = env.Clone()
	return nil
}

// MarkHandled implements EnvelopeStore
func (s *MemoryStore) MarkHandled(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	delete(s.envelopes, id)
	return nil
}

// RecoverPending implements EnvelopeStore
func (s *MemoryStore) RecoverPending(ctx context.Context) ([]*contracts.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	envs := make([]*contracts.Envelope, 0, len(s.envelopes))
	for _, env := range s.envelopes {
		envs = append(envs, env.Clone())
	}
	SortOldestFirst(envs)
	return envs, nil
}

// UpdateAttempts implements EnvelopeStore
func (s *MemoryStore) UpdateAttempts(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	stored, ok := s.envelopes[env.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Attempts = env.Attempts
	stored.SentAttempts = env.SentAttempts
	stored.SetExecutionTime(timeOrZero(env))
	stored.Status = env.Status
	return nil
}

// MoveToDeadLetter implements EnvelopeStore
func (s *MemoryStore) MoveToDeadLetter(ctx context.Context, env *contracts.Envelope, failure error) error {
	if env == nil {
		return ErrNilEnvelope
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	delete(s.envelopes, env.ID)
	s.deadLetters = append(s.deadLetters, NewDeadLetter(env.Clone(), failure))
	return nil
}

// DeadLetters implements EnvelopeStore
func (s *MemoryStore) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DeadLetter, len(s.deadLetters))
	copy(out, s.deadLetters)
	return out, nil
}

// Close implements EnvelopeStore
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func timeOrZero(env *contracts.Envelope) (t time.Time) {
	if et := env.ExecutionTime(); et != nil {
		return *et
	}
	return t
}
