// Package redis stores envelopes for durable destinations in Redis.
// Pending envelopes and dead letters are kept in two hashes keyed by envelope
// id, so recovery is a single HGETALL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/persistence"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is used when Config.KeyPrefix is empty
const DefaultKeyPrefix = "mmate:envelopes:"

// Config contains configuration options for the Redis store
type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for both hashes
	KeyPrefix string

	Logger *slog.Logger
}

// Store is a persistence.EnvelopeStore backed by Redis
type Store struct {
	client     *redis.Client
	pendingKey string
	deadKey    string
	logger     *slog.Logger
}

// New creates a Redis store
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultKeyPrefix
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Store{
		client:     config.Client,
		pendingKey: config.KeyPrefix + "pending",
		deadKey:    config.KeyPrefix + "dead",
		logger:     config.Logger,
	}, nil
}

// Persist implements persistence.EnvelopeStore
func (s *Store) Persist(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return persistence.ErrNilEnvelope
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope %s: %w", env.ID, err)
	}
	if err := s.client.HSet(ctx, s.pendingKey, env.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to persist envelope %s: %w", env.ID, err)
	}
	return nil
}

// MarkHandled implements persistence.EnvelopeStore
func (s *Store) MarkHandled(ctx context.Context, id string) error {
	if err := s.client.HDel(ctx, s.pendingKey, id).Err(); err != nil {
		return fmt.Errorf("failed to mark envelope %s handled: %w", id, err)
	}
	return nil
}

// RecoverPending implements persistence.EnvelopeStore
func (s *Store) RecoverPending(ctx context.Context) ([]*contracts.Envelope, error) {
	values, err := s.client.HGetAll(ctx, s.pendingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending envelopes: %w", err)
	}

	envs := make([]*contracts.Envelope, 0, len(values))
	for id, value := range values {
		var env contracts.Envelope
		if err := json.Unmarshal([]byte(value), &env); err != nil {
			s.logger.Warn("skipping unreadable envelope", "envelopeId", id, "error", err)
			continue
		}
		envs = append(envs, &env)
	}

	persistence.SortOldestFirst(envs)
	return envs, nil
}

// UpdateAttempts implements persistence.EnvelopeStore
func (s *Store) UpdateAttempts(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return persistence.ErrNilEnvelope
	}

	value, err := s.client.HGet(ctx, s.pendingKey, env.ID).Result()
	if errors.Is(err, redis.Nil) {
		return persistence.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load envelope %s: %w", env.ID, err)
	}

	var stored contracts.Envelope
	if err := json.Unmarshal([]byte(value), &stored); err != nil {
		return fmt.Errorf("failed to decode envelope %s: %w", env.ID, err)
	}

	stored.Attempts = env.Attempts
	stored.SentAttempts = env.SentAttempts
	stored.Status = env.Status
	stored.SetExecutionTime(time.Time{})
	if et := env.ExecutionTime(); et != nil {
		stored.SetExecutionTime(*et)
	}
	return s.Persist(ctx, &stored)
}

// MoveToDeadLetter implements persistence.EnvelopeStore
func (s *Store) MoveToDeadLetter(ctx context.Context, env *contracts.Envelope, failure error) error {
	if env == nil {
		return persistence.ErrNilEnvelope
	}

	data, err := json.Marshal(persistence.NewDeadLetter(env, failure))
	if err != nil {
		return fmt.Errorf("failed to encode dead letter %s: %w", env.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.pendingKey, env.ID)
		pipe.HSet(ctx, s.deadKey, env.ID, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter envelope %s: %w", env.ID, err)
	}
	return nil
}

// DeadLetters implements persistence.EnvelopeStore
func (s *Store) DeadLetters(ctx context.Context) ([]persistence.DeadLetter, error) {
	values, err := s.client.HGetAll(ctx, s.deadKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan dead letters: %w", err)
	}

	out := make([]persistence.DeadLetter, 0, len(values))
	for id, value := range values {
		var dl persistence.DeadLetter
		if err := json.Unmarshal([]byte(value), &dl); err != nil {
			return nil, fmt.Errorf("failed to decode dead letter %s: %w", id, err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// Close implements persistence.EnvelopeStore. The client is owned by the caller.
func (s *Store) Close() error {
	return nil
}
