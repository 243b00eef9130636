// Package pebble stores envelopes for durable destinations in a Pebble
// database. Pending envelopes live under "env/<id>" and dead letters under
// "dead/<id>", both JSON encoded.
package pebble

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/persistence"
)

var (
	pendingPrefix = []byte("env/")
	deadPrefix    = []byte("dead/")
)

// Store is a persistence.EnvelopeStore backed by Pebble
type Store struct {
	db        *pebble.DB
	writeSync bool
	logger    *slog.Logger
}

// Option configures the store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNoSync skips the WAL fsync on every write. A crash may lose the last
// writes; only use it where that is acceptable.
func WithNoSync() Option {
	return func(s *Store) {
		s.writeSync = false
	}
}

// Open creates or opens a store in dir
func Open(dir string, options ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("pebble: data directory is required")
	}

	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble store at %s: %w", dir, err)
	}

	s := &Store{
		db:        db,
		writeSync: true,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
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
	return s.db.Set(pendingKey(env.ID), data, s.writeOptions())
}

// MarkHandled implements persistence.EnvelopeStore
func (s *Store) MarkHandled(ctx context.Context, id string) error {
	return s.db.Delete(pendingKey(id), s.writeOptions())
}

// RecoverPending implements persistence.EnvelopeStore
func (s *Store) RecoverPending(ctx context.Context) ([]*contracts.Envelope, error) {
	var envs []*contracts.Envelope
	err := s.scan(pendingPrefix, func(key, value []byte) error {
		var env contracts.Envelope
		if err := json.Unmarshal(value, &env); err != nil {
			s.logger.Warn("skipping unreadable envelope", "key", string(key), "error", err)
			return nil
		}
		envs = append(envs, &env)
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}

	persistence.SortOldestFirst(envs)
	return envs, nil
}

// UpdateAttempts implements persistence.EnvelopeStore
func (s *Store) UpdateAttempts(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return persistence.ErrNilEnvelope
	}

	value, closer, err := s.db.Get(pendingKey(env.ID))
	if errors.Is(err, pebble.ErrNotFound) {
		return persistence.ErrNotFound
	}
	if err != nil {
		return err
	}

	var stored contracts.Envelope
	err = json.Unmarshal(value, &stored)
	closer.Close()
	if err != nil {
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

// MoveToDeadLetter implements persistence.EnvelopeStore. The pending entry is
// removed and the dead letter written in one batch.
func (s *Store) MoveToDeadLetter(ctx context.Context, env *contracts.Envelope, failure error) error {
	if env == nil {
		return persistence.ErrNilEnvelope
	}

	data, err := json.Marshal(persistence.NewDeadLetter(env, failure))
	if err != nil {
		return fmt.Errorf("failed to encode dead letter %s: %w", env.ID, err)
	}

	b := s.db.NewBatch()
	defer b.Close()

	if err := b.Delete(pendingKey(env.ID), nil); err != nil {
		return err
	}
	if err := b.Set(deadKey(env.ID), data, nil); err != nil {
		return err
	}
	return b.Commit(s.writeOptions())
}

// DeadLetters implements persistence.EnvelopeStore
func (s *Store) DeadLetters(ctx context.Context) ([]persistence.DeadLetter, error) {
	var out []persistence.DeadLetter
	err := s.scan(deadPrefix, func(key, value []byte) error {
		var dl persistence.DeadLetter
		if err := json.Unmarshal(value, &dl); err != nil {
			return fmt.Errorf("failed to decode dead letter %s: %w", key, err)
		}
		out = append(out, dl)
		return nil
	})
	return out, err
}

// Close implements persistence.EnvelopeStore
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *Store) writeOptions() *pebble.WriteOptions {
	if s.writeSync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func pendingKey(id string) []byte {
	return append(append([]byte(nil), pendingPrefix...), id...)
}

func deadKey(id string) []byte {
	return append(append([]byte(nil), deadPrefix...), id...)
}

// upperBound returns the smallest key greater than every key with prefix
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
