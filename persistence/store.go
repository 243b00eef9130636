// Package persistence defines the durable envelope store the delivery engine
// relies on, plus an in-memory implementation. Pebble and Redis backed stores
// live in the subpackages.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/glimte/mmate-bus/contracts"
)

var (
	ErrNotFound    = errors.New("persistence: envelope not found")
	ErrNilEnvelope = errors.New("persistence: envelope cannot be nil")
	ErrStoreClosed = errors.New("persistence: store is closed")
)

// EnvelopeStore persists envelopes for durable destinations
type EnvelopeStore interface {
	// Persist stores env so that it survives a restart until MarkHandled
	Persist(ctx context.Context, env *contracts.Envelope) error
	MarkHandled(ctx context.Context, id string) error
	// RecoverPending returns every envelope not yet handled, oldest first
	RecoverPending(ctx context.Context) ([]*contracts.Envelope, error)
	// UpdateAttempts rewrites the retry bookkeeping of a persisted envelope
	UpdateAttempts(ctx context.Context, env *contracts.Envelope) error
	MoveToDeadLetter(ctx context.Context, env *contracts.Envelope, failure error) error
	DeadLetters(ctx context.Context) ([]DeadLetter, error)
	Close() error
}

// DeadLetter is an envelope removed from processing for good
type DeadLetter struct {
	Envelope         *contracts.Envelope `json:"envelope"`
	ExceptionType    string              `json:"exceptionType,omitempty"`
	ExceptionMessage string              `json:"exceptionMessage,omitempty"`
	FailedAt         time.Time           `json:"failedAt"`
}

// NewDeadLetter records env and the failure that ended its processing
func NewDeadLetter(env *contracts.Envelope, failure error) DeadLetter {
	dl := DeadLetter{
		Envelope: env,
		FailedAt: time.Now().UTC(),
	}
	if failure != nil {
		dl.ExceptionType = fmt.Sprintf("%T", failure)
		dl.ExceptionMessage = failure.Error()
	}
	return dl
}

// SortOldestFirst orders envelopes by sent time, then id
func SortOldestFirst(envs []*contracts.Envelope) {
	sort.SliceStable(envs, func(i, j int) bool {
		if envs[i].SentAt.Equal(envs[j].SentAt) {
			return envs[i].ID < envs[j].ID
		}
		return envs[i].SentAt.Before(envs[j].SentAt)
	})
}
