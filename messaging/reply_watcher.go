package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/contracts"
)

var (
	ErrReplyTimeout     = errors.New("messaging: timed out waiting for reply")
	ErrDuplicateRequest = errors.New("messaging: request is already being watched")
	ErrUnknownRequest   = errors.New("messaging: request is not being watched")
)

// ReplyWatcher correlates response envelopes with the requests waiting for
// them. A response resolves the request whose id it carries as ResponseID.
type ReplyWatcher struct {
	waiters map[string]*waiter
	mu      sync.Mutex
}

type waiter struct {
	ch        chan *contracts.Envelope
	delivered bool
}

// NewReplyWatcher creates an empty watcher
func NewReplyWatcher() *ReplyWatcher {
	return &ReplyWatcher{
		waiters: make(map[string]*waiter),
	}
}

// Register starts watching for the response to requestID. Register before
// sending so a fast response cannot be missed.
func (w *ReplyWatcher) Register(requestID string) error {
	if requestID == "" {
		return fmt.Errorf("%w: empty request id", ErrUnknownRequest)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.waiters[requestID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}
	w.waiters[requestID] = &waiter{ch: make(chan *contracts.Envelope, 1)}
	return nil
}

// Pending reports whether a request is waiting for requestID's response
func (w *ReplyWatcher) Pending(requestID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	wt, ok := w.waiters[requestID]
	return ok && !wt.delivered
}

// Deliver hands env to the request named by its ResponseID. It reports false
// when nobody is waiting or the request already has its response.
func (w *ReplyWatcher) Deliver(env *contracts.Envelope) bool {
	if env == nil || env.ResponseID == "" {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	wt, ok := w.waiters[env.ResponseID]
	if !ok || wt.delivered {
		return false
	}
	wt.delivered = true
	wt.ch <- env
	return true
}

// Cancel stops watching requestID
func (w *ReplyWatcher) Cancel(requestID string) {
	w.mu.Lock()
	delete(w.waiters, requestID)
	w.mu.Unlock()
}

// Count returns the number of requests being watched
func (w *ReplyWatcher) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters)
}

// Wait blocks until the response to requestID arrives, the timeout elapses or
// ctx is done. The request is no longer watched when Wait returns.
func (w *ReplyWatcher) Wait(ctx context.Context, requestID string, timeout time.Duration) (*contracts.Envelope, error) {
	w.mu.Lock()
	wt, ok := w.waiters[requestID]
	w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	defer w.Cancel(requestID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-wt.ch:
		return env, nil
	case <-timer.C:
		return drain(wt.ch, fmt.Errorf("%w: %s after %s", ErrReplyTimeout, requestID, timeout))
	case <-ctx.Done():
		return drain(wt.ch, ctx.Err())
	}
}

// drain prefers a response that raced the timeout or cancellation
func drain(ch chan *contracts.Envelope, err error) (*contracts.Envelope, error) {
	select {
	case env := <-ch:
		return env, nil
	default:
		return nil, err
	}
}
