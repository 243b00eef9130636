package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/errorhandling"
	"github.com/glimte/mmate-bus/routing"
	"github.com/glimte/mmate-bus/serialization"
	"github.com/glimte/mmate-bus/workers"
)

var (
	ErrNoHandler    = fmt.Errorf("messaging: no handler registered: %w", errorhandling.ErrOutOfRange)
	ErrHandlerPanic = errors.New("messaging: handler panicked")
)

// DefaultDuplicateWindow is the number of recently handled envelope ids
// remembered for duplicate detection
const DefaultDuplicateWindow = 1000

// Runtime is what the pipeline needs from the bus hosting it
type Runtime interface {
	errorhandling.Root
	SendEnvelope(ctx context.Context, env *contracts.Envelope) error
}

// HandlerPipeline runs envelopes handed over by worker queues through their
// handler and applies the resulting continuation
type HandlerPipeline struct {
	graph       *HandlerGraph
	serializers *serialization.Registry
	runtime     Runtime
	policy      *errorhandling.ErrorPolicy
	replies     *ReplyWatcher
	window      int
	handled     *lru.Cache[string, struct{}]
	logger      *slog.Logger
}

// PipelineOption configures a HandlerPipeline
type PipelineOption func(*HandlerPipeline)

// WithErrorPolicy sets how handler failures are turned into continuations
func WithErrorPolicy(policy *errorhandling.ErrorPolicy) PipelineOption {
	return func(p *HandlerPipeline) {
		p.policy = policy
	}
}

// WithReplyWatcher lets responses resolve waiting requests
func WithReplyWatcher(replies *ReplyWatcher) PipelineOption {
	return func(p *HandlerPipeline) {
		p.replies = replies
	}
}

// WithDuplicateWindow sets how many handled envelope ids are remembered. Zero
// disables duplicate detection.
func WithDuplicateWindow(n int) PipelineOption {
	return func(p *HandlerPipeline) {
		p.window = n
	}
}

// NewHandlerPipeline creates a pipeline dispatching to graph
func NewHandlerPipeline(graph *HandlerGraph, serializers *serialization.Registry, runtime Runtime, options ...PipelineOption) *HandlerPipeline {
	p := &HandlerPipeline{
		graph:       graph,
		serializers: serializers,
		runtime:     runtime,
		policy:      errorhandling.DefaultErrorPolicy(),
		window:      DefaultDuplicateWindow,
		logger:      runtime.Logger(),
	}
	for _, opt := range options {
		opt(p)
	}
	if p.policy == nil {
		p.policy = errorhandling.DefaultErrorPolicy()
	}
	if p.window > 0 {
		cache, err := lru.New[string, struct{}](p.window)
		if err == nil {
			p.handled = cache
		}
	}
	return p
}

// Invoke implements workers.Pipeline. Handler failures become continuations;
// the returned error only reports a continuation that could not be applied.
func (p *HandlerPipeline) Invoke(ctx context.Context, env *contracts.Envelope) error {
	cb := env.Callback
	if cb == nil {
		cb = nopCallback{}
	}
	now := time.Now()

	if env.IsPing() {
		return cb.Complete(ctx, env)
	}
	if env.IsExpiredAt(now) {
		return p.settle(ctx, errorhandling.Discard("expired"), cb, env, now)
	}
	if p.seen(env.ID) {
		return errorhandling.Discard("duplicate").Execute(ctx, p.runtime, cb, env, now)
	}

	if env.ResponseID != "" && p.replies != nil && p.replies.Pending(env.ResponseID) {
		if err := p.deserialize(env); err != nil {
			return p.settle(ctx, errorhandling.MoveToErrorQueue(errorhandling.Permanent(err)), cb, env, now)
		}
		p.replies.Deliver(env)
		return p.settle(ctx, errorhandling.Success(), cb, env, now)
	}

	handler, ok := p.graph.HandlerFor(env.MessageType)
	if !ok {
		if env.ResponseID != "" {
			return p.settle(ctx, errorhandling.Discard("no request waiting for response"), cb, env, now)
		}
		return p.settle(ctx, errorhandling.NoHandler(), cb, env, now)
	}

	if err := p.deserialize(env); err != nil {
		return p.settle(ctx, errorhandling.MoveToErrorQueue(errorhandling.Permanent(err)), cb, env, now)
	}

	p.logger.Debug("handling envelope",
		"envelopeId", env.ID,
		"messageType", env.MessageType,
		"attempts", env.Attempts,
	)

	resp, err := p.call(ctx, handler, env)
	if err == nil {
		err = p.cascade(ctx, env, resp)
	}

	now = time.Now()
	if err != nil {
		p.logger.Warn("handler failed",
			"envelopeId", env.ID,
			"messageType", env.MessageType,
			"attempts", env.Attempts,
			"error", err,
		)
		return p.settle(ctx, p.policy.Decide(env, err, now), cb, env, now)
	}
	return p.settle(ctx, errorhandling.Success(), cb, env, now)
}

// Execute runs env's handler inline and returns its response without
// applying any continuation
func (p *HandlerPipeline) Execute(ctx context.Context, env *contracts.Envelope) (any, error) {
	handler, ok := p.graph.HandlerFor(env.MessageType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, env.MessageType)
	}
	if err := p.deserialize(env); err != nil {
		return nil, err
	}
	return p.call(ctx, handler, env)
}

func (p *HandlerPipeline) call(ctx context.Context, handler Handler, env *contracts.Envelope) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return handler.Handle(ctx, env)
}

// cascade sends the handler's response. A requester that gets no response of
// the type it asked for is acknowledged so it does not wait for nothing.
func (p *HandlerPipeline) cascade(ctx context.Context, env *contracts.Envelope, resp any) error {
	responded := false
	if resp != nil {
		child := env.ForResponseAs(resp, p.graph.Types().AliasOf(resp))
		responded = child.ResponseID != ""

		if err := p.runtime.SendEnvelope(ctx, child); err != nil {
			if !errors.Is(err, routing.ErrNoRoute) {
				return fmt.Errorf("failed to send response of %s: %w", env.ID, err)
			}
			p.logger.Debug("dropping cascaded message without route",
				"envelopeId", env.ID,
				"messageType", child.MessageType,
			)
		}
	}

	if !responded && env.ReplyRequested != "" && !env.AckRequested {
		return p.runtime.Acknowledgements().SendAcknowledgement(ctx, env)
	}
	return nil
}

func (p *HandlerPipeline) deserialize(env *contracts.Envelope) error {
	if env.Message() != nil {
		return nil
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: envelope %s has neither message nor data", contracts.ErrInvalidEnvelopeState, env.ID)
	}

	contentType := env.ContentType
	if contentType == "" {
		contentType = serialization.ContentTypeJSON
	}
	s, err := p.serializers.SerializerFor(contentType)
	if err != nil {
		return err
	}
	msg, err := s.Read(env.Data, env.MessageType)
	if err != nil {
		return err
	}
	env.SetMessageAs(msg, env.MessageType)
	return nil
}

// settle applies c and remembers env once it has reached a final state
func (p *HandlerPipeline) settle(ctx context.Context, c errorhandling.Continuation, cb contracts.MessageCallback, env *contracts.Envelope, now time.Time) error {
	if err := c.Execute(ctx, p.runtime, cb, env, now); err != nil {
		return err
	}
	switch c.Kind {
	case errorhandling.KindRequeue, errorhandling.KindScheduledRetry:
		if !env.IsExpiredAt(now) {
			return nil
		}
	}
	if p.handled != nil {
		p.handled.Add(env.ID, struct{}{})
	}
	return nil
}

func (p *HandlerPipeline) seen(id string) bool {
	return p.handled != nil && p.handled.Contains(id)
}

// nopCallback settles envelopes that did not arrive through a transport
type nopCallback struct{}

func (nopCallback) Complete(ctx context.Context, env *contracts.Envelope) error { return nil }

func (nopCallback) Defer(ctx context.Context, env *contracts.Envelope) error { return nil }

func (nopCallback) MoveToErrors(ctx context.Context, env *contracts.Envelope, failure error) error {
	return nil
}

var _ workers.Pipeline = (*HandlerPipeline)(nil)
