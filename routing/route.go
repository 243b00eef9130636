// Package routing binds message types to destinations, content types and
// serializers, and clones envelopes for every outgoing route.
package routing

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/serialization"
	"github.com/glimte/mmate-bus/transports"
	"github.com/glimte/mmate-bus/uri"
)

// Channel is the addressable end of a route
type Channel interface {
	Destination() string
	LocalReplyURI() string
	// ApplyModifications lets the channel add destination specific metadata
	ApplyModifications(env *contracts.Envelope)
	Send(ctx context.Context, env *contracts.Envelope) error
}

// AgentChannel is a Channel delivering through a sending agent
type AgentChannel struct {
	Agent   transports.SendingAgent
	Headers map[string]string
}

// NewAgentChannel wraps agent
func NewAgentChannel(agent transports.SendingAgent) *AgentChannel {
	return &AgentChannel{Agent: agent}
}

// Destination implements Channel
func (c *AgentChannel) Destination() string { return c.Agent.Destination() }

// LocalReplyURI implements Channel
func (c *AgentChannel) LocalReplyURI() string { return c.Agent.ReplyURI() }

// ApplyModifications implements Channel
func (c *AgentChannel) ApplyModifications(env *contracts.Envelope) {
	for k, v := range c.Headers {
		if _, ok := env.Headers[k]; !ok {
			env.SetHeader(k, v)
		}
	}
}

// Send implements Channel. Durable agents store the envelope before it is
// forwarded.
func (c *AgentChannel) Send(ctx context.Context, env *contracts.Envelope) error {
	if c.Agent.Latched() {
		return fmt.Errorf("%w: %s", transports.ErrAgentLatched, c.Agent.Destination())
	}
	if c.Agent.IsDurable() {
		return c.Agent.StoreAndForward(ctx, env)
	}
	return c.Agent.EnqueueOutgoing(ctx, env)
}

// MessageRoute binds one message type to one destination and content type
type MessageRoute struct {
	MessageType string
	Destination string
	ContentType string
	Serializer  serialization.Serializer
	Channel     Channel
}

// NewMessageRoute resolves the serializer for contentType
func NewMessageRoute(messageType string, channel Channel, contentType string, serializers *serialization.Registry) (*MessageRoute, error) {
	s, err := serializers.SerializerFor(contentType)
	if err != nil {
		return nil, err
	}
	return &MessageRoute{
		MessageType: messageType,
		Destination: channel.Destination(),
		ContentType: s.ContentType(),
		Serializer:  s,
		Channel:     channel,
	}, nil
}

// CloneForSending returns the copy of env that travels this route
func (r *MessageRoute) CloneForSending(env *contracts.Envelope) (*contracts.Envelope, error) {
	if env.Message() == nil {
		return nil, fmt.Errorf("%w: cannot route envelope %s", contracts.ErrNoMessage, env.ID)
	}

	out := env.Clone()
	out.ID = contracts.NewID()
	out.OriginalID = env.OriginalID
	if out.OriginalID == "" {
		out.OriginalID = env.ID
	}
	if out.ReplyURI == "" {
		out.ReplyURI = r.Channel.LocalReplyURI()
	}

	r.Channel.ApplyModifications(out)

	if out.ContentType == "" {
		out.ContentType = r.ContentType
	}
	if len(out.Data) > 0 && !serialization.SameContentType(env.ContentType, out.ContentType) {
		out.Data = nil
	}
	if out.MessageType == "" {
		out.MessageType = r.MessageType
	}

	out.Bind(r.Serializer)
	out.Destination = r.Destination
	out.Callback = nil
	return out, nil
}

// MatchesEnvelope reports whether env can travel this route. An explicit
// content type must match exactly; otherwise the accepted content types, if
// any, must include the route's.
func (r *MessageRoute) MatchesEnvelope(env *contracts.Envelope) bool {
	if !uri.Equal(env.Destination, r.Destination) {
		return false
	}
	if env.ContentType != "" {
		return serialization.SameContentType(env.ContentType, r.ContentType)
	}
	if len(env.AcceptedContentTypes) == 0 {
		return true
	}
	for _, accepted := range env.AcceptedContentTypes {
		if serialization.Accepts(accepted, r.ContentType) {
			return true
		}
	}
	return false
}

func (r *MessageRoute) String() string {
	return fmt.Sprintf("%s -> %s (%s)", r.MessageType, r.Destination, r.ContentType)
}
