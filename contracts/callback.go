package contracts

import "context"

// MessageCallback is the transport-specific way of settling a received envelope.
//
// Every received envelope carries one, chosen by the transport that delivered it.
type MessageCallback interface {
	// Complete marks the envelope as successfully handled
	Complete(ctx context.Context, env *Envelope) error
	// Defer puts the envelope back for another attempt. If its ExecutionTime is in
	// the future it is held until then, otherwise it rejoins the queue.
	Defer(ctx context.Context, env *Envelope) error
	// MoveToErrors removes the envelope from normal processing for good
	MoveToErrors(ctx context.Context, env *Envelope, failure error) error
}
