package messaging

import (
	"fmt"

	"github.com/glimte/mmate-bus/errorhandling"
)

// AcknowledgementAlias is the message type of acknowledgement envelopes
const AcknowledgementAlias = "mmate-acknowledgement"

// Acknowledgement tells a sender how its envelope was handled. It travels
// to the sender's reply address with ResponseID set to the acknowledged
// envelope's id.
type Acknowledgement struct {
	CorrelationID string `json:"correlationId" xml:"correlationId"`
	Success       bool   `json:"success" xml:"success"`
	Error         string `json:"error,omitempty" xml:"error,omitempty"`
}

// MessageAlias implements serialization.Aliased
func (Acknowledgement) MessageAlias() string { return AcknowledgementAlias }

// FailureAcknowledgementError is returned to a requester whose request was
// answered by a failure acknowledgement. Failure acknowledgements are sent
// when the receiver has no handler, so the error unwraps to
// errorhandling.ErrOutOfRange.
type FailureAcknowledgementError struct {
	RequestID string
	Reason    string
}

func (e *FailureAcknowledgementError) Error() string {
	return fmt.Sprintf("request %s failed: %s", e.RequestID, e.Reason)
}

func (e *FailureAcknowledgementError) Unwrap() error {
	return errorhandling.ErrOutOfRange
}
