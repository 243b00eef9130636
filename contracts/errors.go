package contracts

import "errors"

var (
	// ErrInvalidEnvelopeState is returned when an envelope cannot be serialized
	// because it has no writer bound or nothing to serialize
	ErrInvalidEnvelopeState = errors.New("contracts: invalid envelope state")
	// ErrNoMessage is returned, wrapped with ErrInvalidEnvelopeState, when an
	// envelope has neither data nor a message
	ErrNoMessage = errors.New("contracts: envelope has no message")
	// ErrMalformedHeader is returned when wire headers cannot be decoded
	ErrMalformedHeader = errors.New("contracts: malformed header")
)
