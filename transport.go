package distcheck

import (
	"context"

	"github.com/Mathew-Estafanous/distcheck/rendezvous"
)

// Envelope is one rank's contribution to a collective call.
type Envelope struct {
	// Seq pairs matching collective calls across ranks.
	Seq uint64

	// Op is the name of the collective the sender is running.
	Op string

	// Src is the rank of the sender.
	Src int

	Values []float64
}

// Transport defines how collective payloads travel between the ranks of a group.
type Transport interface {
	// Start begins accepting envelopes. It does not block.
	Start() error

	// Stop shuts the transport down and releases its listener.
	Stop() error

	// Addr is the address peers use to reach this transport.
	Addr() string

	// Send delivers env to target. It returns once target accepted the envelope.
	Send(ctx context.Context, target rendezvous.Member, env *Envelope) error

	// RegisterHandler registers the receiver of incoming envelopes.
	RegisterHandler(handler EnvelopeHandler) error
}

// EnvelopeHandler processes incoming envelopes.
type EnvelopeHandler interface {
	OnEnvelope(env *Envelope) error
}
