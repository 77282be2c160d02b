package signaling

import "context"

// Handler receives envelopes addressed to a subscribed identity.
type Handler func(env Envelope)

// Unsubscribe releases a listener. It is safe to call more than once.
type Unsubscribe func()

// Channel relays envelopes between identities. Delivery is at-most-once and
// best effort; ordering is preserved per subscription.
type Channel interface {
	Send(ctx context.Context, env Envelope) error
	Listen(identity string, onOffer Handler) (Unsubscribe, error)
	ListenForAnswer(identity string, onAnswer Handler) (Unsubscribe, error)
	ListenForIceCandidates(identity string, onCandidate Handler) (Unsubscribe, error)
	ListenForTeardown(identity string, onTeardown Handler) (Unsubscribe, error)
	RemoveCallRecord(ctx context.Context, identity string) error
	// GetPendingOffer returns nil, nil when no call is waiting for identity.
	GetPendingOffer(ctx context.Context, identity string) (*Envelope, error)
}
