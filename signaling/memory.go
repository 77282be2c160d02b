package signaling

import (
	"context"
	"slices"
	"sync"

	"github.com/bt-bridge/voicelink/shared"
	"go.uber.org/zap"
)

const mailboxSize = 256

type subscription struct {
	identity string
	typ      EnvelopeType
	handler  Handler
}

type delivery struct {
	env Envelope
	// only restricts the delivery to one subscription, used for offer replay.
	only *subscription
}

// mailbox serializes every envelope addressed to one identity, so handlers of
// different types observe the order in which envelopes were sent.
type mailbox struct {
	identity string
	queue    chan delivery
	subs     map[EnvelopeType][]*subscription
	done     chan struct{}
}

// Memory is an in-process Channel. It keeps one pending call record per
// recipient and delivers envelopes on a goroutine per recipient, so a handler
// may call back into the hub without deadlocking.
type Memory struct {
	logger shared.LoggerAdapter

	mu        sync.Mutex
	offers    map[string]Envelope
	mailboxes map[string]*mailbox
	closed    bool
}

var _ Channel = (*Memory)(nil)

func NewMemory(logger shared.LoggerAdapter) (*Memory, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Memory{
		logger:    logger.With(zap.String("component", "signaling-memory")),
		offers:    make(map[string]Envelope),
		mailboxes: make(map[string]*mailbox),
	}, nil
}

func (m *Memory) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return shared.ErrChannelClosed
	}
	if env.Type == EnvelopeTypeOffer {
		m.offers[env.To] = env
	}
	if mb, ok := m.mailboxes[env.To]; ok {
		m.enqueueLocked(mb, delivery{env: env})
	}
	m.logger.Trace(
		"envelope relayed",
		zap.String("type", string(env.Type)),
		zap.String("from", env.From),
		zap.String("to", env.To),
	)
	return nil
}

func (m *Memory) enqueueLocked(mb *mailbox, d delivery) {
	select {
	case mb.queue <- d:
	default:
		m.logger.Warn(
			"mailbox full, envelope dropped",
			zap.String("identity", mb.identity),
			zap.String("type", string(d.env.Type)),
		)
	}
}

func (m *Memory) run(mb *mailbox) {
	for {
		select {
		case <-mb.done:
			return
		case d := <-mb.queue:
			for _, s := range m.targets(mb, d) {
				s.handler(d.env)
			}
		}
	}
}

// targets resolves subscribers at delivery time, so a handler that subscribes
// while processing one envelope receives the envelopes queued behind it.
func (m *Memory) targets(mb *mailbox, d delivery) []*subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := mb.subs[d.env.Type]
	if d.only != nil {
		if slices.Contains(subs, d.only) {
			return []*subscription{d.only}
		}
		return nil
	}
	return slices.Clone(subs)
}

// Subscribe registers h for envelopes of type typ addressed to identity.
func (m *Memory) Subscribe(identity string, typ EnvelopeType, h Handler) (Unsubscribe, error) {
	if identity == "" {
		return nil, shared.ErrNoIdentity
	}
	if h == nil {
		return nil, shared.ErrInvalidEnvelope
	}
	s := &subscription{identity: identity, typ: typ, handler: h}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, shared.ErrChannelClosed
	}
	mb, ok := m.mailboxes[identity]
	if !ok {
		mb = &mailbox{
			identity: identity,
			queue:    make(chan delivery, mailboxSize),
			subs:     make(map[EnvelopeType][]*subscription),
			done:     make(chan struct{}),
		}
		m.mailboxes[identity] = mb
		go m.run(mb)
	}
	mb.subs[typ] = append(mb.subs[typ], s)
	if offer, ok := m.offers[identity]; ok && typ == EnvelopeTypeOffer {
		m.enqueueLocked(mb, delivery{env: offer, only: s})
	}

	var once sync.Once
	return func() { once.Do(func() { m.unsubscribe(s) }) }, nil
}

func (m *Memory) unsubscribe(s *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mb, ok := m.mailboxes[s.identity]
	if !ok {
		return
	}
	mb.subs[s.typ] = slices.DeleteFunc(mb.subs[s.typ], func(c *subscription) bool { return c == s })
	if len(mb.subs[s.typ]) == 0 {
		delete(mb.subs, s.typ)
	}
	if len(mb.subs) == 0 {
		close(mb.done)
		delete(m.mailboxes, s.identity)
	}
}

func (m *Memory) Listen(identity string, onOffer Handler) (Unsubscribe, error) {
	return m.Subscribe(identity, EnvelopeTypeOffer, onOffer)
}

func (m *Memory) ListenForAnswer(identity string, onAnswer Handler) (Unsubscribe, error) {
	return m.Subscribe(identity, EnvelopeTypeAnswer, onAnswer)
}

func (m *Memory) ListenForIceCandidates(identity string, onCandidate Handler) (Unsubscribe, error) {
	return m.Subscribe(identity, EnvelopeTypeIceCandidate, onCandidate)
}

func (m *Memory) ListenForTeardown(identity string, onTeardown Handler) (Unsubscribe, error) {
	return m.Subscribe(identity, EnvelopeTypeTeardown, onTeardown)
}

func (m *Memory) RemoveCallRecord(ctx context.Context, identity string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return shared.ErrChannelClosed
	}
	delete(m.offers, identity)
	return nil
}

func (m *Memory) GetPendingOffer(ctx context.Context, identity string) (*Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, shared.ErrChannelClosed
	}
	offer, ok := m.offers[identity]
	if !ok {
		return nil, nil
	}
	return &offer, nil
}

// Subscribers reports how many live subscriptions exist for identity.
func (m *Memory) Subscribers(identity string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	mb, ok := m.mailboxes[identity]
	if !ok {
		return 0
	}
	n := 0
	for _, list := range mb.subs {
		n += len(list)
	}
	return n
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, mb := range m.mailboxes {
		close(mb.done)
	}
	m.mailboxes = make(map[string]*mailbox)
	m.offers = make(map[string]Envelope)
	return nil
}
