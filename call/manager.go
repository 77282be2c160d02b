package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bt-bridge/voicelink/shared"
	"github.com/bt-bridge/voicelink/signaling"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type Config struct {
	Identity string
	Channel  signaling.Channel
	Media    MediaSource
	Peers    PeerFactory
	// Notifier receives one message per failed operation. Defaults to the logger.
	Notifier shared.Notifier
}

// Manager negotiates and tears down at most one audio call at a time for the
// local identity.
type Manager struct {
	logger shared.LoggerAdapter
	cfg    Config

	mu      sync.Mutex
	running bool
	closed  bool
	session *Session
	unsubs  []signaling.Unsubscribe
	onState StateHandler
	onTrack TrackRemoteHandler

	ctx    context.Context
	cancel context.CancelCauseFunc
}

var errStaleAnswer = errors.New("stale answer")

func NewManager(ctx context.Context, logger shared.LoggerAdapter, cfg Config) (*Manager, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.Identity == "" {
		return nil, shared.ErrNoIdentity
	}
	if cfg.Channel == nil {
		return nil, shared.ErrNoChannel
	}
	if cfg.Media == nil {
		return nil, shared.ErrNoMediaSource
	}
	if cfg.Peers == nil {
		return nil, shared.ErrNoPeerFactory
	}
	logger = logger.With(zap.String("component", "call"), zap.String("identity", cfg.Identity))
	if cfg.Notifier == nil {
		cfg.Notifier = shared.LogNotifier(logger)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	return &Manager{
		logger: logger,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (m *Manager) RegisterStateHandler(handler StateHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return shared.ErrSessionAlreadyRunning
	}
	if m.onState != nil {
		return shared.ErrHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	m.onState = handler
	return nil
}

func (m *Manager) RegisterTrackRemoteHandler(handler TrackRemoteHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return shared.ErrSessionAlreadyRunning
	}
	if m.onTrack != nil {
		return shared.ErrHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	m.onTrack = handler
	return nil
}

// Start listens for incoming offers and teardowns addressed to the local identity.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return shared.ErrSessionClosed
	}
	if m.running {
		return shared.ErrSessionAlreadyRunning
	}
	offers, err := m.cfg.Channel.Listen(m.cfg.Identity, m.handleOffer)
	if err != nil {
		return fmt.Errorf("listening for offers: %w", err)
	}
	teardowns, err := m.cfg.Channel.ListenForTeardown(m.cfg.Identity, m.handleTeardown)
	if err != nil {
		offers()
		return fmt.Errorf("listening for teardowns: %w", err)
	}
	m.unsubs = append(m.unsubs, offers, teardowns)
	m.running = true
	m.logger.Info("call manager started")
	return nil
}

// Close ends any call without notifying the peer and stops listening.
func (m *Manager) Close() error {
	m.EndCall(context.Background(), false)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.running = false
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	m.cancel(errors.New("call manager closed"))
	return nil
}

func (m *Manager) Done() <-chan struct{} {
	return m.ctx.Done()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return StateIdle
	}
	return m.session.state
}

// Peer is the identity of the other party, empty when idle.
func (m *Manager) Peer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.peerName
}

// InitiateCall calls target. It does nothing when a call is already in progress.
func (m *Manager) InitiateCall(ctx context.Context, target string) error {
	if target == "" {
		return shared.ErrNoTarget
	}
	if target == m.cfg.Identity {
		return fmt.Errorf("%w: cannot call yourself", shared.ErrNoTarget)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return shared.ErrSessionClosed
	}
	if m.session != nil {
		m.logger.Debug(
			"ignoring call request while busy",
			zap.String("target", target),
			zap.String("state", m.session.state.String()),
		)
		m.mu.Unlock()
		return nil
	}
	s := newSession(m.ctx, StateOutgoing, target)
	m.session = s
	emit := m.setStateLocked(s, StateOutgoing)
	m.mu.Unlock()
	emit()

	if err := m.prepare(s); err != nil {
		return m.abort(s, "Could not start the call", err)
	}
	if err := m.listen(s, m.cfg.Channel.ListenForAnswer, func(env signaling.Envelope) {
		m.handleAnswer(s, env)
	}); err != nil {
		return m.abort(s, "Could not start the call", fmt.Errorf("listening for answers: %w", err))
	}
	if err := m.listenCandidates(s); err != nil {
		return m.abort(s, "Could not start the call", err)
	}

	var offer webrtc.SessionDescription
	err := m.withSession(s, func() error {
		var err error
		if offer, err = s.peer.CreateOffer(); err != nil {
			return fmt.Errorf("creating offer: %w", err)
		}
		if err = s.peer.SetLocalDescription(offer); err != nil {
			return fmt.Errorf("setting local description: %w", err)
		}
		return nil
	})
	if err != nil {
		return m.abort(s, "Could not start the call", err)
	}
	if err := m.cfg.Channel.Send(ctx, signaling.NewOffer(m.cfg.Identity, target, offer.SDP)); err != nil {
		return m.abort(s, "Could not reach "+target, fmt.Errorf("sending offer: %w", err))
	}
	m.flushLocalCandidates(s)
	m.logger.Info("offer sent", zap.String("target", target))
	return nil
}

// AnswerCall accepts the ringing incoming call.
func (m *Manager) AnswerCall(ctx context.Context) error {
	m.mu.Lock()
	s := m.session
	if s == nil || s.state != StateIncoming || s.peerName == "" {
		m.mu.Unlock()
		return fmt.Errorf("%w: no incoming call", shared.ErrNoPendingOffer)
	}
	if s.answering {
		m.mu.Unlock()
		return nil
	}
	s.answering = true
	caller := s.peerName
	m.mu.Unlock()

	if err := m.prepare(s); err != nil {
		return m.abort(s, "Could not answer the call", err)
	}
	offer, err := m.cfg.Channel.GetPendingOffer(ctx, m.cfg.Identity)
	if err != nil {
		return m.abort(s, "Could not answer the call", fmt.Errorf("fetching pending offer: %w", err))
	}
	if offer == nil || offer.From != caller {
		return m.abort(s, "The call is no longer available", shared.ErrNoPendingOffer)
	}

	var answer webrtc.SessionDescription
	err = m.withSession(s, func() error {
		if err := s.peer.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  offer.SDP,
		}); err != nil {
			return fmt.Errorf("setting remote description: %w", err)
		}
		s.remoteSet = true
		m.drainRemoteCandidatesLocked(s)
		var err error
		if answer, err = s.peer.CreateAnswer(); err != nil {
			return fmt.Errorf("creating answer: %w", err)
		}
		if err = s.peer.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("setting local description: %w", err)
		}
		return nil
	})
	if err != nil {
		return m.abort(s, "Could not answer the call", err)
	}
	if err := m.cfg.Channel.Send(ctx, signaling.NewAnswer(m.cfg.Identity, caller, answer.SDP)); err != nil {
		return m.abort(s, "Could not answer the call", fmt.Errorf("sending answer: %w", err))
	}
	m.flushLocalCandidates(s)
	if err := m.cfg.Channel.RemoveCallRecord(ctx, m.cfg.Identity); err != nil {
		m.logger.Warn("removing call record", zap.Error(err))
	}

	var emit func()
	err = m.withSession(s, func() error {
		if s.state != StateConnected {
			emit = m.setStateLocked(s, StateConnected)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if emit != nil {
		emit()
	}
	m.logger.Info("answer sent", zap.String("caller", caller))
	return nil
}

// EndCall hangs up. It is safe in any state and more than once. notifyPeer
// sends a teardown to the other party.
func (m *Manager) EndCall(ctx context.Context, notifyPeer bool) {
	m.end(ctx, nil, notifyPeer, errors.New("call ended"))
}

// end finishes expect, or whatever session is current when expect is nil.
func (m *Manager) end(ctx context.Context, expect *Session, notifyPeer bool, cause error) {
	m.mu.Lock()
	s := m.session
	if s == nil || (expect != nil && s != expect) {
		m.mu.Unlock()
		if expect == nil {
			m.removeCallRecord(ctx)
		}
		return
	}
	peerName := s.peerName
	outgoing := s.state == StateOutgoing
	emit := m.detachLocked(s)
	m.mu.Unlock()

	m.release(s, cause)
	if outgoing {
		m.withdrawOffer(ctx, peerName)
	}
	if notifyPeer {
		if err := m.cfg.Channel.Send(ctx, signaling.NewTeardown(m.cfg.Identity, peerName)); err != nil {
			m.logger.Warn("sending teardown", zap.String("peer", peerName), zap.Error(err))
		}
	}
	m.removeCallRecord(ctx)
	emit()
	m.logger.Info("call ended", zap.String("peer", peerName), zap.Bool("notified", notifyPeer))
}

func (m *Manager) removeCallRecord(ctx context.Context) {
	if err := m.cfg.Channel.RemoveCallRecord(ctx, m.cfg.Identity); err != nil {
		m.logger.Warn("removing call record", zap.Error(err))
	}
}

// withdrawOffer drops our unanswered offer from the callee's call record so an
// offline callee is not rung later. A newer offer from someone else is kept.
func (m *Manager) withdrawOffer(ctx context.Context, callee string) {
	pending, err := m.cfg.Channel.GetPendingOffer(ctx, callee)
	if err != nil {
		m.logger.Warn("looking up offer to withdraw", zap.String("peer", callee), zap.Error(err))
		return
	}
	if pending == nil || pending.From != m.cfg.Identity {
		return
	}
	if err := m.cfg.Channel.RemoveCallRecord(ctx, callee); err != nil {
		m.logger.Warn("withdrawing offer", zap.String("peer", callee), zap.Error(err))
	}
}

// abort cleans up a failed operation on s and reports it once. A step whose
// session was ended or replaced meanwhile reports nothing.
func (m *Manager) abort(s *Session, msg string, err error) error {
	if errors.Is(err, shared.ErrSessionClosed) {
		return err
	}
	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		return shared.ErrSessionClosed
	}
	peerName := s.peerName
	outgoing := s.state == StateOutgoing
	emit := m.detachLocked(s)
	m.mu.Unlock()

	m.release(s, err)
	if outgoing {
		m.withdrawOffer(context.Background(), peerName)
	}
	m.removeCallRecord(context.Background())
	emit()
	m.logger.Error("call failed", err, zap.String("peer", peerName))
	m.cfg.Notifier.Notify(msg, err)
	return err
}

func (m *Manager) setStateLocked(s *Session, state State) func() {
	s.state = state
	h := m.onState
	peer := s.peerName
	m.logger.Info("call state changed", zap.String("state", state.String()), zap.String("peer", peer))
	return func() {
		if h != nil {
			h(state, peer)
		}
	}
}

func (m *Manager) detachLocked(s *Session) func() {
	m.session = nil
	s.state = StateIdle
	h := m.onState
	return func() {
		if h != nil {
			h(StateIdle, "")
		}
	}
}

// release frees everything a detached session holds.
func (m *Manager) release(s *Session, cause error) {
	s.cancel(cause)
	for _, unsub := range s.unsubs {
		unsub()
	}
	if s.peer != nil {
		if err := s.peer.Close(); err != nil {
			m.logger.Error("closing peer connection failed", err)
		}
	}
	if s.media != nil {
		if err := s.media.Stop(); err != nil {
			m.logger.Error("stopping local media failed", err)
		}
	}
}

// withSession runs f under the lock if s is still the current session.
func (m *Manager) withSession(s *Session, f func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != s {
		return shared.ErrSessionClosed
	}
	return f()
}

// prepare acquires the microphone and a peer for s.
func (m *Manager) prepare(s *Session) error {
	media, err := m.cfg.Media.Acquire(s.ctx)
	if err != nil {
		return fmt.Errorf("acquiring microphone: %w", err)
	}
	if err := m.withSession(s, func() error {
		s.media = media
		return nil
	}); err != nil {
		_ = media.Stop()
		return err
	}

	peer, err := m.cfg.Peers.NewPeer()
	if err != nil {
		return fmt.Errorf("creating peer: %w", err)
	}
	peer.OnICECandidate(func(c webrtc.ICECandidateInit) { m.handleLocalCandidate(s, c) })
	peer.OnTrack(func(track *webrtc.TrackRemote) { m.handleTrack(s, track) })
	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) { m.handlePeerState(s, state) })

	attached := false
	err = m.withSession(s, func() error {
		s.peer = peer
		attached = true
		for _, track := range media.Tracks() {
			if err := peer.AddTrack(track); err != nil {
				return fmt.Errorf("adding local track: %w", err)
			}
		}
		return nil
	})
	if !attached {
		_ = peer.Close()
	}
	return err
}

func (m *Manager) listen(s *Session, subscribe func(string, signaling.Handler) (signaling.Unsubscribe, error), h signaling.Handler) error {
	unsub, err := subscribe(m.cfg.Identity, h)
	if err != nil {
		return err
	}
	if err := m.withSession(s, func() error {
		s.unsubs = append(s.unsubs, unsub)
		return nil
	}); err != nil {
		unsub()
		return err
	}
	return nil
}

func (m *Manager) listenCandidates(s *Session) error {
	if err := m.listen(s, m.cfg.Channel.ListenForIceCandidates, func(env signaling.Envelope) {
		m.handleRemoteCandidate(s, env)
	}); err != nil {
		return fmt.Errorf("listening for candidates: %w", err)
	}
	return nil
}

func (m *Manager) handleOffer(env signaling.Envelope) {
	m.mu.Lock()
	if !m.running || env.From == "" || env.From == m.cfg.Identity {
		m.mu.Unlock()
		return
	}
	if m.session != nil {
		if m.session.peerName != env.From || m.session.state != StateIncoming {
			m.logger.Info("ignoring offer while busy", zap.String("from", env.From))
		}
		m.mu.Unlock()
		return
	}
	s := newSession(m.ctx, StateIncoming, env.From)
	m.session = s
	m.mu.Unlock()

	// Subscribed before the state is announced, so candidates queued behind
	// the offer are not lost.
	if err := m.listenCandidates(s); err != nil {
		_ = m.abort(s, "Could not receive the call from "+env.From, err)
		return
	}
	var emit func()
	if err := m.withSession(s, func() error {
		emit = m.setStateLocked(s, StateIncoming)
		return nil
	}); err != nil {
		return
	}
	emit()
}

func (m *Manager) handleTeardown(env signaling.Envelope) {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil || env.From != s.peerName {
		return
	}
	m.logger.Info("remote teardown", zap.String("peer", env.From))
	m.end(m.ctx, s, false, errors.New("remote teardown"))
}

func (m *Manager) handleAnswer(s *Session, env signaling.Envelope) {
	if env.From != s.peerName {
		return
	}
	err := m.withSession(s, func() error {
		if s.state != StateOutgoing || s.remoteSet || s.peer == nil {
			return errStaleAnswer
		}
		if err := s.peer.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  env.SDP,
		}); err != nil {
			return fmt.Errorf("setting remote description: %w", err)
		}
		s.remoteSet = true
		m.drainRemoteCandidatesLocked(s)
		return nil
	})
	switch {
	case err == nil:
		m.logger.Info("answer applied", zap.String("peer", env.From))
	case errors.Is(err, errStaleAnswer), errors.Is(err, shared.ErrSessionClosed):
		m.logger.Debug("dropping answer", zap.String("peer", env.From), zap.Error(err))
	default:
		_ = m.abort(s, "Call negotiation failed", err)
	}
}

func (m *Manager) handleRemoteCandidate(s *Session, env signaling.Envelope) {
	if env.From != s.peerName || env.Candidate == nil {
		return
	}
	candidate := fromCandidate(*env.Candidate)
	err := m.withSession(s, func() error {
		if !s.remoteSet {
			s.remoteCandidates = append(s.remoteCandidates, candidate)
			return nil
		}
		if err := s.peer.AddICECandidate(candidate); err != nil {
			m.logger.Warn("adding remote candidate", zap.Error(err))
		}
		return nil
	})
	if err != nil {
		m.logger.Trace("dropping candidate for ended call", zap.String("peer", env.From))
	}
}

func (m *Manager) drainRemoteCandidatesLocked(s *Session) {
	for _, c := range s.remoteCandidates {
		if err := s.peer.AddICECandidate(c); err != nil {
			m.logger.Warn("adding queued remote candidate", zap.Error(err))
		}
	}
	s.remoteCandidates = nil
}

func (m *Manager) handleLocalCandidate(s *Session, c webrtc.ICECandidateInit) {
	var (
		send bool
		to   string
	)
	if err := m.withSession(s, func() error {
		if !s.signalSent {
			s.localCandidates = append(s.localCandidates, c)
			return nil
		}
		send, to = true, s.peerName
		return nil
	}); err != nil || !send {
		return
	}
	m.sendCandidate(s.ctx, to, c)
}

func (m *Manager) flushLocalCandidates(s *Session) {
	var (
		pending []webrtc.ICECandidateInit
		to      string
	)
	if err := m.withSession(s, func() error {
		s.signalSent = true
		pending, s.localCandidates = s.localCandidates, nil
		to = s.peerName
		return nil
	}); err != nil {
		return
	}
	for _, c := range pending {
		m.sendCandidate(s.ctx, to, c)
	}
}

func (m *Manager) sendCandidate(ctx context.Context, to string, c webrtc.ICECandidateInit) {
	if err := m.cfg.Channel.Send(ctx, signaling.NewIceCandidate(m.cfg.Identity, to, toCandidate(c))); err != nil {
		m.logger.Warn("sending local candidate", zap.String("peer", to), zap.Error(err))
	}
}

func (m *Manager) handleTrack(s *Session, track *webrtc.TrackRemote) {
	var (
		emit    func()
		handler TrackRemoteHandler
	)
	if err := m.withSession(s, func() error {
		if s.state != StateConnected {
			emit = m.setStateLocked(s, StateConnected)
		}
		handler = m.onTrack
		return nil
	}); err != nil {
		return
	}
	if emit != nil {
		emit()
	}
	if handler != nil {
		go handler(s.ctx, track)
	}
}

func (m *Manager) handlePeerState(s *Session, state webrtc.PeerConnectionState) {
	m.logger.Trace("peer connection state changed", zap.String("state", state.String()))
	switch state {
	case webrtc.PeerConnectionStateFailed:
		go func() { _ = m.abort(s, "Call connection lost", shared.ErrTransportFailed) }()
	case webrtc.PeerConnectionStateDisconnected:
		m.logger.Warn("peer connection disconnected, waiting for recovery")
	}
}
