package call

import (
	"errors"
	"fmt"

	"github.com/bt-bridge/voicelink/shared"
	"github.com/bt-bridge/voicelink/signaling"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Peer is the transport of one call.
type Peer interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(candidate webrtc.ICECandidateInit))
	OnTrack(f func(track *webrtc.TrackRemote))
	OnConnectionStateChange(f func(state webrtc.PeerConnectionState))
	Close() error
}

type PeerFactory interface {
	NewPeer() (Peer, error)
}

// DefaultICEServers are public Google STUN servers.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type pionFactory struct {
	logger shared.LoggerAdapter
	config webrtc.Configuration
}

// NewPionFactory builds peers on pion/webrtc with the given STUN/TURN urls.
func NewPionFactory(logger shared.LoggerAdapter, iceURLs []string) (PeerFactory, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	config := webrtc.Configuration{}
	if len(iceURLs) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceURLs}}
	}
	return &pionFactory{
		logger: logger.With(zap.String("component", "peer")),
		config: config,
	}, nil
}

func (f *pionFactory) NewPeer() (Peer, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	return &pionPeer{pc: pc, logger: f.logger}, nil
}

type pionPeer struct {
	pc     *webrtc.PeerConnection
	logger shared.LoggerAdapter
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("adding track: %w", err)
	}
	// RTCP has to be drained for interceptors to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeer) OnICECandidate(f func(candidate webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		f(c.ToJSON())
	})
}

func (p *pionPeer) OnTrack(f func(track *webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			p.logger.Warn("ignoring non-audio remote track", zap.String("kind", track.Kind().String()))
			return
		}
		f(track)
	})
}

func (p *pionPeer) OnConnectionStateChange(f func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeer) Close() error {
	err := p.pc.Close()
	if errors.Is(err, webrtc.ErrConnectionClosed) {
		return nil
	}
	return err
}

func toCandidate(c webrtc.ICECandidateInit) signaling.Candidate {
	return signaling.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromCandidate(c signaling.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
