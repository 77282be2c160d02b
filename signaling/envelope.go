package signaling

import (
	"fmt"

	"github.com/bt-bridge/voicelink/shared"
	"github.com/bytedance/sonic"
)

type EnvelopeType string

const (
	EnvelopeTypeOffer        EnvelopeType = "offer"
	EnvelopeTypeAnswer       EnvelopeType = "answer"
	EnvelopeTypeIceCandidate EnvelopeType = "ice-candidate"
	EnvelopeTypeTeardown     EnvelopeType = "teardown"
)

var envelopeTypes = []EnvelopeType{
	EnvelopeTypeOffer,
	EnvelopeTypeAnswer,
	EnvelopeTypeIceCandidate,
	EnvelopeTypeTeardown,
}

func (t EnvelopeType) Valid() bool {
	switch t {
	case EnvelopeTypeOffer, EnvelopeTypeAnswer, EnvelopeTypeIceCandidate, EnvelopeTypeTeardown:
		return true
	}
	return false
}

// Candidate mirrors RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Envelope is a single signaling message, always addressed to a recipient identity.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	From      string       `json:"from,omitempty"`
	To        string       `json:"to"`
	SDP       string       `json:"sdp,omitempty"`
	Candidate *Candidate   `json:"candidate,omitempty"`
}

func NewOffer(from, to, sdp string) Envelope {
	return Envelope{Type: EnvelopeTypeOffer, From: from, To: to, SDP: sdp}
}

func NewAnswer(from, to, sdp string) Envelope {
	return Envelope{Type: EnvelopeTypeAnswer, From: from, To: to, SDP: sdp}
}

func NewIceCandidate(from, to string, c Candidate) Envelope {
	return Envelope{Type: EnvelopeTypeIceCandidate, From: from, To: to, Candidate: &c}
}

func NewTeardown(from, to string) Envelope {
	return Envelope{Type: EnvelopeTypeTeardown, From: from, To: to}
}

func (e Envelope) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", shared.ErrInvalidEnvelope, e.Type)
	}
	if e.To == "" {
		return fmt.Errorf("%w: %s without recipient", shared.ErrInvalidEnvelope, e.Type)
	}
	switch e.Type {
	case EnvelopeTypeOffer:
		if e.From == "" {
			return fmt.Errorf("%w: offer without sender", shared.ErrInvalidEnvelope)
		}
		if e.SDP == "" {
			return fmt.Errorf("%w: offer without sdp", shared.ErrInvalidEnvelope)
		}
	case EnvelopeTypeAnswer:
		if e.SDP == "" {
			return fmt.Errorf("%w: answer without sdp", shared.ErrInvalidEnvelope)
		}
	case EnvelopeTypeIceCandidate:
		if e.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate without candidate", shared.ErrInvalidEnvelope)
		}
	}
	return nil
}

func (e Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := sonic.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	return data, nil
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := sonic.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", shared.ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
