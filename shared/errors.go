package shared

import "errors"

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrNoIdentity            = errors.New("no local identity provided")
	ErrNoChannel             = errors.New("no signaling channel provided")
	ErrNoMediaSource         = errors.New("no media source provided")
	ErrNoPeerFactory         = errors.New("no peer factory provided")
	ErrNoEndpoint            = errors.New("no inference endpoint provided")
	ErrNoAudioSource         = errors.New("no audio source provided")
	ErrNoOutputDevice        = errors.New("no output device provided")
	ErrNoMessageSink         = errors.New("no message sink provided")
	ErrNoTarget              = errors.New("no call target provided")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionClosed         = errors.New("session closed")
	ErrHandlerAlreadySet     = errors.New("handler already set")
	ErrNoPendingOffer        = errors.New("no pending offer")
	ErrMicrophoneUnavailable = errors.New("microphone unavailable")
	ErrTransportFailed       = errors.New("peer transport failed")
	ErrChannelClosed         = errors.New("signaling channel closed")
	ErrInvalidEnvelope       = errors.New("invalid signaling envelope")
	ErrEndpointClosed        = errors.New("inference endpoint closed")
)
