package call

import (
	"context"

	"github.com/pion/webrtc/v4"
)

type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateIncoming
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// StateHandler observes every transition. peer is empty when state is Idle.
type StateHandler func(state State, peer string)

// TrackRemoteHandler receives the remote audio track of a call. ctx is
// cancelled when the call ends.
type TrackRemoteHandler func(ctx context.Context, track *webrtc.TrackRemote)

// LocalMedia is an exclusively owned capture handle.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Stop() error
}

// MediaSource acquires the microphone. Streaming into the returned tracks
// must stop when ctx is done.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}
