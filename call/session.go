package call

import (
	"context"

	"github.com/bt-bridge/voicelink/signaling"
	"github.com/pion/webrtc/v4"
)

// Session is one call. It is owned by a Manager and every field is guarded by
// the manager's mutex while the session is current; after it is detached only
// the goroutine releasing it touches it.
type Session struct {
	state    State
	peerName string

	media LocalMedia
	peer  Peer

	// remote candidates wait here until the remote description is set.
	remoteSet        bool
	remoteCandidates []webrtc.ICECandidateInit

	// local candidates wait here until our offer or answer went out.
	signalSent      bool
	localCandidates []webrtc.ICECandidateInit

	answering bool
	unsubs    []signaling.Unsubscribe

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newSession(parent context.Context, state State, peerName string) *Session {
	ctx, cancel := context.WithCancelCause(parent)
	return &Session{
		state:    state,
		peerName: peerName,
		ctx:      ctx,
		cancel:   cancel,
	}
}
