package live

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bt-bridge/voicelink/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	mu      sync.Mutex
	frames  []AudioFrame
	closes  int
	sendErr error
}

func (s *fakeStream) SendAudio(frame AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeStream) sent() []AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AudioFrame(nil), s.frames...)
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeEndpoint struct {
	mu       sync.Mutex
	cfg      SessionConfig
	handler  EventHandler
	stream   *fakeStream
	connects int
	err      error
	// openEarly emits EventOpen before Connect returns.
	openEarly bool
}

func (e *fakeEndpoint) Connect(_ context.Context, cfg SessionConfig, handler EventHandler) (Stream, error) {
	e.mu.Lock()
	e.connects++
	if e.err != nil {
		e.mu.Unlock()
		return nil, e.err
	}
	e.cfg = cfg
	e.handler = handler
	e.stream = &fakeStream{}
	stream, early := e.stream, e.openEarly
	e.mu.Unlock()
	if early {
		handler(Event{Kind: EventOpen})
	}
	return stream, nil
}

func (e *fakeEndpoint) emit(event Event) {
	e.mu.Lock()
	handler := e.handler
	e.mu.Unlock()
	handler(event)
}

func (e *fakeEndpoint) currentStream() *fakeStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stream
}

type fakeCapture struct {
	rate   int
	chunks chan []float32
	done   chan struct{}
	once   sync.Once
	closes int
	mu     sync.Mutex
}

func (c *fakeCapture) SampleRate() int { return c.rate }

func (c *fakeCapture) Read(ctx context.Context) ([]float32, error) {
	select {
	case chunk := <-c.chunks:
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeCapture) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeSource struct {
	capture *fakeCapture
	err     error
}

func (s *fakeSource) Open(context.Context) (Capture, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.capture, nil
}

type scheduled struct {
	samples int
	at      time.Duration
}

type fakePlayer struct {
	mu        sync.Mutex
	now       time.Duration
	scheduled []scheduled
	stops     int
	closes    int
	drained   func()
}

func (p *fakePlayer) Now() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now
}

func (p *fakePlayer) setNow(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = d
}

func (p *fakePlayer) Schedule(samples []float32, at time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scheduled = append(p.scheduled, scheduled{samples: len(samples), at: at})
}

func (p *fakePlayer) StopAll() {
	p.mu.Lock()
	p.stops++
	had := len(p.scheduled) > 0
	p.scheduled = nil
	cb := p.drained
	p.mu.Unlock()
	if had && cb != nil {
		cb()
	}
}

func (p *fakePlayer) OnDrained(f func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drained = f
}

func (p *fakePlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *fakePlayer) drain() {
	p.mu.Lock()
	p.scheduled = nil
	cb := p.drained
	p.mu.Unlock()
	cb()
}

func (p *fakePlayer) queue() []scheduled {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]scheduled(nil), p.scheduled...)
}

type fakeOutput struct {
	player *fakePlayer
	rates  []int
	err    error
}

func (o *fakeOutput) Open(rate int) (Player, error) {
	o.rates = append(o.rates, rate)
	if o.err != nil {
		return nil, o.err
	}
	return o.player, nil
}

type message struct {
	role    Role
	kind    MessageKind
	content string
}

type fakeSink struct {
	mu       sync.Mutex
	order    []string
	messages map[string]*message
}

func (s *fakeSink) AppendMessage(role Role, kind MessageKind, content string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("m%d", len(s.order)+1)
	s.order = append(s.order, id)
	s.messages[id] = &message{role: role, kind: kind, content: content}
	return id
}

func (s *fakeSink) UpdateMessage(id string, update MessageUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.messages[id]
	if update.Kind != nil {
		msg.kind = *update.Kind
	}
	if update.Content != nil {
		msg.content = *update.Content
	}
}

func (s *fakeSink) all() []message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]message, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.messages[id])
	}
	return out
}

type notifications struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notifications) Notify(msg string, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *notifications) list() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

type rig struct {
	manager  *Manager
	endpoint *fakeEndpoint
	capture  *fakeCapture
	source   *fakeSource
	player   *fakePlayer
	output   *fakeOutput
	sink     *fakeSink
	notes    *notifications

	mu       sync.Mutex
	states   []State
	speakers []Speaker
}

func newRig(t *testing.T, rate, blockSize int) *rig {
	t.Helper()
	r := &rig{
		endpoint: &fakeEndpoint{},
		capture:  &fakeCapture{rate: rate, chunks: make(chan []float32, 16), done: make(chan struct{})},
		player:   &fakePlayer{},
		sink:     &fakeSink{messages: map[string]*message{}},
		notes:    &notifications{},
	}
	r.source = &fakeSource{capture: r.capture}
	r.output = &fakeOutput{player: r.player}

	m, err := NewManager(shared.NewNopLogger(), Config{
		Session:   SessionConfig{Voice: "Puck"},
		BlockSize: blockSize,
		Endpoint:  r.endpoint,
		Source:    r.source,
		Output:    r.output,
		Sink:      r.sink,
		Notifier:  r.notes,
	})
	require.NoError(t, err)
	require.NoError(t, m.RegisterStateHandler(func(s State) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, s)
	}))
	require.NoError(t, m.RegisterSpeakerHandler(func(s Speaker) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.speakers = append(r.speakers, s)
	}))
	r.manager = m
	return r
}

func (r *rig) transitions() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *rig) speakerChanges() []Speaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Speaker(nil), r.speakers...)
}

func (r *rig) activate(t *testing.T) {
	t.Helper()
	require.NoError(t, r.manager.Start(context.Background()))
	r.endpoint.emit(Event{Kind: EventOpen})
	require.Equal(t, StateActive, r.manager.State())
}

func pcm(samples int) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(1000)))
	}
	return out
}

func TestNewManagerValidation(t *testing.T) {
	valid := Config{
		Endpoint: &fakeEndpoint{},
		Source:   &fakeSource{},
		Output:   &fakeOutput{},
		Sink:     &fakeSink{},
	}
	tests := []struct {
		name   string
		logger shared.LoggerAdapter
		mutate func(*Config)
		err    error
	}{
		{"no logger", nil, func(*Config) {}, shared.ErrNoLogger},
		{"no endpoint", shared.NewNopLogger(), func(c *Config) { c.Endpoint = nil }, shared.ErrNoEndpoint},
		{"no source", shared.NewNopLogger(), func(c *Config) { c.Source = nil }, shared.ErrNoAudioSource},
		{"no output", shared.NewNopLogger(), func(c *Config) { c.Output = nil }, shared.ErrNoOutputDevice},
		{"no sink", shared.NewNopLogger(), func(c *Config) { c.Sink = nil }, shared.ErrNoMessageSink},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := NewManager(tt.logger, cfg)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	m, err := NewManager(shared.NewNopLogger(), valid)
	require.NoError(t, err)
	assert.Equal(t, DefaultBlockSize, m.cfg.BlockSize)
	assert.Equal(t, DefaultModel, m.cfg.Session.Model)
	assert.Equal(t, DefaultInstructions, m.cfg.Session.Instructions)
}

func TestStartConnectsAndActivatesOnOpen(t *testing.T) {
	r := newRig(t, 16000, 4)

	require.NoError(t, r.manager.Start(context.Background()))
	assert.Equal(t, StateConnecting, r.manager.State())
	assert.Equal(t, []int{OutputSampleRate}, r.output.rates)

	cfg := r.endpoint.cfg
	assert.Equal(t, DefaultModel, cfg.Model)
	assert.Equal(t, DefaultInstructions, cfg.Instructions)
	assert.Equal(t, "Puck", cfg.Voice)
	assert.True(t, cfg.InputTranscription)
	assert.True(t, cfg.OutputTranscription)

	r.endpoint.emit(Event{Kind: EventOpen})
	assert.Equal(t, StateActive, r.manager.State())
	assert.Equal(t, []State{StateConnecting, StateActive}, r.transitions())

	r.manager.Stop()
}

func TestOpenBeforeConnectReturns(t *testing.T) {
	r := newRig(t, 16000, 4)
	r.endpoint.openEarly = true

	require.NoError(t, r.manager.Start(context.Background()))
	assert.Equal(t, StateActive, r.manager.State())
	r.manager.Stop()
}

func TestStartIsNoopUnlessIdle(t *testing.T) {
	r := newRig(t, 16000, 4)
	r.activate(t)

	require.NoError(t, r.manager.Start(context.Background()))
	assert.Equal(t, 1, r.endpoint.connects)
	assert.Equal(t, []State{StateConnecting, StateActive}, r.transitions())

	r.manager.Stop()
}

func TestRegisterWhileRunning(t *testing.T) {
	r := newRig(t, 16000, 4)
	r.activate(t)
	assert.ErrorIs(t, r.manager.RegisterStateHandler(func(State) {}), shared.ErrSessionAlreadyRunning)
	r.manager.Stop()

	assert.ErrorIs(t, r.manager.RegisterStateHandler(func(State) {}), shared.ErrHandlerAlreadySet)
}

func TestCaptureIsFramedResampledAndEncoded(t *testing.T) {
	r := newRig(t, 48000, 300)
	r.activate(t)

	chunk := make([]float32, 200)
	for i := range chunk {
		chunk[i] = 0.5
	}
	r.capture.chunks <- chunk
	r.capture.chunks <- chunk

	stream := r.endpoint.currentStream()
	require.Eventually(t, func() bool { return len(stream.sent()) == 1 }, time.Second, 5*time.Millisecond)

	frame := stream.sent()[0]
	assert.Equal(t, InputMIMEType, frame.MIMEType)
	// 300 samples at 48 kHz become 100 at 16 kHz.
	require.Len(t, frame.PCM, 200)
	for i := 0; i < 100; i++ {
		assert.Equal(t, int16(16384), int16(binary.LittleEndian.Uint16(frame.PCM[i*2:])))
	}

	r.manager.Stop()
}

func TestCaptureAtTargetRateIsNotResampled(t *testing.T) {
	r := newRig(t, 16000, 4)
	r.activate(t)

	r.capture.chunks <- []float32{0, 0.25, -0.25, 1}

	stream := r.endpoint.currentStream()
	require.Eventually(t, func() bool { return len(stream.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x20, 0x00, 0xe0, 0xff, 0x7f}, stream.sent()[0].PCM)

	r.manager.Stop()
}

func TestReplyAudioIsScheduledBackToBack(t *testing.T) {
	r := newRig(t, 16000, 4)
	r.activate(t)
	r.player.setNow(100 * time.Millisecond)

	// 480 samples at 24 kHz last 20ms.
	for i := 0; i < 3; i++ {
		r.endpoint.emit(Event{Kind: EventAudio, Audio: pcm(480)})
	}
	assert.Equal(t, []scheduled{
		{480, 100 * time.Millisecond},
		{480, 120 * time.Millisecond},
		{480, 140 * time.Millisecond},
	}, r.player.queue())

	r.endpoint.emit(Event{Kind: EventInterrupted})
	assert.Equal(t, 1, r.player.stops)
	assert.Empty(t, r.player.queue())

	r.player.setNow(130 * time.Millisecond)
	r.endpoint.emit(Event{Kind: EventAudio, Audio: pcm(480)})
	assert.Equal(t, []scheduled{{480, 130 * time.Millisecond}}, r.player.queue())

	r.manager.Stop()
}

func TestLateAudioStartsAtClock(t *testing.T) {
	r := newRig(t, 16000, 4)
	r.activate(t)

	r.endpoint.emit(Event{Kind: EventAudio, Audio: pcm(480)})
	r.player.setNow(time.Second)
	r.endpoint.emit(Event{Kind: EventAudio, Audio: pcm(240)})
	r.endpoint.emit(Event{Kind: EventAudio, Audio: nil})

	assert.Equal(t, []scheduled{
		{480, 0},
		{240, time.Second},
	}, r.player.queue())

	r.manager.Stop()
}

func TestTranscriptsAccumulateAndFinalize(t *testing.T) {
	r := newRig(t, 16000, 4)
	r.activate(t)

	r.endpoint.emit(Event{Kind: EventInputTranscript, Text: "Hel"})
	r.endpoint.emit(Event{Kind: EventInputTranscript, Text: "lo"})
	r.endpoint.emit(Event{Kind: EventOutputTranscript, Text: "Hi "})
	r.endpoint.emit(Event{Kind: EventOutputTranscript, Text: "there"})

	assert.Equal(t, []message{
		{RoleUser, KindLiveUser, "Hello"},
		{RoleAI, KindLiveAI, "Hi there"},
	}, r.sink.all())
	assert.Equal(t, SpeakerAI, r.manager.Speaker())

	r.endpoint.emit(Event{Kind: EventTurnComplete})
	assert.Equal(t, []message{
		{RoleUser, KindText, "Hello"},
		{RoleAI, KindText, "Hi there"},
	}, r.sink.all())
	assert.Equal(t, SpeakerNone, r.manager.Speaker())

	r.endpoint.emit(Event{Kind: EventInputTranscript, Text: "Next"})
	msgs := r.sink.all()
	require.Len(t, msgs, 3)
	assert.Equal(t, message{RoleUser, KindLiveUser, "Next"}, msgs[2])

	assert.Equal(t, []Speaker{SpeakerUser, SpeakerAI, SpeakerNone, SpeakerUser}, r.speakerChanges())
	r.manager.Stop()
}

func TestTurnCompleteOnlyFinalizesOpenedMessages(t *testing.T) {
	r := newRig(t, 16000, 4)
	r.activate(t)

	r.endpoint.emit(Event{Kind: EventOutputTranscript, Text: "Sure."})
	r.endpoint.emit(Event{Kind: EventTurnComplete})

	assert.Equal(t, []message{{RoleAI, KindText, "Sure."}}, r.sink.all())
	r.manager.Stop()
}

func TestDrainedPlaybackClearsAISpeaker(t *testing.T) {
	r := newRig(t, 16000, 4)
	r.activate(t)

	r.endpoint.emit(Event{Kind: EventInputTranscript, Text: "hi"})
	r.player.drain()
	assert.Equal(t, SpeakerUser, r.manager.Speaker())

	r.endpoint.emit(Event{Kind: EventOutputTranscript, Text: "hello"})
	r.endpoint.emit(Event{Kind: EventAudio, Audio: pcm(24)})
	r.player.drain()
	assert.Equal(t, SpeakerNone, r.manager.Speaker())

	r.manager.Stop()
}

func TestStopReleasesEverythingOnce(t *testing.T) {
	r := newRig(t, 16000, 4)
	r.activate(t)
	stream := r.endpoint.currentStream()

	r.endpoint.emit(Event{Kind: EventInputTranscript, Text: "half a sent"})
	r.manager.Stop()
	r.manager.Stop()

	assert.Equal(t, StateIdle, r.manager.State())
	assert.Equal(t, []State{StateConnecting, StateActive, StateClosing, StateIdle}, r.transitions())
	assert.Equal(t, 1, stream.closeCount())
	assert.Equal(t, 1, r.capture.closeCount())
	assert.Equal(t, 1, r.player.closes)
	assert.Equal(t, []message{{RoleUser, KindText, "half a sent"}}, r.sink.all())
	assert.Equal(t, SpeakerNone, r.manager.Speaker())
	assert.Empty(t, r.notes.list())

	// Events from the stopped session are ignored.
	r.endpoint.emit(Event{Kind: EventInputTranscript, Text: "late"})
	r.endpoint.emit(Event{Kind: EventError, Err: errors.New("late")})
	assert.Len(t, r.sink.all(), 1)
	assert.Empty(t, r.notes.list())
}

func TestEndpointErrorCleansUpAndNotifiesOnce(t *testing.T) {
	r := newRig(t, 16000, 4)
	r.activate(t)
	stream := r.endpoint.currentStream()

	r.endpoint.emit(Event{Kind: EventError, Err: errors.New("socket reset")})
	r.endpoint.emit(Event{Kind: EventClose})

	assert.Equal(t, StateIdle, r.manager.State())
	assert.Equal(t, []string{msgSession}, r.notes.list())
	assert.Equal(t, 1, stream.closeCount())
	assert.Equal(t, 1, r.capture.closeCount())
}

func TestEndpointCloseStopsQuietly(t *testing.T) {
	r := newRig(t, 16000, 4)
	r.activate(t)

	r.endpoint.emit(Event{Kind: EventClose})

	assert.Equal(t, StateIdle, r.manager.State())
	assert.Empty(t, r.notes.list())
	assert.Equal(t, []State{StateConnecting, StateActive, StateClosing, StateIdle}, r.transitions())
}

func TestSendFailureStopsSession(t *testing.T) {
	r := newRig(t, 16000, 2)
	r.activate(t)
	stream := r.endpoint.currentStream()
	stream.mu.Lock()
	stream.sendErr = errors.New("broken pipe")
	stream.mu.Unlock()

	r.capture.chunks <- []float32{0.1, 0.2}

	require.Eventually(t, func() bool { return r.manager.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{msgSession}, r.notes.list())
}

func TestConnectFailureReturnsToIdle(t *testing.T) {
	r := newRig(t, 16000, 4)
	r.endpoint.err = errors.New("dial refused")

	err := r.manager.Start(context.Background())
	require.Error(t, err)

	assert.Equal(t, StateIdle, r.manager.State())
	assert.Equal(t, []State{StateConnecting, StateIdle}, r.transitions())
	assert.Equal(t, []string{msgConnect}, r.notes.list())
	assert.Equal(t, 1, r.capture.closeCount())
	assert.Equal(t, 1, r.player.closes)

	// A later start tries again.
	r.endpoint.err = nil
	require.NoError(t, r.manager.Start(context.Background()))
	assert.Equal(t, 2, r.endpoint.connects)
}

func TestMicrophoneFailure(t *testing.T) {
	r := newRig(t, 16000, 4)
	r.source.err = errors.New("permission denied")

	err := r.manager.Start(context.Background())
	assert.ErrorIs(t, err, shared.ErrMicrophoneUnavailable)
	assert.Equal(t, StateIdle, r.manager.State())
	assert.Equal(t, []string{msgMicrophone}, r.notes.list())
	assert.Zero(t, r.endpoint.connects)
	assert.Empty(t, r.output.rates)
}
