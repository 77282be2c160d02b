package live

import (
	"context"
	"time"
)

const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000
	InputMIMEType    = "audio/pcm;rate=16000"
)

type SessionConfig struct {
	Model        string
	Instructions string
	// Voice is a prebuilt voice name; empty keeps the endpoint default.
	Voice               string
	InputTranscription  bool
	OutputTranscription bool
}

// AudioFrame is one realtime input chunk of mono PCM16 LE.
type AudioFrame struct {
	PCM      []byte
	MIMEType string
}

type EventKind int

const (
	EventOpen EventKind = iota
	EventInputTranscript
	EventOutputTranscript
	EventAudio
	EventInterrupted
	EventTurnComplete
	EventError
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventInputTranscript:
		return "input-transcript"
	case EventOutputTranscript:
		return "output-transcript"
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn-complete"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	}
	return "unknown"
}

// Event is one inbound notification from the endpoint. Text carries
// transcript deltas, Audio carries mono PCM16 LE at OutputSampleRate.
type Event struct {
	Kind  EventKind
	Text  string
	Audio []byte
	Err   error
}

type EventHandler func(event Event)

// Stream is an open duplex session.
type Stream interface {
	SendAudio(frame AudioFrame) error
	Close() error
}

// Endpoint opens streams. The handler is called from a single goroutine, in
// the order events arrive, and EventOpen precedes any other event.
type Endpoint interface {
	Connect(ctx context.Context, cfg SessionConfig, handler EventHandler) (Stream, error)
}

// Capture is an open microphone delivering mono float samples at its native rate.
type Capture interface {
	SampleRate() int
	// Read blocks for the next chunk. It fails once ctx is done or the capture is closed.
	Read(ctx context.Context) ([]float32, error)
	Close() error
}

type AudioSource interface {
	Open(ctx context.Context) (Capture, error)
}

// Player plays mono float samples at absolute times on its own clock.
type Player interface {
	Now() time.Duration
	Schedule(samples []float32, at time.Duration)
	StopAll()
	// OnDrained is called when the last scheduled chunk finishes or is stopped.
	OnDrained(f func())
	Close() error
}

type OutputDevice interface {
	Open(sampleRate int) (Player, error)
}
