package live

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bt-bridge/voicelink/shared"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// Gemini is an Endpoint backed by the Gemini Live API.
type Gemini struct {
	logger shared.LoggerAdapter
	client *genai.Client
}

var _ Endpoint = (*Gemini)(nil)

func NewGemini(ctx context.Context, logger shared.LoggerAdapter, apiKey string) (*Gemini, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if apiKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &Gemini{
		logger: logger.With(zap.String("component", "gemini")),
		client: client,
	}, nil
}

func (g *Gemini) Connect(ctx context.Context, cfg SessionConfig, handler EventHandler) (Stream, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	session, err := g.client.Live.Connect(ctx, cfg.Model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Model, err)
	}
	s := &geminiStream{
		logger:  g.logger.With(zap.String("model", cfg.Model)),
		session: session,
		handler: handler,
	}
	go s.receive()
	return s, nil
}

func connectConfig(cfg SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

type geminiStream struct {
	logger  shared.LoggerAdapter
	session *genai.Session
	handler EventHandler

	mu     sync.Mutex
	closed bool
}

func (s *geminiStream) SendAudio(frame AudioFrame) error {
	if s.isClosed() {
		return shared.ErrSessionClosed
	}
	err := s.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: frame.PCM, MIMEType: frame.MIMEType},
	})
	if err != nil {
		return fmt.Errorf("sending realtime input: %w", err)
	}
	return nil
}

func (s *geminiStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// The receive loop sees the closed flag and reports EventClose.
	return s.session.Close()
}

func (s *geminiStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *geminiStream) receive() {
	s.handler(Event{Kind: EventOpen})
	for {
		msg, err := s.session.Receive()
		if err != nil {
			if s.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.handler(Event{Kind: EventClose})
				return
			}
			s.handler(Event{Kind: EventError, Err: fmt.Errorf("receiving: %w", err)})
			return
		}
		if msg.SetupComplete != nil {
			s.logger.Debug("setup complete")
		}
		if msg.GoAway != nil {
			s.logger.Warn("server is going away")
		}
		for _, event := range serverEvents(msg) {
			s.handler(event)
		}
	}
}

// serverEvents flattens one server message in delivery order: transcripts,
// audio, interruption, turn completion.
func serverEvents(msg *genai.LiveServerMessage) []Event {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}
	content := msg.ServerContent
	var events []Event
	if t := content.InputTranscription; t != nil && t.Text != "" {
		events = append(events, Event{Kind: EventInputTranscript, Text: t.Text})
	}
	if t := content.OutputTranscription; t != nil && t.Text != "" {
		events = append(events, Event{Kind: EventOutputTranscript, Text: t.Text})
	}
	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			events = append(events, Event{Kind: EventAudio, Audio: part.InlineData.Data})
		}
	}
	if content.Interrupted {
		events = append(events, Event{Kind: EventInterrupted})
	}
	if content.TurnComplete {
		events = append(events, Event{Kind: EventTurnComplete})
	}
	return events
}
