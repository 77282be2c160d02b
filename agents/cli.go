package agents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/bt-bridge/voicelink/call"
	"github.com/bt-bridge/voicelink/devices"
	"github.com/bt-bridge/voicelink/live"
	"github.com/bt-bridge/voicelink/shared"
	"github.com/bt-bridge/voicelink/signaling"
	"github.com/chzyer/readline"
	"github.com/goccy/go-yaml"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const assistantName = "Jiam"

const helpText = `Commands:
  /call <user>   call another user
  /answer        answer the incoming call
  /hangup        end or decline the current call
  /live          start a live conversation with ` + assistantName + `
  /stop          stop the live conversation
  /status        show call and live state
  /quit          exit`

type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	cfg     shared.Config

	channel *signaling.Client
	calls   *call.Manager
	live    *live.Manager
	speaker *devices.Speaker
	sink    *ConsoleSink
	rl      *readline.Instance

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Spawn connects to the signaling relay, starts listening for calls and runs
// the console until /quit or Close.
func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg shared.Config,
	apiKey string,
	printer *shared.Printer,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if apiKey == "" {
		return shared.ErrNoAPIKey
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrNoConfig, err)
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	a.logger = logger.With(zap.String("identity", cfg.Identity))
	a.printer = printer
	a.cfg = cfg
	a.done = make(chan struct{})
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.logger.Info("spawning CLI agent")
	a.say(0, "🤖 Spawning CLI agent as %s...\n", cfg.Identity)

	a.say(0, "📋 Config\n")
	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		a.logger.Error("marshaling config to yaml", err)
		return err
	}
	if err := a.printer.Writeln(string(yamlBytes), 1); err != nil {
		a.logger.Error("printing config", err)
	}

	if err := a.setupCalls(); err != nil {
		a.teardown()
		return err
	}
	if err := a.setupLive(apiKey); err != nil {
		a.teardown()
		return err
	}

	a.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "› ",
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("/call"),
			readline.PcItem("/answer"),
			readline.PcItem("/hangup"),
			readline.PcItem("/live"),
			readline.PcItem("/stop"),
			readline.PcItem("/status"),
			readline.PcItem("/help"),
			readline.PcItem("/quit"),
		),
	})
	if err != nil {
		a.logger.Error("creating console", err)
		a.teardown()
		return err
	}
	a.say(0, "%s\n", helpText)
	go a.loop()
	return nil
}

func (a *CLIAgent) setupCalls() error {
	var err error
	a.channel, err = signaling.NewClient(a.logger, a.cfg.Signaling.URL, a.cfg.Signaling.Timeout())
	if err != nil {
		a.logger.Error("creating signaling client", err)
		return err
	}
	mic, err := devices.NewMicrophone(a.logger)
	if err != nil {
		return err
	}
	peers, err := call.NewPionFactory(a.logger, a.cfg.ICEServers)
	if err != nil {
		return err
	}
	a.speaker, err = devices.NewSpeaker(a.logger, 0)
	if err != nil {
		return err
	}
	a.calls, err = call.NewManager(a.ctx, a.logger, call.Config{
		Identity: a.cfg.Identity,
		Channel:  a.channel,
		Media:    mic,
		Peers:    peers,
		Notifier: a.notifier(),
	})
	if err != nil {
		a.logger.Error("creating call manager", err)
		return err
	}
	if err := a.calls.RegisterStateHandler(a.onCallState); err != nil {
		return err
	}
	if err := a.calls.RegisterTrackRemoteHandler(a.onRemoteTrack); err != nil {
		return err
	}
	if err := a.calls.Start(); err != nil {
		a.logger.Error("starting call manager", err)
		return err
	}
	a.say(0, "📡 Listening for calls on %s\n", a.cfg.Signaling.URL)
	return nil
}

func (a *CLIAgent) setupLive(apiKey string) error {
	gemini, err := live.NewGemini(a.ctx, a.logger, apiKey)
	if err != nil {
		a.logger.Error("creating live endpoint", err)
		return err
	}
	capture, err := devices.NewCapture(a.logger, 0)
	if err != nil {
		return err
	}
	a.sink = NewConsoleSink(a.printer, assistantName)
	a.live, err = live.NewManager(a.logger, live.Config{
		Session: live.SessionConfig{
			Model:        a.cfg.Live.Model,
			Instructions: a.cfg.Live.Instructions,
			Voice:        a.cfg.Live.Voice,
		},
		BlockSize: a.cfg.Live.BlockSize,
		Endpoint:  gemini,
		Source:    capture,
		Output:    a.speaker,
		Sink:      a.sink,
		Notifier:  a.notifier(),
	})
	if err != nil {
		a.logger.Error("creating live manager", err)
		return err
	}
	if err := a.live.RegisterStateHandler(a.onLiveState); err != nil {
		return err
	}
	return a.live.RegisterSpeakerHandler(a.onSpeaker)
}

func (a *CLIAgent) notifier() shared.Notifier {
	return shared.NotifierFunc(func(msg string, err error) {
		a.logger.Error(msg, err)
		a.say(0, "❌ %s", msg)
	})
}

func (a *CLIAgent) onCallState(state call.State, peer string) {
	switch state {
	case call.StateOutgoing:
		a.say(0, "📞 Calling %s...", peer)
	case call.StateIncoming:
		a.say(0, "📞 Incoming call from %s. Type /answer or /hangup.", peer)
	case call.StateConnected:
		a.say(0, "✅ Connected with %s.", peer)
	case call.StateIdle:
		a.say(0, "📴 Call ended.")
	}
}

func (a *CLIAgent) onRemoteTrack(ctx context.Context, track *webrtc.TrackRemote) {
	player, err := a.speaker.Open(devices.SpeakerRate)
	if err != nil {
		a.logger.Error("opening speaker for call", err)
		return
	}
	defer func() { _ = player.Close() }()
	if err := devices.PlayRemoteAudio(ctx, a.logger, track, player); err != nil {
		a.logger.Error("playing remote audio", err)
	}
}

func (a *CLIAgent) onLiveState(state live.State) {
	switch state {
	case live.StateConnecting:
		a.say(0, "🎙️ Connecting to %s...", assistantName)
	case live.StateActive:
		a.say(0, "🎙️ Live. Start talking, /stop to finish.")
	case live.StateIdle:
		a.say(0, "🎙️ Live conversation ended.")
	}
}

func (a *CLIAgent) onSpeaker(speaker live.Speaker) {
	a.logger.Debug("speaker changed", zap.Stringer("speaker", speaker))
}

func (a *CLIAgent) loop() {
	defer a.Close()
	for {
		line, err := a.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) && line != "" {
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, readline.ErrInterrupt) {
				a.logger.Error("reading console", err)
			}
			return
		}
		name, arg := parseCommand(line)
		if name == "" {
			continue
		}
		if name == "quit" {
			return
		}
		if err := a.dispatch(name, arg); err != nil {
			a.say(0, "⚠️ %v", err)
		}
	}
}

// parseCommand splits "/call bob" into ("call", "bob"). Lines without a
// leading slash yield an empty name.
func parseCommand(line string) (string, string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", ""
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

func (a *CLIAgent) dispatch(name, arg string) error {
	switch name {
	case "call":
		if arg == "" {
			return errors.New("usage: /call <user>")
		}
		return a.calls.InitiateCall(a.ctx, arg)
	case "answer":
		return a.calls.AnswerCall(a.ctx)
	case "hangup":
		a.calls.EndCall(a.ctx, true)
	case "live":
		return a.live.Start(a.ctx)
	case "stop":
		a.live.Stop()
	case "status":
		a.say(1, "call: %s %s", a.calls.State(), a.calls.Peer())
		a.say(1, "live: %s (speaker %s)", a.live.State(), a.live.Speaker())
	case "help":
		a.say(0, "%s", helpText)
	default:
		return fmt.Errorf("unknown command /%s, try /help", name)
	}
	return nil
}

func (a *CLIAgent) say(ind int, format string, args ...any) {
	if err := a.printer.Writef(ind, format, args...); err != nil {
		a.logger.Error("printing to console", err)
	}
}

func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

// Close stops the live conversation, ends any call and releases the console.
func (a *CLIAgent) Close() error {
	if a.done == nil {
		return nil
	}
	var err error
	a.once.Do(func() {
		if a.rl != nil {
			err = a.rl.Close()
		}
		a.teardown()
		a.logger.Info("CLI agent closed")
		close(a.done)
	})
	return err
}

func (a *CLIAgent) teardown() {
	if a.live != nil {
		a.live.Stop()
	}
	if a.calls != nil {
		if err := a.calls.Close(); err != nil {
			a.logger.Error("closing call manager", err)
		}
	}
	if a.channel != nil {
		if err := a.channel.Close(); err != nil {
			a.logger.Error("closing signaling client", err)
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
}
