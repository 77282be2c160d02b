package agents

import (
	"context"
	"strings"
	"testing"

	"github.com/bt-bridge/voicelink/live"
	"github.com/bt-bridge/voicelink/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferHook struct {
	strings.Builder
}

func (b *bufferHook) Close() error {
	return nil
}

func newPrinter(t *testing.T) (*shared.Printer, *bufferHook) {
	t.Helper()
	hook := &bufferHook{}
	printer, err := shared.NewPrinter("│  ", hook)
	require.NoError(t, err)
	return printer, hook
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		name string
		arg  string
	}{
		{"/call bob", "call", "bob"},
		{"  /CALL   bob  ", "call", "bob"},
		{"/answer", "answer", ""},
		{"/status", "status", ""},
		{"hello there", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			name, arg := parseCommand(tt.line)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.arg, arg)
		})
	}
}

func TestDispatchRejectsBadInput(t *testing.T) {
	printer, hook := newPrinter(t)
	a := &CLIAgent{logger: shared.NewNopLogger(), printer: printer, ctx: context.Background()}

	assert.EqualError(t, a.dispatch("call", ""), "usage: /call <user>")
	assert.EqualError(t, a.dispatch("dance", ""), "unknown command /dance, try /help")

	require.NoError(t, a.dispatch("help", ""))
	assert.Contains(t, hook.String(), "/call <user>")
}

func TestSpawnValidatesInput(t *testing.T) {
	printer, _ := newPrinter(t)
	cfg := shared.DefaultConfig()
	cfg.Identity = "alice"

	a := &CLIAgent{}
	assert.ErrorIs(t, a.Spawn(context.Background(), nil, cfg, "key", printer), shared.ErrNoLogger)
	assert.ErrorIs(t, a.Spawn(context.Background(), shared.NewNopLogger(), cfg, "", printer), shared.ErrNoAPIKey)

	cfg.Identity = ""
	assert.ErrorIs(t, a.Spawn(context.Background(), shared.NewNopLogger(), cfg, "key", printer), shared.ErrNoConfig)
	assert.NoError(t, a.Close())
}

func TestConsoleSinkPrintsSettledMessages(t *testing.T) {
	printer, hook := newPrinter(t)
	sink := NewConsoleSink(printer, "Jiam")

	id := sink.AppendMessage(live.RoleUser, live.KindLiveUser, "Hel")
	_, err := uuid.Parse(id)
	require.NoError(t, err)

	content := "Hello"
	sink.UpdateMessage(id, live.MessageUpdate{Content: &content})
	assert.Empty(t, hook.String())

	kind := live.KindText
	sink.UpdateMessage(id, live.MessageUpdate{Kind: &kind})
	sink.UpdateMessage(id, live.MessageUpdate{Kind: &kind})
	assert.Equal(t, "│  🧑 You: Hello\n", hook.String())

	sink.AppendMessage(live.RoleAI, live.KindText, "Hi!")
	assert.Equal(t, "│  🧑 You: Hello\n│  🤖 Jiam: Hi!\n", hook.String())

	sink.UpdateMessage("missing", live.MessageUpdate{Kind: &kind})

	msgs := sink.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, Message{ID: id, Role: live.RoleUser, Kind: live.KindText, Content: "Hello"}, msgs[0])
	assert.Equal(t, live.RoleAI, msgs[1].Role)
}
