package agents

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bt-bridge/voicelink/live"
	"github.com/bt-bridge/voicelink/shared"
	"github.com/google/uuid"
)

type Message struct {
	ID      string
	Role    live.Role
	Kind    live.MessageKind
	Content string
}

// ConsoleSink keeps the conversation and prints each message once it is final.
type ConsoleSink struct {
	printer *shared.Printer
	names   map[live.Role]string

	mu       sync.Mutex
	order    []string
	messages map[string]*Message
}

var _ live.MessageSink = (*ConsoleSink)(nil)

func NewConsoleSink(printer *shared.Printer, assistant string) *ConsoleSink {
	return &ConsoleSink{
		printer: printer,
		names: map[live.Role]string{
			live.RoleUser: "🧑 You",
			live.RoleAI:   "🤖 " + assistant,
		},
		messages: make(map[string]*Message),
	}
}

func (s *ConsoleSink) AppendMessage(role live.Role, kind live.MessageKind, content string) string {
	id := uuid.NewString()
	s.mu.Lock()
	msg := &Message{ID: id, Role: role, Kind: kind, Content: content}
	s.order = append(s.order, id)
	s.messages[id] = msg
	s.mu.Unlock()

	if kind == live.KindText {
		s.print(*msg)
	}
	return id
}

func (s *ConsoleSink) UpdateMessage(id string, update live.MessageUpdate) {
	s.mu.Lock()
	msg, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	settled := false
	if update.Content != nil {
		msg.Content = *update.Content
	}
	if update.Kind != nil {
		settled = msg.Kind != live.KindText && *update.Kind == live.KindText
		msg.Kind = *update.Kind
	}
	snapshot := *msg
	s.mu.Unlock()

	if settled {
		s.print(snapshot)
	}
}

// Messages returns the conversation in arrival order.
func (s *ConsoleSink) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.messages[id])
	}
	return out
}

func (s *ConsoleSink) print(msg Message) {
	if s.printer == nil {
		return
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return
	}
	_ = s.printer.Writeln(fmt.Sprintf("%s: %s", s.names[msg.Role], text), 1)
}
