package live

import "strings"

type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

type MessageKind string

const (
	KindLiveUser MessageKind = "live-user"
	KindLiveAI   MessageKind = "live-ai"
	KindText     MessageKind = "text"
)

// MessageUpdate changes the fields that are not nil.
type MessageUpdate struct {
	Kind    *MessageKind
	Content *string
}

// MessageSink receives transcript messages. It must not call back into the manager.
type MessageSink interface {
	AppendMessage(role Role, kind MessageKind, content string) string
	UpdateMessage(id string, update MessageUpdate)
}

// transcript accumulates one direction of a turn into a single open message.
type transcript struct {
	role Role
	kind MessageKind
	text strings.Builder
	id   string
}

func (t *transcript) append(sink MessageSink, delta string) {
	t.text.WriteString(delta)
	content := t.text.String()
	if t.id == "" {
		t.id = sink.AppendMessage(t.role, t.kind, content)
		return
	}
	sink.UpdateMessage(t.id, MessageUpdate{Content: &content})
}

// finalize settles the open message, if any, and starts a fresh buffer.
func (t *transcript) finalize(sink MessageSink) {
	if t.id != "" {
		kind := KindText
		sink.UpdateMessage(t.id, MessageUpdate{Kind: &kind})
	}
	t.reset()
}

func (t *transcript) reset() {
	t.id = ""
	t.text.Reset()
}
