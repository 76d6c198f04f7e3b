package cmds

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/colloquy/pkg/conversation"
	"github.com/go-go-golems/colloquy/pkg/events"
)

// terminalRenderer prints conversation events as they arrive on the UI
// topic. It only writes output and never calls back into the facade.
type terminalRenderer struct {
	out   io.Writer
	md    *glamour.TermRenderer
	names func(m *conversation.Message) string

	mu             sync.Mutex
	conversationID string
	shown          map[string]bool
}

func newTerminalRenderer(out io.Writer, names func(m *conversation.Message) string) *terminalRenderer {
	md, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		log.Warn().Err(err).Msg("markdown rendering disabled")
		md = nil
	}
	return &terminalRenderer{
		out:   out,
		md:    md,
		names: names,
		shown: map[string]bool{},
	}
}

func (r *terminalRenderer) Handle(ctx context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e := ev.(type) {
	case *events.EventMessagesChanged:
		r.renderMessages(e.Metadata().ConversationID, e.Messages)
	case *events.EventTypingChanged:
		switch {
		case e.Composing:
			fmt.Fprintln(r.out, "  … assistant is typing")
		case e.TimedOut:
			fmt.Fprintln(r.out, "  … still waiting for the assistant")
		}
	case *events.EventNotification:
		fmt.Fprintf(r.out, "[%s] %s\n", e.Level, e.Text)
	case *events.EventConversationChanged:
		switch e.Change {
		case events.ConversationCreated, events.ConversationLoaded, events.ConversationCleared:
			r.conversationID = e.Metadata().ConversationID
			r.shown = map[string]bool{}
		}
		label := e.Metadata().ConversationID
		if e.Title != "" {
			label = fmt.Sprintf("%q (%s)", e.Title, label)
		}
		fmt.Fprintf(r.out, "-- conversation %s %s\n", label, e.Change)
	case *events.EventModelChanged:
		log.Debug().Str("model_id", e.ModelID).Msg("renderer saw model change")
	}
	return nil
}

// renderMessages prints messages not printed before. A different
// conversation id means the whole log was replaced.
func (r *terminalRenderer) renderMessages(conversationID string, msgs []*conversation.Message) {
	if conversationID != r.conversationID {
		r.conversationID = conversationID
		r.shown = map[string]bool{}
	}
	present := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		present[m.ID] = true
		if r.shown[m.ID] {
			continue
		}
		r.shown[m.ID] = true
		r.renderMessage(m)
	}
	for id := range r.shown {
		if !present[id] {
			delete(r.shown, id)
		}
	}
}

func (r *terminalRenderer) renderMessage(m *conversation.Message) {
	ts := m.Timestamp.Local().Format("15:04")
	header := fmt.Sprintf("%s %s [%s]", ts, r.names(m), shortID(m.ID))

	switch {
	case m.SenderKind == conversation.SenderUser:
		// the user typed it already
		if m.Attachment != nil {
			fmt.Fprintf(r.out, "%s sent %s\n", header, m.Attachment.Name)
		}
	case m.SenderKind == conversation.SenderSystem:
		fmt.Fprintf(r.out, "%s ! %s\n", header, m.Content)
	case m.Kind == conversation.KindMarkdown && r.md != nil:
		out, err := r.md.Render(m.Content)
		if err != nil {
			fmt.Fprintf(r.out, "%s\n%s\n", header, m.Content)
			return
		}
		fmt.Fprintf(r.out, "%s\n%s", header, out)
	default:
		fmt.Fprintf(r.out, "%s\n%s\n", header, m.Content)
	}
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
