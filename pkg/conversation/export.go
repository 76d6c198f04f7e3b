package conversation

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const DefaultExportLayout = "2006-01-02 15:04:05"

type ExportOptions struct {
	Location *time.Location
	Layout   string
	// DisplayName maps a message to the name shown in front of it.
	// Defaults to DefaultDisplayName.
	DisplayName func(m *Message) string
}

func DefaultDisplayName(m *Message) string {
	switch m.SenderKind {
	case SenderUser:
		return "You"
	case SenderAssistant:
		if m.SenderID != "" {
			return m.SenderID
		}
		return "Assistant"
	default:
		return "System"
	}
}

// ExportAsText renders the conversation as "{name} ({time}): {content}"
// entries separated by blank lines, ordered by timestamp.
func ExportAsText(conv *Conversation, opts ExportOptions) string {
	if conv == nil || len(conv.Messages) == 0 {
		return ""
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	layout := opts.Layout
	if layout == "" {
		layout = DefaultExportLayout
	}
	displayName := opts.DisplayName
	if displayName == nil {
		displayName = DefaultDisplayName
	}

	msgs := make([]*Message, len(conv.Messages))
	copy(msgs, conv.Messages)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})

	entries := make([]string, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		if m.Attachment != nil {
			if content != "" {
				content += " "
			}
			content += fmt.Sprintf("[attachment: %s]", m.Attachment.Name)
		}
		entries = append(entries, fmt.Sprintf("%s (%s): %s",
			displayName(m), m.Timestamp.In(loc).Format(layout), content))
	}
	return strings.Join(entries, "\n\n")
}
