package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/agonn78/p2p-chat/internal/api"
	"github.com/agonn78/p2p-chat/internal/tui/ui"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// MessageThread displays messages and a composer for a single conversation.
type MessageThread struct {
	*tview.Flex
	theme    *ui.Theme
	messages *tview.TextView
	composer *tview.InputField
	selfID   string
	onSend   func(text string)
}

// NewMessageThread creates a thread view. selfID marks the user's own messages.
func NewMessageThread(theme *ui.Theme, title, selfID string) *MessageThread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	messages.SetBorder(true)
	messages.SetBorderColor(theme.BorderColor)
	messages.SetBackgroundColor(theme.BgColor)
	messages.SetTextColor(theme.FgColor)
	messages.SetTitle(fmt.Sprintf(" %s ", title))
	messages.SetTitleColor(theme.TitleColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetLabelColor(theme.LabelColor)
	composer.SetTitle(" Compose (i to focus) ")
	composer.SetTitleColor(theme.TitleColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, true).
		AddItem(composer, 3, 0, false)

	mt := &MessageThread{
		Flex:     flex,
		theme:    theme,
		messages: messages,
		composer: composer,
		selfID:   selfID,
	}

	composer.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && mt.onSend != nil {
			text := strings.TrimSpace(composer.GetText())
			if text != "" {
				mt.onSend(text)
				composer.SetText("")
			}
		}
	})

	return mt
}

// SetOnSend sets the callback when a message is submitted.
func (mt *MessageThread) SetOnSend(fn func(text string)) {
	mt.onSend = fn
}

// Update redraws the thread. msgs are oldest first.
func (mt *MessageThread) Update(msgs []api.Message, notice string) {
	mt.messages.Clear()
	if notice != "" {
		_, _ = fmt.Fprintf(mt.messages, "[yellow]%s[-]\n\n", tview.Escape(notice))
	}
	for _, m := range msgs {
		_, _ = fmt.Fprint(mt.messages, renderMessage(m, mt.selfID))
	}
	mt.messages.ScrollToEnd()
}

// Messages returns the messages text view (for focus management).
func (mt *MessageThread) Messages() *tview.TextView {
	return mt.messages
}

// Composer returns the composer input field (for focus management).
func (mt *MessageThread) Composer() *tview.InputField {
	return mt.composer
}

func renderMessage(m api.Message, selfID string) string {
	sender := m.SenderUsername
	if sender == "" {
		sender = m.SenderID
	}
	if selfID != "" && m.SenderID == selfID {
		sender = "You"
	}
	return fmt.Sprintf("[::b]%s[-:-:-] [::d]%s[-:-:-] %s\n%s\n\n",
		tview.Escape(sanitizeForTerminal(sender)),
		formatTimestamp(m.CreatedAtUnixMs),
		statusGlyph(m.Status),
		tview.Escape(sanitizeForTerminal(m.Content)))
}

func statusGlyph(status string) string {
	switch status {
	case "sending":
		return "[gray]sending…[-]"
	case "sent":
		return "[gray]✓[-]"
	case "delivered":
		return "[gray]✓✓[-]"
	case "read":
		return "[blue]✓✓[-]"
	case "failed":
		return "[red]! failed[-]"
	default:
		return ""
	}
}

func formatTimestamp(ms int64) string {
	if ms == 0 {
		return ""
	}
	t := time.UnixMilli(ms).Local()
	if y, m, d := time.Now().Date(); t.Year() == y && t.Month() == m && t.Day() == d {
		return t.Format("15:04")
	}
	return t.Format("Jan 2 15:04")
}
