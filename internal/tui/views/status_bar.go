package views

import (
	"fmt"
	"time"

	"github.com/agonn78/p2p-chat/internal/api"
	"github.com/agonn78/p2p-chat/internal/tui/model"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// StatusBar displays profile, connection and outbox state.
type StatusBar struct {
	*tview.TextView
	conversation string
	status       *api.GetStatusResponse
	hints        string
	flash        string
	flashLevel   model.Level
}

// NewStatusBar creates a new status bar.
func NewStatusBar(bg tcell.Color) *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(bg)
	return &StatusBar{TextView: tv}
}

// SetConversation sets the conversation label.
func (sb *StatusBar) SetConversation(c string) {
	sb.conversation = c
	sb.render()
}

// SetStatus updates the daemon status.
func (sb *StatusBar) SetStatus(s *api.GetStatusResponse) {
	sb.status = s
	sb.render()
}

// SetHints sets the key hint text.
func (sb *StatusBar) SetHints(h string) {
	sb.hints = h
	sb.render()
}

// SetFlash sets a temporary message.
func (sb *StatusBar) SetFlash(msg string, level model.Level) {
	sb.flash = msg
	sb.flashLevel = level
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()
	_, _ = fmt.Fprint(sb, statusLine(sb.conversation, sb.status, sb.hints, sb.flash, sb.flashLevel, time.Now()))
}

func statusLine(conv string, s *api.GetStatusResponse, hints, flash string, level model.Level, now time.Time) string {
	profile, conn := "?", "UNKNOWN"
	var queued int64
	if s != nil {
		profile, conn, queued = s.Profile, s.Connection, s.OutboxCount
	}

	line := fmt.Sprintf(" [::b]%s[-:-:-] %s | %s%s[-]", tview.Escape(profile), tview.Escape(conv), connColor(conn), conn)
	if queued > 0 {
		line += fmt.Sprintf(" | [orange]%d queued[-]", queued)
	}
	line += " | " + now.Format("15:04")
	if flash != "" {
		color := "[yellow]"
		if level == model.LevelError {
			color = "[red]"
		}
		line += " | " + color + tview.Escape(flash) + "[-]"
	}
	if hints != "" {
		line += " | [::d]" + hints + "[-:-:-]"
	}
	return line
}

func connColor(state string) string {
	switch state {
	case "ONLINE":
		return "[green]"
	case "CONNECTING", "RECONNECTING":
		return "[yellow]"
	default:
		return "[gray]"
	}
}
