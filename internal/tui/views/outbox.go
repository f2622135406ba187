package views

import (
	"fmt"

	"github.com/agonn78/p2p-chat/internal/api"
	"github.com/agonn78/p2p-chat/internal/tui/ui"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// OutboxList shows the sends still waiting for the server.
type OutboxList struct {
	*tview.Table
	entries []api.OutboxEntry
}

// NewOutboxList creates an empty outbox pane.
func NewOutboxList(theme *ui.Theme) *OutboxList {
	t := tview.NewTable().
		SetSelectable(true, false).
		SetFixed(1, 0)
	t.SetBorder(true)
	t.SetBorderColor(theme.BorderColor)
	t.SetBackgroundColor(theme.BgColor)
	t.SetTitle(" Pending sends ")
	t.SetTitleColor(theme.TitleColor)
	t.SetSelectedStyle(tcell.StyleDefault.Foreground(theme.CursorFg).Background(theme.CursorBg))

	o := &OutboxList{Table: t}
	o.Update(nil)
	return o
}

// Update replaces the rows, keeping the selection where possible.
func (o *OutboxList) Update(entries []api.OutboxEntry) {
	row, _ := o.GetSelection()
	o.Clear()
	o.entries = entries

	for col, h := range []string{"ATTEMPTS", "MESSAGE", "LAST ERROR"} {
		o.SetCell(0, col, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, e := range entries {
		o.SetCell(i+1, 0, tview.NewTableCell(fmt.Sprintf("%d", e.Attempts)))
		o.SetCell(i+1, 1, tview.NewTableCell(tview.Escape(sanitizeForTerminal(truncate(e.Content, 40)))).SetExpansion(1))
		o.SetCell(i+1, 2, tview.NewTableCell(tview.Escape(truncate(e.LastError, 40))).SetTextColor(tcell.ColorRed))
	}

	switch {
	case len(entries) == 0:
		o.Select(0, 0)
	case row < 1:
		o.Select(1, 0)
	case row > len(entries):
		o.Select(len(entries), 0)
	}
}

// Selected returns the client id of the highlighted entry, or "".
func (o *OutboxList) Selected() string {
	row, _ := o.GetSelection()
	if row < 1 || row > len(o.entries) {
		return ""
	}
	return o.entries[row-1].ClientID
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
