// Package keys maps key presses to actions per focused pane.
package keys

import (
	"strings"

	"github.com/gdamore/tcell/v2"
)

// Binding is one key and what it does.
type Binding struct {
	Key  tcell.Key
	Rune rune
	// Help is shown in the hint line, e.g. "q:quit". Empty hides the binding.
	Help string
	Run  func()
}

// Matches reports whether ev triggers b.
func (b Binding) Matches(ev *tcell.EventKey) bool {
	if b.Key != tcell.KeyRune {
		return ev.Key() == b.Key
	}
	return ev.Key() == tcell.KeyRune && ev.Rune() == b.Rune
}

// Keymap holds global bindings and bindings scoped to a pane. Registration
// order is kept so hints render stably.
type Keymap struct {
	global []Binding
	panes  map[string][]Binding
}

// New creates an empty keymap.
func New() *Keymap {
	return &Keymap{panes: make(map[string][]Binding)}
}

// Global adds bindings active in every pane.
func (k *Keymap) Global(b ...Binding) {
	k.global = append(k.global, b...)
}

// Pane adds bindings active only while pane has focus.
func (k *Keymap) Pane(pane string, b ...Binding) {
	k.panes[pane] = append(k.panes[pane], b...)
}

// Dispatch runs the first binding matching ev, pane bindings first.
func (k *Keymap) Dispatch(pane string, ev *tcell.EventKey) bool {
	for _, set := range [][]Binding{k.panes[pane], k.global} {
		for _, b := range set {
			if b.Matches(ev) {
				b.Run()
				return true
			}
		}
	}
	return false
}

// Help renders the hint line for pane.
func (k *Keymap) Help(pane string) string {
	var hints []string
	for _, set := range [][]Binding{k.panes[pane], k.global} {
		for _, b := range set {
			if b.Help != "" {
				hints = append(hints, b.Help)
			}
		}
	}
	return strings.Join(hints, "  ")
}
