package tui

import (
	"context"
	"time"

	"github.com/agonn78/p2p-chat/internal/api"
	"github.com/agonn78/p2p-chat/internal/tui/keys"
	"github.com/agonn78/p2p-chat/internal/tui/model"
	"github.com/agonn78/p2p-chat/internal/tui/ui"
	"github.com/agonn78/p2p-chat/internal/tui/views"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const (
	paneThread = "thread"
	paneOutbox = "outbox"

	flashFor = 5 * time.Second
)

// Options configures the viewer.
type Options struct {
	Kind     string
	Target   string
	SelfID   string
	PageSize int
}

// App is the terminal viewer for one conversation.
type App struct {
	app       *tview.Application
	client    *api.Client
	vm        *model.ViewModel
	keys      *keys.Keymap
	theme     *ui.Theme
	thread    *views.MessageThread
	outbox    *views.OutboxList
	statusBar *views.StatusBar
	pane      string
	refresh   chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewApp creates the viewer.
func NewApp(c *api.Client, opts Options) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()
	vm := model.NewViewModel(c, opts.Kind, opts.Target, opts.PageSize)

	a := &App{
		app:       tview.NewApplication(),
		client:    c,
		vm:        vm,
		keys:      keys.New(),
		theme:     theme,
		thread:    views.NewMessageThread(theme, vm.Conversation(), opts.SelfID),
		outbox:    views.NewOutboxList(theme),
		statusBar: views.NewStatusBar(theme.StatusBg),
		pane:      paneThread,
		refresh:   make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.statusBar.SetConversation(vm.Conversation())
	a.setupBindings()
	a.setupLayout()
	a.thread.SetOnSend(a.send)
	return a
}

func (a *App) setupBindings() {
	a.keys.Global(
		keys.Binding{Key: tcell.KeyRune, Rune: 'q', Help: "q:quit", Run: a.Stop},
		keys.Binding{Key: tcell.KeyTab, Help: "tab:switch", Run: a.togglePane},
		keys.Binding{Key: tcell.KeyRune, Rune: 'R', Help: "R:reload", Run: a.requestRefresh},
	)
	a.keys.Pane(paneThread,
		keys.Binding{Key: tcell.KeyRune, Rune: 'i', Help: "i:compose", Run: func() {
			a.app.SetFocus(a.thread.Composer())
		}},
		keys.Binding{Key: tcell.KeyRune, Rune: 'o', Help: "o:older", Run: a.loadOlder},
	)
	a.keys.Pane(paneOutbox,
		keys.Binding{Key: tcell.KeyRune, Rune: 'r', Help: "r:retry", Run: a.retrySelected},
	)
}

func (a *App) setupLayout() {
	body := tview.NewFlex().
		AddItem(a.thread, 0, 3, true).
		AddItem(a.outbox, 0, 1, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true)
	a.focusPane(paneThread)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		// Let the composer handle all keys; Esc leaves it.
		if a.app.GetFocus() == a.thread.Composer() {
			if event.Key() == tcell.KeyEscape {
				a.focusPane(paneThread)
				return nil
			}
			return event
		}
		if a.keys.Dispatch(a.pane, event) {
			return nil
		}
		return event
	})
}

func (a *App) togglePane() {
	if a.pane == paneThread {
		a.focusPane(paneOutbox)
	} else {
		a.focusPane(paneThread)
	}
}

func (a *App) focusPane(pane string) {
	a.pane = pane
	a.thread.Messages().SetBorderColor(a.theme.BorderColor)
	a.outbox.SetBorderColor(a.theme.BorderColor)
	if pane == paneOutbox {
		a.outbox.SetBorderColor(a.theme.BorderFocusColor)
		a.app.SetFocus(a.outbox)
	} else {
		a.thread.Messages().SetBorderColor(a.theme.BorderFocusColor)
		a.app.SetFocus(a.thread.Messages())
	}
	a.statusBar.SetHints(a.keys.Help(pane))
}

func (a *App) send(text string) {
	go func() {
		if err := a.vm.Send(a.ctx, text); err != nil {
			a.vm.Flash.Error("Send failed: "+err.Error(), flashFor)
		}
		a.requestRefresh()
	}()
}

func (a *App) retrySelected() {
	id := a.outbox.Selected()
	if id == "" {
		return
	}
	go func() {
		if err := a.vm.Retry(a.ctx, id); err != nil {
			a.vm.Flash.Error(err.Error(), flashFor)
		}
		a.requestRefresh()
	}()
}

func (a *App) loadOlder() {
	go func() {
		added, err := a.vm.LoadOlder(a.ctx)
		switch {
		case err != nil:
			a.vm.Flash.Error("Load failed: "+err.Error(), flashFor)
		case !added:
			a.vm.Flash.Set("No older messages", 3*time.Second)
		}
		a.app.QueueUpdateDraw(func() {
			a.thread.Update(a.vm.Messages(), offlineNotice(a.vm.RemoteError()))
			a.drawFlash()
		})
	}()
}

func (a *App) requestRefresh() {
	select {
	case a.refresh <- struct{}{}:
	default:
	}
}

// reload refetches everything and redraws.
func (a *App) reload() {
	if err := a.vm.LoadMessages(a.ctx); err != nil {
		a.vm.Flash.Error("Load failed: "+err.Error(), flashFor)
	}
	_ = a.vm.LoadOutbox(a.ctx)
	_ = a.vm.LoadStatus(a.ctx)

	a.app.QueueUpdateDraw(func() {
		a.thread.Update(a.vm.Messages(), offlineNotice(a.vm.RemoteError()))
		a.outbox.Update(a.vm.Pending())
		a.statusBar.SetStatus(a.vm.Status())
		a.drawFlash()
	})
}

func (a *App) drawFlash() {
	msg, level := a.vm.Flash.Current()
	a.statusBar.SetFlash(msg, level)
}

// watch turns daemon events into refresh requests, resubscribing when the
// stream drops.
func (a *App) watch() {
	for a.ctx.Err() == nil {
		stream, err := a.client.WatchEvents(a.ctx, "")
		if err == nil {
			for {
				if _, err = stream.Recv(); err != nil {
					break
				}
				a.requestRefresh()
			}
		}
		select {
		case <-a.ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (a *App) refreshLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.refresh:
			a.reload()
		case <-ticker.C:
			a.reload()
		case <-a.ctx.Done():
			return
		}
	}
}

// Run starts the viewer and blocks until it exits.
func (a *App) Run() error {
	go a.refreshLoop()
	go a.watch()
	a.requestRefresh()
	return a.app.Run()
}

// Stop shuts the viewer down.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}

func offlineNotice(remoteErr string) string {
	if remoteErr == "" {
		return ""
	}
	return "Server unreachable, showing cached messages (" + remoteErr + ")"
}
