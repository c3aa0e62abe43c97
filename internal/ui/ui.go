// Package ui is a minimal terminal front-end over the queue controller: a
// track table plus a status footer, driven entirely through the public
// command surface and the event stream.
package ui

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/rs/zerolog/log"

	"github.com/harmonia-player/harmonia/internal/event"
	"github.com/harmonia-player/harmonia/internal/queue"
)

const (
	volumeStep      = 5
	eventPollPeriod = 250 * time.Millisecond
)

// UI renders the queue and forwards key commands to the controller.
type UI struct {
	app        *tview.Application
	controller *queue.Controller
	stream     *event.EventStream

	table  *tview.Table
	footer *tview.TextView
	layout *tview.Flex

	volume int
	done   chan struct{}
}

func New(controller *queue.Controller, stream *event.EventStream, volume int) *UI {
	u := &UI{
		app:        tview.NewApplication(),
		controller: controller,
		stream:     stream,
		volume:     volume,
		done:       make(chan struct{}),
	}

	u.table = tview.NewTable().SetSelectable(true, false)
	u.table.SetBorder(true).SetTitle(" Queue ")

	u.footer = tview.NewTextView().SetDynamicColors(true)
	u.footer.SetBorder(true)

	u.layout = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(u.table, 0, 1, true).
		AddItem(u.footer, 3, 0, false)

	u.app.SetInputCapture(u.handleKey)
	return u
}

// Run blocks until the UI exits.
func (u *UI) Run() error {
	go u.consumeEvents()

	// Ask for the current state and queue; the stream's replay gate opens on
	// the StateReplay this produces.
	u.controller.Replay()

	return u.app.SetRoot(u.layout, true).Run()
}

// Shutdown stops the event consumer and the terminal application.
func (u *UI) Shutdown() {
	close(u.done)
	u.stream.Close()
	u.app.Stop()
}

func (u *UI) handleKey(ev *tcell.EventKey) *tcell.EventKey {
	switch ev.Rune() {
	case 'q':
		u.Shutdown()
		return nil
	case ' ':
		st := u.controller.GetState()
		u.controller.Pause(st.State != queue.StatePaused)
		return nil
	case 'n':
		u.controller.Next()
		return nil
	case 'p':
		u.controller.Prev()
		return nil
	case 's':
		u.controller.Stop()
		return nil
	case 'd':
		row, _ := u.table.GetSelection()
		u.controller.Remove([]int{row})
		return nil
	case '+', '=':
		u.volume += volumeStep
		u.controller.SetVolume(u.volume)
		return nil
	case '-':
		u.volume -= volumeStep
		u.controller.SetVolume(u.volume)
		return nil
	}

	if ev.Key() == tcell.KeyEnter {
		row, _ := u.table.GetSelection()
		u.controller.Play(row)
		return nil
	}
	return ev
}

func (u *UI) consumeEvents() {
	for {
		select {
		case <-u.done:
			return
		default:
		}

		e, err := u.stream.GetEvent(eventPollPeriod)
		if err != nil {
			if err == event.ErrStreamClosed {
				return
			}
			continue
		}

		switch e.Topic {
		case event.StateChanged:
			if ps, ok := e.Payload.(queue.PlayerState); ok {
				u.app.QueueUpdateDraw(func() { u.renderState(ps) })
			}
		case event.StateReplay:
			if replay, ok := e.Payload.(queue.ReplayState); ok {
				u.app.QueueUpdateDraw(func() {
					u.renderQueue(replay.Queue.Items)
					u.renderState(replay.PlayerState)
				})
			}
		case event.TracksAdded, event.TracksRemoved:
			items := u.controller.List(0, 1<<20)
			u.app.QueueUpdateDraw(func() { u.renderQueue(items) })
		case event.VolumeChanged:
			if v, ok := e.Payload.(int); ok {
				u.volume = v
			}
		case event.NetworkError:
			u.app.QueueUpdateDraw(func() {
				u.footer.SetText(fmt.Sprintf("[red]network error: %v", e.Payload))
			})
		default:
			log.Debug().Str("topic", e.Topic.String()).Msg("Unhandled event in UI")
		}
	}
}

func (u *UI) renderQueue(items []queue.TrackSnapshot) {
	u.table.Clear()
	for row, item := range items {
		title := fmt.Sprintf("#%d", item.Index)
		performer := ""
		if item.Track != nil {
			title = item.Track.Title
			if item.Track.Performer != nil {
				performer = item.Track.Performer.Name
			}
		}
		marker := "  "
		if item.Selected {
			marker = "> "
		}
		u.table.SetCell(row, 0, tview.NewTableCell(marker+title).SetExpansion(1))
		u.table.SetCell(row, 1, tview.NewTableCell(performer))
	}
}

func (u *UI) renderState(ps queue.PlayerState) {
	track := "-"
	if ps.CurrentTrack != nil {
		track = ps.CurrentTrack.Title
		if ps.CurrentTrack.Performer != nil {
			track = ps.CurrentTrack.Performer.Name + " - " + track
		}
	}

	position := time.Duration(ps.PositionMs) * time.Millisecond
	line := fmt.Sprintf("[yellow]%s[-]  %s  %s  vol %d%%",
		ps.State, track, position.Truncate(time.Second), u.volume)
	if ps.Message != "" {
		line += "  [red]" + ps.Message
	}
	u.footer.SetText(line)
}
