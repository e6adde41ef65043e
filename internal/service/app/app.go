package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Legatia/Tai/internal/model"
	"github.com/Legatia/Tai/internal/service/p2p"
	"github.com/Legatia/Tai/internal/utils/log"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

type (
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		client *p2p.Client
		roomID string
	}
)

func NewApp(client *p2p.Client, roomID string) *App {
	return &App{
		app:    tview.NewApplication(),
		client: client,
		roomID: roomID,
	}
}

// Run joins the room and blocks on the UI until the user quits.
func (c *App) Run(ctx context.Context) error {
	if err := c.client.Start(ctx); err != nil {
		return err
	}

	c.buildUI()
	go c.listen()
	return c.app.SetRoot(c.layout(), true).SetFocus(c.input).Run()
}

func (c *App) Stop() {
	c.app.Stop()
	c.client.Close()
}

func (c *App) buildUI() {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Room %s as %s ", c.roomID, c.client.PeerID()))

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" /file <path>  /loc <lat>,<lng>  /peers  /quit ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}
		c.input.SetText("")

		go func(line string) {
			if err := c.SendMessage(line); err != nil {
				c.system("[red]%v[-]", err)
			}
		}(text)
	})
}

func (c *App) layout() tview.Primitive {
	return tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)
}

func (c *App) listen() {
	for {
		select {
		case m := <-c.client.Messages():
			c.print(formatMessage(m, false))
		case id := <-c.client.Connections():
			c.system("[blue]%s connected[-]", id)
		case d := <-c.client.Disconnects():
			if d.Err != nil {
				c.system("[blue]%s %s: %v[-]", d.PeerID, d.Phase, d.Err)
			} else {
				c.system("[blue]%s %s[-]", d.PeerID, d.Phase)
			}
		case ev := <-c.client.Tracks():
			c.system("[blue]receiving %s from %s[-]", ev.Track.Kind(), ev.PeerID)
			go func() {
				for range ev.Track.Frames() {
				}
			}()
		case <-c.client.Done():
			c.system("[red]relay connection closed[-]")
			return
		}
	}
}

func (c *App) SendMessage(line string) error {
	cmd, err := parseCommand(line)
	if err != nil {
		return err
	}

	var msg model.ChatMessage
	switch cmd.kind {
	case commandQuit:
		c.Stop()
		return nil
	case commandPeers:
		peers := c.client.Peers()
		if len(peers) == 0 {
			c.system("nobody else is here")
		}
		for _, p := range peers {
			c.system("%s: %s", p.PeerID, p.Phase)
		}
		return nil
	case commandFile:
		data, err := os.ReadFile(cmd.arg)
		if err != nil {
			return err
		}
		msg, err = c.client.SendFileBytes(cmd.arg, data)
		if err != nil {
			return err
		}
	case commandLocation:
		msg, err = c.client.SendLocation(cmd.lat, cmd.lng)
		if err != nil {
			return err
		}
	default:
		msg, err = c.client.SendText(cmd.arg)
		if err != nil {
			return err
		}
	}

	c.print(formatMessage(msg, true))
	return nil
}

func (c *App) print(line string) {
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintln(c.chatbox, line)
		c.chatbox.ScrollToEnd()
	})
}

func (c *App) system(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	log.Debug("ui notice", zap.String("text", line))
	c.print("[gray]" + time.Now().Format("15:04") + "[-] " + line)
}
