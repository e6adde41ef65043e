package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Legatia/Tai/internal/model"
	"github.com/rivo/tview"
)

type commandKind int

const (
	commandText commandKind = iota
	commandFile
	commandLocation
	commandPeers
	commandQuit
)

type command struct {
	kind     commandKind
	arg      string
	lat, lng float64
}

var errUsage = errors.New("usage: /file <path> | /loc <lat>,<lng> | /peers | /quit")

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{kind: commandText, arg: line}, nil
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit":
		return command{kind: commandQuit}, nil
	case "/peers":
		return command{kind: commandPeers}, nil
	case "/file":
		if arg == "" {
			return command{}, errUsage
		}
		return command{kind: commandFile, arg: arg}, nil
	case "/loc":
		la, lo, ok := strings.Cut(arg, ",")
		if !ok {
			return command{}, errUsage
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(la), 64)
		if err != nil {
			return command{}, fmt.Errorf("latitude: %w", err)
		}
		lng, err := strconv.ParseFloat(strings.TrimSpace(lo), 64)
		if err != nil {
			return command{}, fmt.Errorf("longitude: %w", err)
		}
		return command{kind: commandLocation, lat: lat, lng: lng}, nil
	default:
		if strings.HasPrefix(line, "//") {
			return command{kind: commandText, arg: line[1:]}, nil
		}
		return command{}, errUsage
	}
}

func formatMessage(m model.ChatMessage, own bool) string {
	who := "[green]" + tview.Escape(m.SenderID) + ":[-]"
	if own {
		who = "[yellow]You:[-]"
	}
	stamp := m.Time().Format("15:04")

	switch m.Kind {
	case model.ChatKindFile, model.ChatKindImage:
		return fmt.Sprintf("[gray]%s[-] %s sent %s %s (%s bytes)", stamp, who, m.Kind, tview.Escape(m.Metadata["name"]), m.Metadata["size"])
	case model.ChatKindLocation:
		return fmt.Sprintf("[gray]%s[-] %s is at %s", stamp, who, tview.Escape(m.Content))
	default:
		return fmt.Sprintf("[gray]%s[-] %s %s", stamp, who, tview.Escape(m.Content))
	}
}
