// Command client is the terminal chat client.
package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/puyokura/dashchat/chat"
	"github.com/puyokura/dashchat/config"
	"github.com/puyokura/dashchat/logger"
	"github.com/puyokura/dashchat/model"
)

func main() {
	if err := run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	// the terminal belongs to the UI, so logs go to a file
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	log := logger.NewWithWriter("dashchat-client", cfg.LogLevel, f)

	ctx := context.Background()
	client, err := chat.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer client.Close()

	p := tea.NewProgram(initialModel(client), tea.WithAltScreen())

	unsubscribe := client.OnMessages(func(msgs []model.ChatMessage) { p.Send(timelineMsg(msgs)) })
	defer unsubscribe()
	client.OnTerminated(func(err error) { p.Send(terminatedMsg{err: err}) })

	states, stopWatch := client.WatchState()
	defer stopWatch()
	go func() {
		for st := range states {
			p.Send(stateMsg(st))
		}
	}()

	_, err = p.Run()
	return err
}
