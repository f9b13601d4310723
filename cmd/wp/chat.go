package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/waypost/internal/chat"
)

func newChatCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "chat <peer-id>",
		Short: "Chat with another user",
		Long: `Opens a direct conversation with peer-id over the realtime connection.

Each input line is sent as a message. Type /quit or send EOF to leave.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "waypost.yaml", "path to Waypost config file")
	return cmd
}

func runChat(cmd *cobra.Command, configPath, peerID string) error {
	out := cmd.OutOrStdout()

	a, err := buildApp(configPath, out)
	if err != nil {
		return err
	}
	self := a.cfg.Session.UserID

	ctx, stop := signal.NotifyContext(cmdContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.owner.Start(ctx); err != nil {
		return err
	}
	defer a.owner.Stop()

	s, err := a.owner.OpenChat(ctx, peerID, func(m chat.Message) {
		printMessage(out, self, m)
	})
	if err != nil {
		return err
	}
	defer s.Close()

	if n, err := s.LoadHistory(ctx); err != nil {
		fmt.Fprintf(out, "History unavailable: %v\n", err)
	} else if n > 0 {
		msgs := s.Messages()
		older := msgs[len(msgs)-n:]
		for i := len(older) - 1; i >= 0; i-- {
			printMessage(out, self, older[i])
		}
		fmt.Fprintf(out, "--- %d earlier messages ---\n", n)
	}
	fmt.Fprintf(out, "Chatting with %s. Type /quit to leave.\n", peerID)

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	lines := readLines(readCtx, cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			s.NotifyTyping()
			if _, err := s.Send(ctx, line); err != nil {
				fmt.Fprintf(out, "Not sent: %v\n", err)
			}
		}
	}
}

// readLines streams input lines until EOF or until ctx is done.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case ch <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func printMessage(w io.Writer, self string, m chat.Message) {
	who := m.SenderID
	if who == self {
		who = "you"
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), who, m.Body)
	switch m.Status {
	case chat.StatusFailed:
		line += " (failed"
		if m.Error != "" {
			line += ": " + m.Error
		}
		line += ")"
	case chat.StatusPending:
		line += " (sending)"
	}
	fmt.Fprintln(w, line)
}
