package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/care/fingerprint/internal/protocol"
)

const interactiveHelp = `commands:
  c <id>      capture a fingerprint into slot id
  d <id>      delete the fingerprint in slot id
  s           show status
  r [n]       show the n latest detections (default 5)
  q           quit`

func runInteractive(args []string) error {
	var server string
	flagSet := newFlagSet("interactive", &server)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".fingerprintctl_history")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "fingerprint> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	c := newClient(server)
	fmt.Println(interactiveHelp)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		quit, err := interpret(c, strings.Fields(line))
		if err != nil {
			fmt.Println("error:", err)
		}
		if quit {
			return nil
		}
	}
}

// interpret runs one prompt line. It reports whether the session ends.
func interpret(c *client, fields []string) (bool, error) {
	if len(fields) == 0 {
		return false, nil
	}
	ctx := context.Background()

	switch strings.ToLower(fields[0]) {
	case "q", "quit", "exit":
		return true, nil

	case "c", "capture", "d", "delete":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: %s <id>", fields[0])
		}
		id, err := protocol.ParseID(fields[1])
		if err != nil {
			return false, err
		}
		path := "/register"
		if strings.HasPrefix(strings.ToLower(fields[0]), "d") {
			path = "/delete"
		}
		reply, err := c.command(ctx, path, id)
		if err != nil {
			return false, err
		}
		printReply(reply)

	case "s", "status":
		snap, err := c.status(ctx)
		if err != nil {
			return false, err
		}
		printSnapshot(snap)

	case "r", "recent":
		n := 5
		if len(fields) > 1 {
			if _, err := fmt.Sscanf(fields[1], "%d", &n); err != nil || n <= 0 {
				return false, fmt.Errorf("invalid count %q", fields[1])
			}
		}
		records, err := c.detections(ctx, nil, n)
		if err != nil {
			return false, err
		}
		printRecords(records)

	case "h", "help", "?":
		fmt.Println(interactiveHelp)

	default:
		return false, fmt.Errorf("unknown command %q (h for help)", fields[0])
	}
	return false, nil
}
