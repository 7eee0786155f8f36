package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Run reads commands from in until "exit", end of input, a closed server or
// ctx cancellation. On cancellation it sends "exit" before returning, the
// way an interrupted terminal session leaves the server.
func (c *Client) Run(ctx context.Context, in io.Reader) error {
	prompt := isTerminal(in)
	out := c.config.Out
	fmt.Fprintf(out, "> connection established, use 'login <user> <password>' to login\n")

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-readCtx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		if prompt {
			fmt.Fprint(out, "> ")
		}

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "\n[CLIENT]: exiting...\n")
			_ = c.codec.WriteMessage(c.conn, "exit")
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("read command: %w", err)
			}
			_, _, err = c.Exec(context.Background(), "exit")
			return err
		case line = <-lines:
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		reply, closed, err := c.Exec(ctx, line)
		if err != nil {
			return err
		}
		fmt.Fprint(out, reply)
		if closed {
			return nil
		}
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
