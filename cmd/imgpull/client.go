package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/marmos91/imgpull/pkg/client"
	"github.com/marmos91/imgpull/pkg/config"
)

func runClient(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("client")
	fs.String("server", "", "Router address as host[:port] (default 127.0.0.1:37777)")
	fs.String("framing", "", "Control channel framing (length, raw)")
	fs.Int("connect-retries", 0, "Connection attempts before giving up")
	fs.Int("data-port", 0, "Data port used when the server does not announce one")
	if err := fs.Parse(args); err != nil {
		return err
	}
	switch fs.NArg() {
	case 0:
	case 1:
		if err := fs.Set("server", fs.Arg(0)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("usage: imgpull client [host[:port]]")
	}

	cfg, err := loadConfig(fs, *configPath)
	if err != nil {
		return err
	}

	c, err := config.CreateClient(cfg, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if err := c.Connect(ctx); err != nil {
		return err
	}

	err = c.Run(ctx, os.Stdin)
	if errors.Is(err, client.ErrServerClosed) {
		fmt.Fprintln(os.Stderr, "[CLIENT]: server closed the connection")
		return nil
	}
	return err
}
