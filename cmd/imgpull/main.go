// Command imgpull runs the image download service and its client.
//
//	imgpull serve            router, auth and file services in one process
//	imgpull router           control port plus the bus broker for split services
//	imgpull auth | file      one service connected to a running router
//	imgpull client [server]  interactive client
//	imgpull users ...        user record administration
//	imgpull init             write the default configuration file
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/marmos91/imgpull/internal/logger"
	"github.com/marmos91/imgpull/pkg/config"
)

var version = "dev"

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string) error
}

var commands = []command{
	{"serve", "Run the router, the auth service and the file service together", runServe},
	{"router", "Run the router and the bus broker (services start separately)", runRouter},
	{"auth", "Run the auth service against a running router", runAuth},
	{"file", "Run the file service against a running router", runFile},
	{"client", "Connect to a router interactively", runClient},
	{"users", "Manage user records (list, add, ban, unban, seed)", runUsers},
	{"init", "Write the default configuration file", runInit},
	{"version", "Print the version", runVersion},
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	name := os.Args[1]
	if name == "-h" || name == "--help" || name == "help" {
		usage(os.Stdout)
		return
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", name)
		usage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.run(ctx, os.Args[2:])
	stop()
	_ = logger.Sync()

	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, pflag.ErrHelp):
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "imgpull %s\n\nUsage:\n  imgpull <command> [flags]\n\nCommands:\n", version)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "\nRun 'imgpull <command> --help' for the flags of a command.\n")
}

func runVersion(context.Context, []string) error {
	fmt.Printf("imgpull %s\n", version)
	return nil
}

// newFlagSet creates a flag set carrying the flags shared by every command.
func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet("imgpull "+name, pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	fs.String("log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	fs.String("log-format", "", "Log format (text, json)")
	return fs, configPath
}

// loadConfig loads the configuration with the changed flags of fs applied
// and configures logging from it.
func loadConfig(fs *pflag.FlagSet, configPath string) (*config.Config, error) {
	cfg, err := config.LoadWithFlags(configPath, fs)
	if err != nil {
		return nil, err
	}
	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	return cfg, nil
}
