package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/marmos91/imgpull/pkg/config"
)

func runInit(_ context.Context, args []string) error {
	fs := pflag.NewFlagSet("imgpull init", pflag.ContinueOnError)
	force := fs.BoolP("force", "f", false, "Overwrite an existing configuration file")
	path := fs.StringP("config", "c", "", "Where to write the file (default: "+config.GetDefaultConfigPath()+")")
	if err := fs.Parse(args); err != nil {
		return err
	}

	target := *path
	if target == "" {
		var err error
		if target, err = config.InitConfig(*force); err != nil {
			return err
		}
	} else if err := config.InitConfigToPath(target, *force); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", target)
	return nil
}
