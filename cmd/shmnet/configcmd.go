package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/srediag/shmnet/internal/config"
)

// configCommand writes a template config, or with -validate checks an existing one.
func configCommand(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	output := fs.String("output", "shmnet.toml", "template path")
	force := fs.Bool("force", false, "overwrite an existing file")
	validate := fs.String("validate", "", "config file to validate instead of writing a template")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *validate != "" {
		cfg, err := config.Load(*validate)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s: ok, %d relays\n", *validate, len(cfg.Relays))
		for _, r := range cfg.Relays {
			fmt.Fprintf(stdout, "  %s: %s -> %s\n", r.Name, r.Source, r.Sink)
		}
		return nil
	}
	if err := config.WriteTemplate(*output, *force); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", *output)
	return nil
}
