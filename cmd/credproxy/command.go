// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// errHelpShown ends a run after help was printed on request.
var errHelpShown = errors.New("help shown")

// command is one node of the CLI tree.
type command struct {
	name    string
	summary string

	// usage is synthesized from the command path when empty.
	usage string

	// flags registers this command's flags on a fresh set.
	flags func(*pflag.FlagSet)

	subcommands []*command

	// run executes the command with its positional arguments.
	run func(ctx context.Context, args []string) error

	parent *command
}

// execute dispatches args down the tree and runs the matched command.
func (c *command) execute(ctx context.Context, stderr io.Writer, args []string) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		c.printHelp(stderr)
		return errHelpShown
	}

	if len(c.subcommands) > 0 {
		if len(args) == 0 || strings.HasPrefix(args[0], "-") {
			if c.run == nil {
				c.printHelp(stderr)
				return errors.New("subcommand required")
			}
		} else {
			for _, sub := range c.subcommands {
				if sub.name == args[0] {
					sub.parent = c
					return sub.execute(ctx, stderr, args[1:])
				}
			}
			if suggestion := suggestCommand(args[0], c.subcommands); suggestion != "" {
				return fmt.Errorf("unknown command %q (did you mean %q?)\n\nRun '%s --help' for usage.",
					args[0], suggestion, c.fullName())
			}
			return fmt.Errorf("unknown command %q\n\nRun '%s --help' for usage.", args[0], c.fullName())
		}
	}

	if c.flags != nil {
		flagSet := c.flagSet()
		if err := flagSet.Parse(args); err != nil {
			if errors.Is(err, pflag.ErrHelp) {
				c.printHelp(stderr)
				return errHelpShown
			}
			message := err.Error()
			if strings.Contains(message, "unknown flag") {
				if suggestion := suggestFlag(args, c.flagSet()); suggestion != "" {
					message += fmt.Sprintf(" (did you mean %s?)", suggestion)
				}
			}
			return fmt.Errorf("%s\n\nRun '%s --help' for usage.", message, c.fullName())
		}
		args = flagSet.Args()
	}

	if c.run == nil {
		c.printHelp(stderr)
		return fmt.Errorf("no action defined for %q", c.fullName())
	}
	return c.run(ctx, args)
}

func (c *command) flagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(c.fullName(), pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	c.flags(flagSet)
	return flagSet
}

func (c *command) printHelp(w io.Writer) {
	if c.summary != "" {
		fmt.Fprintf(w, "%s\n\n", c.summary)
	}
	switch {
	case c.usage != "":
		fmt.Fprintf(w, "Usage:\n  %s\n", c.usage)
	case len(c.subcommands) > 0:
		fmt.Fprintf(w, "Usage:\n  %s <command> [flags]\n", c.fullName())
	default:
		fmt.Fprintf(w, "Usage:\n  %s [flags]\n", c.fullName())
	}

	if len(c.subcommands) > 0 {
		fmt.Fprintf(w, "\nCommands:\n")
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, sub := range c.subcommands {
			fmt.Fprintf(tw, "  %s\t%s\n", sub.name, sub.summary)
		}
		tw.Flush()
	}
	if c.flags != nil {
		if defaults := c.flagSet().FlagUsages(); defaults != "" {
			fmt.Fprintf(w, "\nFlags:\n%s", defaults)
		}
	}
	if len(c.subcommands) > 0 {
		fmt.Fprintf(w, "\nRun '%s <command> --help' for more information on a command.\n", c.fullName())
	}
}

func (c *command) fullName() string {
	if c.parent == nil {
		return c.name
	}
	return c.parent.fullName() + " " + c.name
}

func isHelpFlag(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}
