// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/credproxy/lib/process"
	"github.com/bureau-foundation/credproxy/lib/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newApp(os.Stdin, os.Stdout, os.Stderr, os.Getenv).run(ctx, os.Args[1:])
	stop()
	if err != nil && !errors.Is(err, errHelpShown) {
		process.Fatal(err)
	}
}

// app carries the process environment through every command.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string

	// Set by the flags each command registers.
	configPath string
	logLevel   string
}

func newApp(stdin io.Reader, stdout, stderr io.Writer, getenv func(string) string) *app {
	return &app{stdin: stdin, stdout: stdout, stderr: stderr, getenv: getenv}
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 1 && args[0] == "--version" {
		fmt.Fprintf(a.stdout, "credproxy %s\n", version.Full())
		return nil
	}
	return a.root().execute(ctx, a.stderr, args)
}

func (a *app) root() *command {
	return &command{
		name:    "credproxy",
		summary: "Broker OAuth tokens and API keys into sandboxes without handing over refresh secrets",
		subcommands: []*command{
			a.serveCommand(),
			a.execCommand(),
			a.loginCommand(),
			a.tokenCommand(),
			a.refreshCommand(),
			a.logoutCommand(),
			a.providersCommand(),
			a.bucketsCommand(),
			a.keysCommand(),
		},
	}
}
