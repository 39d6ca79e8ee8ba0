// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/credproxy/lib/config"
	"github.com/bureau-foundation/credproxy/lib/credential"
	"github.com/bureau-foundation/credproxy/lib/token"
)

// withBackend opens the proxy or the local store, whichever applies,
// and runs fn against it.
func (a *app) withBackend(ctx context.Context, fn func(*credential.Backend) error) error {
	level := slog.LevelWarn
	if a.logLevel != "" {
		parsed, err := config.ParseLevel(a.logLevel)
		if err != nil {
			return err
		}
		level = parsed
	}
	backend, err := credential.Open(ctx, credential.Options{
		Prompter: &terminalPrompter{in: a.stdin, out: a.stderr},
		OpenHost: func(ctx context.Context) (*credential.Host, error) {
			cfg, logger, err := a.loadConfig()
			if err != nil {
				return nil, err
			}
			return openHost(ctx, cfg, logger)
		},
		Getenv: a.getenv,
		Logger: newLogger(a.stderr, level),
	})
	if err != nil {
		return err
	}
	defer backend.Close()
	return fn(backend)
}

// keyCommand builds a command taking one provider argument and a
// --bucket flag.
func (a *app) keyCommand(name, summary string, run func(ctx context.Context, backend *credential.Backend, key token.Key) error) *command {
	var bucket string
	return &command{
		name:    name,
		summary: summary,
		usage:   "credproxy " + name + " <provider> [--bucket name]",
		flags: func(flagSet *pflag.FlagSet) {
			flagSet.StringVar(&bucket, "bucket", token.DefaultBucket, "credential bucket")
			a.hostFlags(flagSet)
		},
		run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return errors.New("exactly one provider name is required")
			}
			key := token.NewKey(args[0], bucket)
			return a.withBackend(ctx, func(backend *credential.Backend) error {
				return run(ctx, backend, key)
			})
		},
	}
}

func (a *app) loginCommand() *command {
	return a.keyCommand("login", "Log in to a provider and store the token",
		func(ctx context.Context, backend *credential.Backend, key token.Key) error {
			result, err := backend.Auth.Login(ctx, key.Provider, key.Bucket)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stderr, "Logged in to %s (%s).\n", key, describeExpiry(result))
			return nil
		})
}

func (a *app) tokenCommand() *command {
	return a.keyCommand("token", "Print the stored access token as JSON",
		func(ctx context.Context, backend *credential.Backend, key token.Key) error {
			result, err := backend.Tokens.GetToken(ctx, key)
			if err != nil {
				return err
			}
			if result == nil {
				return fmt.Errorf("no token stored for %s; run 'credproxy login %s'", key, key.Provider)
			}
			return a.printJSON(result)
		})
}

func (a *app) refreshCommand() *command {
	return a.keyCommand("refresh", "Renew the stored access token",
		func(ctx context.Context, backend *credential.Backend, key token.Key) error {
			result, err := backend.Auth.Refresh(ctx, key.Provider, key.Bucket)
			if err != nil {
				return err
			}
			return a.printJSON(result)
		})
}

func (a *app) logoutCommand() *command {
	return a.keyCommand("logout", "Remove the stored token",
		func(ctx context.Context, backend *credential.Backend, key token.Key) error {
			if err := backend.Tokens.RemoveToken(ctx, key); err != nil {
				return err
			}
			fmt.Fprintf(a.stderr, "Logged out of %s.\n", key)
			return nil
		})
}

func (a *app) providersCommand() *command {
	return &command{
		name:    "providers",
		summary: "List providers with stored tokens",
		flags:   a.hostFlags,
		run: func(ctx context.Context, _ []string) error {
			return a.withBackend(ctx, func(backend *credential.Backend) error {
				providers, err := backend.Tokens.ListProviders(ctx)
				if err != nil {
					return err
				}
				return a.printLines(providers)
			})
		},
	}
}

func (a *app) bucketsCommand() *command {
	return &command{
		name:    "buckets",
		summary: "List the buckets stored for a provider",
		usage:   "credproxy buckets <provider>",
		flags:   a.hostFlags,
		run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return errors.New("exactly one provider name is required")
			}
			return a.withBackend(ctx, func(backend *credential.Backend) error {
				buckets, err := backend.Tokens.ListBuckets(ctx, args[0])
				if err != nil {
					return err
				}
				return a.printLines(buckets)
			})
		},
	}
}

func (a *app) keysCommand() *command {
	return &command{
		name:    "keys",
		summary: "Read API keys",
		subcommands: []*command{
			{
				name:    "list",
				summary: "List API key names",
				flags:   a.hostFlags,
				run: func(ctx context.Context, _ []string) error {
					return a.withBackend(ctx, func(backend *credential.Backend) error {
						names, err := backend.Keys.ListKeys(ctx)
						if err != nil {
							return err
						}
						return a.printLines(names)
					})
				},
			},
			{
				name:    "get",
				summary: "Print an API key's value",
				usage:   "credproxy keys get <name>",
				flags:   a.hostFlags,
				run: func(ctx context.Context, args []string) error {
					if len(args) != 1 {
						return errors.New("exactly one key name is required")
					}
					return a.withBackend(ctx, func(backend *credential.Backend) error {
						value, err := backend.Keys.GetKey(ctx, args[0])
						if err != nil {
							return err
						}
						if value == "" {
							return fmt.Errorf("no API key named %q", args[0])
						}
						_, err = fmt.Fprintln(a.stdout, value)
						return err
					})
				},
			},
		},
	}
}

func (a *app) printJSON(value any) error {
	encoder := json.NewEncoder(a.stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func (a *app) printLines(lines []string) error {
	for _, line := range lines {
		if _, err := fmt.Fprintln(a.stdout, line); err != nil {
			return err
		}
	}
	return nil
}

func describeExpiry(result *token.Sanitized) string {
	if result == nil || result.Expiry == 0 {
		return "no expiry"
	}
	return "expires " + time.Unix(result.Expiry, 0).UTC().Format(time.RFC3339)
}
