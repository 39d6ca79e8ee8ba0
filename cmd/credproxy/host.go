// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/credproxy/lib/config"
	"github.com/bureau-foundation/credproxy/lib/credential"
	"github.com/bureau-foundation/credproxy/lib/credstore"
	"github.com/bureau-foundation/credproxy/lib/provider"
	"github.com/bureau-foundation/credproxy/lib/version"
	"github.com/bureau-foundation/credproxy/proxy"
)

const (
	// providerHTTPTimeout bounds each token endpoint call.
	providerHTTPTimeout = 30 * time.Second

	// childStopDelay is how long an exec'd command has between SIGTERM
	// and SIGKILL.
	childStopDelay = 10 * time.Second
)

func (a *app) hostFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&a.configPath, "config", "", "path to credproxy.yaml (default $"+config.EnvConfig+")")
	flagSet.StringVar(&a.logLevel, "log-level", "", "override log_level from the config file")
}

// loadConfig resolves the config file and builds the logger from it.
func (a *app) loadConfig() (*config.Config, *slog.Logger, error) {
	path := a.configPath
	if path == "" {
		path = a.getenv(config.EnvConfig)
	}
	if path == "" {
		return nil, nil, fmt.Errorf("no config file: pass --config or set %s", config.EnvConfig)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	levelName := cfg.LogLevel
	if a.logLevel != "" {
		levelName = a.logLevel
	}
	level, err := config.ParseLevel(levelName)
	if err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(a.stderr, level), nil
}

// openHost opens the sealed store and the provider catalog named by
// cfg.
func openHost(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*credential.Host, error) {
	providers := provider.NewRegistry()
	if cfg.ProvidersFile != "" {
		catalog, err := provider.LoadCatalog(cfg.ProvidersFile)
		if err != nil {
			return nil, err
		}
		providers = provider.FromCatalog(catalog, &http.Client{Timeout: providerHTTPTimeout})
	}
	store, err := credstore.OpenSQLite(ctx, credstore.SQLiteOptions{
		Path:         cfg.Store.Path,
		IdentityFile: cfg.Store.IdentityFile,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	return &credential.Host{Store: store, Providers: providers}, nil
}

func scopeOf(cfg *config.Config) *proxy.Scope {
	return &proxy.Scope{Providers: cfg.Scope.Providers, APIKeys: cfg.Scope.APIKeys}
}

// proxyHost is a started proxy and the store it serves from.
type proxyHost struct {
	server *proxy.Server
	store  credstore.Store
	grace  time.Duration
	logger *slog.Logger
}

func (a *app) startProxy(ctx context.Context) (*proxyHost, error) {
	cfg, logger, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	host, err := openHost(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	server, err := proxy.New(proxy.Config{
		SocketDir:      cfg.SocketDir(),
		Store:          host.Store,
		Providers:      host.Providers,
		Scope:          scopeOf(cfg),
		SessionTimeout: cfg.SessionTimeout,
		ShutdownGrace:  cfg.ShutdownGrace,
		Logger:         logger,
	})
	if err == nil {
		err = server.Start()
	}
	if err != nil {
		host.Store.Close()
		return nil, fmt.Errorf("starting proxy: %w", err)
	}
	logger.Info("credential proxy started",
		"version", version.Info(),
		"socket", server.SocketPath(),
		"providers", host.Providers.Names(),
	)
	return &proxyHost{server: server, store: host.Store, grace: cfg.ShutdownGrace, logger: logger}, nil
}

// stop shuts the proxy down and closes the store.
func (h *proxyHost) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.grace+5*time.Second)
	defer cancel()
	err := h.server.Shutdown(ctx)
	if closeErr := h.store.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("closing store: %w", closeErr))
	}
	h.logger.Info("credential proxy stopped")
	return err
}

func (a *app) serveCommand() *command {
	return &command{
		name:    "serve",
		summary: "Run the credential proxy until interrupted",
		flags:   a.hostFlags,
		run: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			host, err := a.startProxy(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s=%s\n", credential.EnvSocket, host.server.SocketPath())
			<-ctx.Done()
			host.logger.Info("received shutdown signal")
			return host.stop()
		},
	}
}

func (a *app) execCommand() *command {
	return &command{
		name:    "exec",
		summary: "Start the proxy, run a command with " + credential.EnvSocket + " set, then stop",
		usage:   "credproxy exec [flags] -- <command> [args...]",
		flags:   a.hostFlags,
		run: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return errors.New("a command to run is required")
			}
			host, err := a.startProxy(ctx)
			if err != nil {
				return err
			}

			child := exec.CommandContext(ctx, args[0], args[1:]...)
			child.Stdin = a.stdin
			child.Stdout = a.stdout
			child.Stderr = a.stderr
			child.Env = append(os.Environ(), credential.EnvSocket+"="+host.server.SocketPath())
			child.Cancel = func() error { return child.Process.Signal(syscall.SIGTERM) }
			child.WaitDelay = childStopDelay

			runErr := child.Run()
			if stopErr := host.stop(); stopErr != nil {
				host.logger.Error("stopping credential proxy", "error", stopErr)
			}
			return runErr
		},
	}
}
