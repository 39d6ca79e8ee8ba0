// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

const defaultCallbackPath = "/callback"

// loopback captures one authorization redirect on 127.0.0.1.
type loopback struct {
	listener    net.Listener
	path        string
	redirectURL string
}

type callbackResult struct {
	code string
	err  error
}

// listenLoopback binds the listener a browser redirect lands on. A
// configured redirect URL pins the port and path; otherwise the kernel
// picks a free port.
func listenLoopback(configured string) (*loopback, error) {
	address := "127.0.0.1:0"
	path := defaultCallbackPath
	if configured != "" {
		parsed, err := url.Parse(configured)
		if err != nil {
			return nil, fmt.Errorf("parsing redirect_url: %w", err)
		}
		if host := parsed.Hostname(); host != "127.0.0.1" && host != "localhost" {
			return nil, fmt.Errorf("redirect_url %q must point at the loopback interface", configured)
		}
		address = net.JoinHostPort("127.0.0.1", parsed.Port())
		if parsed.Path != "" {
			path = parsed.Path
		}
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("binding loopback listener: %w", err)
	}
	return &loopback{
		listener:    listener,
		path:        path,
		redirectURL: "http://" + listener.Addr().String() + path,
	}, nil
}

// await serves until a redirect carrying the expected state arrives or
// ctx ends. The listener is closed on return.
func (l *loopback) await(ctx context.Context, state string) (string, error) {
	results := make(chan callbackResult, 1)
	deliver := func(result callbackResult) {
		select {
		case results <- result:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(l.path, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if subtle.ConstantTimeCompare([]byte(query.Get("state")), []byte(state)) != 1 {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		if denied := query.Get("error"); denied != "" {
			http.Error(w, "authorization failed: "+denied, http.StatusOK)
			deliver(callbackResult{err: fmt.Errorf("authorization denied: %s %s", denied, query.Get("error_description"))})
			return
		}
		code := query.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, "Login complete. You can close this window.")
		deliver(callbackResult{code: code})
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	served := make(chan error, 1)
	go func() { served <- server.Serve(l.listener) }()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	select {
	case result := <-results:
		return result.code, result.err
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			err = errors.New("loopback listener closed")
		}
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
