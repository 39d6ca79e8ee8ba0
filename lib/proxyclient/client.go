// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxyclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/credproxy/lib/clock"
	"github.com/bureau-foundation/credproxy/lib/ipc"
	"github.com/bureau-foundation/credproxy/lib/netutil"
)

const (
	// DefaultRequestTimeout bounds the wait for a single response.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultIdleTimeout is how long an unused connection stays open.
	DefaultIdleTimeout = 5 * time.Minute

	readBufferSize = 16 * 1024
)

var (
	// ErrConnectionLost is returned by every call once the connection
	// closed for any reason other than an idle timeout or Close.
	ErrConnectionLost = errors.New("connection lost, restart session")

	// ErrRequestTimeout is returned when no response arrived in time.
	// The host may still complete the request.
	ErrRequestTimeout = errors.New("credential proxy request timed out")

	// ErrVersionMismatch is returned when the host speaks no protocol
	// version in common with this client. It is permanent.
	ErrVersionMismatch = errors.New("credential proxy protocol version mismatch")

	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("credential proxy client closed")
)

// Config configures a Client.
type Config struct {
	// SocketPath is the host's proxy socket, normally taken from
	// CREDPROXY_SOCKET.
	SocketPath string

	// RequestTimeout defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration

	// IdleTimeout defaults to DefaultIdleTimeout.
	IdleTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Client is a connection to the credential proxy. It is safe for
// concurrent use.
type Client struct {
	socketPath     string
	requestTimeout time.Duration
	idleTimeout    time.Duration
	clock          clock.Clock
	logger         *slog.Logger

	// dialMu serializes connecting so only one handshake runs at a
	// time.
	dialMu sync.Mutex

	mu     sync.Mutex
	link   *link
	failed error
	closed bool
}

// link is one connection and the requests waiting on it. Its fields
// other than conn and done are guarded by Client.mu.
type link struct {
	conn    net.Conn
	pending map[string]chan *ipc.Response
	idle    *clock.Timer

	// dropped is set once the connection has been closed and detached.
	dropped bool

	// err is what waiters see once done is closed.
	err  error
	done chan struct{}

	writeMu sync.Mutex
}

// New returns a Client for the socket at cfg.SocketPath. No connection
// is made until the first call.
func New(cfg Config) (*Client, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("proxyclient: socket path is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		socketPath:     cfg.SocketPath,
		requestTimeout: cfg.RequestTimeout,
		idleTimeout:    cfg.IdleTimeout,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
	}, nil
}

// SocketPath returns the socket this client talks to.
func (client *Client) SocketPath() string {
	return client.socketPath
}

// Call sends op with payload and decodes the response data into out,
// which may be nil. A failure response is returned as an *ipc.Error.
func (client *Client) Call(ctx context.Context, op ipc.Op, payload, out any) error {
	request, err := ipc.NewRequest(op, uuid.NewString(), payload)
	if err != nil {
		return err
	}
	current, waiter, err := client.register(ctx, request.ID)
	if err != nil {
		return err
	}
	response, err := client.roundTrip(ctx, current, request, waiter)
	if err != nil {
		return err
	}
	if err := response.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := response.Decode(out); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Close ends the connection. Calls in flight fail with ErrClosed, as
// do later calls.
func (client *Client) Close() error {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.closed {
		return nil
	}
	client.closed = true
	if client.link != nil {
		client.dropLocked(client.link, ErrClosed)
	}
	return nil
}

// unusableLocked returns the error every call fails with, if any.
func (client *Client) unusableLocked() error {
	if client.closed {
		return ErrClosed
	}
	return client.failed
}

// register ensures a connection exists and adds a waiter for id to
// it. The idle timer is pushed back under the same lock, so an idle
// close never races a new request.
func (client *Client) register(ctx context.Context, id string) (*link, chan *ipc.Response, error) {
	client.dialMu.Lock()
	defer client.dialMu.Unlock()

	client.mu.Lock()
	if err := client.unusableLocked(); err != nil {
		client.mu.Unlock()
		return nil, nil, err
	}
	current := client.link
	client.mu.Unlock()

	if current == nil {
		var err error
		if current, err = client.connect(ctx); err != nil {
			return nil, nil, err
		}
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.link != current {
		if err := client.unusableLocked(); err != nil {
			return nil, nil, err
		}
		return nil, nil, ErrConnectionLost
	}
	waiter := make(chan *ipc.Response, 1)
	current.pending[id] = waiter
	current.idle.Reset(client.idleTimeout)
	return current, waiter, nil
}

// connect dials the socket and runs the handshake. A failed dial
// leaves the client usable; a failed handshake does not.
func (client *Client) connect(ctx context.Context) (*link, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", client.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to credential proxy at %s: %w", client.socketPath, err)
	}
	current := &link{
		conn:    conn,
		pending: make(map[string]chan *ipc.Response),
		done:    make(chan struct{}),
	}

	request, err := ipc.NewRequest(ipc.OpHandshake, uuid.NewString(), ipc.HandshakePayload{
		MinVersion: ipc.MinVersion,
		MaxVersion: ipc.MaxVersion,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	waiter := make(chan *ipc.Response, 1)

	client.mu.Lock()
	if err := client.unusableLocked(); err != nil {
		client.mu.Unlock()
		conn.Close()
		return nil, err
	}
	current.pending[request.ID] = waiter
	client.link = current
	client.mu.Unlock()
	go client.readLoop(current)

	response, err := client.roundTrip(ctx, current, request, waiter)
	if err == nil {
		err = response.Err()
	}
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		client.mu.Lock()
		client.dropLocked(current, err)
		client.mu.Unlock()
		return nil, err
	}
	if err != nil {
		if ipc.CodeOf(err) == ipc.CodeUnknownVersion {
			err = fmt.Errorf("%w: %v", ErrVersionMismatch, err)
		} else if !errors.Is(err, ErrConnectionLost) && !errors.Is(err, ErrClosed) {
			err = fmt.Errorf("%w: handshake failed: %v", ErrConnectionLost, err)
		}
		client.fail(current, err)
		return nil, err
	}

	var result ipc.HandshakeResult
	if err := response.Decode(&result); err != nil {
		err = fmt.Errorf("%w: handshake: %v", ErrConnectionLost, err)
		client.fail(current, err)
		return nil, err
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if current.dropped {
		return nil, current.err
	}
	current.idle = client.clock.AfterFunc(client.idleTimeout, func() { client.idleExpired(current) })
	client.logger.Debug("connected to credential proxy", "socket", client.socketPath, "version", result.Version)
	return current, nil
}

// roundTrip writes request and waits for its response.
func (client *Client) roundTrip(ctx context.Context, current *link, request *ipc.Request, waiter chan *ipc.Response) (*ipc.Response, error) {
	current.writeMu.Lock()
	current.conn.SetWriteDeadline(time.Now().Add(client.requestTimeout))
	err := ipc.WriteFrame(current.conn, request)
	current.writeMu.Unlock()
	if err != nil {
		client.abandon(current, request.ID)
		if errors.Is(err, ipc.ErrFrameTooLarge) {
			return nil, fmt.Errorf("%s: %w", request.Op, err)
		}
		return nil, client.fail(current, ErrConnectionLost)
	}

	expired := make(chan struct{})
	timer := client.clock.AfterFunc(client.requestTimeout, func() { close(expired) })
	defer timer.Stop()

	select {
	case response := <-waiter:
		return response, nil
	case <-expired:
		client.abandon(current, request.ID)
		return nil, fmt.Errorf("%s: %w after %s", request.Op, ErrRequestTimeout, client.requestTimeout)
	case <-ctx.Done():
		client.abandon(current, request.ID)
		return nil, ctx.Err()
	case <-current.done:
		select {
		case response := <-waiter:
			return response, nil
		default:
		}
		client.mu.Lock()
		defer client.mu.Unlock()
		return nil, current.err
	}
}

// abandon forgets a waiter. A late response for it is discarded.
func (client *Client) abandon(current *link, id string) {
	client.mu.Lock()
	defer client.mu.Unlock()
	delete(current.pending, id)
}

func (client *Client) readLoop(current *link) {
	defer close(current.done)
	decoder := ipc.NewDecoder()
	buffer := make([]byte, readBufferSize)
	for {
		deadline, _ := decoder.Deadline()
		current.conn.SetReadDeadline(deadline)

		n, err := current.conn.Read(buffer)
		if n > 0 {
			frames, feedErr := decoder.Feed(buffer[:n], time.Now())
			for _, frame := range frames {
				if deliverErr := client.deliver(current, frame); deliverErr != nil {
					client.fail(current, fmt.Errorf("%w: %v", ErrConnectionLost, deliverErr))
					return
				}
			}
			if feedErr != nil {
				client.fail(current, fmt.Errorf("%w: %v", ErrConnectionLost, feedErr))
				return
			}
		}
		if err != nil {
			client.fail(current, ErrConnectionLost)
			return
		}
	}
}

// deliver routes one response frame to its waiter.
func (client *Client) deliver(current *link, frame []byte) error {
	var response ipc.Response
	if err := json.Unmarshal(frame, &response); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	waiter, ok := current.pending[response.ID]
	if !ok {
		client.logger.Debug("discarding response for an abandoned request", "id", response.ID)
		return nil
	}
	delete(current.pending, response.ID)
	waiter <- &response
	return nil
}

// fail closes current and makes the client permanently unusable with
// err. A connection the client already dropped on purpose is left
// alone. It returns the error waiters on current see.
func (client *Client) fail(current *link, err error) error {
	client.mu.Lock()
	defer client.mu.Unlock()
	if errors.Is(err, ErrVersionMismatch) && !client.closed {
		// The host closes after refusing the handshake; the mismatch
		// outranks the connection loss that follows.
		client.failed = err
		client.logger.Error("credential proxy speaks no common protocol version", "socket", client.socketPath, "error", err)
	}
	if current.dropped {
		return current.err
	}
	if client.failed == nil && !client.closed {
		client.failed = err
		client.logger.Warn("credential proxy connection lost", "socket", client.socketPath, "error", err)
	}
	client.dropLocked(current, err)
	return current.err
}

// dropLocked closes current and detaches it from the client. Waiters
// see err.
func (client *Client) dropLocked(current *link, err error) {
	if current.dropped {
		return
	}
	current.dropped = true
	current.err = err
	if current.idle != nil {
		current.idle.Stop()
	}
	if client.link == current {
		client.link = nil
	}
	if closeErr := current.conn.Close(); closeErr != nil && !netutil.IsExpectedCloseError(closeErr) {
		client.logger.Debug("closing proxy connection", "error", closeErr)
	}
}

// idleExpired closes a connection that has carried no request for the
// idle timeout. This is not a failure; the next call reconnects.
func (client *Client) idleExpired(current *link) {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.link != current || current.dropped {
		return
	}
	if len(current.pending) > 0 {
		current.idle.Reset(client.idleTimeout)
		return
	}
	client.logger.Debug("closing idle credential proxy connection", "idle", client.idleTimeout)
	client.dropLocked(current, ErrConnectionLost)
}
