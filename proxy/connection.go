// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/credproxy/lib/ipc"
	"github.com/bureau-foundation/credproxy/lib/netutil"
)

const (
	// RequestsPerSecond is the sustained request rate allowed per
	// connection; the burst is the same size.
	RequestsPerSecond = 60

	// writeTimeout bounds a single response write.
	writeTimeout = 10 * time.Second

	readBufferSize = 16 * 1024
)

// connection is one accepted client.
type connection struct {
	server  *Server
	conn    *net.UnixConn
	peer    Peer
	logger  *slog.Logger
	decoder *ipc.Decoder
	limiter *rate.Limiter

	// version is the negotiated protocol version; zero until the
	// handshake completes. Only the read loop touches it.
	version int

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConnection(server *Server, conn *net.UnixConn, peer Peer) *connection {
	return &connection{
		server:  server,
		conn:    conn,
		peer:    peer,
		logger:  server.logger.With("peer", peer.Identity()),
		decoder: ipc.NewDecoder(),
		limiter: rate.NewLimiter(RequestsPerSecond, RequestsPerSecond),
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() { c.conn.Close() })
}

// serve reads frames until the peer disconnects or a protocol error
// ends the connection. The read deadline tracks the decoder so a
// partial frame cannot stall the connection.
func (c *connection) serve() {
	defer c.close()
	buffer := make([]byte, readBufferSize)
	for {
		deadline, _ := c.decoder.Deadline()
		c.conn.SetReadDeadline(deadline)

		n, err := c.conn.Read(buffer)
		if n > 0 {
			frames, feedErr := c.decoder.Feed(buffer[:n], time.Now())
			for _, frame := range frames {
				if !c.handleFrame(frame) {
					return
				}
			}
			if feedErr != nil {
				c.logger.Warn("closing connection on framing error", "error", feedErr)
				return
			}
		}
		if err != nil {
			switch {
			case netutil.IsTimeout(err) && c.decoder.Pending():
				c.logger.Warn("closing connection on partial frame timeout", "timeout", ipc.PartialFrameTimeout)
			case netutil.IsExpectedCloseError(err):
				c.logger.Debug("connection closed")
			default:
				c.logger.Warn("connection read failed", "error", err)
			}
			return
		}
	}
}

// handleFrame processes one frame. It returns false when the
// connection must close.
func (c *connection) handleFrame(frame []byte) bool {
	var request ipc.Request
	if err := json.Unmarshal(frame, &request); err != nil {
		c.logger.Warn("closing connection on malformed frame", "error", err)
		c.reply("", nil, ipc.InvalidRequest("malformed request envelope"))
		return false
	}

	if !c.limiter.AllowN(c.server.clock.Now(), 1) {
		c.logger.Warn("request rate limited", "op", request.Op)
		c.reply(request.ID, nil, ipc.RateLimited(time.Second, "more than %d requests per second", RequestsPerSecond))
		return true
	}

	if c.version == 0 {
		return c.handshake(&request)
	}
	if request.Op == ipc.OpHandshake {
		c.reply(request.ID, nil, ipc.InvalidRequest("handshake already completed"))
		return true
	}
	if request.ID == "" {
		c.reply("", nil, ipc.InvalidRequest("%s: missing id", request.Op))
		return true
	}

	if !c.server.beginRequest() {
		c.reply(request.ID, nil, ipc.Internal("proxy is shutting down"))
		return true
	}
	go func() {
		defer c.server.requests.Done()
		data, err := c.server.dispatch(c.server.ctx, c.peer, &request)
		c.reply(request.ID, data, err)
	}()
	return true
}

// handshake runs the version negotiation that must be the first
// request. A request for any other operation is rejected and the
// connection stays open; no common version closes it.
func (c *connection) handshake(request *ipc.Request) bool {
	if request.Op != ipc.OpHandshake {
		c.logger.Warn("request before handshake", "op", request.Op)
		c.reply(request.ID, nil, ipc.InvalidRequest("%s sent before handshake", request.Op))
		return true
	}
	var payload ipc.HandshakePayload
	if err := ipc.DecodePayload(request, &payload); err != nil {
		c.reply(request.ID, nil, err)
		return true
	}
	version, err := payload.Negotiate()
	if err != nil {
		c.logger.Warn("handshake failed", "min", payload.MinVersion, "max", payload.MaxVersion)
		c.reply(request.ID, nil, err)
		return false
	}
	c.version = version
	c.reply(request.ID, ipc.HandshakeResult{Version: version}, nil)
	return true
}

// reply writes a response. Successful data is checked for secret
// fields first; a hit is replaced by an INTERNAL_ERROR.
func (c *connection) reply(id string, data any, err error) {
	var response *ipc.Response
	if err != nil {
		response = ipc.Failure(id, err)
	} else {
		var encodeErr error
		response, encodeErr = ipc.Success(id, data)
		if encodeErr != nil {
			c.logger.Error("encoding response", "error", encodeErr)
			response = ipc.Failure(id, encodeErr)
		} else if guardErr := checkOutbound(response.Data); guardErr != nil {
			c.logger.Error("blocked response carrying a secret", "error", guardErr)
			response = ipc.Failure(id, ipc.Internal("response withheld"))
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if writeErr := ipc.WriteFrame(c.conn, response); writeErr != nil {
		if errors.Is(writeErr, ipc.ErrFrameTooLarge) {
			c.logger.Error("response exceeds frame limit", "id", id)
			ipc.WriteFrame(c.conn, ipc.Failure(id, ipc.Internal("response too large")))
			return
		}
		if !netutil.IsExpectedCloseError(writeErr) {
			c.logger.Debug("writing response", "error", writeErr)
		}
	}
}

