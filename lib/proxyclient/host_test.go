// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxyclient

import (
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/credproxy/lib/clock"
	"github.com/bureau-foundation/credproxy/lib/ipc"
	"github.com/bureau-foundation/credproxy/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// handler answers one request. It may call reply later, from any
// goroutine, or never.
type handler func(request *ipc.Request, reply func(*ipc.Response), hangUp func())

// fakeHost is a scripted stand-in for the proxy server.
type fakeHost struct {
	t        *testing.T
	path     string
	listener net.Listener
	handle   handler

	// rejectVersion makes the handshake fail with UNKNOWN_VERSION.
	rejectVersion bool

	mu         sync.Mutex
	handshakes []ipc.HandshakePayload
	requests   []*ipc.Request
	hangups    chan int
	conns      []net.Conn
}

func newFakeHost(t *testing.T, handle handler) *fakeHost {
	t.Helper()
	return newFakeHostAt(t, filepath.Join(testutil.SocketDir(t), "proxy.sock"), handle)
}

func newFakeHostAt(t *testing.T, path string, handle handler) *fakeHost {
	t.Helper()
	listener, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listening on %s: %v", path, err)
	}
	host := &fakeHost{t: t, path: path, listener: listener, handle: handle, hangups: make(chan int, 16)}
	t.Cleanup(func() {
		listener.Close()
		host.mu.Lock()
		defer host.mu.Unlock()
		for _, conn := range host.conns {
			conn.Close()
		}
	})
	go host.accept()
	return host
}

func (host *fakeHost) accept() {
	for index := 0; ; index++ {
		conn, err := host.listener.Accept()
		if err != nil {
			return
		}
		host.mu.Lock()
		host.conns = append(host.conns, conn)
		host.mu.Unlock()
		go host.serve(index, conn)
	}
}

func (host *fakeHost) serve(index int, conn net.Conn) {
	var writeMu sync.Mutex
	reply := func(response *ipc.Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		ipc.WriteFrame(conn, response)
	}
	hangUp := func() { conn.Close() }

	decoder := ipc.NewDecoder()
	buffer := make([]byte, 4096)
	for {
		n, err := conn.Read(buffer)
		if err != nil {
			host.hangups <- index
			return
		}
		frames, err := decoder.Feed(buffer[:n], time.Now())
		if err != nil {
			conn.Close()
			return
		}
		for _, frame := range frames {
			var request ipc.Request
			if err := json.Unmarshal(frame, &request); err != nil {
				conn.Close()
				return
			}
			if request.Op == ipc.OpHandshake {
				var payload ipc.HandshakePayload
				json.Unmarshal(request.Payload, &payload)
				host.mu.Lock()
				host.handshakes = append(host.handshakes, payload)
				reject := host.rejectVersion
				host.mu.Unlock()
				if reject {
					reply(ipc.Failure(request.ID, ipc.UnknownVersion("server speaks 9..9")))
					conn.Close()
					return
				}
				reply(success(request.ID, ipc.HandshakeResult{Version: 1}))
				continue
			}
			host.mu.Lock()
			host.requests = append(host.requests, &request)
			host.mu.Unlock()
			host.handle(&request, reply, hangUp)
		}
	}
}

func (host *fakeHost) connections() int {
	host.mu.Lock()
	defer host.mu.Unlock()
	return len(host.handshakes)
}

func (host *fakeHost) received(op ipc.Op) []*ipc.Request {
	host.mu.Lock()
	defer host.mu.Unlock()
	var matching []*ipc.Request
	for _, request := range host.requests {
		if request.Op == op {
			matching = append(matching, request)
		}
	}
	return matching
}

func (host *fakeHost) client(t *testing.T, c clock.Clock) *Client {
	t.Helper()
	client, err := New(Config{SocketPath: host.path, Clock: c})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func success(id string, data any) *ipc.Response {
	response, err := ipc.Success(id, data)
	if err != nil {
		panic(err)
	}
	return response
}

// echoNames answers list_api_keys with a fixed list and get_api_key
// with the requested name as its value.
func echoNames(request *ipc.Request, reply func(*ipc.Response), _ func()) {
	switch request.Op {
	case ipc.OpListAPIKeys:
		reply(success(request.ID, []string{"alpha", "beta"}))
	case ipc.OpGetAPIKey:
		var ref ipc.APIKeyRef
		json.Unmarshal(request.Payload, &ref)
		reply(success(request.ID, ipc.APIKeyResult{Name: ref.Name, Value: "value-of-" + ref.Name}))
	default:
		reply(ipc.Failure(request.ID, ipc.InvalidRequest("unscripted %s", request.Op)))
	}
}
