// Copyright 2026 The Fleetkey Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpctest provides an in-process mock proxy daemon serving
// the rotation RPC wire contract over a real Unix socket. Tests
// register per-method handlers and inspect the calls the daemon
// received.
package rpctest

import (
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fleetkey/fleetkey/lib/rpc"
	"github.com/fleetkey/fleetkey/lib/testutil"
)

// Handler handles one method call. The returned value becomes the
// response's data field; a non-nil error produces success:false with
// the error text.
type Handler func(params json.RawMessage) (any, error)

// Daemon is a mock proxy daemon bound to a Unix socket.
type Daemon struct {
	// SocketPath is the Unix socket the daemon listens on.
	SocketPath string

	listener net.Listener

	mu       sync.Mutex
	handlers map[string]Handler
	calls    []string
}

// Start launches a mock daemon with the given handlers. The daemon
// listens on a socket in a short-named temp directory and shuts down
// when the test completes. Methods without a handler get a
// success:false response.
func Start(t *testing.T, handlers map[string]Handler) *Daemon {
	t.Helper()

	socketPath := filepath.Join(testutil.SocketDir(t), "proxy.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listening on %s: %v", socketPath, err)
	}

	daemon := &Daemon{
		SocketPath: socketPath,
		listener:   listener,
		handlers:   handlers,
	}
	t.Cleanup(func() { listener.Close() })

	go daemon.serve()
	return daemon
}

// Calls returns the method names received so far, in arrival order.
func (d *Daemon) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *Daemon) serve() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		go d.handleConnection(conn)
	}
}

// handleConnection processes a single request/response cycle,
// echoing the request's correlation ID into the response.
func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	var request rpc.Request
	if err := json.NewDecoder(conn).Decode(&request); err != nil {
		json.NewEncoder(conn).Encode(rpc.Response{Success: false, Error: "invalid request"})
		return
	}

	d.mu.Lock()
	d.calls = append(d.calls, request.Method)
	handler := d.handlers[request.Method]
	d.mu.Unlock()

	response := rpc.Response{CorrelationID: request.CorrelationID}
	if handler == nil {
		response.Error = "unknown method " + request.Method
	} else if data, err := handler(request.Params); err != nil {
		response.Error = err.Error()
	} else {
		response.Success = true
		if data != nil {
			encoded, err := json.Marshal(data)
			if err != nil {
				response.Success = false
				response.Error = "encoding response data: " + err.Error()
			} else {
				response.Data = encoded
			}
		}
	}

	json.NewEncoder(conn).Encode(response)
}
