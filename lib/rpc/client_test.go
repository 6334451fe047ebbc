// Copyright 2026 The Fleetkey Authors
// SPDX-License-Identifier: Apache-2.0

package rpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"path/filepath"
	"testing"

	"github.com/fleetkey/fleetkey/lib/fault"
	"github.com/fleetkey/fleetkey/lib/rpc"
	"github.com/fleetkey/fleetkey/lib/rpc/rpctest"
	"github.com/fleetkey/fleetkey/lib/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestEnsureClusterKeys(t *testing.T) {
	var gotKeyDir string
	daemon := rpctest.Start(t, map[string]rpctest.Handler{
		rpc.MethodEnsureClusterKeys: func(params json.RawMessage) (any, error) {
			var decoded struct {
				KeyDir string `json:"key_dir"`
			}
			if err := json.Unmarshal(params, &decoded); err != nil {
				return nil, err
			}
			gotKeyDir = decoded.KeyDir
			return nil, nil
		},
	})

	client := rpc.NewClient(daemon.SocketPath, testLogger())
	if err := client.EnsureClusterKeys(context.Background(), "/var/lib/fleetkey/keys/staging"); err != nil {
		t.Fatalf("EnsureClusterKeys: %v", err)
	}
	if gotKeyDir != "/var/lib/fleetkey/keys/staging" {
		t.Fatalf("daemon saw key_dir %q", gotKeyDir)
	}
}

func TestRegisterNodes(t *testing.T) {
	daemon := rpctest.Start(t, map[string]rpctest.Handler{
		rpc.MethodRegisterNodes: func(json.RawMessage) (any, error) {
			return map[string]any{"nodes": []string{"pve1", "pve2"}}, nil
		},
	})

	client := rpc.NewClient(daemon.SocketPath, testLogger())
	nodes, err := client.RegisterNodes(context.Background())
	if err != nil {
		t.Fatalf("RegisterNodes: %v", err)
	}
	if len(nodes) != 2 || nodes[0] != "pve1" || nodes[1] != "pve2" {
		t.Fatalf("RegisterNodes: got %v", nodes)
	}
}

func TestDaemonReportedFailure(t *testing.T) {
	daemon := rpctest.Start(t, map[string]rpctest.Handler{
		rpc.MethodEnsureClusterKeys: func(json.RawMessage) (any, error) {
			return nil, errors.New("node pve3 unreachable")
		},
	})

	client := rpc.NewClient(daemon.SocketPath, testLogger())
	err := client.EnsureClusterKeys(context.Background(), "/keys/staging")
	if err == nil {
		t.Fatal("EnsureClusterKeys: expected error")
	}
	if !fault.Is(err, fault.CategoryRPC) {
		t.Fatalf("expected rpc fault, got %v", err)
	}
}

func TestAbsentSocketIsEnvironmentFault(t *testing.T) {
	client := rpc.NewClient(filepath.Join(t.TempDir(), "missing.sock"), testLogger())

	_, err := client.RegisterNodes(context.Background())
	if err == nil {
		t.Fatal("RegisterNodes: expected error")
	}
	if !fault.Is(err, fault.CategoryEnvironment) {
		t.Fatalf("expected environment fault, got %v", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected wrapped not-exist error, got %v", err)
	}
}

func TestMalformedResponseIsRPCFault(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "proxy.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	// A one-shot responder that answers every request with garbage.
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("not json\n"))
	}()

	client := rpc.NewClient(socketPath, testLogger())
	_, err = client.RegisterNodes(context.Background())
	if err == nil {
		t.Fatal("RegisterNodes: expected error for malformed response")
	}
	if !fault.Is(err, fault.CategoryRPC) {
		t.Fatalf("expected rpc fault, got %v", err)
	}
}

func TestUnknownMethodSurfacesDaemonError(t *testing.T) {
	daemon := rpctest.Start(t, nil)

	client := rpc.NewClient(daemon.SocketPath, testLogger())
	_, err := client.RegisterNodes(context.Background())
	if err == nil {
		t.Fatal("RegisterNodes: expected error")
	}
	if !fault.Is(err, fault.CategoryRPC) {
		t.Fatalf("expected rpc fault, got %v", err)
	}
}

func TestCallsRecorded(t *testing.T) {
	daemon := rpctest.Start(t, map[string]rpctest.Handler{
		rpc.MethodRegisterNodes: func(json.RawMessage) (any, error) {
			return map[string]any{"nodes": []string{}}, nil
		},
	})

	client := rpc.NewClient(daemon.SocketPath, testLogger())
	if _, err := client.RegisterNodes(context.Background()); err != nil {
		t.Fatalf("RegisterNodes: %v", err)
	}

	calls := daemon.Calls()
	if len(calls) != 1 || calls[0] != rpc.MethodRegisterNodes {
		t.Fatalf("Calls: got %v", calls)
	}
}
