// Copyright 2026 The Fleetkey Authors
// SPDX-License-Identifier: Apache-2.0

package verify

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		t.Fatalf("NewSignerFromKey: %v", err)
	}
	return signer
}

// startSSHServer runs a minimal in-process SSH server that accepts
// public key auth for exactly the given key and answers every exec
// request with exit status 0. Returns the listen address.
func startSSHServer(t *testing.T, authorized ssh.PublicKey) string {
	t.Helper()

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key for %s", conn.User())
		},
	}
	config.AddHostKey(newSigner(t))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveConnection(conn, config)
		}
	}()

	return listener.Addr().String()
}

func serveConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()

	serverConn, channels, requests, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer serverConn.Close()
	go ssh.DiscardRequests(requests)

	for newChannel := range channels {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, channelRequests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer channel.Close()
			for request := range channelRequests {
				switch request.Type {
				case "exec":
					request.Reply(true, nil)
					channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
					return
				default:
					request.Reply(false, nil)
				}
			}
		}()
	}
}

func newEngine() *Engine {
	return &Engine{
		User:        "probe",
		Command:     "true",
		Timeout:     5 * time.Second,
		Parallelism: 2,
		Logger:      testLogger(),
	}
}

func TestProbePasses(t *testing.T) {
	signer := newSigner(t)
	address := startSSHServer(t, signer.PublicKey())

	report := newEngine().Run(context.Background(), signer, []string{address})
	if len(report.Results) != 1 {
		t.Fatalf("Results: got %d entries", len(report.Results))
	}
	if !report.Results[0].OK {
		t.Fatalf("probe failed: %s", report.Results[0].Message)
	}
	if report.Failed() != 0 {
		t.Fatalf("Failed: got %d", report.Failed())
	}
}

func TestProbeRejectedKey(t *testing.T) {
	stagedSigner := newSigner(t)
	otherSigner := newSigner(t)
	// The server only authorizes the other key, so the staged key is
	// rejected at auth.
	address := startSSHServer(t, otherSigner.PublicKey())

	report := newEngine().Run(context.Background(), stagedSigner, []string{address})
	result := report.Results[0]
	if result.OK {
		t.Fatal("probe passed with an unauthorized key")
	}
	if result.Message == "" {
		t.Fatal("failed probe carries no diagnostic message")
	}
}

func TestFullCoverageNoShortCircuit(t *testing.T) {
	signer := newSigner(t)
	goodAddress := startSSHServer(t, signer.PublicKey())

	// An address nothing listens on: dial fails fast with refused.
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	deadAddress := closed.Addr().String()
	closed.Close()

	nodes := []string{deadAddress, goodAddress, deadAddress}
	report := newEngine().Run(context.Background(), signer, nodes)

	if len(report.Results) != len(nodes) {
		t.Fatalf("Results: got %d entries, want %d", len(report.Results), len(nodes))
	}
	if report.Failed() != 2 {
		t.Fatalf("Failed: got %d, want 2", report.Failed())
	}
	// Order matches input, and the passing node is in the middle.
	if report.Results[0].OK || !report.Results[1].OK || report.Results[2].OK {
		t.Fatalf("result order wrong: %+v", report.Results)
	}
	if report.Results[1].Node != goodAddress {
		t.Fatalf("result node: got %q", report.Results[1].Node)
	}
}

func TestProbeTimeout(t *testing.T) {
	// A TCP listener that accepts but never speaks SSH.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			io.Copy(io.Discard, conn)
		}
	}()

	engine := newEngine()
	engine.Timeout = 300 * time.Millisecond

	started := time.Now()
	report := engine.Run(context.Background(), newSigner(t), []string{listener.Addr().String()})
	elapsed := time.Since(started)

	if report.Results[0].OK {
		t.Fatal("probe passed against a silent server")
	}
	if elapsed > 5*time.Second {
		t.Fatalf("probe did not respect its timeout: took %v", elapsed)
	}
}

func TestSerialParallelism(t *testing.T) {
	signer := newSigner(t)
	address := startSSHServer(t, signer.PublicKey())

	engine := newEngine()
	engine.Parallelism = 1

	report := engine.Run(context.Background(), signer, []string{address, address, address})
	if report.Failed() != 0 {
		t.Fatalf("Failed: got %d: %+v", report.Failed(), report.Results)
	}
}

func TestEmptyNodeList(t *testing.T) {
	report := newEngine().Run(context.Background(), newSigner(t), nil)
	if len(report.Results) != 0 || report.Failed() != 0 {
		t.Fatalf("empty node list: got %+v", report)
	}
}
