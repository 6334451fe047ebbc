// Copyright 2026 The Fleetkey Authors
// SPDX-License-Identifier: Apache-2.0

// Package verify probes fleet nodes with a staged credential before
// it is promoted. Each probe opens one SSH connection authenticated
// only by the staged key and runs a read-only command; the report
// records pass/fail for every node.
//
// The engine deliberately attempts all nodes instead of failing
// fast: a blocked rotation with a complete picture of which nodes
// rejected the key is worth more to the operator than a fast abort
// that hides the other failures. Promotion requires zero failures —
// committing for the subset that passed would drift authorization
// across the fleet.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one node probe.
type Result struct {
	// Node is the identifier the daemon reported for this fleet member.
	Node string `cbor:"node" json:"node"`

	// OK is true when the staged key authenticated and the probe
	// command ran.
	OK bool `cbor:"ok" json:"ok"`

	// Message carries the failure diagnostic; empty on success.
	Message string `cbor:"message,omitempty" json:"message,omitempty"`

	// Elapsed is how long the probe took, including a timeout wait.
	Elapsed time.Duration `cbor:"elapsed" json:"elapsed"`
}

// Report aggregates probe results, one per node, in the order the
// nodes were supplied.
type Report struct {
	Results []Result `cbor:"results" json:"results"`
}

// Failed returns how many probes failed.
func (r *Report) Failed() int {
	failed := 0
	for _, result := range r.Results {
		if !result.OK {
			failed++
		}
	}
	return failed
}

// Engine runs verification probes with bounded parallelism.
type Engine struct {
	// User is the remote account the probe authenticates as.
	User string

	// Command is the read-only command run on each node.
	Command string

	// Timeout bounds each probe: dial, handshake, and command.
	Timeout time.Duration

	// Parallelism bounds concurrent probes. Values below 1 mean 1.
	Parallelism int

	// HostKeys verifies the remote host key. Use HostKeyFile to build
	// one from a known_hosts file, or AcceptAnyHostKey.
	HostKeys ssh.HostKeyCallback

	Logger *slog.Logger
}

// HostKeyFile returns a host key callback checking against an
// OpenSSH known_hosts file.
func HostKeyFile(path string) (ssh.HostKeyCallback, error) {
	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts %s: %w", path, err)
	}
	return callback, nil
}

// AcceptAnyHostKey returns a callback that accepts any host key. The
// probe's purpose is to verify the credential, not the host; this
// matches running ssh with strict host key checking disabled.
func AcceptAnyHostKey() ssh.HostKeyCallback {
	return ssh.InsecureIgnoreHostKey()
}

// Run probes every node with the staged signer and returns the
// aggregated report. The run is complete only when every dispatched
// probe has returned or timed out; a single slow node delays at most
// its own Timeout. There is no per-node retry — a transient failure
// blocks the rotation and the operator re-runs the tool.
func (e *Engine) Run(ctx context.Context, signer ssh.Signer, nodes []string) *Report {
	report := &Report{Results: make([]Result, len(nodes))}

	var mu sync.Mutex
	var group errgroup.Group
	limit := e.Parallelism
	if limit < 1 {
		limit = 1
	}
	group.SetLimit(limit)

	for index, node := range nodes {
		index, node := index, node
		group.Go(func() error {
			started := time.Now()
			err := e.probe(ctx, signer, node)
			result := Result{
				Node:    node,
				OK:      err == nil,
				Elapsed: time.Since(started),
			}
			if err != nil {
				result.Message = err.Error()
				e.Logger.Warn("node probe failed", "node", node, "error", err, "elapsed", result.Elapsed)
			} else {
				e.Logger.Info("node probe passed", "node", node, "elapsed", result.Elapsed)
			}

			mu.Lock()
			report.Results[index] = result
			mu.Unlock()
			return nil
		})
	}

	// Probes never return errors into the group; Wait is purely the
	// fan-in barrier.
	group.Wait()
	return report
}

// probe opens one SSH connection to the node using the staged key as
// the only auth method and runs the read-only command. The deadline
// on the raw connection bounds the handshake and the command
// together.
func (e *Engine) probe(ctx context.Context, signer ssh.Signer, node string) error {
	address := node
	if _, _, err := net.SplitHostPort(node); err != nil {
		address = net.JoinHostPort(node, "22")
	}

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", address, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(e.Timeout))

	hostKeys := e.HostKeys
	if hostKeys == nil {
		hostKeys = AcceptAnyHostKey()
	}
	clientConfig := &ssh.ClientConfig{
		User:            e.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         e.Timeout,
	}

	sshConn, channels, requests, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		return fmt.Errorf("ssh handshake with %s: %w", address, err)
	}
	client := ssh.NewClient(sshConn, channels, requests)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("opening session on %s: %w", address, err)
	}
	defer session.Close()

	output, err := session.CombinedOutput(e.Command)
	if err != nil {
		trimmed := strings.TrimSpace(string(output))
		if trimmed != "" {
			return fmt.Errorf("running %q on %s: %w (output: %s)", e.Command, address, err, trimmed)
		}
		return fmt.Errorf("running %q on %s: %w", e.Command, address, err)
	}
	return nil
}
