// Copyright 2026 The Fleetkey Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/fleetkey/fleetkey/lib/fault"
)

// defaultCallTimeout bounds a call when the caller's context carries
// no deadline. Key distribution touches every node the daemon
// manages, so this is generous.
const defaultCallTimeout = 60 * time.Second

// Client talks to the proxy daemon over its Unix socket. A Client is
// cheap and carries no connection state: each call dials, sends one
// request, reads one response, and closes.
type Client struct {
	socketPath string
	logger     *slog.Logger
}

// NewClient returns a client for the daemon socket at socketPath.
func NewClient(socketPath string, logger *slog.Logger) *Client {
	return &Client{socketPath: socketPath, logger: logger}
}

// EnsureClusterKeys instructs the daemon to push the public key found
// under keyDir to every node it manages, replacing any previously
// pushed rotation-owned key, and waits for the aggregate result.
func (c *Client) EnsureClusterKeys(ctx context.Context, keyDir string) error {
	params, err := json.Marshal(ensureClusterKeysParams{KeyDir: keyDir})
	if err != nil {
		return fault.RPC("encoding ensure_cluster_keys params: %w", err)
	}
	_, err = c.call(ctx, MethodEnsureClusterKeys, params)
	return err
}

// RegisterNodes returns the node identifiers the daemon currently
// manages.
func (c *Client) RegisterNodes(ctx context.Context) ([]string, error) {
	response, err := c.call(ctx, MethodRegisterNodes, json.RawMessage(`{}`))
	if err != nil {
		return nil, err
	}

	var data registerNodesData
	if err := json.Unmarshal(response.Data, &data); err != nil {
		return nil, fault.RPC("register_nodes: malformed node list: %w", err)
	}
	return data.Nodes, nil
}

// call performs one request/response cycle. Dial failures are
// environment faults (the daemon is assumed down); everything after a
// successful dial is an RPC fault.
func (c *Client) call(ctx context.Context, method string, params json.RawMessage) (*Response, error) {
	correlationID := uuid.NewString()
	logger := c.logger.With("method", method, "correlation_id", correlationID)

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fault.Environment("connecting to proxy daemon at %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	// Use the context's deadline if set, otherwise fall back to the
	// default call timeout.
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultCallTimeout)
	}
	conn.SetDeadline(deadline)

	logger.Debug("daemon call")
	request := Request{
		CorrelationID: correlationID,
		Method:        method,
		Params:        params,
	}
	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return nil, fault.RPC("sending %s request: %w", method, err)
	}

	var response Response
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return nil, fault.RPC("reading %s response: %w", method, err)
	}

	if !response.Success {
		if response.Error == "" {
			return nil, fault.RPC("%s failed: daemon reported failure without a message", method)
		}
		return nil, fault.RPC("%s failed: %s", method, response.Error)
	}

	logger.Debug("daemon call succeeded")
	return &response, nil
}
