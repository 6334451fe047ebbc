// Copyright 2026 The Fleetkey Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements the JSON request/response protocol the
// rotation controller speaks to the proxy daemon over its local Unix
// socket. One request and one response per connection; every request
// carries a correlation ID so daemon-side and controller-side logs
// can be joined.
//
// Two methods are used:
//
//	ensure_cluster_keys  push the public key under params.key_dir to
//	                     every managed node, replacing any previously
//	                     pushed rotation-owned key
//	register_nodes       list the node identifiers the daemon manages
//
// The client never retries: a half-applied distribution must surface
// to the operator, who re-runs the whole tool. Retrying silently
// inside the client could commit a partially distributed key.
package rpc

import "encoding/json"

// Method names understood by the proxy daemon.
const (
	MethodEnsureClusterKeys = "ensure_cluster_keys"
	MethodRegisterNodes     = "register_nodes"
)

// Request is the JSON request frame.
type Request struct {
	CorrelationID string          `json:"correlation_id"`
	Method        string          `json:"method"`
	Params        json.RawMessage `json:"params"`
}

// Response is the JSON response frame. Data is method-specific and
// left raw until the typed accessor decodes it.
type Response struct {
	CorrelationID string          `json:"correlation_id,omitempty"`
	Success       bool            `json:"success"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// ensureClusterKeysParams is the params object for ensure_cluster_keys.
type ensureClusterKeysParams struct {
	KeyDir string `json:"key_dir"`
}

// registerNodesData is the data object returned by register_nodes.
type registerNodesData struct {
	Nodes []string `json:"nodes"`
}
