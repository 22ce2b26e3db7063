// Package mcp implements a JSON-RPC model-context-protocol client over
// pluggable transports. The bridge above it treats the connected process
// as an opaque correlated request/response channel: requests go out in
// order, responses are matched back by request id, and anything the
// server emits for another id is skipped.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
)

const (
	defaultProtocolVersion = "2025-06-18"
	defaultClientName      = "toolgate"
	defaultClientVersion   = "dev"
)

// Transport moves JSON-RPC messages to and from one server process.
type Transport interface {
	Send(ctx context.Context, message Message) error
	Receive(ctx context.Context) (Message, error)
	Close(ctx context.Context) error
}

// Options configures client identity and capabilities for the handshake.
type Options struct {
	ProtocolVersion string
	ClientInfo      ClientInfo
	Capabilities    map[string]any
}

func (o Options) withDefaults() Options {
	if o.ProtocolVersion == "" {
		o.ProtocolVersion = defaultProtocolVersion
	}
	if o.ClientInfo.Name == "" {
		o.ClientInfo.Name = defaultClientName
	}
	if o.ClientInfo.Version == "" {
		o.ClientInfo.Version = defaultClientVersion
	}
	return o
}

// Client drives one MCP session over a transport. It is safe for
// concurrent use, though callers that need strict request ordering must
// serialize above it.
type Client struct {
	transport Transport
	options   Options
	lastID    atomic.Int64

	mu          sync.Mutex
	initialized bool
	initResult  InitializeResult
}

// NewClient returns a client for the given transport. Zero option fields
// fall back to the bridge identity defaults.
func NewClient(transport Transport, options Options) *Client {
	return &Client{
		transport: transport,
		options:   options.withDefaults(),
	}
}

// Initialize runs the MCP initialize exchange and confirms it with the
// initialized notification. Repeat calls return the cached result.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	if c == nil {
		return InitializeResult{}, errors.New("mcp: client is nil")
	}

	c.mu.Lock()
	done, cached := c.initialized, c.initResult
	c.mu.Unlock()
	if done {
		return cached, nil
	}

	var result InitializeResult
	err := c.roundTrip(ctx, "initialize", InitializeParams{
		ProtocolVersion: c.options.ProtocolVersion,
		Capabilities:    maps.Clone(c.options.Capabilities),
		ClientInfo:      c.options.ClientInfo,
	}, &result)
	if err != nil {
		return InitializeResult{}, err
	}

	if err := c.notify(ctx, "notifications/initialized", map[string]any{}); err != nil {
		return InitializeResult{}, err
	}

	c.mu.Lock()
	c.initialized = true
	c.initResult = result
	c.mu.Unlock()

	return result, nil
}

// ListTools returns server tools from tools/list.
func (c *Client) ListTools(ctx context.Context) (ToolsListResult, error) {
	var result ToolsListResult
	if err := c.roundTrip(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return ToolsListResult{}, err
	}
	return result, nil
}

// CallTool executes an MCP tool by name with arguments.
func (c *Client) CallTool(ctx context.Context, params ToolsCallParams) (ToolsCallResult, error) {
	var result ToolsCallResult
	if err := c.roundTrip(ctx, "tools/call", params, &result); err != nil {
		return ToolsCallResult{}, err
	}
	return result, nil
}

// Close sends an MCP close notification and closes the transport.
func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.transport == nil {
		return nil
	}

	_ = c.notify(ctx, "close", map[string]any{})
	return c.transport.Close(ctx)
}

// roundTrip sends one request and blocks until the response with the
// matching id comes back, decoding its result into out.
func (c *Client) roundTrip(ctx context.Context, method string, params any, out any) error {
	if c == nil || c.transport == nil {
		return &RequestError{Method: method, Err: errors.New("transport is nil")}
	}

	paramsRaw, err := encodeParams(params)
	if err != nil {
		return &RequestError{Method: method, Err: err}
	}

	id := c.lastID.Add(1)
	err = c.transport.Send(ctx, Message{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsRaw,
	})
	if err != nil {
		return &RequestError{Method: method, Err: err}
	}

	response, err := c.awaitResponse(ctx, id)
	if err != nil {
		return &RequestError{Method: method, Err: err}
	}
	if response.Error != nil {
		return &RequestError{Method: method, Err: response.Error}
	}
	if out == nil || len(response.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(response.Result, out); err != nil {
		return &RequestError{Method: method, Err: fmt.Errorf("%w: decode result: %v", ErrMalformedOutput, err)}
	}
	return nil
}

// awaitResponse reads from the transport until the response for id
// arrives. Notifications and responses carrying any other id are
// skipped; that includes late answers to requests abandoned on timeout.
func (c *Client) awaitResponse(ctx context.Context, id int64) (Message, error) {
	for {
		response, err := c.transport.Receive(ctx)
		if err != nil {
			return Message{}, err
		}
		if response.JSONRPC != "" && response.JSONRPC != jsonRPCVersion {
			return Message{}, fmt.Errorf("%w: unsupported jsonrpc version %q", ErrMalformedOutput, response.JSONRPC)
		}
		if response.ID == id {
			return response, nil
		}
	}
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	if c == nil || c.transport == nil {
		return nil
	}
	paramsRaw, err := encodeParams(params)
	if err != nil {
		return &RequestError{Method: method, Err: err}
	}
	return c.transport.Send(ctx, Message{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  paramsRaw,
	})
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return data, nil
}
