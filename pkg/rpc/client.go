package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dd0wney/vsd-backend/pkg/logging"
	"github.com/dd0wney/vsd-backend/pkg/metrics"
)

// ErrClientClosed is returned from requests issued after the connection ended
var ErrClientClosed = errors.New("rpc client is closed")

// Transport is a message-oriented bidirectional connection to the editor
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// WebSocketTransport carries RPC messages over a websocket connection
type WebSocketTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

// DialWebSocket connects to the editor's websocket endpoint
func DialWebSocket(ctx context.Context, url string) (*WebSocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return &WebSocketTransport{conn: conn}, nil
}

// ReadMessage reads one message, discarding non-text frames
func (t *WebSocketTransport) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteMessage writes one text message
func (t *WebSocketTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying connection
func (t *WebSocketTransport) Close() error {
	return t.conn.Close()
}

// Handler serves one editor-called method. Returning an *RPCError produces a
// protocol-level error response; domain failures are reported inside the
// result envelope instead.
type Handler func(ctx context.Context, params json.RawMessage) (any, *RPCError)

// Client is a bidirectional JSON-RPC 2.0 endpoint: it serves the editor's
// calls through a closed dispatch table and issues its own requests back.
// All writes funnel through a single writer goroutine.
type Client struct {
	transport Transport
	log       *logging.Logger
	metrics   *metrics.Registry
	handlers  map[string]Handler

	outbound chan []byte
	done     chan struct{}

	mu      sync.Mutex
	pending map[string]chan *message
	closed  bool
}

// NewClient creates a client over the given transport. The handler table is
// closed after construction: methods the table doesn't name are rejected.
func NewClient(transport Transport, handlers map[string]Handler, reg *metrics.Registry, log *logging.Logger) *Client {
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Client{
		transport: transport,
		log:       log,
		metrics:   reg,
		handlers:  handlers,
		outbound:  make(chan []byte, 64),
		done:      make(chan struct{}),
		pending:   make(map[string]chan *message),
	}
}

// Run serves the connection until the transport fails or ctx is cancelled.
// Incoming requests are dispatched on their own goroutines so long-running
// methods don't stall the read loop.
func (c *Client) Run(ctx context.Context) error {
	go c.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			c.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("connection to editor lost: %w", err)
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("dropping undecodable message", logging.Error(err))
			continue
		}

		if msg.isRequest() {
			go c.dispatch(ctx, &msg)
			continue
		}
		c.deliver(&msg)
	}
}

// Close shuts the client down and fails all in-flight requests
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	close(c.done)
	c.transport.Close()
}

// Request calls a method on the editor and waits for its response
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.NewString()

	ch := make(chan *message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req, err := newRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClientClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// dispatch serves one incoming request and sends the response when the
// request carried an id
func (c *Client) dispatch(ctx context.Context, msg *message) {
	start := time.Now()

	handler, ok := c.handlers[msg.Method]
	if !ok {
		c.log.Warn("unknown method called", logging.String("method", msg.Method))
		c.metrics.RecordRPCRequest(msg.Method, "unknown", time.Since(start))
		if msg.ID != nil {
			c.send(newErrorResponse(msg.ID, &RPCError{
				Code:    codeMethodNotFound,
				Message: fmt.Sprintf("method %q is not supported", msg.Method),
			}))
		}
		return
	}

	result, rpcErr := handler(ctx, msg.Params)

	status := "ok"
	if rpcErr != nil {
		status = "error"
	}
	c.metrics.RecordRPCRequest(msg.Method, status, time.Since(start))

	if msg.ID == nil {
		return
	}

	if rpcErr != nil {
		c.send(newErrorResponse(msg.ID, rpcErr))
		return
	}
	resp, err := newResponse(msg.ID, result)
	if err != nil {
		c.log.Error("failed to encode response", logging.String("method", msg.Method), logging.Error(err))
		c.send(newErrorResponse(msg.ID, &RPCError{Code: codeInternalError, Message: "unencodable result"}))
		return
	}
	c.send(resp)
}

// deliver routes a response to the request that is waiting for it
func (c *Client) deliver(msg *message) {
	id, ok := msg.ID.(string)
	if !ok {
		c.log.Warn("dropping response with unexpected id type")
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn("dropping response for unknown request", logging.String("id", id))
		return
	}
	ch <- msg
}

func (c *Client) send(msg *message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("unencodable message: %w", err)
	}

	select {
	case c.outbound <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case data := <-c.outbound:
			if err := c.transport.WriteMessage(data); err != nil {
				c.log.Error("failed to write message", logging.Error(err))
			}
		case <-c.done:
			return
		}
	}
}
