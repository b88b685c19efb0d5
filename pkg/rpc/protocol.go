package rpc

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes used by the dispatcher.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// RPCError is a JSON-RPC 2.0 error object
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// message is the union shape of everything that can arrive on the wire: a
// request carries method, a response carries result or error.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// isRequest reports whether the message is an incoming call rather than a
// response to one of ours
func (m *message) isRequest() bool {
	return m.Method != ""
}

func newRequest(id, method string, params any) (*message, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("unencodable params for %s: %w", method, err)
	}
	msg := &message{JSONRPC: "2.0", Method: method, Params: data}
	if id != "" {
		msg.ID = id
	}
	return msg, nil
}

func newResponse(id any, result any) (*message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("unencodable result: %w", err)
	}
	return &message{JSONRPC: "2.0", ID: id, Result: data}, nil
}

func newErrorResponse(id any, rpcErr *RPCError) *message {
	return &message{JSONRPC: "2.0", ID: id, Error: rpcErr}
}
