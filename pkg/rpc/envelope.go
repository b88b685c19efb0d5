// Package rpc runs the JSON-RPC session between the backend and the graph
// editor: a websocket client carrying requests both ways, a closed method
// dispatch table and the session state machine driving builds and
// simulations.
package rpc

// MessageType mirrors the editor's response envelope type values
type MessageType int

const (
	// MessageOK marks a successful response envelope.
	MessageOK MessageType = 0

	// MessageError marks a failed response envelope.
	MessageError MessageType = 1
)

// Envelope is the response payload shape the editor expects from every
// backend method
type Envelope struct {
	Type    MessageType `json:"type"`
	Content any         `json:"content"`
}

// OK wraps content in a success envelope
func OK(content any) Envelope {
	return Envelope{Type: MessageOK, Content: content}
}

// Error wraps a message in a failure envelope
func Error(msg string) Envelope {
	return Envelope{Type: MessageError, Content: msg}
}
