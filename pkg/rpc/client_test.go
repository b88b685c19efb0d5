package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startClient(t *testing.T, handlers map[string]Handler) (*Client, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	client := NewClient(transport, handlers, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)
	t.Cleanup(func() { transport.Close() })
	return client, transport
}

func TestClientRequestMatchesResponseByID(t *testing.T) {
	client, transport := startClient(t, nil)

	// Answer whatever request comes out, echoing its id.
	go func() {
		data := <-transport.fromClient
		var req message
		require.NoError(t, json.Unmarshal(data, &req))
		assert.Equal(t, "ping", req.Method)

		resp, err := newResponse(req.ID, "pong")
		require.NoError(t, err)
		out, _ := json.Marshal(resp)
		transport.toClient <- out
	}()

	result, err := client.Request(context.Background(), "ping", map[string]any{})
	require.NoError(t, err)

	var text string
	require.NoError(t, json.Unmarshal(result, &text))
	assert.Equal(t, "pong", text)
}

func TestClientRequestPropagatesRemoteError(t *testing.T) {
	client, transport := startClient(t, nil)

	go func() {
		data := <-transport.fromClient
		var req message
		require.NoError(t, json.Unmarshal(data, &req))

		out, _ := json.Marshal(newErrorResponse(req.ID, &RPCError{Code: codeInternalError, Message: "boom"}))
		transport.toClient <- out
	}()

	_, err := client.Request(context.Background(), "ping", nil)
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "boom", rpcErr.Message)
}

func TestClientRequestFailsWhenConnectionDrops(t *testing.T) {
	client, transport := startClient(t, nil)

	done := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), "ping", nil)
		done <- err
	}()

	// Swallow the outgoing request, then kill the connection.
	<-transport.fromClient
	transport.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("request did not fail after the connection dropped")
	}

	_, err := client.Request(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClientDispatchesConcurrently(t *testing.T) {
	release := make(chan struct{})
	handlers := map[string]Handler{
		"slow": func(ctx context.Context, params json.RawMessage) (any, *RPCError) {
			<-release
			return "slow done", nil
		},
		"fast": func(ctx context.Context, params json.RawMessage) (any, *RPCError) {
			return "fast done", nil
		},
	}
	_, transport := startClient(t, handlers)

	send := func(id, method string) {
		req, err := newRequest(id, method, map[string]any{})
		require.NoError(t, err)
		data, _ := json.Marshal(req)
		transport.toClient <- data
	}

	send("1", "slow")
	send("2", "fast")

	// The fast response must arrive while the slow handler is blocked.
	var resp message
	select {
	case data := <-transport.fromClient:
		require.NoError(t, json.Unmarshal(data, &resp))
	case <-time.After(5 * time.Second):
		t.Fatal("no response while a slow handler was in flight")
	}
	assert.Equal(t, "2", resp.ID)

	close(release)
	select {
	case data := <-transport.fromClient:
		require.NoError(t, json.Unmarshal(data, &resp))
	case <-time.After(5 * time.Second):
		t.Fatal("slow handler response never arrived")
	}
	assert.Equal(t, "1", resp.ID)
}
