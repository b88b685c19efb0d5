package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/vsd-backend/pkg/boardgen"
	"github.com/dd0wney/vsd-backend/pkg/build"
	"github.com/dd0wney/vsd-backend/pkg/env"
	"github.com/dd0wney/vsd-backend/pkg/logging"
	"github.com/dd0wney/vsd-backend/pkg/simulate"
	"github.com/dd0wney/vsd-backend/pkg/simulate/simtest"
	"github.com/dd0wney/vsd-backend/pkg/spec"
)

const testCatalog = `{
	"metadata": {},
	"nodes": [
		{"name": "STM32F103", "category": "SoC/Cortex-M",
		 "urls": {"rdp": "https://designer.antmicro.com/hardware/stm32f103"}},
		{"name": "Red LED", "category": "IO/LED"},
		{"name": "SHT4X", "category": "Sensors",
		 "urls": {"rdp": "https://designer.antmicro.com/hardware/sensirion_sht4x"},
		 "additionalData": {"compats": ["sensirion,sht4x"]}}
	]
}`

// graphDoc builds a dataflow document with the given peripheral nodes wired
// to SoC interfaces.
func graphDoc(peripherals string, edges string) map[string]any {
	doc := `{
		"graph": {
			"id": "graph-1", "name": "test board",
			"nodes": [
				{"id": "soc", "name": "STM32F103", "interfaces": [
					{"id": "if-gpio0", "name": "gpio0"},
					{"id": "if-i2c1", "name": "i2c1"}
				]}` + peripherals + `
			],
			"connections": [` + edges + `]
		}
	}`
	var v map[string]any
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		panic(err)
	}
	return v
}

func ledGraph() map[string]any {
	return graphDoc(`,
		{"id": "led-1a2b", "name": "Red LED",
		 "interfaces": [{"id": "if-l1", "name": "gpio"}],
		 "properties": [
			{"id": "p-addr", "name": "address (gpio)", "value": "0x5"},
			{"id": "p-active", "name": "active", "value": false}
		 ]}`,
		`{"from": "if-gpio0", "to": "if-l1"}`)
}

func testLogger() *logging.Logger {
	return logging.NewLogger(&bytes.Buffer{}, logging.ErrorLevel+1)
}

// fakeTransport is an in-memory Transport with channels for each direction
type fakeTransport struct {
	toClient   chan []byte
	fromClient chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		toClient:   make(chan []byte, 64),
		fromClient: make(chan []byte, 64),
		closed:     make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-t.toClient:
		return data, nil
	case <-t.closed:
		return nil, errors.New("transport closed")
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	select {
	case t.fromClient <- data:
		return nil
	case <-t.closed:
		return errors.New("transport closed")
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// editorRequest records one backend-initiated request as the editor saw it
type editorRequest struct {
	Method string
	Params map[string]any
}

// harness stands in for the editor: it serves the backend's requests with
// canned responses and lets tests call backend methods
type harness struct {
	t         *testing.T
	transport *fakeTransport
	client    *Client
	session   *Session
	cfg       *env.Config

	emu     *simtest.Emulation
	machine *simtest.Machine

	mu         sync.Mutex
	buildRan   bool
	received   []editorRequest
	consumed   []bool
	pending    map[string]chan *message
	properties map[string][]map[string]any
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		t:          t,
		transport:  newFakeTransport(),
		pending:    make(map[string]chan *message),
		properties: make(map[string][]map[string]any),
	}

	h.cfg = h.setupWorkspace()
	log := testLogger()

	catalog, err := spec.Parse([]byte(testCatalog), log)
	require.NoError(t, err)

	runner := build.NewRunner(h.cfg, log)
	runner.SetComposer(func(boardName, appPath, buildDir, boardsRoot string) string {
		h.mu.Lock()
		h.buildRan = true
		h.mu.Unlock()
		return fmt.Sprintf(`BUILD_DIR=%s
mkdir -p "$BUILD_DIR/zephyr"
printf '/ { chosen { zephyr,console = &usart1; }; };\n' > "$BUILD_DIR/zephyr/zephyr.dts"
printf 'elf' > "$BUILD_DIR/zephyr/zephyr.elf"
printf 'CONFIG_GPIO=y\n' > "$BUILD_DIR/zephyr/.config"
echo "building..."`, buildDir)
	})

	h.emu = simtest.NewEmulation()
	h.emu.Configure = func(m *simtest.Machine) { h.machine = m }

	h.session = NewSession(SessionConfig{
		Catalog:   catalog,
		Env:       h.cfg,
		Generator: boardgen.NewGenerator(h.cfg, log),
		Runner:    runner,
		Preparer:  simulate.NewFilePreparer(h.cfg, log, &simulate.CommandReplGenerator{Command: "cat"}),
		Emulator:  h.emu.Factory(),
		Log:       log,
		AppPath:   t.TempDir(),
	})
	h.client = NewClient(h.transport, h.session.Handlers(), nil, log)
	h.session.Bind(h.client)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.client.Run(ctx)
	go h.editorLoop()
	t.Cleanup(func() { h.transport.Close() })

	return h
}

// setupWorkspace builds a minimal workspace with one SoC's resources
func (h *harness) setupWorkspace() *env.Config {
	h.t.Helper()
	workspace := h.t.TempDir()
	zephyrBase := h.t.TempDir()

	socDir := filepath.Join(workspace, "visual-system-designer-resources", "zephyr-data", "socs", "stm32f103")
	require.NoError(h.t, os.MkdirAll(socDir, 0o755))
	require.NoError(h.t, os.WriteFile(filepath.Join(socDir, "configs.yaml"), []byte(`
vendor: st
board_socs:
  - name: stm32f103xb
defconfig_file: base_defconfig
`), 0o644))
	require.NoError(h.t, os.WriteFile(filepath.Join(socDir, "stm32f103.dts"),
		[]byte("/dts-v1/;\n/ { soc { }; };\n"), 0o644))
	require.NoError(h.t, os.WriteFile(filepath.Join(socDir, "overlay.dts"),
		[]byte("/ { chosen { zephyr,console = &usart1; }; };\n"), 0o644))
	require.NoError(h.t, os.WriteFile(filepath.Join(zephyrBase, "base_defconfig"),
		[]byte("CONFIG_SERIAL=y\n"), 0o644))

	return &env.Config{
		Workspace:  workspace,
		ZephyrBase: zephyrBase,
		ZephyrSDK:  h.t.TempDir(),
	}
}

// setProperties cans the properties_get response for a node
func (h *harness) setProperties(nodeID string, props []map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.properties[nodeID] = props
}

// editorLoop plays the editor: answers backend requests and routes responses
// to waiting test calls
func (h *harness) editorLoop() {
	for {
		var data []byte
		select {
		case data = <-h.transport.fromClient:
		case <-h.transport.closed:
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if !msg.isRequest() {
			h.routeResponse(&msg)
			continue
		}

		var params map[string]any
		json.Unmarshal(msg.Params, &params)
		h.mu.Lock()
		h.received = append(h.received, editorRequest{Method: msg.Method, Params: params})
		h.consumed = append(h.consumed, false)
		h.mu.Unlock()

		if msg.ID == nil {
			continue
		}
		var result any
		if msg.Method == "properties_get" {
			nodeID, _ := params["node_id"].(string)
			h.mu.Lock()
			result = h.properties[nodeID]
			h.mu.Unlock()
		}
		resp, err := newResponse(msg.ID, result)
		if err != nil {
			continue
		}
		out, _ := json.Marshal(resp)
		h.transport.toClient <- out
	}
}

func (h *harness) routeResponse(msg *message) {
	id, _ := msg.ID.(string)
	h.mu.Lock()
	ch, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	h.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// callAsync invokes a backend method and returns a channel with its response
func (h *harness) callAsync(method string, params any) <-chan *message {
	id := uuid.NewString()
	ch := make(chan *message, 1)
	h.mu.Lock()
	h.pending[id] = ch
	h.mu.Unlock()

	req, err := newRequest(id, method, params)
	require.NoError(h.t, err)
	data, err := json.Marshal(req)
	require.NoError(h.t, err)
	h.transport.toClient <- data
	return ch
}

// call invokes a backend method and waits for its response
func (h *harness) call(method string, params any) *message {
	select {
	case msg := <-h.callAsync(method, params):
		return msg
	case <-time.After(10 * time.Second):
		h.t.Fatalf("timed out waiting for %s response", method)
		return nil
	}
}

// envelope decodes a response's result as a backend envelope
func (h *harness) envelope(msg *message) Envelope {
	require.NotNil(h.t, msg)
	require.Nil(h.t, msg.Error, "expected a result, got rpc error")
	var envelope Envelope
	require.NoError(h.t, json.Unmarshal(msg.Result, &envelope))
	return envelope
}

// awaitRequest waits for the next unconsumed backend request with the given
// method
func (h *harness) awaitRequest(method string) editorRequest {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		for i, req := range h.received {
			if req.Method == method && !h.consumed[i] {
				h.consumed[i] = true
				h.mu.Unlock()
				return req
			}
		}
		h.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s request", method)
	return editorRequest{}
}

// requestsFor returns all recorded requests with the given method
func (h *harness) requestsFor(method string) []editorRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []editorRequest
	for _, req := range h.received {
		if req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

func (h *harness) buildDidRun() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buildRan
}

// waitFor polls cond until it holds or the timeout expires
func (h *harness) waitFor(what string, cond func() bool) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", what)
}
