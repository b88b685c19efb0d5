package rpc

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecificationGet(t *testing.T) {
	h := newHarness(t)

	envelope := h.envelope(h.call("specification_get", map[string]any{}))
	assert.Equal(t, MessageOK, envelope.Type)

	doc, ok := envelope.Content.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, doc, "nodes")
	assert.Contains(t, doc, "metadata")
}

func TestAppCapabilitiesGet(t *testing.T) {
	h := newHarness(t)

	msg := h.call("app_capabilities_get", map[string]any{})
	require.Nil(t, msg.Error)

	var caps struct {
		StoppableMethods []string `json:"stoppable_methods"`
	}
	require.NoError(t, json.Unmarshal(msg.Result, &caps))
	assert.Equal(t, []string{"dataflow_run", "custom_build"}, caps.StoppableMethods)
}

func TestUnknownMethodRejected(t *testing.T) {
	h := newHarness(t)

	msg := h.call("bogus_method", map[string]any{})
	require.NotNil(t, msg.Error)
	assert.Equal(t, codeMethodNotFound, msg.Error.Code)
}

func TestDataflowExportSavesGraph(t *testing.T) {
	h := newHarness(t)

	envelope := h.envelope(h.call("dataflow_export", map[string]any{"dataflow": ledGraph()}))
	assert.Equal(t, MessageOK, envelope.Type)

	savedPath := filepath.Join(h.cfg.SaveDir(), "test_board.json")
	assert.Contains(t, envelope.Content, savedPath)

	data, err := os.ReadFile(savedPath)
	require.NoError(t, err)
	var saved map[string]any
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.Contains(t, saved, "graph")
}

func TestDataflowImportPassesDocumentThrough(t *testing.T) {
	h := newHarness(t)

	// A leftover registry entry from a previous graph must not survive the
	// import.
	h.session.mu.Lock()
	h.session.ignoredProps[propKey{"old", "old", "old"}] = struct{}{}
	h.session.mu.Unlock()

	doc, err := json.Marshal(ledGraph())
	require.NoError(t, err)

	envelope := h.envelope(h.call("dataflow_import", map[string]any{
		"external_application_dataflow": base64.StdEncoding.EncodeToString(doc),
		"mime":                          "application/json",
		"base64":                        true,
	}))
	assert.Equal(t, MessageOK, envelope.Type)

	imported, ok := envelope.Content.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, imported, "graph")

	h.session.mu.Lock()
	defer h.session.mu.Unlock()
	assert.Empty(t, h.session.ignoredProps, "import must reset the property registries")
}

func TestDataflowImportRejectsGarbage(t *testing.T) {
	h := newHarness(t)

	envelope := h.envelope(h.call("dataflow_import", map[string]any{
		"external_application_dataflow": "not json at all",
		"mime":                          "application/json",
		"base64":                        false,
	}))
	assert.Equal(t, MessageError, envelope.Type)
}

func TestPropertiesOnChangeSuppression(t *testing.T) {
	h := newHarness(t)
	s := h.session

	s.mu.Lock()
	s.ignoredProps[propKey{"g1", "n1", "p1"}] = struct{}{}
	before := s.lastGraphChange
	s.mu.Unlock()

	// All changed properties ignored: the change timestamp must not move.
	h.call("properties_on_change", map[string]any{
		"graph_id": "g1",
		"node_id":  "n1",
		"properties": []map[string]any{
			{"id": "p1", "new_value": true},
		},
	})
	s.mu.Lock()
	assert.Equal(t, before, s.lastGraphChange)
	s.mu.Unlock()

	// One non-ignored property: the timestamp moves.
	h.call("properties_on_change", map[string]any{
		"graph_id": "g1",
		"node_id":  "n1",
		"properties": []map[string]any{
			{"id": "p1", "new_value": true},
			{"id": "p2", "new_value": 7},
		},
	})
	s.mu.Lock()
	assert.True(t, s.lastGraphChange.After(before))
	s.mu.Unlock()
}

func TestPropertiesOnChangeFiresCallback(t *testing.T) {
	h := newHarness(t)
	s := h.session

	var got any
	s.mu.Lock()
	s.propCallbacks[propKey{"g1", "n1", "p-temp"}] = func(value any) { got = value }
	s.mu.Unlock()

	h.call("properties_on_change", map[string]any{
		"graph_id": "g1",
		"node_id":  "n1",
		"properties": []map[string]any{
			{"id": "p-temp", "new_value": 21.5},
		},
	})

	assert.Equal(t, 21.5, got)
}

func TestGraphChangesMoveTheTimestamp(t *testing.T) {
	h := newHarness(t)
	s := h.session

	for _, method := range []string{"nodes_on_change", "connections_on_change", "graph_on_change"} {
		s.mu.Lock()
		before := s.lastGraphChange
		s.mu.Unlock()

		h.call(method, map[string]any{"graph_id": "g1"})

		s.mu.Lock()
		assert.True(t, s.lastGraphChange.After(before), method)
		s.mu.Unlock()
	}
}

func TestCosmeticChangesDoNotMoveTheTimestamp(t *testing.T) {
	h := newHarness(t)
	s := h.session

	s.mu.Lock()
	before := s.lastGraphChange
	s.mu.Unlock()

	h.call("metadata_on_change", map[string]any{"metadata": map[string]any{}})
	h.call("position_on_change", map[string]any{"graph_id": "g1", "node_id": "n1"})

	s.mu.Lock()
	assert.Equal(t, before, s.lastGraphChange)
	s.mu.Unlock()
}

func TestDataflowStopUnknownMethodIsStillOK(t *testing.T) {
	h := newHarness(t)

	envelope := h.envelope(h.call("dataflow_stop", map[string]any{"method": "mystery_method"}))
	assert.Equal(t, MessageOK, envelope.Type)
	assert.Equal(t, "Stopped.", envelope.Content)
}

func TestTerminalReadWithoutTerminalIsIgnored(t *testing.T) {
	h := newHarness(t)

	msg := h.call("terminal_read", map[string]any{"name": "nope", "message": "x"})
	assert.Nil(t, msg.Error)
}

func TestDataflowRunBusy(t *testing.T) {
	h := newHarness(t)

	h.session.mu.Lock()
	h.session.runActive = true
	h.session.mu.Unlock()

	envelope := h.envelope(h.call("dataflow_run", map[string]any{"dataflow": ledGraph()}))
	assert.Equal(t, MessageError, envelope.Type)
	assert.Equal(t, "A simulation is already running.", envelope.Content)
}

func TestCustomBuildBusy(t *testing.T) {
	h := newHarness(t)

	h.session.mu.Lock()
	h.session.buildActive = true
	h.session.mu.Unlock()

	envelope := h.envelope(h.call("custom_build", map[string]any{"dataflow": ledGraph()}))
	assert.Equal(t, MessageError, envelope.Type)
	assert.Equal(t, "A build is already running.", envelope.Content)
}
