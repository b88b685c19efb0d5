package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dd0wney/vsd-backend/pkg/events"
	"github.com/dd0wney/vsd-backend/pkg/graph"
	"github.com/dd0wney/vsd-backend/pkg/logging"
	"github.com/dd0wney/vsd-backend/pkg/simulate"
)

func (s *Session) handleSpecificationGet(_ context.Context, _ json.RawMessage) (any, *RPCError) {
	return OK(s.catalog.Document()), nil
}

func (s *Session) handleAppCapabilitiesGet(_ context.Context, _ json.RawMessage) (any, *RPCError) {
	return map[string]any{
		"stoppable_methods": []string{"dataflow_run", "custom_build"},
	}, nil
}

// handleDataflowImport accepts an externally saved graph document. The saved
// format is the editor's own, so the content passes through unchanged; only
// the session's property registries are reset.
func (s *Session) handleDataflowImport(_ context.Context, params json.RawMessage) (any, *RPCError) {
	var p struct {
		Dataflow string `json:"external_application_dataflow"`
		Mime     string `json:"mime"`
		Base64   bool   `json:"base64"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: err.Error()}
	}

	text := p.Dataflow
	if p.Base64 {
		decoded, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return Error(fmt.Sprintf("Can't decode the imported file: %v", err)), nil
		}
		text = string(decoded)
	}

	var dataflow any
	if err := json.Unmarshal([]byte(text), &dataflow); err != nil {
		return Error(fmt.Sprintf("The imported file is not a valid graph: %v", err)), nil
	}

	s.resetDataflowState()
	return OK(dataflow), nil
}

// handleDataflowExport saves the current graph under its derived name
func (s *Session) handleDataflowExport(_ context.Context, params json.RawMessage) (any, *RPCError) {
	dataflow, rpcErr := decodeDataflow(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	g, err := graph.ParseValue(dataflow, s.catalog, s.log)
	if err != nil {
		s.log.Error("can't parse graph for export", logging.Error(err))
		return Error("Graph couldn't be saved."), nil
	}

	data, err := json.Marshal(dataflow)
	if err != nil {
		return Error("Graph couldn't be saved."), nil
	}

	destFile := filepath.Join(s.env.SaveDir(), g.Name+".json")
	if err := os.MkdirAll(filepath.Dir(destFile), 0o755); err != nil {
		s.log.Error("can't create save directory", logging.Error(err))
		return Error("Graph couldn't be saved."), nil
	}
	if err := os.WriteFile(destFile, data, 0o644); err != nil {
		s.log.Error("can't save graph", logging.Error(err))
		return Error("Graph couldn't be saved."), nil
	}

	return OK(fmt.Sprintf("Graph saved in %s", destFile)), nil
}

func (s *Session) handleDataflowRun(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	dataflow, rpcErr := decodeDataflow(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	s.mu.Lock()
	if s.runActive {
		s.mu.Unlock()
		return Error("A simulation is already running."), nil
	}
	s.runActive = true
	s.stopSimulation = events.NewSignal()
	stop := s.stopSimulation
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.runActive = false
		s.stopSimulation = nil
		s.mu.Unlock()
	}()

	s.sendProgress(ctx, "dataflow_run", -1)
	return s.handleRun(ctx, dataflow, stop), nil
}

func (s *Session) handleCustomBuild(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	dataflow, rpcErr := decodeDataflow(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	g, err := graph.ParseValue(dataflow, s.catalog, s.log)
	if err != nil {
		s.log.Error("can't parse graph", logging.Error(err))
		return Error("Build failed."), nil
	}

	stop, ok := s.acquireBuild()
	if !ok {
		return Error("A build is already running."), nil
	}
	defer s.releaseBuild()

	s.sendProgress(ctx, "custom_build", -1)
	if err := s.build(ctx, g, stop); err != nil {
		s.log.Error("build failed", logging.Error(err))
		s.notify(ctx, "error", "Build failed", err.Error())
		return Error("Build failed."), nil
	}
	s.notify(ctx, "info", "Build succeeded", "")
	return OK("Build succeeded."), nil
}

// handleDataflowStop routes a stop request to the in-flight operation by the
// method name it was started with
func (s *Session) handleDataflowStop(_ context.Context, params json.RawMessage) (any, *RPCError) {
	var p struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch p.Method {
	case "dataflow_run":
		if s.stopSimulation != nil {
			s.stopSimulation.Set()
		}
	case "custom_build":
		if s.stopBuild != nil {
			s.stopBuild.Set()
		}
	default:
		s.log.Warn("unrecognized method to stop", logging.String("method", p.Method))
	}
	return OK("Stopped."), nil
}

func (s *Session) handleNodesOnChange(_ context.Context, _ json.RawMessage) (any, *RPCError) {
	s.touchGraph()
	return nil, nil
}

// handlePropertiesOnChange fires registered property callbacks and records a
// graph change unless every changed property is marked ignored. Simulation
// feedback writes only to ignored properties, so they never invalidate the
// built artifacts.
func (s *Session) handlePropertiesOnChange(_ context.Context, params json.RawMessage) (any, *RPCError) {
	var p struct {
		GraphID    string           `json:"graph_id"`
		NodeID     string           `json:"node_id"`
		Properties []editorProperty `json:"properties"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: err.Error()}
	}

	allIgnored := true
	var callbacks []func()
	s.mu.Lock()
	for _, prop := range p.Properties {
		key := propKey{p.GraphID, p.NodeID, prop.ID}
		if _, ok := s.ignoredProps[key]; !ok {
			allIgnored = false
		}
		if cb, ok := s.propCallbacks[key]; ok {
			value := prop.NewValue
			fn := cb
			callbacks = append(callbacks, func() { fn(value) })
		}
	}
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}

	if allIgnored {
		s.log.Debug("property changes ignored", logging.String("node", p.NodeID))
		return nil, nil
	}

	s.touchGraph()
	return nil, nil
}

func (s *Session) handleConnectionsOnChange(_ context.Context, _ json.RawMessage) (any, *RPCError) {
	s.touchGraph()
	return nil, nil
}

func (s *Session) handleGraphOnChange(_ context.Context, _ json.RawMessage) (any, *RPCError) {
	s.touchGraph()
	return nil, nil
}

// handleNoOpChange absorbs editor events that don't affect the generated
// artifacts, like metadata and node-position updates
func (s *Session) handleNoOpChange(_ context.Context, _ json.RawMessage) (any, *RPCError) {
	return nil, nil
}

// handleTerminalRead feeds text typed into an editor terminal back into the
// matching simulated UART
func (s *Session) handleTerminalRead(_ context.Context, params json.RawMessage) (any, *RPCError) {
	var p struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: err.Error()}
	}

	s.mu.Lock()
	uart, ok := s.terminalUARTs[p.Name]
	s.mu.Unlock()
	if !ok {
		s.log.Warn("uart not found for terminal", logging.String("terminal", p.Name))
		return nil, nil
	}

	simulate.WriteString(uart, p.Message)
	return nil, nil
}

// decodeDataflow extracts the dataflow value from method params
func decodeDataflow(params json.RawMessage) (any, *RPCError) {
	var p struct {
		Dataflow any `json:"dataflow"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: err.Error()}
	}
	return p.Dataflow, nil
}
