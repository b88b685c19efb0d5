package rpc

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/dd0wney/vsd-backend/pkg/boardgen"
	"github.com/dd0wney/vsd-backend/pkg/build"
	"github.com/dd0wney/vsd-backend/pkg/env"
	"github.com/dd0wney/vsd-backend/pkg/events"
	"github.com/dd0wney/vsd-backend/pkg/logging"
	"github.com/dd0wney/vsd-backend/pkg/metrics"
	"github.com/dd0wney/vsd-backend/pkg/simulate"
	"github.com/dd0wney/vsd-backend/pkg/spec"
)

// backendTerminal is the editor terminal receiving backend logs and build
// output.
const backendTerminal = "backend-logs"

// propKey uniquely identifies a property across graphs and nodes
type propKey struct {
	graphID string
	nodeID  string
	propID  string
}

// SessionConfig carries the collaborators a session needs
type SessionConfig struct {
	Catalog   *spec.Catalog
	Env       *env.Config
	Generator *boardgen.Generator
	Runner    *build.Runner
	Preparer  *simulate.FilePreparer
	Emulator  simulate.Factory
	Metrics   *metrics.Registry
	Log       *logging.Logger

	// AppPath is the application source directory, or the template
	// directory when AppTemplate is set.
	AppPath string

	// AppTemplate selects template expansion of the application sources
	// before each build.
	AppTemplate bool
}

// Session is the per-connection state of one editor session: the property
// registries, the change timestamp driving staleness, the live simulation's
// terminals and the stop signals for in-flight operations.
type Session struct {
	catalog   *spec.Catalog
	env       *env.Config
	generator *boardgen.Generator
	runner    *build.Runner
	preparer  *simulate.FilePreparer
	emulate   simulate.Factory
	metrics   *metrics.Registry
	log       *logging.Logger

	appPath     string
	appGenerate bool

	client *Client
	tasks  chan func()
	done   chan struct{}

	mu              sync.Mutex
	lastGraphChange time.Time
	ignoredProps    map[propKey]struct{}
	propCallbacks   map[propKey]func(value any)
	terminalUARTs   map[string]simulate.UART
	stopSimulation  *events.Signal
	stopBuild       *events.Signal
	runActive       bool
	buildActive     bool
}

// NewSession creates a session. The last-change timestamp starts at "now" so
// artifacts predating the session are never trusted.
func NewSession(cfg SessionConfig) *Session {
	log := cfg.Log
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	reg := cfg.Metrics
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Session{
		catalog:         cfg.Catalog,
		env:             cfg.Env,
		generator:       cfg.Generator,
		runner:          cfg.Runner,
		preparer:        cfg.Preparer,
		emulate:         cfg.Emulator,
		metrics:         reg,
		log:             log,
		appPath:         cfg.AppPath,
		appGenerate:     cfg.AppTemplate,
		lastGraphChange: time.Now(),
		ignoredProps:    make(map[propKey]struct{}),
		propCallbacks:   make(map[propKey]func(value any)),
		terminalUARTs:   make(map[string]simulate.UART),
	}
}

// Bind attaches the session to a client, starts the ordered task queue that
// marshals emulator-thread callbacks onto one goroutine and mirrors backend
// logs into the editor's terminal
func (s *Session) Bind(c *Client) {
	s.client = c
	s.done = c.done

	s.tasks = make(chan func(), 256)
	go func() {
		for {
			select {
			case fn := <-s.tasks:
				fn()
			case <-c.done:
				return
			}
		}
	}()

	s.log.SetMirror(func(line string) {
		// Mirrored from inside the logger, so the write must not block
		// and must not log.
		s.scheduleDrop(func() {
			s.terminalWrite(context.Background(), backendTerminal, line)
		})
	})
}

// schedule queues fn on the session's task goroutine, preserving submission
// order. The queue hand-off is lossless: when the editor falls behind, the
// emulator's callback thread blocks here until the queue drains. Tasks are
// only abandoned when the session ends.
func (s *Session) schedule(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.done:
	}
}

// scheduleDrop queues fn without ever blocking, dropping it when the queue is
// full. Only the log mirror uses it: it runs inside the logger, and losing a
// mirrored line beats stalling whoever logged it.
func (s *Session) scheduleDrop(fn func()) {
	select {
	case s.tasks <- fn:
	default:
	}
}

// Handlers returns the closed dispatch table for this session
func (s *Session) Handlers() map[string]Handler {
	return map[string]Handler{
		"specification_get":     s.handleSpecificationGet,
		"app_capabilities_get":  s.handleAppCapabilitiesGet,
		"dataflow_import":       s.handleDataflowImport,
		"dataflow_export":       s.handleDataflowExport,
		"dataflow_run":          s.handleDataflowRun,
		"custom_build":          s.handleCustomBuild,
		"dataflow_stop":         s.handleDataflowStop,
		"nodes_on_change":       s.handleNodesOnChange,
		"properties_on_change":  s.handlePropertiesOnChange,
		"connections_on_change": s.handleConnectionsOnChange,
		"graph_on_change":       s.handleGraphOnChange,
		"metadata_on_change":    s.handleNoOpChange,
		"position_on_change":    s.handleNoOpChange,
		"terminal_read":         s.handleTerminalRead,
	}
}

// touchGraph records that the graph changed, invalidating built artifacts
func (s *Session) touchGraph() {
	s.mu.Lock()
	s.lastGraphChange = time.Now()
	s.mu.Unlock()
	s.log.Debug("graph change recorded")
}

// resetDataflowState drops the property registries; a freshly imported graph
// starts clean
func (s *Session) resetDataflowState() {
	s.mu.Lock()
	s.ignoredProps = make(map[propKey]struct{})
	s.propCallbacks = make(map[propKey]func(value any))
	s.mu.Unlock()
}

// terminalAdd asks the editor to create a terminal
func (s *Session) terminalAdd(ctx context.Context, name string, readonly bool) {
	_, err := s.client.Request(ctx, "terminal_add", map[string]any{
		"name":     name,
		"readonly": readonly,
	})
	if err != nil && !s.closedErr(err) {
		s.log.Debug("terminal_add failed", logging.String("terminal", name))
	}
}

// terminalWrite forwards text to an editor terminal, normalizing line
// endings for the terminal widget
func (s *Session) terminalWrite(ctx context.Context, name, msg string) {
	_, _ = s.client.Request(ctx, "terminal_write", map[string]any{
		"name":    name,
		"message": strings.ReplaceAll(msg, "\n", "\r\n"),
	})
}

// sendProgress notifies the editor about a stoppable method's progress. The
// editor renders -1 as an indeterminate spinner.
func (s *Session) sendProgress(ctx context.Context, method string, progress int) {
	_, err := s.client.Request(ctx, "progress_change", map[string]any{
		"method":   method,
		"progress": progress,
	})
	if err != nil && !s.closedErr(err) {
		s.log.Debug("progress_change failed", logging.String("method", method))
	}
}

// notify raises a toast notification in the editor
func (s *Session) notify(ctx context.Context, typ, title, details string) {
	_, err := s.client.Request(ctx, "notification_send", map[string]any{
		"type":    typ,
		"title":   title,
		"details": details,
	})
	if err != nil && !s.closedErr(err) {
		s.log.Debug("notification_send failed", logging.String("title", title))
	}
}

func (s *Session) closedErr(err error) bool {
	return err == ErrClientClosed
}

// ignoreProperty resolves a property name to its id via the editor and marks
// it so its changes don't invalidate built artifacts
func (s *Session) ignoreProperty(ctx context.Context, graphID, nodeID, propName string) error {
	props, err := s.fetchProperties(ctx, graphID, nodeID)
	if err != nil {
		return err
	}
	for _, prop := range props {
		if prop.Name == propName {
			s.mu.Lock()
			s.ignoredProps[propKey{graphID, nodeID, prop.ID}] = struct{}{}
			s.mu.Unlock()
			s.log.Debug("ignoring property changes",
				logging.String("node", nodeID),
				logging.String("property", prop.ID))
			break
		}
	}
	return nil
}

// addPropertyCallback resolves a property name to its id via the editor,
// registers a change callback for it and seeds the callback with the
// property's current value
func (s *Session) addPropertyCallback(ctx context.Context, graphID, nodeID, propName string, callback func(value any)) error {
	props, err := s.fetchProperties(ctx, graphID, nodeID)
	if err != nil {
		return err
	}
	for _, prop := range props {
		if prop.Name == propName {
			s.mu.Lock()
			s.propCallbacks[propKey{graphID, nodeID, prop.ID}] = callback
			s.mu.Unlock()
			callback(prop.Value)
			s.log.Debug("property callback registered",
				logging.String("node", nodeID),
				logging.String("property", prop.ID))
			break
		}
	}
	return nil
}

// editorProperty is the shape of a property in properties_get responses and
// properties_on_change params
type editorProperty struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Value    any    `json:"value"`
	NewValue any    `json:"new_value"`
}

func (s *Session) fetchProperties(ctx context.Context, graphID, nodeID string) ([]editorProperty, error) {
	result, err := s.client.Request(ctx, "properties_get", map[string]any{
		"graph_id": graphID,
		"node_id":  nodeID,
	})
	if err != nil {
		return nil, err
	}
	var props []editorProperty
	if err := json.Unmarshal(result, &props); err != nil {
		return nil, err
	}
	return props, nil
}
