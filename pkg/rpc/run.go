package rpc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dd0wney/vsd-backend/pkg/boardgen"
	"github.com/dd0wney/vsd-backend/pkg/events"
	"github.com/dd0wney/vsd-backend/pkg/graph"
	"github.com/dd0wney/vsd-backend/pkg/logging"
	"github.com/dd0wney/vsd-backend/pkg/simulate"
)

// handleRun drives one simulation: ensure fresh binaries, prepare the
// emulated machine, wire UART terminals and peripheral observers, start, and
// block until the stop signal fires
func (s *Session) handleRun(ctx context.Context, dataflow any, stop *events.Signal) Envelope {
	g, err := graph.ParseValue(dataflow, s.catalog, s.log)
	if err != nil {
		s.log.Error("can't parse graph", logging.Error(err))
		return Error("Simulation failed.")
	}

	boardName, elfPath, replPath, err := s.prepareBinaries(ctx, g)
	if err != nil {
		s.log.Error("can't prepare simulation binaries", logging.Error(err))
		s.notify(ctx, "error", "Simulation failed", err.Error())
		return Error("Simulation failed.")
	}

	emu := s.emulate()
	machine, err := simulate.Prepare(emu, boardName, elfPath, replPath)
	if err != nil {
		s.log.Error("simulation can't be prepared",
			logging.String("repl", replPath),
			logging.String("elf", elfPath),
			logging.Error(err))
		return Error("Simulation failed.")
	}

	s.metrics.SimulationsActive.Inc()
	defer s.metrics.SimulationsActive.Dec()

	var subscriptions []simulate.Subscription
	teardown := func() {
		for _, sub := range subscriptions {
			sub.Cancel()
		}
		emu.Clear()
		s.mu.Lock()
		s.terminalUARTs = make(map[string]simulate.UART)
		s.mu.Unlock()
	}

	for _, uart := range machine.UARTs() {
		subscriptions = append(subscriptions, s.bindTerminal(ctx, uart))
	}

	subs, err := s.bindPeripherals(ctx, g, machine)
	subscriptions = append(subscriptions, subs...)
	if err != nil {
		s.log.Error("can't wire peripheral observers", logging.Error(err))
		teardown()
		return Error("Simulation failed.")
	}

	if err := emu.StartAll(); err != nil {
		s.log.Error("can't start simulation", logging.Error(err))
		teardown()
		return Error("Simulation failed.")
	}
	s.log.Info("simulation started", logging.String("board", boardName))

	select {
	case <-stop.Done():
	case <-ctx.Done():
	}
	teardown()

	s.log.Info("simulation ended", logging.String("board", boardName))
	return OK("Simulation finished.")
}

// bindTerminal creates an editor terminal for a UART and forwards its
// decoded output there, byte stream reassembled into UTF-8 text
func (s *Session) bindTerminal(ctx context.Context, uart simulate.UART) simulate.Subscription {
	name := uart.Name()
	s.terminalAdd(ctx, name, false)

	decoder := simulate.NewUTF8Decoder()
	decoded := decoder.Wrap(func(text string) {
		s.schedule(func() {
			s.terminalWrite(context.Background(), name, text)
		})
	})

	sub := uart.OnByte(func(b byte) {
		s.metrics.UARTBytesTotal.WithLabelValues(name).Inc()
		decoded(b)
	})

	s.mu.Lock()
	s.terminalUARTs[name] = uart
	s.mu.Unlock()
	return sub
}

// bindPeripherals wires observers for the graph's peripheral connections:
// LED state changes flow to the editor as property updates, and the editor's
// temperature property writes flow into the emulated sensor
func (s *Session) bindPeripherals(ctx context.Context, g *graph.Graph, machine simulate.Machine) ([]simulate.Subscription, error) {
	_, connections, err := g.SoCWithConnections()
	if err != nil {
		return nil, err
	}

	var subscriptions []simulate.Subscription
	for _, conn := range connections {
		component := conn.Component
		label := component.Label()
		// Platform description labels carry no underscores.
		replLabel := strings.ReplaceAll(label, "_", "")

		if conn.NodeInterface == "gpio" && strings.HasPrefix(label, "led") {
			s.log.Info("connecting state observer",
				logging.String("label", label),
				logging.String("repl_label", replLabel))
			led, err := machine.LED(conn.SoCInterface, replLabel)
			if err != nil {
				return subscriptions, err
			}
			subscriptions = append(subscriptions, led.OnStateChange(s.ledCallback(g.ID, component.ID, label)))
			if err := s.ignoreProperty(ctx, g.ID, component.ID, "active"); err != nil {
				return subscriptions, err
			}
		}

		if conn.NodeInterface == "i2c" && hasProperty(component, "temperature") {
			s.log.Info("creating temperature write-through",
				logging.String("label", label))
			register, err := machine.SensorRegister(conn.SoCInterface, replLabel, "temperature")
			if err != nil {
				return subscriptions, err
			}
			callback := func(value any) {
				if err := register.Write(fmt.Sprintf("%v", value)); err != nil {
					s.log.Error("failed to set temperature", logging.Error(err))
				}
			}
			if err := s.addPropertyCallback(ctx, g.ID, component.ID, "temperature", callback); err != nil {
				return subscriptions, err
			}
			// Simulation-only input, must not mark the graph changed.
			if err := s.ignoreProperty(ctx, g.ID, component.ID, "temperature"); err != nil {
				return subscriptions, err
			}
		}
	}
	return subscriptions, nil
}

// ledCallback builds the emulator-thread observer pushing an LED state
// change to the editor as a property update
func (s *Session) ledCallback(graphID, nodeID, label string) func(bool) {
	return func(active bool) {
		s.log.Debug("LED state changed",
			logging.String("label", label),
			logging.Bool("active", active))
		if graphID == "" || nodeID == "" {
			return
		}
		s.metrics.LEDEventsTotal.Inc()
		s.schedule(func() {
			_, err := s.client.Request(context.Background(), "properties_change", map[string]any{
				"graph_id": graphID,
				"node_id":  nodeID,
				"properties": []map[string]any{{
					"name":      "active",
					"new_value": active,
				}},
			})
			if err != nil && !s.closedErr(err) {
				s.log.Debug("properties_change failed", logging.String("node", nodeID))
			}
		})
	}
}

// prepareBinaries checks whether the board's built artifacts postdate the
// last graph change and rebuilds when they don't. All three artifacts must
// exist afterwards.
func (s *Session) prepareBinaries(ctx context.Context, g *graph.Graph) (boardName, elfPath, replPath string, err error) {
	boardName = boardgen.BoardName(g.Name)
	buildsDir := s.env.BuildsDir(boardName)

	replPath = filepath.Join(buildsDir, boardName+".repl")
	elfPath = filepath.Join(buildsDir, "zephyr", "zephyr.elf")
	dtsPath := filepath.Join(buildsDir, "zephyr", "zephyr.dts")
	artifacts := []string{replPath, elfPath, dtsPath}

	s.mu.Lock()
	lastChange := s.lastGraphChange
	s.mu.Unlock()

	fresh := true
	for _, path := range artifacts {
		if !simulate.Fresh(path, lastChange) {
			fresh = false
			break
		}
	}
	if fresh {
		return boardName, elfPath, replPath, nil
	}

	stop, ok := s.acquireBuild()
	if !ok {
		return "", "", "", errors.New("a build is already running")
	}
	defer s.releaseBuild()

	if err := s.build(ctx, g, stop); err != nil {
		return "", "", "", err
	}

	for _, path := range artifacts {
		if _, statErr := os.Stat(path); statErr != nil {
			return "", "", "", fmt.Errorf("artifact %s hasn't been built", filepath.Base(path))
		}
	}
	return boardName, elfPath, replPath, nil
}

func hasProperty(component *graph.Component, name string) bool {
	for _, prop := range component.Properties {
		if prop.Name == name {
			return true
		}
	}
	return false
}
