package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/dd0wney/vsd-backend/pkg/boardgen"
	"github.com/dd0wney/vsd-backend/pkg/build"
	"github.com/dd0wney/vsd-backend/pkg/events"
	"github.com/dd0wney/vsd-backend/pkg/graph"
	"github.com/dd0wney/vsd-backend/pkg/logging"
)

// acquireBuild arms a fresh stop signal for one build, failing when a build
// is already in flight
func (s *Session) acquireBuild() (*events.Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buildActive {
		return nil, false
	}
	s.buildActive = true
	s.stopBuild = events.NewSignal()
	return s.stopBuild, true
}

func (s *Session) releaseBuild() {
	s.mu.Lock()
	s.buildActive = false
	s.stopBuild = nil
	s.mu.Unlock()
}

// build prepares the board directory and application sources for the graph,
// runs the external build and derives the emulator files from the artifacts.
// Build output streams into the editor's backend terminal.
func (s *Session) build(ctx context.Context, g *graph.Graph, stop *events.Signal) error {
	soc, connections, err := g.SoCWithConnections()
	if err != nil {
		return err
	}

	socName, ok := soc.RDPName()
	if !ok {
		return fmt.Errorf("SoC type %q has no canonical catalog identifier", soc.TypeName)
	}

	boardName := boardgen.BoardName(g.Name)
	boardDir, err := s.generator.PrepareBoardDir(boardName, socName, connections)
	if err != nil {
		return fmt.Errorf("failed to prepare board directory: %w", err)
	}
	s.log.Info("board configuration prepared", logging.String("dir", boardDir))

	appSrc := s.appPath
	if s.appGenerate {
		appSrc, err = s.generator.GenerateApp(s.appPath, boardName, connections)
		if err != nil {
			return fmt.Errorf("failed to generate application sources: %w", err)
		}
	}

	s.log.Info("to build this application manually use the following command",
		logging.String("command", build.ComposeWestCommand(boardName, appSrc, "<build-dir>", s.env.Workspace)))

	sink := func(line string) {
		s.terminalWrite(ctx, backendTerminal, line)
	}

	start := time.Now()
	result, err := s.runner.Run(ctx, boardName, appSrc, sink, stop)
	if err != nil {
		s.metrics.RecordBuild("error", time.Since(start))
		return err
	}
	s.metrics.RecordBuild(result.Status.String(), time.Since(start))

	if result.Status != build.StatusSucceeded {
		return fmt.Errorf("external build ended with status %s", result.Status)
	}
	s.log.Info("application build files available", logging.String("dir", result.OutputDir))

	if err := s.preparer.PrepareRenodeFiles(ctx, boardName); err != nil {
		return fmt.Errorf("failed to create emulator files: %w", err)
	}
	return nil
}
