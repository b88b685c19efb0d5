package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/vsd-backend/pkg/boardgen"
	"github.com/dd0wney/vsd-backend/pkg/build"
	"github.com/dd0wney/vsd-backend/pkg/env"
	"github.com/dd0wney/vsd-backend/pkg/graph"
	"github.com/dd0wney/vsd-backend/pkg/logging"
	"github.com/dd0wney/vsd-backend/pkg/metrics"
	"github.com/dd0wney/vsd-backend/pkg/rpc"
	"github.com/dd0wney/vsd-backend/pkg/simulate"
	"github.com/dd0wney/vsd-backend/pkg/spec"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: vsd <command> [flags]

Commands:
  backend   connect to a graph editor and serve designer sessions
  build     build the application for a saved graph
  simulate  run a built graph in the emulator with a local console

Run 'vsd <command> -h' for command flags.
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "backend":
		runBackend(os.Args[2:])
	case "build":
		runBuild(os.Args[2:])
	case "simulate":
		runSimulate(os.Args[2:])
	default:
		usage()
	}
}

// specMods collects repeated -spec-mod flags
type specMods []string

func (m *specMods) String() string { return strings.Join(*m, ",") }

func (m *specMods) Set(value string) error {
	*m = append(*m, value)
	return nil
}

// commonFlags registers the flags every command shares
func commonFlags(fs *flag.FlagSet) (workspace, verbosity *string, mods *specMods) {
	workspace = fs.String("workspace", ".", "Initialized workspace directory")
	verbosity = fs.String("verbosity", "info", "Log level (debug, info, warn, error)")
	mods = &specMods{}
	fs.Var(mods, "spec-mod", "Specification modification file (repeatable)")
	return workspace, verbosity, mods
}

// loadWorkspace loads the environment and the component catalog, applying any
// modification files on top
func loadWorkspace(workspace string, mods specMods, logger *logging.Logger) (*env.Config, *spec.Catalog) {
	cfg, err := env.Load(workspace)
	if err != nil {
		log.Fatalf("Failed to load workspace: %v", err)
	}

	catalog, err := spec.Load(cfg.SpecificationPath(), logger)
	if err != nil {
		log.Fatalf("Failed to load components specification: %v", err)
	}

	for _, path := range mods {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("Failed to read specification modification %s: %v", path, err)
		}
		mod, err := spec.ParseModification(data)
		if err != nil {
			log.Fatalf("Failed to parse specification modification %s: %v", path, err)
		}
		catalog.ApplyModification(mod)
	}
	return cfg, catalog
}

// loadGraph parses a saved graph document from disk
func loadGraph(path string, catalog *spec.Catalog, logger *logging.Logger) *graph.Graph {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Failed to read graph file: %v", err)
	}
	g, err := graph.Parse(data, catalog, logger)
	if err != nil {
		log.Fatalf("Failed to parse graph file %s: %v", path, err)
	}
	return g
}

func runBackend(args []string) {
	fs := flag.NewFlagSet("backend", flag.ExitOnError)
	workspace, verbosity, mods := commonFlags(fs)
	host := fs.String("host", "127.0.0.1", "Graph editor host")
	port := fs.Int("port", 9000, "Graph editor port")
	app := fs.String("app", "", "Application source directory, or template directory with -app-template")
	appTemplate := fs.Bool("app-template", false, "Expand the application sources as a template before each build")
	metricsAddr := fs.String("metrics-addr", "", "Serve prometheus metrics on this address (empty disables)")
	fs.Parse(args)

	logger := logging.NewLogger(os.Stderr, logging.ParseLevel(*verbosity))
	cfg, catalog := loadWorkspace(*workspace, *mods, logger)

	if *app == "" {
		log.Fatalf("The backend needs an application to build, pass -app")
	}

	reg := metrics.NewRegistry()
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server failed", logging.Error(err))
			}
		}()
		log.Printf("Serving metrics on %s/metrics", *metricsAddr)
	}

	session := rpc.NewSession(rpc.SessionConfig{
		Catalog:     catalog,
		Env:         cfg,
		Generator:   boardgen.NewGenerator(cfg, logger),
		Runner:      build.NewRunner(cfg, logger),
		Preparer:    simulate.NewFilePreparer(cfg, logger, &simulate.CommandReplGenerator{Command: "dts2repl"}),
		Emulator:    simulate.NewProcessFactory(cfg.RenodeBin, logger),
		Metrics:     reg,
		Log:         logger,
		AppPath:     *app,
		AppTemplate: *appTemplate,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	url := fmt.Sprintf("ws://%s:%d/backend", *host, *port)
	transport, err := rpc.DialWebSocket(ctx, url)
	if err != nil {
		log.Fatalf("Failed to connect to the graph editor at %s: %v", url, err)
	}

	client := rpc.NewClient(transport, session.Handlers(), reg, logger)
	session.Bind(client)
	log.Printf("Connected to the graph editor at %s", url)

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("Editor connection lost: %v", err)
	}
	log.Printf("Session closed")
}

func runBuild(args []string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	workspace, verbosity, mods := commonFlags(fs)
	app := fs.String("app", "", "Application source directory, or template directory with -app-template")
	appTemplate := fs.Bool("app-template", false, "Expand the application sources as a template before building")
	fs.Parse(args)

	if fs.NArg() != 1 {
		log.Fatalf("Usage: vsd build [flags] <graph.json>")
	}
	if *app == "" {
		log.Fatalf("Nothing to build, pass -app")
	}

	logger := logging.NewLogger(os.Stderr, logging.ParseLevel(*verbosity))
	cfg, catalog := loadWorkspace(*workspace, *mods, logger)
	g := loadGraph(fs.Arg(0), catalog, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := buildGraph(ctx, cfg, g, logger, *app, *appTemplate); err != nil {
		log.Fatalf("Build failed: %v", err)
	}
	log.Printf("Build succeeded, artifacts in %s", cfg.BuildsDir(boardgen.BoardName(g.Name)))
}

// buildGraph runs the full build pipeline for a parsed graph: board directory,
// application sources, external build and emulator files
func buildGraph(ctx context.Context, cfg *env.Config, g *graph.Graph, logger *logging.Logger, app string, appTemplate bool) error {
	soc, connections, err := g.SoCWithConnections()
	if err != nil {
		return err
	}
	socName, ok := soc.RDPName()
	if !ok {
		return fmt.Errorf("SoC type %q has no canonical catalog identifier", soc.TypeName)
	}

	boardName := boardgen.BoardName(g.Name)
	generator := boardgen.NewGenerator(cfg, logger)
	if _, err := generator.PrepareBoardDir(boardName, socName, connections); err != nil {
		return fmt.Errorf("failed to prepare board directory: %w", err)
	}

	appSrc := app
	if appTemplate {
		appSrc, err = generator.GenerateApp(app, boardName, connections)
		if err != nil {
			return fmt.Errorf("failed to generate application sources: %w", err)
		}
	}

	sink := func(line string) { fmt.Print(line) }
	result, err := build.NewRunner(cfg, logger).Run(ctx, boardName, appSrc, sink, nil)
	if err != nil {
		return err
	}
	if result.Status != build.StatusSucceeded {
		return fmt.Errorf("external build ended with status %s", result.Status)
	}

	preparer := simulate.NewFilePreparer(cfg, logger, &simulate.CommandReplGenerator{Command: "dts2repl"})
	if err := preparer.PrepareRenodeFiles(ctx, boardName); err != nil {
		return fmt.Errorf("failed to create emulator files: %w", err)
	}
	return nil
}

func runSimulate(args []string) {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	workspace, verbosity, mods := commonFlags(fs)
	fs.Parse(args)

	if fs.NArg() != 1 {
		log.Fatalf("Usage: vsd simulate [flags] <graph.json>")
	}

	logger := logging.NewLogger(os.Stderr, logging.ParseLevel(*verbosity))
	cfg, catalog := loadWorkspace(*workspace, *mods, logger)
	g := loadGraph(fs.Arg(0), catalog, logger)

	boardName := boardgen.BoardName(g.Name)
	buildsDir := cfg.BuildsDir(boardName)
	elfPath := filepath.Join(buildsDir, "zephyr", "zephyr.elf")
	replPath := filepath.Join(buildsDir, boardName+".repl")
	for _, path := range []string{elfPath, replPath} {
		if _, err := os.Stat(path); err != nil {
			log.Fatalf("Missing build artifact %s, run 'vsd build' first", path)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	emu := simulate.NewProcessFactory(cfg.RenodeBin, logger)()
	machine, err := simulate.Prepare(emu, boardName, elfPath, replPath)
	if err != nil {
		log.Fatalf("Failed to prepare the emulator: %v", err)
	}
	defer emu.Clear()

	// Route whichever UART speaks first to the local console; the board's
	// chosen console, when present, gets first claim.
	console := strings.ReplaceAll(
		boardgen.FindChosen("zephyr,console", filepath.Join(buildsDir, "zephyr", "zephyr.dts")), "_", "")
	pool := simulate.NewConsoleCallbackPool(os.Stdout)
	for _, uart := range machine.UARTs() {
		callback, err := pool.Callback(uart, uart.Name() == console)
		if err != nil {
			log.Fatalf("Failed to attach console to %s: %v", uart.Name(), err)
		}
		subscription := uart.OnByte(callback)
		defer subscription.Cancel()
	}

	if err := emu.StartAll(); err != nil {
		log.Fatalf("Failed to start the emulator: %v", err)
	}
	log.Printf("Simulation running on board %s, press Ctrl-C to stop", boardName)

	<-ctx.Done()
	log.Printf("Stopping simulation")

	// Give the emulator a moment to flush before the deferred teardown.
	time.Sleep(100 * time.Millisecond)
}
