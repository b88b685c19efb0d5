package simulate

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dd0wney/vsd-backend/pkg/boardgen"
	"github.com/dd0wney/vsd-backend/pkg/env"
	"github.com/dd0wney/vsd-backend/pkg/logging"
)

// defaultRescTemplate is the emulator startup script written next to the
// build artifacts. The console placeholder comes from the board devicetree's
// chosen bindings; a board without one fails preparation.
const defaultRescTemplate = `using sysbus
mach create "{% board_name %}"

machine LoadPlatformDescription @{% repl_path %}
showAnalyzer sysbus.{% console %}

macro reset
"""
    sysbus LoadELF @{% elf_path %}
"""
runMacro $reset
`

// ReplGenerator derives a platform description from a devicetree source
type ReplGenerator interface {
	Generate(ctx context.Context, dtsPath string) (string, error)
}

// CommandReplGenerator shells out to a converter command that reads a
// devicetree path and prints the platform description on stdout
type CommandReplGenerator struct {
	// Command is the converter executable, typically "dts2repl".
	Command string
}

// Generate runs the converter. Empty output means the devicetree had no
// representable platform, which is an error.
func (g *CommandReplGenerator) Generate(ctx context.Context, dtsPath string) (string, error) {
	out, err := exec.CommandContext(ctx, g.Command, dtsPath).Output()
	if err != nil {
		return "", fmt.Errorf("platform converter failed on %s: %w", dtsPath, err)
	}
	if len(strings.TrimSpace(string(out))) == 0 {
		return "", fmt.Errorf("platform converter produced no output for %s", dtsPath)
	}
	return string(out), nil
}

// FilePreparer writes the emulator startup files for a built board
type FilePreparer struct {
	env  *env.Config
	log  *logging.Logger
	repl ReplGenerator

	// rescTemplate is replaceable so a workspace can ship its own startup
	// script.
	rescTemplate string
}

// NewFilePreparer creates a preparer using the given platform generator
func NewFilePreparer(cfg *env.Config, log *logging.Logger, repl ReplGenerator) *FilePreparer {
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	return &FilePreparer{env: cfg, log: log, repl: repl, rescTemplate: defaultRescTemplate}
}

// PrepareRenodeFiles writes <board>.resc and <board>.repl into the board's
// build artifact directory, deriving both from the built zephyr.dts. The
// startup script references the console peripheral named by the devicetree's
// chosen bindings.
func (p *FilePreparer) PrepareRenodeFiles(ctx context.Context, boardName string) error {
	buildsDir := p.env.BuildsDir(boardName)
	dtsPath := filepath.Join(buildsDir, "zephyr", "zephyr.dts")
	elfPath := filepath.Join(buildsDir, "zephyr", "zephyr.elf")
	rescPath := filepath.Join(buildsDir, boardName+".resc")
	replPath := filepath.Join(buildsDir, boardName+".repl")

	vars := map[string]string{
		"board_name": boardName,
		"resc_path":  absOr(rescPath),
		"repl_path":  absOr(replPath),
		"elf_path":   absOr(elfPath),
	}
	if console := boardgen.FindChosen("zephyr,console", dtsPath); console != "" {
		vars["console"] = console
	}

	script, err := boardgen.ExpandTemplate(p.rescTemplate, vars)
	if err != nil {
		return fmt.Errorf("can't compose emulator startup script: %w", err)
	}
	if err := os.WriteFile(rescPath, []byte(script), 0o644); err != nil {
		return fmt.Errorf("failed to write emulator startup script: %w", err)
	}

	repl, err := p.repl.Generate(ctx, dtsPath)
	if err != nil {
		return fmt.Errorf("failed to create platform description: %w", err)
	}
	if err := os.WriteFile(replPath, []byte(repl), 0o644); err != nil {
		return fmt.Errorf("failed to write platform description: %w", err)
	}

	p.log.Info("emulator files ready",
		logging.String("board", boardName),
		logging.String("dir", buildsDir))
	return nil
}

func absOr(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
