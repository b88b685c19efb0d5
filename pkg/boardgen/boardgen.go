// Package boardgen turns a parsed graph's SoC and its neighbor connections
// into a board directory the external build system can consume: a Kconfig
// board-selection fragment, board metadata, a defconfig and a devicetree
// source with generated overlay sections.
package boardgen

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/dd0wney/vsd-backend/pkg/env"
	"github.com/dd0wney/vsd-backend/pkg/graph"
	"github.com/dd0wney/vsd-backend/pkg/logging"
)

var boardNameRE = regexp.MustCompile(`[\s\-+]`)

// BoardName normalizes a graph name into a build-system board identifier
func BoardName(graphName string) string {
	return boardNameRE.ReplaceAllString(graphName, "_")
}

// Generator prepares board directories and application sources for one
// workspace
type Generator struct {
	env *env.Config
	log *logging.Logger
}

// NewGenerator creates a board generator
func NewGenerator(cfg *env.Config, log *logging.Logger) *Generator {
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	return &Generator{env: cfg, log: log}
}

// PrepareBoardDir produces the board directory for boardName from the SoC's
// canonical identifier and the SoC's neighbor connections. A pre-existing
// board directory of the same name is destroyed and recreated.
func (g *Generator) PrepareBoardDir(boardName, socName string, connections []graph.Connection) (string, error) {
	socDir := filepath.Join(g.env.SoCsDir(), socName)
	cfg, err := loadSoCConfig(socDir)
	if err != nil {
		return "", err
	}

	boardDir := filepath.Join(g.env.BoardsDir(), boardName)
	if err := os.RemoveAll(boardDir); err != nil {
		return "", fmt.Errorf("failed to remove old board directory: %w", err)
	}
	if err := os.MkdirAll(boardDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create board directory: %w", err)
	}

	kconfigPath := filepath.Join(boardDir, "Kconfig."+boardName)
	if err := os.WriteFile(kconfigPath, []byte(kconfigBoard(boardName, cfg)), 0o644); err != nil {
		return "", fmt.Errorf("failed to write board Kconfig: %w", err)
	}

	boardDoc, err := boardYAML(boardName, cfg)
	if err != nil {
		return "", fmt.Errorf("failed to render board metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(boardDir, "board.yml"), boardDoc, 0o644); err != nil {
		return "", fmt.Errorf("failed to write board metadata: %w", err)
	}

	defcfg, err := defconfig(cfg, g.env.ZephyrBase)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(boardDir, boardName+"_defconfig"), []byte(defcfg), 0o644); err != nil {
		return "", fmt.Errorf("failed to write defconfig: %w", err)
	}

	boardDTS := filepath.Join(boardDir, boardName+".dts")
	if err := copyFile(filepath.Join(socDir, socName+".dts"), boardDTS); err != nil {
		return "", fmt.Errorf("failed to copy SoC devicetree: %w", err)
	}

	overlayPath := filepath.Join(socDir, "overlay.dts")
	if _, err := os.Stat(overlayPath); err == nil {
		if err := g.appendOverlay(boardDTS, overlayPath, connections); err != nil {
			return "", err
		}
	}

	for _, file := range cfg.AdditionalFiles {
		src := filepath.Join(g.env.ZephyrBase, file)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyFile(src, filepath.Join(boardDir, filepath.Base(file))); err != nil {
			return "", fmt.Errorf("failed to copy additional file %s: %w", file, err)
		}
	}

	return boardDir, nil
}

// appendOverlay appends the SoC overlay template and the generated graph
// nodes to the board devicetree
func (g *Generator) appendOverlay(boardDTS, overlayPath string, connections []graph.Connection) error {
	overlay, err := os.ReadFile(overlayPath)
	if err != nil {
		return fmt.Errorf("failed to read SoC overlay: %w", err)
	}

	out, err := os.OpenFile(boardDTS, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open board devicetree: %w", err)
	}
	defer out.Close()

	if _, err := out.WriteString("\n\n// overlay\n\n"); err != nil {
		return err
	}
	if _, err := out.Write(overlay); err != nil {
		return err
	}

	// Each bucket consumes its matches and passes the remainder onward.
	leds, rest := FilterConnections(connections, IsLED)
	sensors, rest := FilterConnections(rest, IsSupportedSensor)

	if len(rest) > 0 {
		g.log.Warn("connections not supported by generation",
			logging.Int("count", len(rest)))
		for _, conn := range rest {
			rdpName, _ := conn.Component.RDPName()
			g.log.Warn("unsupported connection",
				logging.String("component", conn.Component.TypeName),
				logging.String("rdp", rdpName),
				logging.String("from", conn.NodeInterface),
				logging.String("to", conn.SoCInterface))
		}
	}

	if _, err := out.WriteString("\n\n// nodes from graph\n\n"); err != nil {
		return err
	}
	if _, err := out.WriteString(ledsSnippet(leds, g.log)); err != nil {
		return err
	}
	if _, err := out.WriteString(sensorsSnippet(sensors, g.log)); err != nil {
		return err
	}

	// The chosen scan must see everything written so far.
	if err := out.Sync(); err != nil {
		return err
	}
	if _, err := out.WriteString(chosenSnippet(boardDTS, overlayPath)); err != nil {
		return err
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
