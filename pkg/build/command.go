// Package build composes and supervises the external build-tool invocation,
// streaming its output and collecting artifacts into a stable per-board
// location.
package build

import (
	"fmt"
	"path/filepath"
)

// ComposeWestCommand deterministically builds the external build-tool
// invocation. Pure function, no side effects.
func ComposeWestCommand(boardName, appPath, buildDir, boardsRoot string) string {
	abs, err := filepath.Abs(boardsRoot)
	if err != nil {
		abs = boardsRoot
	}
	return fmt.Sprintf("west build -p -b %s --build-dir %s %s -- -DBOARD_ROOT=%s",
		boardName, buildDir, appPath, abs)
}
