package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, EnvFileName), []byte(content), 0o644))
	return dir
}

func TestLoad(t *testing.T) {
	dir := writeEnvFile(t, `
ZEPHYR_BASE: /opt/zephyr
ZEPHYR_SDK_INSTALL_DIR: /opt/zephyr-sdk
PYRENODE_BIN: /usr/bin/renode
PYRENODE_RUNTIME: mono
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/opt/zephyr", cfg.ZephyrBase)
	assert.Equal(t, "/opt/zephyr-sdk", cfg.ZephyrSDK)
	assert.Equal(t, "/usr/bin/renode", cfg.RenodeBin)
	assert.Equal(t, dir, cfg.Workspace)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestLoadMissingRequiredField(t *testing.T) {
	dir := writeEnvFile(t, "PYRENODE_BIN: /usr/bin/renode\n")
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestPathHelpers(t *testing.T) {
	cfg := &Config{Workspace: "/ws"}
	assert.Equal(t, "/ws/visual-system-designer-resources/components-specification.json", cfg.SpecificationPath())
	assert.Equal(t, "/ws/visual-system-designer-resources/zephyr-data/socs", cfg.SoCsDir())
	assert.Equal(t, "/ws/boards", cfg.BoardsDir())
	assert.Equal(t, "/ws/builds/my_board", cfg.BuildsDir("my_board"))
	assert.Equal(t, "/ws/generated/my_board_blinky", cfg.GeneratedDir("my_board_blinky"))
}
