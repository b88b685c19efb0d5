// Package env loads the workspace configuration written by `vsd init`. The
// configuration is read once at process start and passed explicitly to every
// component that needs it; there is no ambient global lookup.
package env

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvFileName is the workspace document holding toolchain locations
const EnvFileName = "vsd-env.yml"

// Config describes an initialized VSD workspace
type Config struct {
	// Workspace is the root directory holding resources, boards and builds.
	Workspace string `yaml:"-"`

	// ZephyrBase is the checkout of the RTOS source tree used by the build
	// system.
	ZephyrBase string `yaml:"ZEPHYR_BASE" validate:"required"`

	// ZephyrSDK is the toolchain SDK install directory.
	ZephyrSDK string `yaml:"ZEPHYR_SDK_INSTALL_DIR" validate:"required"`

	// RenodeBin is the hardware emulator binary.
	RenodeBin string `yaml:"PYRENODE_BIN"`

	// RenodeRuntime selects the emulator runtime flavour.
	RenodeRuntime string `yaml:"PYRENODE_RUNTIME"`
}

// Load reads and validates <workspace>/vsd-env.yml. A missing or invalid file
// means the workspace was never initialized, which is fatal for every command.
func Load(workspace string) (*Config, error) {
	path := filepath.Join(workspace, EnvFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("can't find %s, has the workspace been initialized? %w", path, err)
	}

	cfg := &Config{Workspace: workspace}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid workspace environment in %s: %w", path, err)
	}

	return cfg, nil
}

// ResourcesDir returns the checkout of the designer resources repository
func (c *Config) ResourcesDir() string {
	return filepath.Join(c.Workspace, "visual-system-designer-resources")
}

// SpecificationPath returns the component-type catalog document
func (c *Config) SpecificationPath() string {
	return filepath.Join(c.ResourcesDir(), "components-specification.json")
}

// SoCsDir returns the directory with per-SoC devicetree and config data
func (c *Config) SoCsDir() string {
	return filepath.Join(c.ResourcesDir(), "zephyr-data", "socs")
}

// BoardsDir returns the root of generated board directories, passed to the
// build system as BOARD_ROOT
func (c *Config) BoardsDir() string {
	return filepath.Join(c.Workspace, "boards")
}

// BuildDir returns the working directory of the in-flight build
func (c *Config) BuildDir() string {
	return filepath.Join(c.Workspace, "build")
}

// BuildsDir returns the stable per-board artifact directory
func (c *Config) BuildsDir(board string) string {
	return filepath.Join(c.Workspace, "builds", board)
}

// SaveDir returns the directory for exported graph documents
func (c *Config) SaveDir() string {
	return filepath.Join(c.Workspace, "save")
}

// GeneratedDir returns the directory for generated application sources
func (c *Config) GeneratedDir(name string) string {
	return filepath.Join(c.Workspace, "generated", name)
}
