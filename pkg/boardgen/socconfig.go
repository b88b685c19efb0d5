package boardgen

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SoCEntry names one SoC selected by a generated board
type SoCEntry struct {
	Name string `yaml:"name"`
}

// SoCConfig is the per-SoC configuration document (configs.yaml) shipped with
// the designer resources
type SoCConfig struct {
	Vendor               string     `yaml:"vendor"`
	BoardSoCs            []SoCEntry `yaml:"board_socs"`
	Select               []string   `yaml:"select"`
	DefconfigFile        string     `yaml:"defconfig_file"`
	RemoveDefconfigFlags []string   `yaml:"remove_defconfig_flags"`
	AddDefconfigFlags    []string   `yaml:"add_defconfig_flags"`
	AdditionalFiles      []string   `yaml:"additional_files"`
}

// loadSoCConfig reads <socDir>/configs.yaml
func loadSoCConfig(socDir string) (*SoCConfig, error) {
	data, err := os.ReadFile(filepath.Join(socDir, "configs.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to read SoC configuration: %w", err)
	}
	var cfg SoCConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("malformed SoC configuration: %w", err)
	}
	return &cfg, nil
}

// kconfigBoard emits the Kconfig stanza selecting the board and its SoC
func kconfigBoard(boardName string, cfg *SoCConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "config BOARD_%s\n", strings.ToUpper(boardName))
	fmt.Fprintf(&b, "\tbool %q\n", boardName)
	for _, flag := range cfg.Select {
		fmt.Fprintf(&b, "\tselect %s\n", flag)
	}
	fmt.Fprintf(&b, "\tselect SOC_%s", strings.ToUpper(cfg.BoardSoCs[0].Name))
	return b.String()
}

// boardYAML renders the board metadata document
func boardYAML(boardName string, cfg *SoCConfig) ([]byte, error) {
	doc := map[string]any{
		"board": map[string]any{
			"name":   boardName,
			"vendor": cfg.Vendor,
			"socs":   cfg.BoardSoCs,
		},
	}
	return yaml.Marshal(doc)
}

// defconfig produces the board defconfig: the base SoC defconfig with
// configured flags stripped by exact-line match and configured flags appended
func defconfig(cfg *SoCConfig, zephyrBase string) (string, error) {
	data, err := os.ReadFile(filepath.Join(zephyrBase, cfg.DefconfigFile))
	if err != nil {
		return "", fmt.Errorf("failed to read base defconfig: %w", err)
	}
	content := string(data)

	for _, flag := range cfg.RemoveDefconfigFlags {
		content = strings.ReplaceAll(content, flag+"=y\n", "")
	}
	if len(cfg.AddDefconfigFlags) > 0 {
		content += strings.Join(cfg.AddDefconfigFlags, "\n") + "\n"
	}

	return content, nil
}
