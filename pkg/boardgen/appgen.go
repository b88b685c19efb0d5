package boardgen

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/vsd-backend/pkg/graph"
	"github.com/dd0wney/vsd-backend/pkg/logging"
)

// placeholderRE matches the {% name %} mini-template syntax. Everything
// outside a placeholder is literal, so C sources with braces need no
// escaping.
var placeholderRE = regexp.MustCompile(`{%\s*(\w+)\s*%}`)

// ExpandTemplate substitutes {% name %} placeholders from vars. A
// placeholder with no value is an error: it means the template and the
// snippet bundle disagree.
func ExpandTemplate(text string, vars map[string]string) (string, error) {
	var missing []string
	out := placeholderRE.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderRE.FindStringSubmatch(match)[1]
		value, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return value
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("template placeholders without values: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// appTemplates is the per-component-type snippet bundle (nodes.yml) shipped
// with an application template
type appTemplates struct {
	SnippetTemplates map[string]map[string]string `yaml:"snippet templates"`
}

// GenerateApp template-expands an application template into a generated
// source tree parameterized by the graph's LED and sensor labels. It returns
// the generated application directory, wiping any prior contents at that
// path.
func (g *Generator) GenerateApp(templatePath, boardName string, connections []graph.Connection) (string, error) {
	data, err := os.ReadFile(filepath.Join(templatePath, "nodes.yml"))
	if err != nil {
		return "", fmt.Errorf("failed to read app snippet bundle: %w", err)
	}
	var templates appTemplates
	if err := yaml.Unmarshal(data, &templates); err != nil {
		return "", fmt.Errorf("malformed app snippet bundle: %w", err)
	}

	leds, rest := FilterConnections(connections, IsLED)
	thermometers, _ := FilterConnections(rest, func(conn graph.Connection) bool {
		name, ok := conn.Component.RDPName()
		return ok && SupportedSensors[name] == "thermometer"
	})

	type typedNode struct {
		component *graph.Component
		class     string
	}
	var nodes []typedNode
	for _, conn := range leds {
		nodes = append(nodes, typedNode{conn.Component, "led"})
	}
	for _, conn := range thermometers {
		nodes = append(nodes, typedNode{conn.Component, "thermometer"})
	}

	snippets := make(map[string][]string)
	for _, node := range nodes {
		label := node.component.Label()

		// Every node gets a devicetree-node-label discovery macro.
		snippets["discover"] = append(snippets["discover"],
			fmt.Sprintf("#define __%s_NODE DT_NODELABEL(%s)", strings.ToUpper(label), label))

		vars := map[string]string{
			"name":      "__" + label,
			"name_caps": "__" + strings.ToUpper(label),
		}
		names := make([]string, 0, len(templates.SnippetTemplates[node.class]))
		for name := range templates.SnippetTemplates[node.class] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			expanded, err := ExpandTemplate(templates.SnippetTemplates[node.class][name], vars)
			if err != nil {
				return "", fmt.Errorf("snippet %s/%s: %w", node.class, name, err)
			}
			snippets[name] = append(snippets[name], expanded)
		}
	}

	joined := make(map[string]string, len(snippets))
	for name, list := range snippets {
		joined[name] = strings.Join(list, "\n")
	}

	appName := filepath.Base(templatePath)
	generatedDir := g.env.GeneratedDir(boardName + "_" + appName)
	g.log.Info("generating app sources", logging.String("dir", generatedDir))

	if err := os.RemoveAll(generatedDir); err != nil {
		return "", fmt.Errorf("failed to wipe generated app directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(generatedDir, "src"), 0o755); err != nil {
		return "", fmt.Errorf("failed to create generated app directory: %w", err)
	}

	for _, file := range []string{"prj.conf", "CMakeLists.txt"} {
		if err := copyFile(filepath.Join(templatePath, file), filepath.Join(generatedDir, file)); err != nil {
			return "", fmt.Errorf("failed to copy %s: %w", file, err)
		}
	}
	if err := copyTree(filepath.Join(templatePath, "src"), filepath.Join(generatedDir, "src")); err != nil {
		return "", fmt.Errorf("failed to copy app sources: %w", err)
	}

	mainTemplate, err := os.ReadFile(filepath.Join(templatePath, "src", "main.c"))
	if err != nil {
		return "", fmt.Errorf("failed to read app main template: %w", err)
	}
	mainSource, err := ExpandTemplate(string(mainTemplate), joined)
	if err != nil {
		return "", fmt.Errorf("app main template: %w", err)
	}
	if err := os.WriteFile(filepath.Join(generatedDir, "src", "main.c"), []byte(mainSource), 0o644); err != nil {
		return "", fmt.Errorf("failed to write generated main: %w", err)
	}

	return generatedDir, nil
}

// copyTree recursively copies a directory
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}
