package spec

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/vsd-backend/pkg/logging"
)

const testCatalog = `{
	"metadata": {"twoColumn": true},
	"nodes": [
		{
			"name": "LED",
			"isCategory": true,
			"category": "IO/LED",
			"interfaces": [{"name": "gpio", "type": "gpio"}]
		},
		{
			"name": "SoCBase",
			"isCategory": true,
			"category": "SoC/Cortex-M"
		},
		{
			"name": "I2CSensor",
			"abstract": true,
			"interfaces": [{"name": "i2c", "type": "i2c"}],
			"properties": [{"name": "address (i2c)", "value": "0x0"}]
		},
		{
			"name": "BME280",
			"category": "Sensors",
			"extends": ["I2CSensor"],
			"urls": {"rdp": "https://designer.antmicro.com/hardware/bosch_bme280"},
			"additionalData": {"compats": ["bosch,bme280"]}
		},
		{
			"name": "STM32F103",
			"category": "SoC/Cortex-M",
			"urls": {"rdp": "https://designer.antmicro.com/hardware/stm32f103"}
		}
	]
}`

func testLogger() *logging.Logger {
	return logging.NewLogger(&bytes.Buffer{}, logging.ErrorLevel)
}

func parseTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Parse([]byte(testCatalog), testLogger())
	require.NoError(t, err)
	return c
}

func TestParsePartitionsEntries(t *testing.T) {
	c := parseTestCatalog(t)

	assert.Contains(t, c.nodes, "BME280")
	assert.Contains(t, c.nodes, "STM32F103")
	// Categories are keyed by the last category path segment.
	assert.Contains(t, c.categories, "LED")
	assert.Contains(t, c.categories, "Cortex-M")
	assert.Contains(t, c.abstract, "I2CSensor")
}

func TestParseRejectsMalformedDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not JSON", `{nodes: []`},
		{"missing nodes", `{"metadata": {}}`},
		{"missing metadata", `{"nodes": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), testLogger())
			assert.Error(t, err)
		})
	}
}

func TestResolveMergesExtendedBases(t *testing.T) {
	c := parseTestCatalog(t)

	entry, err := c.Resolve("BME280")
	require.NoError(t, err)

	// Inherited from the abstract base.
	assert.NotNil(t, entry["interfaces"])
	assert.NotNil(t, entry["properties"])
	// Own fields survive the merge.
	assert.Equal(t, "BME280", entry.Name())
	assert.Equal(t, "Sensors", entry.Category())
}

func TestResolveChildOverridesBase(t *testing.T) {
	doc := `{
		"metadata": {},
		"nodes": [
			{"name": "Base", "abstract": true, "color": "red", "size": 1},
			{"name": "Child", "extends": ["Base"], "color": "blue"}
		]
	}`
	c, err := Parse([]byte(doc), testLogger())
	require.NoError(t, err)

	entry, err := c.Resolve("Child")
	require.NoError(t, err)
	assert.Equal(t, "blue", entry["color"], "child value must win on conflicting keys")
	assert.Equal(t, float64(1), entry["size"], "base-only keys must be inherited")
}

func TestResolveDoesNotMutateStoredEntries(t *testing.T) {
	c := parseTestCatalog(t)

	entry, err := c.Resolve("BME280")
	require.NoError(t, err)
	entry["category"] = "Mutated"

	again, err := c.Resolve("BME280")
	require.NoError(t, err)
	assert.Equal(t, "Sensors", again.Category())
}

func TestResolveUnknownExtendIsSkipped(t *testing.T) {
	doc := `{
		"metadata": {},
		"nodes": [{"name": "Child", "extends": ["Missing"], "color": "blue"}]
	}`
	c, err := Parse([]byte(doc), testLogger())
	require.NoError(t, err)

	entry, err := c.Resolve("Child")
	require.NoError(t, err)
	assert.Equal(t, "blue", entry["color"])
}

func TestResolveNotFound(t *testing.T) {
	c := parseTestCatalog(t)
	_, err := c.Resolve("NoSuchNode")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSoCCategories(t *testing.T) {
	c := parseTestCatalog(t)
	assert.Equal(t, []string{"Cortex-M"}, c.SoCCategories())
}

func TestEntryHelpers(t *testing.T) {
	c := parseTestCatalog(t)

	entry, err := c.Resolve("BME280")
	require.NoError(t, err)

	name, ok := entry.RDPName()
	require.True(t, ok)
	assert.Equal(t, "bosch_bme280", name)
	assert.Equal(t, []string{"bosch,bme280"}, entry.Compats())
	assert.Equal(t, `"bosch,bme280"`, entry.CompatsString())
	assert.False(t, entry.IsSoC())

	soc, err := c.Resolve("STM32F103")
	require.NoError(t, err)
	assert.True(t, soc.IsSoC())
}

func TestApplyModification(t *testing.T) {
	c := parseTestCatalog(t)

	mod, err := ParseModification([]byte(`{
		"metadata": {"interactive": true},
		"add_nodes": [{"name": "SHT4X", "category": "Sensors"}],
		"extend": [
			{
				"names": ["BME280", "DoesNotExist"],
				"add_properties": [{"name": "temperature", "value": "25"}]
			}
		]
	}`))
	require.NoError(t, err)

	c.ApplyModification(mod)

	assert.Equal(t, true, c.metadata["interactive"])

	_, err = c.Resolve("SHT4X")
	assert.NoError(t, err)

	entry, err := c.Resolve("BME280")
	require.NoError(t, err)
	props := entry["properties"].([]any)
	last := props[len(props)-1].(map[string]any)
	assert.Equal(t, "temperature", last["name"])

	// The serializable node list must carry the added node.
	data, err := json.Marshal(c.Document())
	require.NoError(t, err)
	assert.Contains(t, string(data), "SHT4X")
}

func TestApplyModificationKeepsNonConcreteNodesOutOfDocument(t *testing.T) {
	c := parseTestCatalog(t)

	mod, err := ParseModification([]byte(`{
		"add_nodes": [
			{"isCategory": true, "category": "Sensors/Pressure"},
			{"name": "Addressable", "abstract": true},
			{"name": "BMP180", "category": "Sensors/Pressure"}
		]
	}`))
	require.NoError(t, err)

	c.ApplyModification(mod)

	// All three resolve, but only the concrete node reaches the editor's
	// document.
	_, err = c.Resolve("Pressure")
	assert.NoError(t, err)
	_, err = c.Resolve("Addressable")
	assert.NoError(t, err)
	_, err = c.Resolve("BMP180")
	assert.NoError(t, err)

	data, err := json.Marshal(c.Document())
	require.NoError(t, err)
	assert.Contains(t, string(data), "BMP180")
	assert.NotContains(t, string(data), "Addressable")
	assert.NotContains(t, string(data), "Sensors/Pressure")
}

func TestParseModificationRejectsEmptyNames(t *testing.T) {
	_, err := ParseModification([]byte(`{"extend": [{"names": []}]}`))
	assert.Error(t, err)
}
