package boardgen

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/dd0wney/vsd-backend/pkg/graph"
	"github.com/dd0wney/vsd-backend/pkg/logging"
)

// SupportedSensors maps canonical sensor identifiers to their functional
// class. Connections to sensors outside this table are dropped from
// generation.
var SupportedSensors = map[string]string{
	"bosch_bme280":    "thermometer",
	"sensirion_sht4x": "thermometer",
	"silabs_si7210":   "thermometer",
	"ti_tmp108":       "thermometer",
}

// FilterConnections partitions connections into those matched by pred and the
// remainder, preserving order
func FilterConnections(connections []graph.Connection, pred func(graph.Connection) bool) (matched, rest []graph.Connection) {
	for _, conn := range connections {
		if pred(conn) {
			matched = append(matched, conn)
		} else {
			rest = append(rest, conn)
		}
	}
	return matched, rest
}

// IsLED matches LED output components
func IsLED(conn graph.Connection) bool {
	return strings.HasPrefix(conn.Component.Category(), "IO/LED")
}

// IsSupportedSensor matches recognized sensor components
func IsSupportedSensor(conn graph.Connection) bool {
	name, ok := conn.Component.RDPName()
	if !ok {
		return false
	}
	_, supported := SupportedSensors[name]
	return supported
}

// enableInterface emits the status stanza switching a bus interface on
func enableInterface(interfaceName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "&%s {\n", interfaceName)
	b.WriteString("\tstatus = \"okay\";\n")
	b.WriteString("};\n")
	return b.String()
}

// ledsSnippet emits a devicetree overlay fragment with one child node per LED
// connection under a gpio-leds container, followed by exactly one enable
// stanza per touched bus interface. LEDs without a resolvable gpio address are
// skipped with a warning.
func ledsSnippet(leds []graph.Connection, log *logging.Logger) string {
	var b strings.Builder
	b.WriteString("#include <zephyr/dt-bindings/gpio/gpio.h>\n")
	b.WriteString("/ {\n")
	b.WriteString("\tleds {\n")
	b.WriteString("\t\tcompatible = \"gpio-leds\";\n")

	usedInterfaces := make(map[string]struct{})

	for i, conn := range leds {
		component := conn.Component
		name := component.TypeName
		if name == "" {
			name = "LED"
		}
		addr, ok := component.InterfaceAddress("gpio")
		if !ok {
			log.Warn("can't find address for node, skipping",
				logging.String("node", component.TypeName))
			continue
		}
		fmt.Fprintf(&b, "\t\t%s: led_%d {\n", component.Label(), i)
		fmt.Fprintf(&b, "\t\t\tgpios = <&%s %d GPIO_ACTIVE_HIGH>;\n", conn.SoCInterface, addr)
		fmt.Fprintf(&b, "\t\t\tlabel = %q;\n", name)
		b.WriteString("\t\t};\n")
		usedInterfaces[conn.SoCInterface] = struct{}{}
	}

	b.WriteString("\t};\n")
	b.WriteString("};\n")

	// Sorted so regeneration is byte-identical.
	interfaces := maps.Keys(usedInterfaces)
	sort.Strings(interfaces)
	for _, iface := range interfaces {
		b.WriteString(enableInterface(iface))
	}

	return b.String()
}

// connectionSnippet emits one peripheral child node under an enabled bus
// interface
func connectionSnippet(name, label string, addr uint64, hasAddr bool, compats, socInterface, sensorType string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "&%s {\n", socInterface)
	b.WriteString("\tstatus = \"okay\";\n")
	if hasAddr {
		fmt.Fprintf(&b, "\t%s: %s@%x {\n", label, name, addr)
	} else {
		fmt.Fprintf(&b, "\t%s: %s {\n", label, name)
	}

	if compats != "" {
		fmt.Fprintf(&b, "\t\tcompatible = %s;\n", compats)
	}
	if hasAddr {
		fmt.Fprintf(&b, "\t\treg = <%#x>;\n", addr)
	}
	if sensorType != "" {
		fmt.Fprintf(&b, "\t\tfriendly-name = %q;\n", sensorType)
	}

	// The sht4x binding declares repeatability as required, so the generated
	// node must carry it. Device-binding quirk, not general logic.
	if compats == `"sensirion,sht4x"` {
		b.WriteString("\t\trepeatability = <2>;\n")
	}

	b.WriteString("\t\tstatus = \"okay\";\n")
	b.WriteString("\t};\n")
	b.WriteString("};\n")
	return b.String()
}

// sensorsSnippet emits one peripheral node per recognized sensor connection.
// A sensor without a resolvable register address is emitted without a reg
// field, with a warning.
func sensorsSnippet(sensors []graph.Connection, log *logging.Logger) string {
	var b strings.Builder
	for _, conn := range sensors {
		sensor := conn.Component
		name, hasRDP := sensor.RDPName()
		if !hasRDP {
			name = sensor.TypeName
		}
		addr, hasAddr := sensor.InterfaceAddress(conn.NodeInterface)
		// Address zero means the editor never filled the property in.
		if addr == 0 {
			hasAddr = false
		}
		if !hasAddr {
			log.Warn("can't find address for node, inserting without address",
				logging.String("node", sensor.TypeName))
		}

		rdpName, _ := sensor.RDPName()
		b.WriteString(connectionSnippet(
			name,
			sensor.Label(),
			addr,
			hasAddr,
			sensor.Spec().CompatsString(),
			conn.SoCInterface,
			SupportedSensors[rdpName],
		))
	}
	return b.String()
}

// FindChosen scans a devicetree source for a chosen binding of the given name
// using the textual `<name> = &<label>;` convention. Returns "" when the file
// has no such binding or can't be read. The emulator file preparation uses it
// to locate the console peripheral.
func FindChosen(name, dtsPath string) string {
	data, err := os.ReadFile(dtsPath)
	if err != nil {
		return ""
	}
	re := regexp.MustCompile(regexp.QuoteMeta(name) + ` = &(.+?);`)
	m := re.FindSubmatch(data)
	if m == nil {
		return ""
	}
	return string(m[1])
}

// chosenSnippet re-derives the default console and shell-UART aliases by
// scanning the freshly-written board devicetree and the underlying SoC
// overlay. When no explicit shell-uart alias exists the console alias is
// reused. Aliases that resolve to nothing are omitted.
func chosenSnippet(boardDTS, socDTS string) string {
	shellUART := FindChosen("zephyr,shell-uart", boardDTS)
	if shellUART == "" {
		shellUART = FindChosen("zephyr,shell-uart", socDTS)
	}

	console := FindChosen("zephyr,console", boardDTS)
	if console == "" {
		console = FindChosen("zephyr,console", socDTS)
	}

	if shellUART == "" {
		shellUART = console
	}

	var b strings.Builder
	b.WriteString("/ {\n")
	b.WriteString("\tchosen {\n")
	if shellUART != "" {
		fmt.Fprintf(&b, "\t\tzephyr,shell-uart = &%s;\n", shellUART)
	}
	if console != "" {
		fmt.Fprintf(&b, "\t\tzephyr,console = &%s;\n", console)
	}
	b.WriteString("\t};\n")
	b.WriteString("};\n")
	return b.String()
}
