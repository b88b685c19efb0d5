package simulate

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/dd0wney/vsd-backend/pkg/logging"
)

// ProcessEmulation runs the emulator as an external process. It supports
// headless firmware execution; interactive peripheral observers need an
// embedded engine, so UARTs come back empty and LED or sensor lookups fail
// with a descriptive error.
type ProcessEmulation struct {
	binary string
	log    *logging.Logger

	mu       sync.Mutex
	machines []*processMachine
	cmd      *exec.Cmd
}

// NewProcessFactory returns a Factory producing process-backed sessions
// using the given emulator binary
func NewProcessFactory(binary string, log *logging.Logger) Factory {
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	return func() Emulation {
		return &ProcessEmulation{binary: binary, log: log}
	}
}

// AddMachine records a machine; the process is only spawned by StartAll
func (e *ProcessEmulation) AddMachine(name string) (Machine, error) {
	if e.binary == "" {
		return nil, fmt.Errorf("no emulator binary configured")
	}
	m := &processMachine{name: name}
	e.mu.Lock()
	e.machines = append(e.machines, m)
	e.mu.Unlock()
	return m, nil
}

// StartAll spawns one emulator process per machine, streaming its output
// into the backend log
func (e *ProcessEmulation) StartAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.machines) != 1 {
		return fmt.Errorf("the process-backed engine runs exactly one machine, got %d", len(e.machines))
	}
	m := e.machines[0]

	script := fmt.Sprintf(`mach create "%s"
machine LoadPlatformDescription @%s
sysbus LoadELF @%s
start
`, m.name, m.replPath, m.elfPath)

	scriptFile, err := os.CreateTemp("", "vsd-*.resc")
	if err != nil {
		return fmt.Errorf("failed to stage emulator script: %w", err)
	}
	if _, err := scriptFile.WriteString(script); err != nil {
		scriptFile.Close()
		return fmt.Errorf("failed to stage emulator script: %w", err)
	}
	scriptFile.Close()

	cmd := exec.Command(e.binary, "--disable-xwt", "--console", scriptFile.Name())
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open emulator output pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start emulator: %w", err)
	}
	e.cmd = cmd

	go func() {
		defer os.Remove(scriptFile.Name())
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			e.log.Info("emulator: " + scanner.Text())
		}
	}()
	return nil
}

// Clear terminates the emulator process
func (e *ProcessEmulation) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd != nil && e.cmd.Process != nil {
		e.cmd.Process.Kill()
		e.cmd.Wait()
		e.cmd = nil
	}
}

type processMachine struct {
	name     string
	replPath string
	elfPath  string
}

func (m *processMachine) LoadPlatform(replPath string) error {
	m.replPath = replPath
	return nil
}

func (m *processMachine) LoadFirmware(elfPath string) error {
	m.elfPath = elfPath
	return nil
}

func (m *processMachine) UARTs() []UART { return nil }

func (m *processMachine) LED(source, label string) (LED, error) {
	return nil, fmt.Errorf("LED observers aren't available on the process-backed engine")
}

func (m *processMachine) SensorRegister(source, label, quantity string) (SensorRegister, error) {
	return nil, fmt.Errorf("sensor registers aren't available on the process-backed engine")
}
