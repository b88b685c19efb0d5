// Package simtest provides in-memory emulator fakes for tests
package simtest

import (
	"fmt"
	"sync"

	"github.com/dd0wney/vsd-backend/pkg/simulate"
)

// Emulation is an in-memory emulator session recording every call
type Emulation struct {
	mu       sync.Mutex
	Machines []*Machine
	Started  bool
	Cleared  bool

	// AddMachineErr, when set, fails the next AddMachine call.
	AddMachineErr error

	// NextLoadPlatformErr and NextLoadFirmwareErr, when set, are copied
	// onto machines created by AddMachine.
	NextLoadPlatformErr error
	NextLoadFirmwareErr error

	// Configure, when set, runs on every machine AddMachine creates so
	// tests can seed peripherals before the caller sees the machine.
	Configure func(*Machine)
}

// NewEmulation creates an empty fake session
func NewEmulation() *Emulation {
	return &Emulation{}
}

// Factory returns a simulate.Factory handing out this exact session
func (e *Emulation) Factory() simulate.Factory {
	return func() simulate.Emulation { return e }
}

func (e *Emulation) AddMachine(name string) (simulate.Machine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.AddMachineErr != nil {
		return nil, e.AddMachineErr
	}
	m := &Machine{
		Name:            name,
		LoadPlatformErr: e.NextLoadPlatformErr,
		LoadFirmwareErr: e.NextLoadFirmwareErr,
	}
	if e.Configure != nil {
		e.Configure(m)
	}
	e.Machines = append(e.Machines, m)
	return m, nil
}

func (e *Emulation) StartAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Started = true
	return nil
}

func (e *Emulation) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Cleared = true
}

// State reports the session's started and cleared flags
func (e *Emulation) State() (started, cleared bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Started, e.Cleared
}

// Machine is an in-memory machine. Peripherals are added up front by the
// test; loading only records paths.
type Machine struct {
	mu sync.Mutex

	Name         string
	PlatformPath string
	FirmwarePath string

	LoadPlatformErr error
	LoadFirmwareErr error

	Uarts   []*UART
	LEDs    map[string]*LED            // keyed source + "." + label
	Sensors map[string]*SensorRegister // keyed source + "." + label + "." + quantity
}

func (m *Machine) LoadPlatform(replPath string) error {
	if m.LoadPlatformErr != nil {
		return m.LoadPlatformErr
	}
	m.PlatformPath = replPath
	return nil
}

func (m *Machine) LoadFirmware(elfPath string) error {
	if m.LoadFirmwareErr != nil {
		return m.LoadFirmwareErr
	}
	m.FirmwarePath = elfPath
	return nil
}

func (m *Machine) UARTs() []simulate.UART {
	uarts := make([]simulate.UART, len(m.Uarts))
	for i, u := range m.Uarts {
		uarts[i] = u
	}
	return uarts
}

func (m *Machine) LED(source, label string) (simulate.LED, error) {
	led, ok := m.LEDs[source+"."+label]
	if !ok {
		return nil, fmt.Errorf("no LED at sysbus.%s.%s", source, label)
	}
	return led, nil
}

func (m *Machine) SensorRegister(source, label, quantity string) (simulate.SensorRegister, error) {
	reg, ok := m.Sensors[source+"."+label+"."+quantity]
	if !ok {
		return nil, fmt.Errorf("no %s register at sysbus.%s.%s", quantity, source, label)
	}
	return reg, nil
}

// AddUART registers a fake UART on the machine
func (m *Machine) AddUART(name string) *UART {
	u := &UART{name: name}
	m.Uarts = append(m.Uarts, u)
	return u
}

// AddLED registers a fake LED on the machine
func (m *Machine) AddLED(source, label string) *LED {
	if m.LEDs == nil {
		m.LEDs = make(map[string]*LED)
	}
	led := &LED{}
	m.LEDs[source+"."+label] = led
	return led
}

// AddSensorRegister registers a fake sensor quantity on the machine
func (m *Machine) AddSensorRegister(source, label, quantity string) *SensorRegister {
	if m.Sensors == nil {
		m.Sensors = make(map[string]*SensorRegister)
	}
	reg := &SensorRegister{}
	m.Sensors[source+"."+label+"."+quantity] = reg
	return reg
}

type subscription struct {
	cancel func()
	once   sync.Once
}

func (s *subscription) Cancel() { s.once.Do(s.cancel) }

// UART is an in-memory serial peripheral. EmitByte plays the firmware's
// transmit side; WriteByte records what the editor sent back.
type UART struct {
	mu        sync.Mutex
	name      string
	callbacks map[int]func(byte)
	nextID    int
	Received  []byte
}

func (u *UART) Name() string { return u.name }

func (u *UART) OnByte(fn func(byte)) simulate.Subscription {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.callbacks == nil {
		u.callbacks = make(map[int]func(byte))
	}
	id := u.nextID
	u.nextID++
	u.callbacks[id] = fn
	return &subscription{cancel: func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		delete(u.callbacks, id)
	}}
}

func (u *UART) WriteByte(b byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Received = append(u.Received, b)
}

// EmitByte delivers one firmware-transmitted byte to all registered callbacks
func (u *UART) EmitByte(b byte) {
	u.mu.Lock()
	callbacks := make([]func(byte), 0, len(u.callbacks))
	for _, fn := range u.callbacks {
		callbacks = append(callbacks, fn)
	}
	u.mu.Unlock()
	for _, fn := range callbacks {
		fn(b)
	}
}

// EmitString delivers a string byte by byte
func (u *UART) EmitString(s string) {
	for _, b := range []byte(s) {
		u.EmitByte(b)
	}
}

// LED is an in-memory on/off peripheral
type LED struct {
	mu        sync.Mutex
	callbacks map[int]func(bool)
	nextID    int
	State     bool
}

func (l *LED) OnStateChange(fn func(bool)) simulate.Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.callbacks == nil {
		l.callbacks = make(map[int]func(bool))
	}
	id := l.nextID
	l.nextID++
	l.callbacks[id] = fn
	return &subscription{cancel: func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.callbacks, id)
	}}
}

// SetState drives the LED as the firmware would, notifying subscribers
func (l *LED) SetState(active bool) {
	l.mu.Lock()
	l.State = active
	callbacks := make([]func(bool), 0, len(l.callbacks))
	for _, fn := range l.callbacks {
		callbacks = append(callbacks, fn)
	}
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(active)
	}
}

// SensorRegister is an in-memory writable sensor quantity
type SensorRegister struct {
	mu     sync.Mutex
	Writes []string

	WriteErr error
}

func (r *SensorRegister) Write(value string) error {
	if r.WriteErr != nil {
		return r.WriteErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Writes = append(r.Writes, value)
	return nil
}

// LastWrite returns the most recent value written, or "" when none
func (r *SensorRegister) LastWrite() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Writes) == 0 {
		return ""
	}
	return r.Writes[len(r.Writes)-1]
}
