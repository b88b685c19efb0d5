// Package simulate bridges generated firmware to a hardware emulator. The
// emulator engine itself lives behind the Emulation interface so the bridge,
// the RPC session and the tests never depend on a concrete runtime.
package simulate

import "fmt"

// Emulation is one emulator session holding zero or more machines. A session
// is single-use: after Clear it can't be restarted.
type Emulation interface {
	// AddMachine creates a named machine in the session.
	AddMachine(name string) (Machine, error)

	// StartAll starts every machine in the session.
	StartAll() error

	// Clear tears the whole session down, releasing all machines and
	// peripherals.
	Clear()
}

// Machine is a single emulated machine
type Machine interface {
	// LoadPlatform loads a platform description file into the machine.
	LoadPlatform(replPath string) error

	// LoadFirmware loads the firmware image onto the machine.
	LoadFirmware(elfPath string) error

	// UARTs enumerates the machine's UART peripherals.
	UARTs() []UART

	// LED locates an LED peripheral by its bus source and platform label,
	// e.g. ("gpio0", "led1a2b").
	LED(source, label string) (LED, error)

	// SensorRegister locates a writable sensor quantity by its bus source
	// and platform label, e.g. ("i2c1", "thermometer5c81", "temperature").
	SensorRegister(source, label, quantity string) (SensorRegister, error)
}

// UART is a byte-oriented serial peripheral
type UART interface {
	// Name is the peripheral's platform name.
	Name() string

	// OnByte registers a receive callback invoked for every byte the
	// firmware transmits. Callbacks run on the emulator's thread.
	OnByte(fn func(b byte)) Subscription

	// WriteByte feeds one byte into the peripheral's receive side.
	WriteByte(b byte)
}

// LED is an on/off output peripheral
type LED interface {
	// OnStateChange registers a callback invoked whenever the firmware
	// drives the LED. Callbacks run on the emulator's thread.
	OnStateChange(fn func(active bool)) Subscription
}

// SensorRegister is a writable emulated sensor quantity
type SensorRegister interface {
	// Write sets the quantity from its textual representation.
	Write(value string) error
}

// Subscription is a cancellable peripheral callback registration
type Subscription interface {
	Cancel()
}

// Factory creates a fresh emulator session. The RPC session constructs one
// Emulation per simulation run.
type Factory func() Emulation

// Prepare creates a machine in emu and loads the platform description and
// firmware into it. Loader failures surface directly so the caller can report
// which artifact was unusable.
func Prepare(emu Emulation, boardName, elfPath, replPath string) (Machine, error) {
	machine, err := emu.AddMachine("machine0")
	if err != nil {
		return nil, fmt.Errorf("failed to create machine for %s: %w", boardName, err)
	}
	if err := machine.LoadPlatform(replPath); err != nil {
		return nil, fmt.Errorf("failed to load platform %s: %w", replPath, err)
	}
	if err := machine.LoadFirmware(elfPath); err != nil {
		return nil, fmt.Errorf("failed to load firmware %s: %w", elfPath, err)
	}
	return machine, nil
}

// WriteString feeds a string into a UART byte by byte
func WriteString(uart UART, s string) {
	for _, b := range []byte(s) {
		uart.WriteByte(b)
	}
}
