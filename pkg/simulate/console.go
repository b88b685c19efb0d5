package simulate

import (
	"fmt"
	"io"
	"sync"
)

// ConsoleCallbackPool fans UART output from a headless simulation into a
// single writer. Exactly one UART is the active console: either the one
// registered as active (the devicetree's chosen console), or, when none is,
// the first one that produces output. All other UARTs stay silent.
type ConsoleCallbackPool struct {
	mu     sync.Mutex
	active UART
	out    io.Writer
}

// NewConsoleCallbackPool creates a pool writing to out
func NewConsoleCallbackPool(out io.Writer) *ConsoleCallbackPool {
	return &ConsoleCallbackPool{out: out}
}

// Callback builds the byte callback for one UART. Registering a second
// active UART is an error. A non-active UART registered after an active one
// discards its output entirely.
func (p *ConsoleCallbackPool) Callback(uart UART, active bool) (func(byte), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	decoder := NewUTF8Decoder()

	if active {
		if p.active != nil {
			return nil, fmt.Errorf("can't set more than one active console")
		}
		p.active = uart
		return decoder.Wrap(func(s string) {
			io.WriteString(p.out, s)
		}), nil
	}

	if p.active != nil {
		return func(byte) {}, nil
	}

	return decoder.Wrap(func(s string) {
		p.mu.Lock()
		if p.active == nil {
			p.active = uart
		}
		claimed := p.active == uart
		p.mu.Unlock()
		if claimed {
			io.WriteString(p.out, s)
		}
	}), nil
}
