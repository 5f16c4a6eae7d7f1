// Package simport provides in-memory stand-ins for the UART transport and
// heartbeat clock, for tests and for development on hosts without a real
// serial port or without root (/dev/port access requires CAP_SYS_RAWIO).
package simport

import "example.com/sermux/internal/uart"

// Port is an in-memory 16550 register file satisfying uart.Transport.
type Port struct {
	dlabActive  bool
	lcr         byte
	ier, dlh    byte
	dll         byte
	mcr         byte
	scr         byte
	fifoEnabled bool

	rx      []byte
	written []byte
	acked   int
}

// New returns an empty simulated UART, registers at their power-on state.
func New() *Port {
	return &Port{}
}

// Read implements uart.Transport.
func (p *Port) Read(reg int) byte {
	switch reg {
	case uart.RegData:
		if p.dlabActive {
			return p.dll
		}
		if len(p.rx) == 0 {
			return 0
		}
		b := p.rx[0]
		p.rx = p.rx[1:]
		return b
	case uart.RegIER:
		if p.dlabActive {
			return p.dlh
		}
		return p.ier
	case uart.RegIIR:
		var v byte
		if p.fifoEnabled {
			v |= 0xC0
		}
		if len(p.rx) > 0 {
			v |= 0x04 // receive-data-available, pending (bit0 clear)
		} else {
			v |= 0x01 // no interrupt pending
		}
		return v
	case uart.RegLCR:
		return p.lcr
	case uart.RegMCR:
		return p.mcr
	case uart.RegLSR:
		if len(p.rx) > 0 {
			return 0x01
		}
		return 0x60 // THRE | TEMT: the simulated transmitter never backs up
	case uart.RegMSR:
		return 0
	case uart.RegSCR:
		return p.scr
	}
	return 0
}

// Write implements uart.Transport.
func (p *Port) Write(reg int, v byte) {
	switch reg {
	case uart.RegData:
		if p.dlabActive {
			p.dll = v
			return
		}
		p.written = append(p.written, v)
	case uart.RegIER:
		if p.dlabActive {
			p.dlh = v
			return
		}
		p.ier = v
	case uart.RegIIR:
		p.fifoEnabled = v&0x01 != 0
	case uart.RegLCR:
		p.lcr = v
		p.dlabActive = v&0x80 != 0
	case uart.RegMCR:
		p.mcr = v
	case uart.RegSCR:
		p.scr = v
	}
}

// AckInterrupt implements uart.Transport.
func (p *Port) AckInterrupt() { p.acked++ }

// Inject queues bytes as if they had just arrived over the wire, waking the
// next ServiceInterrupt call.
func (p *Port) Inject(b ...byte) {
	p.rx = append(p.rx, b...)
}

// Pending reports whether an interrupt is currently asserted (received
// bytes waiting), so a driving loop knows when to call ServiceInterrupt.
func (p *Port) Pending() bool {
	return len(p.rx) > 0
}

// Written returns every byte transmitted via Driver.Putchar so far.
func (p *Port) Written() []byte {
	out := make([]byte, len(p.written))
	copy(out, p.written)
	return out
}
