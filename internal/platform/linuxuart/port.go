// Package linuxuart backs uart.Transport and the heartbeat clock with real
// Linux primitives: raw port I/O through /dev/port and a timerfd.
package linuxuart

import (
	"fmt"
	"os"
)

// Port drives a real 16550 UART at basePort through /dev/port. Opening it
// requires CAP_SYS_RAWIO (typically root).
type Port struct {
	base uint16
	f    *os.File
}

// New opens /dev/port for raw access to the UART at basePort (e.g. 0x3F8
// for COM1).
func New(basePort uint16) (*Port, error) {
	f, err := os.OpenFile("/dev/port", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("linuxuart: open /dev/port: %w", err)
	}
	return &Port{base: basePort, f: f}, nil
}

// Read implements uart.Transport.
func (p *Port) Read(reg int) byte {
	buf := make([]byte, 1)
	if _, err := p.f.ReadAt(buf, int64(p.base)+int64(reg)); err != nil {
		return 0
	}
	return buf[0]
}

// Write implements uart.Transport.
func (p *Port) Write(reg int, v byte) {
	p.f.WriteAt([]byte{v}, int64(p.base)+int64(reg))
}

// AckInterrupt implements uart.Transport. Acknowledgement on a 16550 is
// implicit in draining IIR/LSR/RHR/MSR, already done by the driver's
// interrupt service loop; nothing further is owed to the platform.
func (p *Port) AckInterrupt() {}

// Close releases the /dev/port file descriptor.
func (p *Port) Close() error {
	return p.f.Close()
}
