// Package uart drives a 16550-compatible serial port: startup programming,
// a busy-wait putchar respecting FIFO depth, and an interrupt service
// routine that hands received bytes to the input router.
//
// Driver has no lock of its own; every method assumes the caller already
// holds the server's single coarse lock.
package uart

import "fmt"

// Register offsets from the UART's base port, shared by every platform
// backend (real port I/O or a simulated register file).
const (
	RegData = 0 // RHR (read) / THR (write) / DLL when DLAB is set
	RegIER  = 1 // Interrupt Enable Register / DLH when DLAB is set
	RegIIR  = 2 // Interrupt Identification Register (read) / FCR (write)
	RegLCR  = 3 // Line Control Register
	RegMCR  = 4 // Modem Control Register
	RegLSR  = 5 // Line Status Register
	RegMSR  = 6 // Modem Status Register
	RegSCR  = 7 // Scratch Register
)

const (
	lcrWordLen8N1 = 0x03
	lcrDLAB       = 0x80

	mcrDTR  = 0x01
	mcrRTS  = 0x02
	mcrOUT1 = 0x04
	mcrOUT2 = 0x08

	lsrDataReady  = 0x01
	lsrTHRE       = 0x20
	lsrTEMT       = 0x40

	fcrEnable       = 0x01
	fcrClearRxFIFO  = 0x02
	fcrClearTxFIFO  = 0x04
	fcrTrigger14    = 0xC0
	iirFIFOsEnabled = 0xC0

	ierRxDataAvailable = 0x01

	iirNoInterruptPending = 0x01
	iirCauseMask          = 0x0E
	iirCauseModemStatus   = 0x00
	iirCauseTHREmpty      = 0x02
	iirCauseRxDataAvail   = 0x04
	iirCauseLineStatus    = 0x06
	iirCauseRxTimeout     = 0x0C
)

// Transport is the platform's port-I/O primitive for one UART: 8-bit reads
// and writes at register offsets 0-7, plus an interrupt acknowledge.
type Transport interface {
	Read(reg int) byte
	Write(reg int, v byte)
	AckInterrupt()
}

// Driver owns one UART and the FIFO-depth bookkeeping putchar needs.
type Driver struct {
	xport     Transport
	fifoDepth int
	inFlight  int

	// onByte is called once per byte received during ServiceInterrupt,
	// normally wired to router.Router.HandleByte.
	onByte func(b byte)
}

// New programs the UART for baud (8N1, FIFO enabled if present) and
// returns a ready Driver. baud must evenly divide 115200.
func New(xport Transport, baud int, onByte func(byte)) (*Driver, error) {
	if baud <= 0 || 115200%baud != 0 {
		return nil, fmt.Errorf("uart: invalid baud rate %d", baud)
	}
	d := &Driver{xport: xport, fifoDepth: 1, onByte: onByte}
	d.startup(baud)
	return d, nil
}

func (d *Driver) startup(baud int) {
	d.xport.Write(RegLCR, 0) // clear DLAB
	d.xport.Write(RegIER, 0) // disable all interrupts
	d.xport.Write(RegIIR, 0) // clear and disable FIFOs
	d.xport.Write(RegLCR, lcrWordLen8N1)
	d.xport.Write(RegMCR, mcrDTR|mcrRTS|mcrOUT1|mcrOUT2)
	d.drainCause()

	divisor := 115200 / baud
	d.xport.Write(RegLCR, lcrWordLen8N1|lcrDLAB)
	d.xport.Write(RegData, byte(divisor&0xFF))
	d.xport.Write(RegIER, byte((divisor>>8)&0xFF))
	d.xport.Write(RegLCR, lcrWordLen8N1)

	d.xport.Write(RegIIR, fcrEnable|fcrClearRxFIFO|fcrClearTxFIFO|fcrTrigger14)
	if d.xport.Read(RegIIR)&iirFIFOsEnabled == iirFIFOsEnabled {
		d.fifoDepth = 16
	} else {
		d.fifoDepth = 1
	}

	d.xport.Write(RegIER, ierRxDataAvailable)
	d.drainCause()
}

func (d *Driver) drainCause() {
	for d.xport.Read(RegIIR)&iirNoInterruptPending == 0 {
	}
}

// Putchar busy-waits until the FIFO has drained below its depth, then
// writes b. There is no timeout: this mirrors the hardware contract, not a
// scheduler primitive.
func (d *Driver) Putchar(b byte) {
	if d.inFlight == d.fifoDepth {
		for {
			lsr := d.xport.Read(RegLSR)
			if lsr&lsrTHRE != 0 && lsr&lsrTEMT != 0 {
				break
			}
		}
		d.inFlight = 0
	}
	d.xport.Write(RegData, b)
	d.inFlight++
}

// ServiceInterrupt drains every pending interrupt cause, dispatching
// received bytes to onByte, then acknowledges the interrupt at the
// platform layer.
func (d *Driver) ServiceInterrupt() {
	for {
		cause := d.xport.Read(RegIIR)
		if cause&iirNoInterruptPending != 0 {
			break
		}
		switch cause & iirCauseMask {
		case iirCauseModemStatus:
			d.xport.Read(RegMSR)
		case iirCauseTHREmpty:
			// Nothing to do: the fixed-rate driver doesn't pipeline writes.
		case iirCauseRxDataAvail, iirCauseRxTimeout:
			for d.xport.Read(RegLSR)&lsrDataReady != 0 {
				b := d.xport.Read(RegData)
				if d.onByte != nil {
					d.onByte(b)
				}
			}
		case iirCauseLineStatus:
			d.xport.Read(RegLSR)
		}
	}
	d.xport.AckInterrupt()
}

// FIFODepth reports the probed FIFO depth (1 or 16), for tests.
func (d *Driver) FIFODepth() int { return d.fifoDepth }
