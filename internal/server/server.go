// Package server centralizes every piece of process-wide state behind one
// coarse lock: the UART driver, the output multiplexer, the input router,
// and the heartbeat clock. This mirrors the teacher's VirtualMachine, which
// likewise bundles every device and the single stopChan into one value
// instead of package-level globals.
package server

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"example.com/sermux/internal/outmux"
	"example.com/sermux/internal/router"
	"example.com/sermux/internal/uart"
)

// DefaultHeartbeatPeriod is 500ms, fixed by §4.5.
const DefaultHeartbeatPeriod = 500 * time.Millisecond

// Config holds construction parameters, defaulted the way the teacher's
// NewVirtualMachine(memSize, numVCPUs, enableDebug) defaults zero values
// rather than parsing a config file.
type Config struct {
	Baud            int
	HeartbeatPeriod time.Duration
	Escape          byte
	Debug           bool
}

func (c *Config) setDefaults() {
	if c.Baud == 0 {
		c.Baud = 115200
	}
	if c.HeartbeatPeriod == 0 {
		c.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	if c.Escape == 0 {
		c.Escape = router.DefaultEscape
	}
}

// Clock is the platform's periodic timer primitive, keyed by an opaque id
// and a period in nanoseconds, mirroring the original timeout_periodic(id,
// nanoseconds) call.
type Clock interface {
	TimeoutPeriodic(id int, nanoseconds int64) (<-chan struct{}, error)
	Close() error
}

// sink adapts a bufio.Writer to outmux.Sink.
type sink struct {
	*bufio.Writer
}

// uartWriter adapts the UART driver's busy-wait transmit path (§4.1) to
// io.Writer, so debug logging can be bound to it the way the original
// component's own set_putchar(serial_putchar) rebinds its debug output
// onto the physical serial line rather than a separate host console.
// Every call to Write happens either during single-threaded construction
// or already under the server lock (see runHeartbeat), so it calls
// Putchar directly rather than re-acquiring the lock.
type uartWriter struct {
	drv *uart.Driver
}

func (w uartWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		w.drv.Putchar(b)
	}
	return len(p), nil
}

// Server owns the UART, the multiplexer, the router, and the heartbeat
// goroutine, all serialized by lock.
type Server struct {
	cfg   Config
	xport uart.Transport
	clock Clock

	lock   sync.Mutex // single coarse lock serializing every core operation
	mux    *outmux.Mux
	rtr    *router.Router
	drv    *uart.Driver
	logger *log.Logger // non-nil iff cfg.Debug; transmits over the UART itself

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
	closed        bool
}

// New wires a Server from its platform adapters. registry may be a static
// fake in tests or rpctransport.Registry in production.
func New(cfg Config, xport uart.Transport, registry router.Registry, clock Clock, out io.Writer) (*Server, error) {
	cfg.setDefaults()

	s := &Server{
		cfg:           cfg,
		xport:         xport,
		clock:         clock,
		stopHeartbeat: make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}

	bw, ok := out.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriter(out)
	}
	s.mux = outmux.New(&sink{bw})
	s.rtr = router.New(registry, s.mux, cfg.Escape)

	drv, err := uart.New(xport, cfg.Baud, s.onByteReceived)
	if err != nil {
		return nil, fmt.Errorf("server: uart init: %w", err)
	}
	s.drv = drv

	if cfg.Debug {
		s.logger = log.New(uartWriter{drv}, "", log.LstdFlags)
		s.logger.Printf("server: UART initialized at %d baud, FIFO depth %d", cfg.Baud, drv.FIFODepth())
	}

	ticks, err := clock.TimeoutPeriodic(0, cfg.HeartbeatPeriod.Nanoseconds())
	if err != nil {
		return nil, fmt.Errorf("server: arming heartbeat: %w", err)
	}
	go s.runHeartbeat(ticks)

	return s, nil
}

func (s *Server) withLock(f func()) {
	s.lock.Lock()
	defer s.lock.Unlock()
	f()
}

func (s *Server) onByteReceived(b byte) {
	// Called from ServiceInterrupt, which HandleUARTInterrupt already runs
	// under the lock; do not re-lock here.
	s.rtr.HandleByte(b)
}

// HandleUARTInterrupt runs the UART's interrupt service routine under the
// lock, per §4.1: "the entire handler runs under the server lock."
func (s *Server) HandleUARTInterrupt() {
	s.withLock(func() {
		s.drv.ServiceInterrupt()
	})
}

// PutProcessed delivers one processed-stream byte from an output client.
func (s *Server) PutProcessed(client int, b byte) {
	s.withLock(func() {
		s.mux.PutProcessed(client, b)
	})
}

// PutRaw delivers one raw-stream byte from an output client.
func (s *Server) PutRaw(client int, b byte) {
	s.withLock(func() {
		s.mux.PutRaw(client, b)
	})
}

func (s *Server) runHeartbeat(ticks <-chan struct{}) {
	defer close(s.heartbeatDone)
	for {
		select {
		case <-s.stopHeartbeat:
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			s.withLock(func() {
				s.mux.HeartbeatTick()
				if s.cfg.Debug {
					s.logger.Printf("server: heartbeat tick")
				}
			})
		}
	}
}

// Close stops the heartbeat and releases platform resources. Idempotent:
// safe to call more than once, mirroring VirtualMachine.Close().
func (s *Server) Close() error {
	var alreadyClosed bool
	s.withLock(func() {
		alreadyClosed = s.closed
		s.closed = true
	})
	if alreadyClosed {
		return nil
	}

	close(s.stopHeartbeat)
	<-s.heartbeatDone
	return s.clock.Close()
}
