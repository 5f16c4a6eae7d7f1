// Command sermuxd runs the multiplexing serial terminal server: it owns
// one UART, multiplexes its output across up to console.MaxClients
// output clients, and routes its input to one or more input clients
// selected through the operator escape sequence.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/sermux/internal/console"
	"example.com/sermux/internal/platform/linuxuart"
	"example.com/sermux/internal/platform/simport"
	"example.com/sermux/internal/rpctransport"
	"example.com/sermux/internal/server"
	"example.com/sermux/internal/uart"
)

func main() {
	basePort := flag.Uint("port", 0x3F8, "UART I/O base port (ignored with -sim)")
	baud := flag.Int("baud", 115200, "UART baud rate")
	listen := flag.String("listen", "127.0.0.1:7000", "RPC transport listen address")
	debug := flag.Bool("debug", false, "enable debug logging")
	sim := flag.Bool("sim", false, "use the in-memory simulated UART instead of /dev/port")
	escape := flag.String("escape", string(rune('@')), "operator escape character")
	clients := flag.Int("clients", console.MaxClients, "number of input clients to pre-register")
	flag.Parse()

	if err := run(*basePort, *baud, *listen, *debug, *sim, *escape, *clients); err != nil {
		log.Fatalf("sermuxd: %v", err)
	}
}

func run(basePort uint, baud int, listenAddr string, debug, sim bool, escape string, clients int) error {
	if len(escape) != 1 {
		return fmt.Errorf("escape must be exactly one character, got %q", escape)
	}
	if clients < 1 || clients > console.MaxClients {
		return fmt.Errorf("clients must be in [1, %d]", console.MaxClients)
	}

	xport, closeXport, err := openTransport(sim, uint16(basePort))
	if err != nil {
		return err
	}
	defer closeXport()

	// The heartbeat always runs against the real timerfd clock, even in
	// -sim mode: only the UART register file is simulated, not wall-clock
	// time. server.Server.Close() closes it.
	clock, err := linuxuart.NewTimerfdClock()
	if err != nil {
		return err
	}

	reg := rpctransport.NewRegistry(clients - 1)

	cfg := server.Config{
		Baud:   baud,
		Escape: escape[0],
		Debug:  debug,
	}
	s, err := server.New(cfg, xport, reg, clock, bufio.NewWriter(os.Stdout))
	if err != nil {
		return fmt.Errorf("constructing server: %w", err)
	}
	defer s.Close()

	ln, err := rpctransport.Listen(listenAddr, s, reg, debug)
	if err != nil {
		return err
	}
	defer ln.Close()

	if debug {
		log.Printf("sermuxd: listening on %s, %d baud, %d input clients", listenAddr, baud, clients)
	}

	if sim {
		go driveUARTInterruptsPolling(s, xport.(*simport.Port))
	}

	waitForSignal()
	return nil
}

// openTransport returns the UART transport plus a cleanup func, selecting
// the real /dev/port backend or the in-memory simulator.
func openTransport(sim bool, basePort uint16) (uart.Transport, func(), error) {
	if sim {
		return simport.New(), func() {}, nil
	}
	p, err := linuxuart.New(basePort)
	if err != nil {
		return nil, func() {}, err
	}
	return p, func() { p.Close() }, nil
}

// driveUARTInterruptsPolling stands in for the real platform's interrupt
// delivery when running against the simulated port: nothing actually
// raises a hardware IRQ, so sermuxd polls for pending received bytes and
// services them itself.
func driveUARTInterruptsPolling(s *server.Server, p *simport.Port) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if p.Pending() {
			s.HandleUARTInterrupt()
		}
	}
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}

