package rpctransport_test

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"example.com/sermux/internal/rpctransport"
)

// fakeSink records every byte handed to it by the listener's connection
// goroutines.
type fakeSink struct {
	mu        sync.Mutex
	processed []pair
	raw       []pair
}

type pair struct {
	client int
	b      byte
}

func (s *fakeSink) PutProcessed(client int, b byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed = append(s.processed, pair{client, b})
}

func (s *fakeSink) PutRaw(client int, b byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = append(s.raw, pair{client, b})
}

func (s *fakeSink) processedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processed)
}

func dialAndWrite(t *testing.T, addr string, lines ...string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	for _, l := range lines {
		if _, err := fmt.Fprintf(conn, "%s\n", l); err != nil {
			t.Fatalf("write %q: %v", l, err)
		}
	}
	return conn
}

func TestListenerRoutesProcessedAndRawBytes(t *testing.T) {
	sink := &fakeSink{}
	reg := rpctransport.NewRegistry(1)
	ln, err := rpctransport.Listen("127.0.0.1:0", sink, reg, false)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	conn := dialAndWrite(t, ln.Addr().String(), "P 0 104", "R 1 120")
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sink.processedLen() < 1 {
		time.Sleep(time.Millisecond)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.processed) != 1 || sink.processed[0] != (pair{0, 104}) {
		t.Fatalf("processed = %v, want [{0 104}]", sink.processed)
	}
	if len(sink.raw) != 1 || sink.raw[0] != (pair{1, 120}) {
		t.Fatalf("raw = %v, want [{1 120}]", sink.raw)
	}
}

func TestGetcharRegistrationReceivesNotifications(t *testing.T) {
	sink := &fakeSink{}
	reg := rpctransport.NewRegistry(2)
	ln, err := rpctransport.Listen("127.0.0.1:0", sink, reg, false)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	conn := dialAndWrite(t, ln.Addr().String(), "G 1")
	defer conn.Close()

	reg.Notify(1)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	r := bufio.NewReader(conn)
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("expected a wake-up notification, got: %v", err)
	}
}

func TestMalformedCommandClosesConnection(t *testing.T) {
	sink := &fakeSink{}
	reg := rpctransport.NewRegistry(0)
	ln, err := rpctransport.Listen("127.0.0.1:0", sink, reg, false)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	conn := dialAndWrite(t, ln.Addr().String(), "X garbage")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected the connection to be closed after a malformed command")
	}
}
