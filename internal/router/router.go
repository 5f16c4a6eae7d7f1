// Package router implements the input router: the escape-driven operator
// FSM that consumes bytes received from the UART and either delivers them
// to one or more input clients' ring buffers or interprets them as a
// console command (client selection, multi-select, debug cycling, help).
//
// Router has no lock of its own; HandleByte assumes the caller already
// holds the server's single coarse lock, exactly as outmux.Mux does.
package router

import (
	"fmt"

	"example.com/sermux/internal/console"
	"example.com/sermux/internal/outmux"
	"example.com/sermux/internal/ring"
)

type state int

const (
	stateLineStart state = iota
	stateMid
	stateEscapeSeen
	stateMultiConfig
)

// DefaultEscape is the escape byte used unless a Router is constructed with
// a different one.
const DefaultEscape = '@'

// Registry is the input-client directory consumed at dispatch time,
// mirroring §6's "provided to input clients" interface: count,
// enumerate_badge, ring_region, largest_badge, notify.
type Registry interface {
	// Count reports how many input clients are registered. Zero means
	// HandleByte is a no-op.
	Count() int

	// Ring returns the shared receive buffer for badge, or nil if badge is
	// not registered.
	Ring(badge int) *ring.Buffer

	// LargestBadge is the highest valid badge value, always < Count().
	LargestBadge() int

	// Notify wakes the client owning badge after a byte lands in its ring.
	Notify(badge int)
}

// Router holds the FSM state and routing configuration.
type Router struct {
	reg    Registry
	mux    *outmux.Mux
	escape byte

	state state

	activeClient int // -1 means multi-client (broadcast) mode
	multiMask    uint16
	multiTyped   int // digits echoed since entering MultiConfig, for comma separators
	debug        int

	// lastHead caches the pre-write head value observed on the previous
	// ring_push per badge, so wake-ups are suppressed when the consumer
	// has not advanced since the last notification (§4.4).
	lastHead map[int]uint32
}

// New returns a Router in its initial LineStart state, targeting client 0.
// escape selects the operator escape byte; zero defaults to DefaultEscape.
func New(reg Registry, mux *outmux.Mux, escape byte) *Router {
	if escape == 0 {
		escape = DefaultEscape
	}
	return &Router{
		reg:          reg,
		mux:          mux,
		escape:       escape,
		state:        stateLineStart,
		activeClient: 0,
		lastHead:     make(map[int]uint32),
	}
}

// Debug reports the current debug level (0, 1, or 2), cycled by the
// operator's 'd' command.
func (r *Router) Debug() int { return r.debug }

// HandleByte steps the FSM on one byte received from the UART.
func (r *Router) HandleByte(b byte) {
	if r.reg.Count() == 0 {
		return
	}
	switch r.state {
	case stateLineStart:
		if b == r.escape {
			r.state = stateEscapeSeen
			return
		}
		r.deliver(b)
		r.state = stateMid

	case stateMid:
		r.deliver(b)
		if b == '\r' || b == '\n' {
			r.state = stateLineStart
		}

	case stateEscapeSeen:
		r.handleEscapeSeen(b)

	case stateMultiConfig:
		r.handleMultiConfig(b)
	}
}

func (r *Router) handleEscapeSeen(b byte) {
	largest := r.reg.LargestBadge()

	switch {
	case b == r.escape:
		r.deliver(r.escape)
		r.state = stateMid

	case b == 'm':
		r.multiMask = 0
		r.multiTyped = 0
		r.activeClient = -1
		r.mux.SetCoalesceActive(true)
		r.mux.Print(console.MultiPrompt())
		r.state = stateMultiConfig

	case b == 'd':
		r.debug = (r.debug + 1) % 3
		r.mux.Print(console.DebugLevel(r.debug))
		r.state = stateLineStart

	case b == '?':
		r.mux.Print(console.Help(r.escape, largest))
		r.state = stateLineStart

	case b >= '0' && b <= '0'+byte(largest):
		digit := int(b - '0')
		r.activeClient = digit
		r.mux.SetCoalesceActive(false)
		r.mux.Print(console.SingleSelected(digit))
		r.state = stateLineStart

	default:
		r.deliver(r.escape)
		r.deliver(b)
		r.state = stateMid
	}
}

func (r *Router) handleMultiConfig(b byte) {
	largest := r.reg.LargestBadge()

	switch {
	case b >= '0' && b <= '0'+byte(largest):
		digit := int(b - '0')
		r.multiMask |= 1 << uint(digit)
		sep := ""
		if r.multiTyped > 0 {
			sep = ","
		}
		r.multiTyped++
		r.mux.Print(fmt.Sprintf("%s%c", sep, b))

	case b == 'm' || b == 'M' || b == '\r' || b == '\n':
		r.mux.Print(console.MultiSelected(r.multiMask, largest+1))
		r.state = stateLineStart

	default:
		// Ignore anything else while composing the multi-select set.
	}
}

// deliver dispatches b to the currently selected client(s).
func (r *Router) deliver(b byte) {
	if r.activeClient < 0 {
		for badge := 0; badge <= r.reg.LargestBadge(); badge++ {
			if r.multiMask&(1<<uint(badge)) != 0 {
				r.ringPush(badge, b)
			}
		}
		return
	}
	r.ringPush(r.activeClient, b)
}

// ringPush implements §4.4: store b in badge's ring, and notify the client
// only if the producer-observed head differs from the last notified value.
func (r *Router) ringPush(badge int, b byte) {
	rb := r.reg.Ring(badge)
	if rb == nil {
		return
	}
	observedHead, stored := rb.Push(b)
	if !stored {
		return
	}
	if last, ok := r.lastHead[badge]; !ok || observedHead != last {
		r.reg.Notify(badge)
		r.lastHead[badge] = observedHead
	}
}
