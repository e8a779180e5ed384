package transport

import (
	"sync"
	"time"
)

// Bus is an in-memory multi-drop line: every byte written by one endpoint
// is delivered, in order, to every other endpoint. It exists for tests
// and bus simulation. The hub does not model electrical contention;
// direction (RTS) is tracked per endpoint for assertions, and two
// endpoints answering in the same response window simply interleave in
// the listener's FIFO the way colliding discovery responses do.
type Bus struct {
	mu   sync.Mutex
	ends []*LoopbackUART
	idle time.Duration
}

// NewBus returns an empty bus with a 1 ms receive-idle window.
func NewBus() *Bus {
	return &Bus{idle: time.Millisecond}
}

// SetIdleTimeout adjusts the gap after which endpoints raise RX_TIMEOUT.
// Applies to endpoints created afterwards.
func (b *Bus) SetIdleTimeout(d time.Duration) {
	b.mu.Lock()
	b.idle = d
	b.mu.Unlock()
}

// NewEndpoint attaches a new UART endpoint to the bus.
func (b *Bus) NewEndpoint() *LoopbackUART {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := &LoopbackUART{
		bus:    b,
		idle:   b.idle,
		events: make(chan loopEvent, 256),
		quit:   make(chan struct{}),
		rts:    true,
	}
	b.ends = append(b.ends, e)
	go e.run()
	return e
}

func (b *Bus) peersOf(e *LoopbackUART) []*LoopbackUART {
	b.mu.Lock()
	defer b.mu.Unlock()
	peers := make([]*LoopbackUART, 0, len(b.ends)-1)
	for _, o := range b.ends {
		if o != e {
			peers = append(peers, o)
		}
	}
	return peers
}

type loopEvent uint8

const (
	evRxBytes loopEvent = iota
	evTxKick
	evBreak
	evIdle
	evPoll
)

const (
	loopRxCap = 1024
	loopTxCap = 16
)

// LoopbackUART is one endpoint of a Bus. Its event goroutine plays the
// role of the interrupt controller: it serializes byte deliveries, TX
// drains, BREAK edges and idle expiries, and invokes the registered ISR
// without holding the endpoint lock.
type LoopbackUART struct {
	bus  *Bus
	idle time.Duration

	mu        sync.Mutex
	rx        []byte
	tx        []byte
	txKicked  bool
	enabled   Interrupt
	pending   Interrupt
	isr       ISR
	rts       bool
	inverted  bool
	idleTimer *time.Timer
	closed    bool

	events chan loopEvent
	quit   chan struct{}
}

func (e *LoopbackUART) Configure() error { return nil }

func (e *LoopbackUART) SetRTS(receive bool) error {
	e.mu.Lock()
	e.rts = receive
	e.mu.Unlock()
	return nil
}

// Receiving reports the last direction set via SetRTS.
func (e *LoopbackUART) Receiving() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rts
}

func (e *LoopbackUART) ReadFIFO(p []byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := copy(p, e.rx)
	e.rx = e.rx[n:]
	return n
}

func (e *LoopbackUART) WriteFIFO(p []byte) int {
	e.mu.Lock()
	space := loopTxCap - len(e.tx)
	if space < 0 {
		space = 0
	}
	n := len(p)
	if n > space {
		n = space
	}
	e.tx = append(e.tx, p[:n]...)
	kick := !e.txKicked && len(e.tx) > 0
	if kick {
		e.txKicked = true
	}
	e.mu.Unlock()
	if kick {
		e.post(evTxKick)
	}
	return n
}

func (e *LoopbackUART) RxLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rx)
}

func (e *LoopbackUART) TxSpace() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return loopTxCap - len(e.tx)
}

func (e *LoopbackUART) EnableInterrupts(mask Interrupt) {
	e.mu.Lock()
	e.enabled |= mask
	flush := e.pending&e.enabled != 0
	e.mu.Unlock()
	if flush {
		e.post(evPoll)
	}
}

func (e *LoopbackUART) DisableInterrupts(mask Interrupt) {
	e.mu.Lock()
	e.enabled &^= mask
	e.mu.Unlock()
}

func (e *LoopbackUART) ClearInterrupts(mask Interrupt) {
	e.mu.Lock()
	e.pending &^= mask
	e.mu.Unlock()
}

func (e *LoopbackUART) PendingInterrupts() Interrupt {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// InvertTx models the BREAK: the falling edge is the inversion, and the
// rising edge (un-invert) is what peers observe as a completed BREAK
// condition, which the hardware reports together with a frame error.
func (e *LoopbackUART) InvertTx(invert bool) {
	e.mu.Lock()
	was := e.inverted
	e.inverted = invert
	e.mu.Unlock()
	if was && !invert {
		for _, peer := range e.bus.peersOf(e) {
			peer.post(evBreak)
		}
	}
}

func (e *LoopbackUART) ResetRxFIFO() {
	e.mu.Lock()
	e.rx = nil
	e.mu.Unlock()
}

func (e *LoopbackUART) ResetTxFIFO() {
	e.mu.Lock()
	e.tx = nil
	e.mu.Unlock()
}

func (e *LoopbackUART) SetISR(isr ISR) {
	e.mu.Lock()
	e.isr = isr
	e.mu.Unlock()
}

func (e *LoopbackUART) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	e.mu.Unlock()
	close(e.quit)
	return nil
}

func (e *LoopbackUART) post(ev loopEvent) {
	select {
	case e.events <- ev:
	case <-e.quit:
	default:
		// Event queue overflow only happens if the ISR wedges; drop
		// rather than deadlock two endpoints posting to each other.
	}
}

// deliver appends bytes from a peer into the RX FIFO, restarts the idle
// window, and wakes the event goroutine.
func (e *LoopbackUART) deliver(p []byte) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	room := loopRxCap - len(e.rx)
	if room < len(p) {
		p = p[:room]
	}
	e.rx = append(e.rx, p...)
	if e.idleTimer == nil {
		e.idleTimer = time.AfterFunc(e.idle, func() { e.post(evIdle) })
	} else {
		e.idleTimer.Reset(e.idle)
	}
	e.mu.Unlock()
	e.post(evRxBytes)
}

// raise latches mask pending and fires the ISR with whatever of the
// pending set is enabled. Disabled sources stay latched until enabled or
// cleared.
func (e *LoopbackUART) raise(mask Interrupt) {
	e.mu.Lock()
	e.pending |= mask
	fire := e.pending & e.enabled
	e.pending &^= fire
	isr := e.isr
	e.mu.Unlock()
	if fire != 0 && isr != nil {
		isr(fire)
	}
}

func (e *LoopbackUART) run() {
	for {
		select {
		case <-e.quit:
			return
		case ev := <-e.events:
			switch ev {
			case evRxBytes:
				e.raise(IntRxFifoFull)
			case evBreak:
				e.raise(IntBreakDetected | IntFrameErr)
			case evIdle:
				e.raise(IntRxTimeout)
			case evPoll:
				e.raise(0)
			case evTxKick:
				e.drainTx()
			}
		}
	}
}

// drainTx moves the TX FIFO onto the wire, then walks the
// TX_FIFO_EMPTY / TX_DONE sequence: the empty interrupt gives the driver
// a chance to top the FIFO up; only when it declines does the engine
// report the last byte gone.
func (e *LoopbackUART) drainTx() {
	for {
		e.mu.Lock()
		out := e.tx
		e.tx = nil
		e.mu.Unlock()

		if len(out) > 0 {
			for _, peer := range e.bus.peersOf(e) {
				peer.deliver(out)
			}
		}

		e.raise(IntTxFifoEmpty)

		e.mu.Lock()
		more := len(e.tx) > 0
		if !more {
			e.txKicked = false
		}
		e.mu.Unlock()
		if !more {
			e.raise(IntTxDone)
			return
		}
	}
}
