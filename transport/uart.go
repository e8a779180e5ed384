// Package transport holds the hardware-facing abstractions the driver is
// built on: a half-duplex 250 kbaud UART capability with an interrupt
// model, a one-shot microsecond alarm, and several backends (in-memory
// loopback bus, Linux termios serial, pty pair).
package transport

// Interrupt is a bitmask of UART interrupt sources. A backend delivers
// the currently-pending set to the registered ISR; the driver enables and
// disables sources around send/receive phases.
type Interrupt uint32

const (
	IntRxFifoFull Interrupt = 1 << iota
	IntRxTimeout
	IntBreakDetected
	IntTxFifoEmpty
	IntTxDone
	IntFrameErr
)

func (i Interrupt) String() string {
	names := []struct {
		bit  Interrupt
		name string
	}{
		{IntRxFifoFull, "RX_FIFO_FULL"},
		{IntRxTimeout, "RX_TIMEOUT"},
		{IntBreakDetected, "BRK_DETECTED"},
		{IntTxFifoEmpty, "TX_FIFO_EMPTY"},
		{IntTxDone, "TX_DONE"},
		{IntFrameErr, "FRAME_ERR"},
	}
	s := ""
	for _, n := range names {
		if i&n.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "NONE"
	}
	return s
}

// ISR is the interrupt handler a backend invokes with the pending source
// set. It runs on the backend's interrupt context (a dedicated goroutine
// for the software backends) and must not block.
type ISR func(pending Interrupt)

// UART is the capability set the driver requires of a half-duplex DMX
// line: 250000 baud 8N2 with an RTS direction signal, TX/RX FIFOs, an
// interrupt mask, and TX-line inversion for BREAK generation. All methods
// are non-blocking and allocation-free on the hot path.
type UART interface {
	// Configure programs 250000 baud, 8 data bits, no parity, 2 stop
	// bits, and half-duplex mode with software-controlled RTS.
	Configure() error

	// SetRTS sets the line direction. true puts the transceiver in
	// receive (listening); false drives the line for transmit.
	SetRTS(receive bool) error

	// ReadFIFO drains up to len(p) bytes from the RX FIFO, returning the
	// count actually read.
	ReadFIFO(p []byte) int

	// WriteFIFO queues up to len(p) bytes into the TX FIFO, returning
	// the count actually accepted.
	WriteFIFO(p []byte) int

	// RxLen reports the number of bytes waiting in the RX FIFO.
	RxLen() int

	// TxSpace reports how many bytes the TX FIFO can accept right now.
	TxSpace() int

	// EnableInterrupts / DisableInterrupts adjust the delivery mask;
	// ClearInterrupts drops pending sources; PendingInterrupts reads the
	// pending set without clearing it.
	EnableInterrupts(mask Interrupt)
	DisableInterrupts(mask Interrupt)
	ClearInterrupts(mask Interrupt)
	PendingInterrupts() Interrupt

	// InvertTx inverts the idle-high TX line. Holding the inversion for
	// the BREAK duration and releasing it produces the DMX BREAK.
	InvertTx(invert bool)

	// ResetRxFIFO / ResetTxFIFO discard FIFO contents.
	ResetRxFIFO()
	ResetTxFIFO()

	// SetISR registers the interrupt handler. Passing nil detaches it.
	SetISR(isr ISR)

	// Close releases the backend.
	Close() error
}
