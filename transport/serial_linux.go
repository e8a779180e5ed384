//go:build linux

package transport

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// RTSLine is the direction-control strategy for a half-duplex
// transceiver: either the UART's own RTS modem line or a discrete GPIO
// (see GPIORTS). true means receive.
type RTSLine interface {
	Set(receive bool) error
	Close() error
}

// modemRTS drives the RTS modem-control bit of the serial fd itself.
type modemRTS struct {
	fd int
}

func (m *modemRTS) Set(receive bool) error {
	bits := unix.TIOCM_RTS
	req := unix.TIOCMBIC
	if receive {
		req = unix.TIOCMBIS
	}
	return unix.IoctlSetPointerInt(m.fd, uint(req), bits)
}

func (m *modemRTS) Close() error { return nil }

// SerialUART is the real Linux backend: a tty programmed to 250000 8N2
// raw mode via the termios2 ioctls, BREAK generation through
// TIOCSBRK/TIOCCBRK, and break/error detection through PARMRK marking. A
// reader goroutine plays the interrupt controller: it polls the fd,
// decodes PARMRK escapes, and raises the ISR.
type SerialUART struct {
	fd   int
	path string
	rts  RTSLine
	idle time.Duration

	mu       sync.Mutex
	rx       []byte
	enabled  Interrupt
	pending  Interrupt
	isr      ISR
	inverted bool
	closed   bool

	// PARMRK escape decoder state: 0 normal, 1 after FF, 2 after FF 00.
	// Owned by readLoop; kept on the struct so a mark split across two
	// reads still decodes.
	markState int

	quit chan struct{}
	wg   sync.WaitGroup
}

// SerialOption adjusts an OpenSerial call.
type SerialOption func(*SerialUART)

// WithRTSLine substitutes the direction-control strategy, e.g. a GPIORTS
// for boards whose transceiver enable pin is not wired to RTS.
func WithRTSLine(r RTSLine) SerialOption {
	return func(s *SerialUART) { s.rts = r }
}

// WithIdleWindow overrides the receive idle gap that terminates a packet.
func WithIdleWindow(d time.Duration) SerialOption {
	return func(s *SerialUART) { s.idle = d }
}

// OpenSerial opens path and returns an unconfigured backend. Call
// Configure before use.
func OpenSerial(path string, opts ...SerialOption) (*SerialUART, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}
	s := &SerialUART{
		fd:   fd,
		path: path,
		idle: time.Millisecond,
		quit: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.rts == nil {
		s.rts = &modemRTS{fd: fd}
	}
	return s, nil
}

// Configure programs 250000 baud 8N2 raw mode. The non-standard rate
// needs BOTHER through the termios2 ioctl pair; PARMRK is set so a line
// BREAK arrives in-band as FF 00 00 and can be told apart from data.
func (s *SerialUART) Configure() error {
	tio, err := unix.IoctlGetTermios(s.fd, unix.TCGETS2)
	if err != nil {
		return fmt.Errorf("transport: TCGETS2 %s: %w", s.path, err)
	}

	tio.Iflag = unix.PARMRK
	tio.Oflag = 0
	tio.Lflag = 0
	tio.Cflag = unix.CS8 | unix.CSTOPB | unix.CREAD | unix.CLOCAL | unix.BOTHER
	tio.Ispeed = dmxBaud
	tio.Ospeed = dmxBaud
	tio.Cc[unix.VMIN] = 0
	tio.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(s.fd, unix.TCSETS2, tio); err != nil {
		return fmt.Errorf("transport: TCSETS2 %s: %w", s.path, err)
	}

	if err := s.rts.Set(true); err != nil {
		return fmt.Errorf("transport: rts %s: %w", s.path, err)
	}

	s.wg.Add(1)
	go s.readLoop()
	return nil
}

const dmxBaud = 250000

func (s *SerialUART) SetRTS(receive bool) error { return s.rts.Set(receive) }

func (s *SerialUART) ReadFIFO(p []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(p, s.rx)
	s.rx = s.rx[n:]
	return n
}

// WriteFIFO hands bytes straight to the tty's own output queue; the
// kernel buffers far more than the driver ever queues, so the whole
// packet is accepted in one call and TX_FIFO_EMPTY follows immediately.
func (s *SerialUART) WriteFIFO(p []byte) int {
	n, err := unix.Write(s.fd, p)
	if err != nil || n < 0 {
		return 0
	}
	go s.completeTx()
	return n
}

// completeTx drains the kernel output queue (tcdrain) so TX_DONE means
// the last byte has left the shift register, then turns the interrupts.
func (s *SerialUART) completeTx() {
	s.raise(IntTxFifoEmpty)
	_ = unix.IoctlSetInt(s.fd, unix.TCSBRK, 1)
	s.raise(IntTxDone)
}

func (s *SerialUART) RxLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rx)
}

func (s *SerialUART) TxSpace() int { return 4096 }

func (s *SerialUART) EnableInterrupts(mask Interrupt) {
	s.mu.Lock()
	s.enabled |= mask
	s.mu.Unlock()
}

func (s *SerialUART) DisableInterrupts(mask Interrupt) {
	s.mu.Lock()
	s.enabled &^= mask
	s.mu.Unlock()
}

func (s *SerialUART) ClearInterrupts(mask Interrupt) {
	s.mu.Lock()
	s.pending &^= mask
	s.mu.Unlock()
}

func (s *SerialUART) PendingInterrupts() Interrupt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// InvertTx maps the TX-line inversion onto the tty break ioctls: starting
// the inversion asserts TIOCSBRK (line low), releasing it clears the
// break, producing exactly the BREAK/MAB edge pair the wire needs.
func (s *SerialUART) InvertTx(invert bool) {
	s.mu.Lock()
	s.inverted = invert
	s.mu.Unlock()
	if invert {
		_ = unix.IoctlSetInt(s.fd, unix.TIOCSBRK, 0)
	} else {
		_ = unix.IoctlSetInt(s.fd, unix.TIOCCBRK, 0)
	}
}

func (s *SerialUART) ResetRxFIFO() {
	s.mu.Lock()
	s.rx = nil
	s.mu.Unlock()
	_ = unix.IoctlSetInt(s.fd, unix.TCFLSH, unix.TCIFLUSH)
}

func (s *SerialUART) ResetTxFIFO() {
	_ = unix.IoctlSetInt(s.fd, unix.TCFLSH, unix.TCOFLUSH)
}

func (s *SerialUART) SetISR(isr ISR) {
	s.mu.Lock()
	s.isr = isr
	s.mu.Unlock()
}

func (s *SerialUART) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.quit)
	s.wg.Wait()
	_ = s.rts.Close()
	return unix.Close(s.fd)
}

func (s *SerialUART) raise(mask Interrupt) {
	s.mu.Lock()
	s.pending |= mask
	fire := s.pending & s.enabled
	s.pending &^= fire
	isr := s.isr
	s.mu.Unlock()
	if fire != 0 && isr != nil {
		isr(fire)
	}
}

// readLoop polls the fd, decodes the PARMRK escape stream and raises the
// matching interrupt mix. With PARMRK and parity checking off, the kernel
// marks a BREAK as FF 00 00 and doubles literal FF bytes.
func (s *SerialUART) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 1024)
	pfd := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	idleMs := int(s.idle / time.Millisecond)
	if idleMs < 1 {
		idleMs = 1
	}
	sawData := false

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		pfd[0].Revents = 0
		n, err := unix.Poll(pfd, idleMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return
		}
		if n == 0 {
			if sawData {
				sawData = false
				s.raise(IntRxTimeout)
			}
			continue
		}

		nr, err := unix.Read(s.fd, buf)
		if err != nil || nr <= 0 {
			continue
		}
		data, events := s.unmark(buf[:nr])
		if len(data) > 0 {
			s.mu.Lock()
			s.rx = append(s.rx, data...)
			s.mu.Unlock()
			sawData = true
			events |= IntRxFifoFull
		}
		if events != 0 {
			s.raise(events)
		}
	}
}

// unmark strips PARMRK escapes: FF FF is a literal FF, FF 00 00 is a
// BREAK (reported with the frame error the hardware pairs it with).
// Escape state is kept across reads so a sequence split over two reads
// still decodes.
func (s *SerialUART) unmark(in []byte) ([]byte, Interrupt) {
	var events Interrupt
	out := make([]byte, 0, len(in))
	for _, b := range in {
		switch s.markState {
		case 0:
			if b == 0xFF {
				s.markState = 1
			} else {
				out = append(out, b)
			}
		case 1:
			switch b {
			case 0xFF: // escaped literal FF
				out = append(out, 0xFF)
				s.markState = 0
			case 0x00:
				s.markState = 2
			default:
				// The kernel only emits FF FF or FF 00 x; tolerate.
				out = append(out, b)
				s.markState = 0
			}
		case 2: // FF 00 x: x==0 is a BREAK, else an errored byte x
			if b == 0x00 {
				events |= IntBreakDetected | IntFrameErr
			} else {
				events |= IntFrameErr
				out = append(out, b)
			}
			s.markState = 0
		}
	}
	return out, events
}
