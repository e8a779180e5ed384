package transport

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/creack/pty"
)

// FileUART adapts any byte stream to the UART capability for integration
// testing over a pty pair. Since a pty cannot carry a real line BREAK,
// both ends speak the same in-band convention the kernel's PARMRK mode
// uses on a real tty: FF 00 00 marks a BREAK, FF FF escapes a literal FF.
type FileUART struct {
	rw   io.ReadWriteCloser
	idle time.Duration

	mu        sync.Mutex
	rx        []byte
	enabled   Interrupt
	pending   Interrupt
	isr       ISR
	rts       bool
	inverted  bool
	markState int
	closed    bool
	idleTimer *time.Timer
	sawData   bool

	wg sync.WaitGroup
}

// NewFileUART wraps rw. The reader goroutine starts on Configure.
func NewFileUART(rw io.ReadWriteCloser, idle time.Duration) *FileUART {
	if idle <= 0 {
		idle = time.Millisecond
	}
	return &FileUART{rw: rw, idle: idle, rts: true}
}

// NewPtyPair allocates a pty and returns a FileUART for each side,
// already configured. Closing either closes its half of the pair.
func NewPtyPair(idle time.Duration) (*FileUART, *FileUART, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("transport: pty: %w", err)
	}
	a := NewFileUART(ptmx, idle)
	b := NewFileUART(tty, idle)
	if err := a.Configure(); err != nil {
		return nil, nil, err
	}
	if err := b.Configure(); err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

func (f *FileUART) Configure() error {
	f.wg.Add(1)
	go f.readLoop()
	return nil
}

func (f *FileUART) SetRTS(receive bool) error {
	f.mu.Lock()
	f.rts = receive
	f.mu.Unlock()
	return nil
}

func (f *FileUART) ReadFIFO(p []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := copy(p, f.rx)
	f.rx = f.rx[n:]
	return n
}

// WriteFIFO escapes literal FF bytes and writes the packet through. The
// stream accepts everything at once, so the empty/done interrupt pair
// follows immediately on a separate goroutine.
func (f *FileUART) WriteFIFO(p []byte) int {
	out := make([]byte, 0, len(p)+4)
	for _, b := range p {
		if b == 0xFF {
			out = append(out, 0xFF, 0xFF)
		} else {
			out = append(out, b)
		}
	}
	if _, err := f.rw.Write(out); err != nil {
		return 0
	}
	go func() {
		f.raise(IntTxFifoEmpty)
		f.raise(IntTxDone)
	}()
	return len(p)
}

func (f *FileUART) RxLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rx)
}

func (f *FileUART) TxSpace() int { return 4096 }

func (f *FileUART) EnableInterrupts(mask Interrupt) {
	f.mu.Lock()
	f.enabled |= mask
	f.mu.Unlock()
}

func (f *FileUART) DisableInterrupts(mask Interrupt) {
	f.mu.Lock()
	f.enabled &^= mask
	f.mu.Unlock()
}

func (f *FileUART) ClearInterrupts(mask Interrupt) {
	f.mu.Lock()
	f.pending &^= mask
	f.mu.Unlock()
}

func (f *FileUART) PendingInterrupts() Interrupt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

// InvertTx emits the in-band BREAK mark on the releasing edge, matching
// the real line where the BREAK is complete when the inversion ends.
func (f *FileUART) InvertTx(invert bool) {
	f.mu.Lock()
	was := f.inverted
	f.inverted = invert
	f.mu.Unlock()
	if was && !invert {
		_, _ = f.rw.Write([]byte{0xFF, 0x00, 0x00})
	}
}

func (f *FileUART) ResetRxFIFO() {
	f.mu.Lock()
	f.rx = nil
	f.mu.Unlock()
}

func (f *FileUART) ResetTxFIFO() {}

func (f *FileUART) SetISR(isr ISR) {
	f.mu.Lock()
	f.isr = isr
	f.mu.Unlock()
}

func (f *FileUART) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	if f.idleTimer != nil {
		f.idleTimer.Stop()
	}
	f.mu.Unlock()
	err := f.rw.Close()
	f.wg.Wait()
	return err
}

func (f *FileUART) raise(mask Interrupt) {
	f.mu.Lock()
	f.pending |= mask
	fire := f.pending & f.enabled
	f.pending &^= fire
	isr := f.isr
	f.mu.Unlock()
	if fire != 0 && isr != nil {
		isr(fire)
	}
}

func (f *FileUART) readLoop() {
	defer f.wg.Done()
	buf := make([]byte, 1024)
	for {
		n, err := f.rw.Read(buf)
		if n > 0 {
			data, events := f.unmark(buf[:n])
			if len(data) > 0 {
				f.mu.Lock()
				f.rx = append(f.rx, data...)
				f.sawData = true
				f.armIdleLocked()
				f.mu.Unlock()
				events |= IntRxFifoFull
			}
			if events != 0 {
				f.raise(events)
			}
		}
		if err != nil {
			return
		}
	}
}

func (f *FileUART) armIdleLocked() {
	if f.idleTimer == nil {
		f.idleTimer = time.AfterFunc(f.idle, f.idleExpired)
	} else {
		f.idleTimer.Reset(f.idle)
	}
}

func (f *FileUART) idleExpired() {
	f.mu.Lock()
	fire := f.sawData && !f.closed
	f.sawData = false
	f.mu.Unlock()
	if fire {
		f.raise(IntRxTimeout)
	}
}

// unmark decodes the shared escape convention; same state machine as the
// PARMRK decoder in the serial backend.
func (f *FileUART) unmark(in []byte) ([]byte, Interrupt) {
	var events Interrupt
	out := make([]byte, 0, len(in))
	for _, b := range in {
		switch f.markState {
		case 0:
			if b == 0xFF {
				f.markState = 1
			} else {
				out = append(out, b)
			}
		case 1:
			switch b {
			case 0xFF:
				out = append(out, 0xFF)
				f.markState = 0
			case 0x00:
				f.markState = 2
			default:
				out = append(out, b)
				f.markState = 0
			}
		case 2:
			if b == 0x00 {
				events |= IntBreakDetected | IntFrameErr
			} else {
				events |= IntFrameErr
				out = append(out, b)
			}
			f.markState = 0
		}
	}
	return out, events
}
