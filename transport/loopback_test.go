package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isrRecorder collects interrupt deliveries for assertions.
type isrRecorder struct {
	mu     sync.Mutex
	events []Interrupt
	seen   Interrupt
	wake   chan struct{}
}

func newISRRecorder() *isrRecorder {
	return &isrRecorder{wake: make(chan struct{}, 64)}
}

func (r *isrRecorder) isr(pending Interrupt) {
	r.mu.Lock()
	r.events = append(r.events, pending)
	r.seen |= pending
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *isrRecorder) waitFor(t *testing.T, want Interrupt, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		ok := r.seen&want == want
		r.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-r.wake:
		case <-deadline:
			t.Fatalf("interrupts %v not seen within %v", want, timeout)
		}
	}
}

func TestLoopbackDeliversBytesInOrder(t *testing.T) {
	bus := NewBus()
	a := bus.NewEndpoint()
	b := bus.NewEndpoint()
	defer a.Close()
	defer b.Close()

	rec := newISRRecorder()
	b.SetISR(rec.isr)
	b.EnableInterrupts(IntRxFifoFull)

	payload := []byte{1, 2, 3, 4, 5}
	n := a.WriteFIFO(payload)
	require.Equal(t, len(payload), n)

	rec.waitFor(t, IntRxFifoFull, time.Second)
	got := make([]byte, 16)
	gn := b.ReadFIFO(got)
	assert.Equal(t, payload, got[:gn])
}

func TestLoopbackBreakReachesPeers(t *testing.T) {
	bus := NewBus()
	a := bus.NewEndpoint()
	b := bus.NewEndpoint()
	defer a.Close()
	defer b.Close()

	rec := newISRRecorder()
	b.SetISR(rec.isr)
	b.EnableInterrupts(IntBreakDetected | IntFrameErr)

	a.InvertTx(true)
	a.InvertTx(false)
	rec.waitFor(t, IntBreakDetected|IntFrameErr, time.Second)
}

func TestLoopbackIdleTimeoutAfterData(t *testing.T) {
	bus := NewBus()
	bus.SetIdleTimeout(5 * time.Millisecond)
	a := bus.NewEndpoint()
	b := bus.NewEndpoint()
	defer a.Close()
	defer b.Close()

	rec := newISRRecorder()
	b.SetISR(rec.isr)
	b.EnableInterrupts(IntRxFifoFull | IntRxTimeout)

	a.WriteFIFO([]byte{0xCC})
	rec.waitFor(t, IntRxFifoFull|IntRxTimeout, time.Second)
}

func TestLoopbackTxEmptyThenDone(t *testing.T) {
	bus := NewBus()
	a := bus.NewEndpoint()
	b := bus.NewEndpoint()
	defer a.Close()
	defer b.Close()

	rec := newISRRecorder()
	a.SetISR(rec.isr)
	a.EnableInterrupts(IntTxFifoEmpty | IntTxDone)

	a.WriteFIFO([]byte{9})
	rec.waitFor(t, IntTxFifoEmpty|IntTxDone, time.Second)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	// The empty interrupt must never come after done.
	var doneSeen bool
	for _, ev := range rec.events {
		if ev&IntTxDone != 0 {
			doneSeen = true
		}
		if ev&IntTxFifoEmpty != 0 {
			assert.False(t, doneSeen, "TX_FIFO_EMPTY after TX_DONE")
		}
	}
}

func TestLoopbackTopUpKeepsDraining(t *testing.T) {
	bus := NewBus()
	a := bus.NewEndpoint()
	b := bus.NewEndpoint()
	defer a.Close()
	defer b.Close()

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}

	// Feed through the 16-byte FIFO the way the driver does: top up on
	// every TX_FIFO_EMPTY until nothing is left.
	var mu sync.Mutex
	sent := 0
	done := make(chan struct{})
	a.SetISR(func(pending Interrupt) {
		if pending&IntTxFifoEmpty != 0 {
			mu.Lock()
			if sent < len(payload) {
				sent += a.WriteFIFO(payload[sent:])
			}
			mu.Unlock()
		}
		if pending&IntTxDone != 0 {
			mu.Lock()
			if sent == len(payload) {
				select {
				case <-done:
				default:
					close(done)
				}
			}
			mu.Unlock()
		}
	})
	a.EnableInterrupts(IntTxFifoEmpty | IntTxDone)

	mu.Lock()
	sent += a.WriteFIFO(payload)
	mu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("payload never finished draining")
	}

	time.Sleep(10 * time.Millisecond)
	got := make([]byte, len(payload)*2)
	n := b.ReadFIFO(got)
	assert.Equal(t, payload, got[:n])
}

func TestBusyAlarmFiresOnce(t *testing.T) {
	a := NewBusyAlarm()
	fired := make(chan time.Time, 2)
	start := time.Now()
	a.Arm(2*time.Millisecond, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), 2*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("alarm never fired")
	}
	select {
	case <-fired:
		t.Fatal("alarm fired twice")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestBusyAlarmStopCancels(t *testing.T) {
	a := NewBusyAlarm()
	fired := make(chan struct{}, 1)
	a.Arm(20*time.Millisecond, func() { fired <- struct{}{} })
	require.True(t, a.Stop())

	select {
	case <-fired:
		t.Fatal("alarm fired after Stop")
	case <-time.After(40 * time.Millisecond):
	}
	assert.False(t, a.Stop())
}

func TestBusyAlarmRearmReplaces(t *testing.T) {
	a := NewBusyAlarm()
	var mu sync.Mutex
	var got []int
	a.Arm(30*time.Millisecond, func() { mu.Lock(); got = append(got, 1); mu.Unlock() })
	a.Arm(5*time.Millisecond, func() { mu.Lock(); got = append(got, 2); mu.Unlock() })

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{2}, got)
}
