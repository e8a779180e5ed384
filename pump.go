package rdmdrv

import (
	"context"
	"time"

	"github.com/dmxrdm/rdmdrv/transport"
)

// handleUART is the UART interrupt handler. It advances the pump in both
// roles: draining the RX FIFO into the slot buffer and completing packet
// assembly on idle, or topping up the TX FIFO and finishing the bus
// turnaround. It never blocks and never allocates.
func (d *Driver) handleUART(pending transport.Interrupt) {
	now := time.Now()
	d.lock.Lock()

	if d.flags&flagSending != 0 {
		d.pumpTxLocked(pending, now)
		return // pumpTxLocked releases the lock
	}
	d.pumpRxLocked(pending, now)
}

// pumpTxLocked services TX interrupts while a send is in flight. Called
// with d.lock held; releases it.
func (d *Driver) pumpTxLocked(pending transport.Interrupt, now time.Time) {
	if pending&transport.IntTxFifoEmpty != 0 && d.txPos < d.txSize {
		n := d.uart.WriteFIFO(d.txBuf[d.txPos:d.txSize])
		d.txPos += n
		if d.txPos >= d.txSize {
			d.flags |= flagSentLast
		}
	}

	if pending&transport.IntTxDone != 0 && d.txPos >= d.txSize {
		// Last byte has left the shift register: turn the bus around.
		d.flags &^= flagSending | flagSentLast | flagInBreak
		d.state = pumpIdle
		d.head = -1
		d.lastSlot = now
		d.uart.DisableInterrupts(transport.IntTxFifoEmpty | transport.IntTxDone)
		// Anything that reached the RX FIFO while we were driving the
		// line is our own echo or noise; drop it before listening.
		d.uart.ResetRxFIFO()
		_ = d.uart.SetRTS(true)
		waiter := d.waiter
		d.lock.Unlock()
		waiter.notify(noteSent)
		return
	}
	d.lock.Unlock()
}

// pumpRxLocked services RX interrupts. Called with d.lock held; releases
// it. Completion (idle gap or full buffer) posts the waiter notification
// after the lock is dropped.
func (d *Driver) pumpRxLocked(pending transport.Interrupt, now time.Time) {
	var note uint32

	if pending&transport.IntBreakDetected != 0 {
		if d.head >= 1 {
			// Next frame's BREAK terminates a packet whose idle gap
			// never fired.
			note = d.completeRxLocked()
		}
		d.head = 0
		d.frameErr = false
		d.expectUnframed = false
		d.lastSlot = now
		// The BREAK itself registers as a frame error; not a real one.
		pending &^= transport.IntFrameErr
	}

	if pending&transport.IntFrameErr != 0 && d.head >= 0 {
		d.frameErr = true
	}

	if pending&transport.IntRxFifoFull != 0 {
		if d.head == -1 && d.expectUnframed {
			// A discovery response carries no BREAK; open the buffer on
			// the first byte.
			d.head = 0
			d.flags &^= flagHasData
			d.frameErr = false
		}
		if d.head >= 0 {
			for d.head < BufSize {
				n := d.uart.ReadFIFO(d.buf[d.head:])
				if n <= 0 {
					break
				}
				d.head += n
			}
			d.lastSlot = now
			if d.head >= BufSize {
				note = d.completeRxLocked()
			}
		} else {
			// Mid-stream bytes outside any frame: drop them.
			for d.uart.ReadFIFO(d.scratch[:]) > 0 {
			}
			d.lastSlot = now
		}
	}

	if pending&transport.IntRxTimeout != 0 && d.head >= 1 && note == 0 {
		note = d.completeRxLocked()
	}

	waiter := d.waiter
	d.lock.Unlock()
	if note != 0 {
		waiter.notify(note)
	}
}

// completeRxLocked finishes packet assembly: latches the size, rearms for
// the next BREAK and picks the notification code from the framing state.
func (d *Driver) completeRxLocked() uint32 {
	d.rxSize = d.head
	d.head = -1
	d.expectUnframed = false
	d.flags |= flagHasData
	d.rxFailed = d.frameErr
	d.frameErr = false
	if d.rxFailed {
		return noteRxFail
	}
	return noteRxDone
}

// handleAlarm is the one-shot timer handler. Depending on why the alarm
// was armed it ends the BREAK, ends the MAB and starts the data phase, or
// wakes a task whose inter-packet spacing gap has elapsed.
func (d *Driver) handleAlarm() {
	d.lock.Lock()
	use := d.alarmUse
	d.alarmUse = alarmNone
	d.flags &^= flagTimerRunning

	switch use {
	case alarmBreak:
		d.uart.InvertTx(false)
		d.flags &^= flagInBreak
		d.state = pumpTxMAB
		d.alarmUse = alarmMAB
		d.flags |= flagTimerRunning
		d.alarm.Arm(d.mabLen, d.handleAlarm)
		d.lock.Unlock()

	case alarmMAB:
		d.state = pumpTxData
		d.startTxDataLocked()
		d.lock.Unlock()

	case alarmSpacing:
		waiter := d.waiter
		d.lock.Unlock()
		waiter.notify(noteSpacing)

	default:
		d.lock.Unlock()
	}
}

// startTxDataLocked begins feeding the TX FIFO and enables the TX
// interrupt pair that carries the send to completion.
func (d *Driver) startTxDataLocked() {
	d.uart.EnableInterrupts(transport.IntTxFifoEmpty | transport.IntTxDone)
	n := d.uart.WriteFIFO(d.txBuf[:d.txSize])
	d.txPos = n
	if n >= d.txSize {
		d.flags |= flagSentLast
	}
}

// Send transmits data as one DMX frame, framed by BREAK and MAB, and
// blocks until the last byte has left the UART. data is at most 513
// slots including the start code.
func (d *Driver) Send(ctx context.Context, data []byte) error {
	if len(data) == 0 || len(data) > BufSize {
		return ErrInvalidArg
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendPacket(ctx, data, true)
}

// sendPacket is the shared transmit primitive: gate on inter-packet
// spacing, claim the line, run the BREAK/MAB/data sequence (or go
// straight to data for an unframed discovery response), then block until
// the bus has turned around.
func (d *Driver) sendPacket(ctx context.Context, data []byte, withBreak bool) error {
	if err := d.waitSpacing(ctx); err != nil {
		return err
	}

	d.lock.Lock()
	copy(d.txBuf[:], data)
	d.txSize = len(data)
	d.txPos = 0
	d.flags |= flagSending
	d.flags &^= flagHasData | flagSentLast
	d.waiter.clear()
	_ = d.uart.SetRTS(false)

	if withBreak {
		d.flags |= flagInBreak | flagTimerRunning
		d.state = pumpTxBreak
		d.alarmUse = alarmBreak
		d.uart.InvertTx(true)
		d.alarm.Arm(d.breakLen, d.handleAlarm)
	} else {
		d.state = pumpTxData
		d.startTxDataLocked()
	}
	d.lock.Unlock()

	return d.WaitSent(ctx)
}

// WaitSent blocks until the in-flight send completes. A timeout abandons
// the wait only; the packet on the wire is never truncated.
func (d *Driver) WaitSent(ctx context.Context) error {
	_, err := d.waiter.wait(ctx, noteSent)
	if err != nil {
		return err
	}
	d.flushPersisted()
	return nil
}

// waitSpacing enforces the inter-packet gap chosen after the previous
// bus event. When the gap has not elapsed the alarm is armed for the
// remainder and the task sleeps on the waiter.
func (d *Driver) waitSpacing(ctx context.Context) error {
	d.lock.Lock()
	spacing := d.nextSpacing
	d.nextSpacing = 0
	elapsed := time.Since(d.lastSlot)
	if spacing == 0 || elapsed >= spacing {
		d.lock.Unlock()
		return nil
	}
	d.waiter.clear()
	d.alarmUse = alarmSpacing
	d.flags |= flagTimerRunning
	d.alarm.Arm(spacing-elapsed, d.handleAlarm)
	d.lock.Unlock()

	_, err := d.waiter.wait(ctx, noteSpacing)
	if err != nil {
		d.alarm.Stop()
		d.lock.Lock()
		if d.alarmUse == alarmSpacing {
			d.alarmUse = alarmNone
			d.flags &^= flagTimerRunning
		}
		d.lock.Unlock()
	}
	return err
}

// setNextSpacing records the gap the next send must honour.
func (d *Driver) setNextSpacing(spacing time.Duration) {
	d.lock.Lock()
	d.nextSpacing = spacing
	d.lock.Unlock()
}

// expectDiscoveryResponse opens the next receive to unframed data, since
// discovery responses arrive without a BREAK.
func (d *Driver) expectDiscoveryResponse() {
	d.lock.Lock()
	d.expectUnframed = true
	d.lock.Unlock()
}
