// Package rdmdrv is a half-duplex DMX512/RDM (ANSI E1.20) driver: the
// send/receive byte pump, responder dispatch, blocking controller
// primitives, and binary-search discovery, layered over the transport
// package's UART and alarm capabilities.
package rdmdrv

import (
	"fmt"
	"sync"
	"time"

	"github.com/dmxrdm/rdmdrv/pidreg"
	"github.com/dmxrdm/rdmdrv/rdmlog"
	"github.com/dmxrdm/rdmdrv/store"
	"github.com/dmxrdm/rdmdrv/transport"
	"github.com/dmxrdm/rdmdrv/uid"
)

// MaxPorts bounds the installed-driver table.
const MaxPorts = 8

// BufSize is the DMX slot buffer: start code plus 512 data slots.
const BufSize = 513

// driverFlags is the per-port state bitmask shared with the ISR pump.
type driverFlags uint8

const (
	flagSending driverFlags = 1 << iota
	flagInBreak
	flagHasData
	flagSentLast
	flagTimerRunning
)

// rdmClass classifies the most recently assembled packet.
type rdmClass uint8

const (
	rdmIsValid rdmClass = 1 << iota
	rdmIsRequest
	rdmIsBroadcast
	rdmIsDUB
)

// pumpState is the ISR pump position within a send.
type pumpState uint8

const (
	pumpIdle pumpState = iota
	pumpTxBreak
	pumpTxMAB
	pumpTxData
)

// alarmUse records why the one-shot alarm was armed, so its ISR knows
// which transition to drive.
type alarmUse uint8

const (
	alarmNone alarmUse = iota
	alarmBreak
	alarmMAB
	alarmSpacing
)

// Config carries everything Install needs to bring a port up.
type Config struct {
	// UID is the root device identity, fixed for the driver's lifetime.
	UID uid.UID

	UART  transport.UART
	Alarm transport.Alarm

	// Store receives write-through persistence of non-volatile
	// parameters. Optional; nil disables persistence.
	Store store.Store

	// Registry overrides the parameter registry. When nil, a registry
	// preloaded with the standard parameter set is built from DeviceInfo
	// and SoftwareVersionLabel.
	Registry             *pidreg.Registry
	DeviceInfo           pidreg.DeviceInfo
	SoftwareVersionLabel string

	// BreakLen and MABLen tune the transmitted frame-start timing. Zero
	// selects the defaults; out-of-range values are clamped.
	BreakLen time.Duration
	MABLen   time.Duration

	// ResponseTimeout overrides how long controller requests wait for a
	// reply. Zero selects the line-rate lost-response window; loopback
	// and pty tests raise it above scheduler jitter.
	ResponseTimeout time.Duration
}

// Driver is one port's state: slot buffer, pump position, flags,
// transaction number, waiter, timing, and the parameter registry. The
// ISR pump and task-level operations share it under two locks: a short
// critical-section mutex for the fields the pump touches, and a
// reentrant operation mutex serialising send/receive/requests.
type Driver struct {
	port int
	uid  uid.UID

	uart  transport.UART
	alarm transport.Alarm
	nv    store.Store
	reg   *pidreg.Registry

	mu   reentrantMutex // application-level operations
	lock sync.Mutex     // ISR-shared fields below

	buf      [BufSize]byte
	head     int  // -1 means awaiting BREAK
	rxSize   int  // assembled packet length, valid while flagHasData
	rxFailed bool // assembled packet carried a framing error
	txBuf    [BufSize]byte
	txSize   int
	txPos    int
	flags    driverFlags
	rdmType  rdmClass
	state    pumpState
	alarmUse alarmUse
	frameErr bool
	// expectUnframed opens the next receive to data without a BREAK
	// (discovery responses are unframed).
	expectUnframed bool
	lastSlot       time.Time
	scratch  [64]byte // ISR drain target for bytes outside a frame

	tn       uint8
	breakLen time.Duration
	mabLen   time.Duration
	respTime time.Duration

	waiter *notifier

	muted         bool
	mutedBy       uid.UID
	persistFailed bool
	nextSpacing   time.Duration

	// persistence latch: keys flushed to nv after send completion
	persistPending []pidreg.Key
}

var (
	installMu sync.Mutex
	installed [MaxPorts]*Driver
)

// Install brings up a driver on port and registers it in the port table.
// The UART is configured, the ISR attached, and the line left in receive.
func Install(port int, cfg Config) (*Driver, error) {
	if port < 0 || port >= MaxPorts {
		return nil, fmt.Errorf("%w: port %d", ErrInvalidArg, port)
	}
	if cfg.UART == nil || cfg.Alarm == nil {
		return nil, fmt.Errorf("%w: nil uart or alarm", ErrInvalidArg)
	}

	installMu.Lock()
	defer installMu.Unlock()
	if installed[port] != nil {
		return nil, fmt.Errorf("%w: port %d already installed", ErrInvalidArg, port)
	}

	reg := cfg.Registry
	if reg == nil {
		reg = pidreg.NewRegistry()
		pidreg.RegisterStandard(reg, 0, cfg.DeviceInfo, cfg.SoftwareVersionLabel, false)
	}

	respTime := cfg.ResponseTimeout
	if respTime == 0 {
		respTime = ControllerResponseLostTimeout
	}

	d := &Driver{
		port:     port,
		uid:      cfg.UID,
		uart:     cfg.UART,
		alarm:    cfg.Alarm,
		nv:       cfg.Store,
		reg:      reg,
		head:     -1,
		breakLen: clampBreakLen(cfg.BreakLen),
		mabLen:   clampMABLen(cfg.MABLen),
		respTime: respTime,
		waiter:   newNotifier(),
		lastSlot: time.Now(),
	}

	if d.nv != nil {
		d.restorePersisted()
	}

	if err := d.uart.Configure(); err != nil {
		return nil, fmt.Errorf("rdmdrv: configure port %d: %w", port, err)
	}
	d.uart.SetISR(d.handleUART)
	d.uart.EnableInterrupts(transport.IntRxFifoFull | transport.IntRxTimeout |
		transport.IntBreakDetected | transport.IntFrameErr)
	if err := d.uart.SetRTS(true); err != nil {
		return nil, fmt.Errorf("rdmdrv: rts port %d: %w", port, err)
	}

	installed[port] = d
	rdmlog.Infof("port %d installed, uid %s", port, d.uid)
	return d, nil
}

// Installed returns the driver on port, or nil.
func Installed(port int) *Driver {
	installMu.Lock()
	defer installMu.Unlock()
	if port < 0 || port >= MaxPorts {
		return nil
	}
	return installed[port]
}

// Uninstall detaches the ISR, stops the alarm and releases the port slot.
// The registry and its records die with the driver.
func (d *Driver) Uninstall() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.alarm.Stop()
	d.uart.SetISR(nil)
	err := d.uart.Close()

	installMu.Lock()
	if installed[d.port] == d {
		installed[d.port] = nil
	}
	installMu.Unlock()

	rdmlog.Infof("port %d uninstalled", d.port)
	return err
}

// UID returns the root device identity fixed at install time.
func (d *Driver) UID() uid.UID { return d.uid }

// Registry exposes the port's parameter registry for application-level
// parameter registration.
func (d *Driver) Registry() *pidreg.Registry { return d.reg }

// restorePersisted reloads non-volatile parameter bytes into their
// registry records.
func (d *Driver) restorePersisted() {
	for _, key := range d.reg.Keys() {
		rec := d.reg.Lookup(key.SubDevice, key.PID)
		if rec == nil || rec.Volatile {
			continue
		}
		data, ok, err := d.nv.Load(key.SubDevice, key.PID)
		if err != nil {
			rdmlog.Warnf("port %d: restore %04x/%04x: %v", d.port, key.SubDevice, key.PID, err)
			continue
		}
		if ok {
			rec.SetStorage(data)
		}
	}
}

// flushPersisted writes latched non-volatile SETs through to the store.
// A storage failure is logged but never alters the wire-level ACK that
// was already issued.
func (d *Driver) flushPersisted() {
	if d.nv == nil {
		d.persistPending = nil
		return
	}
	for _, key := range d.persistPending {
		rec := d.reg.Lookup(key.SubDevice, key.PID)
		if rec == nil {
			continue
		}
		if err := d.nv.Save(key.SubDevice, key.PID, rec.Raw()); err != nil {
			rdmlog.Errorf("port %d: persist %04x/%04x: %v", d.port, key.SubDevice, key.PID, err)
			// Wire ACK already went out; latch the inconsistency so the
			// next discovery mute advertises it.
			d.lock.Lock()
			d.persistFailed = true
			d.lock.Unlock()
		}
	}
	d.persistPending = nil
}
