package rdmdrv

import (
	"context"
	"errors"

	"github.com/dmxrdm/rdmdrv/pidreg"
	"github.com/dmxrdm/rdmdrv/rdmlog"
	"github.com/dmxrdm/rdmdrv/rdmwire"
	"github.com/dmxrdm/rdmdrv/uid"
)

// Packet is one assembled bus frame as Receive returns it. For RDM
// packets the decoded header and parameter data are filled in; anything
// else (dimmer data, discovery responses) is raw slots only. Err is
// populated instead of raised so the caller can inspect bad traffic.
type Packet struct {
	Data []byte
	Size int
	Err  error

	IsRDM       bool
	IsRequest   bool
	IsBroadcast bool
	IsDUB       bool
	Header      rdmwire.Header
	PD          []byte

	// Responded is set when dispatch put a response on the wire.
	Responded    bool
	ResponseType rdmwire.ResponseType
}

// Receive blocks until a full packet has been assembled, then runs the
// responder dispatch for RDM requests addressed to this device and
// returns the packet. Protocol failures (bad checksum, framing error)
// return a zero-size packet with Err set rather than an error: the wire
// saw something, the caller may want to know.
func (d *Driver) Receive(ctx context.Context) (Packet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.receive(ctx, true)
}

// Serve loops Receive until ctx is cancelled, driving the responder role.
func (d *Driver) Serve(ctx context.Context) error {
	for {
		if _, err := d.Receive(ctx); err != nil {
			if errors.Is(err, ErrTimeout) && ctx.Err() == nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (d *Driver) receive(ctx context.Context, dispatch bool) (Packet, error) {
	for {
		d.lock.Lock()
		if d.flags&flagHasData != 0 {
			break
		}
		d.waiter.clear()
		d.lock.Unlock()

		if _, err := d.waiter.wait(ctx, noteRxDone|noteRxFail); err != nil {
			return Packet{}, err
		}
	}

	// Still holding d.lock from the loop's break.
	size := d.rxSize
	failed := d.rxFailed
	d.rxFailed = false
	data := make([]byte, size)
	copy(data, d.buf[:size])
	d.flags &^= flagHasData
	d.lock.Unlock()

	var pkt Packet
	if failed {
		pkt.Err = ErrFail
		return pkt, nil
	}
	pkt.Data = data
	pkt.Size = size

	if size < 2 || data[0] != rdmwire.StartCode {
		// Dimmer data or an unframed discovery response: raw delivery.
		return pkt, nil
	}

	h, pd, err := rdmwire.DecodePacket(data)
	if err != nil {
		// Carried the RDM start code but failed validation: report the
		// failure, deliver nothing, dispatch nothing.
		return Packet{Err: ErrFail}, nil
	}

	pkt.IsRDM = true
	pkt.Header = h
	pkt.PD = pd
	pkt.IsRequest = !h.CommandClass.IsResponse()
	pkt.IsBroadcast = h.Destination.IsBroadcast()
	pkt.IsDUB = h.PID == pidreg.PIDDiscUniqueBranch &&
		h.CommandClass == rdmwire.CCDiscoveryCommand

	d.lock.Lock()
	d.rdmType = rdmIsValid
	if pkt.IsRequest {
		d.rdmType |= rdmIsRequest
	}
	if pkt.IsBroadcast {
		d.rdmType |= rdmIsBroadcast
	}
	if pkt.IsDUB {
		d.rdmType |= rdmIsDUB
	}
	d.nextSpacing = RespondToRequestPacketSpacing
	d.lock.Unlock()

	if dispatch && pkt.IsRequest {
		d.respond(ctx, &pkt)
	}
	return pkt, nil
}

// respond runs the responder validation chain and, when it yields a
// response, schedules the bus turnaround and sends it. First matching
// rule wins.
func (d *Driver) respond(ctx context.Context, pkt *Packet) {
	h := pkt.Header

	if !uid.IsTarget(d.uid, h.Destination) {
		return // not ours; stay silent
	}

	rtype := rdmwire.ResponseNone
	var respPD []byte
	var reason pidreg.NackReason
	nack := func(r pidreg.NackReason) {
		rtype = rdmwire.ResponseNackReason
		reason = r
	}

	rec := d.reg.Lookup(0, h.PID)
	switch {
	case h.PortIDOrResponseType == 0 || h.Source.IsBroadcast():
		nack(pidreg.NackFormatError)
	case rec == nil:
		nack(pidreg.NackUnknownPid)
	case !commandClassSupported(rec, h.CommandClass, h.PID):
		nack(pidreg.NackUnsupportedCommandClass)
	case h.SubDevice > 512 && h.SubDevice != rdmwire.SubDeviceAll:
		nack(pidreg.NackSubDeviceOutOfRange)
	case h.SubDevice == rdmwire.SubDeviceAll && h.CommandClass == rdmwire.CCGetCommand:
		nack(pidreg.NackSubDeviceOutOfRange)
	default:
		rtype, respPD, reason = d.handlePID(pkt, rec)
	}

	// Post-dispatch policy.
	if pkt.IsBroadcast && h.PID != pidreg.PIDDiscUniqueBranch {
		rtype = rdmwire.ResponseNone
	}
	if rtype == rdmwire.ResponseNackReason && h.CommandClass == rdmwire.CCDiscoveryCommand {
		rtype = rdmwire.ResponseNone
	}
	if rtype != rdmwire.ResponseNone && !responseValidForClass(rtype, h.CommandClass) {
		rtype = rdmwire.ResponseNackReason
		reason = pidreg.NackHardwareFault
		respPD = nil
	}

	if rtype == rdmwire.ResponseNone {
		// No wire response, but an acknowledged broadcast SET still
		// persists.
		d.flushPersisted()
		pkt.ResponseType = rdmwire.ResponseNone
		return
	}

	var err error
	if h.PID == pidreg.PIDDiscUniqueBranch && rtype == rdmwire.ResponseAck {
		// Discovery responses are unframed: preamble, delimiter,
		// dual-byte UID and checksum, no BREAK.
		var dub []byte
		dub, err = rdmwire.EncodeDUB(d.uid, rdmwire.MaxDUBPreamble)
		if err == nil {
			err = d.sendPacket(ctx, dub, false)
		}
	} else {
		if rtype == rdmwire.ResponseNackReason {
			respPD = []byte{byte(reason >> 8), byte(reason)}
		}
		rh := rdmwire.ResponseHeaderFor(h, rtype, len(respPD))
		var out []byte
		out, err = rdmwire.EncodePacket(rh, respPD)
		if err == nil {
			err = d.sendPacket(ctx, out, true)
		}
	}
	if err != nil {
		rdmlog.Warnf("port %d: response for pid %04x dropped: %v", d.port, h.PID, err)
		return
	}
	pkt.Responded = true
	pkt.ResponseType = rtype
}

// commandClassSupported checks the request command class against the
// record. Discovery commands are only meaningful on the discovery PIDs.
func commandClassSupported(rec *pidreg.Record, cc rdmwire.CommandClass, pid uint16) bool {
	switch cc {
	case rdmwire.CCDiscoveryCommand:
		return pid == pidreg.PIDDiscUniqueBranch ||
			pid == pidreg.PIDDiscMute || pid == pidreg.PIDDiscUnMute
	case rdmwire.CCGetCommand:
		return rec.SupportedGet
	case rdmwire.CCSetCommand:
		return rec.SupportedSet
	}
	return false
}

// responseValidForClass guards against a handler returning a response
// type the request's command class cannot carry.
func responseValidForClass(rtype rdmwire.ResponseType, cc rdmwire.CommandClass) bool {
	switch cc {
	case rdmwire.CCDiscoveryCommand:
		return rtype == rdmwire.ResponseAck || rtype == rdmwire.ResponseNackReason
	case rdmwire.CCGetCommand, rdmwire.CCSetCommand:
		switch rtype {
		case rdmwire.ResponseAck, rdmwire.ResponseAckTimer,
			rdmwire.ResponseNackReason, rdmwire.ResponseAckOverflow:
			return true
		}
	}
	return false
}

// Discovery-mute control field bits.
const (
	muteControlManagedProxy uint16 = 1 << 0
	muteControlSubDevice    uint16 = 1 << 1
	muteControlBootLoader   uint16 = 1 << 2
	muteControlProxied      uint16 = 1 << 3
)

// handlePID runs the driver-side handler for a validated request and
// produces the response type, parameter data and NACK reason.
func (d *Driver) handlePID(pkt *Packet, rec *pidreg.Record) (rdmwire.ResponseType, []byte, pidreg.NackReason) {
	h := pkt.Header

	switch h.PID {
	case pidreg.PIDDiscUniqueBranch:
		return d.handleDUB(pkt)

	case pidreg.PIDDiscMute, pidreg.PIDDiscUnMute:
		d.lock.Lock()
		d.muted = h.PID == pidreg.PIDDiscMute
		if d.muted {
			d.mutedBy = h.Source
		} else {
			d.mutedBy = uid.Null
		}
		control := uint16(0)
		if d.persistFailed {
			// Persisted state is out of step with the wire ACKs; flag
			// the responder as inconsistent to the controller.
			control |= muteControlBootLoader
		}
		d.lock.Unlock()
		return rdmwire.ResponseAck, []byte{byte(control >> 8), byte(control)}, 0

	case pidreg.PIDSupportedParameters:
		return d.handleSupportedParameters(h.SubDevice)

	case pidreg.PIDParameterDescription:
		return d.handleParameterDescription(pkt.PD)

	case pidreg.PIDFactoryDefaults:
		if h.CommandClass == rdmwire.CCGetCommand {
			all := byte(1)
			for _, key := range d.reg.Keys() {
				r := d.reg.Lookup(key.SubDevice, key.PID)
				if r != nil && !r.IsDefault() {
					all = 0
					break
				}
			}
			return rdmwire.ResponseAck, []byte{all}, 0
		}
		for _, key := range d.reg.Keys() {
			r := d.reg.Lookup(key.SubDevice, key.PID)
			if r != nil && r.ResetToDefault() && !r.Volatile {
				d.persistPending = append(d.persistPending, key)
			}
		}
		return rdmwire.ResponseAck, nil, 0

	case pidreg.PIDResetDevice:
		if len(pkt.PD) != 1 || (pkt.PD[0] != 0x01 && pkt.PD[0] != 0xFF) {
			return rdmwire.ResponseNackReason, nil, pidreg.NackDataOutOfRange
		}
		rdmlog.Infof("port %d: reset requested (mode %02x)", d.port, pkt.PD[0])
		d.lock.Lock()
		d.muted = false
		d.lock.Unlock()
		return rdmwire.ResponseAck, nil, 0
	}

	// Generic storage-backed GET/SET.
	if h.CommandClass == rdmwire.CCGetCommand {
		pd, reason, err := rec.Get()
		if err != nil || reason != 0 {
			if reason == 0 {
				reason = pidreg.NackHardwareFault
			}
			return rdmwire.ResponseNackReason, nil, reason
		}
		return rdmwire.ResponseAck, pd, 0
	}

	reason, err := rec.Set(pkt.PD)
	if err != nil || reason != 0 {
		if reason == 0 {
			reason = pidreg.NackHardwareFault
		}
		return rdmwire.ResponseNackReason, nil, reason
	}
	if !rec.Volatile {
		sub := h.SubDevice
		if sub == rdmwire.SubDeviceAll {
			sub = 0
		}
		d.persistPending = append(d.persistPending,
			pidreg.Key{SubDevice: sub, PID: h.PID})
	}
	return rdmwire.ResponseAck, nil, 0
}

// handleDUB answers a discovery-unique-branch probe: respond iff not
// muted and our UID falls inside [lower, upper].
func (d *Driver) handleDUB(pkt *Packet) (rdmwire.ResponseType, []byte, pidreg.NackReason) {
	d.lock.Lock()
	muted := d.muted
	d.lock.Unlock()
	if muted || len(pkt.PD) != 12 {
		return rdmwire.ResponseNone, nil, 0
	}
	lower := uid.FromBytes([6]byte(pkt.PD[0:6]))
	upper := uid.FromBytes([6]byte(pkt.PD[6:12]))
	if uid.Le(lower, d.uid) && uid.Le(d.uid, upper) {
		return rdmwire.ResponseAck, nil, 0
	}
	return rdmwire.ResponseNone, nil, 0
}

func (d *Driver) handleSupportedParameters(subDevice uint16) (rdmwire.ResponseType, []byte, pidreg.NackReason) {
	sub := subDevice
	if sub == rdmwire.SubDeviceAll {
		sub = 0
	}
	pids := d.reg.Supported(sub)
	pd := make([]byte, 0, len(pids)*2)
	for _, pid := range pids {
		// The discovery trio is implicit in every responder and is not
		// reported.
		if pid == pidreg.PIDDiscUniqueBranch || pid == pidreg.PIDDiscMute ||
			pid == pidreg.PIDDiscUnMute {
			continue
		}
		pd = append(pd, byte(pid>>8), byte(pid))
	}
	if len(pd) > rdmwire.MaxPDL {
		pd = pd[:rdmwire.MaxPDL&^1]
	}
	return rdmwire.ResponseAck, pd, 0
}

func (d *Driver) handleParameterDescription(reqPD []byte) (rdmwire.ResponseType, []byte, pidreg.NackReason) {
	if len(reqPD) != 2 {
		return rdmwire.ResponseNackReason, nil, pidreg.NackFormatError
	}
	pid := uint16(reqPD[0])<<8 | uint16(reqPD[1])
	rec := d.reg.Lookup(0, pid)
	if rec == nil {
		return rdmwire.ResponseNackReason, nil, pidreg.NackDataOutOfRange
	}
	desc := rec.Description
	if len(desc) > 32 {
		desc = desc[:32]
	}
	// pid, pdl size, data type, command class, type, unit, prefix,
	// min/default/max, description.
	pd := make([]byte, 0, 20+len(desc))
	pd = append(pd, byte(pid>>8), byte(pid))
	pd = append(pd, byte(rec.AllocSize))
	cc := byte(0)
	if rec.SupportedGet {
		cc |= 0x01
	}
	if rec.SupportedSet {
		cc |= 0x02
	}
	pd = append(pd, 0x00, cc, 0x00, 0x00, 0x00)
	pd = append(pd, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0)
	pd = append(pd, desc...)
	return rdmwire.ResponseAck, pd, 0
}
