package rdmdrv

import (
	"context"
	"errors"
	"time"

	"github.com/dmxrdm/rdmdrv/pidreg"
	"github.com/dmxrdm/rdmdrv/rdmwire"
	"github.com/dmxrdm/rdmdrv/uid"
)

// Ack is the outcome of one controller request. Err carries transport-
// level failures (timeout, malformed reply); Type distinguishes the
// protocol-level outcomes. PD is raw parameter bytes, decoded by the
// caller with the PID's format.
type Ack struct {
	Type       rdmwire.ResponseType
	Err        error
	NackReason pidreg.NackReason
	Timer      time.Duration
	PD         []byte
	Source     uid.UID
	MsgCount   uint8
}

// OK reports a plain ACK: the request succeeded and PD is meaningful.
func (a *Ack) OK() bool { return a.Err == nil && a.Type == rdmwire.ResponseAck }

// Get issues a GET for pid on dest's subDevice and waits for the reply.
func (d *Driver) Get(ctx context.Context, dest uid.UID, subDevice, pid uint16, pd []byte) (*Ack, error) {
	return d.Request(ctx, rdmwire.CCGetCommand, dest, subDevice, pid, pd)
}

// Set issues a SET for pid on dest's subDevice and waits for the reply.
func (d *Driver) Set(ctx context.Context, dest uid.UID, subDevice, pid uint16, pd []byte) (*Ack, error) {
	return d.Request(ctx, rdmwire.CCSetCommand, dest, subDevice, pid, pd)
}

// Request serialises and transmits one RDM request, then collects the
// reply under the lost-response window. Broadcast requests (other than
// discovery probes, which have their own path) expect no reply and
// return immediately after the spacing bookkeeping.
func (d *Driver) Request(ctx context.Context, cc rdmwire.CommandClass, dest uid.UID, subDevice, pid uint16, pd []byte) (*Ack, error) {
	if len(pd) > rdmwire.MaxPDL {
		return nil, ErrInvalidArg
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	h := rdmwire.Header{
		Destination:          dest,
		Source:               d.uid,
		TransactionNumber:    d.tn,
		PortIDOrResponseType: uint8(d.port + 1),
		SubDevice:            subDevice,
		CommandClass:         cc,
		PID:                  pid,
	}
	d.tn++

	out, err := rdmwire.EncodePacket(h, pd)
	if err != nil {
		return nil, ErrInvalidArg
	}
	if err := d.sendPacket(ctx, out, true); err != nil {
		return nil, err
	}

	if dest.IsBroadcast() {
		d.setNextSpacing(BroadcastPacketSpacing)
		return &Ack{Type: rdmwire.ResponseNone}, nil
	}

	pkt, err := d.awaitReply(ctx)
	if err != nil {
		d.setNextSpacing(RequestNoResponsePacketSpacing)
		return &Ack{Err: ErrTimeout}, nil
	}
	d.setNextSpacing(RespondToRequestPacketSpacing)

	if !d.replyMatches(pkt, h) {
		return &Ack{Err: ErrFail}, nil
	}
	return ackFromReply(pkt), nil
}

// awaitReply waits for the next assembled packet under the
// response-lost window.
func (d *Driver) awaitReply(ctx context.Context) (Packet, error) {
	rctx, cancel := context.WithTimeout(ctx, d.respTime)
	defer cancel()
	pkt, err := d.receive(rctx, false)
	if err != nil {
		return Packet{}, err
	}
	return pkt, nil
}

// replyMatches validates a reply against the request it should answer.
func (d *Driver) replyMatches(pkt Packet, req rdmwire.Header) bool {
	if pkt.Err != nil || !pkt.IsRDM || pkt.IsRequest {
		return false
	}
	h := pkt.Header
	return h.CommandClass == req.CommandClass.Response() &&
		h.PID == req.PID &&
		h.TransactionNumber == req.TransactionNumber &&
		uid.Eq(h.Destination, d.uid) &&
		uid.Eq(h.Source, req.Destination)
}

func ackFromReply(pkt Packet) *Ack {
	a := &Ack{
		Type:     rdmwire.ResponseType(pkt.Header.PortIDOrResponseType),
		PD:       pkt.PD,
		Source:   pkt.Header.Source,
		MsgCount: pkt.Header.MessageCount,
	}
	switch a.Type {
	case rdmwire.ResponseAckTimer:
		if len(pkt.PD) >= 2 {
			n := uint16(pkt.PD[0])<<8 | uint16(pkt.PD[1])
			a.Timer = time.Duration(n) * 100 * time.Millisecond
		}
	case rdmwire.ResponseNackReason:
		if len(pkt.PD) >= 2 {
			a.NackReason = pidreg.NackReason(uint16(pkt.PD[0])<<8 | uint16(pkt.PD[1]))
		}
	}
	return a
}

// MuteResponse is the decoded payload of a DISC_MUTE / DISC_UN_MUTE ACK.
// BindingUID is only present on the wire when the responder is part of a
// composite device; absent means Null.
type MuteResponse struct {
	ControlField uint16
	BindingUID   uid.UID
}

func decodeMuteResponse(pd []byte) (MuteResponse, error) {
	var m MuteResponse
	if len(pd) < 2 {
		return m, ErrFail
	}
	m.ControlField = uint16(pd[0])<<8 | uint16(pd[1])
	if len(pd) > 2 {
		if len(pd) < 8 {
			return m, ErrFail
		}
		m.BindingUID = uid.FromBytes([6]byte(pd[2:8]))
	}
	return m, nil
}

// Mute sends DISC_MUTE to dest and decodes the acknowledgement.
func (d *Driver) Mute(ctx context.Context, dest uid.UID) (*MuteResponse, bool, error) {
	return d.muteOp(ctx, dest, pidreg.PIDDiscMute)
}

// UnMute sends DISC_UN_MUTE to dest. Broadcast un-mute is the usual
// opening move of discovery.
func (d *Driver) UnMute(ctx context.Context, dest uid.UID) (*MuteResponse, bool, error) {
	return d.muteOp(ctx, dest, pidreg.PIDDiscUnMute)
}

func (d *Driver) muteOp(ctx context.Context, dest uid.UID, pid uint16) (*MuteResponse, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := rdmwire.Header{
		Destination:          dest,
		Source:               d.uid,
		TransactionNumber:    d.tn,
		PortIDOrResponseType: uint8(d.port + 1),
		SubDevice:            0,
		CommandClass:         rdmwire.CCDiscoveryCommand,
		PID:                  pid,
	}
	d.tn++

	out, err := rdmwire.EncodePacket(h, nil)
	if err != nil {
		return nil, false, ErrInvalidArg
	}
	if err := d.sendPacket(ctx, out, true); err != nil {
		return nil, false, err
	}

	if dest.IsBroadcast() {
		d.setNextSpacing(BroadcastPacketSpacing)
		return nil, false, nil
	}

	pkt, err := d.awaitReply(ctx)
	if err != nil {
		d.setNextSpacing(RequestNoResponsePacketSpacing)
		return nil, false, nil
	}
	d.setNextSpacing(RespondToRequestPacketSpacing)
	if !d.replyMatches(pkt, h) ||
		rdmwire.ResponseType(pkt.Header.PortIDOrResponseType) != rdmwire.ResponseAck {
		return nil, false, nil
	}
	m, err := decodeMuteResponse(pkt.PD)
	if err != nil {
		return nil, false, nil
	}
	return &m, true, nil
}

// DUBOutcome classifies the bus state after a discovery probe.
type DUBOutcome uint8

const (
	DUBNone DUBOutcome = iota
	DUBSingle
	DUBCollision
)

// DiscoverUniqueBranch broadcasts a discovery probe over [lower, upper]
// and classifies the result: silence, exactly one well-formed response,
// or a collision (garbled or multiple responses).
func (d *Driver) DiscoverUniqueBranch(ctx context.Context, lower, upper uid.UID) (uid.UID, DUBOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pd := make([]byte, 12)
	uid.Copy(pd, 0, lower)
	uid.Copy(pd, 6, upper)
	h := rdmwire.Header{
		Destination:          uid.BroadcastAll,
		Source:               d.uid,
		TransactionNumber:    d.tn,
		PortIDOrResponseType: uint8(d.port + 1),
		SubDevice:            0,
		CommandClass:         rdmwire.CCDiscoveryCommand,
		PID:                  pidreg.PIDDiscUniqueBranch,
	}
	d.tn++

	out, err := rdmwire.EncodePacket(h, pd)
	if err != nil {
		return uid.Null, DUBNone, ErrInvalidArg
	}
	d.expectDiscoveryResponse()
	if err := d.sendPacket(ctx, out, true); err != nil {
		return uid.Null, DUBNone, err
	}

	pkt, err := d.awaitReply(ctx)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			d.setNextSpacing(DiscoveryNoResponsePacketSpacing)
			return uid.Null, DUBNone, nil
		}
		return uid.Null, DUBNone, err
	}
	d.setNextSpacing(RespondToRequestPacketSpacing)

	if pkt.Err != nil || pkt.Size == 0 {
		return uid.Null, DUBCollision, nil
	}
	u, derr := rdmwire.DecodeDUB(pkt.Data)
	if derr != nil || !singleDUBResponse(pkt.Data) {
		return uid.Null, DUBCollision, nil
	}
	return u, DUBSingle, nil
}

// singleDUBResponse reports whether buf holds exactly one discovery
// response and nothing else. Trailing bytes mean overlapping responders.
func singleDUBResponse(buf []byte) bool {
	for i := 0; i <= rdmwire.MaxDUBPreamble && i < len(buf); i++ {
		if buf[i] == 0xAA {
			return len(buf) == i+1+16
		}
		if buf[i] != 0xFE {
			return false
		}
	}
	return false
}
