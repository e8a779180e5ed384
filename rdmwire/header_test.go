package rdmwire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dmxrdm/rdmdrv/rdmwire"
	"github.com/dmxrdm/rdmdrv/uid"
)

func sampleHeader() rdmwire.Header {
	return rdmwire.Header{
		Destination:       uid.UID{ManufacturerID: 0x1234, DeviceID: 5},
		Source:            uid.UID{ManufacturerID: 0x4321, DeviceID: 9},
		TransactionNumber: 7,
		SubDevice:         0,
		CommandClass:      rdmwire.CCGetCommand,
		PID:               0x0060,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := sampleHeader()
	pd := []byte{1, 2, 3, 4}
	buf, err := rdmwire.EncodePacket(h, pd)
	require.NoError(t, err)

	got, gotPD, err := rdmwire.DecodePacket(buf)
	require.NoError(t, err)
	assert.Equal(t, pd, gotPD)
	assert.Equal(t, h.Destination, got.Destination)
	assert.Equal(t, h.Source, got.Source)
	assert.Equal(t, h.TransactionNumber, got.TransactionNumber)
	assert.Equal(t, h.CommandClass, got.CommandClass)
	assert.Equal(t, h.PID, got.PID)
	assert.Equal(t, uint8(len(pd)), got.PDL)
}

func TestEncodeDecodeRoundTripProperty(t *testing.T) {
	// encode(decode(x)) == x for any valid packet.
	rapid.Check(t, func(rt *rapid.T) {
		h := rdmwire.Header{
			Destination:       uid.UID{ManufacturerID: uint16(rapid.Uint16().Draw(rt, "dman")), DeviceID: uint32(rapid.Uint32().Draw(rt, "ddev"))},
			Source:            uid.UID{ManufacturerID: uint16(rapid.Uint16().Draw(rt, "sman")), DeviceID: uint32(rapid.Uint32().Draw(rt, "sdev"))},
			TransactionNumber: uint8(rapid.Uint8().Draw(rt, "tn")),
			SubDevice:         uint16(rapid.Uint16().Draw(rt, "subdev")),
			CommandClass:      rdmwire.CCGetCommand,
			PID:               uint16(rapid.Uint16().Draw(rt, "pid")),
		}
		pd := rapid.SliceOfN(rapid.Byte(), 0, rdmwire.MaxPDL).Draw(rt, "pd")

		buf, err := rdmwire.EncodePacket(h, pd)
		require.NoError(rt, err)

		gotH, gotPD, err := rdmwire.DecodePacket(buf)
		require.NoError(rt, err)
		assert.Equal(rt, h.Destination, gotH.Destination)
		assert.Equal(rt, h.Source, gotH.Source)
		assert.Equal(rt, pd, gotPD)

		buf2, err := rdmwire.EncodePacket(gotH, gotPD)
		require.NoError(rt, err)
		assert.Equal(rt, buf, buf2)
	})
}

func TestChecksumInvariant(t *testing.T) {
	h := sampleHeader()
	buf, err := rdmwire.EncodePacket(h, []byte{9, 9})
	require.NoError(t, err)

	msgLen := int(buf[2])
	var sum uint32
	for _, b := range buf[:msgLen] {
		sum += uint32(b)
	}
	want := uint16(buf[msgLen])<<8 | uint16(buf[msgLen+1])
	assert.Equal(t, uint16(sum), want)
}

func TestRejectsCorruptedChecksum(t *testing.T) {
	h := sampleHeader()
	buf, err := rdmwire.EncodePacket(h, []byte{1})
	require.NoError(t, err)
	buf[5] ^= 0xFF // flip a header byte, invalidating the checksum

	_, _, err = rdmwire.DecodePacket(buf)
	assert.ErrorIs(t, err, rdmwire.ErrBadChecksum)
}

func TestPDLBoundaries(t *testing.T) {
	h := sampleHeader()

	_, err := rdmwire.EncodePacket(h, make([]byte, 0))
	assert.NoError(t, err)

	_, err = rdmwire.EncodePacket(h, make([]byte, 231))
	assert.NoError(t, err)

	_, err = rdmwire.EncodePacket(h, make([]byte, 232))
	assert.ErrorIs(t, err, rdmwire.ErrPDLOutOfRange)
}

func TestDUBRoundTrip(t *testing.T) {
	u := uid.UID{ManufacturerID: 0x0001, DeviceID: 5}
	for _, preamble := range []int{0, 7} {
		buf, err := rdmwire.EncodeDUB(u, preamble)
		require.NoError(t, err)
		got, err := rdmwire.DecodeDUB(buf)
		require.NoError(t, err)
		assert.Equal(t, u, got)
	}
}

func TestDUBWireVector(t *testing.T) {
	// Fixed vector for UID 0001:00000005: each byte is emitted as b|0xAA
	// then b|0x55, and the checksum is sum(uid bytes) + 6*0xFF = 0x0600.
	u := uid.UID{ManufacturerID: 0x0001, DeviceID: 5}
	want := []byte{
		0xAA,       // delimiter
		0xAA, 0x55, // 0x00
		0xAB, 0x55, // 0x01
		0xAA, 0x55, // 0x00
		0xAA, 0x55, // 0x00
		0xAA, 0x55, // 0x00
		0xAF, 0x55, // 0x05
		0xAE, 0x57, // checksum hi 0x06
		0xAA, 0x55, // checksum lo 0x00
	}

	buf, err := rdmwire.EncodeDUB(u, 0)
	require.NoError(t, err)
	assert.Equal(t, want, buf)

	got, err := rdmwire.DecodeDUB(want)
	require.NoError(t, err)
	assert.Equal(t, u, got)

	// A checksum missing the per-byte 0xFF offset (plain sum 0x0006)
	// must be rejected.
	bad := append([]byte(nil), want...)
	bad[13] = 0x00 | 0xAA // hi 0x00
	bad[14] = 0x00 | 0x55
	bad[15] = 0x06 | 0xAA // lo 0x06
	bad[16] = 0x06 | 0x55
	_, err = rdmwire.DecodeDUB(bad)
	assert.ErrorIs(t, err, rdmwire.ErrDUBBadChecksum)
}

func TestDUBRejectsOversizedPreamble(t *testing.T) {
	_, err := rdmwire.EncodeDUB(uid.UID{}, 8)
	assert.Error(t, err)
}

func TestResponseHeaderForSwapsAddressing(t *testing.T) {
	req := sampleHeader()
	resp := rdmwire.ResponseHeaderFor(req, rdmwire.ResponseAck, 1)
	assert.Equal(t, req.Source, resp.Destination)
	assert.Equal(t, req.Destination, resp.Source)
	assert.Equal(t, req.CommandClass.Response(), resp.CommandClass)
	assert.Equal(t, req.TransactionNumber, resp.TransactionNumber)
	assert.Equal(t, req.PID, resp.PID)
}
