package uid_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/dmxrdm/rdmdrv/uid"
)

func TestIsTargetBroadcastAll(t *testing.T) {
	// BROADCAST_ALL targets every UID.
	rapid.Check(t, func(rt *rapid.T) {
		self := uid.UID{
			ManufacturerID: uint16(rapid.Uint16().Draw(rt, "man")),
			DeviceID:       uint32(rapid.Uint32().Draw(rt, "dev")),
		}
		assert.True(rt, uid.IsTarget(self, uid.BroadcastAll))
	})
}

func TestIsTargetManufacturerBroadcast(t *testing.T) {
	man := uint16(0x1234)
	self := uid.UID{ManufacturerID: man, DeviceID: 5}
	assert.True(t, uid.IsTarget(self, uid.ManufacturerBroadcast(man)))
	assert.False(t, uid.IsTarget(self, uid.ManufacturerBroadcast(man+1)))
}

func TestIsTargetExactMatchOnly(t *testing.T) {
	self := uid.UID{ManufacturerID: 1, DeviceID: 2}
	other := uid.UID{ManufacturerID: 1, DeviceID: 3}
	assert.True(t, uid.IsTarget(self, self))
	assert.False(t, uid.IsTarget(self, other))
}

func TestOrderingLexicographic(t *testing.T) {
	a := uid.UID{ManufacturerID: 1, DeviceID: 0xFFFFFFFF}
	b := uid.UID{ManufacturerID: 2, DeviceID: 0}
	assert.True(t, uid.Lt(a, b))
	assert.True(t, uid.Gt(b, a))
}

func TestWireRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		u := uid.UID{
			ManufacturerID: uint16(rapid.Uint16().Draw(rt, "man")),
			DeviceID:       uint32(rapid.Uint32().Draw(rt, "dev")),
		}
		buf := make([]byte, 6)
		uid.Copy(buf, 0, u)
		assert.Equal(rt, u, uid.FromBytes([6]byte(buf)))
	})
}

func TestMoveOverlapping(t *testing.T) {
	buf := make([]byte, 12)
	u := uid.UID{ManufacturerID: 0xBEEF, DeviceID: 0xCAFEF00D}
	uid.Copy(buf, 0, u)
	// Shift the encoded UID two bytes to the right within the same buffer.
	uid.Move(buf, 2, buf, 0)
	assert.Equal(t, u, uid.FromBytes([6]byte(buf[2:8])))
}

func TestMidNoOverflow(t *testing.T) {
	mid := uid.Mid(uid.Next(uid.Null), uid.Max)
	assert.True(t, uid.Ge(mid, uid.Next(uid.Null)))
	assert.True(t, uid.Le(mid, uid.Max))
}

func TestParseRoundTrip(t *testing.T) {
	u := uid.UID{ManufacturerID: 0x7A70, DeviceID: 0x00000001}
	got, err := uid.Parse(u.String())
	assert.NoError(t, err)
	assert.Equal(t, u, got)

	_, err = uid.Parse("garbage")
	assert.Error(t, err)
}

func TestNullAndBroadcastPredicates(t *testing.T) {
	assert.True(t, uid.Null.IsNull())
	assert.True(t, uid.BroadcastAll.IsBroadcast())
	assert.False(t, uid.Max.IsBroadcast())
}
