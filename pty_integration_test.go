package rdmdrv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmxrdm/rdmdrv/pidreg"
	"github.com/dmxrdm/rdmdrv/transport"
)

// The loopback tests cover the protocol; this one pushes the same
// request/response flow through a real pty pair, so the pump runs against
// kernel file descriptors and the stream break convention.
func TestRequestOverPtyPair(t *testing.T) {
	a, b, err := transport.NewPtyPair(5 * time.Millisecond)
	require.NoError(t, err)

	ctl := installDriver(t, 6, controllerUID, a, nil)
	rsp := installDriver(t, 7, responderUID, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = rsp.Serve(ctx) }()

	ack, err := ctl.Get(context.Background(), responderUID, 0, pidreg.PIDDeviceInfo, nil)
	require.NoError(t, err)
	require.True(t, ack.OK(), "get over pty failed: %+v", ack)
	assert.Len(t, ack.PD, 19)
}
