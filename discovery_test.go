package rdmdrv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmxrdm/rdmdrv/transport"
	"github.com/dmxrdm/rdmdrv/uid"
)

// newNetwork builds a controller plus n serving responders on one bus.
func newNetwork(t *testing.T, uids []uid.UID) *Driver {
	t.Helper()
	bus := transport.NewBus()
	bus.SetIdleTimeout(10 * time.Millisecond)
	ctl := installDriver(t, 0, controllerUID, bus.NewEndpoint(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	for i, u := range uids {
		rsp := installDriver(t, i+1, u, bus.NewEndpoint(), nil)
		go func() { _ = rsp.Serve(ctx) }()
	}
	// Registered last so it runs first: Serve must stop before the
	// responders' Uninstall cleanups can take the port mutex.
	t.Cleanup(cancel)
	return ctl
}

func TestDiscoverySingleDevice(t *testing.T) {
	ctl := newNetwork(t, []uid.UID{responderUID})

	found, err := ctl.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.True(t, uid.Eq(responderUID, found[0]))
}

func TestDiscoveryEmptyBus(t *testing.T) {
	ctl := newNetwork(t, nil)

	found, err := ctl.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDiscoveryMultipleDevices(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-device discovery walks several probe rounds")
	}
	// Spread across the UID space so collisions split apart quickly.
	uids := []uid.UID{
		{ManufacturerID: 0x0001, DeviceID: 0x00000005},
		{ManufacturerID: 0x4001, DeviceID: 0x00AA0007},
		{ManufacturerID: 0xC001, DeviceID: 0x55000009},
	}
	ctl := newNetwork(t, uids)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	found, err := ctl.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, found, len(uids))

	seen := make(map[uid.UID]bool, len(found))
	for _, u := range found {
		seen[u] = true
	}
	for _, u := range uids {
		assert.True(t, seen[u], "device %s not discovered", u)
	}
}

func TestDiscoveryRunsTwice(t *testing.T) {
	ctl := newNetwork(t, []uid.UID{responderUID})
	ctx := context.Background()

	found, err := ctl.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)

	// The opening broadcast un-mute lets a second run find the same set.
	found, err = ctl.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestMutedResponderIgnoresProbes(t *testing.T) {
	ctl := newNetwork(t, []uid.UID{responderUID})
	ctx := context.Background()

	_, acked, err := ctl.Mute(ctx, responderUID)
	require.NoError(t, err)
	require.True(t, acked)

	u, outcome, err := ctl.DiscoverUniqueBranch(ctx, uid.Next(uid.Null), uid.Max)
	require.NoError(t, err)
	assert.Equal(t, DUBNone, outcome)
	assert.True(t, u.IsNull())

	_, acked, err = ctl.UnMute(ctx, responderUID)
	require.NoError(t, err)
	require.True(t, acked)

	_, outcome, err = ctl.DiscoverUniqueBranch(ctx, uid.Next(uid.Null), uid.Max)
	require.NoError(t, err)
	assert.Equal(t, DUBSingle, outcome)
}

func TestDUBOutsideRangeStaysQuiet(t *testing.T) {
	ctl := newNetwork(t, []uid.UID{responderUID})

	// responderUID is 0001:00000005; probe a disjoint span.
	lo := uid.UID{ManufacturerID: 0x8000, DeviceID: 0}
	_, outcome, err := ctl.DiscoverUniqueBranch(context.Background(), lo, uid.Max)
	require.NoError(t, err)
	assert.Equal(t, DUBNone, outcome)
}
